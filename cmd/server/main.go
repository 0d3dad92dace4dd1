package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"assetcook.dev/internal/bootstrap"
	"assetcook.dev/internal/cook"
	"assetcook.dev/internal/transport/ws"
)

var version = "dev"

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "", "path to cook.yaml (empty: defaults)")
		contentDir = flag.String("content", "", "content directory (overrides config)")
		sandboxDir = flag.String("sandbox", "", "sandbox pattern containing [Platform] (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		maxInline  = flag.Int64("max_inline_bytes", ws.DefaultMaxInlineData, "largest cooked file sent inline in FILE_REPLY")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[cook] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if v := strings.TrimSpace(*contentDir); v != "" {
		cfg.ContentDir = v
	}
	if v := strings.TrimSpace(*sandboxDir); v != "" {
		cfg.SandboxDir = v
	}
	if v := strings.TrimSpace(*dataDir); v != "" {
		if cfg.Cache.Dir == strings.TrimRight(cfg.DataDir, "/\\")+"/ddc" {
			cfg.Cache.Dir = ""
		}
		cfg.DataDir = v
	}

	rt, err := bootstrap.Open(cfg, cook.ModeCookOnTheFly, logger)
	if err != nil {
		logger.Fatalf("open cooker: %v", err)
	}
	defer rt.Close()

	files := ws.NewServer(rt.Server, logger, version, rt.Server.RunID())
	files.SetMaxInlineData(*maxInline)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(rt.Server, rt.Cache, files))
	mux.HandleFunc("/v1/cook", files.Handler())

	if envBool("COOK_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		registerAdmin(mux, rt.Server)
	} else {
		logger.Printf("admin endpoints disabled (COOK_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("COOK_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := rt.Server.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Printf("listening on %s content=%s sandbox=%s", *addr, cfg.ContentDir, cfg.SandboxDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	if err := g.Wait(); err != nil {
		logger.Printf("stopped: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
