package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"assetcook.dev/internal/config"
	"assetcook.dev/internal/cook"
)

func testConfig(t *testing.T) config.CookerConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.ContentDir = filepath.Join(dir, "Content")
	cfg.SandboxDir = filepath.Join(dir, "Cooked", "[Platform]")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Cache.Dir = ""
	return cfg
}

func TestOpen_RequiresContentDir(t *testing.T) {
	cfg := testConfig(t)
	if _, err := Open(cfg, cook.ModeCookOnTheFly, nil); err == nil {
		t.Fatalf("missing content dir accepted")
	}
	cfg.Compression = "brotli"
	if err := os.MkdirAll(cfg.ContentDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(cfg, cook.ModeCookOnTheFly, nil); err == nil {
		t.Fatalf("bad compression accepted")
	}
}

func TestOpen_CooksOnTheFly(t *testing.T) {
	cfg := testConfig(t)
	p := filepath.Join(cfg.ContentDir, "Props", "Crate.upkg")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("objects:\n  - {name: Crate, kind: StaticMesh, data: box}\n  - {name: M_Crate, kind: Material, data: wood}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rt, err := Open(cfg, cook.ModeCookOnTheFly, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rt.Close()
	if rt.Server.RunID() == "" {
		t.Fatalf("empty run id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Server.Run(ctx) }()
	defer func() {
		rt.Server.Shutdown()
		<-done
	}()

	reply, err := rt.Server.HandleFileRequest(ctx, "Props/Crate.upkg", "PS4")
	if err != nil {
		t.Fatalf("HandleFileRequest: %v", err)
	}
	if !reply.Found || reply.Size <= 0 {
		t.Fatalf("reply=%+v", reply)
	}
	if _, err := os.Stat(reply.CookedPath); err != nil {
		t.Fatalf("cooked file: %v", err)
	}
	if st := rt.Cache.Stats(); st.BuiltTotal+st.CacheHitTotal < 2 || st.BuildFailTotal != 0 {
		t.Fatalf("ddc stats=%+v", st)
	}
}
