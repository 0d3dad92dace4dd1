// Package bootstrap wires a cook server from a loaded config. Both the
// cook-on-the-fly server and the cookctl book command start from here.
package bootstrap

import (
	"fmt"
	"log"
	"os"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/config"
	"assetcook.dev/internal/cook"
	"assetcook.dev/internal/cook/ddc"
	persistlog "assetcook.dev/internal/persistence/log"
)

// Runtime owns the cook server and the subsystems it was built on.
type Runtime struct {
	Config  config.CookerConfig
	Content *assets.DirContent
	Cache   *ddc.Builder
	Events  *persistlog.EventLog
	Server  *cook.Server
}

// LoadConfig reads path (empty means defaults) and overlays COOK_* env vars.
func LoadConfig(path string) (config.CookerConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()
	cfg.Normalize()
	return cfg, cfg.Validate()
}

func Open(cfg config.CookerConfig, mode cook.Mode, logger *log.Logger) (*Runtime, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st, err := os.Stat(cfg.ContentDir); err != nil {
		return nil, fmt.Errorf("content dir: %w", err)
	} else if !st.IsDir() {
		return nil, fmt.Errorf("content dir %s is not a directory", cfg.ContentDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:  cfg,
		Content: assets.NewDirContent(cfg.ContentDir),
		Cache:   ddc.NewBuilder(cfg.Cache.Dir, cfg.Cache.Workers, cfg.Cache.QueueCapacity, cfg.Cache.BuildDelay, logger),
		Events:  persistlog.NewEventLog(cfg.DataDir),
	}
	srv, err := cook.New(cook.Options{
		Config:  cfg,
		Content: rt.Content,
		Cache:   rt.Cache,
		Events:  rt.Events,
		Logger:  logger,
		Mode:    mode,
	})
	if err != nil {
		rt.Cache.Close()
		_ = rt.Events.Close()
		return nil, err
	}
	rt.Server = srv
	return rt, nil
}

// Close stops the cache workers and flushes the event log. Call it after the
// cook loop has returned.
func (rt *Runtime) Close() error {
	rt.Cache.Close()
	if rt.Server != nil {
		return rt.Server.Close()
	}
	return rt.Events.Close()
}
