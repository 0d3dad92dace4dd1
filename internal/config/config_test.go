package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tick.Budget != DefaultTickBudget {
		t.Fatalf("budget=%s want %s", cfg.Tick.Budget, DefaultTickBudget)
	}
	if cfg.PlatformPruneTTL != 5*time.Minute {
		t.Fatalf("prune ttl=%s", cfg.PlatformPruneTTL)
	}
	if cfg.Cache.Dir != "./Saved/Cook/ddc" {
		t.Fatalf("cache dir=%q", cfg.Cache.Dir)
	}
}

func TestLoad_OverridesAndDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cook.yaml")
	raw := []byte(`
project_name: Shooter
sandbox_dir: ` + dir + `/Cooked/[Platform]
compression: LZ4
tick:
  budget: 250ms
  max_packages_per_tick: 3
gc:
  packages_per_gc: 20
  idle_time_to_gc: 1m
cache:
  async_limits:
    Material: 2
platforms:
  - name: Switch
    max_path_length: 120
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Compression != "lz4" {
		t.Fatalf("compression=%q", cfg.Compression)
	}
	if cfg.Tick.Budget != 250*time.Millisecond || cfg.Tick.MaxPackagesPerTick != 3 {
		t.Fatalf("tick=%+v", cfg.Tick)
	}
	if cfg.GC.PackagesPerGC != 20 || cfg.GC.IdleTimeToGC != time.Minute {
		t.Fatalf("gc=%+v", cfg.GC)
	}
	if cfg.Cache.AsyncLimits["Material"] != 2 {
		t.Fatalf("async limits=%v", cfg.Cache.AsyncLimits)
	}
	if len(cfg.Platforms) != 1 || cfg.Platforms[0].MaxPathLength != 120 {
		t.Fatalf("platforms=%+v", cfg.Platforms)
	}
}

func TestValidate_RejectsMissingPlatformToken(t *testing.T) {
	cfg := Defaults()
	cfg.SandboxDir = "./Saved/Cooked"
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for sandbox dir without [Platform]")
	}
}

func TestValidate_RejectsDuplicatePlatforms(t *testing.T) {
	cfg := Defaults()
	cfg.Platforms = []PlatformSpec{{Name: "PS4"}, {Name: "ps4"}}
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate platform error")
	}
}

func TestSettingsDigest_BlacklistIgnoresKey(t *testing.T) {
	a := Defaults()
	b := Defaults()
	b.Compression = "lz4"
	if a.SettingsDigest("PS4") == b.SettingsDigest("PS4") {
		t.Fatalf("expected compression change to alter digest")
	}
	a.IniBlacklist = []string{"compression"}
	b.IniBlacklist = []string{"compression"}
	if a.SettingsDigest("PS4") != b.SettingsDigest("PS4") {
		t.Fatalf("expected blacklisted key to be ignored")
	}
	if a.SettingsDigest("PS4") == a.SettingsDigest("Win64") {
		t.Fatalf("expected per-platform digests to differ")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("COOK_TICK_BUDGET", "40ms")
	t.Setenv("COOK_ITERATIVE", "true")
	t.Setenv("COOK_PACKAGES_PER_GC", "nope")
	cfg := Defaults()
	cfg.ApplyEnv()
	if cfg.Tick.Budget != 40*time.Millisecond {
		t.Fatalf("budget=%s", cfg.Tick.Budget)
	}
	if !cfg.Iterative {
		t.Fatalf("expected iterative from env")
	}
	if cfg.GC.PackagesPerGC != Defaults().GC.PackagesPerGC {
		t.Fatalf("unparsable env should keep default, got %d", cfg.GC.PackagesPerGC)
	}
}

func TestLoad_RepoConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "cook.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Platforms) != 2 || cfg.Platforms[1].Name != "Switch" || cfg.Platforms[1].MaxPathLength != 128 {
		t.Fatalf("platforms=%+v", cfg.Platforms)
	}
	if cfg.GC.MinFreeMemoryBytes() != 1024<<20 || cfg.Cache.AsyncLimits["Texture"] != 16 {
		t.Fatalf("gc=%+v cache=%+v", cfg.GC, cfg.Cache)
	}
	if !cfg.Iterative || cfg.Cache.Dir != "./Saved/Cook/ddc" {
		t.Fatalf("cfg=%+v", cfg)
	}
}
