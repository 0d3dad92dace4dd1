package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CookerConfig holds every knob the cooker consumes. It is loaded once and passed
// by value into the server at construction.
type CookerConfig struct {
	ProjectName string `yaml:"project_name"`
	ContentDir  string `yaml:"content_dir"`
	SandboxDir  string `yaml:"sandbox_dir"`
	DataDir     string `yaml:"data_dir"`

	// Compression codec for cooked packages: zstd, lz4 or none.
	Compression string `yaml:"compression"`

	Platforms        []PlatformSpec `yaml:"platforms,omitempty"`
	DefaultPlatforms []string       `yaml:"default_platforms,omitempty"`

	Tick  TickConfig  `yaml:"tick"`
	Cache CacheConfig `yaml:"cache"`
	GC    GCConfig    `yaml:"gc"`

	Iterative    bool     `yaml:"iterative"`
	IniBlacklist []string `yaml:"ini_blacklist,omitempty"`

	PlatformPruneTTL time.Duration `yaml:"platform_prune_ttl"`
}

type PlatformSpec struct {
	Name              string `yaml:"name"`
	ShaderFormat      string `yaml:"shader_format,omitempty"`
	TextureFormat     string `yaml:"texture_format,omitempty"`
	MaxPathLength     int    `yaml:"max_path_length,omitempty"`
	HasEditorOnlyData bool   `yaml:"has_editor_only_data,omitempty"`
}

type TickConfig struct {
	// Budget bounds one tick in realtime mode; advisory otherwise.
	Budget time.Duration `yaml:"budget"`
	// MaxPackagesPerTick caps saves (and requeues) per tick; 0 means unlimited.
	MaxPackagesPerTick int `yaml:"max_packages_per_tick"`
	// MaxRequeuesPerPackage bounds how often one package is pushed back while
	// its platform data builds. Past it the package is saved after a
	// synchronous wait.
	MaxRequeuesPerPackage int           `yaml:"max_requeues_per_package"`
	ProgressInterval      time.Duration `yaml:"progress_interval"`
	IdleWait              time.Duration `yaml:"idle_wait"`
	Realtime              bool          `yaml:"realtime"`
	CookInEditor          bool          `yaml:"cook_in_editor"`
}

type CacheConfig struct {
	Dir                     string                   `yaml:"dir"`
	Workers                 int                      `yaml:"workers"`
	QueueCapacity           int                      `yaml:"queue_capacity"`
	MaxConcurrentShaderJobs int                      `yaml:"max_concurrent_shader_jobs"`
	MaxPrecacheShaderJobs   int                      `yaml:"max_precache_shader_jobs"`
	AsyncLimits             map[string]int           `yaml:"async_limits,omitempty"`
	DefaultAsyncLimit       int                      `yaml:"default_async_limit"`
	BuildDelay              map[string]time.Duration `yaml:"build_delay,omitempty"`
	SyncWaitTimeout         time.Duration            `yaml:"sync_wait_timeout"`
}

type GCConfig struct {
	PackagesPerGC              int           `yaml:"packages_per_gc"`
	MinFreeMemoryMB            int           `yaml:"min_free_memory_mb"`
	MaxMemoryAllowanceMB       int           `yaml:"max_memory_allowance_mb"`
	MinMemoryBeforeGCMB        int           `yaml:"min_memory_before_gc_mb"`
	IdleTimeToGC               time.Duration `yaml:"idle_time_to_gc"`
	MaxLoadedObjects           int           `yaml:"max_loaded_objects"`
	MaxPreloadedPackagesToKeep int           `yaml:"max_preloaded_packages_to_keep"`
}

const (
	DefaultPlatformPruneTTL = 5 * time.Minute
	DefaultProgressInterval = 5 * time.Second
	DefaultTickBudget       = 100 * time.Millisecond
)

func Defaults() CookerConfig {
	return CookerConfig{
		ProjectName: "Game",
		ContentDir:  "./Content",
		SandboxDir:  "./Saved/Cooked/[Platform]",
		DataDir:     "./Saved/Cook",
		Compression: "zstd",
		Tick: TickConfig{
			Budget:                DefaultTickBudget,
			MaxPackagesPerTick:    50,
			MaxRequeuesPerPackage: 16,
			ProgressInterval:      DefaultProgressInterval,
			IdleWait:              10 * time.Millisecond,
		},
		Cache: CacheConfig{
			Workers:                 4,
			QueueCapacity:           1024,
			MaxConcurrentShaderJobs: 64,
			MaxPrecacheShaderJobs:   256,
			AsyncLimits: map[string]int{
				"Material": 8,
				"Texture":  16,
			},
			DefaultAsyncLimit: 32,
			SyncWaitTimeout:   60 * time.Second,
		},
		GC: GCConfig{
			PackagesPerGC:              500,
			MinFreeMemoryMB:            0,
			MaxMemoryAllowanceMB:       0,
			MinMemoryBeforeGCMB:        0,
			IdleTimeToGC:               20 * time.Second,
			MaxLoadedObjects:           0,
			MaxPreloadedPackagesToKeep: 16,
		},
		Iterative:        false,
		PlatformPruneTTL: DefaultPlatformPruneTTL,
	}
}

// Load reads a cooker config file on top of Defaults. An empty path yields defaults.
func Load(path string) (CookerConfig, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("cook.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("cook.yaml: %w", err)
	}
	return cfg, nil
}

func (c *CookerConfig) Normalize() {
	def := Defaults()
	c.ProjectName = strings.TrimSpace(c.ProjectName)
	if c.ProjectName == "" {
		c.ProjectName = def.ProjectName
	}
	if strings.TrimSpace(c.ContentDir) == "" {
		c.ContentDir = def.ContentDir
	}
	if strings.TrimSpace(c.SandboxDir) == "" {
		c.SandboxDir = def.SandboxDir
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	c.Compression = strings.ToLower(strings.TrimSpace(c.Compression))
	if c.Compression == "" {
		c.Compression = def.Compression
	}
	if c.Tick.Budget <= 0 {
		c.Tick.Budget = def.Tick.Budget
	}
	if c.Tick.MaxPackagesPerTick < 0 {
		c.Tick.MaxPackagesPerTick = 0
	}
	if c.Tick.MaxRequeuesPerPackage <= 0 {
		c.Tick.MaxRequeuesPerPackage = def.Tick.MaxRequeuesPerPackage
	}
	if c.Tick.ProgressInterval <= 0 {
		c.Tick.ProgressInterval = def.Tick.ProgressInterval
	}
	if c.Tick.IdleWait <= 0 {
		c.Tick.IdleWait = def.Tick.IdleWait
	}
	if c.Cache.Workers <= 0 {
		c.Cache.Workers = def.Cache.Workers
	}
	if c.Cache.QueueCapacity <= 0 {
		c.Cache.QueueCapacity = def.Cache.QueueCapacity
	}
	if c.Cache.DefaultAsyncLimit <= 0 {
		c.Cache.DefaultAsyncLimit = def.Cache.DefaultAsyncLimit
	}
	if c.Cache.SyncWaitTimeout <= 0 {
		c.Cache.SyncWaitTimeout = def.Cache.SyncWaitTimeout
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = strings.TrimRight(c.DataDir, "/\\") + "/ddc"
	}
	if c.GC.MaxPreloadedPackagesToKeep < 0 {
		c.GC.MaxPreloadedPackagesToKeep = 0
	}
	if c.PlatformPruneTTL <= 0 {
		c.PlatformPruneTTL = DefaultPlatformPruneTTL
	}
	for i := range c.Platforms {
		c.Platforms[i].Name = strings.TrimSpace(c.Platforms[i].Name)
	}
}

func (c CookerConfig) Validate() error {
	switch c.Compression {
	case "zstd", "lz4", "none":
	default:
		return fmt.Errorf("unknown compression %q (want zstd, lz4 or none)", c.Compression)
	}
	if !strings.Contains(c.SandboxDir, "[Platform]") {
		return fmt.Errorf("sandbox_dir %q must contain the [Platform] token", c.SandboxDir)
	}
	seen := map[string]bool{}
	for i, p := range c.Platforms {
		if p.Name == "" {
			return fmt.Errorf("platforms[%d]: name is required", i)
		}
		k := strings.ToLower(p.Name)
		if seen[k] {
			return fmt.Errorf("platforms[%d]: duplicate platform %q", i, p.Name)
		}
		seen[k] = true
		if p.MaxPathLength < 0 {
			return fmt.Errorf("platform %s: max_path_length must be >= 0", p.Name)
		}
	}
	for class, n := range c.Cache.AsyncLimits {
		if n <= 0 {
			return fmt.Errorf("cache.async_limits[%s]: must be > 0", class)
		}
	}
	if c.GC.PackagesPerGC < 0 || c.GC.MinFreeMemoryMB < 0 || c.GC.MaxMemoryAllowanceMB < 0 || c.GC.MinMemoryBeforeGCMB < 0 {
		return fmt.Errorf("gc thresholds must be >= 0")
	}
	return nil
}

// CookSettings returns the build-relevant settings that invalidate a platform's
// sandbox when they change. Keys listed in IniBlacklist are left out.
func (c CookerConfig) CookSettings(platform string) map[string]string {
	settings := map[string]string{
		"project_name": c.ProjectName,
		"compression":  c.Compression,
		"platform":     platform,
	}
	for _, p := range c.Platforms {
		if !strings.EqualFold(p.Name, platform) {
			continue
		}
		settings["shader_format"] = p.ShaderFormat
		settings["texture_format"] = p.TextureFormat
		settings["max_path_length"] = strconv.Itoa(p.MaxPathLength)
		settings["has_editor_only_data"] = strconv.FormatBool(p.HasEditorOnlyData)
	}
	for _, k := range c.IniBlacklist {
		delete(settings, strings.TrimSpace(k))
	}
	return settings
}

// SettingsDigest hashes CookSettings in key order.
func (c CookerConfig) SettingsDigest(platform string) string {
	settings := c.CookSettings(platform)
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, settings[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (g GCConfig) MinFreeMemoryBytes() uint64    { return mb(g.MinFreeMemoryMB) }
func (g GCConfig) MaxMemoryAllowanceBytes() uint64 { return mb(g.MaxMemoryAllowanceMB) }
func (g GCConfig) MinMemoryBeforeGCBytes() uint64  { return mb(g.MinMemoryBeforeGCMB) }

func mb(v int) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(v) * 1024 * 1024
}
