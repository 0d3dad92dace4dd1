package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overlays COOK_* environment variables onto operational knobs.
// Unset or unparsable values leave the field untouched.
func (c *CookerConfig) ApplyEnv() {
	c.Tick.Budget = envDuration("COOK_TICK_BUDGET", c.Tick.Budget)
	c.Tick.MaxPackagesPerTick = envInt("COOK_MAX_PACKAGES_PER_TICK", c.Tick.MaxPackagesPerTick)
	c.Tick.MaxRequeuesPerPackage = envInt("COOK_MAX_REQUEUES_PER_PACKAGE", c.Tick.MaxRequeuesPerPackage)
	c.Tick.Realtime = envBool("COOK_REALTIME", c.Tick.Realtime)
	c.Cache.Workers = envInt("COOK_DDC_WORKERS", c.Cache.Workers)
	c.GC.PackagesPerGC = envInt("COOK_PACKAGES_PER_GC", c.GC.PackagesPerGC)
	c.GC.MinFreeMemoryMB = envInt("COOK_MIN_FREE_MEMORY_MB", c.GC.MinFreeMemoryMB)
	c.GC.MaxMemoryAllowanceMB = envInt("COOK_MAX_MEMORY_ALLOWANCE_MB", c.GC.MaxMemoryAllowanceMB)
	c.Iterative = envBool("COOK_ITERATIVE", c.Iterative)
	if v := strings.TrimSpace(os.Getenv("COOK_COMPRESSION")); v != "" {
		c.Compression = strings.ToLower(v)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
