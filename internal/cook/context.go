package cook

import (
	"strings"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/config"
	"assetcook.dev/internal/cook/platforms"
)

// CookerContext owns the per-run caches of one Server. It is touched only by
// the cooking goroutine, so nothing here is locked.
type CookerContext struct {
	reentry map[string]*reentryData
	limiter *asyncCacheLimiter
}

func newCookerContext(cfg config.CacheConfig) *CookerContext {
	return &CookerContext{
		reentry: map[string]*reentryData{},
		limiter: newAsyncCacheLimiter(cfg.AsyncLimits, cfg.DefaultAsyncLimit),
	}
}

// reentryData memoizes per-package work between ticks of one GC epoch.
type reentryData struct {
	name        string
	fullyLoaded bool
	objects     []*assets.Object
	cache       *cacheProgress
	// requeues counts pushes back since the package was last saved.
	requeues int
}

// cacheProgress walks the (object, platform) pairs of a package. Pairs before
// next have been begun; pending holds those not yet finished.
type cacheProgress struct {
	platforms platforms.Set
	next      int
	pending   []cacheSlot
}

type cacheSlot struct {
	obj      *assets.Object
	target   *platforms.Target
	class    string
	borrowed bool
}

func (c *CookerContext) reentryFor(pkg *assets.Package) *reentryData {
	k := strings.ToLower(pkg.Name)
	re, ok := c.reentry[k]
	if !ok {
		re = &reentryData{name: pkg.Name}
		c.reentry[k] = re
	}
	if !re.fullyLoaded && pkg.IsFullyLoaded() {
		re.fullyLoaded = true
		re.objects = append([]*assets.Object(nil), pkg.Objects...)
	}
	return re
}

func (c *CookerContext) lookup(name string) (*reentryData, bool) {
	re, ok := c.reentry[strings.ToLower(name)]
	return re, ok
}

// progressFor returns the cache walk for ps, restarting it if the platforms
// changed since it began.
func (c *CookerContext) progressFor(re *reentryData, ps platforms.Set) *cacheProgress {
	if re.cache != nil && re.cache.platforms.ContainsAll(ps) && ps.ContainsAll(re.cache.platforms) {
		return re.cache
	}
	c.releaseProgress(re)
	re.cache = &cacheProgress{platforms: ps.Clone()}
	return re.cache
}

func (c *CookerContext) releaseProgress(re *reentryData) {
	if re.cache == nil {
		return
	}
	for _, s := range re.cache.pending {
		if s.borrowed {
			c.limiter.release(s.class)
		}
	}
	re.cache = nil
}

// forgetCache drops the cache walk of pkg but keeps its load memo.
func (c *CookerContext) forgetCache(pkg *assets.Package) {
	if re, ok := c.lookup(pkg.Name); ok {
		c.releaseProgress(re)
		re.requeues = 0
	}
}

// forget drops everything known about pkg.
func (c *CookerContext) forget(name string) {
	if re, ok := c.lookup(name); ok {
		c.releaseProgress(re)
		delete(c.reentry, strings.ToLower(name))
	}
}

// Reset invalidates every entry. Called right before garbage collection.
func (c *CookerContext) Reset() {
	c.reentry = map[string]*reentryData{}
	c.limiter.reset()
}

func (c *CookerContext) Len() int { return len(c.reentry) }

// asyncCacheLimiter caps in-flight async cache requests per asset class.
type asyncCacheLimiter struct {
	limits map[string]int
	def    int
	inUse  map[string]int
}

func newAsyncCacheLimiter(limits map[string]int, def int) *asyncCacheLimiter {
	l := &asyncCacheLimiter{limits: map[string]int{}, def: def, inUse: map[string]int{}}
	for k, v := range limits {
		l.limits[strings.ToLower(k)] = v
	}
	return l
}

func (l *asyncCacheLimiter) limit(class string) int {
	if n, ok := l.limits[strings.ToLower(class)]; ok {
		return n
	}
	return l.def
}

func (l *asyncCacheLimiter) tryAcquire(class string) bool {
	k := strings.ToLower(class)
	if n := l.limit(class); n > 0 && l.inUse[k] >= n {
		return false
	}
	l.inUse[k]++
	return true
}

func (l *asyncCacheLimiter) release(class string) {
	k := strings.ToLower(class)
	if l.inUse[k] > 0 {
		l.inUse[k]--
	}
}

func (l *asyncCacheLimiter) inFlight(class string) int { return l.inUse[strings.ToLower(class)] }

func (l *asyncCacheLimiter) reset() { l.inUse = map[string]int{} }
