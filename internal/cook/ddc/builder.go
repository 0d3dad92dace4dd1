package ddc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
)

// derivedVersion is mixed into every key; bump it to invalidate the cache.
const derivedVersion = "ddc-1"

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	InFlight            int
	PendingShaderJobs   int
	BegunTotal          uint64
	QueueSaturatedTotal uint64
	BuiltTotal          uint64
	CacheHitTotal       uint64
	BuildFailTotal      uint64
}

type resultKey struct {
	pkg      string
	obj      string
	platform string
}

type result struct {
	ch      chan struct{}
	done    bool
	key     string
	payload []byte
	err     error
}

type job struct {
	res    *result
	obj    *assets.Object
	target *platforms.Target
	shader bool
}

// Builder prepares per-platform derived data for objects on a worker pool and
// keeps the outputs in a content-addressed directory.
type Builder struct {
	dir    string
	logger *log.Logger
	delay  map[string]time.Duration

	jobs chan job
	wg   sync.WaitGroup

	mu      sync.Mutex
	results map[resultKey]*result
	closed  atomic.Bool

	pendingShaders      atomic.Int64
	begunTotal          atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	builtTotal          atomic.Uint64
	cacheHitTotal       atomic.Uint64
	buildFailTotal      atomic.Uint64
}

// NewBuilder starts workers immediately. delay simulates per-kind build cost,
// keyed by AssetKind name.
func NewBuilder(dir string, workers, queueCapacity int, delay map[string]time.Duration, logger *log.Logger) *Builder {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	d := map[string]time.Duration{}
	for k, v := range delay {
		d[strings.ToLower(k)] = v
	}
	b := &Builder{
		dir:     dir,
		logger:  logger,
		delay:   d,
		jobs:    make(chan job, queueCapacity),
		results: map[resultKey]*result{},
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for j := range b.jobs {
				b.buildOne(j)
			}
		}()
	}
	return b
}

// Begin schedules a build. It never blocks: false means the queue is full and
// the caller should retry later. Beginning an object twice is a no-op.
func (b *Builder) Begin(pkg *assets.Package, obj *assets.Object, t *platforms.Target) bool {
	if b.closed.Load() {
		return false
	}
	rk := resultKey{pkg: strings.ToLower(pkg.Name), obj: obj.Name, platform: t.Name}
	b.mu.Lock()
	if _, ok := b.results[rk]; ok {
		b.mu.Unlock()
		return true
	}
	res := &result{ch: make(chan struct{})}
	b.results[rk] = res
	b.mu.Unlock()

	j := job{res: res, obj: obj, target: t, shader: obj.Kind.CompilesShaders()}
	if j.shader {
		b.pendingShaders.Add(1)
	}
	select {
	case b.jobs <- j:
		b.begunTotal.Add(1)
		return true
	default:
	}
	b.queueSaturatedTotal.Add(1)
	if j.shader {
		b.pendingShaders.Add(-1)
	}
	b.mu.Lock()
	delete(b.results, rk)
	b.mu.Unlock()
	return false
}

func (b *Builder) IsComplete(pkg *assets.Package, obj *assets.Object, t *platforms.Target) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.results[resultKey{pkg: strings.ToLower(pkg.Name), obj: obj.Name, platform: t.Name}]
	return ok && r.done
}

// Result returns the derived key and payload of a completed build.
func (b *Builder) Result(pkg *assets.Package, obj *assets.Object, t *platforms.Target) (string, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.results[resultKey{pkg: strings.ToLower(pkg.Name), obj: obj.Name, platform: t.Name}]
	if !ok || !r.done {
		return "", nil, fmt.Errorf("derived data for %s.%s (%s) not ready", pkg.Name, obj.Name, t.Name)
	}
	return r.key, r.payload, r.err
}

// Clear forgets every result of pkg. Builds still in flight finish into the
// disk cache but are no longer visible.
func (b *Builder) Clear(pkg *assets.Package) {
	name := strings.ToLower(pkg.Name)
	b.mu.Lock()
	defer b.mu.Unlock()
	for rk := range b.results {
		if rk.pkg == name {
			delete(b.results, rk)
		}
	}
}

// Wait blocks until a begun build completes or ctx is done.
func (b *Builder) Wait(ctx context.Context, pkg *assets.Package, obj *assets.Object, t *platforms.Target) error {
	b.mu.Lock()
	r, ok := b.results[resultKey{pkg: strings.ToLower(pkg.Name), obj: obj.Name, platform: t.Name}]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("derived data for %s.%s (%s) was never begun", pkg.Name, obj.Name, t.Name)
	}
	select {
	case <-r.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Builder) PendingShaderJobs() int { return int(b.pendingShaders.Load()) }

func (b *Builder) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.jobs)
	b.wg.Wait()
}

func (b *Builder) Stats() Stats {
	b.mu.Lock()
	inFlight := 0
	for _, r := range b.results {
		if !r.done {
			inFlight++
		}
	}
	b.mu.Unlock()
	return Stats{
		QueueDepth:          len(b.jobs),
		QueueCapacity:       cap(b.jobs),
		InFlight:            inFlight,
		PendingShaderJobs:   b.PendingShaderJobs(),
		BegunTotal:          b.begunTotal.Load(),
		QueueSaturatedTotal: b.queueSaturatedTotal.Load(),
		BuiltTotal:          b.builtTotal.Load(),
		CacheHitTotal:       b.cacheHitTotal.Load(),
		BuildFailTotal:      b.buildFailTotal.Load(),
	}
}

func (b *Builder) buildOne(j job) {
	defer func() {
		if j.shader {
			b.pendingShaders.Add(-1)
		}
	}()
	key := DerivedKey(j.obj, j.target)
	payload, hit, err := b.fetchOrBuild(key, j.obj, j.target)
	switch {
	case err != nil:
		b.buildFailTotal.Add(1)
		b.printf("ddc build failed obj=%s platform=%s err=%v", j.obj.Name, j.target.Name, err)
	case hit:
		b.cacheHitTotal.Add(1)
	default:
		b.builtTotal.Add(1)
	}

	b.mu.Lock()
	r := j.res
	r.done = true
	r.key = key
	r.payload = payload
	r.err = err
	b.mu.Unlock()
	close(r.ch)
}

func (b *Builder) fetchOrBuild(key string, obj *assets.Object, t *platforms.Target) ([]byte, bool, error) {
	path := b.objectPath(key)
	if path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			return raw, true, nil
		}
	}
	if d := b.delay[strings.ToLower(obj.Kind.String())]; d > 0 {
		time.Sleep(d)
	}
	payload := buildPayload(obj, t)
	if path == "" {
		return payload, false, nil
	}
	if err := writeAtomic(path, payload); err != nil {
		return nil, false, err
	}
	return payload, false, nil
}

func (b *Builder) objectPath(key string) string {
	if b.dir == "" {
		return ""
	}
	return filepath.Join(b.dir, "objects", key[:2], key)
}

func (b *Builder) printf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

// DerivedKey identifies the derived data of obj for target. It changes with
// the object's data, its kind and the target format the kind is built for.
func DerivedKey(obj *assets.Object, t *platforms.Target) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", derivedVersion, obj.Kind, formatFor(obj.Kind, t), obj.Name)
	h.Write([]byte(obj.Data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFor(k assets.AssetKind, t *platforms.Target) string {
	switch k {
	case assets.KindMaterial:
		return t.ShaderFormat
	case assets.KindTexture:
		return t.TextureFormat
	default:
		return t.Name
	}
}

func buildPayload(obj *assets.Object, t *platforms.Target) []byte {
	sum := sha256.Sum256([]byte(obj.Data))
	return []byte(fmt.Sprintf("%s:%s:%s:%s", obj.Kind, formatFor(obj.Kind, t), obj.Name, hex.EncodeToString(sum[:8])))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
