package cook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/config"
	"assetcook.dev/internal/cook/platforms"
	"assetcook.dev/internal/cook/tracker"
	persistlog "assetcook.dev/internal/persistence/log"
	"assetcook.dev/internal/persistence/registry"
	"assetcook.dev/internal/persistence/sandbox"
)

type Mode int

const (
	ModeCookOnTheFly Mode = iota
	ModeCookByTheBook
)

func (m Mode) String() string {
	if m == ModeCookByTheBook {
		return "cook_by_the_book"
	}
	return "cook_on_the_fly"
}

// PlatformCache is the asynchronous derived-data subsystem. Begin never
// blocks; it reports false when the request cannot be accepted right now.
type PlatformCache interface {
	Begin(pkg *assets.Package, obj *assets.Object, t *platforms.Target) bool
	IsComplete(pkg *assets.Package, obj *assets.Object, t *platforms.Target) bool
	Wait(ctx context.Context, pkg *assets.Package, obj *assets.Object, t *platforms.Target) error
	Result(pkg *assets.Package, obj *assets.Object, t *platforms.Target) (string, []byte, error)
	Clear(pkg *assets.Package)
	PendingShaderJobs() int
}

type Options struct {
	Config  config.CookerConfig
	Targets *platforms.Registry
	Content assets.Loader
	// AssetRegistry defaults to Content when it implements assets.Registry.
	AssetRegistry assets.Registry
	Cache         PlatformCache
	// Saver defaults to a SandboxSaver over Layout.
	Saver  PackageSaver
	Layout sandbox.Layout
	// Memory defaults to the host's memory statistics.
	Memory MemoryProbe
	Events *persistlog.EventLog
	Logger *log.Logger
	Mode   Mode
	Clock  func() time.Time
}

// Server is the cook orchestrator. All package load, cache and save work runs
// on the single goroutine that calls the Tick*/Run methods; every exported
// method not documented otherwise is safe from any goroutine.
type Server struct {
	cfg      config.CookerConfig
	mode     Mode
	targets  *platforms.Registry
	content  assets.Loader
	assetReg assets.Registry
	cache    PlatformCache
	saver    PackageSaver
	layout   sandbox.Layout
	memory   MemoryProbe
	events   *persistlog.EventLog
	logger   *log.Logger
	now      func() time.Time

	platforms *platforms.Manager
	tracker   *tracker.PackageTracker

	// Cooking goroutine only.
	cctx            *CookerContext
	book            *bookState
	gcReason        string
	packagesSinceGC int
	lastCooked      time.Time
	idleCollected   bool
	lastProgress    time.Time
	unsolicited     map[string]bool

	// Cook-on-the-fly streams registry rows into these as packages save.
	storesMu sync.Mutex
	stores   map[string]*registry.Store
	shutdown        bool

	outputsMu sync.Mutex
	outputs   map[string]SaveOutcome

	runID           string
	bookRunning     atomic.Bool
	cancelRequested atomic.Bool

	cookedTotal     atomic.Uint64
	failedTotal     atomic.Uint64
	requeuedTotal   atomic.Uint64
	discardedTotal  atomic.Uint64
	loadFailedTotal atomic.Uint64
	gcTotal         atomic.Uint64
}

func New(opts Options) (*Server, error) {
	if opts.Content == nil {
		return nil, errors.New("cook: Content loader is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cook: platform cache is required")
	}
	cfg := opts.Config
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Targets == nil {
		opts.Targets = platforms.NewRegistry(cfg.Platforms)
	}
	if opts.AssetRegistry == nil {
		reg, ok := opts.Content.(assets.Registry)
		if !ok {
			return nil, errors.New("cook: AssetRegistry is required")
		}
		opts.AssetRegistry = reg
	}
	if opts.Layout.Pattern == "" {
		opts.Layout = sandbox.NewLayout(cfg.SandboxDir)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Saver == nil {
		codec, err := sandbox.ParseCodec(cfg.Compression)
		if err != nil {
			return nil, err
		}
		opts.Saver = &SandboxSaver{Layout: opts.Layout, Codec: codec, Now: opts.Clock}
	}
	if opts.Memory == nil {
		opts.Memory = NewSystemMemory()
	}

	s := &Server{
		cfg:         cfg,
		mode:        opts.Mode,
		targets:     opts.Targets,
		content:     opts.Content,
		assetReg:    opts.AssetRegistry,
		cache:       opts.Cache,
		saver:       opts.Saver,
		layout:      opts.Layout,
		memory:      opts.Memory,
		events:      opts.Events,
		logger:      opts.Logger,
		now:         opts.Clock,
		cctx:        newCookerContext(cfg.Cache),
		unsolicited: map[string]bool{},
		stores:      map[string]*registry.Store{},
		outputs:     map[string]SaveOutcome{},
		runID:       uuid.NewString(),
	}
	s.platforms = platforms.NewManager(cfg.PlatformPruneTTL, opts.Clock)
	s.tracker = tracker.New(s.platforms, opts.Logger)
	s.platforms.OnSessionPlatformRemoved = s.tracker.RemoveSessionPlatform
	s.platforms.OnSessionChanged = s.tracker.MarkPendingSaveDirty
	s.lastCooked = s.now()
	s.lastProgress = s.now()
	return s, nil
}

func (s *Server) Mode() Mode                       { return s.mode }
func (s *Server) Config() config.CookerConfig      { return s.cfg }
func (s *Server) Tracker() *tracker.PackageTracker { return s.tracker }
func (s *Server) Platforms() *platforms.Manager    { return s.platforms }
func (s *Server) Layout() sandbox.Layout           { return s.layout }

// RunID identifies the current run. A book cook replaces it when it starts,
// so in book mode read it from the cooking goroutine.
func (s *Server) RunID() string { return s.runID }

// Close flushes the live registries and the event log. The platform cache
// belongs to the caller.
func (s *Server) Close() error {
	s.storesMu.Lock()
	stores := s.stores
	s.stores = map[string]*registry.Store{}
	s.storesMu.Unlock()
	var firstErr error
	for name, st := range stores {
		if err := st.Close(); err != nil {
			s.printf("ERROR registry close platform=%s err=%v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LookupPlatform resolves a platform name to its handle.
func (s *Server) LookupPlatform(name string) (*platforms.Target, error) {
	t, ok := s.targets.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
	}
	return t, nil
}

func (s *Server) resolvePlatforms(names []string) (platforms.Set, error) {
	var out platforms.Set
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		t, err := s.LookupPlatform(n)
		if err != nil {
			return nil, err
		}
		out = out.Add(t)
	}
	return out, nil
}

func (s *Server) generatorFor(t *platforms.Target) *registry.Generator {
	d := s.platforms.CreatePlatformData(t)
	return d.Generator(func() *registry.Generator { return registry.NewGenerator(t.Name) })
}

// runTickCommands executes marshaled mutations on the cooking goroutine.
func (s *Server) runTickCommands(cmds []tracker.TickCommand) {
	for _, c := range cmds {
		switch c := c.(type) {
		case tracker.RegisterPlatform:
			s.platforms.CreatePlatformData(c.Target)
		case tracker.AddCookOnTheFlyPlatform:
			s.addCookOnTheFlyPlatform(c.Target)
			if c.Done != nil {
				close(c.Done)
			}
		case tracker.ClearAll:
			s.clearAllCooked()
			if c.Done != nil {
				close(c.Done)
			}
		case tracker.MarkDirty:
			s.markPackageDirty(c.PackageName)
		case tracker.Shutdown:
			s.shutdown = true
		default:
			panic(fmt.Sprintf("cook: unhandled tick command %T", c))
		}
	}
}

func (s *Server) addCookOnTheFlyPlatform(t *platforms.Target) {
	s.platforms.CreatePlatformData(t)
	if !s.platforms.IsPlatformInitialized(t) {
		if err := s.initSandbox(t, s.cfg.Iterative, false); err != nil {
			s.printf("ERROR sandbox init platform=%s err=%v", t.Name, err)
		}
		s.platforms.SetSandboxInitialized(t)
	}
	s.openLiveRegistry(t)
	s.platforms.AddSessionPlatform(t)
}

// openLiveRegistry opens the platform's registry for incremental writes in
// cook-on-the-fly. A book cook writes its registries whole when it finishes.
func (s *Server) openLiveRegistry(t *platforms.Target) {
	if s.mode != ModeCookOnTheFly {
		return
	}
	s.storesMu.Lock()
	defer s.storesMu.Unlock()
	k := strings.ToLower(t.Name)
	if _, ok := s.stores[k]; ok {
		return
	}
	st, err := registry.Open(s.layout.RegistryPath(t.Name), s.logger)
	if err != nil {
		s.printf("ERROR registry open platform=%s err=%v", t.Name, err)
		return
	}
	s.stores[k] = st
}

func (s *Server) liveRegistry(t *platforms.Target) *registry.Store {
	s.storesMu.Lock()
	defer s.storesMu.Unlock()
	return s.stores[strings.ToLower(t.Name)]
}

func (s *Server) clearAllCooked() {
	n := s.tracker.Cooked.Len()
	s.tracker.Cooked.Clear()
	s.tracker.Unsolicited.Clear()
	s.cctx.Reset()
	s.unsolicited = map[string]bool{}
	s.outputsMu.Lock()
	s.outputs = map[string]SaveOutcome{}
	s.outputsMu.Unlock()
	s.tracker.MarkPendingSaveDirty()
	s.printf("cook clearall forgot=%d", n)
}

func (s *Server) markPackageDirty(name string) {
	if inv, ok := s.content.(interface{ Invalidate(string) }); ok {
		inv.Invalidate(name)
	}
	pkg, loaded := s.content.Find(name)
	file, ok := s.assetReg.Filename(name)
	if !ok {
		if !loaded {
			return
		}
		file = pkg.Filename
	}
	rec, had := s.tracker.Cooked.Get(file)
	if loaded {
		s.cache.Clear(pkg)
	}
	s.cctx.forget(name)
	if !s.tracker.DirtyPackage(file, pkg) || !had {
		return
	}
	ps := rec.Platforms()
	for _, t := range ps {
		s.generatorFor(t).Remove(file.String())
	}
	if s.platforms.HasSelectedSessionPlatforms() {
		var keep platforms.Set
		for _, t := range ps {
			if s.platforms.IsSessionPlatform(t) {
				keep = keep.Add(t)
			}
		}
		ps = keep
	}
	if len(ps) > 0 {
		s.tracker.EnqueueUniqueCookRequest(tracker.FilePlatformRequest{Filename: file, Platforms: ps}, false)
	}
	s.printf("cook dirty file=%s requeued=%s", file, ps)
}

func (s *Server) recordOutput(file assets.Filename, out SaveOutcome) {
	s.outputsMu.Lock()
	s.outputs[outputKey(out.Platform, file)] = out
	s.outputsMu.Unlock()
}

func (s *Server) output(platform string, file assets.Filename) (SaveOutcome, bool) {
	s.outputsMu.Lock()
	defer s.outputsMu.Unlock()
	out, ok := s.outputs[outputKey(platform, file)]
	return out, ok
}

func outputKey(platform string, file assets.Filename) string {
	return strings.ToLower(platform) + "|" + file.Key()
}

func (s *Server) emit(kind string, file assets.Filename, platform string, ok bool, reason, detail string) {
	if s.events == nil {
		return
	}
	err := s.events.WriteEvent(persistlog.CookEvent{
		Time:     s.now().UTC(),
		RunID:    s.runID,
		Kind:     kind,
		File:     file.String(),
		Platform: platform,
		OK:       ok,
		Reason:   reason,
		Detail:   detail,
	})
	if err != nil {
		s.printf("event log write failed kind=%s err=%v", kind, err)
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
