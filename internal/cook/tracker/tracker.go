package tracker

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
)

// PackageTracker mediates between producer goroutines (network, admin) and the
// single cooking goroutine. One mutex covers both the request queue and the
// tick commands, so a command and a request enqueued after it are always
// observed in that order.
type PackageTracker struct {
	platforms *platforms.Manager
	logger    *log.Logger

	Cooked      *CookedPackageSet
	Unsolicited *UnsolicitedPackageTracker

	requestMu    sync.Mutex
	queue        *RequestQueue
	tickCommands []TickCommand
	wake         chan struct{}

	packagesMu       sync.Mutex
	loaded           map[string]*assets.Package
	newPackages      []*assets.Package
	pendingSave      map[string]*assets.Package
	pendingSaveDirty bool
}

func New(pm *platforms.Manager, logger *log.Logger) *PackageTracker {
	return &PackageTracker{
		platforms:   pm,
		logger:      logger,
		Cooked:      NewCookedPackageSet(),
		Unsolicited: NewUnsolicitedPackageTracker(),
		queue:       NewRequestQueue(),
		wake:        make(chan struct{}, 1),
		loaded:      map[string]*assets.Package{},
		pendingSave: map[string]*assets.Package{},
	}
}

func (t *PackageTracker) EnqueueUniqueCookRequest(req FilePlatformRequest, forceFront bool) {
	t.requestMu.Lock()
	t.queue.EnqueueUnique(req, forceFront)
	t.requestMu.Unlock()
	t.signal()
}

func (t *PackageTracker) AddTickCommand(cmd TickCommand) {
	t.requestMu.Lock()
	t.tickCommands = append(t.tickCommands, cmd)
	t.requestMu.Unlock()
	t.signal()
}

// DequeueRequest returns either every pending tick command or the next cook
// request, never both. Commands win.
func (t *PackageTracker) DequeueRequest() ([]TickCommand, FilePlatformRequest, bool) {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	if len(t.tickCommands) > 0 {
		cmds := t.tickCommands
		t.tickCommands = nil
		return cmds, FilePlatformRequest{}, false
	}
	req, ok := t.queue.Dequeue()
	return nil, req, ok
}

func (t *PackageTracker) TakeTickCommands() []TickCommand {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	cmds := t.tickCommands
	t.tickCommands = nil
	return cmds
}

// DrainRequests empties the request queue.
func (t *PackageTracker) DrainRequests() []FilePlatformRequest {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	return t.queue.DequeueAll()
}

func (t *PackageTracker) HasWork() bool {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	return len(t.tickCommands) > 0 || t.queue.Len() > 0
}

// WaitForWork blocks until a request or command is pending, or timeout passes.
func (t *PackageTracker) WaitForWork(timeout time.Duration) bool {
	if t.HasWork() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.wake:
	case <-timer.C:
	}
	return t.HasWork()
}

func (t *PackageTracker) QueueLen() int {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	return t.queue.Len()
}

func (t *PackageTracker) QueuedFiles() []assets.Filename {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	return t.queue.Files()
}

func (t *PackageTracker) IsQueued(file assets.Filename, ps platforms.Set) bool {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	return t.queue.Exists(file, ps)
}

// RemoveSessionPlatform strips a platform that left the session from queued
// requests. Entries that end up with no platforms are reported and left queued.
func (t *PackageTracker) RemoveSessionPlatform(p *platforms.Target) {
	t.requestMu.Lock()
	emptied := t.queue.RemovePlatform(p)
	t.requestMu.Unlock()
	for _, f := range emptied {
		t.printf("ERROR queued request file=%s has no platforms left after removing %s", f, p.Name)
	}
	t.MarkPendingSaveDirty()
}

func (t *PackageTracker) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// OnPackagesLoaded records packages the loader just created.
func (t *PackageTracker) OnPackagesLoaded(pkgs []*assets.Package) {
	if len(pkgs) == 0 {
		return
	}
	session, ok := t.sessionPlatforms()
	t.packagesMu.Lock()
	defer t.packagesMu.Unlock()
	for _, p := range pkgs {
		k := strings.ToLower(p.Name)
		if _, dup := t.loaded[k]; dup {
			continue
		}
		t.loaded[k] = p
		t.newPackages = append(t.newPackages, p)
		if !ok || !t.Cooked.Exists(p.Filename, session, true) {
			t.pendingSave[k] = p
		}
	}
}

func (t *PackageTracker) OnPackageUnloaded(p *assets.Package) {
	k := strings.ToLower(p.Name)
	t.packagesMu.Lock()
	defer t.packagesMu.Unlock()
	delete(t.loaded, k)
	delete(t.pendingSave, k)
	for i, x := range t.newPackages {
		if x == p {
			t.newPackages = append(t.newPackages[:i], t.newPackages[i+1:]...)
			break
		}
	}
}

// TakeNewPackages returns packages loaded since the previous call. Each
// package is delivered once.
func (t *PackageTracker) TakeNewPackages() []*assets.Package {
	t.packagesMu.Lock()
	defer t.packagesMu.Unlock()
	out := t.newPackages
	t.newPackages = nil
	return out
}

func (t *PackageTracker) LoadedPackages() []*assets.Package {
	t.packagesMu.Lock()
	defer t.packagesMu.Unlock()
	out := make([]*assets.Package, 0, len(t.loaded))
	for _, p := range t.loaded {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *PackageTracker) IsLoaded(name string) bool {
	t.packagesMu.Lock()
	defer t.packagesMu.Unlock()
	_, ok := t.loaded[strings.ToLower(name)]
	return ok
}

// OnPackageCooked records an outcome and drops pkg from pending-save once every
// session platform has one.
func (t *PackageTracker) OnPackageCooked(rec *CookedPackageRecord, pkg *assets.Package) {
	t.Cooked.Add(rec)
	if pkg == nil {
		return
	}
	session, ok := t.sessionPlatforms()
	if !ok || !t.Cooked.Exists(rec.Filename, session, true) {
		return
	}
	t.packagesMu.Lock()
	delete(t.pendingSave, strings.ToLower(pkg.Name))
	t.packagesMu.Unlock()
}

// DirtyPackage forgets the cooked outcome of file so it recooks. It reports
// whether a record existed.
func (t *PackageTracker) DirtyPackage(file assets.Filename, pkg *assets.Package) bool {
	if !t.Cooked.RemoveFile(file) {
		return false
	}
	if pkg != nil {
		t.packagesMu.Lock()
		t.pendingSave[strings.ToLower(pkg.Name)] = pkg
		t.packagesMu.Unlock()
	}
	return true
}

func (t *PackageTracker) MarkPendingSaveDirty() {
	t.packagesMu.Lock()
	t.pendingSaveDirty = true
	t.packagesMu.Unlock()
}

// PendingSave returns loaded packages still missing an outcome for at least
// one session platform, recomputing the set if the session changed.
func (t *PackageTracker) PendingSave() []*assets.Package {
	session, ok := t.sessionPlatforms()
	t.packagesMu.Lock()
	defer t.packagesMu.Unlock()
	if t.pendingSaveDirty {
		t.pendingSave = map[string]*assets.Package{}
		for k, p := range t.loaded {
			if !ok || !t.Cooked.Exists(p.Filename, session, true) {
				t.pendingSave[k] = p
			}
		}
		t.pendingSaveDirty = false
	}
	out := make([]*assets.Package, 0, len(t.pendingSave))
	for _, p := range t.pendingSave {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *PackageTracker) IsPendingSave(name string) bool {
	t.packagesMu.Lock()
	defer t.packagesMu.Unlock()
	_, ok := t.pendingSave[strings.ToLower(name)]
	return ok
}

func (t *PackageTracker) sessionPlatforms() (platforms.Set, bool) {
	if t.platforms == nil || !t.platforms.HasSelectedSessionPlatforms() {
		return nil, false
	}
	return t.platforms.GetSessionPlatforms(), true
}

func (t *PackageTracker) printf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}
