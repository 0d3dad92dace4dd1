package cook

import (
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	persistlog "assetcook.dev/internal/persistence/log"
)

// MemoryProbe reports memory figures for the GC policy.
type MemoryProbe interface {
	// Available is the memory the host can still hand out.
	Available() (uint64, error)
	// Used is the resident memory of this process.
	Used() (uint64, error)
}

type systemMemory struct {
	proc *process.Process
}

func NewSystemMemory() MemoryProbe {
	p, _ := process.NewProcess(int32(os.Getpid()))
	return &systemMemory{proc: p}
}

func (m *systemMemory) Available() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (m *systemMemory) Used() (uint64, error) {
	if m.proc == nil {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.Sys, nil
	}
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// objectHeadroomPercent is the share of MaxLoadedObjects at which a GC is
// requested.
const objectHeadroomPercent = 90

// checkGC decides whether the cooker should collect before continuing. It
// returns the reason, or "" when no collection is needed.
func (s *Server) checkGC() string {
	gc := s.cfg.GC
	if gc.PackagesPerGC > 0 && s.packagesSinceGC >= gc.PackagesPerGC {
		return "packages_per_gc"
	}
	if gc.MaxLoadedObjects > 0 && s.content.ObjectCount()*100 >= gc.MaxLoadedObjects*objectHeadroomPercent {
		return "object_headroom"
	}
	if s.memory == nil {
		return ""
	}
	used, err := s.memory.Used()
	if err != nil {
		return ""
	}
	if floor := gc.MinMemoryBeforeGCBytes(); floor > 0 && used < floor {
		return ""
	}
	if allowance := gc.MaxMemoryAllowanceBytes(); allowance > 0 && used > allowance {
		return "max_memory_allowance"
	}
	if minFree := gc.MinFreeMemoryBytes(); minFree > 0 {
		if avail, err := s.memory.Available(); err == nil && avail < minFree {
			return "low_free_memory"
		}
	}
	return ""
}

// requestGC marks a collection as pending. Requeueing is disabled until it runs.
func (s *Server) requestGC(reason string) {
	if s.gcReason == "" {
		s.gcReason = reason
	}
}

func (s *Server) gcPending() bool { return s.gcReason != "" }

// CollectGarbage unloads every loaded package except the queued ones worth
// keeping, and clears the per-run caches. Cooking goroutine only.
func (s *Server) CollectGarbage(reason string) int {
	if reason == "" {
		reason = s.gcReason
	}
	s.cctx.Reset()
	keep := map[string]bool{}
	for _, name := range s.prioritizeForGC() {
		keep[strings.ToLower(name)] = true
	}

	before := s.content.ObjectCount()
	unloaded := 0
	for _, p := range s.content.Loaded() {
		if keep[strings.ToLower(p.Name)] {
			continue
		}
		if !s.content.Unload(p.Name) {
			continue
		}
		s.cache.Clear(p)
		s.tracker.OnPackageUnloaded(p)
		unloaded++
	}
	runtime.GC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s.packagesSinceGC = 0
	s.gcReason = ""
	s.gcTotal.Add(1)
	if s.book != nil {
		s.book.report.GCs++
	}
	s.printf("cook gc reason=%s unloaded=%d kept=%d objects=%d->%d heap=%s",
		reason, unloaded, len(keep), before, s.content.ObjectCount(), humanize.Bytes(ms.HeapAlloc))
	s.emit(persistlog.EventGC, "", "", true, reason, humanize.Bytes(ms.HeapAlloc))
	return unloaded
}

// prioritizeForGC returns the loaded queued packages that survive a
// collection: already-loaded packages first, then those with more dependents,
// capped at MaxPreloadedPackagesToKeep.
func (s *Server) prioritizeForGC() []string {
	type candidate struct {
		name       string
		loaded     bool
		dependents int
	}
	var cands []candidate
	seen := map[string]bool{}
	for _, f := range s.tracker.QueuedFiles() {
		name, err := s.content.Resolve(f)
		if err != nil || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		_, loaded := s.content.Find(name)
		cands = append(cands, candidate{name: name, loaded: loaded, dependents: s.assetReg.Dependents(name)})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].loaded != cands[j].loaded {
			return cands[i].loaded
		}
		return cands[i].dependents > cands[j].dependents
	})
	limit := s.cfg.GC.MaxPreloadedPackagesToKeep
	var out []string
	for _, c := range cands {
		if len(out) >= limit || !c.loaded {
			break
		}
		out = append(out, c.name)
	}
	return out
}

// maybeIdleGC collects once after the cooker has been idle for IdleTimeToGC
// with packages still loaded.
func (s *Server) maybeIdleGC() bool {
	idle := s.cfg.GC.IdleTimeToGC
	if idle <= 0 || s.idleCollected || s.now().Sub(s.lastCooked) < idle {
		return false
	}
	if len(s.content.Loaded()) == 0 {
		return false
	}
	s.CollectGarbage("idle")
	s.idleCollected = true
	return true
}
