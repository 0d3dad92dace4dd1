package cook

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
	"assetcook.dev/internal/cook/tracker"
	persistlog "assetcook.dev/internal/persistence/log"
	"assetcook.dev/internal/persistence/registry"
	"assetcook.dev/internal/persistence/sandbox"
)

// TickCookOnTheSide runs one time slice of the cook loop. Cooking goroutine
// only.
func (s *Server) TickCookOnTheSide(budget time.Duration) ResultFlags {
	if budget <= 0 {
		budget = s.cfg.Tick.Budget
	}
	timer := newCookTimer(s.now, budget, s.cfg.Tick.Realtime, s.cfg.Tick.MaxPackagesPerTick)
	var result ResultFlags

	if !s.bookRunning.Load() {
		for _, t := range s.platforms.PruneUnreferencedSessionPlatforms() {
			s.printf("cook pruned idle platform=%s", t.Name)
			s.emit(persistlog.EventPlatformGone, "", t.Name, true, "", "")
		}
	}

	for !timer.IsTimeUp() {
		cmds, req, ok := s.tracker.DequeueRequest()
		if len(cmds) > 0 {
			s.runTickCommands(cmds)
			if s.shutdown {
				break
			}
			continue
		}
		if !ok {
			result |= ResultDone
			break
		}

		r := s.processRequest(req, timer)
		result |= r
		if r.Has(ResultCookedMap) {
			// The map's level data is collected on the next tick.
			result |= ResultRequiresGC
			break
		}
		if reason := s.checkGC(); reason != "" {
			s.requestGC(reason)
		}
		if s.gcPending() {
			result |= ResultRequiresGC
			break
		}
	}
	s.logProgress(false)
	return result
}

// processRequest loads, caches and saves one request, or requeues it.
func (s *Server) processRequest(req tracker.FilePlatformRequest, timer *cookTimer) ResultFlags {
	if !req.IsValid() {
		s.printf("ERROR dropping invalid request %s", req)
		return 0
	}
	// Only platforms without an outcome are cooked again.
	missing := s.tracker.Cooked.Uncooked(req.Filename, req.Platforms)
	if len(missing) == 0 {
		s.discardedTotal.Add(1)
		return 0
	}
	req.Platforms = missing

	pkg, err := s.loadPackageForCooking(req.Filename)
	if err != nil {
		s.recordLoadFailure(req, err)
		return 0
	}
	s.enqueueDiscovered(pkg, req.Platforms)

	// Search-path or redirect resolution found a different file. If that file
	// is already cooked, the request is satisfied by its outcome.
	alias := !pkg.Filename.Equal(req.Filename)
	if alias && s.tracker.Cooked.Exists(pkg.Filename, req.Platforms, true) {
		s.markAlias(req.Filename, pkg, req.Platforms)
		return 0
	}

	if !s.prepareCache(pkg, req.Platforms, timer) {
		re := s.cctx.reentryFor(pkg)
		if s.canRequeue(timer, re) {
			re.requeues++
			s.tracker.EnqueueUniqueCookRequest(req, false)
			timer.SavedPackage()
			s.requeuedTotal.Add(1)
			if s.book != nil {
				s.book.report.Requeues++
			}
			return ResultWaitingOnCache
		}
		if !s.waitForCache(pkg, req.Platforms) {
			s.printf("WARN cache incomplete after %s file=%s; saving anyway", s.cfg.Cache.SyncWaitTimeout, pkg.Filename)
		}
	}

	result := s.savePackage(pkg, req.Platforms, timer)
	if alias {
		s.markAlias(req.Filename, pkg, req.Platforms)
	}
	return result
}

// canRequeue reports whether an unready package may go back on the queue. A
// package requeued MaxRequeuesPerPackage times is saved instead, and so is the
// last package a capped tick has room for.
func (s *Server) canRequeue(timer *cookTimer, re *reentryData) bool {
	if !s.bookRunning.Load() || s.cfg.Tick.Realtime || s.gcPending() {
		return false
	}
	if re.requeues >= s.cfg.Tick.MaxRequeuesPerPackage {
		return false
	}
	return timer.UnderPackageCap()
}

// loadPackageForCooking resolves and fully loads file. A package already fully
// loaded in this GC epoch is not reloaded.
func (s *Server) loadPackageForCooking(file assets.Filename) (*assets.Package, error) {
	name, err := s.content.Resolve(file)
	if err != nil {
		return nil, err
	}
	if re, ok := s.cctx.lookup(name); ok && re.fullyLoaded {
		if pkg, ok := s.content.Find(name); ok && pkg.IsFullyLoaded() {
			return pkg, nil
		}
	}
	res, err := s.content.Load(name)
	if err != nil {
		return nil, err
	}
	s.tracker.OnPackagesLoaded(res.Created)
	s.cctx.reentryFor(res.Package)
	return res.Package, nil
}

func (s *Server) recordLoadFailure(req tracker.FilePlatformRequest, err error) {
	s.loadFailedTotal.Add(1)
	s.tracker.OnPackageCooked(tracker.NewCookedPackageRecord(req.Filename, req.Platforms, false), nil)
	for _, t := range req.Platforms {
		s.noteBookResult(t, req.Filename, false, "load_failed")
	}
	routine := s.mode == ModeCookOnTheFly && s.cfg.Tick.CookInEditor && errors.Is(err, assets.ErrPackageNotFound)
	if !routine {
		s.printf("ERROR cook load failed file=%s platforms=%s err=%v", req.Filename, req.Platforms, err)
	}
	s.emit(persistlog.EventLoadFailed, req.Filename, req.Platforms.String(), false, "load_failed", err.Error())
}

// enqueueDiscovered queues packages the last load brought into memory, so they
// cook alongside the requested one. In cook-on-the-fly they are reported to
// clients as unsolicited.
func (s *Server) enqueueDiscovered(requested *assets.Package, ps platforms.Set) {
	for _, p := range s.tracker.TakeNewPackages() {
		if p == requested || p.Filename.IsEmpty() {
			continue
		}
		if s.tracker.Cooked.Exists(p.Filename, ps, true) {
			continue
		}
		s.tracker.EnqueueUniqueCookRequest(tracker.FilePlatformRequest{Filename: p.Filename, Platforms: ps.Clone()}, false)
		if s.mode == ModeCookOnTheFly {
			s.unsolicited[p.Filename.Key()] = true
		}
	}
}

// markAlias records the outcomes of pkg's file under the requested name too.
func (s *Server) markAlias(requested assets.Filename, pkg *assets.Package, ps platforms.Set) {
	rec, ok := s.tracker.Cooked.Get(pkg.Filename)
	if !ok {
		return
	}
	aliasRec := tracker.NewCookedPackageRecord(requested, nil, false)
	for _, t := range ps {
		if rec.HasPlatform(t) {
			aliasRec.AddPlatform(t, rec.HasSucceededSavePackage(t))
			if out, ok := s.output(t.Name, pkg.Filename); ok {
				s.recordOutput(requested, out)
			}
		}
	}
	if aliasRec.Len() > 0 {
		s.tracker.OnPackageCooked(aliasRec, nil)
	}
}

// prepareCache begins and polls async platform data for every (object,
// platform) pair of pkg. It returns true once all of them are complete. With a
// timer, begin requests respect the per-class limiter, the shader job ceiling
// and the time slice; without one (forced saves) they only respect the
// cache's own capacity. When the limiter refuses, finished pairs of pkg hand
// their permits back first, so a package with more pairs than its class limit
// still makes progress.
func (s *Server) prepareCache(pkg *assets.Package, ps platforms.Set, timer *cookTimer) bool {
	re := s.cctx.reentryFor(pkg)
	prog := s.cctx.progressFor(re, ps)
	total := len(re.objects) * len(ps)

	for prog.next < total {
		if timer != nil && timer.IsTimeUp() {
			return false
		}
		obj := re.objects[prog.next/len(ps)]
		t := ps[prog.next%len(ps)]
		class, limited := obj.Kind.AsyncCacheClass()
		borrowed := false
		if timer != nil {
			if obj.Kind.CompilesShaders() && s.cache.PendingShaderJobs() > s.cfg.Cache.MaxConcurrentShaderJobs {
				return false
			}
			if limited {
				if !s.cctx.limiter.tryAcquire(class) {
					if s.pollCache(pkg, prog) == 0 || !s.cctx.limiter.tryAcquire(class) {
						return false
					}
				}
				borrowed = true
			}
		}
		if !s.cache.Begin(pkg, obj, t) {
			if borrowed {
				s.cctx.limiter.release(class)
			}
			return false
		}
		prog.pending = append(prog.pending, cacheSlot{obj: obj, target: t, class: class, borrowed: borrowed})
		prog.next++
	}

	s.pollCache(pkg, prog)
	return len(prog.pending) == 0
}

// pollCache drops finished pairs from prog and releases their permits. It
// returns how many pairs finished.
func (s *Server) pollCache(pkg *assets.Package, prog *cacheProgress) int {
	finished := 0
	remaining := prog.pending[:0]
	for _, slot := range prog.pending {
		if !s.cache.IsComplete(pkg, slot.obj, slot.target) {
			remaining = append(remaining, slot)
			continue
		}
		finished++
		if slot.borrowed {
			s.cctx.limiter.release(slot.class)
		}
	}
	prog.pending = remaining
	return finished
}

// waitForCache blocks until pkg's platform data is complete or the sync wait
// timeout passes.
func (s *Server) waitForCache(pkg *assets.Package, ps platforms.Set) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Cache.SyncWaitTimeout)
	defer cancel()
	for {
		if s.prepareCache(pkg, ps, nil) {
			return true
		}
		re := s.cctx.reentryFor(pkg)
		if re.cache != nil && len(re.cache.pending) > 0 {
			slot := re.cache.pending[0]
			if err := s.cache.Wait(ctx, pkg, slot.obj, slot.target); err != nil && ctx.Err() != nil {
				return false
			}
			continue
		}
		// Nothing in flight: the cache refused new work. Back off briefly.
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Millisecond):
		}
	}
}

// savePackage saves pkg for every platform in ps and records one outcome per
// platform. A failure on one platform does not affect the others.
func (s *Server) savePackage(pkg *assets.Package, ps platforms.Set, timer *cookTimer) ResultFlags {
	re := s.cctx.reentryFor(pkg)
	rec := tracker.NewCookedPackageRecord(pkg.Filename, nil, false)
	var succeeded platforms.Set

	for _, t := range ps {
		objects, err := s.cookedObjects(pkg, re.objects, t)
		var out SaveOutcome
		if err == nil {
			out, err = s.saver.Save(pkg, t, objects)
		}
		ok := err == nil
		rec.AddPlatform(t, ok)

		entry := registry.Entry{
			Filename:    pkg.Filename.String(),
			PackageName: pkg.Name,
			ContentHash: pkg.ContentHash,
			Succeeded:   ok,
			CookedAt:    s.now().UTC(),
		}
		reason := ""
		if ok {
			succeeded = succeeded.Add(t)
			entry.CookedPath = s.layout.CookedRel(pkg.Filename)
			entry.CookedSize = out.Size
			s.recordOutput(pkg.Filename, out)
			s.cookedTotal.Add(1)
			s.printf("cook saved file=%s platform=%s size=%s", pkg.Filename, t.Name, humanize.Bytes(uint64(out.Size)))
		} else {
			reason = saveReason(err).String()
			s.failedTotal.Add(1)
			s.printf("ERROR cook save failed file=%s platform=%s reason=%s err=%v", pkg.Filename, t.Name, reason, err)
		}
		s.generatorFor(t).Record(entry)
		if st := s.liveRegistry(t); st != nil {
			st.Record(entry)
		}
		s.noteBookResult(t, pkg.Filename, ok, reason)
		s.emit(persistlog.EventCooked, pkg.Filename, t.Name, ok, reason, "")
	}

	s.tracker.OnPackageCooked(rec, pkg)
	if s.unsolicited[pkg.Filename.Key()] {
		delete(s.unsolicited, pkg.Filename.Key())
		s.tracker.Unsolicited.Add(pkg.Filename, succeeded)
	}
	s.cache.Clear(pkg)
	s.cctx.forgetCache(pkg)

	timer.SavedPackage()
	s.packagesSinceGC++
	s.lastCooked = s.now()
	s.idleCollected = false

	result := ResultCookedPackage
	if pkg.IsMap {
		result |= ResultCookedMap
	}
	return result
}

func (s *Server) cookedObjects(pkg *assets.Package, objs []*assets.Object, t *platforms.Target) ([]sandbox.CookedObject, error) {
	out := make([]sandbox.CookedObject, 0, len(objs))
	for _, obj := range objs {
		key, payload, err := s.cache.Result(pkg, obj, t)
		if err != nil {
			return nil, &SaveError{File: pkg.Filename, Platform: t.Name, Reason: SaveMissingDerivedData, Err: err}
		}
		out = append(out, sandbox.CookedObject{Name: obj.Name, Kind: obj.Kind.String(), DerivedKey: key, Payload: payload})
	}
	return out, nil
}

// precachePending begins platform data for loaded packages still pending save
// while the cooker is idle, up to MaxPrecacheShaderJobs shader jobs.
func (s *Server) precachePending() int {
	if !s.platforms.HasSelectedSessionPlatforms() {
		return 0
	}
	ps := s.platforms.GetSessionPlatforms()
	if len(ps) == 0 {
		return 0
	}
	begun := 0
	for _, pkg := range s.tracker.PendingSave() {
		if !pkg.IsFullyLoaded() {
			continue
		}
		re := s.cctx.reentryFor(pkg)
		prog := s.cctx.progressFor(re, ps)
		for prog.next < len(re.objects)*len(ps) {
			if s.cache.PendingShaderJobs() >= s.cfg.Cache.MaxPrecacheShaderJobs {
				return begun
			}
			obj := re.objects[prog.next/len(ps)]
			t := ps[prog.next%len(ps)]
			if !s.cache.Begin(pkg, obj, t) {
				return begun
			}
			class, _ := obj.Kind.AsyncCacheClass()
			prog.pending = append(prog.pending, cacheSlot{obj: obj, target: t, class: class})
			prog.next++
			begun++
		}
	}
	return begun
}

// logProgress reports cook progress at most once per ProgressInterval.
func (s *Server) logProgress(force bool) {
	now := s.now()
	if !force && now.Sub(s.lastProgress) < s.cfg.Tick.ProgressInterval {
		return
	}
	s.lastProgress = now
	queued := s.tracker.QueueLen()
	cooked := s.cookedTotal.Load()
	if !force && queued == 0 && cooked == 0 {
		return
	}
	s.printf("cook progress cooked=%s failed=%d queued=%d loaded=%d requeued=%d",
		humanize.Comma(int64(cooked)), s.failedTotal.Load(), queued, len(s.content.Loaded()), s.requeuedTotal.Load())
}
