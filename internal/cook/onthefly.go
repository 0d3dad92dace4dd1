package cook

import (
	"context"
	"os"
	"runtime"
	"time"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
	"assetcook.dev/internal/cook/tracker"
)

// FileReply answers one cook-on-the-fly file request.
type FileReply struct {
	Filename    assets.Filename
	Platform    string
	Found       bool
	CookedPath  string
	Size        int64
	SHA256      string
	Unsolicited []assets.Filename
}

// Run is the cook-on-the-fly loop: tick, collect garbage when asked, and wait
// for work while idle. It returns when ctx is done or a Shutdown command runs.
func (s *Server) Run(ctx context.Context) error {
	if s.mode != ModeCookOnTheFly {
		return ErrNotCookOnTheFly
	}
	s.printf("cook on the fly running run=%s", s.runID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		flags := s.TickCookOnTheSide(s.cfg.Tick.Budget)
		if s.shutdown {
			s.printf("cook on the fly shutdown")
			return nil
		}
		if flags.Has(ResultRequiresGC) {
			s.CollectGarbage("")
		}
		if !flags.Has(ResultDone) {
			continue
		}
		if s.maybeIdleGC() {
			continue
		}
		s.precachePending()
		s.tracker.WaitForWork(s.cfg.Tick.IdleWait)
	}
}

// Shutdown asks Run to return after the current tick. Safe from any goroutine.
func (s *Server) Shutdown() {
	s.tracker.AddTickCommand(tracker.Shutdown{})
}

// HandleFileRequest makes sure filename is cooked for platformName and
// reports it together with files cooked as a side effect since the client's
// last request. It blocks until the cooking goroutine records an outcome or
// ctx is done.
func (s *Server) HandleFileRequest(ctx context.Context, filename, platformName string) (FileReply, error) {
	if s.mode != ModeCookOnTheFly {
		return FileReply{}, ErrNotCookOnTheFly
	}
	t, err := s.LookupPlatform(platformName)
	if err != nil {
		return FileReply{}, err
	}
	if err := s.ensureCookOnTheFlyPlatform(ctx, t); err != nil {
		return FileReply{}, err
	}
	s.platforms.AddRefCookOnTheFlyPlatform(t)
	defer s.platforms.ReleaseCookOnTheFlyPlatform(t)

	file := assets.NewFilename(filename)
	ps := platforms.NewSet(t)
	if !s.tracker.Cooked.Exists(file, ps, true) {
		s.tracker.EnqueueUniqueCookRequest(tracker.FilePlatformRequest{Filename: file, Platforms: ps}, true)
		if err := s.tracker.Cooked.Wait(ctx, file, ps); err != nil {
			return FileReply{}, err
		}
	}

	reply := FileReply{Filename: file, Platform: t.Name}
	if rec, ok := s.tracker.Cooked.Get(file); ok && rec.HasSucceededSavePackage(t) {
		reply.Found = true
		if out, ok := s.output(t.Name, file); ok {
			reply.CookedPath = out.Path
			reply.Size = out.Size
			reply.SHA256 = out.SHA256
		} else {
			reply.CookedPath = s.layout.CookedPath(t.Name, file)
		}
	}
	for _, f := range s.tracker.Unsolicited.TakeForPlatform(t) {
		if !f.Equal(file) {
			reply.Unsolicited = append(reply.Unsolicited, f)
		}
	}
	return reply, nil
}

// ensureCookOnTheFlyPlatform makes t a usable session platform. The first
// request for a platform hands its initialization to the cooking goroutine
// and waits for it.
func (s *Server) ensureCookOnTheFlyPlatform(ctx context.Context, t *platforms.Target) error {
	if s.platforms.IsPlatformInitialized(t) {
		s.platforms.AddSessionPlatform(t)
		return nil
	}
	done := make(chan struct{})
	s.tracker.AddTickCommand(tracker.AddCookOnTheFlyPlatform{Target: t, Done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPrecookedList returns the files successfully cooked for platformName with
// their cooked file modification times.
func (s *Server) GetPrecookedList(platformName string) (map[string]time.Time, error) {
	t, err := s.LookupPlatform(platformName)
	if err != nil {
		return nil, err
	}
	out := map[string]time.Time{}
	for _, f := range s.tracker.Cooked.GetFilesForPlatform(t, false, true) {
		path := s.layout.CookedPath(t.Name, f)
		if o, ok := s.output(t.Name, f); ok && o.Path != "" {
			path = o.Path
		}
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		out[f.String()] = st.ModTime().UTC()
	}
	return out, nil
}

// RequestPackage queues file for platformNames. In cook-on-the-fly mode
// platforms not yet initialized are set up first, ahead of the request; in
// book mode every platform must belong to the running cook. Safe from any
// goroutine.
func (s *Server) RequestPackage(file assets.Filename, platformNames []string, forceFront bool) bool {
	if file.IsEmpty() {
		return false
	}
	ps, err := s.resolvePlatforms(platformNames)
	if err != nil || len(ps) == 0 {
		s.printf("cook request rejected file=%s platforms=%v err=%v", file, platformNames, err)
		return false
	}
	switch s.mode {
	case ModeCookByTheBook:
		if !s.bookRunning.Load() {
			return false
		}
		for _, t := range ps {
			if !s.platforms.IsSessionPlatform(t) {
				return false
			}
		}
	case ModeCookOnTheFly:
		for _, t := range ps {
			if !s.platforms.IsPlatformInitialized(t) {
				s.tracker.AddTickCommand(tracker.AddCookOnTheFlyPlatform{Target: t})
				continue
			}
			s.platforms.AddSessionPlatform(t)
		}
	}
	s.tracker.EnqueueUniqueCookRequest(tracker.FilePlatformRequest{Filename: file, Platforms: ps}, forceFront)
	return true
}

// ClearAll forgets every cooked outcome so all packages recook. It waits for
// the cooking goroutine to apply it.
func (s *Server) ClearAll(ctx context.Context) error {
	done := make(chan struct{})
	s.tracker.AddTickCommand(tracker.ClearAll{Done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkPackageDirty flags a source package as modified; its cooked outcome is
// dropped and it is queued again for the platforms it was cooked for.
func (s *Server) MarkPackageDirty(name string) {
	s.tracker.AddTickCommand(tracker.MarkDirty{PackageName: name})
}

type Stats struct {
	Mode             string   `json:"mode"`
	BookRunning      bool     `json:"book_running"`
	SessionPlatforms []string `json:"session_platforms"`
	Queued           int      `json:"queued"`
	CookedFiles      int      `json:"cooked_files"`
	PendingSave      int      `json:"pending_save"`
	Loaded           int      `json:"loaded"`
	Unsolicited      int      `json:"unsolicited"`
	PendingShaders   int      `json:"pending_shader_jobs"`
	CookedTotal      uint64   `json:"cooked_total"`
	FailedTotal      uint64   `json:"failed_total"`
	RequeuedTotal    uint64   `json:"requeued_total"`
	DiscardedTotal   uint64   `json:"discarded_total"`
	LoadFailedTotal  uint64   `json:"load_failed_total"`
	GCTotal          uint64   `json:"gc_total"`
	HeapAlloc        uint64   `json:"heap_alloc"`
}

// Stats is safe from any goroutine.
func (s *Server) Stats() Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st := Stats{
		Mode:            s.mode.String(),
		BookRunning:     s.bookRunning.Load(),
		Queued:          s.tracker.QueueLen(),
		CookedFiles:     s.tracker.Cooked.Len(),
		Loaded:          len(s.tracker.LoadedPackages()),
		Unsolicited:     s.tracker.Unsolicited.Len(),
		PendingShaders:  s.cache.PendingShaderJobs(),
		CookedTotal:     s.cookedTotal.Load(),
		FailedTotal:     s.failedTotal.Load(),
		RequeuedTotal:   s.requeuedTotal.Load(),
		DiscardedTotal:  s.discardedTotal.Load(),
		LoadFailedTotal: s.loadFailedTotal.Load(),
		GCTotal:         s.gcTotal.Load(),
		HeapAlloc:       ms.HeapAlloc,
	}
	if s.platforms.HasSelectedSessionPlatforms() {
		st.SessionPlatforms = s.platforms.GetSessionPlatforms().Names()
		st.PendingSave = len(s.tracker.PendingSave())
	}
	return st
}
