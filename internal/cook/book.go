package cook

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
	"assetcook.dev/internal/cook/tracker"
	persistlog "assetcook.dev/internal/persistence/log"
	"assetcook.dev/internal/persistence/registry"
	"assetcook.dev/internal/persistence/sandbox"
)

type BookOptions struct {
	// Platforms to cook; empty means the configured default platforms.
	Platforms []string
	// Packages are long names or filenames; empty means every package in the
	// asset registry. Dependencies are always included.
	Packages []string
	// Iterative skips packages whose content hash matches the previous run.
	Iterative bool
	// FullRebuild wipes every sandbox first, even when settings match.
	FullRebuild bool
}

type bookState struct {
	opts     BookOptions
	runID    string
	targets  platforms.Set
	report   *Report
	previous []tracker.FilePlatformRequest
}

// StartCookByTheBook selects the session platforms, prepares their sandboxes
// and queues the package closure. Cooking goroutine only.
func (s *Server) StartCookByTheBook(ctx context.Context, opts BookOptions) error {
	if s.mode != ModeCookByTheBook {
		return ErrNotCookByTheBook
	}
	if s.bookRunning.Load() {
		return ErrCookInProgress
	}
	names := opts.Platforms
	if len(names) == 0 {
		names = s.cfg.DefaultPlatforms
	}
	targets, err := s.resolvePlatforms(names)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no platforms selected", ErrUnknownPlatform)
	}

	runID := uuid.NewString()
	s.runID = runID
	report := newReport(runID, s.now().UTC(), targets)
	for _, t := range targets {
		s.platforms.CreatePlatformData(t)
	}
	s.platforms.SelectSessionPlatforms(targets)
	for _, t := range targets {
		wiped, err := s.prepareSandbox(ctx, t, opts.Iterative, opts.FullRebuild)
		if err != nil {
			return fmt.Errorf("sandbox %s: %w", t.Name, err)
		}
		report.platform(t.Name).Wiped = wiped
		s.platforms.SetSandboxInitialized(t)
	}

	s.book = &bookState{opts: opts, runID: runID, targets: targets, report: report}
	s.bookRunning.Store(true)
	s.cancelRequested.Store(false)

	files := s.collectBookFiles(opts.Packages)
	queued, skipped := 0, 0
	for _, f := range files {
		remaining := targets
		if opts.Iterative {
			remaining = s.skipUnchanged(f, targets)
			skipped += len(targets) - len(remaining)
		}
		if len(remaining) == 0 {
			continue
		}
		s.tracker.EnqueueUniqueCookRequest(tracker.FilePlatformRequest{Filename: f, Platforms: remaining}, false)
		queued++
	}
	s.printf("cook by the book started run=%s platforms=%s packages=%d queued=%d skipped=%d iterative=%t",
		runID, targets, len(files), queued, skipped, opts.Iterative)
	s.emit(persistlog.EventSessionStart, "", targets.String(), true, "", fmt.Sprintf("queued=%d skipped=%d", queued, skipped))
	return nil
}

// prepareSandbox checks the cooked settings marker of t. A missing or stale
// marker, a non-iterative cook or a full rebuild wipes the platform's sandbox
// and cooked records; otherwise the previous registry is loaded for iterative
// decisions. It reports whether the sandbox was wiped.
func (s *Server) prepareSandbox(ctx context.Context, t *platforms.Target, iterative, fullRebuild bool) (bool, error) {
	digest := s.cfg.SettingsDigest(t.Name)
	markerPath := s.layout.IniVersionPath(t.Name)
	prev, ok, err := sandbox.ReadIniVersion(markerPath)
	if err != nil {
		s.printf("WARN unreadable cooked ini version platform=%s err=%v", t.Name, err)
	}
	gen := s.generatorFor(t)
	// Outcomes from an earlier run in this process are re-derived from the
	// registry, not trusted.
	s.tracker.Cooked.RemoveAllFilesForPlatform(t)

	reason := ""
	switch {
	case fullRebuild:
		reason = "full_rebuild"
	case !iterative:
		reason = "not_iterative"
	case !ok:
		reason = "no_marker"
	case !prev.Matches(digest):
		reason = "settings_changed"
	}
	if reason != "" {
		if err := s.layout.Wipe(t.Name); err != nil {
			return false, err
		}
		gen.Reset()
		s.printf("cook sandbox wiped platform=%s reason=%s", t.Name, reason)
	} else {
		entries, err := loadRegistry(ctx, s.layout.RegistryPath(t.Name), s.logger)
		if err != nil {
			return false, err
		}
		gen.Reset()
		gen.SetPrevious(entries)
		s.printf("cook iterative platform=%s previous=%d", t.Name, len(entries))
	}

	marker := sandbox.IniVersion{Platform: t.Name, Digest: digest, Settings: s.cfg.CookSettings(t.Name), Written: s.now().UTC()}
	if err := sandbox.WriteIniVersion(markerPath, marker); err != nil {
		return reason != "", err
	}
	return reason != "", nil
}

func (s *Server) initSandbox(t *platforms.Target, iterative, fullRebuild bool) error {
	_, err := s.prepareSandbox(context.Background(), t, iterative, fullRebuild)
	return err
}

func loadRegistry(ctx context.Context, path string, logger *log.Logger) ([]registry.Entry, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	st, err := registry.Open(path, logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Load(ctx)
}

// collectBookFiles returns the filenames of names plus their transitive
// dependencies, in discovery order.
func (s *Server) collectBookFiles(names []string) []assets.Filename {
	if len(names) == 0 {
		names = s.assetReg.AllPackages()
	}
	var out []assets.Filename
	seen := map[string]bool{}
	queue := append([]string(nil), names...)
	for len(queue) > 0 {
		n := strings.TrimSpace(queue[0])
		queue = queue[1:]
		if n == "" || seen[strings.ToLower(n)] {
			continue
		}
		seen[strings.ToLower(n)] = true
		file, ok := s.assetReg.Filename(n)
		if !ok {
			// Not a known long name: let the loader resolve it at cook time.
			file = assets.NewFilename(n)
			if resolved, err := s.content.Resolve(file); err == nil {
				if f, ok := s.assetReg.Filename(resolved); ok {
					n, file = resolved, f
					seen[strings.ToLower(resolved)] = true
				}
			}
		}
		out = append(out, file)
		queue = append(queue, s.assetReg.Dependencies(n)...)
	}
	return out
}

// skipUnchanged records as cooked every platform for which file is unchanged
// since the previous run, and returns the platforms that still need a cook.
func (s *Server) skipUnchanged(file assets.Filename, targets platforms.Set) platforms.Set {
	name, err := s.content.Resolve(file)
	if err != nil {
		return targets
	}
	hash, err := s.assetReg.ContentHash(name)
	if err != nil {
		return targets
	}
	var remaining platforms.Set
	for _, t := range targets {
		gen := s.generatorFor(t)
		prev, ok := gen.Previous(file.String())
		if !ok || !prev.Succeeded || prev.ContentHash != hash {
			remaining = remaining.Add(t)
			continue
		}
		if _, err := os.Stat(s.layout.CookedPath(t.Name, file)); err != nil {
			remaining = remaining.Add(t)
			continue
		}
		gen.Record(prev)
		s.tracker.OnPackageCooked(tracker.NewCookedPackageRecord(file, platforms.NewSet(t), true), nil)
		s.recordOutput(file, SaveOutcome{Platform: t.Name, Path: s.layout.CookedPath(t.Name, file), Size: prev.CookedSize, CookedAt: prev.CookedAt})
		s.book.report.platform(t.Name).Skipped++
		s.emit(persistlog.EventSkipped, file, t.Name, true, "unchanged", "")
	}
	return remaining
}

func (s *Server) IsCookByTheBookRunning() bool { return s.bookRunning.Load() }

// TickCookByTheBook runs one tick of a book cook, collects garbage when the
// tick asks for it and finishes the run once the queue drains. Cooking
// goroutine only.
func (s *Server) TickCookByTheBook(budget time.Duration) ResultFlags {
	if s.book == nil || !s.bookRunning.Load() {
		return ResultDone
	}
	if s.cancelRequested.Swap(false) {
		s.cancelCookByTheBook()
		return ResultDone
	}
	flags := s.TickCookOnTheSide(budget)
	if flags.Has(ResultRequiresGC) {
		s.CollectGarbage("")
	}
	if !s.tracker.HasWork() {
		s.finishCookByTheBook()
		flags |= ResultDone
	}
	return flags
}

// CancelCookByTheBook asks the cooking goroutine to stop the running book
// cook at its next tick. Safe from any goroutine.
func (s *Server) CancelCookByTheBook() {
	if s.bookRunning.Load() {
		s.cancelRequested.Store(true)
	}
}

// cancelCookByTheBook drains the queue into the resume list and runs any
// pending tick commands so none is lost.
func (s *Server) cancelCookByTheBook() {
	drained := s.tracker.DrainRequests()
	s.book.previous = append(s.book.previous, drained...)
	s.runTickCommands(s.tracker.TakeTickCommands())
	s.bookRunning.Store(false)
	s.book.report.Cancelled = true
	s.book.report.finalize(s.now().UTC())
	s.printf("cook by the book cancelled run=%s pending=%d", s.book.runID, len(s.book.previous))
	s.emit(persistlog.EventCancelled, "", s.book.targets.String(), false, "cancelled", fmt.Sprintf("pending=%d", len(s.book.previous)))
}

// ResumeCookByTheBook requeues the requests a cancel drained. Cooking
// goroutine only.
func (s *Server) ResumeCookByTheBook() error {
	if s.bookRunning.Load() {
		return ErrCookInProgress
	}
	if s.book == nil || len(s.book.previous) == 0 {
		return ErrNothingToResume
	}
	prev := s.book.previous
	s.book.previous = nil
	s.book.report.Cancelled = false
	s.platforms.SelectSessionPlatforms(s.book.targets)
	for _, req := range prev {
		s.tracker.EnqueueUniqueCookRequest(req, false)
	}
	s.bookRunning.Store(true)
	s.printf("cook by the book resumed run=%s requests=%d", s.book.runID, len(prev))
	return nil
}

// PendingResume is the number of requests a cancel set aside.
func (s *Server) PendingResume() int {
	if s.book == nil {
		return 0
	}
	return len(s.book.previous)
}

func (s *Server) finishCookByTheBook() {
	b := s.book
	s.bookRunning.Store(false)
	ctx := context.Background()
	for _, t := range b.targets {
		gen := s.generatorFor(t)
		entries := gen.Entries()
		ok, failed := gen.Counts()
		s.printf("cook registry platform=%s succeeded=%d failed=%d", t.Name, ok, failed)
		meta := map[string]string{
			"platform": t.Name,
			"run_id":   b.runID,
			"digest":   s.cfg.SettingsDigest(t.Name),
		}
		if err := writeRegistry(ctx, s.layout.RegistryPath(t.Name), entries, meta, s.logger); err != nil {
			s.printf("ERROR registry write platform=%s err=%v", t.Name, err)
		}
	}
	b.report.finalize(s.now().UTC())
	reportPath := filepath.Join(s.cfg.DataDir, "reports", "cook-"+b.runID+".yaml")
	if err := b.report.Write(reportPath); err != nil {
		s.printf("ERROR report write path=%s err=%v", reportPath, err)
	}
	for _, pr := range b.report.Platforms {
		s.printf("cook summary platform=%s cooked=%d failed=%d skipped=%d", pr.Platform, pr.Cooked, pr.Failed, pr.Skipped)
		for _, f := range pr.Failures {
			s.printf("cook summary failure platform=%s file=%s reason=%s", pr.Platform, f.File, f.Reason)
		}
	}
	s.logProgress(true)
	s.emit(persistlog.EventSessionEnd, "", b.targets.String(), b.report.TotalFailed() == 0, "", b.report.Duration)
}

func writeRegistry(ctx context.Context, path string, entries []registry.Entry, meta map[string]string, logger *log.Logger) error {
	st, err := registry.Open(path, logger)
	if err != nil {
		return err
	}
	if err := st.Replace(ctx, entries, meta); err != nil {
		_ = st.Close()
		return err
	}
	return st.Close()
}

// Report returns the report of the current or last book cook.
func (s *Server) Report() *Report {
	if s.book == nil {
		return nil
	}
	return s.book.report
}

// RunCookByTheBook starts a book cook and ticks it to completion. Cancelling
// ctx cancels the cook; the requests it drained can be resumed.
func (s *Server) RunCookByTheBook(ctx context.Context, opts BookOptions) (*Report, error) {
	if err := s.StartCookByTheBook(ctx, opts); err != nil {
		return nil, err
	}
	for s.bookRunning.Load() {
		if ctx.Err() != nil {
			s.CancelCookByTheBook()
		}
		s.TickCookByTheBook(s.cfg.Tick.Budget)
	}
	if s.book.report.Cancelled {
		return s.book.report, ctx.Err()
	}
	return s.book.report, nil
}
