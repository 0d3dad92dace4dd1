package cook

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
)

type FailureEntry struct {
	File   string `yaml:"file"`
	Reason string `yaml:"reason"`
}

type PlatformReport struct {
	Platform string         `yaml:"platform"`
	Cooked   int            `yaml:"cooked"`
	Failed   int            `yaml:"failed"`
	Skipped  int            `yaml:"skipped_iterative"`
	Wiped    bool           `yaml:"sandbox_wiped"`
	Failures []FailureEntry `yaml:"failures,omitempty"`
}

// Report summarizes one cook-by-the-book run.
type Report struct {
	RunID     string           `yaml:"run_id"`
	Started   time.Time        `yaml:"started"`
	Finished  time.Time        `yaml:"finished,omitempty"`
	Duration  string           `yaml:"duration,omitempty"`
	Cancelled bool             `yaml:"cancelled"`
	Requeues  int              `yaml:"requeues"`
	GCs       int              `yaml:"gcs"`
	Platforms []PlatformReport `yaml:"platforms"`

	byPlatform map[string]*PlatformReport
}

func newReport(runID string, started time.Time, ps platforms.Set) *Report {
	r := &Report{RunID: runID, Started: started, byPlatform: map[string]*PlatformReport{}}
	for _, t := range ps {
		r.byPlatform[t.Name] = &PlatformReport{Platform: t.Name}
	}
	return r
}

func (r *Report) platform(name string) *PlatformReport {
	pr, ok := r.byPlatform[name]
	if !ok {
		pr = &PlatformReport{Platform: name}
		r.byPlatform[name] = pr
	}
	return pr
}

// Platform returns the per-platform summary for name.
func (r *Report) Platform(name string) PlatformReport {
	if pr, ok := r.byPlatform[name]; ok {
		return *pr
	}
	for _, pr := range r.Platforms {
		if pr.Platform == name {
			return pr
		}
	}
	return PlatformReport{Platform: name}
}

func (r *Report) TotalFailed() int {
	n := 0
	for _, pr := range r.byPlatform {
		n += pr.Failed
	}
	return n
}

func (r *Report) finalize(finished time.Time) {
	r.Finished = finished
	r.Duration = finished.Sub(r.Started).Round(time.Millisecond).String()
	r.Platforms = r.Platforms[:0]
	for _, pr := range r.byPlatform {
		sort.Slice(pr.Failures, func(i, j int) bool { return pr.Failures[i].File < pr.Failures[j].File })
		r.Platforms = append(r.Platforms, *pr)
	}
	sort.Slice(r.Platforms, func(i, j int) bool { return r.Platforms[i].Platform < r.Platforms[j].Platform })
}

func (r *Report) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// noteBookResult folds one per-platform outcome into the running report.
func (s *Server) noteBookResult(t *platforms.Target, file assets.Filename, ok bool, reason string) {
	if s.book == nil || !s.bookRunning.Load() {
		return
	}
	pr := s.book.report.platform(t.Name)
	if ok {
		pr.Cooked++
		return
	}
	pr.Failed++
	pr.Failures = append(pr.Failures, FailureEntry{File: file.String(), Reason: reason})
}
