package tracker

import (
	"context"
	"sort"
	"sync"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
)

// CookedPackageRecord is the terminal cook outcome of one file, per platform.
// targets and succeeded are parallel and always the same length.
type CookedPackageRecord struct {
	Filename  assets.Filename
	targets   []*platforms.Target
	succeeded []bool
}

func NewCookedPackageRecord(file assets.Filename, ps platforms.Set, succeeded bool) *CookedPackageRecord {
	r := &CookedPackageRecord{Filename: file}
	for _, t := range ps {
		r.AddPlatform(t, succeeded)
	}
	return r
}

// AddPlatform records an outcome for t. A platform already present is updated
// in place, so a record never holds the same platform twice.
func (r *CookedPackageRecord) AddPlatform(t *platforms.Target, succeeded bool) {
	r.checkInvariant()
	for i, x := range r.targets {
		if x == t {
			r.succeeded[i] = succeeded
			return
		}
	}
	r.targets = append(r.targets, t)
	r.succeeded = append(r.succeeded, succeeded)
}

func (r *CookedPackageRecord) RemovePlatform(t *platforms.Target) bool {
	r.checkInvariant()
	for i, x := range r.targets {
		if x == t {
			r.targets = append(r.targets[:i], r.targets[i+1:]...)
			r.succeeded = append(r.succeeded[:i], r.succeeded[i+1:]...)
			return true
		}
	}
	return false
}

func (r *CookedPackageRecord) HasPlatform(t *platforms.Target) bool {
	for _, x := range r.targets {
		if x == t {
			return true
		}
	}
	return false
}

func (r *CookedPackageRecord) HasSucceededSavePackage(t *platforms.Target) bool {
	r.checkInvariant()
	for i, x := range r.targets {
		if x == t {
			return r.succeeded[i]
		}
	}
	return false
}

func (r *CookedPackageRecord) Platforms() platforms.Set {
	return append(platforms.Set(nil), r.targets...)
}

func (r *CookedPackageRecord) Len() int { return len(r.targets) }

func (r *CookedPackageRecord) Clone() *CookedPackageRecord {
	return &CookedPackageRecord{
		Filename:  r.Filename,
		targets:   append([]*platforms.Target(nil), r.targets...),
		succeeded: append([]bool(nil), r.succeeded...),
	}
}

func (r *CookedPackageRecord) checkInvariant() {
	if len(r.targets) != len(r.succeeded) {
		panic("tracker: cooked record " + r.Filename.String() + " has mismatched platform and success arrays")
	}
}

type waiter struct {
	platforms platforms.Set
	ch        chan struct{}
}

// CookedPackageSet records terminal cook outcomes. Every operation takes the
// single set-wide mutex so readers never observe a record mid-merge.
type CookedPackageSet struct {
	mu      sync.Mutex
	records map[string]*CookedPackageRecord
	waiters map[string][]*waiter
}

func NewCookedPackageSet() *CookedPackageSet {
	return &CookedPackageSet{
		records: map[string]*CookedPackageRecord{},
		waiters: map[string][]*waiter{},
	}
}

// Add merges rec into the stored record for its file and wakes any waiter
// whose platforms are now all recorded.
func (s *CookedPackageSet) Add(rec *CookedPackageRecord) {
	rec.checkInvariant()
	k := rec.Filename.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[k]
	if !ok {
		cur = rec.Clone()
		s.records[k] = cur
	} else {
		for i, t := range rec.targets {
			cur.AddPlatform(t, rec.succeeded[i])
		}
	}

	ws := s.waiters[k]
	if len(ws) == 0 {
		return
	}
	kept := ws[:0]
	for _, w := range ws {
		if cur.Platforms().ContainsAll(w.platforms) {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(s.waiters, k)
	} else {
		s.waiters[k] = kept
	}
}

// Exists reports whether file has an outcome for every platform in ps. With
// includeFailed false, at least one of ps must also have succeeded.
func (s *CookedPackageSet) Exists(file assets.Filename, ps platforms.Set, includeFailed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(file, ps, includeFailed)
}

func (s *CookedPackageSet) existsLocked(file assets.Filename, ps platforms.Set, includeFailed bool) bool {
	rec, ok := s.records[file.Key()]
	if !ok {
		return false
	}
	anySucceeded := false
	for _, t := range ps {
		if !rec.HasPlatform(t) {
			return false
		}
		if rec.HasSucceededSavePackage(t) {
			anySucceeded = true
		}
	}
	return includeFailed || anySucceeded
}

// Uncooked returns the platforms of ps that file has no outcome for, failed or
// not.
func (s *CookedPackageSet) Uncooked(file assets.Filename, ps platforms.Set) platforms.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[file.Key()]
	if !ok {
		return ps.Clone()
	}
	var out platforms.Set
	for _, t := range ps {
		if !rec.HasPlatform(t) {
			out = out.Add(t)
		}
	}
	return out
}

func (s *CookedPackageSet) GetCookedPlatforms(file assets.Filename) (platforms.Set, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[file.Key()]
	if !ok {
		return nil, false
	}
	return rec.Platforms(), true
}

// Get returns a copy of the stored record.
func (s *CookedPackageSet) Get(file assets.Filename) (*CookedPackageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[file.Key()]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (s *CookedPackageSet) RemoveFile(file assets.Filename) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := file.Key()
	if _, ok := s.records[k]; !ok {
		return false
	}
	delete(s.records, k)
	return true
}

func (s *CookedPackageSet) RemoveAllFilesForPlatform(t *platforms.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		rec.RemovePlatform(t)
	}
}

func (s *CookedPackageSet) GetFilesForPlatform(t *platforms.Target, includeFailed, includeSucceeded bool) []assets.Filename {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []assets.Filename
	for _, rec := range s.records {
		if !rec.HasPlatform(t) {
			continue
		}
		ok := rec.HasSucceededSavePackage(t)
		if (ok && includeSucceeded) || (!ok && includeFailed) {
			out = append(out, rec.Filename)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *CookedPackageSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *CookedPackageSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]*CookedPackageRecord{}
}

// Wait blocks until file has an outcome recorded for every platform in ps, or
// ctx is done.
func (s *CookedPackageSet) Wait(ctx context.Context, file assets.Filename, ps platforms.Set) error {
	k := file.Key()
	s.mu.Lock()
	if s.existsLocked(file, ps, true) {
		s.mu.Unlock()
		return nil
	}
	w := &waiter{platforms: ps.Clone(), ch: make(chan struct{})}
	s.waiters[k] = append(s.waiters[k], w)
	s.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		ws := s.waiters[k]
		for i, x := range ws {
			if x == w {
				s.waiters[k] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(s.waiters[k]) == 0 {
			delete(s.waiters, k)
		}
		s.mu.Unlock()
		// The outcome may have landed between ctx firing and relocking.
		select {
		case <-w.ch:
			return nil
		default:
		}
		return ctx.Err()
	}
}
