package cook

import (
	"strings"
	"time"
)

// ResultFlags summarize what one tick did.
type ResultFlags uint8

const (
	ResultCookedPackage ResultFlags = 1 << iota
	ResultCookedMap
	ResultWaitingOnCache
	ResultRequiresGC
	// ResultDone means the tick ran out of requests.
	ResultDone
)

func (f ResultFlags) Has(x ResultFlags) bool { return f&x != 0 }

func (f ResultFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, e := range []struct {
		flag ResultFlags
		name string
	}{
		{ResultCookedPackage, "cooked_package"},
		{ResultCookedMap, "cooked_map"},
		{ResultWaitingOnCache, "waiting_on_cache"},
		{ResultRequiresGC, "requires_gc"},
		{ResultDone, "done"},
	} {
		if f.Has(e.flag) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// cookTimer bounds one tick. In realtime mode the wall-clock budget is
// authoritative; otherwise the package cap is, and the budget only applies
// when there is no cap.
type cookTimer struct {
	now      func() time.Time
	start    time.Time
	budget   time.Duration
	realtime bool

	maxPackagesToSave int
	saved             int
}

func newCookTimer(now func() time.Time, budget time.Duration, realtime bool, maxPackages int) *cookTimer {
	return &cookTimer{
		now:               now,
		start:             now(),
		budget:            budget,
		realtime:          realtime,
		maxPackagesToSave: maxPackages,
	}
}

// SavedPackage counts a save, or a requeue, against the package cap.
func (t *cookTimer) SavedPackage() { t.saved++ }

func (t *cookTimer) NumPackagesSaved() int { return t.saved }

func (t *cookTimer) MaxNumPackagesToSave() int { return t.maxPackagesToSave }

func (t *cookTimer) UnderPackageCap() bool {
	return t.maxPackagesToSave <= 0 || t.saved < t.maxPackagesToSave
}

func (t *cookTimer) IsTimeUp() bool {
	if !t.UnderPackageCap() {
		return true
	}
	if t.realtime || t.maxPackagesToSave <= 0 {
		return t.now().Sub(t.start) > t.budget
	}
	return false
}
