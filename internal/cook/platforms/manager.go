package platforms

import (
	"sync"
	"sync/atomic"
	"time"

	"assetcook.dev/internal/persistence/registry"
)

// DefaultPruneTTL is how long an unreferenced cook-on-the-fly platform stays in
// the session.
const DefaultPruneTTL = 5 * time.Minute

// PlatformData is per-target state that lives as long as the Manager.
type PlatformData struct {
	Target *Target
	Name   string

	genMu     sync.Mutex
	generator *registry.Generator

	sandboxInitialized atomic.Bool
	inSession          atomic.Bool
	lastReferenceTime  atomic.Int64 // unix nanos
	referenceCount     atomic.Int32
}

// Generator returns the registry generator, constructing it on first use.
func (d *PlatformData) Generator(create func() *registry.Generator) *registry.Generator {
	d.genMu.Lock()
	defer d.genMu.Unlock()
	if d.generator == nil && create != nil {
		d.generator = create()
	}
	return d.generator
}

func (d *PlatformData) IsSandboxInitialized() bool { return d.sandboxInitialized.Load() }
func (d *PlatformData) ReferenceCount() int32     { return d.referenceCount.Load() }

func (d *PlatformData) LastReferenceTime() time.Time {
	ns := d.lastReferenceTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Manager owns per-platform data and the session platform list.
type Manager struct {
	ttl time.Duration
	now func() time.Time

	dataMu sync.RWMutex
	data   map[*Target]*PlatformData

	sessionMu       sync.Mutex
	session         Set
	sessionSelected bool

	// OnSessionPlatformRemoved is invoked (outside the session lock) for every
	// platform dropped from the session.
	OnSessionPlatformRemoved func(t *Target)
	// OnSessionChanged is invoked (outside the session lock) after any change
	// to the session platform list.
	OnSessionChanged func()
}

func NewManager(ttl time.Duration, now func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = DefaultPruneTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		ttl:  ttl,
		now:  now,
		data: map[*Target]*PlatformData{},
	}
}

func (m *Manager) CreatePlatformData(t *Target) *PlatformData {
	if t == nil {
		panic("platforms: CreatePlatformData with nil target")
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if d, ok := m.data[t]; ok {
		return d
	}
	d := &PlatformData{Target: t, Name: t.Name}
	m.data[t] = d
	return d
}

// GetPlatformData panics for a target that was never passed to CreatePlatformData.
func (m *Manager) GetPlatformData(t *Target) *PlatformData {
	d, ok := m.FindPlatformData(t)
	if !ok {
		panic("platforms: no platform data for " + t.String())
	}
	return d
}

func (m *Manager) FindPlatformData(t *Target) (*PlatformData, bool) {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()
	d, ok := m.data[t]
	return d, ok
}

// IsPlatformInitialized is safe from any goroutine without the session lock.
func (m *Manager) IsPlatformInitialized(t *Target) bool {
	d, ok := m.FindPlatformData(t)
	return ok && d.sandboxInitialized.Load()
}

// SetSandboxInitialized flips the write-once flag; it reports false if the
// platform was already initialized.
func (m *Manager) SetSandboxInitialized(t *Target) bool {
	return m.GetPlatformData(t).sandboxInitialized.CompareAndSwap(false, true)
}

func (m *Manager) SelectSessionPlatforms(ts Set) {
	var removed []*Target
	m.sessionMu.Lock()
	for _, old := range m.session {
		if !ts.Contains(old) {
			removed = append(removed, old)
			m.GetPlatformData(old).inSession.Store(false)
		}
	}
	m.session = ts.Clone()
	m.sessionSelected = true
	for _, t := range m.session {
		m.GetPlatformData(t).inSession.Store(true)
	}
	m.sessionMu.Unlock()
	m.notify(removed)
}

// AddSessionPlatform is idempotent.
func (m *Manager) AddSessionPlatform(t *Target) {
	d := m.GetPlatformData(t)
	m.sessionMu.Lock()
	m.sessionSelected = true
	added := !m.session.Contains(t)
	if added {
		m.session = m.session.Add(t)
		d.inSession.Store(true)
		d.lastReferenceTime.Store(m.now().UnixNano())
	}
	m.sessionMu.Unlock()
	if added {
		m.notify(nil)
	}
}

func (m *Manager) RemoveSessionPlatform(t *Target) bool {
	m.sessionMu.Lock()
	removed := m.removeLocked(t)
	m.sessionMu.Unlock()
	if removed {
		m.notify([]*Target{t})
	}
	return removed
}

func (m *Manager) removeLocked(t *Target) bool {
	next, ok := m.session.Remove(t)
	if !ok {
		return false
	}
	m.session = next
	m.GetPlatformData(t).inSession.Store(false)
	return true
}

// GetSessionPlatforms panics if no session platforms were ever selected.
func (m *Manager) GetSessionPlatforms() Set {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	if !m.sessionSelected {
		panic("platforms: session platforms read before selection")
	}
	return m.session.Clone()
}

func (m *Manager) HasSelectedSessionPlatforms() bool {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	return m.sessionSelected
}

func (m *Manager) IsSessionPlatform(t *Target) bool {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	return m.session.Contains(t)
}

func (m *Manager) AddRefCookOnTheFlyPlatform(t *Target) {
	d := m.GetPlatformData(t)
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	d.referenceCount.Add(1)
}

func (m *Manager) ReleaseCookOnTheFlyPlatform(t *Target) {
	d := m.GetPlatformData(t)
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	if d.referenceCount.Add(-1) < 0 {
		panic("platforms: reference count underflow for " + t.Name)
	}
	d.lastReferenceTime.Store(m.now().UnixNano())
}

// PruneUnreferencedSessionPlatforms removes session platforms that have had no
// references for longer than the TTL and returns them.
func (m *Manager) PruneUnreferencedSessionPlatforms() []*Target {
	cutoff := m.now().Add(-m.ttl).UnixNano()
	stale := func(d *PlatformData) bool {
		last := d.lastReferenceTime.Load()
		return d.inSession.Load() && d.referenceCount.Load() == 0 && last != 0 && last < cutoff
	}

	// Unlocked prescan on the atomics; most ticks find nothing.
	var candidates []*Target
	m.dataMu.RLock()
	for t, d := range m.data {
		if stale(d) {
			candidates = append(candidates, t)
		}
	}
	m.dataMu.RUnlock()
	if len(candidates) == 0 {
		return nil
	}

	var removed []*Target
	m.sessionMu.Lock()
	for _, t := range candidates {
		if !stale(m.GetPlatformData(t)) {
			continue
		}
		if m.removeLocked(t) {
			removed = append(removed, t)
		}
	}
	m.sessionMu.Unlock()
	if len(removed) > 0 {
		m.notify(removed)
	}
	return removed
}

func (m *Manager) notify(removed []*Target) {
	if m.OnSessionPlatformRemoved != nil {
		for _, t := range removed {
			m.OnSessionPlatformRemoved(t)
		}
	}
	if m.OnSessionChanged != nil {
		m.OnSessionChanged()
	}
}
