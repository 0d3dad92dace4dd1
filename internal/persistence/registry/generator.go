package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one package row of a development asset registry.
type Entry struct {
	Filename    string
	PackageName string
	ContentHash string
	Succeeded   bool
	CookedPath  string
	CookedSize  int64
	CookedAt    time.Time
}

// Generator accumulates the registry for one platform during a cook, and keeps
// the previous run's entries for iterative decisions.
type Generator struct {
	platform string

	mu       sync.Mutex
	previous map[string]Entry
	entries  map[string]Entry
}

func NewGenerator(platform string) *Generator {
	return &Generator{
		platform: platform,
		previous: map[string]Entry{},
		entries:  map[string]Entry{},
	}
}

func (g *Generator) Platform() string { return g.platform }

func (g *Generator) SetPrevious(entries []Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.previous = make(map[string]Entry, len(entries))
	for _, e := range entries {
		g.previous[key(e.Filename)] = e
	}
}

func (g *Generator) Previous(filename string) (Entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.previous[key(filename)]
	return e, ok
}

func (g *Generator) Record(e Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key(e.Filename)] = e
}

func (g *Generator) Remove(filename string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key(filename))
}

// Reset drops both the current and previous entries.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.previous = map[string]Entry{}
	g.entries = map[string]Entry{}
}

func (g *Generator) Entries() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Entry, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

func (g *Generator) Counts() (succeeded, failed int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		if e.Succeeded {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

func key(filename string) string { return strings.ToLower(filename) }
