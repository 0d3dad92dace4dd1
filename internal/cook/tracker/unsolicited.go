package tracker

import (
	"sync"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
)

// UnsolicitedPackageTracker collects files cooked as a side effect of another
// request, so the file server can push them to clients.
type UnsolicitedPackageTracker struct {
	mu    sync.Mutex
	order []string
	files map[string]FilePlatformRequest
}

func NewUnsolicitedPackageTracker() *UnsolicitedPackageTracker {
	return &UnsolicitedPackageTracker{files: map[string]FilePlatformRequest{}}
}

func (u *UnsolicitedPackageTracker) Add(file assets.Filename, ps platforms.Set) {
	if len(ps) == 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	k := file.Key()
	cur, ok := u.files[k]
	if !ok {
		u.order = append(u.order, k)
		cur = FilePlatformRequest{Filename: file}
	}
	cur.Platforms = cur.Platforms.Clone().Union(ps)
	u.files[k] = cur
}

// TakeForPlatform returns, in insertion order, every file pending for t and
// forgets t for them.
func (u *UnsolicitedPackageTracker) TakeForPlatform(t *platforms.Target) []assets.Filename {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []assets.Filename
	kept := u.order[:0]
	for _, k := range u.order {
		cur := u.files[k]
		next, ok := cur.Platforms.Remove(t)
		if ok {
			out = append(out, cur.Filename)
			cur.Platforms = next
		}
		if len(cur.Platforms) == 0 {
			delete(u.files, k)
			continue
		}
		u.files[k] = cur
		kept = append(kept, k)
	}
	u.order = kept
	return out
}

func (u *UnsolicitedPackageTracker) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.files)
}

func (u *UnsolicitedPackageTracker) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.order = nil
	u.files = map[string]FilePlatformRequest{}
}
