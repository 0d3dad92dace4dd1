package tracker

import (
	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
)

// FilePlatformRequest asks for one file to be cooked for a set of platforms.
type FilePlatformRequest struct {
	Filename  assets.Filename
	Platforms platforms.Set
}

func (r FilePlatformRequest) IsValid() bool { return !r.Filename.IsEmpty() && len(r.Platforms) > 0 }

func (r FilePlatformRequest) String() string {
	return r.Filename.String() + "[" + r.Platforms.String() + "]"
}

// RequestQueue is an ordered, deduplicating queue of cook requests. It is not
// safe for concurrent use.
type RequestQueue struct {
	slots []FilePlatformRequest
	head  int
	pos   map[string]int // Filename.Key -> index into slots
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{pos: map[string]int{}}
}

func (q *RequestQueue) Len() int { return len(q.slots) - q.head }

// EnqueueUnique appends a new file or unions platforms into its existing slot.
// With forceFront the file ends up at the head of the queue.
func (q *RequestQueue) EnqueueUnique(req FilePlatformRequest, forceFront bool) {
	k := req.Filename.Key()
	if i, ok := q.pos[k]; ok {
		q.slots[i].Platforms = q.slots[i].Platforms.Union(req.Platforms)
		if forceFront && i != q.head {
			q.swap(i, q.head)
		}
		return
	}
	req.Platforms = req.Platforms.Clone()
	if forceFront {
		q.pushFront(req)
		return
	}
	q.slots = append(q.slots, req)
	q.pos[k] = len(q.slots) - 1
}

func (q *RequestQueue) Dequeue() (FilePlatformRequest, bool) {
	if q.Len() == 0 {
		return FilePlatformRequest{}, false
	}
	req := q.slots[q.head]
	q.slots[q.head] = FilePlatformRequest{}
	delete(q.pos, req.Filename.Key())
	q.head++
	q.compact()
	return req, true
}

// Exists reports whether file is queued for every platform in ps.
func (q *RequestQueue) Exists(file assets.Filename, ps platforms.Set) bool {
	i, ok := q.pos[file.Key()]
	if !ok {
		return false
	}
	return q.slots[i].Platforms.ContainsAll(ps)
}

func (q *RequestQueue) Platforms(file assets.Filename) (platforms.Set, bool) {
	i, ok := q.pos[file.Key()]
	if !ok {
		return nil, false
	}
	return q.slots[i].Platforms.Clone(), true
}

// RemovePlatform strips t from every queued entry. Entries left with no
// platforms stay queued and are returned so the caller can report them.
func (q *RequestQueue) RemovePlatform(t *platforms.Target) []assets.Filename {
	var emptied []assets.Filename
	for i := q.head; i < len(q.slots); i++ {
		next, ok := q.slots[i].Platforms.Remove(t)
		if !ok {
			continue
		}
		q.slots[i].Platforms = next
		if len(next) == 0 {
			emptied = append(emptied, q.slots[i].Filename)
		}
	}
	return emptied
}

// DequeueAll empties the queue, returning entries in order.
func (q *RequestQueue) DequeueAll() []FilePlatformRequest {
	out := append([]FilePlatformRequest(nil), q.slots[q.head:]...)
	q.slots = nil
	q.head = 0
	q.pos = map[string]int{}
	return out
}

func (q *RequestQueue) Files() []assets.Filename {
	out := make([]assets.Filename, 0, q.Len())
	for i := q.head; i < len(q.slots); i++ {
		out = append(out, q.slots[i].Filename)
	}
	return out
}

func (q *RequestQueue) swap(i, j int) {
	q.slots[i], q.slots[j] = q.slots[j], q.slots[i]
	q.pos[q.slots[i].Filename.Key()] = i
	q.pos[q.slots[j].Filename.Key()] = j
}

func (q *RequestQueue) pushFront(req FilePlatformRequest) {
	if q.head == 0 {
		gap := len(q.slots)/2 + 8
		grown := make([]FilePlatformRequest, gap+len(q.slots), gap+cap(q.slots))
		copy(grown[gap:], q.slots)
		q.slots = grown
		for k, i := range q.pos {
			q.pos[k] = i + gap
		}
		q.head = gap
	}
	q.head--
	q.slots[q.head] = req
	q.pos[req.Filename.Key()] = q.head
}

func (q *RequestQueue) compact() {
	if q.head == len(q.slots) {
		q.slots = q.slots[:0]
		q.head = 0
		return
	}
	if q.head < 64 || q.head < len(q.slots)/2 {
		return
	}
	n := copy(q.slots, q.slots[q.head:])
	for i := n; i < len(q.slots); i++ {
		q.slots[i] = FilePlatformRequest{}
	}
	q.slots = q.slots[:n]
	for k, i := range q.pos {
		q.pos[k] = i - q.head
	}
	q.head = 0
}
