package channels

import "sync"

// dedupRing remembers the last N message ids.
type dedupRing struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	idx  int
}

func newDedupRing(size int) *dedupRing {
	if size <= 0 {
		size = 1024
	}
	return &dedupRing{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Seen records id and reports whether it was already present.
// Empty ids are never treated as duplicates.
func (d *dedupRing) Seen(id string) bool {
	if id == "" || id == "0" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.idx]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.idx] = id
	d.seen[id] = struct{}{}
	d.idx = (d.idx + 1) % len(d.ring)
	return false
}

// Forget drops id so a redelivery is accepted again.
func (d *dedupRing) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; !ok {
		return
	}
	delete(d.seen, id)
	for i, v := range d.ring {
		if v == id {
			d.ring[i] = ""
		}
	}
}
