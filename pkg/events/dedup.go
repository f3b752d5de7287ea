package events

import "sync"

// Deduper remembers the most recent event keys so consumers of an
// at-least-once stream can skip repeats. It is safe for concurrent use.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

// NewDeduper remembers up to size keys. Older keys are forgotten first.
func NewDeduper(size int) *Deduper {
	if size < 1 {
		size = 1
	}
	return &Deduper{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Seen reports whether key was already observed and records it if not.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = key
	d.next = (d.next + 1) % len(d.ring)
	d.seen[key] = struct{}{}
	return false
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
