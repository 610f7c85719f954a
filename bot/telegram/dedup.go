package telegram

import "sync"

// dedupRing remembers the last capacity message ids so redelivered updates
// (long-poll restarts, webhook retries) are processed once. Oldest entries
// are evicted first.
type dedupRing struct {
	mu       sync.Mutex
	seen     map[int]struct{}
	order    []int
	capacity int
}

func newDedupRing(capacity int) *dedupRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &dedupRing{
		seen:     make(map[int]struct{}, capacity),
		order:    make([]int, 0, capacity),
		capacity: capacity,
	}
}

// Seen records id and reports whether it was already present.
func (r *dedupRing) Seen(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return true
	}
	if len(r.order) >= r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	return false
}
