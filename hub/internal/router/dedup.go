package router

import "github.com/cespare/xxhash/v2"

// dedupWindow remembers the hashes of the last n envelope ids seen on one
// connection. It is owned by the connection's read loop.
type dedupWindow struct {
	ring []uint64
	next int
	set  map[uint64]int // hash -> occurrences in ring
	full bool
}

func newDedupWindow(n int) *dedupWindow {
	return &dedupWindow{ring: make([]uint64, n), set: make(map[uint64]int, n)}
}

// Seen records id and reports whether it was already in the window. Empty
// ids are never treated as duplicates.
func (d *dedupWindow) Seen(id string) bool {
	if id == "" || len(d.ring) == 0 {
		return false
	}
	h := xxhash.Sum64String(id)
	if d.set[h] > 0 {
		return true
	}
	if d.full {
		old := d.ring[d.next]
		if d.set[old]--; d.set[old] <= 0 {
			delete(d.set, old)
		}
	}
	d.ring[d.next] = h
	d.set[h]++
	d.next++
	if d.next == len(d.ring) {
		d.next = 0
		d.full = true
	}
	return false
}
