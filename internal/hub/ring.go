package hub

import "github.com/sessionhub/sessionhub/pkg/types"

// recordRing is a fixed-capacity ring of completed-turn records, oldest
// entries overwritten first.
type recordRing struct {
	records  []types.DoneRecord
	capacity int
	head     int
	size     int
}

func newRecordRing(capacity int) *recordRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &recordRing{
		records:  make([]types.DoneRecord, capacity),
		capacity: capacity,
	}
}

// add appends a record, evicting the oldest when full.
func (r *recordRing) add(rec types.DoneRecord) {
	idx := (r.head + r.size) % r.capacity
	r.records[idx] = rec
	if r.size < r.capacity {
		r.size++
		return
	}
	r.head = (r.head + 1) % r.capacity
}

// list returns the records oldest first.
func (r *recordRing) list() []types.DoneRecord {
	out := make([]types.DoneRecord, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.records[(r.head+i)%r.capacity])
	}
	return out
}

func (r *recordRing) len() int {
	return r.size
}
