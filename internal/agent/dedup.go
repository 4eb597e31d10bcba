package agent

import "github.com/bits-and-blooms/bloom/v3"

// seenFilter remembers recent event IDs in two bloom generations. Once the
// current generation holds capacity IDs it becomes the previous one and a
// fresh generation starts, so the false positive rate stays bounded no
// matter how many events arrive.
type seenFilter struct {
	capacity uint
	fpRate   float64
	cur      *bloom.BloomFilter
	prev     *bloom.BloomFilter
	added    uint
}

func newSeenFilter(capacity uint, fpRate float64) *seenFilter {
	if capacity == 0 {
		capacity = 1
	}
	return &seenFilter{
		capacity: capacity,
		fpRate:   fpRate,
		cur:      bloom.NewWithEstimates(capacity, fpRate),
	}
}

// TestAndAdd reports whether id was seen in either generation and records it.
func (f *seenFilter) TestAndAdd(id string) bool {
	if f.prev != nil && f.prev.TestString(id) {
		return true
	}
	if f.cur.TestAndAddString(id) {
		return true
	}
	f.added++
	if f.added >= f.capacity {
		f.prev = f.cur
		f.cur = bloom.NewWithEstimates(f.capacity, f.fpRate)
		f.added = 0
	}
	return false
}
