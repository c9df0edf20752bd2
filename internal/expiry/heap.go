package expiry

import "time"

type item struct {
	entry Entry
	index int
}

// entryHeap is a min-heap of pending entries ordered by deadline.
type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.Deadline.Equal(h[j].entry.Deadline) {
		return h[i].entry.ID < h[j].entry.ID
	}
	return h[i].entry.Deadline.Before(h[j].entry.Deadline)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// next returns the earliest deadline, if any.
func (h entryHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].entry.Deadline, true
}
