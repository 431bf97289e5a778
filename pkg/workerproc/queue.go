package workerproc

import "container/heap"

// requestHeap is a max-heap by Priority, FIFO on ties (ties broken by
// insertion sequence), backing the processor's new queue.
type requestHeap struct {
	items []*Request
	seq   []int64
	next  int64
}

func newRequestHeap() *requestHeap {
	return &requestHeap{}
}

func (h *requestHeap) Len() int { return len(h.items) }

func (h *requestHeap) Less(i, j int) bool {
	if h.items[i].Priority != h.items[j].Priority {
		return h.items[i].Priority > h.items[j].Priority
	}
	return h.seq[i] < h.seq[j]
}

func (h *requestHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.seq[i], h.seq[j] = h.seq[j], h.seq[i]
	h.items[i].heapIndex = i
	h.items[j].heapIndex = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*Request)
	r.heapIndex = len(h.items)
	h.items = append(h.items, r)
	h.seq = append(h.seq, h.next)
	h.next++
}

func (h *requestHeap) Pop() any {
	n := len(h.items)
	r := h.items[n-1]
	h.items = h.items[:n-1]
	h.seq = h.seq[:n-1]
	r.heapIndex = -1
	return r
}

func (h *requestHeap) push(r *Request) { heap.Push(h, r) }

func (h *requestHeap) pop() *Request {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Request)
}

func (h *requestHeap) remove(r *Request) bool {
	if r.heapIndex < 0 || r.heapIndex >= len(h.items) || h.items[r.heapIndex] != r {
		return false
	}
	heap.Remove(h, r.heapIndex)
	return true
}

func (h *requestHeap) find(id string) *Request {
	for _, r := range h.items {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (h *requestHeap) findDuplicate(key string) *Request {
	if key == "" {
		return nil
	}
	for _, r := range h.items {
		if r.DuplicateKey() == key {
			return r
		}
	}
	return nil
}

func (h *requestHeap) snapshotIDs() []string {
	ids := make([]string, len(h.items))
	for i, r := range h.items {
		ids[i] = r.ID
	}
	return ids
}
