package queue

import "sync"

// Item is one stream record held in memory until it is exported or evicted.
type Item struct {
	Seq     uint64
	Size    int64
	Payload []byte
}

// ByteQueue is a FIFO of stream records that tracks the total serialized
// size of its contents. Capacity decisions belong to the caller.
type ByteQueue struct {
	mu   sync.Mutex
	data []Item
	size int64
}

func NewByteQueue() *ByteQueue {
	return &ByteQueue{}
}

// Push appends it. Items must arrive in increasing Seq order.
func (q *ByteQueue) Push(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.data = append(q.data, it)
	q.size += it.Size
}

// PopOldest removes and returns the item with the smallest Seq.
func (q *ByteQueue) PopOldest() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return Item{}, false
	}
	it := q.data[0]
	q.data[0] = Item{}
	q.data = q.data[1:]
	q.size -= it.Size
	return it, true
}

// Head returns the smallest Seq held, or 0 when empty.
func (q *ByteQueue) Head() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return 0
	}
	return q.data[0].Seq
}

// Batch returns up to max items with Seq greater than after, in order,
// without removing them.
func (q *ByteQueue) Batch(after uint64, max int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	start := 0
	for start < len(q.data) && q.data[start].Seq <= after {
		start++
	}
	rest := q.data[start:]
	if max <= 0 || max > len(rest) {
		max = len(rest)
	}
	if max == 0 {
		return nil
	}
	out := make([]Item, max)
	copy(out, rest[:max])
	return out
}

// ReleaseThrough removes every item with Seq <= upto and returns how many
// were removed.
func (q *ByteQueue) ReleaseThrough(upto uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.data) && q.data[n].Seq <= upto {
		q.size -= q.data[n].Size
		q.data[n] = Item{}
		n++
	}
	q.data = q.data[n:]
	return n
}

// Items returns a copy of the queued items in order.
func (q *ByteQueue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.data))
	copy(out, q.data)
	return out
}

func (q *ByteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

func (q *ByteQueue) SizeBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
