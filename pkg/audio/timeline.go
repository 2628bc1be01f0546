package audio

import (
	"container/heap"
	"sync"
	"time"
)

// Timeline is a sample-accurate render queue for a single mono output.
// Buffers are placed at absolute frame positions and rendered period by
// period from a device callback; positions with nothing scheduled render as
// silence. The timeline's position is the device clock: it advances only
// when output is rendered.
//
// All methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu    sync.Mutex
	pos   int64 // frames rendered so far
	seq   uint64
	queue placementHeap
}

// NewTimeline creates a Timeline running at rate samples per second.
func NewTimeline(rate int) *Timeline {
	t := &Timeline{rate: rate}
	heap.Init(&t.queue)
	return t
}

// Now returns the device-clock time of the next frame to be rendered.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return SamplesToDuration(int(t.pos), t.rate)
}

// Position returns the number of frames rendered so far.
func (t *Timeline) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// Schedule places buf at device-clock time at. A start time already in the
// past begins at the next rendered frame.
func (t *Timeline) Schedule(buf DecodedBuffer, at time.Duration) {
	if len(buf.Samples) == 0 {
		return
	}
	start := DurationToSamples(at, t.rate)

	t.mu.Lock()
	defer t.mu.Unlock()
	if start < t.pos {
		start = t.pos
	}
	t.seq++
	heap.Push(&t.queue, placement{start: start, samples: buf.Samples, seq: t.seq})
}

// Render fills out with the next len(out) frames and advances the clock.
// Overlapping placements are summed.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.pos + int64(len(out))
	var carry []placement
	for t.queue.Len() > 0 && t.queue[0].start < end {
		p := heap.Pop(&t.queue).(placement)
		offset := int(p.start - t.pos)
		n := min(len(p.samples), len(out)-offset)
		for i := range n {
			out[offset+i] += p.samples[i]
		}
		if n < len(p.samples) {
			carry = append(carry, placement{start: end, samples: p.samples[n:], seq: p.seq})
		}
	}
	for _, p := range carry {
		heap.Push(&t.queue, p)
	}
	t.pos = end
}

// Clear discards every placement that has not been fully rendered and
// returns how many were dropped.
func (t *Timeline) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.queue.Len()
	t.queue = t.queue[:0]
	return n
}

// Pending returns the number of placements not yet fully rendered.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}

// placement is one scheduled buffer. seq breaks ties between equal starts so
// that rendering order matches scheduling order.
type placement struct {
	start   int64
	samples []float32
	seq     uint64
}

// placementHeap implements [container/heap.Interface] as a min-heap ordered
// by start frame, with FIFO tie-breaking on seq.
type placementHeap []placement

func (h placementHeap) Len() int { return len(h) }

func (h placementHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h placementHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push].
func (h *placementHeap) Push(x any) {
	*h = append(*h, x.(placement))
}

// Pop removes and returns the last element. Called by [container/heap.Pop].
func (h *placementHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	*h = old[:n-1]
	return p
}
