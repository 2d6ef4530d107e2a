package relay

import "sync"

// Frame is one chunk of inbound audio moving through the pipeline. Frames
// are forwarded, not retained; the queue only exists to absorb short bursts.
type Frame struct {
	Seq         int
	Payload     []byte
	TimestampMs int64
}

// FrameQueue is a bounded FIFO that drops the oldest frame under pressure.
// Stale audio is worse than slightly lossy audio in a live call, so a slow
// downstream stage costs old frames rather than unbounded memory.
type FrameQueue struct {
	mu       sync.Mutex
	frames   []Frame
	capacity int
	dropped  uint64
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &FrameQueue{capacity: capacity}
}

// Push enqueues a frame, evicting the oldest one when full. Returns true if
// an eviction happened.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := false
	if len(q.frames) >= q.capacity {
		q.frames = q.frames[1:]
		q.dropped++
		evicted = true
	}
	q.frames = append(q.frames, f)
	return evicted
}

func (q *FrameQueue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped reports the total evictions since creation.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear empties the queue, used when interrupting playback or tearing down.
func (q *FrameQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = q.frames[:0]
}
