// Package relay tracks audio playback timing for one live session.
//
// The carrier reports a cumulative playback timestamp with every inbound
// frame. Truncation math is anchored on that clock rather than wall time,
// because network and device buffering make wall-clock elapsed time wrong by
// enough to cause audible artifacts when trimming interrupted audio.
package relay

import "sync"

// Tracker keeps the two monotonic counters that interruption handling needs:
// the latest inbound media timestamp and the timestamp at which the current
// outbound response started playing.
type Tracker struct {
	mu              sync.Mutex
	latestInboundMs int64
	responseStartMs int64
	responseActive  bool
	pendingMarks    []string
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// ObserveInbound records the carrier timestamp of an inbound frame. The
// counter never moves backwards; late or reordered frames are clamped.
func (t *Tracker) ObserveInbound(tsMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tsMs > t.latestInboundMs {
		t.latestInboundMs = tsMs
	}
}

func (t *Tracker) LatestInboundMs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latestInboundMs
}

// BeginResponse pins the response start to the current inbound clock. Only
// the first outbound frame of a response sets the anchor; subsequent frames
// of the same response leave it alone.
func (t *Tracker) BeginResponse() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.responseActive {
		return
	}
	t.responseActive = true
	t.responseStartMs = t.latestInboundMs
}

// EndResponse clears the anchor and the pending mark queue. Called when a
// response finishes draining or is canceled.
func (t *Tracker) EndResponse() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responseActive = false
	t.responseStartMs = 0
	t.pendingMarks = t.pendingMarks[:0]
}

func (t *Tracker) ResponseActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responseActive
}

// ElapsedPlaybackMs returns how much of the current response the far end has
// actually heard. ok is false when no response is playing.
func (t *Tracker) ElapsedPlaybackMs() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.responseActive {
		return 0, false
	}
	elapsed := t.latestInboundMs - t.responseStartMs
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, true
}

// PushMark records a mark sent alongside outbound audio, awaiting carrier
// acknowledgment.
func (t *Tracker) PushMark(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingMarks = append(t.pendingMarks, name)
}

// AckMark removes the oldest pending mark. The carrier echoes marks in send
// order, so a FIFO pop is sufficient.
func (t *Tracker) AckMark() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingMarks) == 0 {
		return "", false
	}
	name := t.pendingMarks[0]
	t.pendingMarks = t.pendingMarks[1:]
	return name, true
}

// PendingMarks reports outbound audio still unacknowledged by the far end.
// Zero pending marks while a response is ending means playback has drained.
func (t *Tracker) PendingMarks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingMarks)
}
