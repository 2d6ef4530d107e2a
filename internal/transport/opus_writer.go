package transport

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	opusSampleRate   = 48000
	opusFrameSamples = 960 // 20ms at 48kHz mono
	opusFrameEvery   = 20 * time.Millisecond
)

// PacedOpusWriter encodes 48kHz mono PCM to opus and writes one frame per
// 20ms tick to a WebRTC track. Pacing keeps the browser's jitter buffer
// shallow so a barge-in Reset silences playback almost immediately.
type PacedOpusWriter struct {
	enc    *opus.Encoder
	track  *webrtc.TrackLocalStaticSample
	frames chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pcmBuf  []int16
	stopped bool
}

func NewPacedOpusWriter(track *webrtc.TrackLocalStaticSample) (*PacedOpusWriter, error) {
	enc, err := opus.NewEncoder(opusSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &PacedOpusWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go w.pace()
	return w, nil
}

// WritePCM16LE buffers little-endian 16-bit PCM and encodes every complete
// 20ms frame.
func (w *PacedOpusWriter) WritePCM16LE(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	for i := 0; i+1 < len(pcmBytes); i += 2 {
		w.pcmBuf = append(w.pcmBuf, int16(uint16(pcmBytes[i])|uint16(pcmBytes[i+1])<<8))
	}
	w.encodeFullFrames()
}

func (w *PacedOpusWriter) encodeFullFrames() {
	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= opusFrameSamples {
		n, err := w.enc.Encode(w.pcmBuf[:opusFrameSamples], opusBuf)
		if err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.enqueue(pkt)
		}
		w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[opusFrameSamples:]...)
	}
}

// Flush pads the remaining samples to a full frame and appends a short
// silence tail so the last syllable is not clipped.
func (w *PacedOpusWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		frame := make([]int16, opusFrameSamples)
		copy(frame, w.pcmBuf)
		if n, err := w.enc.Encode(frame, opusBuf); err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.enqueue(pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}

	silence := make([]int16, opusFrameSamples)
	for i := 0; i < 10; i++ {
		if n, err := w.enc.Encode(silence, opusBuf); err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.enqueue(pkt)
		}
	}
}

// Reset drops queued frames and buffered PCM for immediate barge-in.
func (w *PacedOpusWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

func (w *PacedOpusWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

// enqueue never blocks; under backlog the oldest frame is dropped, since
// stale audio is worse than a short glitch on a live call.
func (w *PacedOpusWriter) enqueue(pkt []byte) {
	select {
	case w.frames <- pkt:
		return
	default:
	}
	select {
	case <-w.frames:
	default:
	}
	select {
	case w.frames <- pkt:
	default:
	}
}

func (w *PacedOpusWriter) pace() {
	ticker := time.NewTicker(opusFrameEvery)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: opusFrameEvery})
			default:
			}
		}
	}
}
