package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicelink/internal/audio"
)

// SessionDescription keeps webrtc types out of the HTTP surface.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// controlMessage is the JSON spoken on the "control" data channel. The
// browser echoes marks back after playing the audio queued before them.
type controlMessage struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// BrowserHandler negotiates WebRTC peer connections for browser sessions.
type BrowserHandler struct {
	stunURL string
	logger  zerolog.Logger
}

func NewBrowserHandler(logger zerolog.Logger) *BrowserHandler {
	return &BrowserHandler{stunURL: "stun:stun.l.google.com:19302", logger: logger}
}

// HandleOffer accepts an SDP offer and returns the answer plus the live
// connection. The connection starts emitting events once ICE completes and
// the remote audio track arrives.
func (h *BrowserHandler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, *BrowserConn, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, nil, errors.New("invalid offer")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return SessionDescription{}, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{h.stunURL}}},
	})
	if err != nil {
		return SessionDescription{}, nil, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 1},
		"assistant-audio", "assistant",
	)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, nil, err
	}

	writer, err := NewPacedOpusWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, nil, err
	}

	conn := newBrowserConn(pc, writer, h.logger)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		conn.bindControl(dc)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		conn.readRemoteAudio(remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			conn.emitStarted()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			conn.shutdown()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return SessionDescription{}, nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, nil, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, nil, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, conn, nil
}

// BrowserConn is the WebRTC rendering of the Connection contract. Inbound
// timestamps are milliseconds since the peer connected, taking the role the
// carrier's cumulative clock plays on the telephony path.
type BrowserConn struct {
	pc      *webrtc.PeerConnection
	writer  *PacedOpusWriter
	logger  zerolog.Logger
	inbound chan Event

	closeOnce sync.Once

	mu        sync.Mutex
	streamSID string
	control   *webrtc.DataChannel
	startedAt time.Time
	started   bool
	closed    bool
}

func newBrowserConn(pc *webrtc.PeerConnection, writer *PacedOpusWriter, logger zerolog.Logger) *BrowserConn {
	return &BrowserConn{
		pc:        pc,
		writer:    writer,
		logger:    logger,
		inbound:   make(chan Event, 256),
		streamSID: "web_" + uuid.NewString(),
	}
}

func (c *BrowserConn) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

func (c *BrowserConn) emitStarted() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.startedAt = time.Now()
	sid := c.streamSID
	c.mu.Unlock()
	c.deliver(Event{Kind: EventStarted, StreamSID: sid})
}

func (c *BrowserConn) bindControl(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.control = dc
	c.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var cm controlMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			return
		}
		switch cm.Type {
		case "mark":
			c.deliver(Event{Kind: EventMark, MarkName: cm.Name})
		case "stop":
			c.deliver(Event{Kind: EventStopped})
			c.shutdown()
		}
	})
}

func (c *BrowserConn) readRemoteAudio(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(opusSampleRate, 1)
	if err != nil {
		c.logger.Error().Err(err).Msg("opus decoder init failed")
		c.shutdown()
		return
	}

	pcm := make([]int16, opusFrameSamples*2)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			c.shutdown()
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil || n == 0 {
			continue
		}

		// The opus track runs at 48kHz; the pipeline speaks 24kHz PCM16.
		raw := audio.PCM16LEBytes(audio.DownsampleBy2(pcm[:n]))

		c.mu.Lock()
		elapsed := int64(0)
		if c.started {
			elapsed = time.Since(c.startedAt).Milliseconds()
		}
		c.mu.Unlock()

		c.deliver(Event{
			Kind:        EventAudio,
			AudioBase64: base64.StdEncoding.EncodeToString(raw),
			TimestampMs: elapsed,
		})
	}
}

func (c *BrowserConn) SendAudio(_ context.Context, audioBase64 string) error {
	if c.isClosed() {
		return ErrClosed
	}
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return err
	}
	// Synthesized audio arrives as 24kHz PCM16; the opus encoder wants 48kHz.
	c.writer.WritePCM16LE(audio.PCM16LEBytes(audio.UpsampleBy2(audio.PCM16LESamples(raw))))
	return nil
}

func (c *BrowserConn) SendMark(_ context.Context, name string) error {
	c.mu.Lock()
	dc := c.control
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if dc == nil {
		return errors.New("no control channel")
	}
	payload, _ := json.Marshal(controlMessage{Type: "mark", Name: name})
	return dc.Send(payload)
}

func (c *BrowserConn) Clear(_ context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.writer.Reset()
	c.mu.Lock()
	dc := c.control
	c.mu.Unlock()
	if dc != nil {
		payload, _ := json.Marshal(controlMessage{Type: "clear"})
		_ = dc.Send(payload)
	}
	return nil
}

func (c *BrowserConn) Inbound() <-chan Event { return c.inbound }

func (c *BrowserConn) Close() error {
	c.shutdown()
	return nil
}

func (c *BrowserConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver drops events once the connection is closed instead of blocking.
// The send happens under the mutex so shutdown cannot close the channel
// while a delivery is in flight.
func (c *BrowserConn) deliver(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbound <- e:
	default:
		c.logger.Warn().Str("kind", string(e.Kind)).Msg("inbound event dropped under backpressure")
	}
}

func (c *BrowserConn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.writer.Flush()
		time.AfterFunc(400*time.Millisecond, c.writer.Close)
		_ = c.pc.Close()
		close(c.inbound)
	})
}
