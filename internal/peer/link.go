// Package peer owns the direct participant-to-participant transports: one
// negotiated WebRTC data channel per remote peer, plus the registry that
// routes traffic across all of them.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"gridlink/pkg/protocol"
)

// ErrNegotiation wraps any offer/answer/ICE failure. Negotiation is never
// retried here; the caller decides whether to retry or drop the peer.
var ErrNegotiation = errors.New("peer: negotiation failed")

// Status is the readiness of one peer link.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// defaultGatherTimeout bounds ICE candidate gathering. A partial candidate
// set at the deadline is acceptable output, not an error.
const defaultGatherTimeout = 15 * time.Second

// MessageHandler receives every decoded inbound data-channel message.
type MessageHandler func(peerID string, env protocol.PeerEnvelope)

// Config selects the ICE servers and gathering bounds for new links.
type Config struct {
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	// IncludeLoopback admits loopback ICE candidates, required when both
	// participants run on the same machine (tests, local play).
	IncludeLoopback bool
}

// Link is one negotiated transport to a single remote participant. A link
// is either the offerer (CreateOffer then AcceptAnswer) or the answerer
// (CreateAnswer); the two roles never mix on one link.
type Link struct {
	peerID        string
	log           *zap.Logger
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	dcOpen     bool
	iceUp      bool
	failed     bool
	closed     bool
	candidates []webrtc.ICECandidateInit
	onMessage  MessageHandler
}

// NewLink creates an unnegotiated link to the given remote peer.
func NewLink(peerID string, cfg Config, log *zap.Logger) (*Link, error) {
	settingEngine := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("%w: creating PeerConnection: %v", ErrNegotiation, err)
	}

	gatherTimeout := cfg.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = defaultGatherTimeout
	}

	l := &Link{
		peerID:        peerID,
		log:           log,
		pc:            pc,
		gatherTimeout: gatherTimeout,
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		l.handleICEState(state)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.mu.Lock()
		l.candidates = append(l.candidates, c.ToJSON())
		l.mu.Unlock()
	})
	// The answerer receives the channel the offerer created.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		l.bindDataChannel(dc)
	})

	return l, nil
}

// PeerID returns the identity of the remote participant.
func (l *Link) PeerID() string { return l.peerID }

// CreateOffer runs the offerer role: create the data channel, produce the
// local description, and gather candidates until gathering completes or
// the gather timeout lapses. Both outputs are handed to the caller for
// transmission over the signaling channel.
func (l *Link) CreateOffer(ctx context.Context, label string) (protocol.SessionDescription, []json.RawMessage, error) {
	dc, err := l.pc.CreateDataChannel(label, nil)
	if err != nil {
		return protocol.SessionDescription{}, nil, fmt.Errorf("%w: creating data channel: %v", ErrNegotiation, err)
	}
	l.bindDataChannel(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, nil, fmt.Errorf("%w: creating offer: %v", ErrNegotiation, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, nil, fmt.Errorf("%w: setting local description: %v", ErrNegotiation, err)
	}
	if err := l.waitForGathering(ctx, gatherComplete); err != nil {
		return protocol.SessionDescription{}, nil, err
	}

	local := l.pc.LocalDescription()
	return protocol.SessionDescription{Type: protocol.SDPOffer, SDP: local.SDP}, l.gatheredCandidates(), nil
}

// CreateAnswer runs the answerer role: apply the remote offer and its
// candidates, then produce and apply the local answer. Individual
// candidate failures are logged and skipped, never surfaced.
func (l *Link) CreateAnswer(ctx context.Context, remote protocol.SessionDescription, candidates []json.RawMessage) (protocol.SessionDescription, error) {
	if remote.Type != protocol.SDPOffer {
		return protocol.SessionDescription{}, fmt.Errorf("%w: expected offer, got %q", ErrNegotiation, remote.Type)
	}

	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remote.SDP})
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("%w: setting remote description: %v", ErrNegotiation, err)
	}

	for _, raw := range candidates {
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(raw, &init); err != nil {
			l.log.Warn("skipping unparsable remote candidate", zap.String("peer", l.peerID), zap.Error(err))
			continue
		}
		if err := l.pc.AddICECandidate(init); err != nil {
			l.log.Warn("skipping rejected remote candidate", zap.String("peer", l.peerID), zap.Error(err))
		}
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("%w: creating answer: %v", ErrNegotiation, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("%w: setting local description: %v", ErrNegotiation, err)
	}
	if err := l.waitForGathering(ctx, gatherComplete); err != nil {
		return protocol.SessionDescription{}, err
	}

	local := l.pc.LocalDescription()
	return protocol.SessionDescription{Type: protocol.SDPAnswer, SDP: local.SDP}, nil
}

// AcceptAnswer completes the offerer role with the remote answer.
func (l *Link) AcceptAnswer(remote protocol.SessionDescription) error {
	if remote.Type != protocol.SDPAnswer {
		return fmt.Errorf("%w: expected answer, got %q", ErrNegotiation, remote.Type)
	}
	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remote.SDP})
	if err != nil {
		return fmt.Errorf("%w: setting remote description: %v", ErrNegotiation, err)
	}
	return nil
}

// Send delivers one message over the data channel. It is a warned no-op
// when the channel is not open.
func (l *Link) Send(env protocol.PeerEnvelope) {
	l.mu.Lock()
	dc := l.dc
	open := l.dcOpen && !l.closed
	l.mu.Unlock()
	if !open || dc == nil {
		l.log.Warn("dropping peer message, channel not open",
			zap.String("peer", l.peerID),
			zap.String("name", string(env.Name)),
		)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		l.log.Warn("marshaling peer message", zap.String("name", string(env.Name)), zap.Error(err))
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		l.log.Warn("sending peer message", zap.String("peer", l.peerID), zap.Error(err))
	}
}

// Status reports Connected only when both the ICE connection and the data
// channel indicate readiness. After Close or an ICE failure the link is
// Disconnected and stays there; links do not reconnect.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed || l.failed:
		return StatusDisconnected
	case l.iceUp && l.dcOpen:
		return StatusConnected
	default:
		return StatusConnecting
	}
}

// Close tears down the channel and the transport. Terminal.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dc := l.dc
	l.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if err := l.pc.Close(); err != nil {
		l.log.Debug("closing peer connection", zap.String("peer", l.peerID), zap.Error(err))
	}
}

func (l *Link) setOnMessage(h MessageHandler) {
	l.mu.Lock()
	l.onMessage = h
	l.mu.Unlock()
}

func (l *Link) bindDataChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.log.Debug("data channel open", zap.String("peer", l.peerID), zap.String("label", dc.Label()))
		l.mu.Lock()
		l.dcOpen = true
		l.mu.Unlock()
	})
	dc.OnClose(func() {
		l.log.Debug("data channel closed", zap.String("peer", l.peerID))
		l.mu.Lock()
		l.dcOpen = false
		l.mu.Unlock()
	})
	dc.OnError(func(err error) {
		l.log.Warn("data channel error", zap.String("peer", l.peerID), zap.Error(err))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var env protocol.PeerEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil || env.Name == "" {
			l.log.Warn("discarding unparsable peer message", zap.String("peer", l.peerID))
			return
		}
		l.mu.Lock()
		h := l.onMessage
		l.mu.Unlock()
		if h == nil {
			l.log.Warn("no subscriber for peer message", zap.String("name", string(env.Name)))
			return
		}
		h(l.peerID, env)
	})
}

func (l *Link) handleICEState(state webrtc.ICEConnectionState) {
	l.log.Debug("ice state change", zap.String("peer", l.peerID), zap.String("state", state.String()))
	l.mu.Lock()
	defer l.mu.Unlock()
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		l.iceUp = true
	case webrtc.ICEConnectionStateDisconnected:
		l.iceUp = false
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		l.iceUp = false
		l.failed = true
	}
}

func (l *Link) waitForGathering(ctx context.Context, gatherComplete <-chan struct{}) error {
	select {
	case <-gatherComplete:
	case <-time.After(l.gatherTimeout):
		l.log.Debug("ice gathering timed out, continuing with partial candidates",
			zap.String("peer", l.peerID))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (l *Link) gatheredCandidates() []json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]json.RawMessage, 0, len(l.candidates))
	for _, c := range l.candidates {
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}
