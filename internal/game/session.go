// Package game layers a host-authoritative replicated state machine over
// the peer link registry. The host is the sole mutator of game state;
// every other participant applies the broadcasts it receives and echoes
// its inputs upward. The rules of the specific game are injected as a
// Module capability.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridlink/internal/peer"
	"gridlink/pkg/protocol"
)

var (
	// ErrInvalidMove wraps a host-side input rejection: out of turn, out
	// of range, occupied cell, or not currently playing.
	ErrInvalidMove = errors.New("game: invalid move")
	ErrNoHost      = errors.New("game: no host among players")
)

// State is the session lifecycle. The string values travel on the wire in
// game-state-update bodies.
type State string

const (
	StateSetup    State = "setup"
	StateReady    State = "ready"
	StatePlaying  State = "playing"
	StatePaused   State = "paused"
	StateFinished State = "finished"
)

// PlayerState is the host's view of one participant's setup progress.
type PlayerState string

const (
	PlayerJoining      PlayerState = "joining"
	PlayerInitializing PlayerState = "initializing"
	PlayerReady        PlayerState = "ready"
)

// Module is the pluggable rules capability. ApplyMove owns turn
// accounting; Restore is the replica-side counterpart of Serialize.
type Module interface {
	ValidateMove(player string, input json.RawMessage) error
	ApplyMove(player string, input json.RawMessage) error
	Serialize() (json.RawMessage, error)
	Restore(data json.RawMessage) error
	IsTerminal() bool
}

// Transport is the slice of the peer registry the session needs.
type Transport interface {
	SendTo(peerID string, env protocol.PeerEnvelope) error
	Broadcast(env protocol.PeerEnvelope, excluding ...string)
	SetHandler(h peer.MessageHandler)
}

// Session replicates one game between the participants of a started room.
type Session struct {
	log       *zap.Logger
	module    Module
	transport Transport
	localID   string
	hostID    string
	host      bool

	// moveMu serializes host-side input application so there is at most
	// one in-flight move regardless of how messages arrive.
	moveMu sync.Mutex

	mu      sync.Mutex
	state   State
	players map[string]PlayerState
	changed chan struct{}

	onState func(State)
	onChat  func(player, text string)
}

// NewSession wires a session onto the transport and installs itself as
// the transport's message subscriber. The players slice is the started
// room's roster; exactly one entry must carry the host flag.
func NewSession(module Module, transport Transport, localID string, players []protocol.Player, log *zap.Logger) (*Session, error) {
	s := &Session{
		log:       log,
		module:    module,
		transport: transport,
		localID:   localID,
		state:     StateSetup,
		players:   make(map[string]PlayerState, len(players)),
		changed:   make(chan struct{}),
	}
	for _, p := range players {
		s.players[p.ID] = PlayerJoining
		if p.Host {
			s.hostID = p.ID
		}
	}
	if s.hostID == "" {
		return nil, ErrNoHost
	}
	s.host = s.hostID == localID

	transport.SetHandler(s.handleMessage)
	return s, nil
}

// OnStateChange installs an observer for session state transitions.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// OnChat installs an observer for chat traffic.
func (s *Session) OnChat(fn func(player, text string)) {
	s.mu.Lock()
	s.onChat = fn
	s.mu.Unlock()
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Host reports whether the local participant is the authoritative host.
func (s *Session) Host() bool { return s.host }

// Run drives the setup handshake and blocks until the session is
// Playing or ctx expires.
//
// The host collects an initializing signal from every participant,
// broadcasts the initial state, collects ready signals, then flips to
// Playing. Everyone else announces initializing, waits for the first
// game-update, restores it, announces ready, and waits for the Playing
// broadcast.
func (s *Session) Run(ctx context.Context) error {
	if s.host {
		return s.runHost(ctx)
	}
	return s.runReplica(ctx)
}

func (s *Session) runHost(ctx context.Context) error {
	s.setPlayerState(s.localID, PlayerInitializing)

	s.log.Debug("waiting for players to initialize")
	if err := s.waitUntil(ctx, func() bool { return s.everyPlayer(PlayerInitializing) }); err != nil {
		return fmt.Errorf("waiting for players to initialize: %w", err)
	}

	data, err := s.module.Serialize()
	if err != nil {
		return fmt.Errorf("serializing initial state: %w", err)
	}
	s.broadcast(protocol.GameUpdate, json.RawMessage(data))
	s.setPlayerState(s.localID, PlayerReady)

	s.log.Debug("waiting for players to become ready")
	if err := s.waitUntil(ctx, func() bool { return s.everyPlayer(PlayerReady) }); err != nil {
		return fmt.Errorf("waiting for players to become ready: %w", err)
	}

	s.setState(StatePlaying)
	s.broadcast(protocol.GameStateUpdate, protocol.GameStateBody{State: string(StatePlaying)})
	s.log.Debug("host setup complete")
	return nil
}

// initAnnounceInterval spaces the replica's initializing announcements
// until the host acknowledges with the first game-update.
const initAnnounceInterval = 250 * time.Millisecond

func (s *Session) runReplica(ctx context.Context) error {
	s.announceInitializing()

	// The room's start push and the data channel are independent
	// transports, so the host side may not exist yet when the first
	// announcement goes out. Repeat it until the initial game-update
	// arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(initAnnounceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.State() != StateSetup {
					return
				}
				s.announceInitializing()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	s.log.Debug("waiting for playing state")
	if err := s.waitUntil(ctx, func() bool { return s.state == StatePlaying }); err != nil {
		return fmt.Errorf("waiting for playing state: %w", err)
	}
	s.log.Debug("replica setup complete")
	return nil
}

func (s *Session) announceInitializing() {
	s.sendToHost(protocol.PlayerStateUpdate, protocol.PlayerStateBody{
		Player: s.localID,
		State:  string(PlayerInitializing),
	})
}

// Submit routes a local input. The host applies it directly; a replica
// sends it to the host and reconciles against the next broadcast.
func (s *Session) Submit(input json.RawMessage) error {
	if s.host {
		return s.applyMove(s.localID, input)
	}
	return s.sendToHost(protocol.PlayerInput, protocol.PlayerInputBody{
		Player: s.localID,
		Input:  input,
	})
}

// Chat fans a chat line out to every participant.
func (s *Session) Chat(text string) {
	body := protocol.PlayerChatBody{Player: s.localID, Text: text}
	if s.host {
		s.broadcast(protocol.PlayerChat, body)
		return
	}
	_ = s.sendToHost(protocol.PlayerChat, body)
}

// Pause suspends play. Host only; a warned no-op elsewhere.
func (s *Session) Pause() { s.hostTransition(StatePlaying, StatePaused) }

// Resume returns a paused session to play. Host only.
func (s *Session) Resume() { s.hostTransition(StatePaused, StatePlaying) }

// hostTransition moves the session from one state to another in a single
// critical section, so concurrent transition calls resolve to exactly one
// winner and one broadcast.
func (s *Session) hostTransition(from, to State) {
	if !s.host {
		s.log.Warn("non-host cannot change game state", zap.String("to", string(to)))
		return
	}
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.signalLocked()
	onState := s.onState
	s.mu.Unlock()

	s.log.Debug("game state", zap.String("state", string(to)))
	if onState != nil {
		onState(to)
	}
	s.broadcast(protocol.GameStateUpdate, protocol.GameStateBody{State: string(to)})
}

// applyMove is the single authoritative mutation path. Invalid inputs are
// rejected without mutation; applied moves are re-broadcast as the full
// state, then checked for terminality.
func (s *Session) applyMove(player string, input json.RawMessage) error {
	s.moveMu.Lock()
	defer s.moveMu.Unlock()

	if st := s.State(); st != StatePlaying {
		return fmt.Errorf("%w: session is %s", ErrInvalidMove, st)
	}
	if err := s.module.ValidateMove(player, input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}
	if err := s.module.ApplyMove(player, input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}

	data, err := s.module.Serialize()
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}
	s.broadcast(protocol.GameUpdate, json.RawMessage(data))

	if s.module.IsTerminal() {
		s.setState(StateFinished)
		s.broadcast(protocol.GameStateUpdate, protocol.GameStateBody{State: string(StateFinished)})
	}
	return nil
}

func (s *Session) handleMessage(peerID string, env protocol.PeerEnvelope) {
	if s.host {
		s.handleHostMessage(peerID, env)
	} else {
		s.handleReplicaMessage(peerID, env)
	}
}

func (s *Session) handleHostMessage(peerID string, env protocol.PeerEnvelope) {
	switch env.Name {
	case protocol.PlayerStateUpdate:
		var body protocol.PlayerStateBody
		if err := env.Decode(&body); err != nil {
			s.log.Warn("discarding player state update", zap.Error(err))
			return
		}
		s.advancePlayerState(body.Player, PlayerState(body.State))

	case protocol.PlayerInput:
		var body protocol.PlayerInputBody
		if err := env.Decode(&body); err != nil {
			s.log.Warn("discarding player input", zap.Error(err))
			return
		}
		if err := s.applyMove(body.Player, body.Input); err != nil {
			// Rejections are logged, never fatal; the offending replica
			// reconciles against the next authoritative broadcast.
			s.log.Warn("rejected player input",
				zap.String("player", body.Player),
				zap.Error(err),
			)
		}

	case protocol.PlayerChat:
		var body protocol.PlayerChatBody
		if err := env.Decode(&body); err != nil {
			return
		}
		s.broadcast(protocol.PlayerChat, body, peerID)
		s.notifyChat(body.Player, body.Text)

	case protocol.GameUpdate, protocol.GameStateUpdate:
		s.log.Warn("host received authoritative message", zap.String("name", string(env.Name)))
	}
}

func (s *Session) handleReplicaMessage(peerID string, env protocol.PeerEnvelope) {
	switch env.Name {
	case protocol.GameUpdate:
		if err := s.module.Restore(env.Body); err != nil {
			s.log.Warn("restoring game update", zap.Error(err))
			return
		}
		s.mu.Lock()
		inSetup := s.state == StateSetup
		s.mu.Unlock()
		if inSetup {
			// First update carries the initial state; acknowledge it.
			s.setState(StateReady)
			s.sendToHost(protocol.PlayerStateUpdate, protocol.PlayerStateBody{
				Player: s.localID,
				State:  string(PlayerReady),
			})
		}

	case protocol.GameStateUpdate:
		var body protocol.GameStateBody
		if err := env.Decode(&body); err != nil {
			s.log.Warn("discarding game state update", zap.Error(err))
			return
		}
		s.setState(State(body.State))

	case protocol.PlayerChat:
		var body protocol.PlayerChatBody
		if err := env.Decode(&body); err != nil {
			return
		}
		s.notifyChat(body.Player, body.Text)

	case protocol.PlayerStateUpdate, protocol.PlayerInput:
		s.log.Warn("replica received host-bound message",
			zap.String("peer", peerID),
			zap.String("name", string(env.Name)),
		)
	}
}

func (s *Session) notifyChat(player, text string) {
	s.mu.Lock()
	onChat := s.onChat
	s.mu.Unlock()
	if onChat != nil {
		onChat(player, text)
	}
}

func (s *Session) sendToHost(name protocol.PeerMessageName, body any) error {
	env, err := protocol.NewPeerEnvelope(name, body)
	if err != nil {
		return err
	}
	return s.transport.SendTo(s.hostID, env)
}

func (s *Session) broadcast(name protocol.PeerMessageName, body any, excluding ...string) {
	env, err := protocol.NewPeerEnvelope(name, body)
	if err != nil {
		s.log.Warn("marshaling broadcast", zap.String("name", string(name)), zap.Error(err))
		return
	}
	s.transport.Broadcast(env, excluding...)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.signalLocked()
	onState := s.onState
	s.mu.Unlock()

	s.log.Debug("game state", zap.String("state", string(st)))
	if onState != nil {
		onState(st)
	}
}

func (s *Session) setPlayerState(player string, st PlayerState) {
	s.mu.Lock()
	s.players[player] = st
	s.signalLocked()
	s.mu.Unlock()
}

// advancePlayerState records a remote participant's setup progress.
// Announcements repeat until acknowledged, so a ready player never
// regresses to initializing.
func (s *Session) advancePlayerState(player string, st PlayerState) {
	s.mu.Lock()
	cur, known := s.players[player]
	if !known {
		s.mu.Unlock()
		s.log.Warn("state update for unknown player", zap.String("player", player))
		return
	}
	if cur == PlayerReady && st == PlayerInitializing {
		s.mu.Unlock()
		return
	}
	s.players[player] = st
	s.signalLocked()
	s.mu.Unlock()
}

// everyPlayer reports whether all participants have reached at least the
// given setup stage. Ready counts as initialized.
func (s *Session) everyPlayer(st PlayerState) bool {
	for _, ps := range s.players {
		if ps == st {
			continue
		}
		if st == PlayerInitializing && ps == PlayerReady {
			continue
		}
		return false
	}
	return true
}

func (s *Session) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// waitUntil blocks until pred holds or ctx expires. pred is evaluated
// under the session lock.
func (s *Session) waitUntil(ctx context.Context, pred func() bool) error {
	for {
		s.mu.Lock()
		if pred() {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
