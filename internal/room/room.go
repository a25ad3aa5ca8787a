// Package room mirrors the server-owned room record for the locally
// joined room and drives the offer/answer handshake between the host and
// each newly joined player.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridlink/internal/peer"
	"gridlink/internal/signaling"
	"gridlink/pkg/protocol"
)

var (
	ErrNotHost  = errors.New("room: local player is not the host")
	ErrNotReady = errors.New("room: not enough ready players")
)

// negotiationTimeout bounds one complete offer or answer build, including
// ICE gathering.
const negotiationTimeout = 30 * time.Second

// dataChannelLabel names the single game data channel on every link.
const dataChannelLabel = "game"

// Controller owns the roster mirror of one joined room. Nothing outside
// this package mutates the mirrored record; server events are the only
// input. Peer links live in the registry; the controller holds peer ids
// only.
type Controller struct {
	log     *zap.Logger
	ch      *signaling.Channel
	reg     *peer.Registry
	peerCfg peer.Config

	mu      sync.Mutex
	room    protocol.Room
	local   protocol.Player
	cancels []func()
	closed  bool

	onStart  func(roster []protocol.Player)
	onClosed func()
}

// New mirrors the given room record and subscribes to its server events.
// The local player must already appear in the record's roster.
func New(ch *signaling.Channel, reg *peer.Registry, peerCfg peer.Config, record protocol.Room, local protocol.Player, log *zap.Logger) *Controller {
	c := &Controller{
		log:     log,
		ch:      ch,
		reg:     reg,
		peerCfg: peerCfg,
		room:    record,
		local:   local,
	}

	c.cancels = []func(){
		ch.Subscribe(protocol.RoomPlayerConnected, c.handlePlayerConnected),
		ch.Subscribe(protocol.RoomPlayerDisconnected, c.handlePlayerDisconnected),
		ch.Subscribe(protocol.RoomPlayerReadyChange, c.handleReadyChange),
		ch.Subscribe(protocol.RoomHostOffer, c.handleHostOffer),
		ch.Subscribe(protocol.RoomAnswer, c.handleAnswer),
		ch.Subscribe(protocol.RoomStartGame, c.handleStartGame),
		ch.Subscribe(protocol.RoomClosed, c.handleRoomClosed),
	}
	return c
}

// OnStart installs the game handoff callback, invoked with the roster
// when the server starts the game.
func (c *Controller) OnStart(fn func(roster []protocol.Player)) {
	c.mu.Lock()
	c.onStart = fn
	c.mu.Unlock()
}

// OnClosed installs the callback invoked when the room is closed by the
// server, after all peer links are torn down.
func (c *Controller) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// Room returns a snapshot of the mirrored record.
func (c *Controller) Room() protocol.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.room
	snap.Players = append([]protocol.Player(nil), c.room.Players...)
	return snap
}

// Local returns the local player's roster entry.
func (c *Controller) Local() protocol.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.room.Players {
		if p.ID == c.local.ID {
			return p
		}
	}
	return c.local
}

// SetReady requests a ready-state change. The mirror is not touched until
// the server echoes the change back, so local and remote rosters cannot
// diverge.
func (c *Controller) SetReady(ready bool) {
	c.ch.Send(protocol.ChangeReadyState, protocol.ReadyChangeRequest{ID: c.local.ID, Ready: ready})
}

// Start requests the game start. Host only, and gated on the roster
// having reached the minimum player count with everyone ready.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.local.Host {
		return ErrNotHost
	}
	if len(c.room.Players) < c.room.Options.MinPlayers {
		return ErrNotReady
	}
	for _, p := range c.room.Players {
		if !p.Ready {
			return ErrNotReady
		}
	}
	c.ch.Send(protocol.StartGame, protocol.StartGameRequest{ID: c.room.ID})
	return nil
}

// Leave notifies the server and tears the room down locally.
func (c *Controller) Leave() {
	c.ch.Send(protocol.LeaveRoom, nil)
	c.teardown()
}

func (c *Controller) handlePlayerConnected(data json.RawMessage) {
	var p protocol.Player
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn("discarding player-connected event", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for _, existing := range c.room.Players {
		if existing.ID == p.ID {
			c.mu.Unlock()
			c.log.Warn("duplicate player-connected event ignored", zap.String("player", p.ID))
			return
		}
	}
	c.room.Players = append(c.room.Players, p)
	isHost := c.local.Host
	c.mu.Unlock()

	c.log.Info("player joined room", zap.String("player", p.ID), zap.String("name", p.Name))

	if isHost {
		// Negotiation gathers candidates, which can take a while; never
		// block the signaling read loop on it.
		go c.offerTo(p.ID)
	}
}

// offerTo runs the offerer role toward a newly joined player and forwards
// the resulting description and candidates through the signaling channel.
func (c *Controller) offerTo(peerID string) {
	link, err := peer.NewLink(peerID, c.peerCfg, c.log)
	if err != nil {
		c.log.Error("creating peer link", zap.String("peer", peerID), zap.Error(err))
		return
	}
	c.reg.Add(link)

	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()

	offer, candidates, err := link.CreateOffer(ctx, dataChannelLabel)
	if err != nil {
		c.log.Error("building offer", zap.String("peer", peerID), zap.Error(err))
		c.reg.Remove(peerID)
		return
	}

	// The peer may have disconnected, or been replaced, while gathering.
	if c.reg.Find(peerID) != link {
		c.log.Debug("discarding stale offer", zap.String("peer", peerID))
		return
	}

	c.ch.Send(protocol.ConnectToPeer, protocol.ConnectToPeerRequest{
		Peer:       peerID,
		Offer:      offer,
		Candidates: candidates,
	})
}

// handleHostOffer is the joining side of the handshake: answer the host's
// offer and return the answer through the signaling channel.
func (c *Controller) handleHostOffer(data json.RawMessage) {
	var push protocol.HostOfferPush
	if err := json.Unmarshal(data, &push); err != nil {
		c.log.Warn("discarding host offer", zap.Error(err))
		return
	}

	go func() {
		link, err := peer.NewLink(push.ID, c.peerCfg, c.log)
		if err != nil {
			c.log.Error("creating peer link", zap.String("peer", push.ID), zap.Error(err))
			return
		}
		c.reg.Add(link)

		ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
		defer cancel()

		answer, err := link.CreateAnswer(ctx, push.SessionDescription, push.Candidates)
		if err != nil {
			c.log.Error("building answer", zap.String("peer", push.ID), zap.Error(err))
			c.reg.Remove(push.ID)
			return
		}
		if c.reg.Find(push.ID) != link {
			c.log.Debug("discarding stale answer", zap.String("peer", push.ID))
			return
		}

		c.ch.Send(protocol.ConnectToHost, protocol.ConnectToHostRequest{Answer: answer})
	}()
}

// handleAnswer completes the host's offering link with the returned
// answer.
func (c *Controller) handleAnswer(data json.RawMessage) {
	var push protocol.AnswerPush
	if err := json.Unmarshal(data, &push); err != nil {
		c.log.Warn("discarding answer", zap.Error(err))
		return
	}

	link := c.reg.Find(push.ID)
	if link == nil {
		c.log.Warn("answer from peer without a link", zap.String("peer", push.ID))
		return
	}
	if err := link.AcceptAnswer(push.SessionDescription); err != nil {
		c.log.Error("applying answer", zap.String("peer", push.ID), zap.Error(err))
		c.reg.Remove(push.ID)
	}
}

func (c *Controller) handlePlayerDisconnected(data json.RawMessage) {
	var p protocol.Player
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn("discarding player-disconnected event", zap.Error(err))
		return
	}

	c.mu.Lock()
	found := false
	for i, existing := range c.room.Players {
		if existing.ID == p.ID {
			c.room.Players = append(c.room.Players[:i], c.room.Players[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()

	if !found {
		c.log.Warn("disconnect for unknown player ignored", zap.String("player", p.ID))
		return
	}
	c.log.Info("player left room", zap.String("player", p.ID))
	c.reg.Remove(p.ID)
}

func (c *Controller) handleReadyChange(data json.RawMessage) {
	var push protocol.ReadyChangePush
	if err := json.Unmarshal(data, &push); err != nil {
		c.log.Warn("discarding ready-change event", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.room.Players {
		if c.room.Players[i].ID == push.ID {
			c.room.Players[i].Ready = push.Ready
			return
		}
	}
	// Out-of-order delivery can reference a player we no longer know;
	// keep the mirror resilient.
	c.log.Warn("ready change for unknown player ignored", zap.String("player", push.ID))
}

func (c *Controller) handleStartGame(data json.RawMessage) {
	c.mu.Lock()
	c.room.State = protocol.RoomComplete
	roster := append([]protocol.Player(nil), c.room.Players...)
	roomID := c.room.ID
	onStart := c.onStart
	c.mu.Unlock()

	c.log.Info("game starting", zap.String("room", roomID))
	if onStart != nil {
		onStart(roster)
	}
}

func (c *Controller) handleRoomClosed(json.RawMessage) {
	c.mu.Lock()
	c.room.State = protocol.RoomClosedSt
	roomID := c.room.ID
	onClosed := c.onClosed
	c.mu.Unlock()

	c.log.Info("room closed", zap.String("room", roomID))
	c.teardown()
	if onClosed != nil {
		onClosed()
	}
}

func (c *Controller) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.reg.Close()
}
