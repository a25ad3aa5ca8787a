// Package lobby joins the local player to the rendezvous lobby and
// mirrors the set of advertised rooms.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridlink/internal/peer"
	"gridlink/internal/room"
	"gridlink/internal/signaling"
	"gridlink/pkg/protocol"
)

// ErrNotConnected reports a lobby operation before Connect succeeded.
var ErrNotConnected = errors.New("lobby: not connected")

// State is the lobby lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// replyTimeout bounds every correlated lobby request.
const replyTimeout = 5 * time.Second

// Controller connects the local player to the lobby. It owns the local
// room-summary mirror: ordered by arrival, deduplicated by id, insertions
// ignored when the id is already present.
type Controller struct {
	log     *zap.Logger
	ch      *signaling.Channel
	reg     *peer.Registry
	peerCfg peer.Config

	mu      sync.Mutex
	state   State
	player  protocol.Player
	rooms   []protocol.Room
	cancels []func()
}

// New creates a disconnected lobby controller on top of the signaling
// channel.
func New(ch *signaling.Channel, reg *peer.Registry, peerCfg peer.Config, log *zap.Logger) *Controller {
	return &Controller{
		log:     log,
		ch:      ch,
		reg:     reg,
		peerCfg: peerCfg,
	}
}

// State returns the lobby lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Player returns the local player record. The id is empty until Connect
// succeeds.
func (c *Controller) Player() protocol.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player
}

// Rooms returns a snapshot of the mirrored room summaries.
func (c *Controller) Rooms() []protocol.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Room(nil), c.rooms...)
}

// Connect opens the signaling channel, announces the local player (the
// reply carries the server-assigned id), and seeds the room mirror.
func (c *Controller) Connect(ctx context.Context, playerName string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return signaling.ErrInvalidState
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.ch.Connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	cancels := []func(){
		c.ch.Subscribe(protocol.LobbyRoomCreated, c.handleRoomCreated),
		c.ch.Subscribe(protocol.LobbyRoomDeleted, c.handleRoomDeleted),
		c.ch.Subscribe(protocol.LobbyPlayerConnected, c.handlePlayerConnected),
		c.ch.Subscribe(protocol.LobbyPlayerDisconnected, c.handlePlayerDisconnected),
		c.ch.Subscribe(protocol.ServerError, c.handleServerError),
	}
	c.mu.Lock()
	c.cancels = cancels
	c.mu.Unlock()

	raw, err := c.ch.SendWithReply(ctx, protocol.JoinLobby,
		protocol.JoinLobbyRequest{Name: playerName},
		protocol.JoinLobby.Reply(), replyTimeout)
	if err != nil {
		c.disconnect()
		return fmt.Errorf("joining lobby: %w", err)
	}

	var player protocol.Player
	if err := json.Unmarshal(raw, &player); err != nil {
		c.disconnect()
		return fmt.Errorf("parsing lobby join reply: %w", err)
	}

	c.mu.Lock()
	c.player = player
	c.state = StateConnected
	c.mu.Unlock()
	c.log.Info("joined lobby", zap.String("player", player.ID), zap.String("name", player.Name))

	if _, err := c.List(ctx); err != nil {
		c.log.Warn("listing rooms", zap.Error(err))
	}
	return nil
}

// List refreshes the room mirror from the server and returns it.
func (c *Controller) List(ctx context.Context) ([]protocol.Room, error) {
	raw, err := c.ch.SendWithReply(ctx, protocol.ListGames, nil,
		protocol.ListGames.Reply(), replyTimeout)
	if err != nil {
		return nil, fmt.Errorf("listing games: %w", err)
	}
	var reply protocol.ListGamesReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("parsing game list: %w", err)
	}

	c.mu.Lock()
	c.rooms = append(c.rooms[:0], reply.Games...)
	rooms := append([]protocol.Room(nil), c.rooms...)
	c.mu.Unlock()
	return rooms, nil
}

// Players lists everyone currently in the lobby.
func (c *Controller) Players(ctx context.Context) ([]protocol.Player, error) {
	raw, err := c.ch.SendWithReply(ctx, protocol.ListPlayers, nil,
		protocol.ListPlayers.Reply(), replyTimeout)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	var reply protocol.ListPlayersReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("parsing player list: %w", err)
	}
	return reply.Players, nil
}

// Host creates a room on the server and returns its controller once the
// reply confirms membership.
func (c *Controller) Host(ctx context.Context, name string, options protocol.GameOptions) (*room.Controller, error) {
	local, err := c.requireConnected()
	if err != nil {
		return nil, err
	}

	raw, err := c.ch.SendWithReply(ctx, protocol.HostGame,
		protocol.HostGameRequest{Name: name, Options: options},
		protocol.HostGame.Reply(), replyTimeout)
	if err != nil {
		return nil, fmt.Errorf("hosting game: %w", err)
	}

	var record protocol.Room
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("parsing host reply: %w", err)
	}

	return room.New(c.ch, c.reg, c.peerCfg, record, rosterEntry(record, local), c.log), nil
}

// Join enters an advertised room and returns its controller once the
// reply confirms membership.
func (c *Controller) Join(ctx context.Context, rm protocol.Room) (*room.Controller, error) {
	local, err := c.requireConnected()
	if err != nil {
		return nil, err
	}

	raw, err := c.ch.SendWithReply(ctx, protocol.JoinGame,
		protocol.JoinGameRequest{ID: rm.ID},
		protocol.JoinGame.Reply(), replyTimeout)
	if err != nil {
		return nil, fmt.Errorf("joining game: %w", err)
	}

	var record protocol.Room
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("parsing join reply: %w", err)
	}

	return room.New(c.ch, c.reg, c.peerCfg, record, rosterEntry(record, local), c.log), nil
}

// rosterEntry pulls the local player's entry out of the server's room
// reply. The server's roster carries the authoritative host and ready
// flags for the room being entered; the lobby snapshot does not.
func rosterEntry(record protocol.Room, local protocol.Player) protocol.Player {
	for _, p := range record.Players {
		if p.ID == local.ID {
			return p
		}
	}
	return local
}

// Delete asks the server to remove a room the local player owns.
func (c *Controller) Delete(roomID string) {
	c.ch.Send(protocol.DeleteGame, protocol.DeleteGameRequest{ID: roomID})
}

// Leave announces departure and disconnects from the server.
func (c *Controller) Leave() {
	c.ch.Send(protocol.LeaveLobby, nil)
	c.disconnect()
}

func (c *Controller) requireConnected() (protocol.Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return protocol.Player{}, ErrNotConnected
	}
	return c.player, nil
}

func (c *Controller) disconnect() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.player = protocol.Player{}
	c.rooms = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.ch.Disconnect()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) handleRoomCreated(data json.RawMessage) {
	var rm protocol.Room
	if err := json.Unmarshal(data, &rm); err != nil {
		c.log.Warn("discarding room-created event", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.rooms {
		if existing.ID == rm.ID {
			return
		}
	}
	c.rooms = append(c.rooms, rm)
	c.log.Debug("room created", zap.String("room", rm.ID), zap.String("name", rm.Name))
}

func (c *Controller) handleRoomDeleted(data json.RawMessage) {
	var rm protocol.Room
	if err := json.Unmarshal(data, &rm); err != nil {
		c.log.Warn("discarding room-deleted event", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.rooms {
		if existing.ID == rm.ID {
			c.rooms = append(c.rooms[:i], c.rooms[i+1:]...)
			break
		}
	}
	c.log.Debug("room deleted", zap.String("room", rm.ID))
}

func (c *Controller) handlePlayerConnected(data json.RawMessage) {
	var p protocol.Player
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.log.Debug("player connected to lobby", zap.String("player", p.ID), zap.String("name", p.Name))
}

func (c *Controller) handlePlayerDisconnected(data json.RawMessage) {
	var p protocol.Player
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.log.Debug("player disconnected from lobby", zap.String("player", p.ID))
}

func (c *Controller) handleServerError(data json.RawMessage) {
	var push protocol.ServerErrorPush
	if err := json.Unmarshal(data, &push); err != nil {
		return
	}
	c.log.Error("server error", zap.String("error", push.Error))
}
