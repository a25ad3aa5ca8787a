// Package client composes the full multiplayer stack for one process:
// one signaling channel, one peer link registry, the lobby and room
// controllers, and the game session of the currently started game. It is
// the explicit, constructed replacement for ambient global stores; every
// component receives its collaborators by reference.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridlink/internal/game"
	"gridlink/internal/game/tictactoe"
	"gridlink/internal/lobby"
	"gridlink/internal/peer"
	"gridlink/internal/room"
	"gridlink/internal/signaling"
	"gridlink/pkg/protocol"
)

// ErrRosterShape reports a started game whose roster the reference game
// module cannot play (it is strictly two-player).
var ErrRosterShape = errors.New("client: roster is not a two-player game")

// setupTimeout bounds the whole game setup handshake.
const setupTimeout = 30 * time.Second

// Client is the per-process container. One room and one game at a time.
type Client struct {
	log     *zap.Logger
	ch      *signaling.Channel
	reg     *peer.Registry
	lobby   *lobby.Controller
	peerCfg peer.Config

	mu          sync.Mutex
	room        *room.Controller
	session     *game.Session
	game        *tictactoe.Game
	onGameStart func(*game.Session)
}

// New builds a disconnected client for the given signaling server URL.
func New(serverURL string, peerCfg peer.Config, log *zap.Logger) *Client {
	ch := signaling.New(serverURL, log)
	reg := peer.NewRegistry(log)
	return &Client{
		log:     log,
		ch:      ch,
		reg:     reg,
		lobby:   lobby.New(ch, reg, peerCfg, log),
		peerCfg: peerCfg,
	}
}

// Lobby returns the lobby controller.
func (c *Client) Lobby() *lobby.Controller { return c.lobby }

// Registry returns the peer link registry.
func (c *Client) Registry() *peer.Registry { return c.reg }

// Channel returns the signaling channel.
func (c *Client) Channel() *signaling.Channel { return c.ch }

// OnGameStart installs the callback invoked with the session once a game
// has been started and its replication session constructed.
func (c *Client) OnGameStart(fn func(*game.Session)) {
	c.mu.Lock()
	c.onGameStart = fn
	c.mu.Unlock()
}

// Connect joins the lobby under the given display name.
func (c *Client) Connect(ctx context.Context, playerName string) error {
	return c.lobby.Connect(ctx, playerName)
}

// Host creates a room and tracks it as the current one.
func (c *Client) Host(ctx context.Context, name string, options protocol.GameOptions) (*room.Controller, error) {
	rc, err := c.lobby.Host(ctx, name, options)
	if err != nil {
		return nil, err
	}
	c.track(rc)
	return rc, nil
}

// Join enters an advertised room and tracks it as the current one.
func (c *Client) Join(ctx context.Context, rm protocol.Room) (*room.Controller, error) {
	rc, err := c.lobby.Join(ctx, rm)
	if err != nil {
		return nil, err
	}
	c.track(rc)
	return rc, nil
}

// Room returns the current room controller, or nil.
func (c *Client) Room() *room.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Session returns the current game session, or nil before a game starts.
func (c *Client) Session() *game.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Game returns the board of the current game, or nil before a game
// starts. Renderers read it; all mutation goes through Session.Submit.
func (c *Client) Game() *tictactoe.Game {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.game
}

// Close leaves whatever is active and disconnects.
func (c *Client) Close() {
	c.mu.Lock()
	rc := c.room
	c.room = nil
	c.session = nil
	c.game = nil
	c.mu.Unlock()

	if rc != nil {
		rc.Leave()
	}
	c.lobby.Leave()
	c.reg.Close()
}

func (c *Client) track(rc *room.Controller) {
	c.mu.Lock()
	c.room = rc
	c.mu.Unlock()

	rc.OnStart(func(roster []protocol.Player) { c.startGame(rc, roster) })
	rc.OnClosed(func() {
		c.mu.Lock()
		if c.room == rc {
			c.room = nil
			c.session = nil
			c.game = nil
		}
		c.mu.Unlock()
	})
}

// startGame builds the reference game module for the started roster and
// runs the setup handshake in the background.
func (c *Client) startGame(rc *room.Controller, roster []protocol.Player) {
	session, board, err := c.newSession(rc, roster)
	if err != nil {
		c.log.Error("starting game", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.session = session
	c.game = board
	onGameStart := c.onGameStart
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		if err := session.Run(ctx); err != nil {
			c.log.Error("game setup failed", zap.Error(err))
			return
		}
		if onGameStart != nil {
			onGameStart(session)
		}
	}()
}

func (c *Client) newSession(rc *room.Controller, roster []protocol.Player) (*game.Session, *tictactoe.Game, error) {
	var hostID, guestID string
	for _, p := range roster {
		if p.Host {
			hostID = p.ID
		} else if guestID == "" {
			guestID = p.ID
		} else {
			return nil, nil, ErrRosterShape
		}
	}
	board, err := tictactoe.New(hostID, guestID)
	if err != nil {
		return nil, nil, err
	}
	session, err := game.NewSession(board, c.reg, rc.Local().ID, roster, c.log)
	if err != nil {
		return nil, nil, err
	}
	return session, board, nil
}
