// gridbot is a headless client for exercising a rendezvous server: it
// joins the lobby, hosts a room when none is advertised (joins the first
// one otherwise), readies up, and plays the first legal move whenever it
// is its turn.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"gridlink/internal/client"
	"gridlink/internal/config"
	"gridlink/internal/game"
	"gridlink/internal/game/tictactoe"
	"gridlink/internal/peer"
	"gridlink/pkg/protocol"
)

func main() {
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}
	name := cfg.PlayerName
	if name == "" {
		name = fmt.Sprintf("gridbot-%d", time.Now().UnixNano()%10000)
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	c := client.New(cfg.ServerURL, peer.Config{
		ICEServers:      iceServers,
		GatherTimeout:   cfg.GatherTimeout,
		IncludeLoopback: cfg.IncludeLoopback,
	}, log)
	defer c.Close()

	started := make(chan *game.Session, 1)
	c.OnGameStart(func(s *game.Session) { started <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Connect(ctx, name); err != nil {
		log.Fatal("joining lobby", zap.Error(err))
	}

	rooms, err := c.Lobby().List(ctx)
	if err != nil {
		log.Fatal("listing rooms", zap.Error(err))
	}

	if len(rooms) == 0 {
		rc, err := c.Host(ctx, name+"'s game", protocol.GameOptions{MaxPlayers: 2, MinPlayers: 2})
		if err != nil {
			log.Fatal("hosting room", zap.Error(err))
		}
		log.Info("hosting, waiting for an opponent", zap.String("room", rc.Room().ID))
		waitForOpponent(rc.Room().Options.MaxPlayers, c)
		rc.SetReady(true)
		waitAllReady(c)
		if err := rc.Start(); err != nil {
			log.Fatal("starting game", zap.Error(err))
		}
	} else {
		rc, err := c.Join(ctx, rooms[0])
		if err != nil {
			log.Fatal("joining room", zap.Error(err))
		}
		log.Info("joined room", zap.String("room", rc.Room().ID))
		rc.SetReady(true)
	}

	session := <-started
	log.Info("game on", zap.Bool("host", session.Host()))
	play(session, c, log)
}

func waitForOpponent(want int, c *client.Client) {
	for len(c.Room().Room().Players) < want {
		time.Sleep(200 * time.Millisecond)
	}
}

func waitAllReady(c *client.Client) {
	for {
		all := true
		for _, p := range c.Room().Room().Players {
			if !p.Ready {
				all = false
			}
		}
		if all {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// play drops the first legal move whenever it is our turn, until the
// session finishes.
func play(session *game.Session, c *client.Client, log *zap.Logger) {
	myToken := tictactoe.TokenX
	if session.Host() {
		myToken = tictactoe.TokenO
	}

	for session.State() != game.StateFinished {
		board := c.Game()
		if board == nil {
			return
		}
		if session.State() == game.StatePlaying && board.Turn() == myToken {
			for pos, cell := range board.Spaces() {
				if cell == tictactoe.TokenNone {
					input, _ := json.Marshal(tictactoe.Move{Position: pos})
					if err := session.Submit(input); err != nil {
						log.Warn("move rejected", zap.Int("position", pos), zap.Error(err))
					}
					break
				}
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	log.Info("game over", zap.String("winner", string(c.Game().Winner())))
}
