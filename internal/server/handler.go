package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"gridlink/pkg/protocol"
)

const connWriteTimeout = 3 * time.Second

// Handler upgrades one websocket connection and bridges it to the hub:
// a writer goroutine drains the client's outbox while the request
// goroutine reads envelopes and forwards them to the hub loop.
func Handler(h *Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := &client{out: make(chan protocol.Envelope, outboxSize)}
		defer func() {
			select {
			case h.inbox <- connClosed{c: c}:
			case <-h.ctx.Done():
			}
		}()

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for env := range c.out {
				payload, err := json.Marshal(env)
				if err != nil {
					log.Error("marshaling envelope", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, connWriteTimeout)
				err = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
			// Outbox closed by the hub: the client was dropped.
			conn.Close(websocket.StatusGoingAway, "dropped")
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("websocket read failed", zap.Error(err))
				}
				return
			}

			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Name == "" {
				bad, _ := protocol.NewEnvelope(protocol.ServerError, "", protocol.ServerErrorPush{Error: "bad message"})
				resp, _ := json.Marshal(bad)
				_ = conn.Write(r.Context(), websocket.MessageText, resp)
				continue
			}

			select {
			case h.inbox <- inbound{c: c, env: env}:
			case <-h.ctx.Done():
				return
			}
		}
	}
}
