// Package signaling implements the client side of the rendezvous
// connection: a request/reply-capable message channel over one persistent
// websocket, with subscriptions for unsolicited server pushes.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridlink/pkg/protocol"
)

var (
	ErrConnect          = errors.New("signaling: connect failed")
	ErrTimeout          = errors.New("signaling: timed out waiting for reply")
	ErrConnectionClosed = errors.New("signaling: connection closed")
	ErrInvalidState     = errors.New("signaling: invalid connection state")
)

// State is the lifecycle of the signaling connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Handler receives the payload of an unsolicited server push.
type Handler func(data json.RawMessage)

// StateHandler observes connection state transitions.
type StateHandler func(State)

const (
	defaultDialTimeout = 10 * time.Second
	writeTimeout       = 3 * time.Second
)

type pendingReply struct {
	rid  string
	name protocol.MessageName
	ch   chan protocol.Envelope
}

// Channel owns one websocket connection to the rendezvous server.
//
// Replies to SendWithReply are correlated by a per-request id echoed by
// the server; replies arriving without an id fall back to matching on the
// reply name, first waiter wins. Unsolicited pushes fan out to every
// subscriber registered for the message name.
type Channel struct {
	url         string
	log         *zap.Logger
	dialTimeout time.Duration

	mu        sync.Mutex
	wmu       sync.Mutex
	notifyMu  sync.Mutex
	state     State
	conn      *websocket.Conn
	readDone  chan struct{}
	pending   []*pendingReply
	subs      map[protocol.MessageName]map[int]Handler
	stateSubs map[int]StateHandler
	nextSub   int
}

// New creates a disconnected channel for the given websocket URL.
func New(url string, log *zap.Logger) *Channel {
	return &Channel{
		url:         url,
		log:         log,
		dialTimeout: defaultDialTimeout,
		subs:        make(map[protocol.MessageName]map[int]Handler),
		stateSubs:   make(map[int]StateHandler),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the transport is open.
func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Connect opens the websocket. It is a no-op when already connected and
// fails with ErrInvalidState while a connect or disconnect is still in
// flight. Dial failures and timeouts surface as ErrConnect.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateDisconnecting:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
		return fmt.Errorf("%w: dialing %s: %v", ErrConnect, c.url, err)
	}

	readDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.readDone = readDone
	c.state = StateConnected
	c.mu.Unlock()
	c.notifyState(StateConnected)

	c.log.Debug("signaling connected", zap.String("url", c.url))
	go c.readLoop(conn, readDone)
	return nil
}

// Disconnect closes the transport. Outstanding SendWithReply waits fail
// with ErrConnectionClosed and state subscribers observe the transition
// to Disconnected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	conn := c.conn
	readDone := c.readDone
	c.mu.Unlock()
	c.notifyState(StateDisconnecting)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	<-readDone
}

// Send is fire-and-forget: when the channel is not connected the message
// is dropped with a logged warning, never an error. Callers must not
// assume delivery.
func (c *Channel) Send(name protocol.MessageName, payload any) {
	env, err := protocol.NewEnvelope(name, "", payload)
	if err != nil {
		c.log.Warn("dropping unmarshalable message", zap.String("name", string(name)), zap.Error(err))
		return
	}
	c.write(env)
}

// SendWithReply sends a request and waits for the correlated reply. The
// reply payload is returned raw; the caller decodes it. Fails with
// ErrTimeout when no reply arrives in time and with ErrConnectionClosed
// when the transport closes first. The reply waiter is always removed on
// every exit path.
func (c *Channel) SendWithReply(ctx context.Context, name protocol.MessageName, payload any, replyName protocol.MessageName, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p := &pendingReply{
		rid:  uuid.NewString(),
		name: replyName,
		ch:   make(chan protocol.Envelope, 1),
	}
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(name, p.rid, payload)
	if err != nil {
		c.removePending(p)
		return nil, err
	}
	if !c.write(env) {
		c.removePending(p)
		return nil, ErrConnectionClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-p.ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return reply.Data, nil
	case <-timer.C:
		c.removePending(p)
		// The reply may have been delivered between the timer firing and
		// the waiter being removed.
		select {
		case reply, ok := <-p.ch:
			if ok {
				return reply.Data, nil
			}
			return nil, ErrConnectionClosed
		default:
		}
		return nil, fmt.Errorf("%w: no %q within %s", ErrTimeout, replyName, timeout)
	case <-ctx.Done():
		c.removePending(p)
		return nil, ctx.Err()
	}
}

// Subscribe registers a handler for an unsolicited server push and
// returns its cancel func. Multiple handlers may share one name.
func (c *Channel) Subscribe(name protocol.MessageName, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	if c.subs[name] == nil {
		c.subs[name] = make(map[int]Handler)
	}
	c.subs[name][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[name], id)
	}
}

// SubscribeState registers an observer for connection state transitions
// and returns its cancel func.
func (c *Channel) SubscribeState(h StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}
}

func (c *Channel) write(env protocol.Envelope) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		c.log.Warn("dropping message, not connected", zap.String("name", string(env.Name)))
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		c.log.Warn("marshaling envelope", zap.String("name", string(env.Name)), zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.wmu.Lock()
	err = conn.Write(ctx, websocket.MessageText, data)
	c.wmu.Unlock()
	if err != nil {
		c.log.Warn("writing message", zap.String("name", string(env.Name)), zap.Error(err))
		return false
	}
	return true
}

func (c *Channel) readLoop(conn *websocket.Conn, readDone chan struct{}) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				c.log.Debug("signaling read failed", zap.Error(err))
			}
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("discarding unparsable message", zap.Error(err))
			continue
		}
		if env.Name == "" {
			c.log.Warn("discarding message without a name")
			continue
		}
		c.dispatch(env)
	}

	c.teardown(conn)
	close(readDone)
}

// dispatch delivers a reply to the first matching waiter, or fans a push
// out to its subscribers. One reply satisfies exactly one waiter.
func (c *Channel) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	for i, p := range c.pending {
		matched := false
		if env.RID != "" {
			matched = env.RID == p.rid
		} else {
			matched = env.Name == p.name
		}
		if matched {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.mu.Unlock()
			p.ch <- env
			return
		}
	}
	handlers := make([]Handler, 0, len(c.subs[env.Name]))
	for _, h := range c.subs[env.Name] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.log.Debug("no handler for message", zap.String("name", string(env.Name)))
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Channel) removePending(p *pendingReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// teardown runs when the read loop exits for any reason: transport error,
// remote close, or local Disconnect.
func (c *Channel) teardown(conn *websocket.Conn) {
	_ = conn.CloseNow()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	pend := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pend {
		close(p.ch)
	}
	c.notifyState(StateDisconnected)
	c.log.Debug("signaling disconnected")
}

// notifyState delivers a state transition to the observers.
// Notifications are serialized, and one that a later transition has
// already superseded is dropped, so the observed sequence never
// contradicts the connection's actual state.
func (c *Channel) notifyState(s State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state != s {
		c.mu.Unlock()
		return
	}
	handlers := make([]StateHandler, 0, len(c.stateSubs))
	for _, h := range c.stateSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}
