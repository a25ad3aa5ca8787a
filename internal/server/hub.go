// Package server is the rendezvous service the clients signal through:
// lobby membership, room lifecycle, ready/start gating, and relay of the
// WebRTC offer/answer exchange between a room's host and its joiners.
package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridlink/pkg/protocol"
)

const (
	defaultMaxPlayers = 2
	defaultMinPlayers = 2

	// outboxSize buffers per-connection pushes; a client that cannot
	// drain this many messages is dropped.
	outboxSize = 16
)

type hubMsg interface{ isHubMsg() }

// inbound carries one parsed envelope from a connection's read loop.
type inbound struct {
	c   *client
	env protocol.Envelope
}

// connClosed reports that a connection's read loop has exited.
type connClosed struct {
	c *client
}

type shutdown struct{}

func (inbound) isHubMsg()    {}
func (connClosed) isHubMsg() {}
func (shutdown) isHubMsg()   {}

// client is the hub's view of one websocket connection. All fields are
// owned by the hub loop; the connection handler only reads the outbox.
type client struct {
	id     string
	name   string
	ready  bool
	host   bool
	roomID string
	out    chan protocol.Envelope
	closed bool
}

type roomState struct {
	id      string
	name    string
	state   protocol.RoomState
	options protocol.GameOptions
	players []*client
}

// Hub owns all lobby and room state behind a single message loop. The
// loop is the only goroutine that touches players, rooms, or client
// outboxes, so no locking is needed anywhere in this package.
type Hub struct {
	log     *zap.Logger
	inbox   chan hubMsg
	players map[string]*client
	rooms   map[string]*roomState
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHub starts the hub loop.
func NewHub(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		log:     log,
		inbox:   make(chan hubMsg, 64),
		players: make(map[string]*client),
		rooms:   make(map[string]*roomState),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

// Shutdown stops the loop and drops every connection.
func (h *Hub) Shutdown() {
	select {
	case h.inbox <- shutdown{}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case inbound:
				h.handle(msg.c, msg.env)

			case connClosed:
				h.dropClient(msg.c)

			case shutdown:
				for _, c := range h.players {
					h.closeOutbox(c)
				}
				clear(h.players)
				clear(h.rooms)
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) handle(c *client, env protocol.Envelope) {
	switch env.Name {
	case protocol.JoinLobby:
		h.handleJoinLobby(c, env)
	case protocol.LeaveLobby:
		h.dropClient(c)
	case protocol.ListGames:
		h.reply(c, env, protocol.ListGamesReply{Games: h.roomRecords()})
	case protocol.ListPlayers:
		h.reply(c, env, protocol.ListPlayersReply{Players: h.playerRecords()})
	case protocol.HostGame:
		h.handleHostGame(c, env)
	case protocol.JoinGame:
		h.handleJoinGame(c, env)
	case protocol.DeleteGame:
		h.handleDeleteGame(c, env)
	case protocol.ChangeReadyState:
		h.handleReadyChange(c, env)
	case protocol.StartGame:
		h.handleStartGame(c, env)
	case protocol.LeaveRoom:
		h.removeFromRoom(c)
	case protocol.ConnectToPeer:
		h.handleConnectToPeer(c, env)
	case protocol.ConnectToHost:
		h.handleConnectToHost(c, env)
	default:
		h.sendError(c, fmt.Sprintf("unsupported message %q", env.Name))
	}
}

func (h *Hub) handleJoinLobby(c *client, env protocol.Envelope) {
	var req protocol.JoinLobbyRequest
	if err := env.Decode(&req); err != nil || req.Name == "" {
		h.sendError(c, "invalid join request")
		return
	}
	if c.id != "" {
		h.sendError(c, "already in lobby")
		return
	}

	c.id = uuid.NewString()
	c.name = req.Name
	h.players[c.id] = c
	h.log.Info("player joined lobby", zap.String("player", c.id), zap.String("name", c.name))

	h.reply(c, env, playerRecord(c))
	for _, other := range h.players {
		if other != c {
			h.push(other, protocol.LobbyPlayerConnected, playerRecord(c))
		}
	}
}

func (h *Hub) handleHostGame(c *client, env protocol.Envelope) {
	if !h.requireLobby(c) {
		return
	}
	var req protocol.HostGameRequest
	if err := env.Decode(&req); err != nil || req.Name == "" {
		h.sendError(c, "invalid host request")
		return
	}
	if c.roomID != "" {
		h.sendError(c, "already in a room")
		return
	}

	options := req.Options
	if options.MaxPlayers <= 0 {
		options.MaxPlayers = defaultMaxPlayers
	}
	if options.MinPlayers <= 0 {
		options.MinPlayers = defaultMinPlayers
	}

	room := &roomState{
		id:      uuid.NewString(),
		name:    req.Name,
		state:   protocol.RoomOpen,
		options: options,
		players: []*client{c},
	}
	c.host = true
	c.ready = false
	c.roomID = room.id
	h.rooms[room.id] = room
	h.log.Info("room created", zap.String("room", room.id), zap.String("name", room.name))

	h.reply(c, env, roomRecord(room))
	for _, other := range h.players {
		if other != c {
			h.push(other, protocol.LobbyRoomCreated, roomRecord(room))
		}
	}
}

func (h *Hub) handleJoinGame(c *client, env protocol.Envelope) {
	if !h.requireLobby(c) {
		return
	}
	var req protocol.JoinGameRequest
	if err := env.Decode(&req); err != nil {
		h.sendError(c, "invalid join request")
		return
	}
	room := h.rooms[req.ID]
	if room == nil {
		h.sendError(c, "room not found")
		return
	}
	if room.state != protocol.RoomOpen {
		h.sendError(c, fmt.Sprintf("room is %s", room.state))
		return
	}
	if len(room.players) >= room.options.MaxPlayers {
		h.sendError(c, "room is full")
		return
	}
	if c.roomID != "" {
		h.sendError(c, "already in a room")
		return
	}

	c.host = false
	c.ready = false
	c.roomID = room.id
	room.players = append(room.players, c)
	if len(room.players) == room.options.MaxPlayers {
		room.state = protocol.RoomFull
	}
	h.log.Info("player joined room", zap.String("room", room.id), zap.String("player", c.id))

	h.reply(c, env, roomRecord(room))
	for _, member := range room.players {
		if member != c {
			h.push(member, protocol.RoomPlayerConnected, playerRecord(c))
		}
	}
}

func (h *Hub) handleDeleteGame(c *client, env protocol.Envelope) {
	var req protocol.DeleteGameRequest
	if err := env.Decode(&req); err != nil {
		h.sendError(c, "invalid delete request")
		return
	}
	room := h.rooms[req.ID]
	if room == nil {
		h.sendError(c, "room not found")
		return
	}
	if len(room.players) == 0 || room.players[0] != c {
		h.sendError(c, "only the host can delete a room")
		return
	}
	h.closeRoom(room)
}

func (h *Hub) handleReadyChange(c *client, env protocol.Envelope) {
	var req protocol.ReadyChangeRequest
	if err := env.Decode(&req); err != nil {
		h.sendError(c, "invalid ready request")
		return
	}
	room := h.rooms[c.roomID]
	if room == nil {
		h.sendError(c, "not in a room")
		return
	}

	c.ready = req.Ready
	// The echo goes to every member including the sender; clients mutate
	// their mirror only on this echo.
	for _, member := range room.players {
		h.push(member, protocol.RoomPlayerReadyChange, protocol.ReadyChangePush{ID: c.id, Ready: c.ready})
	}
}

func (h *Hub) handleStartGame(c *client, env protocol.Envelope) {
	room := h.rooms[c.roomID]
	if room == nil {
		h.sendError(c, "not in a room")
		return
	}
	if !c.host {
		h.sendError(c, "only the host can start the game")
		return
	}
	if len(room.players) < room.options.MinPlayers {
		h.sendError(c, "not enough players")
		return
	}
	for _, member := range room.players {
		if !member.ready {
			h.sendError(c, "not all players are ready")
			return
		}
	}

	room.state = protocol.RoomComplete
	gameID := uuid.NewString()
	h.log.Info("game started", zap.String("room", room.id), zap.String("game", gameID))
	for _, member := range room.players {
		h.push(member, protocol.RoomStartGame, protocol.StartGamePush{Room: room.id, Game: gameID})
	}
}

// handleConnectToPeer relays a host's offer to the addressed joiner.
func (h *Hub) handleConnectToPeer(c *client, env protocol.Envelope) {
	var req protocol.ConnectToPeerRequest
	if err := env.Decode(&req); err != nil {
		h.sendError(c, "invalid offer relay")
		return
	}
	target := h.players[req.Peer]
	if target == nil || target.roomID != c.roomID {
		h.sendError(c, "peer not in room")
		return
	}
	h.push(target, protocol.RoomHostOffer, protocol.HostOfferPush{
		ID:                 c.id,
		SessionDescription: req.Offer,
		Candidates:         req.Candidates,
	})
}

// handleConnectToHost relays a joiner's answer back to the room host.
func (h *Hub) handleConnectToHost(c *client, env protocol.Envelope) {
	var req protocol.ConnectToHostRequest
	if err := env.Decode(&req); err != nil {
		h.sendError(c, "invalid answer relay")
		return
	}
	room := h.rooms[c.roomID]
	if room == nil || len(room.players) == 0 {
		h.sendError(c, "not in a room")
		return
	}
	host := room.players[0]
	h.push(host, protocol.RoomAnswer, protocol.AnswerPush{
		ID:                 c.id,
		SessionDescription: req.Answer,
	})
}

// removeFromRoom detaches a client from its room. A departing host closes
// the whole room.
func (h *Hub) removeFromRoom(c *client) {
	room := h.rooms[c.roomID]
	c.roomID = ""
	host := c.host
	c.ready = false
	c.host = false
	if room == nil {
		return
	}

	if host {
		h.closeRoom(room)
		return
	}

	for i, member := range room.players {
		if member == c {
			room.players = append(room.players[:i], room.players[i+1:]...)
			break
		}
	}
	if room.state == protocol.RoomFull {
		room.state = protocol.RoomOpen
	}
	for _, member := range room.players {
		h.push(member, protocol.RoomPlayerDisconnected, protocol.Player{ID: c.id, Name: c.name})
	}
}

// closeRoom tears a room down and tells the lobby it is gone.
func (h *Hub) closeRoom(room *roomState) {
	room.state = protocol.RoomClosedSt
	delete(h.rooms, room.id)
	h.log.Info("room closed", zap.String("room", room.id))

	for _, member := range room.players {
		member.roomID = ""
		member.ready = false
		member.host = false
		h.push(member, protocol.RoomClosed, nil)
	}
	record := roomRecord(room)
	for _, p := range h.players {
		h.push(p, protocol.LobbyRoomDeleted, record)
	}
}

func (h *Hub) dropClient(c *client) {
	h.removeFromRoom(c)
	if c.id != "" {
		delete(h.players, c.id)
		for _, other := range h.players {
			h.push(other, protocol.LobbyPlayerDisconnected, protocol.Player{ID: c.id, Name: c.name})
		}
		h.log.Info("player left lobby", zap.String("player", c.id))
	}
	h.closeOutbox(c)
}

func (h *Hub) requireLobby(c *client) bool {
	if c.id == "" {
		h.sendError(c, "join the lobby first")
		return false
	}
	return true
}

func (h *Hub) reply(c *client, req protocol.Envelope, payload any) {
	env, err := protocol.NewEnvelope(req.Name.Reply(), req.RID, payload)
	if err != nil {
		h.log.Error("marshaling reply", zap.String("name", string(req.Name)), zap.Error(err))
		return
	}
	h.deliver(c, env)
}

func (h *Hub) push(c *client, name protocol.MessageName, payload any) {
	env, err := protocol.NewEnvelope(name, "", payload)
	if err != nil {
		h.log.Error("marshaling push", zap.String("name", string(name)), zap.Error(err))
		return
	}
	h.deliver(c, env)
}

func (h *Hub) sendError(c *client, msg string) {
	h.push(c, protocol.ServerError, protocol.ServerErrorPush{Error: msg})
}

// deliver is non-blocking: a client whose outbox is full has its outbox
// closed, which ends its connection; full cleanup happens when the
// handler reports connClosed.
func (h *Hub) deliver(c *client, env protocol.Envelope) {
	if c.closed {
		return
	}
	select {
	case c.out <- env:
	default:
		h.log.Warn("dropping slow client", zap.String("player", c.id))
		h.closeOutbox(c)
	}
}

func (h *Hub) closeOutbox(c *client) {
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (h *Hub) roomRecords() []protocol.Room {
	records := make([]protocol.Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		records = append(records, roomRecord(room))
	}
	return records
}

func (h *Hub) playerRecords() []protocol.Player {
	records := make([]protocol.Player, 0, len(h.players))
	for _, c := range h.players {
		records = append(records, playerRecord(c))
	}
	return records
}

func playerRecord(c *client) protocol.Player {
	return protocol.Player{ID: c.id, Name: c.name, Ready: c.ready, Host: c.host}
}

func roomRecord(room *roomState) protocol.Room {
	players := make([]protocol.Player, 0, len(room.players))
	for _, member := range room.players {
		players = append(players, playerRecord(member))
	}
	return protocol.Room{
		ID:      room.id,
		Name:    room.name,
		State:   room.state,
		Options: room.options,
		Players: players,
	}
}
