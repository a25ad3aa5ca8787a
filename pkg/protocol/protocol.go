// Package protocol defines the wire vocabulary shared by the signaling
// client, the rendezvous server, and the peer data channels.
//
// Two envelopes exist. Signaling traffic (client <-> rendezvous server)
// is JSON `{name, rid?, data}` over a persistent websocket. Peer traffic
// (participant <-> participant) is JSON `{name, body}` over a negotiated
// data channel. Message names are typed constants so every dispatch site
// can switch exhaustively instead of keying on free-form strings.
package protocol

import "encoding/json"

// MessageName identifies a signaling message.
type MessageName string

// Client -> Server
const (
	JoinLobby        MessageName = "player-join-lobby"
	LeaveLobby       MessageName = "player-leave-lobby"
	ListPlayers      MessageName = "player-list-players"
	ListGames        MessageName = "player-list-games"
	HostGame         MessageName = "player-host-game"
	JoinGame         MessageName = "player-join-game"
	DeleteGame       MessageName = "player-delete-game"
	ChangeReadyState MessageName = "player-change-ready-state"
	StartGame        MessageName = "player-start-game"
	LeaveRoom        MessageName = "player-leave-room"
	ConnectToPeer    MessageName = "player-connect-to-peer"
	ConnectToHost    MessageName = "player-connect-to-host"
)

// Server -> Client, unsolicited pushes.
const (
	LobbyPlayerConnected    MessageName = "lobby-player-connected"
	LobbyPlayerDisconnected MessageName = "lobby-player-disconnected"
	LobbyRoomCreated        MessageName = "lobby-room-created"
	LobbyRoomDeleted        MessageName = "lobby-room-deleted"
	RoomPlayerConnected     MessageName = "room-player-connected"
	RoomPlayerDisconnected  MessageName = "room-player-disconnected"
	RoomPlayerReadyChange   MessageName = "room-player-ready-change"
	RoomStartGame           MessageName = "room-start-game"
	RoomClosed              MessageName = "room-closed"
	RoomHostOffer           MessageName = "room-player-rtc-host-offer"
	RoomAnswer              MessageName = "room-player-rtc-answer"
	ServerError             MessageName = "server-error"
)

// Reply returns the correlated reply name for a request, e.g.
// "player-join-lobby" -> "player-join-lobby-reply".
func (m MessageName) Reply() MessageName { return m + "-reply" }

// Envelope is the signaling wire frame. RID is a request id attached by
// SendWithReply and echoed back by the server on the correlated reply;
// servers that do not echo it are still usable because replies fall back
// to name matching.
type Envelope struct {
	Name MessageName     `json:"name"`
	RID  string          `json:"rid,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a signaling envelope. A nil payload
// produces an envelope with no data.
func NewEnvelope(name MessageName, rid string, payload any) (Envelope, error) {
	env := Envelope{Name: name, RID: rid}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// PeerMessageName identifies a data-channel message.
type PeerMessageName string

const (
	GameUpdate        PeerMessageName = "game-update"
	GameStateUpdate   PeerMessageName = "game-state-update"
	PlayerStateUpdate PeerMessageName = "player-state-update"
	PlayerInput       PeerMessageName = "player-input"
	PlayerChat        PeerMessageName = "player-chat"
)

// PeerEnvelope is the data-channel wire frame.
type PeerEnvelope struct {
	Name PeerMessageName `json:"name"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewPeerEnvelope marshals body into a peer envelope.
func NewPeerEnvelope(name PeerMessageName, body any) (PeerEnvelope, error) {
	env := PeerEnvelope{Name: name}
	if body == nil {
		return env, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return PeerEnvelope{}, err
	}
	env.Body = data
	return env, nil
}

// Decode unmarshals the envelope body into v.
func (e PeerEnvelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return nil
	}
	return json.Unmarshal(e.Body, v)
}
