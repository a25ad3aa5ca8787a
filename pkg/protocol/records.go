package protocol

import "encoding/json"

// RoomState is the server-owned lifecycle of a room.
type RoomState string

const (
	RoomOpen     RoomState = "open"
	RoomFull     RoomState = "full"
	RoomClosedSt RoomState = "closed"
	RoomComplete RoomState = "complete"
)

// Player is the roster record mirrored by every client. The id is opaque
// and assigned by the server on lobby join.
type Player struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
	Host  bool   `json:"host"`
}

// GameOptions are the admission rules attached to a room.
type GameOptions struct {
	MaxPlayers int `json:"maxPlayers"`
	MinPlayers int `json:"minPlayers"`
}

// Room is the server-owned room record. Clients hold mirrors only.
type Room struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	State   RoomState   `json:"state"`
	Options GameOptions `json:"options"`
	Players []Player    `json:"players"`
}

// SessionDescription carries a negotiation blob. Only Type is inspected
// by the application layer; SDP passes through verbatim.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	SDPOffer  = "offer"
	SDPAnswer = "answer"
)

// ICE candidates are opaque to everything but the transport layer and are
// carried as raw JSON.

// Signaling payloads, client -> server.
type (
	JoinLobbyRequest struct {
		Name string `json:"name"`
	}

	HostGameRequest struct {
		Name    string      `json:"name"`
		Options GameOptions `json:"options"`
	}

	JoinGameRequest struct {
		ID string `json:"id"`
	}

	DeleteGameRequest struct {
		ID string `json:"id"`
	}

	ReadyChangeRequest struct {
		ID    string `json:"id"`
		Ready bool   `json:"ready"`
	}

	StartGameRequest struct {
		ID string `json:"id"`
	}

	// ConnectToPeerRequest carries the host's offer to a newly joined
	// player; the server relays it as a RoomHostOffer push.
	ConnectToPeerRequest struct {
		Peer       string             `json:"peer"`
		Offer      SessionDescription `json:"offer"`
		Candidates []json.RawMessage  `json:"candidates"`
	}

	// ConnectToHostRequest carries a joiner's answer back to the host;
	// the server relays it as a RoomAnswer push.
	ConnectToHostRequest struct {
		Answer SessionDescription `json:"answer"`
	}
)

// Signaling payloads, server -> client.
type (
	ListGamesReply struct {
		Games []Room `json:"games"`
	}

	ListPlayersReply struct {
		Players []Player `json:"players"`
	}

	// HostOfferPush is addressed to one joining player. ID is the peer id
	// of the offering host.
	HostOfferPush struct {
		ID                 string             `json:"id"`
		SessionDescription SessionDescription `json:"sessionDescription"`
		Candidates         []json.RawMessage  `json:"candidates"`
	}

	// AnswerPush is addressed to the host. ID is the peer id of the
	// answering player.
	AnswerPush struct {
		ID                 string             `json:"id"`
		SessionDescription SessionDescription `json:"sessionDescription"`
	}

	ReadyChangePush struct {
		ID    string `json:"id"`
		Ready bool   `json:"ready"`
	}

	StartGamePush struct {
		Room string `json:"room"`
		Game string `json:"game"`
	}

	ServerErrorPush struct {
		Error string `json:"error"`
	}
)

// Peer data-channel payloads.
type (
	PlayerStateBody struct {
		Player string `json:"player"`
		State  string `json:"state"`
	}

	PlayerInputBody struct {
		Player string          `json:"player"`
		Input  json.RawMessage `json:"input"`
	}

	PlayerChatBody struct {
		Player string `json:"player"`
		Text   string `json:"text"`
	}

	GameStateBody struct {
		State string `json:"state"`
	}
)
