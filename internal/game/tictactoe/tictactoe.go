// Package tictactoe is the reference game module plugged into a
// GameSession: a 9-cell board, two tokens, strict turn alternation.
package tictactoe

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrWrongTurn     = errors.New("tictactoe: not this player's turn")
	ErrOutOfRange    = errors.New("tictactoe: position out of range")
	ErrOccupied      = errors.New("tictactoe: position already taken")
	ErrUnknownPlayer = errors.New("tictactoe: unknown player")
	ErrGameOver      = errors.New("tictactoe: game already finished")
	ErrPlayerCount   = errors.New("tictactoe: exactly two players required")
)

// Token marks a board cell. The empty string is a vacant cell.
type Token string

const (
	TokenNone Token = ""
	TokenO    Token = "O"
	TokenX    Token = "X"
)

// Move is the input payload a player submits.
type Move struct {
	Position int `json:"position"`
}

// wireState is the serialized form replicated to non-host participants.
type wireState struct {
	Turn   Token    `json:"turn"`
	Spaces [9]Token `json:"spaces"`
}

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Game holds one match. The token mapping is fixed at construction: the
// host plays O and moves first, the guest plays X. The mapping is
// per-player-id, so inputs carry no token of their own.
type Game struct {
	mu     sync.Mutex
	tokens map[string]Token
	turn   Token
	spaces [9]Token
}

// New creates a fresh board for a host and exactly one guest.
func New(hostID, guestID string) (*Game, error) {
	if hostID == "" || guestID == "" || hostID == guestID {
		return nil, ErrPlayerCount
	}
	return &Game{
		tokens: map[string]Token{hostID: TokenO, guestID: TokenX},
		turn:   TokenO,
	}, nil
}

// ValidateMove checks an input without mutating the board.
func (g *Game) ValidateMove(player string, input json.RawMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, _, err := g.check(player, input)
	return err
}

// ApplyMove validates, places the token, and toggles the turn.
func (g *Game) ApplyMove(player string, input json.RawMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	token, pos, err := g.check(player, input)
	if err != nil {
		return err
	}

	g.spaces[pos] = token
	if g.turn == TokenO {
		g.turn = TokenX
	} else {
		g.turn = TokenO
	}
	return nil
}

func (g *Game) check(player string, input json.RawMessage) (Token, int, error) {
	if g.terminal() {
		return TokenNone, 0, ErrGameOver
	}

	token, ok := g.tokens[player]
	if !ok {
		return TokenNone, 0, fmt.Errorf("%w: %q", ErrUnknownPlayer, player)
	}
	if token != g.turn {
		return TokenNone, 0, ErrWrongTurn
	}

	var move Move
	if err := json.Unmarshal(input, &move); err != nil {
		return TokenNone, 0, fmt.Errorf("parsing move: %w", err)
	}
	if move.Position < 0 || move.Position > 8 {
		return TokenNone, 0, fmt.Errorf("%w: %d", ErrOutOfRange, move.Position)
	}
	if g.spaces[move.Position] != TokenNone {
		return TokenNone, 0, fmt.Errorf("%w: %d", ErrOccupied, move.Position)
	}
	return token, move.Position, nil
}

// Serialize returns the full replicable state.
func (g *Game) Serialize() (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return json.Marshal(wireState{Turn: g.turn, Spaces: g.spaces})
}

// Restore replaces the local state with a received replica payload.
func (g *Game) Restore(data json.RawMessage) error {
	var ws wireState
	if err := json.Unmarshal(data, &ws); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}
	g.mu.Lock()
	g.turn = ws.Turn
	g.spaces = ws.Spaces
	g.mu.Unlock()
	return nil
}

// IsTerminal reports whether the match has a winner or a full board.
func (g *Game) IsTerminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminal()
}

// Winner returns the winning token, or TokenNone for an open or drawn
// board.
func (g *Game) Winner() Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.winner()
}

// Turn returns the token that moves next.
func (g *Game) Turn() Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turn
}

// Spaces returns a copy of the board.
func (g *Game) Spaces() [9]Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spaces
}

func (g *Game) terminal() bool {
	if g.winner() != TokenNone {
		return true
	}
	for _, s := range g.spaces {
		if s == TokenNone {
			return false
		}
	}
	return true
}

func (g *Game) winner() Token {
	for _, line := range winLines {
		a, b, c := g.spaces[line[0]], g.spaces[line[1]], g.spaces[line[2]]
		if a != TokenNone && a == b && b == c {
			return a
		}
	}
	return TokenNone
}
