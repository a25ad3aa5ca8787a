package tictactoe

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustMove(t *testing.T, g *Game, player string, pos int) {
	t.Helper()
	if err := g.ApplyMove(player, moveJSON(pos)); err != nil {
		t.Fatalf("move %d by %s: %v", pos, player, err)
	}
}

func moveJSON(pos int) json.RawMessage {
	b, _ := json.Marshal(Move{Position: pos})
	return b
}

func TestNew_RejectsBadRosters(t *testing.T) {
	cases := []struct {
		name  string
		host  string
		guest string
	}{
		{name: "empty host", host: "", guest: "g"},
		{name: "empty guest", host: "h", guest: ""},
		{name: "same player twice", host: "h", guest: "h"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.host, tc.guest); !errors.Is(err, ErrPlayerCount) {
				t.Fatalf("want ErrPlayerCount, got %v", err)
			}
		})
	}
}

func TestHostMovesFirstAsO(t *testing.T) {
	g, err := New("h", "g")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if g.Turn() != TokenO {
		t.Fatalf("want opening turn O, got %q", g.Turn())
	}

	mustMove(t, g, "h", 4)
	if g.Spaces()[4] != TokenO {
		t.Fatalf("host move should place O, board: %v", g.Spaces())
	}
	if g.Turn() != TokenX {
		t.Fatalf("turn should pass to X, got %q", g.Turn())
	}
}

func TestApplyMove_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(g *Game)
		player  string
		pos     int
		wantErr error
	}{
		{
			name:    "guest cannot open",
			setup:   func(*Game) {},
			player:  "g",
			pos:     0,
			wantErr: ErrWrongTurn,
		},
		{
			name:    "host cannot move twice",
			setup:   func(g *Game) { mustMove(t, g, "h", 0) },
			player:  "h",
			pos:     1,
			wantErr: ErrWrongTurn,
		},
		{
			name:    "occupied cell",
			setup:   func(g *Game) { mustMove(t, g, "h", 0) },
			player:  "g",
			pos:     0,
			wantErr: ErrOccupied,
		},
		{
			name:    "position below range",
			setup:   func(*Game) {},
			player:  "h",
			pos:     -1,
			wantErr: ErrOutOfRange,
		},
		{
			name:    "position above range",
			setup:   func(*Game) {},
			player:  "h",
			pos:     9,
			wantErr: ErrOutOfRange,
		},
		{
			name:    "unknown player",
			setup:   func(*Game) {},
			player:  "intruder",
			pos:     0,
			wantErr: ErrUnknownPlayer,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, err := New("h", "g")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			tc.setup(g)

			before := g.Spaces()
			if err := g.ApplyMove(tc.player, moveJSON(tc.pos)); !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
			if g.Spaces() != before {
				t.Fatalf("rejected move mutated the board")
			}
		})
	}
}

func TestValidateMove_DoesNotMutate(t *testing.T) {
	g, err := New("h", "g")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := g.ValidateMove("h", moveJSON(4)); err != nil {
		t.Fatalf("legal move rejected: %v", err)
	}
	if g.Spaces() != [9]Token{} {
		t.Fatalf("ValidateMove mutated the board")
	}
	if g.Turn() != TokenO {
		t.Fatalf("ValidateMove advanced the turn")
	}
}

func TestWinDetection(t *testing.T) {
	// O takes the top row, X scatters.
	g, err := New("h", "g")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, m := range []struct {
		player string
		pos    int
	}{
		{"h", 0}, {"g", 3}, {"h", 1}, {"g", 4}, {"h", 2},
	} {
		mustMove(t, g, m.player, m.pos)
	}

	if !g.IsTerminal() {
		t.Fatalf("completed row should be terminal")
	}
	if g.Winner() != TokenO {
		t.Fatalf("want winner O, got %q", g.Winner())
	}
	if err := g.ApplyMove("g", moveJSON(5)); !errors.Is(err, ErrGameOver) {
		t.Fatalf("moves after a win should fail with ErrGameOver, got %v", err)
	}
}

func TestDrawIsTerminalWithoutWinner(t *testing.T) {
	g, err := New("h", "g")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// O X O / O X X / X O O: full board, no line.
	seq := []struct {
		player string
		pos    int
	}{
		{"h", 0}, {"g", 1}, {"h", 2}, {"g", 4},
		{"h", 3}, {"g", 5}, {"h", 7}, {"g", 6}, {"h", 8},
	}
	for _, m := range seq {
		mustMove(t, g, m.player, m.pos)
	}

	if !g.IsTerminal() {
		t.Fatalf("full board should be terminal")
	}
	if g.Winner() != TokenNone {
		t.Fatalf("drawn board should have no winner, got %q", g.Winner())
	}
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	g, err := New("h", "g")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustMove(t, g, "h", 4)
	mustMove(t, g, "g", 0)

	data, err := g.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	replica, err := New("h", "g")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := replica.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if replica.Turn() != g.Turn() {
		t.Fatalf("turn mismatch after restore: %q vs %q", replica.Turn(), g.Turn())
	}
	if replica.Spaces() != g.Spaces() {
		t.Fatalf("board mismatch after restore: %v vs %v", replica.Spaces(), g.Spaces())
	}
}
