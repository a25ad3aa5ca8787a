package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"gridlink/pkg/protocol"
)

// testConfig negotiates host candidates only, over loopback, so the full
// handshake works without any network or STUN access.
func testConfig() Config {
	return Config{
		GatherTimeout:   3 * time.Second,
		IncludeLoopback: true,
	}
}

// negotiatePair runs the complete vanilla handshake between two in-process
// links and waits for both to come up.
func negotiatePair(t *testing.T) (*Link, *Link) {
	t.Helper()
	log := zap.NewNop()

	offerer, err := NewLink("answerer", testConfig(), log)
	if err != nil {
		t.Fatalf("offerer link: %v", err)
	}
	t.Cleanup(offerer.Close)
	answerer, err := NewLink("offerer", testConfig(), log)
	if err != nil {
		t.Fatalf("answerer link: %v", err)
	}
	t.Cleanup(answerer.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, candidates, err := offerer.CreateOffer(ctx, "game")
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != protocol.SDPOffer {
		t.Fatalf("want offer description, got %q", offer.Type)
	}
	if len(candidates) == 0 {
		t.Fatalf("loopback gathering produced no candidates")
	}

	answer, err := answerer.CreateAnswer(ctx, offer, candidates)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if answer.Type != protocol.SDPAnswer {
		t.Fatalf("want answer description, got %q", answer.Type)
	}

	if err := offerer.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}

	waitStatus(t, offerer, StatusConnected)
	waitStatus(t, answerer, StatusConnected)
	return offerer, answerer
}

func waitStatus(t *testing.T, l *Link, want Status) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if l.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("link to %s never reached %v, stuck at %v", l.PeerID(), want, l.Status())
}

func TestLink_NegotiateAndExchangeMessages(t *testing.T) {
	offerer, answerer := negotiatePair(t)

	got := make(chan protocol.PeerEnvelope, 1)
	answerer.setOnMessage(func(peerID string, env protocol.PeerEnvelope) {
		got <- env
	})

	env, err := protocol.NewPeerEnvelope(protocol.PlayerChat, protocol.PlayerChatBody{Player: "p1", Text: "hello"})
	if err != nil {
		t.Fatalf("NewPeerEnvelope: %v", err)
	}
	offerer.Send(env)

	select {
	case in := <-got:
		if in.Name != protocol.PlayerChat {
			t.Fatalf("want %q, got %q", protocol.PlayerChat, in.Name)
		}
		var body protocol.PlayerChatBody
		if err := in.Decode(&body); err != nil || body.Text != "hello" {
			t.Fatalf("bad chat body %q (err %v)", body.Text, err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for data channel message")
	}
}

func TestLink_CloseIsTerminal(t *testing.T) {
	offerer, _ := negotiatePair(t)

	offerer.Close()
	waitStatus(t, offerer, StatusDisconnected)
	offerer.Close() // repeat close is a no-op
	if offerer.Status() != StatusDisconnected {
		t.Fatalf("closed link must stay disconnected")
	}
}

func TestCreateAnswer_RejectsNonOffer(t *testing.T) {
	l, err := NewLink("p", testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	defer l.Close()

	_, err = l.CreateAnswer(context.Background(), protocol.SessionDescription{Type: protocol.SDPAnswer}, nil)
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("want ErrNegotiation, got %v", err)
	}
}

func TestAcceptAnswer_RejectsNonAnswer(t *testing.T) {
	l, err := NewLink("p", testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	defer l.Close()

	err = l.AcceptAnswer(protocol.SessionDescription{Type: protocol.SDPOffer})
	if !errors.Is(err, ErrNegotiation) {
		t.Fatalf("want ErrNegotiation, got %v", err)
	}
}
