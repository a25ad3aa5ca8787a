package peer

import (
	"errors"
	"sort"
	"testing"

	"go.uber.org/zap"

	"gridlink/pkg/protocol"
)

func newTestLink(t *testing.T, peerID string) *Link {
	t.Helper()
	l, err := NewLink(peerID, testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewLink(%s): %v", peerID, err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestRegistry_AddFindRemove(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	a := newTestLink(t, "a")
	b := newTestLink(t, "b")
	r.Add(a)
	r.Add(b)

	if r.Find("a") != a || r.Find("b") != b {
		t.Fatalf("Find returned the wrong links")
	}
	if r.Find("c") != nil {
		t.Fatalf("Find for an unknown peer should return nil")
	}

	peers := r.Peers()
	sort.Strings(peers)
	if len(peers) != 2 || peers[0] != "a" || peers[1] != "b" {
		t.Fatalf("unexpected peers %v", peers)
	}

	r.Remove("a")
	if r.Find("a") != nil {
		t.Fatalf("removed link still present")
	}
	waitStatus(t, a, StatusDisconnected)
}

func TestRegistry_AddReplacesAndClosesOldLink(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	first := newTestLink(t, "a")
	second := newTestLink(t, "a")
	r.Add(first)
	r.Add(second)

	if r.Find("a") != second {
		t.Fatalf("replacement link not registered")
	}
	waitStatus(t, first, StatusDisconnected)
	if len(r.Peers()) != 1 {
		t.Fatalf("replacement must not grow the registry")
	}
}

func TestRegistry_SendToUnknownPeer(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	env, _ := protocol.NewPeerEnvelope(protocol.PlayerChat, protocol.PlayerChatBody{Text: "x"})
	if err := r.SendTo("nobody", env); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("want ErrUnknownPeer, got %v", err)
	}
}

func TestRegistry_CloseEmptiesAndClosesLinks(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a := newTestLink(t, "a")
	b := newTestLink(t, "b")
	r.Add(a)
	r.Add(b)

	r.Close()
	if len(r.Peers()) != 0 {
		t.Fatalf("registry not emptied")
	}
	waitStatus(t, a, StatusDisconnected)
	waitStatus(t, b, StatusDisconnected)
}

func TestRegistry_RoutesInboundToSubscriber(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	l := newTestLink(t, "a")
	r.Add(l)

	got := make(chan string, 1)
	r.SetHandler(func(peerID string, env protocol.PeerEnvelope) {
		got <- peerID
	})

	// Drive the link's inbound path directly; negotiation is covered by the
	// link tests.
	env, _ := protocol.NewPeerEnvelope(protocol.PlayerChat, protocol.PlayerChatBody{Text: "x"})
	l.mu.Lock()
	h := l.onMessage
	l.mu.Unlock()
	if h == nil {
		t.Fatalf("Add did not wire the link to the registry")
	}
	h("a", env)

	select {
	case peerID := <-got:
		if peerID != "a" {
			t.Fatalf("routed wrong peer id %q", peerID)
		}
	default:
		t.Fatalf("subscriber not invoked")
	}
}
