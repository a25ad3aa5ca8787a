package room_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"gridlink/internal/lobby"
	"gridlink/internal/peer"
	"gridlink/internal/room"
	"gridlink/internal/server"
	"gridlink/internal/signaling"
	"gridlink/pkg/protocol"
)

func newRendezvous(t *testing.T) string {
	t.Helper()
	log := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := server.NewHub(ctx, log)
	t.Cleanup(h.Shutdown)

	srv := httptest.NewServer(server.SetupRoutes(h, log))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type participant struct {
	lobby *lobby.Controller
	reg   *peer.Registry
}

func connect(t *testing.T, url, name string) *participant {
	t.Helper()
	log := zap.NewNop()
	ch := signaling.New(url, log)
	reg := peer.NewRegistry(log)
	t.Cleanup(reg.Close)

	cfg := peer.Config{GatherTimeout: 3 * time.Second, IncludeLoopback: true}
	lc := lobby.New(ch, reg, cfg, log)
	t.Cleanup(lc.Leave)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := lc.Connect(ctx, name); err != nil {
		t.Fatalf("Connect(%s): %v", name, err)
	}
	return &participant{lobby: lc, reg: reg}
}

// hostAndJoin puts alice and bob in one room together.
func hostAndJoin(t *testing.T, url string) (alice, bob *participant, hostRoom, guestRoom *room.Controller) {
	t.Helper()
	alice = connect(t, url, "alice")
	bob = connect(t, url, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	hostRoom, err := alice.lobby.Host(ctx, "match", protocol.GameOptions{})
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	t.Cleanup(hostRoom.Leave)

	guestRoom, err = bob.lobby.Join(ctx, hostRoom.Room())
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(guestRoom.Leave)
	return alice, bob, hostRoom, guestRoom
}

func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func linkConnected(reg *peer.Registry, peerID string) bool {
	l := reg.Find(peerID)
	return l != nil && l.Status() == peer.StatusConnected
}

func TestJoin_NegotiatesPeerLinkAutomatically(t *testing.T) {
	url := newRendezvous(t)
	alice, bob, hostRoom, guestRoom := hostAndJoin(t, url)

	hostID := hostRoom.Local().ID
	guestID := guestRoom.Local().ID

	waitFor(t, "roster to sync", func() bool {
		return len(hostRoom.Room().Players) == 2 && len(guestRoom.Room().Players) == 2
	})
	waitFor(t, "host link to guest", func() bool { return linkConnected(alice.reg, guestID) })
	waitFor(t, "guest link to host", func() bool { return linkConnected(bob.reg, hostID) })
}

func TestSetReady_MirrorsOnlyAfterServerEcho(t *testing.T) {
	url := newRendezvous(t)
	_, _, hostRoom, guestRoom := hostAndJoin(t, url)

	guestID := guestRoom.Local().ID
	guestRoom.SetReady(true)

	waitFor(t, "ready echo on both mirrors", func() bool {
		return guestRoom.Local().Ready && playerReady(hostRoom.Room(), guestID)
	})
}

func playerReady(rm protocol.Room, id string) bool {
	for _, p := range rm.Players {
		if p.ID == id {
			return p.Ready
		}
	}
	return false
}

func TestStart_GatedLocally(t *testing.T) {
	url := newRendezvous(t)
	_, _, hostRoom, guestRoom := hostAndJoin(t, url)

	if err := guestRoom.Start(); !errors.Is(err, room.ErrNotHost) {
		t.Fatalf("guest start: want ErrNotHost, got %v", err)
	}
	if err := hostRoom.Start(); !errors.Is(err, room.ErrNotReady) {
		t.Fatalf("premature start: want ErrNotReady, got %v", err)
	}
}

func TestStart_DeliversRosterToBothSides(t *testing.T) {
	url := newRendezvous(t)
	_, _, hostRoom, guestRoom := hostAndJoin(t, url)

	hostStarted := make(chan []protocol.Player, 1)
	guestStarted := make(chan []protocol.Player, 1)
	hostRoom.OnStart(func(roster []protocol.Player) { hostStarted <- roster })
	guestRoom.OnStart(func(roster []protocol.Player) { guestStarted <- roster })

	hostRoom.SetReady(true)
	guestRoom.SetReady(true)
	waitFor(t, "both ready", func() bool {
		return hostRoom.Local().Ready && guestRoom.Local().Ready &&
			playerReady(hostRoom.Room(), guestRoom.Local().ID) &&
			playerReady(guestRoom.Room(), hostRoom.Local().ID)
	})

	if err := hostRoom.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, ch := range []chan []protocol.Player{hostStarted, guestStarted} {
		select {
		case roster := <-ch:
			if len(roster) != 2 {
				t.Fatalf("want 2-player roster, got %+v", roster)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("start never reached a side")
		}
	}

	if hostRoom.Room().State != protocol.RoomComplete {
		t.Fatalf("started room should be complete, got %s", hostRoom.Room().State)
	}
}

func TestFormerHost_JoinsNextRoomAsGuest(t *testing.T) {
	url := newRendezvous(t)
	alice := connect(t, url, "alice")
	carol := connect(t, url, "carol")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := alice.lobby.Host(ctx, "first", protocol.GameOptions{})
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	first.Leave()

	carolRoom, err := carol.lobby.Host(ctx, "second", protocol.GameOptions{MaxPlayers: 3, MinPlayers: 3})
	if err != nil {
		t.Fatalf("Host: %v", err)
	}
	t.Cleanup(carolRoom.Leave)

	aliceRoom, err := alice.lobby.Join(ctx, carolRoom.Room())
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(aliceRoom.Leave)

	if aliceRoom.Local().Host {
		t.Fatalf("former host mirrored as host in the new room")
	}
	if err := aliceRoom.Start(); !errors.Is(err, room.ErrNotHost) {
		t.Fatalf("former host start: want ErrNotHost, got %v", err)
	}

	dave := connect(t, url, "dave")
	daveRoom, err := dave.lobby.Join(ctx, carolRoom.Room())
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(daveRoom.Leave)
	daveID := daveRoom.Local().ID

	// Only the room's actual host negotiates toward a new joiner.
	waitFor(t, "host link to dave", func() bool { return linkConnected(carol.reg, daveID) })
	if alice.reg.Find(daveID) != nil {
		t.Fatalf("guest opened a peer link to a later joiner")
	}
}

func TestGuestLeave_PrunesRosterAndLink(t *testing.T) {
	url := newRendezvous(t)
	alice, _, hostRoom, guestRoom := hostAndJoin(t, url)

	guestID := guestRoom.Local().ID
	waitFor(t, "link up before leave", func() bool { return linkConnected(alice.reg, guestID) })

	guestRoom.Leave()
	waitFor(t, "roster to shrink", func() bool {
		return len(hostRoom.Room().Players) == 1
	})
	waitFor(t, "link to be discarded", func() bool {
		return alice.reg.Find(guestID) == nil
	})
}

func TestHostLeave_ClosesRoomForGuests(t *testing.T) {
	url := newRendezvous(t)
	_, bob, hostRoom, guestRoom := hostAndJoin(t, url)

	closed := make(chan struct{})
	guestRoom.OnClosed(func() { close(closed) })

	hostRoom.Leave()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("guest never observed the room closing")
	}
	if guestRoom.Room().State != protocol.RoomClosedSt {
		t.Fatalf("want closed state, got %s", guestRoom.Room().State)
	}
	waitFor(t, "guest links torn down", func() bool {
		return len(bob.reg.Peers()) == 0
	})
}
