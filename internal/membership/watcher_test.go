package membership

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/hashring"
)

func testNode(key string) hashring.Node {
	return hashring.Node{
		ServiceKey:  key,
		ServiceName: "chatsvc",
		Hostname:    "host-" + key,
		FQDN:        "host-" + key + ".local",
		Address:     "host-" + key,
		Port:        9090,
	}
}

func announce(t *testing.T, bus Bus, node hashring.Node, positions []string) {
	t.Helper()
	data, err := json.Marshal(Announcement{
		ServiceKey:  node.ServiceKey,
		ServiceName: node.ServiceName,
		Hostname:    node.Hostname,
		FQDN:        node.FQDN,
		Address:     node.Address,
		Port:        node.Port,
		Positions:   positions,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(SubjectAnnounce, data); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherRegistersAnnouncedPeers(t *testing.T) {
	bus := NewMemBus()
	ring := hashring.New(zerolog.Nop())
	w := NewWatcher(bus, ring, time.Second, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	announce(t, bus, testNode("a"), []string{hashring.HashToken("a-0"), hashring.HashToken("a-1")})

	view := ring.Current()
	if len(view) != 2 {
		t.Fatalf("ring has %d positions, want 2", len(view))
	}
	if view[0].Node.ServiceKey != "a" {
		t.Errorf("position owned by %s, want a", view[0].Node.ServiceKey)
	}
}

func TestWatcherRefreshIsIdempotent(t *testing.T) {
	bus := NewMemBus()
	ring := hashring.New(zerolog.Nop())
	w := NewWatcher(bus, ring, time.Second, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	positions := []string{hashring.HashToken("a-0")}
	announce(t, bus, testNode("a"), positions)
	announce(t, bus, testNode("a"), positions)

	if view := ring.Current(); len(view) != 1 {
		t.Fatalf("repeated heartbeat produced %d positions, want 1", len(view))
	}
}

func TestWatcherDropsOnLeave(t *testing.T) {
	bus := NewMemBus()
	ring := hashring.New(zerolog.Nop())
	w := NewWatcher(bus, ring, time.Second, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	announce(t, bus, testNode("a"), []string{hashring.HashToken("a-0")})

	data, _ := json.Marshal(Announcement{ServiceKey: "a"})
	if err := bus.Publish(SubjectLeave, data); err != nil {
		t.Fatal(err)
	}

	if view := ring.Current(); len(view) != 0 {
		t.Fatalf("ring has %d positions after leave, want 0", len(view))
	}
}

func TestWatcherReapsSilentPeers(t *testing.T) {
	bus := NewMemBus()
	ring := hashring.New(zerolog.Nop())
	w := NewWatcher(bus, ring, 20*time.Millisecond, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	announce(t, bus, testNode("a"), []string{hashring.HashToken("a-0")})

	// One announcement and then silence: the TTL (3 heartbeats) must
	// expire the peer.
	waitFor(t, "silent peer reap", func() bool {
		return len(ring.Current()) == 0
	})
}

func TestWatcherIgnoresMalformedPayloads(t *testing.T) {
	bus := NewMemBus()
	ring := hashring.New(zerolog.Nop())
	w := NewWatcher(bus, ring, time.Second, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := bus.Publish(SubjectAnnounce, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	// Announcements without positions carry no ring claim.
	data, _ := json.Marshal(Announcement{ServiceKey: "a"})
	if err := bus.Publish(SubjectAnnounce, data); err != nil {
		t.Fatal(err)
	}

	if view := ring.Current(); len(view) != 0 {
		t.Fatalf("malformed payloads registered %d positions", len(view))
	}
}

func TestAnnouncerHeartbeatAndLeave(t *testing.T) {
	bus := NewMemBus()
	ring := hashring.New(zerolog.Nop())
	w := NewWatcher(bus, ring, 20*time.Millisecond, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	a := NewAnnouncer(bus, testNode("self"), 3, 20*time.Millisecond, zerolog.Nop())
	if got := len(a.Positions()); got != 3 {
		t.Fatalf("announcer claimed %d positions, want 3", got)
	}
	a.Start()

	waitFor(t, "self registration", func() bool {
		return len(ring.Current()) == 3
	})

	a.Stop()
	if view := ring.Current(); len(view) != 0 {
		t.Fatalf("ring has %d positions after announcer stop, want 0", len(view))
	}
}

func TestAnnouncerSuspendPublishesLeaveThenRejoins(t *testing.T) {
	bus := NewMemBus()
	ring := hashring.New(zerolog.Nop())
	w := NewWatcher(bus, ring, 20*time.Millisecond, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	a := NewAnnouncer(bus, testNode("self"), 2, 20*time.Millisecond, zerolog.Nop())
	before := a.Positions()
	a.Start()
	defer a.Stop()

	waitFor(t, "initial registration", func() bool {
		return len(ring.Current()) == 2
	})

	a.Suspend(60 * time.Millisecond)
	if view := ring.Current(); len(view) != 0 {
		t.Fatalf("ring has %d positions during suspension, want 0", len(view))
	}

	// Heartbeats resume after the suspension and reclaim the same
	// positions.
	waitFor(t, "rejoin", func() bool {
		return len(ring.Current()) == 2
	})
	after := a.Positions()
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("positions changed across a suspension")
		}
	}
}
