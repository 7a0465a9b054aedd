package hashring

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

func testNode(key, host string) Node {
	return Node{
		ServiceKey:  key,
		ServiceName: "chatsvc",
		Hostname:    host,
		FQDN:        host + ".local",
		Address:     host,
		Port:        9090,
	}
}

func TestHashTokenIsStableHex(t *testing.T) {
	h := HashToken("some-chat-token")
	if len(h) != 32 {
		t.Fatalf("hash length %d, want 32", len(h))
	}
	if h != HashToken("some-chat-token") {
		t.Error("hash not deterministic")
	}
	if h == HashToken("other-token") {
		t.Error("distinct tokens collided")
	}
}

func TestEmptyRingYieldsEmptyPreferenceList(t *testing.T) {
	r := New(zerolog.Nop())
	if pl := r.PreferenceList("T"); len(pl) != 0 {
		t.Fatalf("empty ring returned %d nodes", len(pl))
	}
}

func TestPreferenceListDedupesByServiceKey(t *testing.T) {
	r := New(zerolog.Nop())
	r.Register(testNode("a", "host1"), []string{"10000000000000000000000000000000", "90000000000000000000000000000000"})
	r.Register(testNode("b", "host2"), []string{"50000000000000000000000000000000", "d0000000000000000000000000000000"})

	pl := r.PreferenceList("T")
	if len(pl) != 2 {
		t.Fatalf("got %d nodes, want 2 distinct peers", len(pl))
	}
	if pl[0].ServiceKey == pl[1].ServiceKey {
		t.Error("preference list repeated a serviceKey")
	}
}

func TestPreferenceListDedupesByHost(t *testing.T) {
	r := New(zerolog.Nop())
	r.Register(testNode("a", "host1"), []string{"10000000000000000000000000000000"})
	r.Register(testNode("b", "host1"), []string{"50000000000000000000000000000000"})
	r.Register(testNode("c", "host2"), []string{"90000000000000000000000000000000"})

	pl := PreferenceListIn(r.Current(), "T", true)
	if len(pl) != 2 {
		t.Fatalf("got %d nodes, want 2 distinct hosts", len(pl))
	}
	if pl[0].Hostname == pl[1].Hostname {
		t.Error("host dedup emitted the same hostname twice")
	}
}

func TestPreferenceListDeterministic(t *testing.T) {
	r := New(zerolog.Nop())
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("node-%d", i)
		positions := []string{
			HashToken(key + "-0"),
			HashToken(key + "-1"),
			HashToken(key + "-2"),
		}
		r.Register(testNode(key, "host-"+key), positions)
	}

	for _, token := range []string{"T1", "T2", "T3"} {
		first := r.PreferenceList(token)
		if len(first) != 5 {
			t.Fatalf("token %s: got %d nodes, want 5", token, len(first))
		}
		for trial := 0; trial < 3; trial++ {
			again := r.PreferenceList(token)
			for i := range first {
				if again[i].ServiceKey != first[i].ServiceKey {
					t.Fatalf("token %s lookup not deterministic at position %d", token, i)
				}
			}
		}
	}
}

func TestSinglePrimaryPerToken(t *testing.T) {
	// Two rings built from the same registrations must agree on every
	// token's primary: ownership is a pure function of the view.
	build := func() *Ring {
		r := New(zerolog.Nop())
		r.Register(testNode("a", "host1"), []string{HashToken("a-0"), HashToken("a-1")})
		r.Register(testNode("b", "host2"), []string{HashToken("b-0"), HashToken("b-1")})
		return r
	}
	r1, r2 := build(), build()

	for i := 0; i < 50; i++ {
		token := fmt.Sprintf("chat-%d", i)
		p1 := r1.PreferenceList(token)
		p2 := r2.PreferenceList(token)
		if p1[0].ServiceKey != p2[0].ServiceKey {
			t.Fatalf("token %s: rings disagree on primary (%s vs %s)",
				token, p1[0].ServiceKey, p2[0].ServiceKey)
		}
	}
}

func TestUnregisterRemovesAllPositions(t *testing.T) {
	r := New(zerolog.Nop())
	r.Register(testNode("a", "host1"), []string{HashToken("a-0"), HashToken("a-1"), HashToken("a-2")})
	r.Register(testNode("b", "host2"), []string{HashToken("b-0")})

	r.Unregister("a")
	view := r.Current()
	if len(view) != 1 {
		t.Fatalf("view has %d positions, want 1", len(view))
	}
	if view[0].Node.ServiceKey != "b" {
		t.Errorf("remaining position owned by %s, want b", view[0].Node.ServiceKey)
	}
}

func TestReregisterReplacesPositions(t *testing.T) {
	r := New(zerolog.Nop())
	r.Register(testNode("a", "host1"), []string{HashToken("old-0"), HashToken("old-1")})
	r.Register(testNode("a", "host1"), []string{HashToken("new-0")})

	view := r.Current()
	if len(view) != 1 {
		t.Fatalf("view has %d positions, want 1 after re-register", len(view))
	}
	if view[0].Token != HashToken("new-0") {
		t.Error("re-register kept an old position")
	}
}

func TestObserverReceivesBothViews(t *testing.T) {
	r := New(zerolog.Nop())
	r.Register(testNode("a", "host1"), []string{HashToken("a-0")})

	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })

	r.Register(testNode("b", "host2"), []string{HashToken("b-0")})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if len(events[0].Previous) != 1 || len(events[0].Current) != 2 {
		t.Errorf("event views %d -> %d positions, want 1 -> 2",
			len(events[0].Previous), len(events[0].Current))
	}

	// A no-op registration must not fire an event.
	r.Register(testNode("b", "host2"), []string{HashToken("b-0")})
	if len(events) != 1 {
		t.Error("no-op registration fired an event")
	}
}

func TestObserverPanicDoesNotStopPropagation(t *testing.T) {
	r := New(zerolog.Nop())
	r.Subscribe(func(Event) { panic("bad observer") })

	fired := false
	r.Subscribe(func(Event) { fired = true })

	r.Register(testNode("a", "host1"), []string{HashToken("a-0")})
	if !fired {
		t.Error("second observer not notified after first panicked")
	}
}

func TestPeersCountsDistinctNodes(t *testing.T) {
	r := New(zerolog.Nop())
	r.Register(testNode("a", "host1"), []string{HashToken("a-0"), HashToken("a-1")})
	r.Register(testNode("b", "host2"), []string{HashToken("b-0")})
	if got := Peers(r.Current()); got != 2 {
		t.Errorf("Peers = %d, want 2", got)
	}
}
