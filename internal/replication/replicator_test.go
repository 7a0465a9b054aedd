package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/store"
)

type sendCall struct {
	peer string
	snap *chat.Snapshot
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	fail  map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: make(map[string]error)}
}

func (s *fakeSender) Replicate(_ context.Context, node hashring.Node, snap *chat.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[node.ServiceKey]; ok {
		return err
	}
	s.calls = append(s.calls, sendCall{peer: node.ServiceKey, snap: snap})
	return nil
}

func (s *fakeSender) callsTo(peer string) []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sendCall
	for _, c := range s.calls {
		if c.peer == peer {
			out = append(out, c)
		}
	}
	return out
}

func node(key string) hashring.Node {
	return hashring.Node{ServiceKey: key, Hostname: "host-" + key, Address: "host-" + key, Port: 9090}
}

func testChat(t *testing.T, mgr *chat.Manager, token string) *chat.Chat {
	t.Helper()
	c, err := mgr.Get(context.Background(), token)
	if err != nil {
		t.Fatalf("chat load failed: %v", err)
	}
	return c
}

func setup(t *testing.T, opts Options) (*Replicator, *hashring.Ring, *chat.Manager, *fakeSender) {
	t.Helper()
	meta := store.NewMemMetadata()
	meta.AddChat(chat.Metadata{ID: 1, Token: "T", MaxDuration: 3600, MaxParticipants: 2})
	mgr := chat.NewManager(meta, 360*time.Second, zerolog.Nop())
	ring := hashring.New(zerolog.Nop())
	sender := newFakeSender()

	if opts.PoolSize == 0 {
		opts.PoolSize = 4
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = time.Second
	}
	r := New(opts, ring, mgr, sender, zerolog.Nop())
	r.Start()
	t.Cleanup(r.Stop)
	return r, ring, mgr, sender
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

func TestReplicateQuorumOneResolvesLocally(t *testing.T) {
	self := node("self")
	r, ring, mgr, sender := setup(t, Options{Self: self, DefaultN: 2, DefaultW: 1})
	ring.Register(self, []string{hashring.HashToken("self-0")})
	ring.Register(node("peer"), []string{hashring.HashToken("peer-0")})

	c := testChat(t, mgr, "T")
	msgs := c.AppendLocal([]*chat.Message{{Header: &chat.Header{Type: chat.TypeTagCreate}}})

	res, err := r.Replicate(context.Background(), c, msgs, 2, 1)
	if err != nil {
		t.Fatalf("replicate failed: %v", err)
	}
	if err := res.Wait(context.Background(), time.Second); err != nil {
		t.Fatalf("W=1 should resolve from the local copy: %v", err)
	}

	// The remote copy still lands in the background.
	waitFor(t, "background send to peer", func() bool {
		return len(sender.callsTo("peer")) == 1
	})
}

func TestReplicateQuorumTwoWaitsForPeer(t *testing.T) {
	self := node("self")
	r, ring, mgr, sender := setup(t, Options{Self: self, DefaultN: 2, DefaultW: 2})
	ring.Register(self, []string{hashring.HashToken("self-0")})
	ring.Register(node("peer"), []string{hashring.HashToken("peer-0")})

	c := testChat(t, mgr, "T")
	msgs := c.AppendLocal([]*chat.Message{{Header: &chat.Header{Type: chat.TypeTagCreate}}})

	res, err := r.Replicate(context.Background(), c, msgs, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Wait(context.Background(), time.Second); err != nil {
		t.Fatalf("quorum 2 with a live peer failed: %v", err)
	}
	if calls := sender.callsTo("peer"); len(calls) != 1 {
		t.Fatalf("peer received %d sends, want 1", len(calls))
	}
}

func TestReplicateQuorumFailure(t *testing.T) {
	self := node("self")
	r, ring, mgr, sender := setup(t, Options{Self: self, DefaultN: 2, DefaultW: 2})
	ring.Register(self, []string{hashring.HashToken("self-0")})
	ring.Register(node("peer"), []string{hashring.HashToken("peer-0")})
	sender.fail["peer"] = errors.New("connection refused")

	c := testChat(t, mgr, "T")
	msgs := c.AppendLocal([]*chat.Message{{Header: &chat.Header{Type: chat.TypeTagCreate}}})

	res, err := r.Replicate(context.Background(), c, msgs, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Wait(context.Background(), time.Second); err == nil {
		t.Fatal("quorum 2 with a dead peer should fail")
	}
	// The message stays in local memory for later catch-up.
	if c.MessageCount() != 1 {
		t.Error("local message discarded after quorum failure")
	}
}

func TestReplicateInvalidQuorum(t *testing.T) {
	self := node("self")
	r, _, mgr, _ := setup(t, Options{Self: self, DefaultN: 2, DefaultW: 1})
	c := testChat(t, mgr, "T")

	if _, err := r.Replicate(context.Background(), c, nil, 1, 2); err == nil {
		t.Fatal("W > N accepted")
	}
}

func TestRingChangeCatchUpReplicatesToNewPeer(t *testing.T) {
	self := node("self")
	r, ring, mgr, sender := setup(t, Options{Self: self, DefaultN: 2, DefaultW: 1})
	ring.Register(self, []string{hashring.HashToken("self-0")})

	c := testChat(t, mgr, "T")
	c.AppendLocal([]*chat.Message{
		{Header: &chat.Header{Type: chat.TypeTagCreate}},
		{Header: &chat.Header{Type: chat.TypeTagCreate}},
	})
	_ = r // catch-up fires via the ring subscription

	// A new peer joins: the primary must push a full snapshot.
	ring.Register(node("joiner"), []string{hashring.HashToken("joiner-0")})

	waitFor(t, "catch-up snapshot", func() bool {
		calls := sender.callsTo("joiner")
		return len(calls) == 1 && calls[0].snap.FullSnapshot &&
			len(calls[0].snap.State.Messages) == 2
	})
}

func TestRingChangeIgnoredWhenNotPrimary(t *testing.T) {
	// Craft positions so another node is primary for "T" in both the
	// old and new views; this node must not push anything.
	var token string
	for i := 0; ; i++ {
		token = fmt.Sprintf("T%d", i)
		h := hashring.HashToken(token)
		if h[0] >= '3' && h[0] <= 'b' {
			break
		}
	}
	h := hashring.HashToken(token)
	bump := func(delta byte) string {
		return string([]byte{h[0] + delta}) + h[1:]
	}

	self := node("self")
	meta := store.NewMemMetadata()
	meta.AddChat(chat.Metadata{ID: 1, Token: token, MaxDuration: 3600, MaxParticipants: 2})
	mgr := chat.NewManager(meta, 360*time.Second, zerolog.Nop())
	ring := hashring.New(zerolog.Nop())
	sender := newFakeSender()
	r := New(Options{Self: self, DefaultN: 2, DefaultW: 1, PoolSize: 2, SendTimeout: time.Second},
		ring, mgr, sender, zerolog.Nop())
	r.Start()
	defer r.Stop()

	ring.Register(node("primary"), []string{bump(1)})
	ring.Register(self, []string{bump(4)})
	if _, err := mgr.Get(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	// The joiner slots between primary and self: it enters the top-2
	// preference list, but this node is not primary in either view.
	ring.Register(node("joiner"), []string{bump(2)})

	time.Sleep(100 * time.Millisecond)
	if calls := sender.callsTo("joiner"); len(calls) != 0 {
		t.Fatalf("non-primary pushed %d catch-up snapshots", len(calls))
	}
}

func TestResultMaxErrorsAborts(t *testing.T) {
	res := NewResult(5, 2)
	res.AddSuccess()
	res.AddError(errors.New("e1"))
	res.AddError(errors.New("e2"))
	res.AddError(errors.New("e3"))

	if err := res.Wait(context.Background(), time.Second); err == nil {
		t.Fatal("result resolved despite exceeding maxErrors")
	}
}

func TestResultWaitTimeout(t *testing.T) {
	res := NewResult(2, 2)
	res.AddSuccess()
	if err := res.Wait(context.Background(), 50*time.Millisecond); err == nil {
		t.Fatal("unresolved result did not time out")
	}
}
