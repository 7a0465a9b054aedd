package garbage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/store"
)

func newTestManager(metas ...chat.Metadata) *chat.Manager {
	meta := store.NewMemMetadata()
	for _, m := range metas {
		meta.AddChat(m)
	}
	return chat.NewManager(meta, 0, zerolog.Nop())
}

func TestSweepRemovesPersistedChats(t *testing.T) {
	mgr := newTestManager(chat.Metadata{ID: 1, Token: "T", MaxDuration: 3600, MaxParticipants: 2})
	g := New(mgr, time.Minute, time.Millisecond, zerolog.Nop())

	c, err := mgr.Get(context.Background(), "T")
	if err != nil {
		t.Fatal(err)
	}
	now := float64(time.Now().UnixNano()) / 1e9
	c.TransitionStatus(chat.StatusStarted, now)
	c.TransitionStatus(chat.StatusEnded, now)
	c.SetPersisted()

	g.Sweep(context.Background())
	if mgr.Count() != 0 {
		t.Error("persisted chat survived the sweep")
	}
}

func TestSweepKeepsLiveChats(t *testing.T) {
	mgr := newTestManager(chat.Metadata{ID: 1, Token: "T", MaxDuration: 3600, MaxParticipants: 2})
	g := New(mgr, time.Minute, time.Millisecond, zerolog.Nop())

	c, err := mgr.Get(context.Background(), "T")
	if err != nil {
		t.Fatal(err)
	}
	c.TransitionStatus(chat.StatusStarted, float64(time.Now().UnixNano())/1e9)

	g.Sweep(context.Background())
	if mgr.Count() != 1 {
		t.Error("sweep removed a chat still inside its window")
	}
}

func TestSweepKeepsEndedUnpersistedChats(t *testing.T) {
	mgr := newTestManager(chat.Metadata{ID: 1, Token: "T", MaxDuration: 3600, MaxParticipants: 2})
	g := New(mgr, time.Minute, time.Millisecond, zerolog.Nop())

	c, err := mgr.Get(context.Background(), "T")
	if err != nil {
		t.Fatal(err)
	}
	now := float64(time.Now().UnixNano()) / 1e9
	c.TransitionStatus(chat.StatusStarted, now)
	c.TransitionStatus(chat.StatusEnded, now)

	g.Sweep(context.Background())
	if mgr.Count() != 1 {
		t.Error("ended chat removed before its archive job committed")
	}
}

func TestSweepFlagsZombies(t *testing.T) {
	// Zero grace plus a zero-length window: the chat expires the moment
	// it starts without ever reaching ENDED.
	mgr := newTestManager(chat.Metadata{ID: 1, Token: "T", MaxDuration: 0, MaxParticipants: 2})
	g := New(mgr, time.Minute, time.Millisecond, zerolog.Nop())

	var zombies []string
	g.Subscribe(func(c *chat.Chat) { zombies = append(zombies, c.Token()) })

	c, err := mgr.Get(context.Background(), "T")
	if err != nil {
		t.Fatal(err)
	}
	started := float64(time.Now().UnixNano())/1e9 - 1
	c.TransitionStatus(chat.StatusStarted, started)
	if !c.Expired() {
		t.Fatal("chat should be past its window")
	}

	g.Sweep(context.Background())
	if len(zombies) != 1 || zombies[0] != "T" {
		t.Fatalf("zombie observers saw %v, want [T]", zombies)
	}
	if mgr.Count() != 1 {
		t.Error("zombie removed before persistence")
	}
}

func TestSweepZombieObserverPanicIsolated(t *testing.T) {
	mgr := newTestManager(chat.Metadata{ID: 1, Token: "T", MaxDuration: 0, MaxParticipants: 2})
	g := New(mgr, time.Minute, time.Millisecond, zerolog.Nop())

	g.Subscribe(func(*chat.Chat) { panic("bad observer") })
	notified := false
	g.Subscribe(func(*chat.Chat) { notified = true })

	c, err := mgr.Get(context.Background(), "T")
	if err != nil {
		t.Fatal(err)
	}
	c.TransitionStatus(chat.StatusStarted, float64(time.Now().UnixNano())/1e9-1)

	g.Sweep(context.Background())
	if !notified {
		t.Error("second observer skipped after first panicked")
	}
}
