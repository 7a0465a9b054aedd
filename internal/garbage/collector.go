// Package garbage sweeps the chat registry, removing chats that are
// finished and archived and flagging expired ones that never ended.
package garbage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/monitoring"
)

// Observer receives zombie chats: expired without an ENDED status.
// The dispatcher persists them when this node is the chat's primary.
type Observer func(c *chat.Chat)

// Collector is the periodic sweep loop. A rate limiter throttles
// per-chat work inside a sweep so a large registry does not produce a
// burst of removals and persist enqueues.
type Collector struct {
	chats    *chat.Manager
	interval time.Duration
	throttle time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	observers []Observer

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New returns a stopped collector.
func New(chats *chat.Manager, interval, throttle time.Duration, logger zerolog.Logger) *Collector {
	return &Collector{
		chats:    chats,
		interval: interval,
		throttle: throttle,
		logger:   logger.With().Str("component", "garbage_collector").Logger(),
		done:     make(chan struct{}),
	}
}

// Subscribe adds a zombie observer.
func (g *Collector) Subscribe(obs Observer) {
	g.mu.Lock()
	g.observers = append(g.observers, obs)
	g.mu.Unlock()
}

// Start launches the sweep loop.
func (g *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.run(ctx)
}

// Stop halts the loop after the current sweep iteration.
func (g *Collector) Stop() {
	g.once.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		<-g.done
	})
}

func (g *Collector) run(ctx context.Context) {
	defer close(g.done)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep examines every registered chat once. Exported so tests can
// drive cycles without waiting on the ticker.
func (g *Collector) Sweep(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(g.throttle), 1)
	for _, c := range g.chats.All() {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		g.sweepChat(c)
	}
	monitoring.ActiveChats.Set(float64(g.chats.Count()))
}

func (g *Collector) sweepChat(c *chat.Chat) {
	switch {
	case c.Completed() && c.Persisted():
		g.chats.Remove(c.Token())
		monitoring.GCRemovals.Inc()
		g.logger.Debug().Str("chat_token", c.Token()).Msg("removed persisted chat")
	case c.Expired() && !c.Persisted():
		monitoring.GCZombies.Inc()
		g.logger.Info().Str("chat_token", c.Token()).Msg("zombie chat detected")
		g.mu.Lock()
		observers := make([]Observer, len(g.observers))
		copy(observers, g.observers)
		g.mu.Unlock()
		for _, obs := range observers {
			g.notify(obs, c)
		}
	}
}

func (g *Collector) notify(obs Observer, c *chat.Chat) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic_value", r).
				Str("chat_token", c.Token()).
				Msg("zombie observer panicked")
		}
	}()
	obs(c)
}
