package membership

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/hashring"
)

// Announcer heartbeats this node's presence. Positions are chosen once
// at construction and survive suspensions, so a rejoin after
// ExpireSession lands on the same ring slots.
type Announcer struct {
	bus       Bus
	node      hashring.Node
	positions []string
	heartbeat time.Duration
	logger    zerolog.Logger

	mu             sync.Mutex
	suspendedUntil time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewAnnouncer builds an announcer for node claiming count random
// positions.
func NewAnnouncer(bus Bus, node hashring.Node, count int, heartbeat time.Duration, logger zerolog.Logger) *Announcer {
	positions := make([]string, count)
	for i := range positions {
		positions[i] = hashring.RandomPosition()
	}
	return &Announcer{
		bus:       bus,
		node:      node,
		positions: positions,
		heartbeat: heartbeat,
		logger:    logger.With().Str("component", "announcer").Logger(),
		done:      make(chan struct{}),
	}
}

// Positions returns the claimed ring positions.
func (a *Announcer) Positions() []string {
	out := make([]string, len(a.positions))
	copy(out, a.positions)
	return out
}

// Start announces immediately and then on every heartbeat.
func (a *Announcer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.announce()
	go a.run(ctx)
}

// Stop publishes a leave and halts the heartbeat loop.
func (a *Announcer) Stop() {
	a.once.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		<-a.done
		a.leave()
	})
}

// Suspend publishes a leave and pauses heartbeats for d. Peers observe
// a departure followed by a rejoin with the same positions. This backs
// the test-only ExpireSession RPC.
func (a *Announcer) Suspend(d time.Duration) {
	a.mu.Lock()
	a.suspendedUntil = time.Now().Add(d)
	a.mu.Unlock()
	a.leave()
}

func (a *Announcer) suspended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Now().Before(a.suspendedUntil)
}

func (a *Announcer) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.suspended() {
				continue
			}
			a.announce()
		}
	}
}

func (a *Announcer) announce() {
	data, err := json.Marshal(Announcement{
		ServiceKey:  a.node.ServiceKey,
		ServiceName: a.node.ServiceName,
		Hostname:    a.node.Hostname,
		FQDN:        a.node.FQDN,
		Address:     a.node.Address,
		Port:        a.node.Port,
		Positions:   a.Positions(),
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("announcement marshal failed")
		return
	}
	if err := a.bus.Publish(SubjectAnnounce, data); err != nil {
		a.logger.Warn().Err(err).Msg("presence announce failed")
	}
}

func (a *Announcer) leave() {
	data, err := json.Marshal(Announcement{ServiceKey: a.node.ServiceKey})
	if err != nil {
		return
	}
	if err := a.bus.Publish(SubjectLeave, data); err != nil {
		a.logger.Warn().Err(err).Msg("presence leave failed")
	}
}
