package membership

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/monitoring"
)

// Watcher applies presence traffic to the hashring. Announcements
// register (or refresh) a peer's positions; leaves and TTL expiry
// unregister them. The local node hears its own announcements, so
// every node converges on the identical ring.
type Watcher struct {
	bus    Bus
	ring   *hashring.Ring
	ttl    time.Duration
	reap   time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time

	unsubscribes []func()
	cancel       context.CancelFunc
	done         chan struct{}
	once         sync.Once
}

// NewWatcher builds a watcher reaping peers silent for longer than
// three heartbeats.
func NewWatcher(bus Bus, ring *hashring.Ring, heartbeat time.Duration, logger zerolog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		ring:     ring,
		ttl:      3 * heartbeat,
		reap:     heartbeat,
		logger:   logger.With().Str("component", "membership_watcher").Logger(),
		lastSeen: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the presence subjects and launches the reaper.
func (w *Watcher) Start() error {
	unsubAnnounce, err := w.bus.Subscribe(SubjectAnnounce, w.onAnnounce)
	if err != nil {
		return err
	}
	w.unsubscribes = append(w.unsubscribes, unsubAnnounce)

	unsubLeave, err := w.bus.Subscribe(SubjectLeave, w.onLeave)
	if err != nil {
		unsubAnnounce()
		return err
	}
	w.unsubscribes = append(w.unsubscribes, unsubLeave)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return nil
}

// Stop unsubscribes and halts the reaper. The ring keeps its last
// view; the shutdown path tears it down separately.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		for _, unsub := range w.unsubscribes {
			unsub()
		}
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
	})
}

func (w *Watcher) onAnnounce(data []byte) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		w.logger.Warn().Err(err).Msg("bad announcement payload")
		return
	}
	if ann.ServiceKey == "" || len(ann.Positions) == 0 {
		return
	}

	w.mu.Lock()
	_, known := w.lastSeen[ann.ServiceKey]
	w.lastSeen[ann.ServiceKey] = time.Now()
	w.mu.Unlock()

	node := hashring.Node{
		ServiceKey:  ann.ServiceKey,
		ServiceName: ann.ServiceName,
		Hostname:    ann.Hostname,
		FQDN:        ann.FQDN,
		Address:     ann.Address,
		Port:        ann.Port,
	}
	w.ring.Register(node, ann.Positions)
	if !known {
		w.logger.Info().
			Str("peer", ann.ServiceKey).
			Str("hostname", ann.Hostname).
			Int("positions", len(ann.Positions)).
			Msg("peer joined ring")
		monitoring.HashringChanges.Inc()
	}
	monitoring.HashringPeers.Set(float64(hashring.Peers(w.ring.Current())))
}

func (w *Watcher) onLeave(data []byte) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil || ann.ServiceKey == "" {
		return
	}
	w.drop(ann.ServiceKey, "peer left ring")
}

func (w *Watcher) drop(serviceKey, why string) {
	w.mu.Lock()
	_, known := w.lastSeen[serviceKey]
	delete(w.lastSeen, serviceKey)
	w.mu.Unlock()
	if !known {
		return
	}
	w.ring.Unregister(serviceKey)
	w.logger.Info().Str("peer", serviceKey).Msg(why)
	monitoring.HashringChanges.Inc()
	monitoring.HashringPeers.Set(float64(hashring.Peers(w.ring.Current())))
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.reap)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reapExpired()
		}
	}
}

func (w *Watcher) reapExpired() {
	cutoff := time.Now().Add(-w.ttl)
	w.mu.Lock()
	var expired []string
	for key, seen := range w.lastSeen {
		if seen.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	w.mu.Unlock()
	for _, key := range expired {
		w.drop(key, "peer expired from ring")
	}
}
