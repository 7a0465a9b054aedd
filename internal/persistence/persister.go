// Package persistence enqueues durable archive jobs for ended and
// zombie chats, at most once per chat.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/monitoring"
	"github.com/techresidents/chatsvc/internal/store"
	"github.com/techresidents/chatsvc/internal/worker"
)

const queueSize = 100

// Trigger names why a chat is being persisted.
type Trigger string

const (
	TriggerEnded    Trigger = "ended"
	TriggerZombie   Trigger = "zombie"
	TriggerTakeover Trigger = "takeover"
)

// Observer is notified after a chat's archive job has been committed.
// The dispatcher uses this to push one final replication so peers
// learn persisted=true.
type Observer func(c *chat.Chat)

// Persister drains persist requests through a worker pool into the
// archive store. The chat's persisted flag flips only after the insert
// commits, so a crash mid-flight re-queues safely.
type Persister struct {
	archive store.ArchiveStore
	chats   *chat.Manager
	self    hashring.Node
	pool    *worker.Pool
	logger  zerolog.Logger

	observers []Observer
}

// New builds a persister and subscribes its takeover sweep to ring
// changes: completed chats whose primary just moved to this node get
// archived here, since their previous primary may be gone.
func New(archive store.ArchiveStore, chats *chat.Manager, ring *hashring.Ring, self hashring.Node, poolSize int, logger zerolog.Logger) *Persister {
	p := &Persister{
		archive: archive,
		chats:   chats,
		self:    self,
		pool:    worker.NewPool("persistence", poolSize, queueSize, logger),
		logger:  logger.With().Str("component", "persister").Logger(),
	}
	ring.Subscribe(p.onRingChange)
	return p
}

// Subscribe adds an observer for committed archive jobs. Must be
// called before Start.
func (p *Persister) Subscribe(obs Observer) {
	p.observers = append(p.observers, obs)
}

// Start begins accepting persist requests.
func (p *Persister) Start() {
	p.pool.Start()
}

// Stop drains the queue and waits for in-flight jobs.
func (p *Persister) Stop() {
	p.pool.Stop()
}

// Persist enqueues an archive job for c. Chats already persisted are
// skipped at execution time, which keeps the enqueue idempotent.
func (p *Persister) Persist(ctx context.Context, c *chat.Chat, trigger Trigger) error {
	if err := p.pool.Enqueue(ctx, func() { p.run(c, trigger) }); err != nil {
		return err
	}
	monitoring.PersistQueueDepth.Set(float64(p.pool.QueueDepth()))
	return nil
}

func (p *Persister) run(c *chat.Chat, trigger Trigger) {
	defer monitoring.PersistQueueDepth.Set(float64(p.pool.QueueDepth()))

	if c.Persisted() {
		return
	}

	now := time.Now()
	job := store.ArchiveJob{
		ChatID:           c.ID(),
		Created:          now,
		NotBefore:        now,
		Data:             encodeSession(c.SessionCopy()),
		RetriesRemaining: store.DefaultRetries,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.archive.EnqueueArchiveJob(ctx, job); err != nil {
		monitoring.PersistJobs.WithLabelValues(string(trigger), "error").Inc()
		p.logger.Error().Err(err).
			Str("chat_token", c.Token()).
			Str("trigger", string(trigger)).
			Msg("archive job enqueue failed")
		return
	}

	c.SetPersisted()
	monitoring.PersistJobs.WithLabelValues(string(trigger), "ok").Inc()
	p.logger.Info().
		Str("chat_token", c.Token()).
		Str("trigger", string(trigger)).
		Msg("chat archived")

	for _, obs := range p.observers {
		p.notify(obs, c)
	}
}

func (p *Persister) notify(obs Observer, c *chat.Chat) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic_value", r).
				Str("chat_token", c.Token()).
				Msg("persist observer panicked")
		}
	}()
	obs(c)
}

// onRingChange archives completed, unpersisted chats whose primary
// just moved to this node.
func (p *Persister) onRingChange(ev hashring.Event) {
	for _, c := range p.chats.All() {
		if !c.Completed() || c.Persisted() {
			continue
		}
		prev := hashring.PreferenceListIn(ev.Previous, c.Token(), false)
		curr := hashring.PreferenceListIn(ev.Current, c.Token(), false)
		wasPrimary := len(prev) > 0 && prev[0].ServiceKey == p.self.ServiceKey
		isPrimary := len(curr) > 0 && curr[0].ServiceKey == p.self.ServiceKey
		if !isPrimary || wasPrimary {
			continue
		}
		if err := p.Persist(context.Background(), c, TriggerTakeover); err != nil {
			p.logger.Warn().Err(err).
				Str("chat_token", c.Token()).
				Msg("takeover persist enqueue failed")
		}
	}
}

// encodeSession serializes the session scratchpad, decoding values
// that are themselves JSON documents (the twilio_data field is stored
// that way) so the archive row carries real structure instead of
// double-encoded strings.
func encodeSession(session map[string]string) []byte {
	out := make(map[string]any, len(session))
	for k, v := range session {
		if len(v) > 0 && (v[0] == '{' || v[0] == '[') {
			var decoded any
			if err := json.Unmarshal([]byte(v), &decoded); err == nil {
				out[k] = decoded
				continue
			}
		}
		out[k] = v
	}
	data, err := json.Marshal(out)
	if err != nil {
		return []byte("{}")
	}
	return data
}
