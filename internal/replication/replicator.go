// Package replication fans chat state out to the peers on a chat's
// preference list, acknowledging writes once a quorum of W copies
// exists and catching replicas up when ring membership changes.
package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/monitoring"
	"github.com/techresidents/chatsvc/internal/worker"
)

const (
	// maxErrors is the number of tolerated remote failures per job
	// before the job aborts.
	maxErrors = 2

	queueSize = 100
)

// Sender delivers one snapshot to one peer. The service wires the HTTP
// peer client here; tests wire in-process peers.
type Sender interface {
	Replicate(ctx context.Context, node hashring.Node, snap *chat.Snapshot) error
}

// Options configure a Replicator.
type Options struct {
	Self        hashring.Node
	DefaultN    int
	DefaultW    int
	PoolSize    int
	SendTimeout time.Duration
	DedupByHost bool
}

// Replicator owns the replication worker pool and the ring-change
// catch-up logic.
type Replicator struct {
	opts   Options
	ring   *hashring.Ring
	chats  *chat.Manager
	sender Sender
	pool   *worker.Pool
	logger zerolog.Logger
}

type job struct {
	chat    *chat.Chat
	msgs    []*chat.Message
	n, w    int
	targets []hashring.Node // nil means resolve from the ring at run time
	result  *Result
	queued  time.Time
}

// New builds a replicator and subscribes it to ring changes.
func New(opts Options, ring *hashring.Ring, chats *chat.Manager, sender Sender, logger zerolog.Logger) *Replicator {
	r := &Replicator{
		opts:   opts,
		ring:   ring,
		chats:  chats,
		sender: sender,
		pool:   worker.NewPool("replication", opts.PoolSize, queueSize, logger),
		logger: logger.With().Str("component", "replicator").Logger(),
	}
	ring.Subscribe(r.onRingChange)
	return r
}

// Start begins accepting jobs.
func (r *Replicator) Start() {
	r.pool.Start()
}

// Stop drains the queue and waits for in-flight jobs.
func (r *Replicator) Stop() {
	r.pool.Stop()
}

// Replicate enqueues a job to place msgs on up to n-1 peers and
// returns its result. The local copy counts as the first success, so
// w == 1 resolves immediately while the remote fan-out proceeds in the
// background. A full queue blocks the caller.
func (r *Replicator) Replicate(ctx context.Context, c *chat.Chat, msgs []*chat.Message, n, w int) (*Result, error) {
	if n <= 0 {
		n = r.opts.DefaultN
	}
	if w <= 0 {
		w = r.opts.DefaultW
	}
	if w > n {
		return nil, fmt.Errorf("replication w %d exceeds n %d", w, n)
	}
	return r.enqueue(ctx, &job{chat: c, msgs: msgs, n: n, w: w})
}

func (r *Replicator) enqueue(ctx context.Context, j *job) (*Result, error) {
	j.result = NewResult(j.w, maxErrors)
	j.result.AddSuccess() // the local copy
	j.queued = time.Now()
	if err := r.pool.Enqueue(ctx, func() { r.run(j) }); err != nil {
		return nil, err
	}
	monitoring.ReplicationQueueDepth.Set(float64(r.pool.QueueDepth()))
	return j.result, nil
}

// run is the job coordinator: walk the preference list skipping self,
// bounding concurrent sends at max(W-1, 1), and settle the result from
// the final counts.
func (r *Replicator) run(j *job) {
	defer func() {
		monitoring.ReplicationDuration.Observe(time.Since(j.queued).Seconds())
		monitoring.ReplicationQueueDepth.Set(float64(r.pool.QueueDepth()))
	}()

	peers := j.targets
	if peers == nil {
		peers = hashring.PreferenceListIn(r.ring.Current(), j.chat.Token(), r.opts.DedupByHost)
	}

	snap := j.chat.Snapshot(j.msgs)
	limit := int64(j.w - 1)
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	ctx := context.Background()
	sent := 0
	for _, node := range peers {
		if node.ServiceKey == r.opts.Self.ServiceKey {
			continue
		}
		if sent >= j.n-1 {
			break
		}
		sent++
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func(node hashring.Node) {
			defer sem.Release(1)
			r.send(j, node, snap)
		}(node)
	}

	// Await outstanding sends before settling.
	if err := sem.Acquire(ctx, limit); err == nil {
		sem.Release(limit)
	}

	successes := j.result.Successes()
	switch {
	case successes < j.w:
		monitoring.ReplicationQuorumFailures.Inc()
		j.result.Fail(fmt.Errorf("quorum not reached for chat %s: %d/%d copies",
			j.chat.Token(), successes, j.w))
	case successes < j.n:
		r.logger.Warn().
			Str("chat_token", j.chat.Token()).
			Int("copies", successes).
			Int("n", j.n).
			Msg("replication reached quorum but not full replica count")
	}
}

func (r *Replicator) send(j *job, node hashring.Node, snap *chat.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.SendTimeout)
	defer cancel()

	if err := r.sender.Replicate(ctx, node, snap); err != nil {
		monitoring.ReplicationSends.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).
			Str("chat_token", j.chat.Token()).
			Str("peer", node.ServiceKey).
			Msg("replication send failed")
		j.result.AddError(err)
		return
	}
	monitoring.ReplicationSends.WithLabelValues("ok").Inc()
	j.result.AddSuccess()
}

// onRingChange enqueues full-snapshot catch-up replication for every
// local chat whose preference list gained peers under the new view.
// This is how messages held only in memory survive a failover: the
// node that still has them pushes them at the moment ownership or
// replica placement shifts.
func (r *Replicator) onRingChange(ev hashring.Event) {
	for _, c := range r.chats.All() {
		r.catchUp(ev, c)
	}
}

func (r *Replicator) catchUp(ev hashring.Event, c *chat.Chat) {
	n := r.opts.DefaultN
	prev := clip(hashring.PreferenceListIn(ev.Previous, c.Token(), r.opts.DedupByHost), n)
	curr := clip(hashring.PreferenceListIn(ev.Current, c.Token(), r.opts.DedupByHost), n)

	if !r.isPrimary(prev) && !r.isPrimary(curr) {
		return
	}

	prevKeys := make(map[string]struct{}, len(prev))
	for _, node := range prev {
		prevKeys[node.ServiceKey] = struct{}{}
	}
	var added []hashring.Node
	for _, node := range curr {
		if node.ServiceKey == r.opts.Self.ServiceKey {
			continue
		}
		if _, ok := prevKeys[node.ServiceKey]; ok {
			continue
		}
		added = append(added, node)
	}
	if len(added) == 0 {
		return
	}

	r.logger.Info().
		Str("chat_token", c.Token()).
		Int("new_peers", len(added)).
		Msg("ring change, replicating chat to new replica set")

	j := &job{
		chat:    c,
		msgs:    c.AllMessages(),
		n:       len(added) + 1,
		w:       len(added) + 1,
		targets: added,
	}
	if _, err := r.enqueue(context.Background(), j); err != nil {
		r.logger.Warn().Err(err).
			Str("chat_token", c.Token()).
			Msg("catch-up replication enqueue failed")
	}
}

func (r *Replicator) isPrimary(pl []hashring.Node) bool {
	return len(pl) > 0 && pl[0].ServiceKey == r.opts.Self.ServiceKey
}

func clip(nodes []hashring.Node, n int) []hashring.Node {
	if len(nodes) > n {
		return nodes[:n]
	}
	return nodes
}
