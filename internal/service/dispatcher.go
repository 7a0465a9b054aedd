package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chat"
	"github.com/techresidents/chatsvc/internal/config"
	"github.com/techresidents/chatsvc/internal/handlers"
	"github.com/techresidents/chatsvc/internal/hashring"
	"github.com/techresidents/chatsvc/internal/monitoring"
	"github.com/techresidents/chatsvc/internal/persistence"
	"github.com/techresidents/chatsvc/internal/replication"
)

// Dispatcher is the RPC entry point. Every chat-scoped operation
// resolves the token's primary owner on the hashring and either serves
// locally or forwards to the owning peer.
type Dispatcher struct {
	cfg        *config.Config
	self       hashring.Node
	ring       *hashring.Ring
	chats      *chat.Manager
	handlers   *handlers.Manager
	replicator *replication.Replicator
	persister  *persistence.Persister
	peers      PeerClient
	suspend    func(time.Duration)
	logger     zerolog.Logger

	shuttingDown atomic.Bool
}

// NewDispatcher wires the dispatcher. suspend backs the test-only
// ExpireSession hook and may be nil.
func NewDispatcher(cfg *config.Config, self hashring.Node, ring *hashring.Ring, chats *chat.Manager, hm *handlers.Manager, repl *replication.Replicator, pers *persistence.Persister, peers PeerClient, suspend func(time.Duration), logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		self:       self,
		ring:       ring,
		chats:      chats,
		handlers:   hm,
		replicator: repl,
		persister:  pers,
		peers:      peers,
		suspend:    suspend,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Shutdown puts the dispatcher in drain mode: chat RPCs fail
// Unavailable instead of touching stopping components.
func (d *Dispatcher) Shutdown() {
	d.shuttingDown.Store(true)
}

// resolve finds the primary for token. local is true when this node
// owns it.
func (d *Dispatcher) resolve(token string) (primary hashring.Node, local bool, err error) {
	if d.shuttingDown.Load() {
		return hashring.Node{}, false, fmt.Errorf("%w: shutting down", ErrUnavailable)
	}
	pl := hashring.PreferenceListIn(d.ring.Current(), token, !d.cfg.AllowSameHost)
	if len(pl) == 0 {
		return hashring.Node{}, false, fmt.Errorf("%w: no nodes available", ErrUnavailable)
	}
	primary = pl[0]
	if primary.ServiceKey == d.self.ServiceKey {
		return primary, true, nil
	}
	if !d.cfg.AllowForwarding {
		return primary, false, fmt.Errorf("%w: chat %s is owned by %s and forwarding is disabled",
			ErrUnavailable, token, primary.ServiceKey)
	}
	return primary, false, nil
}

// GetHashring returns the full ring in position order.
func (d *Dispatcher) GetHashring() []hashring.Position {
	return d.ring.Current()
}

// GetPreferenceList returns the deduplicated owner list for chatToken.
func (d *Dispatcher) GetPreferenceList(chatToken string) []hashring.Node {
	return hashring.PreferenceListIn(d.ring.Current(), chatToken, !d.cfg.AllowSameHost)
}

// GetMessages serves a (possibly long-polling) read on the chat's
// primary, forwarding when the primary is remote.
func (d *Dispatcher) GetMessages(ctx context.Context, rc handlers.RequestContext, chatToken string, asOf float64, block bool, timeout time.Duration) ([]*chat.Message, error) {
	primary, local, err := d.resolve(chatToken)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 || timeout > d.cfg.LongPollWait {
		timeout = d.cfg.LongPollWait
	}
	if !local {
		monitoring.MessagesForwarded.Inc()
		return d.peers.GetMessages(ctx, primary, rc, chatToken, asOf, block, timeout)
	}

	c, err := d.getChat(ctx, chatToken)
	if err != nil {
		return nil, err
	}

	// Poll hook: flag idle users. The emitted status messages go
	// through the full send path so they are stamped, appended, and
	// replicated like client traffic.
	for _, idle := range d.handlers.HandlePoll(ctx, c) {
		if _, err := d.sendLocal(ctx, rc, c, idle, -1, -1); err != nil {
			d.logger.Warn().Err(err).
				Str("chat_token", chatToken).
				Msg("idle-user status send failed")
		}
	}

	monitoring.LongPollWaiters.Inc()
	defer monitoring.LongPollWaiters.Dec()
	return c.MessagesSince(ctx, asOf, rc.UserID, block, timeout), nil
}

// SendMessage accepts one message on the chat's primary, forwarding
// when the primary is remote. n and w of -1 select the configured
// defaults.
func (d *Dispatcher) SendMessage(ctx context.Context, rc handlers.RequestContext, msg *chat.Message, n, w int) (*chat.Message, error) {
	if msg == nil || msg.Header == nil || msg.Header.ChatToken == "" {
		return nil, fmt.Errorf("%w: message header missing", ErrInvalidMessage)
	}
	primary, local, err := d.resolve(msg.Header.ChatToken)
	if err != nil {
		return nil, err
	}
	if !local {
		monitoring.MessagesForwarded.Inc()
		return d.peers.SendMessage(ctx, primary, sendMessageRequest{
			RequestContext: rc,
			Message:        msg,
			N:              n,
			W:              w,
		})
	}

	c, err := d.getChat(ctx, msg.Header.ChatToken)
	if err != nil {
		return nil, err
	}
	return d.sendLocal(ctx, rc, c, msg, n, w)
}

// sendLocal is the owner-side write path: expiry check, duplicate
// suppression, handler fan-out, ordered append, quorum replication,
// end-of-chat persistence.
func (d *Dispatcher) sendLocal(ctx context.Context, rc handlers.RequestContext, c *chat.Chat, msg *chat.Message, n, w int) (*chat.Message, error) {
	start := time.Now()

	if c.Expired() {
		return nil, fmt.Errorf("%w: chat %s expired", ErrInvalidChat, c.Token())
	}
	if msg.Header.ID != "" && c.HasMessage(msg.Header.ID) {
		// Redelivery of an accepted message: nothing to do.
		return msg, nil
	}

	extras, err := d.handlers.Handle(ctx, rc, c, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	batch := append([]*chat.Message{msg}, extras...)
	inserted := c.AppendLocal(batch)
	if len(inserted) == 0 {
		return msg, nil
	}
	monitoring.MessagesSent.Add(float64(len(inserted)))

	result, err := d.replicator.Replicate(ctx, c, inserted, n, w)
	if err != nil {
		return nil, fmt.Errorf("%w: replication enqueue: %v", ErrUnavailable, err)
	}
	if err := result.Wait(ctx, d.cfg.ReplicationTimeout); err != nil {
		// The message stays appended locally; ring-change catch-up
		// will retry the copies.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, m := range inserted {
		if m.EndsChat() {
			if err := d.persister.Persist(ctx, c, persistence.TriggerEnded); err != nil {
				d.logger.Error().Err(err).
					Str("chat_token", c.Token()).
					Msg("persist enqueue failed for ended chat")
			}
			break
		}
	}

	monitoring.SendDuration.Observe(time.Since(start).Seconds())
	return msg, nil
}

// Replicate merges an inbound peer snapshot into the local replica.
func (d *Dispatcher) Replicate(ctx context.Context, snap *chat.Snapshot) error {
	if d.shuttingDown.Load() {
		return fmt.Errorf("%w: shutting down", ErrUnavailable)
	}
	if snap == nil || snap.State == nil || snap.State.Token == "" {
		return fmt.Errorf("%w: snapshot state missing", ErrInvalidMessage)
	}
	c, err := d.getChat(ctx, snap.State.Token)
	if err != nil {
		return err
	}
	c.MergeSnapshot(snap.State)
	monitoring.MessagesReplicated.Add(float64(len(snap.State.Messages)))
	return nil
}

// ExpireSession drops this node off the presence bus for the given
// duration. Test-only; a no-op unless test hooks are enabled.
func (d *Dispatcher) ExpireSession(timeout time.Duration) bool {
	if !d.cfg.TestHooks || d.suspend == nil {
		return false
	}
	d.suspend(timeout)
	return true
}

// OnChatPersisted pushes one final full snapshot so replicas learn
// persisted=true and can garbage-collect the chat themselves.
func (d *Dispatcher) OnChatPersisted(c *chat.Chat) {
	_, local, err := d.resolve(c.Token())
	if err != nil || !local {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ReplicationTimeout)
	defer cancel()
	if _, err := d.replicator.Replicate(ctx, c, c.AllMessages(), -1, -1); err != nil {
		d.logger.Warn().Err(err).
			Str("chat_token", c.Token()).
			Msg("post-persist replication enqueue failed")
	}
}

// OnZombieChat persists an expired, never-ended chat when this node is
// its primary.
func (d *Dispatcher) OnZombieChat(c *chat.Chat) {
	_, local, err := d.resolve(c.Token())
	if err != nil || !local {
		return
	}
	if err := d.persister.Persist(context.Background(), c, persistence.TriggerZombie); err != nil {
		d.logger.Error().Err(err).
			Str("chat_token", c.Token()).
			Msg("zombie persist enqueue failed")
	}
}

func (d *Dispatcher) getChat(ctx context.Context, token string) (*chat.Chat, error) {
	c, err := d.chats.Get(ctx, token)
	if err != nil {
		if errors.Is(err, chat.ErrUnknownChat) {
			return nil, fmt.Errorf("%w: unknown token %s", ErrInvalidChat, token)
		}
		return nil, fmt.Errorf("%w: chat load: %v", ErrInvalidChat, err)
	}
	monitoring.ActiveChats.Set(float64(d.chats.Count()))
	return c, nil
}
