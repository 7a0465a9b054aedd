package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetadataStore loads a chat's row from the external metadata store.
// Implementations must return ErrUnknownChat for tokens with no row.
type MetadataStore interface {
	LookupChat(ctx context.Context, token string) (Metadata, error)
}

// Manager owns the token -> Chat map. Chats are created lazily on
// first reference; the metadata load runs asynchronously and all
// concurrent getters for the same token wait on the same loaded
// signal.
type Manager struct {
	store           MetadataStore
	expirationGrace time.Duration
	loadTimeout     time.Duration
	logger          zerolog.Logger

	mu    sync.Mutex
	chats map[string]*Chat
}

// NewManager returns an empty registry backed by the given metadata
// store.
func NewManager(store MetadataStore, expirationGrace time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		store:           store,
		expirationGrace: expirationGrace,
		loadTimeout:     10 * time.Second,
		logger:          logger.With().Str("component", "chat_manager").Logger(),
		chats:           make(map[string]*Chat),
	}
}

// Get returns the chat for token, creating it and triggering the
// metadata load on first reference. It blocks until the load completes
// and returns ErrUnknownChat when the token has no metadata row. A
// failed load drops the placeholder so a later Get retries.
func (m *Manager) Get(ctx context.Context, token string) (*Chat, error) {
	m.mu.Lock()
	c, ok := m.chats[token]
	if !ok {
		c = New(token, m.expirationGrace)
		m.chats[token] = c
		go m.load(c)
	}
	m.mu.Unlock()

	if err := c.WaitLoaded(ctx); err != nil {
		m.mu.Lock()
		// Only evict the placeholder we created; a successful
		// concurrent retry may have replaced it.
		if cur, ok := m.chats[token]; ok && cur == c && !c.Loaded() {
			delete(m.chats, token)
		}
		m.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// load fetches metadata for c and releases its waiters.
func (m *Manager) load(c *Chat) {
	ctx, cancel := context.WithTimeout(context.Background(), m.loadTimeout)
	defer cancel()

	meta, err := m.store.LookupChat(ctx, c.Token())
	if err != nil {
		m.logger.Warn().Err(err).Str("chat_token", c.Token()).Msg("chat metadata load failed")
		c.failLoad(err)
		return
	}
	c.completeLoad(meta)
}

// Peek returns the chat for token without creating or loading one.
func (m *Manager) Peek(token string) (*Chat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[token]
	return c, ok
}

// All returns a snapshot of every registered chat for sweepers.
func (m *Manager) All() []*Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Chat, 0, len(m.chats))
	for _, c := range m.chats {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered chats.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chats)
}

// Remove drops the chat for token from the registry.
func (m *Manager) Remove(token string) {
	m.mu.Lock()
	delete(m.chats, token)
	m.mu.Unlock()
}

// TriggerAll pulses every chat's message signal so outstanding
// long-polls return. Called during shutdown.
func (m *Manager) TriggerAll() {
	for _, c := range m.All() {
		c.Pulse()
	}
}
