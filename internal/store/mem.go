package store

import (
	"context"
	"sync"

	"github.com/techresidents/chatsvc/internal/chat"
)

// MemMetadata is an in-memory metadata store for tests.
type MemMetadata struct {
	mu    sync.Mutex
	chats map[string]chat.Metadata
}

// NewMemMetadata returns an empty in-memory metadata store.
func NewMemMetadata() *MemMetadata {
	return &MemMetadata{chats: make(map[string]chat.Metadata)}
}

// AddChat registers metadata under its token.
func (m *MemMetadata) AddChat(meta chat.Metadata) {
	m.mu.Lock()
	m.chats[meta.Token] = meta
	m.mu.Unlock()
}

// LookupChat returns the registered metadata or chat.ErrUnknownChat.
func (m *MemMetadata) LookupChat(_ context.Context, token string) (chat.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.chats[token]
	if !ok {
		return chat.Metadata{}, chat.ErrUnknownChat
	}
	return meta, nil
}

// MemArchive is an in-memory archive sink for tests.
type MemArchive struct {
	mu   sync.Mutex
	jobs []ArchiveJob
	err  error
}

// NewMemArchive returns an empty in-memory archive store.
func NewMemArchive() *MemArchive {
	return &MemArchive{}
}

// FailWith makes every subsequent enqueue return err.
func (m *MemArchive) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// EnqueueArchiveJob records the job.
func (m *MemArchive) EnqueueArchiveJob(_ context.Context, job ArchiveJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

// Jobs returns a copy of the recorded jobs.
func (m *MemArchive) Jobs() []ArchiveJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ArchiveJob, len(m.jobs))
	copy(out, m.jobs)
	return out
}
