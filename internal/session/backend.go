package session

import (
	"context"
	"sync"

	"github.com/lgulliver/conduit/pkg/types"
)

// Backend persists session records. Every method is scoped to one owner;
// the Store guarantees that calls for the same owner never overlap.
type Backend interface {
	// List returns every session recorded for the owner
	List(ctx context.Context, ownerID string) ([]*types.UploadSession, error)

	// Put inserts or replaces the given sessions
	Put(ctx context.Context, ownerID string, sessions ...*types.UploadSession) error

	// Delete removes the given sessions; unknown ids are ignored
	Delete(ctx context.Context, ownerID string, sessionIDs ...string) error
}

// MemoryBackend keeps sessions in process memory
type MemoryBackend struct {
	mu     sync.RWMutex
	owners map[string]map[string]*types.UploadSession
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{owners: make(map[string]map[string]*types.UploadSession)}
}

func (m *MemoryBackend) List(ctx context.Context, ownerID string) ([]*types.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := m.owners[ownerID]
	out := make([]*types.UploadSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *MemoryBackend) Put(ctx context.Context, ownerID string, sessions ...*types.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.owners[ownerID]
	if !ok {
		bucket = make(map[string]*types.UploadSession)
		m.owners[ownerID] = bucket
	}
	for _, s := range sessions {
		bucket[s.SessionID] = s.Clone()
	}
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, ownerID string, sessionIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.owners[ownerID]
	for _, id := range sessionIDs {
		delete(bucket, id)
	}
	if len(bucket) == 0 {
		delete(m.owners, ownerID)
	}
	return nil
}
