// Package registry enforces one live session per carrier stream.
package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrClaimed is returned when another session already owns the stream.
var ErrClaimed = errors.New("registry: stream already has a live session")

// Registry tracks which session owns each carrier stream id.
type Registry interface {
	// Claim records sessionID as the owner of streamSid.
	Claim(ctx context.Context, streamSid, sessionID string) error
	// Release drops the claim if sessionID still owns it.
	Release(ctx context.Context, streamSid, sessionID string) error
	Close() error
}

// Memory is a process-local Registry.
type Memory struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemory() *Memory {
	return &Memory{owners: make(map[string]string)}
}

func (m *Memory) Claim(_ context.Context, streamSid, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[streamSid]; ok {
		return ErrClaimed
	}
	m.owners[streamSid] = sessionID
	return nil
}

func (m *Memory) Release(_ context.Context, streamSid, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[streamSid] == sessionID {
		delete(m.owners, streamSid)
	}
	return nil
}

// Len reports the number of live claims.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}

func (m *Memory) Close() error { return nil }
