package mfa

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store, used by tests.
type MemStore struct {
	mu    sync.Mutex
	secret map[string]secretEntry
	codes  map[string][]string
}

type secretEntry struct {
	ref       string
	confirmed bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		secret: make(map[string]secretEntry),
		codes:  make(map[string][]string),
	}
}

func (m *MemStore) GetSecretRef(ctx context.Context, userID string) (string, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.secret[userID]
	return e.ref, e.confirmed, ok, nil
}

func (m *MemStore) SetSecretRef(ctx context.Context, userID, ref string, confirmed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret[userID] = secretEntry{ref: ref, confirmed: confirmed}
	return nil
}

func (m *MemStore) DeleteSecret(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secret, userID)
	delete(m.codes, userID)
	return nil
}

func (m *MemStore) ListBackupCodeRefs(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.codes[userID]))
	copy(out, m.codes[userID])
	return out, nil
}

func (m *MemStore) ReplaceBackupCodeRefs(ctx context.Context, userID string, refs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]string, len(refs))
	copy(cp, refs)
	m.codes[userID] = cp
	return nil
}

func (m *MemStore) RemoveBackupCodeRef(ctx context.Context, userID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.codes[userID]
	for i, r := range list {
		if r == ref {
			m.codes[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}
