package auth

import (
	"context"
	"sync"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// MemAccountStore is an in-memory TradingAccountStore, used by tests.
type MemAccountStore struct {
	mu          sync.Mutex
	accounts    map[string]*TradingAccount
	memberships map[string]map[string]bool // accountID -> userID -> granted
}

func NewMemAccountStore() *MemAccountStore {
	return &MemAccountStore{
		accounts:    make(map[string]*TradingAccount),
		memberships: make(map[string]map[string]bool),
	}
}

func (m *MemAccountStore) Create(ctx context.Context, a *TradingAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[a.ID]; exists {
		return apperr.ErrConflict
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemAccountStore) GetByID(ctx context.Context, id string) (*TradingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemAccountStore) UpdateStatus(ctx context.Context, id string, status TradingAccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return apperr.ErrNotFound
	}
	a.Status = status
	return nil
}

func (m *MemAccountStore) UpdateVaultRef(ctx context.Context, id, vaultRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return apperr.ErrNotFound
	}
	a.VaultRef = vaultRef
	return nil
}

func (m *MemAccountStore) ListAccountIDsForUser(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, a := range m.accounts {
		if a.Status == TradingAccountRevoked {
			continue
		}
		if a.OwnerID == userID {
			out = append(out, id)
			continue
		}
		if m.memberships[id][userID] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemAccountStore) AddMembership(ctx context.Context, accountID, userID, grantedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return apperr.ErrNotFound
	}
	if m.memberships[accountID] == nil {
		m.memberships[accountID] = make(map[string]bool)
	}
	m.memberships[accountID][userID] = true
	return nil
}

func (m *MemAccountStore) RemoveMembership(ctx context.Context, accountID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memberships[accountID], userID)
	return nil
}

func (m *MemAccountStore) IsMember(ctx context.Context, accountID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memberships[accountID][userID], nil
}
