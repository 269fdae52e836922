package auth

import (
	"context"
	"sync"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// MemStore is an in-memory Store, used by tests.
type MemStore struct {
	mu    sync.Mutex
	users map[string]*User // by ID
	roles map[string][]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		users: make(map[string]*User),
		roles: make(map[string][]string),
	}
}

func (m *MemStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.ErrUserNotFound
}

func (m *MemStore) GetByID(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return apperr.ErrConflict
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *MemStore) UpdateStatus(ctx context.Context, userID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	u.Status = status
	return nil
}

func (m *MemStore) SetMFAEnabled(ctx context.Context, userID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	u.MFAEnabled = enabled
	return nil
}

func (m *MemStore) SetOAuthProvider(ctx context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return apperr.ErrUserNotFound
	}
	u.OAuthProvider = provider
	return nil
}

func (m *MemStore) Roles(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := m.roles[userID]
	out := make([]string, len(roles))
	copy(out, roles)
	return out, nil
}

func (m *MemStore) AssignRole(ctx context.Context, userID, role, grantedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles[userID] {
		if r == role {
			return nil
		}
	}
	m.roles[userID] = append(m.roles[userID], role)
	return nil
}

func (m *MemStore) RevokeRole(ctx context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := m.roles[userID]
	if len(roles) <= 1 {
		return apperr.New(apperr.KindConflict, "auth: cannot revoke a user's last role")
	}
	out := roles[:0]
	for _, r := range roles {
		if r != role {
			out = append(out, r)
		}
	}
	m.roles[userID] = out
	return nil
}
