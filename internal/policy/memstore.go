package policy

import "context"

// MemStore is a static in-memory Store, used by tests.
type MemStore struct {
	Policies []Policy
}

func (m *MemStore) List(ctx context.Context) ([]Policy, error) {
	out := make([]Policy, len(m.Policies))
	copy(out, m.Policies)
	return out, nil
}
