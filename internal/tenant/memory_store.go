package tenant

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tenants[t.ID]; exists {
		return ErrTenantExists
	}

	cp := clone(t)
	m.tenants[t.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; !ok {
		return ErrTenantNotFound
	}
	m.tenants[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Tier != "" && t.Tier != f.Tier {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// clone deep-copies a record so callers never share slices or maps with the
// store's copy.
func clone(t *Tenant) *Tenant {
	cp := *t
	if t.Integrations.Allowed != nil {
		cp.Integrations.Allowed = append([]string(nil), t.Integrations.Allowed...)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.SubscriptionExpiresAt != nil {
		exp := *t.SubscriptionExpiresAt
		cp.SubscriptionExpiresAt = &exp
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
