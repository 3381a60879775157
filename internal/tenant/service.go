package tenant

import (
	"context"
	"fmt"
	"time"
)

// Service implements tenant lifecycle operations on top of a Store.
type Service struct {
	store Store
}

// NewService creates a new tenant service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Store exposes the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Suspend marks a tenant suspended and records the reason. A suspended tenant
// is denied every operation until reactivated; the record itself is kept.
func (s *Service) Suspend(ctx context.Context, id, reason string) (*Tenant, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	t.Status = StatusSuspended
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata["suspensionReason"] = reason
	t.Metadata["suspendedAt"] = now.UTC().Format(time.RFC3339)
	t.UpdatedAt = now

	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("suspend tenant %s: %w", id, err)
	}
	return t, nil
}

// Reactivate restores a suspended tenant to active. Usage counters and limits
// are preserved; reactivation never re-creates the record.
func (s *Service) Reactivate(ctx context.Context, id string) (*Tenant, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusSuspended {
		return nil, ErrNotSuspended
	}

	now := time.Now()
	t.Status = StatusActive
	delete(t.Metadata, "suspensionReason")
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata["reactivatedAt"] = now.UTC().Format(time.RFC3339)
	t.UpdatedAt = now

	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("reactivate tenant %s: %w", id, err)
	}
	return t, nil
}
