package tenant

import "context"

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status Status
	Tier   Tier
}

// Store persists tenant data.
//
// Implementations must treat a lookup miss as ErrTenantNotFound, never as a
// default record; callers depend on absence being a hard denial.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	List(ctx context.Context, f Filter) ([]*Tenant, error)
}
