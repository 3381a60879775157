package tenant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newStoreWith(t *testing.T, tenants ...*Tenant) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	for _, tn := range tenants {
		if err := s.Create(context.Background(), tn); err != nil {
			t.Fatalf("seed %s: %v", tn.ID, err)
		}
	}
	return s
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := newStoreWith(t, New("ten_a", "A", TierFree, now))

	got, err := s.Get(ctx, "ten_a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "A" || got.Tier != TierFree {
		t.Errorf("got %+v", got)
	}

	got.Name = "A renamed"
	got.Tier = TierBasic
	if err := s.Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, _ := s.Get(ctx, "ten_a")
	if again.Name != "A renamed" || again.Tier != TierBasic {
		t.Errorf("update not persisted: %+v", again)
	}
}

func TestMemoryStoreErrors(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newStoreWith(t, New("ten_a", "A", TierFree, now))

	if _, err := s.Get(ctx, "ten_missing"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Get miss = %v, want ErrTenantNotFound", err)
	}
	if err := s.Update(ctx, New("ten_missing", "X", TierFree, now)); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Update miss = %v, want ErrTenantNotFound", err)
	}
	if err := s.Create(ctx, New("ten_a", "Dup", TierFree, now)); !errors.Is(err, ErrTenantExists) {
		t.Errorf("duplicate Create = %v, want ErrTenantExists", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	suspended := New("ten_c", "C", TierBasic, now)
	suspended.Status = StatusSuspended
	s := newStoreWith(t,
		New("ten_a", "A", TierFree, now),
		New("ten_b", "B", TierPremium, now),
		suspended,
	)

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	// Deterministic order by ID
	if all[0].ID != "ten_a" || all[2].ID != "ten_c" {
		t.Errorf("order: %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	active, _ := s.List(ctx, Filter{Status: StatusActive})
	if len(active) != 2 {
		t.Errorf("active = %d, want 2", len(active))
	}

	premium, _ := s.List(ctx, Filter{Tier: TierPremium})
	if len(premium) != 1 || premium[0].ID != "ten_b" {
		t.Errorf("premium filter: %v", premium)
	}

	both, _ := s.List(ctx, Filter{Status: StatusSuspended, Tier: TierBasic})
	if len(both) != 1 || both[0].ID != "ten_c" {
		t.Errorf("combined filter: %v", both)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	tn := New("ten_iso", "Iso", TierBasic, time.Now())
	tn.Integrations.Allowed = []string{"telematics"}
	tn.Metadata = map[string]string{"region": "eu"}
	s := newStoreWith(t, tn)

	// Mutating the seeded value after Create must not affect the store
	tn.Integrations.Allowed[0] = "tampered"
	tn.Metadata["region"] = "tampered"

	got, _ := s.Get(ctx, "ten_iso")
	if got.Integrations.Allowed[0] != "telematics" || got.Metadata["region"] != "eu" {
		t.Error("store shares memory with the caller's record on Create")
	}

	// Mutating a Get result must not affect subsequent reads
	got.Integrations.Allowed[0] = "tampered"
	got.Metadata["region"] = "tampered"
	got.Usage.CallsToday = 999

	again, _ := s.Get(ctx, "ten_iso")
	if again.Integrations.Allowed[0] != "telematics" || again.Metadata["region"] != "eu" {
		t.Error("store shares memory with Get results")
	}
	if again.Usage.CallsToday != 0 {
		t.Error("counter mutated through a Get result")
	}
}
