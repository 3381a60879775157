package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfleet/fleetgate/internal/tenant"
	"github.com/openfleet/fleetgate/internal/testutil"
)

func pgKeyStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)

	// api_keys references tenants, so seed the owning row first
	ts := tenant.NewPostgresStore(db)
	tn := tenant.New("ten_keys", "Key Co", tenant.TierBasic, time.Now().UTC())
	if err := ts.Create(context.Background(), tn); err != nil {
		cleanup()
		t.Fatalf("seed tenant: %v", err)
	}
	return NewPostgresStore(db), cleanup
}

func TestPostgresKeyStoreRoundTrip(t *testing.T) {
	s, cleanup := pgKeyStore(t)
	defer cleanup()
	ctx := context.Background()

	key := &APIKey{
		ID:        "key_pg1",
		Hash:      "hash_pg1",
		TenantID:  "ten_keys",
		Name:      "CI key",
		Scopes:    []string{"fleet:query", "data:realtime"},
		CreatedAt: time.Now().UTC(),
		LastUsed:  time.Now().UTC(),
	}
	if err := s.Create(ctx, key); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByHash(ctx, "hash_pg1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "key_pg1" || got.TenantID != "ten_keys" || got.Name != "CI key" {
		t.Errorf("got %+v", got)
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != "fleet:query" {
		t.Errorf("scopes not round-tripped: %v", got.Scopes)
	}
}

func TestPostgresKeyStoreRevokedAndExpiredInvisible(t *testing.T) {
	s, cleanup := pgKeyStore(t)
	defer cleanup()
	ctx := context.Background()

	revoked := &APIKey{
		ID: "key_rev", Hash: "hash_rev", TenantID: "ten_keys",
		Name: "revoked", CreatedAt: time.Now().UTC(), Revoked: true,
	}
	past := time.Now().UTC().Add(-time.Hour)
	expired := &APIKey{
		ID: "key_exp", Hash: "hash_exp", TenantID: "ten_keys",
		Name: "expired", CreatedAt: time.Now().UTC(), ExpiresAt: &past,
	}
	for _, k := range []*APIKey{revoked, expired} {
		if err := s.Create(ctx, k); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.GetByHash(ctx, "hash_rev"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("revoked key lookup = %v, want ErrKeyNotFound", err)
	}
	if _, err := s.GetByHash(ctx, "hash_exp"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expired key lookup = %v, want ErrKeyNotFound", err)
	}

	// GetByTenant lists everything, revoked included, for audit views
	all, err := s.GetByTenant(ctx, "ten_keys")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("tenant listing = %d keys, want 2", len(all))
	}
}

func TestPostgresKeyStoreUpdateAndDelete(t *testing.T) {
	s, cleanup := pgKeyStore(t)
	defer cleanup()
	ctx := context.Background()

	key := &APIKey{
		ID: "key_upd", Hash: "hash_upd", TenantID: "ten_keys",
		Name: "before", CreatedAt: time.Now().UTC(),
	}
	if err := s.Create(ctx, key); err != nil {
		t.Fatal(err)
	}

	key.Revoked = true
	if err := s.Update(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetByHash(ctx, "hash_upd"); !errors.Is(err, ErrKeyNotFound) {
		t.Error("revocation via Update should hide the key from hash lookup")
	}

	if err := s.Delete(ctx, "key_upd"); err != nil {
		t.Fatal(err)
	}
	all, _ := s.GetByTenant(ctx, "ten_keys")
	if len(all) != 0 {
		t.Errorf("key still listed after delete: %d", len(all))
	}
}
