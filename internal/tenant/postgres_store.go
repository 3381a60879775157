package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, name, status, tier, limits, features, integrations,
	subscription_expires_at, usage, metadata, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	limits, features, integrations, usage, metadata, err := marshalTenant(t)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, string(t.Status), string(t.Tier),
		limits, features, integrations, t.SubscriptionExpiresAt,
		usage, metadata, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrTenantExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	limits, features, integrations, usage, metadata, err := marshalTenant(t)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, status = $2, tier = $3, limits = $4,
			features = $5, integrations = $6, subscription_expires_at = $7,
			usage = $8, metadata = $9, updated_at = $10
		WHERE id = $11`,
		t.Name, string(t.Status), string(t.Tier), limits,
		features, integrations, t.SubscriptionExpiresAt,
		usage, metadata, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	var (
		conds []string
		args  []interface{}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Tier != "" {
		args = append(args, string(f.Tier))
		conds = append(conds, fmt.Sprintf("tier = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func marshalTenant(t *Tenant) (limits, features, integrations, usage, metadata []byte, err error) {
	if limits, err = json.Marshal(t.Limits); err != nil {
		return
	}
	if features, err = json.Marshal(t.Features); err != nil {
		return
	}
	if integrations, err = json.Marshal(t.Integrations); err != nil {
		return
	}
	if usage, err = json.Marshal(t.Usage); err != nil {
		return
	}
	metadata, err = json.Marshal(t.Metadata)
	return
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		status, tier string
		expiresAt    sql.NullTime
		limits       []byte
		features     []byte
		integrations []byte
		usage        []byte
		metadata     []byte
	)
	err := row.Scan(&t.ID, &t.Name, &status, &tier, &limits, &features,
		&integrations, &expiresAt, &usage, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Tier = Tier(tier)
	if expiresAt.Valid {
		t.SubscriptionExpiresAt = &expiresAt.Time
	}
	if err := json.Unmarshal(limits, &t.Limits); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(features, &t.Features); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(integrations, &t.Integrations); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(usage, &t.Usage); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &t.Metadata)
	}
	return t, nil
}

// Migrate creates the tenants table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id                      TEXT PRIMARY KEY,
			name                    TEXT NOT NULL,
			status                  TEXT NOT NULL DEFAULT 'active',
			tier                    TEXT NOT NULL DEFAULT 'free',
			limits                  JSONB NOT NULL DEFAULT '{}',
			features                JSONB NOT NULL DEFAULT '{}',
			integrations            JSONB NOT NULL DEFAULT '{}',
			subscription_expires_at TIMESTAMPTZ,
			usage                   JSONB NOT NULL DEFAULT '{}',
			metadata                JSONB NOT NULL DEFAULT '{}',
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);
		CREATE INDEX IF NOT EXISTS idx_tenants_tier ON tenants(tier);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
