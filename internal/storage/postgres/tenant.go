package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderdesk-bridge/internal/domain/tenant"
	"github.com/xenking/orderdesk-bridge/internal/fault"
)

var _ tenant.Repository = (*TenantRepository)(nil)

// TenantRepository implements tenant.Repository backed by PostgreSQL.
type TenantRepository struct {
	pool *pgxpool.Pool
}

// NewTenantRepository returns a TenantRepository that uses the given pool.
func NewTenantRepository(pool *pgxpool.Pool) *TenantRepository {
	return &TenantRepository{pool: pool}
}

// Create persists a new tenant.
func (r *TenantRepository) Create(ctx context.Context, t *tenant.Tenant) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenants (id, master_key_hash, salt, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.MasterKeyHash, t.Salt, t.CreatedAt, t.LastUsedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create tenant %q", t.ID)
	}
	return nil
}

// GetByID fetches a tenant by id. Returns fault.NotFound when absent.
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT id, master_key_hash, salt, created_at, last_used_at
		FROM tenants WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.MasterKeyHash, &t.Salt, &t.CreatedAt, &t.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &fault.NotFound{Resource: "tenant", ID: id}
		}
		return nil, errors.Wrapf(err, "get tenant %q", id)
	}
	return &t, nil
}

// List returns every tenant. Authentication scans the result for a matching
// master key hash, so ordering is stable but irrelevant.
func (r *TenantRepository) List(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, master_key_hash, salt, created_at, last_used_at
		FROM tenants ORDER BY created_at`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		var t tenant.Tenant
		if err := rows.Scan(&t.ID, &t.MasterKeyHash, &t.Salt, &t.CreatedAt, &t.LastUsedAt); err != nil {
			return nil, errors.Wrap(err, "scan tenant")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate tenants")
	}
	return out, nil
}

// Delete removes a tenant; its stores cascade.
func (r *TenantRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return errors.Wrapf(err, "delete tenant %q", id)
	}
	if tag.RowsAffected() == 0 {
		return &fault.NotFound{Resource: "tenant", ID: id}
	}
	return nil
}

// Touch updates the tenant's last-used timestamp.
func (r *TenantRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE tenants SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return errors.Wrapf(err, "touch tenant %q", id)
	}
	return nil
}
