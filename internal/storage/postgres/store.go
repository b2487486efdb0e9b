package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderdesk-bridge/internal/domain/store"
)

var _ store.Repository = (*StoreRepository)(nil)

// StoreRepository implements store.Repository backed by PostgreSQL.
// Credential material stays base64-encoded text end to end; the database
// never sees a plaintext API key.
type StoreRepository struct {
	pool *pgxpool.Pool
}

// NewStoreRepository returns a StoreRepository that uses the given pool.
func NewStoreRepository(pool *pgxpool.Pool) *StoreRepository {
	return &StoreRepository{pool: pool}
}

const storeColumns = `id, tenant_id, store_id, name, ciphertext, tag, nonce, created_at, updated_at`

// Create persists a new store credential.
func (r *StoreRepository) Create(ctx context.Context, s *store.Store) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stores (`+storeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.TenantID, s.StoreID, s.Name,
		s.Credential.Ciphertext, s.Credential.Tag, s.Credential.Nonce,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create store %q", s.StoreID)
	}
	return nil
}

// ListByTenant returns the tenant's stores ordered by name.
func (r *StoreRepository) ListByTenant(ctx context.Context, tenantID string) ([]store.Store, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+storeColumns+` FROM stores
		WHERE tenant_id = $1 ORDER BY name`,
		tenantID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list stores")
	}
	defer rows.Close()

	var out []store.Store
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate stores")
	}
	return out, nil
}

// GetByStoreID fetches a store by its upstream store id. Returns
// store.ErrNotFound when absent.
func (r *StoreRepository) GetByStoreID(ctx context.Context, tenantID, storeID string) (*store.Store, error) {
	return r.getOne(ctx, `
		SELECT `+storeColumns+` FROM stores
		WHERE tenant_id = $1 AND store_id = $2`,
		tenantID, storeID,
	)
}

// GetByName fetches a store by display name, case-insensitively. Returns
// store.ErrNotFound when absent.
func (r *StoreRepository) GetByName(ctx context.Context, tenantID, name string) (*store.Store, error) {
	return r.getOne(ctx, `
		SELECT `+storeColumns+` FROM stores
		WHERE tenant_id = $1 AND lower(name) = lower($2)`,
		tenantID, name,
	)
}

// Update rewrites the store's mutable columns (name, credential, updated_at).
func (r *StoreRepository) Update(ctx context.Context, s *store.Store) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE stores
		SET name = $2, ciphertext = $3, tag = $4, nonce = $5, updated_at = $6
		WHERE id = $1`,
		s.ID, s.Name,
		s.Credential.Ciphertext, s.Credential.Tag, s.Credential.Nonce,
		s.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update store %q", s.StoreID)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes a store credential.
func (r *StoreRepository) Delete(ctx context.Context, tenantID, storeID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM stores WHERE tenant_id = $1 AND store_id = $2`,
		tenantID, storeID,
	)
	if err != nil {
		return errors.Wrapf(err, "delete store %q", storeID)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *StoreRepository) getOne(ctx context.Context, query string, args ...any) (*store.Store, error) {
	s, err := scanStore(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "get store")
	}
	return s, nil
}

func scanStore(row pgx.Row) (*store.Store, error) {
	var s store.Store
	err := row.Scan(
		&s.ID, &s.TenantID, &s.StoreID, &s.Name,
		&s.Credential.Ciphertext, &s.Credential.Tag, &s.Credential.Nonce,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
