// Package tenant manages the accounts that own store credentials. A tenant
// is identified solely by its master key: the key is never stored, only a
// bcrypt hash, so authentication scans the stored hashes for a match.
package tenant

import (
	"context"
	"time"
)

// Tenant is an account owning a set of encrypted store credentials.
type Tenant struct {
	ID            string
	MasterKeyHash string
	Salt          string
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

// Repository defines persistence operations for tenants.
type Repository interface {
	Create(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	Delete(ctx context.Context, id string) error
	// Touch records that the tenant authenticated successfully.
	Touch(ctx context.Context, id string, at time.Time) error
}
