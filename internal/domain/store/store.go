// Package store manages per-tenant OrderDesk store credentials. API keys
// are held encrypted at rest and only decrypted with the tenant's derived
// key at the moment an upstream call needs them.
package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/orderdesk-bridge/internal/vault"
)

// ErrNotFound indicates the referenced store is not registered for the
// tenant.
var ErrNotFound = errors.New("store not found")

// Store is a registered OrderDesk store credential owned by a tenant.
type Store struct {
	ID         string
	TenantID   string
	StoreID    string
	Name       string
	Credential vault.EncryptedCredential
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Metadata is the listing view of a store: everything except the encrypted
// credential material.
type Metadata struct {
	StoreID   string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Metadata returns the store's listing view.
func (s *Store) Metadata() Metadata {
	return Metadata{
		StoreID:   s.StoreID,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Repository defines persistence operations for store credentials. Name
// lookups are case-insensitive.
type Repository interface {
	Create(ctx context.Context, s *Store) error
	ListByTenant(ctx context.Context, tenantID string) ([]Store, error)
	GetByStoreID(ctx context.Context, tenantID, storeID string) (*Store, error)
	GetByName(ctx context.Context, tenantID, name string) (*Store, error)
	Update(ctx context.Context, s *Store) error
	Delete(ctx context.Context, tenantID, storeID string) error
}
