package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/upstream"
	"github.com/xenking/orderdesk-bridge/internal/vault"
)

// Tester verifies a credential pair against the upstream API before it is
// accepted or after a rotation. Satisfied by the upstream client factory.
type Tester interface {
	Test(ctx context.Context, creds upstream.Credentials, tenantID, correlationID string) error
}

// Service encapsulates credential registration and lifecycle. API keys pass
// through in plaintext only inside a single call; at rest they exist solely
// as AES-GCM ciphertext under the tenant's derived key.
type Service struct {
	vault  *vault.Vault
	stores Repository
	now    func() time.Time
}

// NewService creates a store Service.
func NewService(v *vault.Vault, stores Repository) *Service {
	return &Service{vault: v, stores: stores, now: time.Now}
}

// Register encrypts and stores a new credential. The display name defaults
// to the store id. Duplicate store ids or names fail with fault.Validation.
func (s *Service) Register(ctx context.Context, tenantID string, tenantKey []byte, storeID, apiKey, name string) (*Store, error) {
	fields := make(map[string]string)
	if storeID == "" {
		fields["store_id"] = "required"
	}
	if apiKey == "" {
		fields["api_key"] = "required"
	}
	if len(fields) > 0 {
		return nil, &fault.Validation{Message: "store id and api key are required", Fields: fields}
	}
	if name == "" {
		name = storeID
	}

	if existing, err := s.stores.GetByStoreID(ctx, tenantID, storeID); err == nil && existing != nil {
		return nil, &fault.Validation{
			Message: "store already registered",
			Fields:  map[string]string{"store_id": "already registered"},
		}
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "check store id")
	}
	if existing, err := s.stores.GetByName(ctx, tenantID, name); err == nil && existing != nil {
		return nil, &fault.Validation{
			Message: "store name already in use",
			Fields:  map[string]string{"name": "already in use"},
		}
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "check store name")
	}

	enc, err := s.vault.EncryptCredential(apiKey, tenantKey)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt api key")
	}

	st := &Store{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		StoreID:    storeID,
		Name:       name,
		Credential: enc,
		CreatedAt:  s.now(),
		UpdatedAt:  s.now(),
	}
	if err := s.stores.Create(ctx, st); err != nil {
		return nil, errors.Wrap(err, "create store")
	}
	return st, nil
}

// List returns the tenant's stores without any credential material.
func (s *Service) List(ctx context.Context, tenantID string) ([]Metadata, error) {
	all, err := s.stores.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list stores")
	}
	out := make([]Metadata, len(all))
	for i := range all {
		out[i] = all[i].Metadata()
	}
	return out, nil
}

// Resolve finds the store a request refers to: by store id first, then by
// case-insensitive name, then the session's active store when ref is empty.
// A tenant with exactly one registered store may omit the reference
// entirely.
func (s *Service) Resolve(ctx context.Context, tenantID, ref, activeStoreID string) (*Store, error) {
	if ref == "" {
		if activeStoreID == "" {
			// A tenant with a single store never has to name it.
			all, err := s.stores.ListByTenant(ctx, tenantID)
			if err != nil {
				return nil, errors.Wrap(err, "list stores")
			}
			if len(all) == 1 {
				st := all[0]
				return &st, nil
			}
			return nil, &fault.Validation{
				Message: "no store selected",
				Fields:  map[string]string{"store": "pass a store id or select one first"},
			}
		}
		ref = activeStoreID
	}

	st, err := s.stores.GetByStoreID(ctx, tenantID, ref)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "resolve store by id")
	}

	st, err = s.stores.GetByName(ctx, tenantID, ref)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "resolve store by name")
	}
	return nil, &fault.NotFound{Resource: "store", ID: ref}
}

// Rotate replaces the store's API key, re-encrypting under the tenant key.
func (s *Service) Rotate(ctx context.Context, st *Store, tenantKey []byte, newKey string) error {
	if newKey == "" {
		return &fault.Validation{
			Message: "new api key required",
			Fields:  map[string]string{"api_key": "required"},
		}
	}
	enc, err := s.vault.EncryptCredential(newKey, tenantKey)
	if err != nil {
		return errors.Wrap(err, "encrypt api key")
	}
	st.Credential = enc
	st.UpdatedAt = s.now()
	if err := s.stores.Update(ctx, st); err != nil {
		return errors.Wrap(err, "update store")
	}
	return nil
}

// Remove deletes the store credential.
func (s *Service) Remove(ctx context.Context, tenantID, storeID string) error {
	if err := s.stores.Delete(ctx, tenantID, storeID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &fault.NotFound{Resource: "store", ID: storeID}
		}
		return errors.Wrap(err, "delete store")
	}
	return nil
}

// Credentials decrypts the store's API key with the tenant key.
func (s *Service) Credentials(st *Store, tenantKey []byte) (upstream.Credentials, error) {
	apiKey, err := s.vault.DecryptCredential(st.Credential, tenantKey)
	if err != nil {
		return upstream.Credentials{}, err
	}
	return upstream.Credentials{StoreID: st.StoreID, APIKey: apiKey}, nil
}

// TestCredentials decrypts the store's API key and verifies it against the
// upstream API.
func (s *Service) TestCredentials(ctx context.Context, tester Tester, st *Store, tenantKey []byte, tenantID, correlationID string) error {
	creds, err := s.Credentials(st, tenantKey)
	if err != nil {
		return err
	}
	return tester.Test(ctx, creds, tenantID, correlationID)
}
