package tenant

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/vault"
)

// Service encapsulates tenant authentication and provisioning.
type Service struct {
	vault         *vault.Vault
	tenants       Repository
	autoProvision bool
	now           func() time.Time
}

// NewService creates a tenant Service. When autoProvision is true, an
// unrecognized master key creates a fresh tenant instead of failing.
func NewService(v *vault.Vault, tenants Repository, autoProvision bool) *Service {
	return &Service{
		vault:         v,
		tenants:       tenants,
		autoProvision: autoProvision,
		now:           time.Now,
	}
}

// Authenticate finds the tenant whose stored hash matches the master key.
// The key itself is never persisted, so there is no direct lookup: every
// stored hash is checked until one verifies. Returns fault.Auth when none
// does.
func (s *Service) Authenticate(ctx context.Context, masterKey string) (*Tenant, error) {
	if masterKey == "" {
		return nil, &fault.Auth{Reason: "master key required"}
	}

	all, err := s.tenants.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}

	for i := range all {
		if s.vault.VerifyMasterKey(masterKey, all[i].MasterKeyHash) {
			t := all[i]
			if err := s.tenants.Touch(ctx, t.ID, s.now()); err != nil {
				zctx.From(ctx).Warn("touch tenant",
					zap.String("tenant_id", t.ID), zap.Error(err))
			}
			return &t, nil
		}
	}

	return nil, &fault.Auth{Reason: "unknown master key"}
}

// AuthenticateOrCreate authenticates the master key, provisioning a new
// tenant when the key is unknown and auto-provisioning is enabled.
func (s *Service) AuthenticateOrCreate(ctx context.Context, masterKey string) (*Tenant, bool, error) {
	t, err := s.Authenticate(ctx, masterKey)
	if err == nil {
		return t, false, nil
	}

	var authErr *fault.Auth
	if !errors.As(err, &authErr) || masterKey == "" || !s.autoProvision {
		return nil, false, err
	}

	t, err = s.Provision(ctx, masterKey)
	if err != nil {
		return nil, false, err
	}
	zctx.From(ctx).Info("provisioned tenant", zap.String("tenant_id", t.ID))
	return t, true, nil
}

// Provision creates a tenant for the given master key with a fresh
// key-derivation salt.
func (s *Service) Provision(ctx context.Context, masterKey string) (*Tenant, error) {
	hash, err := s.vault.HashMasterKey(masterKey)
	if err != nil {
		return nil, errors.Wrap(err, "hash master key")
	}
	salt, err := s.vault.GenerateSalt()
	if err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}

	t := &Tenant{
		ID:            uuid.New().String(),
		MasterKeyHash: hash,
		Salt:          salt,
		CreatedAt:     s.now(),
		LastUsedAt:    s.now(),
	}
	if err := s.tenants.Create(ctx, t); err != nil {
		return nil, errors.Wrap(err, "create tenant")
	}
	return t, nil
}

// Delete removes the tenant; stored credentials cascade at the database
// level.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.tenants.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete tenant")
	}
	return nil
}
