//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/orderdesk-bridge/internal/domain/store"
	"github.com/xenking/orderdesk-bridge/internal/domain/tenant"
	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/vault"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "bridge",
				"POSTGRES_PASSWORD": "bridge",
				"POSTGRES_DB":       "bridge",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://bridge:bridge@%s:%s/bridge?sslmode=disable", host, port.Port())
	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func newTenant(t *testing.T) *tenant.Tenant {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &tenant.Tenant{
		ID:            uuid.New().String(),
		MasterKeyHash: "$2a$10$" + uuid.New().String(),
		Salt:          uuid.New().String(),
		CreatedAt:     now,
		LastUsedAt:    now,
	}
}

func newStore(t *testing.T, tenantID, storeID, name string) *store.Store {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &store.Store{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		StoreID:  storeID,
		Name:     name,
		Credential: vault.EncryptedCredential{
			Ciphertext: "Y2lwaGVy",
			Tag:        "dGFn",
			Nonce:      "bm9uY2U=",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRepositories(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	tenants := NewTenantRepository(pool)
	stores := NewStoreRepository(pool)

	t.Run("tenant roundtrip", func(t *testing.T) {
		in := newTenant(t)
		require.NoError(t, tenants.Create(ctx, in))

		got, err := tenants.GetByID(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, in.MasterKeyHash, got.MasterKeyHash)
		assert.Equal(t, in.Salt, got.Salt)

		all, err := tenants.List(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, all)

		at := time.Now().UTC().Truncate(time.Microsecond).Add(time.Hour)
		require.NoError(t, tenants.Touch(ctx, in.ID, at))
		got, err = tenants.GetByID(ctx, in.ID)
		require.NoError(t, err)
		assert.True(t, got.LastUsedAt.Equal(at))
	})

	t.Run("tenant not found", func(t *testing.T) {
		_, err := tenants.GetByID(ctx, uuid.New().String())
		var nf *fault.NotFound
		require.ErrorAs(t, err, &nf)

		err = tenants.Delete(ctx, uuid.New().String())
		require.ErrorAs(t, err, &nf)
	})

	t.Run("store roundtrip and lookups", func(t *testing.T) {
		owner := newTenant(t)
		require.NoError(t, tenants.Create(ctx, owner))

		in := newStore(t, owner.ID, "12345", "Production")
		require.NoError(t, stores.Create(ctx, in))

		byID, err := stores.GetByStoreID(ctx, owner.ID, "12345")
		require.NoError(t, err)
		assert.Equal(t, in.Credential, byID.Credential)

		byName, err := stores.GetByName(ctx, owner.ID, "pRoDuCtIoN")
		require.NoError(t, err)
		assert.Equal(t, in.ID, byName.ID)

		listed, err := stores.ListByTenant(ctx, owner.ID)
		require.NoError(t, err)
		require.Len(t, listed, 1)

		byID.Credential.Ciphertext = "bmV3"
		byID.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, stores.Update(ctx, byID))

		updated, err := stores.GetByStoreID(ctx, owner.ID, "12345")
		require.NoError(t, err)
		assert.Equal(t, "bmV3", updated.Credential.Ciphertext)

		require.NoError(t, stores.Delete(ctx, owner.ID, "12345"))
		_, err = stores.GetByStoreID(ctx, owner.ID, "12345")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate store id rejected", func(t *testing.T) {
		owner := newTenant(t)
		require.NoError(t, tenants.Create(ctx, owner))

		require.NoError(t, stores.Create(ctx, newStore(t, owner.ID, "777", "a")))
		err := stores.Create(ctx, newStore(t, owner.ID, "777", "b"))
		require.Error(t, err)
	})

	t.Run("duplicate name rejected case-insensitively", func(t *testing.T) {
		owner := newTenant(t)
		require.NoError(t, tenants.Create(ctx, owner))

		require.NoError(t, stores.Create(ctx, newStore(t, owner.ID, "881", "Staging")))
		err := stores.Create(ctx, newStore(t, owner.ID, "882", "staging"))
		require.Error(t, err)
	})

	t.Run("deleting tenant cascades to stores", func(t *testing.T) {
		owner := newTenant(t)
		require.NoError(t, tenants.Create(ctx, owner))
		require.NoError(t, stores.Create(ctx, newStore(t, owner.ID, "991", "doomed")))

		require.NoError(t, tenants.Delete(ctx, owner.ID))

		_, err := stores.GetByStoreID(ctx, owner.ID, "991")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
