package tenant

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/vault"
)

// --- Mock implementations ---

type mockRepo struct {
	tenants  []Tenant
	listErr  error
	created  *Tenant
	touched  []string
	deleted  []string
}

func (m *mockRepo) Create(_ context.Context, t *Tenant) error {
	m.created = t
	m.tenants = append(m.tenants, *t)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id string) (*Tenant, error) {
	for i := range m.tenants {
		if m.tenants[i].ID == id {
			return &m.tenants[i], nil
		}
	}
	return nil, &fault.NotFound{Resource: "tenant", ID: id}
}

func (m *mockRepo) List(_ context.Context) ([]Tenant, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.tenants, nil
}

func (m *mockRepo) Delete(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockRepo) Touch(_ context.Context, id string, _ time.Time) error {
	m.touched = append(m.touched, id)
	return nil
}

// --- Helpers ---

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	root := base64.StdEncoding.EncodeToString(make([]byte, 32))
	v, err := vault.New(root)
	require.NoError(t, err)
	return v
}

// --- Tests ---

func TestAuthenticate_KnownKey(t *testing.T) {
	v := newTestVault(t)
	repo := &mockRepo{}
	svc := NewService(v, repo, false)

	provisioned, err := svc.Provision(context.Background(), "secret-key")
	require.NoError(t, err)

	got, err := svc.Authenticate(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, provisioned.ID, got.ID)
	assert.Equal(t, []string{provisioned.ID}, repo.touched)
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	v := newTestVault(t)
	repo := &mockRepo{}
	svc := NewService(v, repo, false)

	_, err := svc.Provision(context.Background(), "secret-key")
	require.NoError(t, err)

	_, err = svc.Authenticate(context.Background(), "wrong-key")
	var authErr *fault.Auth
	require.ErrorAs(t, err, &authErr)
}

func TestAuthenticate_EmptyKey(t *testing.T) {
	svc := NewService(newTestVault(t), &mockRepo{}, false)

	_, err := svc.Authenticate(context.Background(), "")
	var authErr *fault.Auth
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, fault.CodeAuth, authErr.Code())
}

func TestAuthenticate_PicksMatchingTenantAmongMany(t *testing.T) {
	v := newTestVault(t)
	repo := &mockRepo{}
	svc := NewService(v, repo, false)

	_, err := svc.Provision(context.Background(), "alpha")
	require.NoError(t, err)
	beta, err := svc.Provision(context.Background(), "beta")
	require.NoError(t, err)

	got, err := svc.Authenticate(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, beta.ID, got.ID)
}

func TestAuthenticateOrCreate_ProvisionsWhenEnabled(t *testing.T) {
	v := newTestVault(t)
	repo := &mockRepo{}
	svc := NewService(v, repo, true)

	got, created, err := svc.AuthenticateOrCreate(context.Background(), "brand-new")
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, repo.created)
	assert.Equal(t, repo.created.ID, got.ID)
	assert.NotEmpty(t, got.Salt)
	assert.NotEqual(t, "brand-new", got.MasterKeyHash, "master key must never be stored raw")

	// The second call authenticates without provisioning again.
	again, created, err := svc.AuthenticateOrCreate(context.Background(), "brand-new")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, got.ID, again.ID)
	assert.Len(t, repo.tenants, 1)
}

func TestAuthenticateOrCreate_RejectsWhenDisabled(t *testing.T) {
	svc := NewService(newTestVault(t), &mockRepo{}, false)

	_, _, err := svc.AuthenticateOrCreate(context.Background(), "brand-new")
	var authErr *fault.Auth
	require.ErrorAs(t, err, &authErr)
}

func TestAuthenticateOrCreate_NeverProvisionsEmptyKey(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(newTestVault(t), repo, true)

	_, _, err := svc.AuthenticateOrCreate(context.Background(), "")
	var authErr *fault.Auth
	require.ErrorAs(t, err, &authErr)
	assert.Nil(t, repo.created)
}

func TestProvision_DistinctSalts(t *testing.T) {
	v := newTestVault(t)
	repo := &mockRepo{}
	svc := NewService(v, repo, false)

	a, err := svc.Provision(context.Background(), "key-a")
	require.NoError(t, err)
	b, err := svc.Provision(context.Background(), "key-b")
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestDelete(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(newTestVault(t), repo, false)

	require.NoError(t, svc.Delete(context.Background(), "t-1"))
	assert.Equal(t, []string{"t-1"}, repo.deleted)
}
