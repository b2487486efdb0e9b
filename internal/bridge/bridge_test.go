package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orderdesk-bridge/internal/cache"
	"github.com/xenking/orderdesk-bridge/internal/domain/store"
	"github.com/xenking/orderdesk-bridge/internal/domain/tenant"
	"github.com/xenking/orderdesk-bridge/internal/engine"
	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/ratelimit"
	"github.com/xenking/orderdesk-bridge/internal/session"
	"github.com/xenking/orderdesk-bridge/internal/upstream"
	"github.com/xenking/orderdesk-bridge/internal/vault"
)

// --- In-memory repositories ---

type memTenantRepo struct {
	mu      sync.Mutex
	tenants []tenant.Tenant
}

func (m *memTenantRepo) Create(_ context.Context, t *tenant.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants = append(m.tenants, *t)
	return nil
}

func (m *memTenantRepo) GetByID(_ context.Context, id string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tenants {
		if m.tenants[i].ID == id {
			t := m.tenants[i]
			return &t, nil
		}
	}
	return nil, &fault.NotFound{Resource: "tenant", ID: id}
}

func (m *memTenantRepo) List(_ context.Context) ([]tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tenant.Tenant(nil), m.tenants...), nil
}

func (m *memTenantRepo) Delete(_ context.Context, id string) error {
	return nil
}

func (m *memTenantRepo) Touch(_ context.Context, _ string, _ time.Time) error {
	return nil
}

type memStoreRepo struct {
	mu     sync.Mutex
	stores []store.Store
}

func (m *memStoreRepo) Create(_ context.Context, s *store.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores = append(m.stores, *s)
	return nil
}

func (m *memStoreRepo) ListByTenant(_ context.Context, tenantID string) ([]store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Store
	for _, s := range m.stores {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStoreRepo) GetByStoreID(_ context.Context, tenantID, storeID string) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.stores {
		if m.stores[i].TenantID == tenantID && m.stores[i].StoreID == storeID {
			s := m.stores[i]
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStoreRepo) GetByName(_ context.Context, tenantID, name string) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.stores {
		if m.stores[i].TenantID == tenantID && strings.EqualFold(m.stores[i].Name, name) {
			s := m.stores[i]
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStoreRepo) Update(_ context.Context, s *store.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.stores {
		if m.stores[i].ID == s.ID {
			m.stores[i] = *s
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStoreRepo) Delete(_ context.Context, tenantID, storeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.stores {
		if m.stores[i].TenantID == tenantID && m.stores[i].StoreID == storeID {
			m.stores = append(m.stores[:i], m.stores[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// --- Fake upstream API ---

type fakeUpstream struct {
	mu     sync.Mutex
	orders   map[string]map[string]any
	gets     int
	lists    int
	settings int
}

func (f *fakeUpstream) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("ORDERDESK-STORE-ID") != "12345" ||
			r.Header.Get("ORDERDESK-API-KEY") != "sk-live" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.URL.Path == "/test":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

		case r.URL.Path == "/store" && r.Method == http.MethodGet:
			f.settings++
			json.NewEncoder(w).Encode(map[string]any{
				"store_id": "12345",
				"name":     "Main Store",
				"folders":  map[string]any{"1": "New", "2": "Shipped"},
			})

		case r.URL.Path == "/orders" && r.Method == http.MethodGet:
			f.lists++
			items := make([]map[string]any, 0, len(f.orders))
			for _, o := range f.orders {
				items = append(items, o)
			}
			json.NewEncoder(w).Encode(map[string]any{"orders": items})

		case strings.HasPrefix(r.URL.Path, "/orders/") && r.Method == http.MethodGet:
			f.gets++
			id := strings.TrimPrefix(r.URL.Path, "/orders/")
			o, ok := f.orders[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"message": "order not found"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"order": o})

		case strings.HasPrefix(r.URL.Path, "/orders/") && r.Method == http.MethodPut:
			id := strings.TrimPrefix(r.URL.Path, "/orders/")
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.orders[id] = body
			json.NewEncoder(w).Encode(map[string]any{"order": body})

		case strings.HasPrefix(r.URL.Path, "/orders/") && r.Method == http.MethodDelete:
			id := strings.TrimPrefix(r.URL.Path, "/orders/")
			if _, ok := f.orders[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"message": "order not found"})
				return
			}
			delete(f.orders, id)
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// --- Harness ---

func newTestBridge(t *testing.T, upstreamURL string) *Bridge {
	t.Helper()

	root := base64.StdEncoding.EncodeToString(make([]byte, 32))
	v, err := vault.New(root)
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Config{Capacity: 1000, Rate: 1000})
	factory, err := upstream.NewFactory(upstream.Config{
		BaseURL:    upstreamURL,
		MaxRetries: 1,
		Backoff:    func(int) time.Duration { return 0 },
	}, limiter, nil)
	require.NoError(t, err)

	c, err := cache.New(nil)
	require.NoError(t, err)

	tenantRepo := &memTenantRepo{}
	storeRepo := &memStoreRepo{}

	return New(
		v,
		tenant.NewService(v, tenantRepo, true),
		store.NewService(v, storeRepo),
		factory,
		c,
		cache.TTLPolicy{Default: time.Minute},
		engine.New(engine.Config{Backoff: func(int) time.Duration { return 0 }}, c),
	)
}

// --- Tests ---

func TestBridge_EndToEnd(t *testing.T) {
	up := &fakeUpstream{orders: map[string]map[string]any{
		"100": {"id": "100", "email": "a@b.c", "status": "open"},
	}}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	b := newTestBridge(t, srv.URL)
	ctx := context.Background()
	sess := session.New()

	// Authenticate provisions the tenant on first contact.
	res, err := b.Authenticate(ctx, sess, "master-key-1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Zero(t, res.StoreCount)

	// Register a credential; it becomes the active store.
	st, err := b.RegisterCredential(ctx, sess, "12345", "sk-live", "production")
	require.NoError(t, err)
	assert.Equal(t, "12345", sess.ActiveStore())
	assert.Equal(t, "production", st.Name)

	// First read misses the cache and hits upstream.
	got, cached, err := b.GetResource(ctx, sess, "", "orders", "100")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "open", got["status"])
	assert.Equal(t, 1, up.gets)

	// Second read is served from cache.
	got, cached, err = b.GetResource(ctx, sess, "", "orders", "100")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "open", got["status"])
	assert.Equal(t, 1, up.gets)

	// Mutation merges into the fresh upstream state and invalidates.
	merged, err := b.MutateResource(ctx, sess, "", "orders", "100",
		map[string]any{"status": "shipped", "email": nil})
	require.NoError(t, err)
	assert.Equal(t, "shipped", merged["status"])
	assert.NotContains(t, merged, "email")

	// Next read misses again and sees the mutated state.
	got, cached, err = b.GetResource(ctx, sess, "", "orders", "100")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "shipped", got["status"])

	// Delete, then reads surface upstream's 404.
	require.NoError(t, b.DeleteResource(ctx, sess, "", "orders", "100"))

	_, _, err = b.GetResource(ctx, sess, "", "orders", "100")
	var nf *fault.NotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "orders", nf.Resource)
	assert.Equal(t, "100", nf.ID)
}

func TestBridge_ListResources(t *testing.T) {
	up := &fakeUpstream{orders: map[string]map[string]any{
		"1": {"id": "1"}, "2": {"id": "2"},
	}}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	b := newTestBridge(t, srv.URL)
	ctx := context.Background()
	sess := session.New()

	_, err := b.Authenticate(ctx, sess, "master-key-1")
	require.NoError(t, err)
	_, err = b.RegisterCredential(ctx, sess, "12345", "sk-live", "")
	require.NoError(t, err)

	page, cached, err := b.ListResources(ctx, sess, "", "orders", ListQuery{Limit: 10})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, page.Count)
	assert.False(t, page.HasMore)
	assert.Equal(t, 1, up.lists)

	// Identical query hits the cached page.
	_, cached, err = b.ListResources(ctx, sess, "", "orders", ListQuery{Limit: 10})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 1, up.lists)

	// Different filters fingerprint to a separate entry.
	_, cached, err = b.ListResources(ctx, sess, "", "orders", ListQuery{
		Limit:   10,
		Filters: map[string]string{"folder_id": "7"},
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, up.lists)
}

func TestBridge_ListValidation(t *testing.T) {
	b := newTestBridge(t, "http://unused.invalid")
	ctx := context.Background()
	sess := session.New()
	_, err := b.Authenticate(ctx, sess, "master-key-1")
	require.NoError(t, err)

	var v *fault.Validation
	_, _, err = b.ListResources(ctx, sess, "", "orders", ListQuery{Limit: 101})
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "limit")

	_, _, err = b.ListResources(ctx, sess, "", "orders", ListQuery{Limit: 10, Offset: -1})
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "offset")

	_, _, err = b.ListResources(ctx, sess, "", "shipments", ListQuery{})
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "family")
}

func TestBridge_StoreSettings(t *testing.T) {
	up := &fakeUpstream{orders: map[string]map[string]any{}}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	b := newTestBridge(t, srv.URL)
	ctx := context.Background()
	sess := session.New()

	_, err := b.Authenticate(ctx, sess, "master-key-1")
	require.NoError(t, err)
	_, err = b.RegisterCredential(ctx, sess, "12345", "sk-live", "")
	require.NoError(t, err)

	got, cached, err := b.StoreSettings(ctx, sess, "")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "Main Store", got["name"])
	assert.Contains(t, got, "folders")
	assert.Equal(t, 1, up.settings)

	// Settings are served from cache on repeat reads.
	got, cached, err = b.StoreSettings(ctx, sess, "")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "Main Store", got["name"])
	assert.Equal(t, 1, up.settings)

	// The settings document carries no per-resource id.
	var v *fault.Validation
	_, _, err = b.GetResource(ctx, sess, "", "store", "42")
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "id")

	// Settings are read-only: lists and mutations are rejected up front.
	_, _, err = b.ListResources(ctx, sess, "", "store", ListQuery{})
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "family")

	_, err = b.MutateResource(ctx, sess, "", "store", "", map[string]any{"name": "x"})
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "family")

	_, err = b.CreateResource(ctx, sess, "", "store", map[string]any{"name": "x"})
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "family")

	err = b.DeleteResource(ctx, sess, "", "store", "42")
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "family")
}

func TestBridge_RequiresAuthentication(t *testing.T) {
	b := newTestBridge(t, "http://unused.invalid")
	ctx := context.Background()
	sess := session.New()

	var authErr *fault.Auth

	_, err := b.ListCredentials(ctx, sess)
	require.ErrorAs(t, err, &authErr)

	_, _, err = b.GetResource(ctx, sess, "", "orders", "1")
	require.ErrorAs(t, err, &authErr)

	_, err = b.RegisterCredential(ctx, sess, "12345", "sk", "")
	require.ErrorAs(t, err, &authErr)
}

func TestBridge_UseStoreAndRemove(t *testing.T) {
	up := &fakeUpstream{orders: map[string]map[string]any{}}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	b := newTestBridge(t, srv.URL)
	ctx := context.Background()
	sess := session.New()
	_, err := b.Authenticate(ctx, sess, "master-key-1")
	require.NoError(t, err)

	_, err = b.RegisterCredential(ctx, sess, "12345", "sk-live", "production")
	require.NoError(t, err)
	_, err = b.RegisterCredential(ctx, sess, "67890", "sk-test", "staging")
	require.NoError(t, err)
	assert.Equal(t, "12345", sess.ActiveStore(), "first registration stays active")

	require.NoError(t, b.UseStore(ctx, sess, "staging"))
	assert.Equal(t, "67890", sess.ActiveStore())

	require.NoError(t, b.RemoveCredential(ctx, sess, "staging"))
	assert.Empty(t, sess.ActiveStore(), "removing the active store clears it")

	metas, err := b.ListCredentials(ctx, sess)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "12345", metas[0].StoreID)
}

func TestBridge_RotateAndTestConnection(t *testing.T) {
	up := &fakeUpstream{orders: map[string]map[string]any{}}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	b := newTestBridge(t, srv.URL)
	ctx := context.Background()
	sess := session.New()
	_, err := b.Authenticate(ctx, sess, "master-key-1")
	require.NoError(t, err)

	_, err = b.RegisterCredential(ctx, sess, "12345", "wrong-key", "")
	require.NoError(t, err)

	// The fake upstream only accepts sk-live, so the registered key fails.
	err = b.TestConnection(ctx, sess, "")
	var authErr *fault.Auth
	require.ErrorAs(t, err, &authErr)

	require.NoError(t, b.RotateCredential(ctx, sess, "", "sk-live"))
	require.NoError(t, b.TestConnection(ctx, sess, ""))
}

func TestBridge_SecondSessionAuthenticates(t *testing.T) {
	up := &fakeUpstream{orders: map[string]map[string]any{}}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	b := newTestBridge(t, srv.URL)
	ctx := context.Background()

	first := session.New()
	res1, err := b.Authenticate(ctx, first, "master-key-1")
	require.NoError(t, err)
	_, err = b.RegisterCredential(ctx, first, "12345", "sk-live", "")
	require.NoError(t, err)

	second := session.New()
	res2, err := b.Authenticate(ctx, second, "master-key-1")
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res1.TenantID, res2.TenantID)
	assert.Equal(t, 1, res2.StoreCount)

	// The second session still has to pick a store; credentials decrypt
	// with the same derived key.
	require.NoError(t, b.UseStore(ctx, second, "12345"))
	require.NoError(t, b.TestConnection(ctx, second, ""))
}
