// Package bridge is the facade tying the credential vault, session, rate
// limiter, upstream client, cache and mutation engine into the operations a
// caller actually invokes. Every operation starts from an authenticated
// session and a store reference; credentials are decrypted per call and
// never handed back out.
package bridge

import (
	"context"
	"net/url"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderdesk-bridge/internal/cache"
	"github.com/xenking/orderdesk-bridge/internal/domain/store"
	"github.com/xenking/orderdesk-bridge/internal/domain/tenant"
	"github.com/xenking/orderdesk-bridge/internal/engine"
	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/session"
	"github.com/xenking/orderdesk-bridge/internal/upstream"
	"github.com/xenking/orderdesk-bridge/internal/vault"
)

// List pagination bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// Bridge exposes the tenant-facing operations.
type Bridge struct {
	vault   *vault.Vault
	tenants *tenant.Service
	stores  *store.Service
	factory *upstream.Factory
	cache   *cache.Cache
	ttl     cache.TTLPolicy
	engine  *engine.Engine
}

// New assembles a Bridge from its collaborators.
func New(
	v *vault.Vault,
	tenants *tenant.Service,
	stores *store.Service,
	factory *upstream.Factory,
	c *cache.Cache,
	ttl cache.TTLPolicy,
	eng *engine.Engine,
) *Bridge {
	return &Bridge{
		vault:   v,
		tenants: tenants,
		stores:  stores,
		factory: factory,
		cache:   c,
		ttl:     ttl,
		engine:  eng,
	}
}

// AuthResult reports a successful authentication.
type AuthResult struct {
	TenantID   string
	StoreCount int
	Created    bool
}

// Authenticate verifies the master key, binds the tenant and its derived
// encryption key to the session, and reports how many stores are registered.
func (b *Bridge) Authenticate(ctx context.Context, sess *session.Session, masterKey string) (AuthResult, error) {
	t, created, err := b.tenants.AuthenticateOrCreate(ctx, masterKey)
	if err != nil {
		return AuthResult{}, err
	}

	key, err := b.vault.DeriveTenantKey(t.ID, t.Salt)
	if err != nil {
		return AuthResult{}, errors.Wrap(err, "derive tenant key")
	}
	sess.SetTenant(t.ID, key)

	metas, err := b.stores.List(ctx, t.ID)
	if err != nil {
		return AuthResult{}, err
	}

	zctx.From(ctx).Info("tenant authenticated",
		zap.String("tenant_id", t.ID),
		zap.Int("store_count", len(metas)),
		zap.Bool("created", created))

	return AuthResult{TenantID: t.ID, StoreCount: len(metas), Created: created}, nil
}

// RegisterCredential encrypts and stores a new store credential for the
// session's tenant. The first registered store becomes the active one.
func (b *Bridge) RegisterCredential(ctx context.Context, sess *session.Session, storeID, apiKey, name string) (*store.Store, error) {
	tenantID, err := sess.RequireAuth()
	if err != nil {
		return nil, err
	}

	st, err := b.stores.Register(ctx, tenantID, sess.TenantKey(), storeID, apiKey, name)
	if err != nil {
		return nil, err
	}
	if sess.ActiveStore() == "" {
		sess.SetActiveStore(st.StoreID)
	}
	return st, nil
}

// ListCredentials lists the tenant's stores without credential material.
func (b *Bridge) ListCredentials(ctx context.Context, sess *session.Session) ([]store.Metadata, error) {
	tenantID, err := sess.RequireAuth()
	if err != nil {
		return nil, err
	}
	return b.stores.List(ctx, tenantID)
}

// UseStore selects the store subsequent operations default to. The ref may
// be a store id or a display name.
func (b *Bridge) UseStore(ctx context.Context, sess *session.Session, ref string) error {
	tenantID, err := sess.RequireAuth()
	if err != nil {
		return err
	}
	st, err := b.stores.Resolve(ctx, tenantID, ref, "")
	if err != nil {
		return err
	}
	sess.SetActiveStore(st.StoreID)
	return nil
}

// RotateCredential replaces a store's API key.
func (b *Bridge) RotateCredential(ctx context.Context, sess *session.Session, ref, newKey string) error {
	tenantID, err := sess.RequireAuth()
	if err != nil {
		return err
	}
	st, err := b.stores.Resolve(ctx, tenantID, ref, sess.ActiveStore())
	if err != nil {
		return err
	}
	return b.stores.Rotate(ctx, st, sess.TenantKey(), newKey)
}

// RemoveCredential deletes a store credential and drops its cached data.
func (b *Bridge) RemoveCredential(ctx context.Context, sess *session.Session, ref string) error {
	tenantID, err := sess.RequireAuth()
	if err != nil {
		return err
	}
	st, err := b.stores.Resolve(ctx, tenantID, ref, sess.ActiveStore())
	if err != nil {
		return err
	}
	if err := b.stores.Remove(ctx, tenantID, st.StoreID); err != nil {
		return err
	}
	b.cache.InvalidateStore(tenantID, st.StoreID)
	if sess.ActiveStore() == st.StoreID {
		sess.SetActiveStore("")
	}
	return nil
}

// GetResource fetches a single resource, read-through cached. The returned
// bool reports whether the value came from cache.
func (b *Bridge) GetResource(ctx context.Context, sess *session.Session, ref, family, id string) (map[string]any, bool, error) {
	fam, err := upstream.FamilyByName(family)
	if err != nil {
		return nil, false, err
	}
	switch {
	case fam.Singleton && id != "":
		return nil, false, &fault.Validation{
			Message: "resource has no id",
			Fields:  map[string]string{"id": "must be empty for " + fam.Name},
		}
	case !fam.Singleton && id == "":
		return nil, false, &fault.Validation{
			Message: "resource id required",
			Fields:  map[string]string{"id": "required"},
		}
	}

	client, st, tenantID, err := b.client(ctx, sess, ref)
	if err != nil {
		return nil, false, err
	}

	resource := fam.Name
	if !fam.Singleton {
		resource += "/" + id
	}
	key := cache.Key{
		TenantID:    tenantID,
		StoreID:     st.StoreID,
		Resource:    resource,
		Fingerprint: cache.DefaultFingerprint,
	}
	value, cached, err := b.cache.GetOrFetch(ctx, key, b.ttl.TTL(fam.Name), func(ctx context.Context) (any, error) {
		return client.GetResource(ctx, fam, id)
	})
	if err != nil {
		return nil, false, err
	}
	return value.(map[string]any), cached, nil
}

// StoreSettings fetches the store settings and folder list, read-through
// cached like any other resource but under a longer TTL.
func (b *Bridge) StoreSettings(ctx context.Context, sess *session.Session, ref string) (map[string]any, bool, error) {
	return b.GetResource(ctx, sess, ref, upstream.Store.Name, "")
}

// requireCollection rejects list and mutation operations on singleton
// families, which are read-only.
func requireCollection(fam upstream.Family) error {
	if fam.Singleton {
		return &fault.Validation{
			Message: "resource is read-only",
			Fields:  map[string]string{"family": fam.Name + " supports reads only"},
		}
	}
	return nil
}

// ListQuery shapes a resource listing.
type ListQuery struct {
	Filters map[string]string
	Limit   int
	Offset  int
}

// ListResult is a cached page of resources.
type ListResult struct {
	Items   []map[string]any
	Count   int
	HasMore bool
}

// ListResources fetches a filtered page of resources, read-through cached
// under a fingerprint of the normalized query parameters.
func (b *Bridge) ListResources(ctx context.Context, sess *session.Session, ref, family string, q ListQuery) (ListResult, bool, error) {
	fam, err := upstream.FamilyByName(family)
	if err != nil {
		return ListResult{}, false, err
	}
	if err := requireCollection(fam); err != nil {
		return ListResult{}, false, err
	}
	if q.Limit == 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit < 1 || q.Limit > MaxListLimit {
		return ListResult{}, false, &fault.Validation{
			Message: "limit out of range",
			Fields:  map[string]string{"limit": "must be between 1 and 100"},
		}
	}
	if q.Offset < 0 {
		return ListResult{}, false, &fault.Validation{
			Message: "offset out of range",
			Fields:  map[string]string{"offset": "must not be negative"},
		}
	}

	client, st, tenantID, err := b.client(ctx, sess, ref)
	if err != nil {
		return ListResult{}, false, err
	}

	params := make(map[string]string, len(q.Filters)+2)
	for k, v := range q.Filters {
		params[k] = v
	}
	params["limit"] = strconv.Itoa(q.Limit)
	params["offset"] = strconv.Itoa(q.Offset)

	key := cache.Key{
		TenantID:    tenantID,
		StoreID:     st.StoreID,
		Resource:    fam.Name,
		Fingerprint: cache.Fingerprint(params),
	}
	value, cached, err := b.cache.GetOrFetch(ctx, key, b.ttl.TTL(fam.Name), func(ctx context.Context) (any, error) {
		query := make(url.Values, len(params))
		for k, v := range params {
			query.Set(k, v)
		}
		items, err := client.ListResources(ctx, fam, query)
		if err != nil {
			return nil, err
		}
		return ListResult{
			Items:   items,
			Count:   len(items),
			HasMore: len(items) == q.Limit,
		}, nil
	})
	if err != nil {
		return ListResult{}, false, err
	}
	return value.(ListResult), cached, nil
}

// MutateResource applies partial changes through the fetch-merge-upload
// cycle and returns the resulting representation.
func (b *Bridge) MutateResource(ctx context.Context, sess *session.Session, ref, family, id string, changes map[string]any) (map[string]any, error) {
	fam, err := upstream.FamilyByName(family)
	if err != nil {
		return nil, err
	}
	if err := requireCollection(fam); err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, &fault.Validation{
			Message: "no changes supplied",
			Fields:  map[string]string{"changes": "required"},
		}
	}
	client, st, tenantID, err := b.client(ctx, sess, ref)
	if err != nil {
		return nil, err
	}
	return b.engine.Mutate(ctx, client, tenantID, st.StoreID, fam, id, changes)
}

// CreateResource posts a new resource upstream.
func (b *Bridge) CreateResource(ctx context.Context, sess *session.Session, ref, family string, body map[string]any) (map[string]any, error) {
	fam, err := upstream.FamilyByName(family)
	if err != nil {
		return nil, err
	}
	if err := requireCollection(fam); err != nil {
		return nil, err
	}
	client, st, tenantID, err := b.client(ctx, sess, ref)
	if err != nil {
		return nil, err
	}
	return b.engine.Create(ctx, client, tenantID, st.StoreID, fam, body)
}

// DeleteResource removes a resource upstream and drops its cache entries.
func (b *Bridge) DeleteResource(ctx context.Context, sess *session.Session, ref, family, id string) error {
	fam, err := upstream.FamilyByName(family)
	if err != nil {
		return err
	}
	if err := requireCollection(fam); err != nil {
		return err
	}
	client, st, tenantID, err := b.client(ctx, sess, ref)
	if err != nil {
		return err
	}
	return b.engine.Delete(ctx, client, tenantID, st.StoreID, fam, id)
}

// TestConnection verifies the store's decrypted credential against the
// upstream API.
func (b *Bridge) TestConnection(ctx context.Context, sess *session.Session, ref string) error {
	tenantID, err := sess.RequireAuth()
	if err != nil {
		return err
	}
	st, err := b.stores.Resolve(ctx, tenantID, ref, sess.ActiveStore())
	if err != nil {
		return err
	}
	return b.stores.TestCredentials(ctx, factoryTester{b.factory}, st, sess.TenantKey(), tenantID, sess.CorrelationID())
}

// client resolves the store reference and builds an upstream client with the
// decrypted credentials.
func (b *Bridge) client(ctx context.Context, sess *session.Session, ref string) (*upstream.Client, *store.Store, string, error) {
	tenantID, err := sess.RequireAuth()
	if err != nil {
		return nil, nil, "", err
	}
	st, err := b.stores.Resolve(ctx, tenantID, ref, sess.ActiveStore())
	if err != nil {
		return nil, nil, "", err
	}
	creds, err := b.stores.Credentials(st, sess.TenantKey())
	if err != nil {
		return nil, nil, "", err
	}
	return b.factory.Client(creds, tenantID, sess.CorrelationID()), st, tenantID, nil
}

type factoryTester struct {
	f *upstream.Factory
}

func (t factoryTester) Test(ctx context.Context, creds upstream.Credentials, tenantID, correlationID string) error {
	return t.f.Client(creds, tenantID, correlationID).TestConnection(ctx)
}
