// Package session provides the per-call scope holding the authenticated
// tenant, its derived key, and the optionally active store. A Session is
// created at authentication time and threaded explicitly (or via context)
// through the call chain; there is no process-wide session state.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/xenking/orderdesk-bridge/internal/fault"
)

// Session is the scope of one logical caller session. Safe for concurrent
// use by the handlers of a single session; distinct sessions never share a
// Session value.
type Session struct {
	mu            sync.RWMutex
	tenantID      string
	tenantKey     []byte
	activeStoreID string
	correlationID string
}

// New returns an empty, unauthenticated session with a fresh correlation id.
func New() *Session {
	return &Session{correlationID: uuid.New().String()}
}

// SetTenant binds the authenticated tenant and its derived key to the
// session. Called once after master-key verification.
func (s *Session) SetTenant(tenantID string, tenantKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantID = tenantID
	s.tenantKey = tenantKey
}

// TenantID returns the authenticated tenant id, or "" when unauthenticated.
func (s *Session) TenantID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantID
}

// TenantKey returns the derived tenant key. Nil when unauthenticated.
func (s *Session) TenantKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantKey
}

// SetActiveStore records the store subsequent operations default to when no
// explicit store reference is given.
func (s *Session) SetActiveStore(storeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeStoreID = storeID
}

// ActiveStore returns the active store id, or "" when none is selected.
func (s *Session) ActiveStore() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeStoreID
}

// CorrelationID returns the id tying together all log lines and upstream
// calls made on behalf of this session.
func (s *Session) CorrelationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.correlationID
}

// RequireAuth returns the tenant id, or fault.Auth when the session has not
// authenticated.
func (s *Session) RequireAuth() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tenantID == "" {
		return "", &fault.Auth{Reason: "not authenticated"}
	}
	return s.tenantID, nil
}

// Clear wipes all session state, including the derived key material.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tenantKey {
		s.tenantKey[i] = 0
	}
	s.tenantID = ""
	s.tenantKey = nil
	s.activeStoreID = ""
}

// ctxKey is the context key type for session values.
type ctxKey struct{}

// NewContext returns ctx carrying the given session.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext extracts the session from ctx, or nil when absent.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
