// Package handler exposes the bridge operations as a small JSON HTTP API.
// Each request authenticates with the tenant master key; store selection is
// explicit via the ?store query parameter, falling back to the tenant's
// only registered store.
package handler

import (
	"net/http"
	"strings"

	"github.com/xenking/orderdesk-bridge/internal/bridge"
	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/session"
)

// Handler routes the HTTP surface onto the bridge facade.
type Handler struct {
	bridge *bridge.Bridge
	mux    *http.ServeMux
}

// NewHandler constructs the HTTP handler over the bridge.
func NewHandler(b *bridge.Bridge) *Handler {
	h := &Handler{bridge: b, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/auth", h.authenticate)
	h.mux.HandleFunc("GET /v1/stores", h.listStores)
	h.mux.HandleFunc("POST /v1/stores", h.registerStore)
	h.mux.HandleFunc("DELETE /v1/stores/{ref}", h.removeStore)
	h.mux.HandleFunc("POST /v1/stores/{ref}/rotate", h.rotateStore)
	h.mux.HandleFunc("POST /v1/stores/{ref}/test", h.testStore)
	h.mux.HandleFunc("GET /v1/stores/{ref}/settings", h.storeSettings)
	h.mux.HandleFunc("GET /v1/resources/{family}", h.listResources)
	h.mux.HandleFunc("POST /v1/resources/{family}", h.createResource)
	h.mux.HandleFunc("GET /v1/resources/{family}/{id}", h.getResource)
	h.mux.HandleFunc("PATCH /v1/resources/{family}/{id}", h.mutateResource)
	h.mux.HandleFunc("DELETE /v1/resources/{family}/{id}", h.deleteResource)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authed authenticates the request's master key and returns a session bound
// to the tenant. The key travels in Authorization: Bearer or X-Master-Key.
func (h *Handler) authed(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	key := masterKey(r)
	if key == "" {
		writeError(w, &fault.Auth{Reason: "master key required"})
		return nil, false
	}
	sess := session.New()
	if _, err := h.bridge.Authenticate(r.Context(), sess, key); err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

func masterKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return key
		}
	}
	return r.Header.Get("X-Master-Key")
}
