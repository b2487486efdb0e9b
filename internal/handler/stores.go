package handler

import (
	"net/http"
	"time"

	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/session"
)

type authResponse struct {
	TenantID   string `json:"tenant_id"`
	StoreCount int    `json:"store_count"`
	Created    bool   `json:"created"`
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) {
	key := masterKey(r)
	if key == "" {
		writeError(w, &fault.Auth{Reason: "master key required"})
		return
	}
	sess := session.New()
	defer sess.Clear()

	res, err := h.bridge.Authenticate(r.Context(), sess, key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		TenantID:   res.TenantID,
		StoreCount: res.StoreCount,
		Created:    res.Created,
	})
}

type storeResponse struct {
	StoreID   string    `json:"store_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *Handler) listStores(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	metas, err := h.bridge.ListCredentials(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]storeResponse, len(metas))
	for i, m := range metas {
		out[i] = storeResponse{
			StoreID:   m.StoreID,
			Name:      m.Name,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type registerStoreRequest struct {
	StoreID string `json:"store_id"`
	APIKey  string `json:"api_key"`
	Name    string `json:"name"`
}

func (h *Handler) registerStore(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	var req registerStoreRequest
	if !decodeBody(w, r, &req) {
		return
	}

	st, err := h.bridge.RegisterCredential(r.Context(), sess, req.StoreID, req.APIKey, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, storeResponse{
		StoreID:   st.StoreID,
		Name:      st.Name,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	})
}

func (h *Handler) removeStore(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	if err := h.bridge.RemoveCredential(r.Context(), sess, r.PathValue("ref")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rotateStoreRequest struct {
	APIKey string `json:"api_key"`
}

func (h *Handler) rotateStore(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	var req rotateStoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.bridge.RotateCredential(r.Context(), sess, r.PathValue("ref"), req.APIKey); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) testStore(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	if err := h.bridge.TestConnection(r.Context(), sess, r.PathValue("ref")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) storeSettings(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	value, cached, err := h.bridge.StoreSettings(r.Context(), sess, r.PathValue("ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resourceResponse{Resource: value, Cached: cached})
}
