package handler

import (
	"net/http"
	"strconv"

	"github.com/xenking/orderdesk-bridge/internal/bridge"
	"github.com/xenking/orderdesk-bridge/internal/fault"
)

type resourceResponse struct {
	Resource map[string]any `json:"resource"`
	Cached   bool           `json:"cached"`
}

func (h *Handler) getResource(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	value, cached, err := h.bridge.GetResource(r.Context(), sess,
		r.URL.Query().Get("store"), r.PathValue("family"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resourceResponse{Resource: value, Cached: cached})
}

type listResponse struct {
	Items   []map[string]any `json:"items"`
	Count   int              `json:"count"`
	HasMore bool             `json:"has_more"`
	Cached  bool             `json:"cached"`
}

func (h *Handler) listResources(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	query := r.URL.Query()
	q := bridge.ListQuery{Filters: make(map[string]string)}
	for k, vs := range query {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case "store":
		case "limit":
			n, err := strconv.Atoi(vs[0])
			if err != nil {
				writeError(w, &fault.Validation{
					Message: "limit must be an integer",
					Fields:  map[string]string{"limit": "must be an integer"},
				})
				return
			}
			q.Limit = n
		case "offset":
			n, err := strconv.Atoi(vs[0])
			if err != nil {
				writeError(w, &fault.Validation{
					Message: "offset must be an integer",
					Fields:  map[string]string{"offset": "must be an integer"},
				})
				return
			}
			q.Offset = n
		default:
			q.Filters[k] = vs[0]
		}
	}

	page, cached, err := h.bridge.ListResources(r.Context(), sess,
		query.Get("store"), r.PathValue("family"), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Items:   page.Items,
		Count:   page.Count,
		HasMore: page.HasMore,
		Cached:  cached,
	})
}

func (h *Handler) createResource(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	var body map[string]any
	if !decodeBody(w, r, &body) {
		return
	}

	created, err := h.bridge.CreateResource(r.Context(), sess,
		r.URL.Query().Get("store"), r.PathValue("family"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resourceResponse{Resource: created})
}

func (h *Handler) mutateResource(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	var changes map[string]any
	if !decodeBody(w, r, &changes) {
		return
	}

	merged, err := h.bridge.MutateResource(r.Context(), sess,
		r.URL.Query().Get("store"), r.PathValue("family"), r.PathValue("id"), changes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resourceResponse{Resource: merged})
}

func (h *Handler) deleteResource(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authed(w, r)
	if !ok {
		return
	}
	defer sess.Clear()

	if err := h.bridge.DeleteResource(r.Context(), sess,
		r.URL.Query().Get("store"), r.PathValue("family"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
