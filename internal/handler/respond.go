package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderdesk-bridge/internal/fault"
)

// errorResponse is the envelope every failure is rendered as.
type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the fault taxonomy onto HTTP statuses. Errors outside the
// taxonomy render as 500 with a generic message.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"}
	status := http.StatusInternalServerError

	var coder fault.Coder
	if errors.As(err, &coder) {
		resp.Code = coder.Code()
		resp.Message = err.Error()
	}

	switch resp.Code {
	case fault.CodeAuth:
		status = http.StatusUnauthorized
	case fault.CodeValidation:
		status = http.StatusBadRequest
		var v *fault.Validation
		if errors.As(err, &v) {
			resp.Fields = v.Fields
		}
	case fault.CodeNotFound:
		status = http.StatusNotFound
	case fault.CodeConflict:
		status = http.StatusConflict
	case fault.CodeRateLimit:
		status = http.StatusTooManyRequests
		var rl *fault.RateLimit
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			secs := int(rl.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	case fault.CodeUpstream:
		status = http.StatusBadGateway
	case fault.CodeUpstreamUnavailable:
		status = http.StatusServiceUnavailable
	case fault.CodeIntegrity:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		zctx.From(r.Context()).Debug("bad request body", zap.Error(err))
		writeError(w, &fault.Validation{Message: "malformed JSON body"})
		return false
	}
	return true
}
