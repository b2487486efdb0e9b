// Package fault defines the closed error taxonomy shared by every component
// of the bridge. Each error kind carries a stable machine-readable code and
// enough context (resource id, correlation id, retry hints) for a caller to
// act without another round trip.
package fault

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Stable error codes surfaced to callers.
const (
	CodeAuth                = "AUTH_ERROR"
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT_ERROR"
	CodeRateLimit           = "RATE_LIMIT_EXCEEDED"
	CodeUpstream            = "UPSTREAM_ERROR"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeIntegrity           = "INTEGRITY_ERROR"
)

// Coder is implemented by every taxonomy error.
type Coder interface {
	error
	Code() string
}

// Auth indicates a bad or missing master key, or an unauthenticated session.
type Auth struct {
	Reason string
}

func (e *Auth) Error() string {
	if e.Reason == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Reason
}

func (e *Auth) Code() string { return CodeAuth }

// Validation indicates malformed caller input. Fields maps each offending
// field name to a short description of what is wrong with it.
type Validation struct {
	Message string
	Fields  map[string]string
}

func (e *Validation) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s (fields: %s)", e.Message, strings.Join(names, ", "))
}

func (e *Validation) Code() string { return CodeValidation }

// NotFound indicates the resource is absent upstream or locally.
type NotFound struct {
	Resource string
	ID       string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFound) Code() string { return CodeNotFound }

// Conflict indicates a mutation lost its optimistic-concurrency race and the
// retry budget is exhausted.
type Conflict struct {
	Resource string
	ID       string
	Attempts int
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently (%d attempts)",
		e.Resource, e.ID, e.Attempts)
}

func (e *Conflict) Code() string { return CodeConflict }

// RateLimit indicates the tenant exceeded its local token bucket.
type RateLimit struct {
	TenantID   string
	RetryAfter time.Duration
}

func (e *RateLimit) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %s, retry after %s",
		e.TenantID, e.RetryAfter)
}

func (e *RateLimit) Code() string { return CodeRateLimit }

// Upstream wraps a non-retryable upstream API failure, preserving the
// upstream status and the correlation id of the failing call.
type Upstream struct {
	Status        int
	Message       string
	CorrelationID string
}

func (e *Upstream) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Message)
}

func (e *Upstream) Code() string { return CodeUpstream }

// UpstreamUnavailable indicates the upstream kept answering 5xx (or not at
// all) until the retry budget ran out.
type UpstreamUnavailable struct {
	Status        int
	Attempts      int
	CorrelationID string
}

func (e *UpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream unavailable after %d attempts (status %d)",
		e.Attempts, e.Status)
}

func (e *UpstreamUnavailable) Code() string { return CodeUpstreamUnavailable }

// Integrity indicates an authenticated-decryption failure: the stored
// credential was tampered with or the wrong key was used. Never retried.
type Integrity struct {
	Detail string
}

func (e *Integrity) Error() string {
	if e.Detail == "" {
		return "credential integrity check failed"
	}
	return "credential integrity check failed: " + e.Detail
}

func (e *Integrity) Code() string { return CodeIntegrity }
