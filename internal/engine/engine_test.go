package engine

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orderdesk-bridge/internal/fault"
	"github.com/xenking/orderdesk-bridge/internal/upstream"
)

// --- Mock implementations ---

type mockClient struct {
	fetches    int
	puts       int
	current    map[string]any
	fetchErr   error
	putErr     error
	putErrs    []error // consumed per call when set
	lastPut    map[string]any
	deleteErr  error
	created    map[string]any
	createErr  error
	lastCreate map[string]any
}

func (m *mockClient) GetResource(_ context.Context, _ upstream.Family, _ string) (map[string]any, error) {
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	// Fresh copy per fetch, like a real upstream read.
	cp := make(map[string]any, len(m.current))
	for k, v := range m.current {
		cp[k] = v
	}
	return cp, nil
}

func (m *mockClient) PutResource(_ context.Context, _ upstream.Family, _ string, body map[string]any) (map[string]any, error) {
	m.puts++
	m.lastPut = body
	if len(m.putErrs) > 0 {
		err := m.putErrs[0]
		m.putErrs = m.putErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if m.putErr != nil {
		return nil, m.putErr
	}
	m.current = body
	return body, nil
}

func (m *mockClient) CreateResource(_ context.Context, _ upstream.Family, body map[string]any) (map[string]any, error) {
	m.lastCreate = body
	if m.createErr != nil {
		return nil, m.createErr
	}
	if m.created != nil {
		return m.created, nil
	}
	return body, nil
}

func (m *mockClient) DeleteResource(_ context.Context, _ upstream.Family, _ string) error {
	return m.deleteErr
}

type mockInvalidator struct {
	calls [][4]string
}

func (m *mockInvalidator) InvalidateResource(tenantID, storeID, resource, id string) {
	m.calls = append(m.calls, [4]string{tenantID, storeID, resource, id})
}

func noBackoff(int) time.Duration { return 0 }

func newTestEngine(maxAttempts int) (*Engine, *mockInvalidator) {
	inv := &mockInvalidator{}
	return New(Config{MaxAttempts: maxAttempts, Backoff: noBackoff}, inv), inv
}

// --- Tests ---

func TestMutate_Success(t *testing.T) {
	e, inv := newTestEngine(5)
	client := &mockClient{current: map[string]any{"id": "42", "a": 1.0, "b": 2.0}}

	got, err := e.Mutate(context.Background(), client, "t1", "s1", upstream.Orders, "42",
		map[string]any{"b": nil, "c": "new"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"id": "42", "a": 1.0, "c": "new"}, got)
	assert.Equal(t, 1, client.fetches)
	assert.Equal(t, 1, client.puts)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, [4]string{"t1", "s1", "orders", "42"}, inv.calls[0])
}

func TestMutate_UploadsFullRepresentation(t *testing.T) {
	e, _ := newTestEngine(5)
	client := &mockClient{current: map[string]any{"id": "42", "email": "a@b.c", "status": "open"}}

	_, err := e.Mutate(context.Background(), client, "t1", "s1", upstream.Orders, "42",
		map[string]any{"status": "closed"})
	require.NoError(t, err)

	// The PUT body carries untouched fields too: whole-object replacement.
	assert.Equal(t, map[string]any{"id": "42", "email": "a@b.c", "status": "closed"}, client.lastPut)
}

func TestMutate_RetriesConflictWithFreshFetch(t *testing.T) {
	e, inv := newTestEngine(5)
	client := &mockClient{
		current: map[string]any{"id": "42", "v": 1.0},
		putErrs: []error{
			&fault.Conflict{Resource: "orders", ID: "42", Attempts: 1},
			&fault.Conflict{Resource: "orders", ID: "42", Attempts: 1},
			nil,
		},
	}

	_, err := e.Mutate(context.Background(), client, "t1", "s1", upstream.Orders, "42",
		map[string]any{"v": 2.0})
	require.NoError(t, err)

	assert.Equal(t, 3, client.fetches, "every conflict retry re-fetches")
	assert.Equal(t, 3, client.puts)
	assert.Len(t, inv.calls, 1, "invalidation only on success")
}

func TestMutate_ExhaustedConflictsFailAfterExactAttempts(t *testing.T) {
	const maxAttempts = 5
	e, inv := newTestEngine(maxAttempts)
	client := &mockClient{
		current: map[string]any{"id": "42"},
		putErr:  &fault.Conflict{Resource: "orders", ID: "42", Attempts: 1},
	}

	_, err := e.Mutate(context.Background(), client, "t1", "s1", upstream.Orders, "42",
		map[string]any{"v": 1.0})

	var conflict *fault.Conflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "orders", conflict.Resource)
	assert.Equal(t, "42", conflict.ID)
	assert.Equal(t, maxAttempts, conflict.Attempts)
	assert.Equal(t, maxAttempts, client.fetches)
	assert.Equal(t, maxAttempts, client.puts)
	assert.Empty(t, inv.calls, "failed mutation must not invalidate")
}

func TestMutate_NonConflictErrorPropagatesImmediately(t *testing.T) {
	e, inv := newTestEngine(5)
	client := &mockClient{
		current: map[string]any{"id": "42"},
		putErr:  &fault.Upstream{Status: 400, Message: "bad field"},
	}

	_, err := e.Mutate(context.Background(), client, "t1", "s1", upstream.Orders, "42",
		map[string]any{"v": 1.0})

	var up *fault.Upstream
	require.ErrorAs(t, err, &up)
	assert.Equal(t, 1, client.puts, "non-conflict failures are not retried here")
	assert.Empty(t, inv.calls)
}

func TestMutate_FetchErrorPropagates(t *testing.T) {
	e, _ := newTestEngine(5)
	client := &mockClient{fetchErr: &fault.NotFound{Resource: "orders", ID: "42"}}

	_, err := e.Mutate(context.Background(), client, "t1", "s1", upstream.Orders, "42",
		map[string]any{"v": 1.0})

	var nf *fault.NotFound
	require.ErrorAs(t, err, &nf)
	assert.Zero(t, client.puts)
}

func TestMutate_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &mockInvalidator{}
	e := New(Config{
		MaxAttempts: 5,
		Backoff: func(int) time.Duration {
			cancel()
			return time.Minute
		},
	}, inv)
	client := &mockClient{
		current: map[string]any{"id": "42"},
		putErr:  &fault.Conflict{Resource: "orders", ID: "42", Attempts: 1},
	}

	_, err := e.Mutate(ctx, client, "t1", "s1", upstream.Orders, "42", map[string]any{"v": 1.0})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, client.puts)
}

func TestCreate_InvalidatesListPages(t *testing.T) {
	e, inv := newTestEngine(5)
	client := &mockClient{created: map[string]any{"id": "new-1", "status": "open"}}

	got, err := e.Create(context.Background(), client, "t1", "s1", upstream.Orders,
		map[string]any{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, "new-1", got["id"])
	require.Len(t, inv.calls, 1)
	assert.Equal(t, [4]string{"t1", "s1", "orders", "new-1"}, inv.calls[0])
}

func TestCreate_NumericUpstreamID(t *testing.T) {
	e, inv := newTestEngine(5)
	client := &mockClient{created: map[string]any{"id": float64(123456)}}

	_, err := e.Create(context.Background(), client, "t1", "s1", upstream.Orders, map[string]any{})
	require.NoError(t, err)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, "123456", inv.calls[0][3])
}

func TestDelete_InvalidatesOnSuccessOnly(t *testing.T) {
	e, inv := newTestEngine(5)

	client := &mockClient{deleteErr: errors.New("boom")}
	err := e.Delete(context.Background(), client, "t1", "s1", upstream.Orders, "42")
	require.Error(t, err)
	assert.Empty(t, inv.calls)

	client = &mockClient{}
	require.NoError(t, e.Delete(context.Background(), client, "t1", "s1", upstream.Orders, "42"))
	require.Len(t, inv.calls, 1)
	assert.Equal(t, [4]string{"t1", "s1", "orders", "42"}, inv.calls[0])
}
