package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/services/billing"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

type fakeTransport struct {
	mu        sync.Mutex
	submitted []string
	notBound  int
	hold      bool
	pending   []chan message.SubmitResult
}

func (f *fakeTransport) Submit(_ context.Context, env message.Envelope) (<-chan message.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notBound > 0 {
		f.notBound--
		return nil, message.ErrNotBound
	}
	f.submitted = append(f.submitted, env.IdempotencyKey)
	ch := make(chan message.SubmitResult, 1)
	if f.hold {
		f.pending = append(f.pending, ch)
	} else {
		ch <- message.SubmitResult{ProviderID: "p-" + env.IdempotencyKey}
		close(ch)
	}
	return ch, nil
}

func (f *fakeTransport) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *fakeTransport) releaseAll() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, ch := range pending {
		ch <- message.SubmitResult{ProviderID: "late"}
		close(ch)
	}
}

type recorder struct {
	mu       sync.Mutex
	results  map[string]message.SubmitResult
	overflow []string
}

func newRecorder() *recorder {
	return &recorder{results: make(map[string]message.SubmitResult)}
}

func (r *recorder) HandleSubmitResult(_ context.Context, env message.Envelope, result message.SubmitResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[env.IdempotencyKey] = result
}

func (r *recorder) HandleOverflow(_ context.Context, env message.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overflow = append(r.overflow, env.IdempotencyKey)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) result(id string) (message.SubmitResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

type fakeGate struct {
	resolved map[string]bool
	err      error
}

func (g fakeGate) MarkDispatched(_ context.Context, id string) (message.Message, error) {
	if g.err != nil {
		return message.Message{}, g.err
	}
	if g.resolved[id] {
		return message.Message{}, fmt.Errorf("message %s: %w", id, billing.ErrNotPending)
	}
	return message.Message{ID: id}, nil
}

func startQueue(t *testing.T, transport SmsTransport, handler ResultHandler, gate Gate, cfg Config) *Queue {
	t.Helper()
	q := New(transport, handler, gate, cfg, logger.NewNop())
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return q
}

func envelope(id string) message.Envelope {
	return message.Envelope{IdempotencyKey: id, Destination: "+15550001111", Content: "hello"}
}

func TestQueue_DrainsInFIFOOrderOnceReady(t *testing.T) {
	transport := &fakeTransport{}
	handler := newRecorder()
	q := startQueue(t, transport, handler, nil, Config{Capacity: 10, Window: 3})

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		q.Enqueue(envelope(id))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, transport.Submitted(), "nothing is sent before the session is ready")
	assert.Equal(t, 5, q.Len())

	q.SetReady(true)
	require.Eventually(t, func() bool { return handler.count() == len(ids) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ids, transport.Submitted())
	assert.Equal(t, 0, q.Len())

	res, ok := handler.result("c")
	require.True(t, ok)
	assert.Equal(t, "p-c", res.ProviderID)
}

func TestQueue_WindowBoundsOutstandingSubmits(t *testing.T) {
	transport := &fakeTransport{hold: true}
	handler := newRecorder()
	q := startQueue(t, transport, handler, nil, Config{Capacity: 10, Window: 2})
	q.SetReady(true)

	for _, id := range []string{"a", "b", "c", "d"} {
		q.Enqueue(envelope(id))
	}
	require.Eventually(t, func() bool { return len(transport.Submitted()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, transport.Submitted(), 2)

	transport.releaseAll()
	require.Eventually(t, func() bool { return len(transport.Submitted()) == 4 }, time.Second, 5*time.Millisecond)
	transport.releaseAll()
	require.Eventually(t, func() bool { return handler.count() == 4 }, time.Second, 5*time.Millisecond)
}

func TestQueue_OverflowEvictsOldest(t *testing.T) {
	handler := newRecorder()
	q := New(&fakeTransport{}, handler, nil, Config{Capacity: 2}, logger.NewNop())

	q.Enqueue(envelope("a"))
	q.Enqueue(envelope("b"))
	q.Enqueue(envelope("c"))

	assert.Equal(t, 2, q.Len())
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"a"}, handler.overflow)
}

func TestQueue_NotBoundRequeuesAtHeadAndPauses(t *testing.T) {
	transport := &fakeTransport{notBound: 1}
	handler := newRecorder()
	q := startQueue(t, transport, handler, nil, Config{Capacity: 10, Window: 1})

	q.Enqueue(envelope("a"))
	q.Enqueue(envelope("b"))
	q.SetReady(true)

	require.Eventually(t, func() bool { return q.Len() == 2 && !q.Ready() }, time.Second, 5*time.Millisecond)
	assert.Empty(t, transport.Submitted())

	q.SetReady(true)
	require.Eventually(t, func() bool { return handler.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, transport.Submitted())
}

func TestQueue_GateSkipsResolvedMessages(t *testing.T) {
	transport := &fakeTransport{}
	handler := newRecorder()
	gate := fakeGate{resolved: map[string]bool{"b": true}}
	q := startQueue(t, transport, handler, gate, Config{Capacity: 10, Window: 2})

	q.Enqueue(envelope("a"))
	q.Enqueue(envelope("b"))
	q.Enqueue(envelope("c"))
	q.SetReady(true)

	require.Eventually(t, func() bool { return handler.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "c"}, transport.Submitted())
	_, seen := handler.result("b")
	assert.False(t, seen)
}

func TestQueue_GateErrorIsReportedAsTransient(t *testing.T) {
	transport := &fakeTransport{}
	handler := newRecorder()
	q := startQueue(t, transport, handler, fakeGate{err: errors.New("db down")}, Config{Capacity: 10, Window: 1})

	q.Enqueue(envelope("a"))
	q.SetReady(true)

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	res, _ := handler.result("a")
	assert.ErrorIs(t, res.Err, message.ErrTransient)
	assert.Empty(t, transport.Submitted())
}

func TestQueue_RetryReinsertsAfterDelay(t *testing.T) {
	transport := &fakeTransport{}
	handler := newRecorder()
	q := startQueue(t, transport, handler, nil, Config{Capacity: 10, Window: 1})
	q.SetReady(true)

	env := envelope("a")
	env.Attempt = 1
	q.Retry(env, 20*time.Millisecond)
	assert.Equal(t, 0, q.Len())

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, transport.Submitted())
}

func TestQueue_StopWaitsForInflight(t *testing.T) {
	transport := &fakeTransport{hold: true}
	handler := newRecorder()
	q := New(transport, handler, nil, Config{Capacity: 10, Window: 1, DrainGrace: time.Second}, logger.NewNop())
	require.NoError(t, q.Start(context.Background()))
	q.SetReady(true)
	q.Enqueue(envelope("a"))
	require.Eventually(t, func() bool { return len(transport.Submitted()) == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		transport.releaseAll()
	}()
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, 1, handler.count())
}
