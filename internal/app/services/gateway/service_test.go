package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tune23wb/sms-panel/internal/app/domain/ledger"
	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/services/billing"
	"github.com/tune23wb/sms-panel/internal/app/storage/memory"
	"github.com/tune23wb/sms-panel/internal/smpp/session"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

type fakeSession struct {
	health session.Health
}

func (f *fakeSession) Health() session.Health { return f.health }

type fakeQueue struct {
	mu      sync.Mutex
	envs    []message.Envelope
	onQueue func(env message.Envelope)
}

func (q *fakeQueue) Enqueue(env message.Envelope) {
	q.mu.Lock()
	q.envs = append(q.envs, env)
	hook := q.onQueue
	q.mu.Unlock()
	if hook != nil {
		go hook(env)
	}
}

func (q *fakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.envs)
}

func (q *fakeQueue) Ready() bool { return true }

type fakeReceipts struct {
	got []message.Receipt
	err error
}

func (f *fakeReceipts) HandleReceipt(_ context.Context, r message.Receipt) error {
	f.got = append(f.got, r)
	return f.err
}

type fixture struct {
	svc        *Service
	store      *memory.Store
	reconciler *billing.Reconciler
	session    *fakeSession
	queue      *fakeQueue
	receipts   *fakeReceipts
}

func newFixture(t *testing.T, balance int64, cfg Config) *fixture {
	t.Helper()
	store := memory.New()
	_, err := store.CreateAccount(context.Background(), ledger.Account{ID: "acct-1", Balance: balance})
	require.NoError(t, err)

	f := &fixture{
		store:      store,
		reconciler: billing.New(store, billing.Config{}, logger.NewNop()),
		session:    &fakeSession{health: session.Health{State: session.StateBound}},
		queue:      &fakeQueue{},
		receipts:   &fakeReceipts{},
	}
	pricing := billing.NewPricing(store, 70, []billing.Tier{{MinVolume: 1, Price: 70}})
	f.svc = New(f.session, f.queue, f.reconciler, pricing, f.receipts, store, nil, cfg, logger.NewNop())
	return f
}

func validRequest() SendRequest {
	return SendRequest{AccountID: "acct-1", Destination: "+1 (555) 000-1111", Content: "hello"}
}

func TestSend_AcceptsAndEnqueues(t *testing.T) {
	f := newFixture(t, 1000, Config{})
	res, err := f.svc.Send(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, message.StatusPending, res.Status)
	assert.Equal(t, int64(70), res.Cost)
	require.Len(t, f.queue.envs, 1)
	assert.Equal(t, res.MessageID, f.queue.envs[0].IdempotencyKey)
	assert.Equal(t, "+15550001111", f.queue.envs[0].Destination)

	acct, err := f.store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), acct.Reserved)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, 1000, Config{MaxContentLength: 10})
	cases := map[string]SendRequest{
		"account_id":     {Destination: "+15550001111", Content: "hi"},
		"destination":    {AccountID: "acct-1", Destination: "+1555abc1111", Content: "hi"},
		"content":        {AccountID: "acct-1", Destination: "+15550001111", Content: "this is far too long"},
		"source_address": {AccountID: "acct-1", Destination: "+15550001111", Content: "hi", SourceAddress: "ABCDEFGHIJKLMNOPQRSTUVWXYZ"},
	}
	for field, req := range cases {
		_, err := f.svc.Send(context.Background(), req)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, field)
		assert.Equal(t, field, verr.Field)
	}
	assert.Empty(t, f.queue.envs)
}

func TestSend_UnavailableWhenFatal(t *testing.T) {
	f := newFixture(t, 1000, Config{})
	f.session.health = session.Health{State: session.StateDisconnected, Fatal: true}
	_, err := f.svc.Send(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSend_InsufficientBalance(t *testing.T) {
	f := newFixture(t, 5, Config{})
	_, err := f.svc.Send(context.Background(), validRequest())
	require.ErrorIs(t, err, billing.ErrInsufficientBalance)
	assert.Empty(t, f.queue.envs)
}

func TestSend_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, 1000, Config{})
	req := validRequest()
	req.IdempotencyKey = "order-42"

	first, err := f.svc.Send(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.Send(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.MessageID, second.MessageID)
	assert.True(t, second.Replayed)
	assert.Len(t, f.queue.envs, 1)
}

func TestSend_IdempotencyKeyReleasedOnFailure(t *testing.T) {
	f := newFixture(t, 50, Config{})
	req := validRequest()
	req.IdempotencyKey = "order-43"

	_, err := f.svc.Send(context.Background(), req)
	require.ErrorIs(t, err, billing.ErrInsufficientBalance)

	_, err = f.store.Credit(context.Background(), "acct-1", 100, "top-up")
	require.NoError(t, err)
	res, err := f.svc.Send(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestSend_AcceptWaitSeesTransition(t *testing.T) {
	f := newFixture(t, 1000, Config{AcceptWait: time.Second})
	f.queue.onQueue = func(env message.Envelope) {
		time.Sleep(10 * time.Millisecond)
		_, _ = f.reconciler.MarkSent(context.Background(), env.IdempotencyKey, "smsc-1")
	}

	res, err := f.svc.Send(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, res.Status)
}

func TestSend_AcceptWaitTimesOut(t *testing.T) {
	f := newFixture(t, 1000, Config{AcceptWait: 20 * time.Millisecond})
	res, err := f.svc.Send(context.Background(), validRequest())
	require.ErrorIs(t, err, message.ErrTimeout)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, message.StatusPending, res.Status)
	assert.Len(t, f.queue.envs, 1)
}

func TestReceipt_ValidatesAndForwards(t *testing.T) {
	f := newFixture(t, 1000, Config{})
	err := f.svc.Receipt(context.Background(), message.Receipt{State: message.ReceiptDelivered})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	f.receipts.err = errors.New("boom")
	err = f.svc.Receipt(context.Background(), message.Receipt{ProviderID: "smsc-1", State: message.ReceiptDelivered})
	require.EqualError(t, err, "boom")
	require.Len(t, f.receipts.got, 1)
	assert.False(t, f.receipts.got[0].ReceivedAt.IsZero())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 1000, Config{Aggregator: AggregatorInfo{Addr: "smsc:2775", SystemID: "panel"}})
	f.session.health = session.Health{State: session.StateBound, BoundSystemID: "smsc", LastActivity: time.Now()}

	report := f.svc.Health()
	assert.True(t, report.Healthy)
	assert.Equal(t, "BOUND", report.State)
	assert.Equal(t, "smsc:2775", report.Aggregator.Addr)
	require.NotNil(t, report.LastActivity)

	f.session.health = session.Health{State: session.StateDisconnected, ConsecutiveFailures: 4}
	report = f.svc.Health()
	assert.False(t, report.Healthy)
	assert.Equal(t, 4, report.ConsecutiveFailures)
}
