package billing

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
	"github.com/tune23wb/sms-panel/internal/app/events"
	"github.com/tune23wb/sms-panel/internal/app/storage"
	"github.com/tune23wb/sms-panel/internal/app/storage/memory"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

func newReconciler(t *testing.T, balance int64, cfg Config, opts ...Option) (*Reconciler, *memory.Store, string) {
	t.Helper()
	store := memory.New()
	acct, err := store.CreateAccount(context.Background(), ledger.Account{ID: "acct-1", Balance: balance})
	require.NoError(t, err)
	return New(store, cfg, logger.NewNop(), opts...), store, acct.ID
}

func reserve(t *testing.T, r *Reconciler, accountID, id string, cost int64) message.Message {
	t.Helper()
	msg, created, err := r.Reserve(context.Background(), ReserveRequest{
		MessageID:   id,
		AccountID:   accountID,
		Destination: "+15550001111",
		Content:     "hello",
		Cost:        cost,
	})
	require.NoError(t, err)
	require.True(t, created)
	return msg
}

func TestReconciler_ConcurrentSendsDebitOnDelivery(t *testing.T) {
	r, store, accountID := newReconciler(t, 100, Config{})
	ctx := context.Background()

	ids := make(chan string, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, _, err := r.Reserve(ctx, ReserveRequest{AccountID: accountID, Destination: "+15550001111", Content: "hi", Cost: 10})
			if err == nil {
				ids <- msg.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		_, err := r.MarkDispatched(ctx, id)
		require.NoError(t, err)
		_, err = r.MarkSent(ctx, id, "p-"+id)
		require.NoError(t, err)
		_, applied, err := r.Finalize(ctx, id, Delivered(message.ReasonReceipt))
		require.NoError(t, err)
		require.True(t, applied)
	}

	acct, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), acct.Balance)
	assert.Equal(t, int64(0), acct.Reserved)

	txs, err := store.ListTransactions(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for _, tx := range txs {
		assert.Equal(t, ledger.StatusCompleted, tx.Status)
		assert.Equal(t, ledger.DirectionDebit, tx.Direction)
	}
}

func TestReconciler_NoOverReservation(t *testing.T) {
	r, store, accountID := newReconciler(t, 25, Config{})
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Reserve(ctx, ReserveRequest{AccountID: accountID, Destination: "+15550001111", Content: "hi", Cost: 10})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrInsufficientBalance) {
				rejected++
				return
			}
			if err == nil {
				accepted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, accepted)
	assert.Equal(t, 8, rejected)
	acct, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), acct.Reserved)
	assert.GreaterOrEqual(t, acct.Available(), int64(0))
}

func TestReconciler_InsufficientBalancePersistsNothing(t *testing.T) {
	r, store, accountID := newReconciler(t, 5, Config{})
	ctx := context.Background()

	_, _, err := r.Reserve(ctx, ReserveRequest{MessageID: "m-1", AccountID: accountID, Destination: "+15550001111", Content: "hi", Cost: 10})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = store.GetMessage(ctx, "m-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	txs, err := store.ListTransactions(ctx, accountID)
	require.NoError(t, err)
	assert.Empty(t, txs)
	acct, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.Balance)
	assert.Equal(t, int64(0), acct.Reserved)
}

func TestReconciler_ReserveIsIdempotentPerMessageID(t *testing.T) {
	r, store, accountID := newReconciler(t, 100, Config{})
	first := reserve(t, r, accountID, "m-1", 10)

	again, created, err := r.Reserve(context.Background(), ReserveRequest{MessageID: "m-1", AccountID: accountID, Destination: "+15550001111", Content: "hi", Cost: 10})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	acct, err := store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Reserved)
}

func TestReconciler_ConservativePolicyReversesUnknownOutcome(t *testing.T) {
	r, store, accountID := newReconciler(t, 100, Config{OutcomePolicy: PolicyAssumeFailed})
	ctx := context.Background()
	msg := reserve(t, r, accountID, "m-1", 10)
	_, err := r.MarkDispatched(ctx, msg.ID)
	require.NoError(t, err)
	_, err = r.MarkSent(ctx, msg.ID, "smsc-1")
	require.NoError(t, err)

	resolved, applied, err := r.ResolveUnknown(ctx, msg.ID, "")
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, message.StatusFailed, resolved.Status)
	assert.Equal(t, message.ReasonOutcomeUnknown, resolved.FailureReason)

	acct, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, int64(0), acct.Reserved)

	txs, err := store.ListTransactions(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.StatusReversed, txs[0].Status)
}

func TestReconciler_OptimisticPolicyDebits(t *testing.T) {
	r, store, accountID := newReconciler(t, 100, Config{OutcomePolicy: PolicyAssumeDelivered})
	ctx := context.Background()
	msg := reserve(t, r, accountID, "m-1", 10)

	resolved, applied, err := r.ResolveUnknown(ctx, msg.ID, "")
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, message.StatusDelivered, resolved.Status)

	acct, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), acct.Balance)
}

func TestReconciler_FinalizeIsIdempotent(t *testing.T) {
	r, store, accountID := newReconciler(t, 100, Config{})
	ctx := context.Background()
	msg := reserve(t, r, accountID, "m-1", 10)

	_, applied, err := r.Finalize(ctx, msg.ID, Delivered(message.ReasonReceipt))
	require.NoError(t, err)
	require.True(t, applied)

	again, applied, err := r.Finalize(ctx, msg.ID, Delivered(message.ReasonReceipt))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, message.StatusDelivered, again.Status)

	flipped, applied, err := r.Finalize(ctx, msg.ID, Failed(message.ReasonReceipt))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, message.StatusDelivered, flipped.Status)

	acct, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), acct.Balance)
	assert.Equal(t, int64(0), acct.Reserved)
}

func TestReconciler_MarkDispatchedSkipsResolved(t *testing.T) {
	r, _, accountID := newReconciler(t, 100, Config{})
	ctx := context.Background()
	msg := reserve(t, r, accountID, "m-1", 10)

	dispatched, err := r.MarkDispatched(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched.Attempts)
	require.NotNil(t, dispatched.DispatchedAt)

	_, _, err = r.Finalize(ctx, msg.ID, Failed(message.ReasonQueueOverflow))
	require.NoError(t, err)

	_, err = r.MarkDispatched(ctx, msg.ID)
	require.ErrorIs(t, err, ErrNotPending)
}

func TestReconciler_RecoverResolvesStaleMessages(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	log := events.NewRingBuffer(10)
	r, store, accountID := newReconciler(t, 100, Config{OutcomePolicy: PolicyAssumeFailed, StaleAfter: time.Minute}, WithClock(clock), WithPublisher(log))
	ctx := context.Background()

	queued := reserve(t, r, accountID, "never-sent", 10)
	sent := reserve(t, r, accountID, "sent", 10)
	_, err := r.MarkDispatched(ctx, sent.ID)
	require.NoError(t, err)
	_, err = r.MarkSent(ctx, sent.ID, "smsc-9")
	require.NoError(t, err)

	// Fresh messages are left alone.
	report, err := r.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)

	now = now.Add(2 * time.Minute)
	report, err = r.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Failed)

	got, err := store.GetMessage(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, got.Status)
	assert.Equal(t, message.ReasonNeverTransmitted, got.FailureReason)

	got, err = store.GetMessage(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, got.Status)
	assert.Equal(t, message.ReasonOutcomeUnknown, got.FailureReason)

	acct, err := store.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, int64(0), acct.Reserved)
	assert.NotEmpty(t, log.RecentByType(events.TypeLedgerRecovery, 1))
}

// conflictStore fails the first n transactions with ErrConflict.
type conflictStore struct {
	*memory.Store
	mu        sync.Mutex
	remaining int
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	s.mu.Lock()
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return storage.ErrConflict
	}
	s.mu.Unlock()
	return s.Store.WithTx(ctx, fn)
}

func TestReconciler_RetriesConflicts(t *testing.T) {
	mem := memory.New()
	_, err := mem.CreateAccount(context.Background(), ledger.Account{ID: "acct-1", Balance: 100})
	require.NoError(t, err)

	store := &conflictStore{Store: mem, remaining: 2}
	r := New(store, Config{ConflictRetries: 3, ConflictBackoff: time.Millisecond}, logger.NewNop())
	_, created, err := r.Reserve(context.Background(), ReserveRequest{AccountID: "acct-1", Destination: "+15550001111", Content: "hi", Cost: 10})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestReconciler_ConflictExhaustionRaisesAlarm(t *testing.T) {
	mem := memory.New()
	_, err := mem.CreateAccount(context.Background(), ledger.Account{ID: "acct-1", Balance: 100})
	require.NoError(t, err)

	alarms := events.NewRingBuffer(10)
	store := &conflictStore{Store: mem, remaining: 10}
	r := New(store, Config{ConflictRetries: 2, ConflictBackoff: time.Millisecond}, logger.NewNop(), WithPublisher(alarms))
	_, _, err = r.Reserve(context.Background(), ReserveRequest{AccountID: "acct-1", Destination: "+15550001111", Content: "hi", Cost: 10})
	require.ErrorIs(t, err, storage.ErrConflict)
	assert.Len(t, alarms.RecentByType(events.TypeLedgerAlarm, 10), 1)
	assert.Equal(t, 7, store.remaining)
}

func TestSettleCompensatesCompletedDebit(t *testing.T) {
	acct := ledger.Account{Balance: 90}
	entry := ledger.Transaction{Amount: 10, Status: ledger.StatusCompleted}
	require.NoError(t, settle(&acct, &entry, message.StatusFailed))
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, ledger.StatusReversed, entry.Status)

	entry = ledger.Transaction{Amount: 10, Status: ledger.StatusPending}
	acct = ledger.Account{Balance: 100, Reserved: 5}
	require.ErrorIs(t, settle(&acct, &entry, message.StatusDelivered), ErrLedgerInconsistent)
}
