// Package billing keeps the prepaid ledger consistent with message outcomes.
//
// Cost is reserved when a message is accepted and only debited once the
// message is DELIVERED. A FAILED message releases its reservation, so the
// balance never pays for something the aggregator did not deliver.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tune23wb/sms-panel/internal/app/domain/ledger"
	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/events"
	"github.com/tune23wb/sms-panel/internal/app/metrics"
	"github.com/tune23wb/sms-panel/internal/app/storage"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

var (
	// ErrInsufficientBalance is returned when the available balance does not
	// cover the message cost. Nothing is persisted.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNotPending is returned by MarkDispatched for messages that already
	// left PENDING; the queue skips them.
	ErrNotPending = errors.New("message is no longer pending")
	// ErrLedgerInconsistent flags a reservation that cannot be released.
	ErrLedgerInconsistent = errors.New("ledger inconsistent")
)

// Outcome policies for messages whose fate never became known.
const (
	PolicyAssumeDelivered = "assume_delivered"
	PolicyAssumeFailed    = "assume_failed"
)

// Config tunes the reconciler.
type Config struct {
	OutcomePolicy   string
	StaleAfter      time.Duration
	ConflictRetries int
	ConflictBackoff time.Duration
	RecoveryBatch   int
}

func (c Config) withDefaults() Config {
	if c.OutcomePolicy == "" {
		c.OutcomePolicy = PolicyAssumeFailed
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.ConflictRetries < 0 {
		c.ConflictRetries = 0
	}
	if c.ConflictBackoff <= 0 {
		c.ConflictBackoff = 10 * time.Millisecond
	}
	if c.RecoveryBatch <= 0 {
		c.RecoveryBatch = 500
	}
	return c
}

// Outcome is a terminal resolution requested for a message.
type Outcome struct {
	Status message.Status
	Reason string
}

// Delivered resolves a message as DELIVERED.
func Delivered(reason string) Outcome {
	return Outcome{Status: message.StatusDelivered, Reason: reason}
}

// Failed resolves a message as FAILED.
func Failed(reason string) Outcome {
	return Outcome{Status: message.StatusFailed, Reason: reason}
}

// ReserveRequest describes a message entering the system.
type ReserveRequest struct {
	MessageID     string
	AccountID     string
	Destination   string
	Content       string
	SourceAddress string
	Cost          int64
}

// Listener observes every committed message change.
type Listener func(msg message.Message)

// Reconciler owns every ledger write made by the dispatch core.
type Reconciler struct {
	store     storage.LedgerStore
	cfg       Config
	log       *logger.Logger
	publisher events.Publisher
	listeners []Listener
	now       func() time.Time
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithPublisher sends lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(r *Reconciler) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithClock overrides the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a reconciler over store.
func New(store storage.LedgerStore, cfg Config, log *logger.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = logger.NewDefault("billing")
	}
	r := &Reconciler{
		store:     store,
		cfg:       cfg.withDefaults(),
		log:       log,
		publisher: events.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers a listener for committed message changes. Listeners
// must be registered before the reconciler is used concurrently.
func (r *Reconciler) OnChange(fn Listener) {
	if fn != nil {
		r.listeners = append(r.listeners, fn)
	}
}

// Policy returns the configured outcome-unknown policy.
func (r *Reconciler) Policy() string {
	return r.cfg.OutcomePolicy
}

// Reserve creates a PENDING message and reserves its cost in one storage
// transaction. created is false when a message with the same id already
// exists; that message is returned untouched.
func (r *Reconciler) Reserve(ctx context.Context, req ReserveRequest) (msg message.Message, created bool, err error) {
	if req.AccountID == "" {
		return message.Message{}, false, fmt.Errorf("account id is required")
	}
	if req.Cost <= 0 {
		return message.Message{}, false, fmt.Errorf("cost must be positive")
	}

	err = r.withRetry(ctx, "reserve", func(tx storage.LedgerTx) error {
		created = false
		if req.MessageID != "" {
			existing, err := tx.GetMessage(ctx, req.MessageID)
			switch {
			case err == nil:
				msg = existing
				return nil
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}

		acct, err := tx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if acct.Available() < req.Cost {
			return fmt.Errorf("account %s available %d < cost %d: %w", acct.ID, acct.Available(), req.Cost, ErrInsufficientBalance)
		}

		msg, err = tx.CreateMessage(ctx, message.Message{
			ID:            req.MessageID,
			AccountID:     req.AccountID,
			Destination:   req.Destination,
			Content:       req.Content,
			SourceAddress: req.SourceAddress,
			Status:        message.StatusPending,
			Cost:          req.Cost,
		})
		if err != nil {
			return err
		}

		acct.Reserved += req.Cost
		if _, err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if _, err := tx.CreateTransaction(ctx, ledger.Transaction{
			AccountID: acct.ID,
			MessageID: msg.ID,
			Amount:    req.Cost,
			Direction: ledger.DirectionDebit,
			Status:    ledger.StatusPending,
			Reason:    "sms",
		}); err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, storage.ErrDuplicate) && req.MessageID != "" {
		existing, getErr := r.store.GetMessage(ctx, req.MessageID)
		if getErr == nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return message.Message{}, false, err
	}
	if created {
		r.changed(msg, events.TypeMessageAccepted)
	}
	return msg, created, nil
}

// MarkDispatched records a transmission attempt. Messages outside PENDING
// return ErrNotPending and must not be transmitted.
func (r *Reconciler) MarkDispatched(ctx context.Context, id string) (message.Message, error) {
	var msg message.Message
	err := r.withRetry(ctx, "mark_dispatched", func(tx storage.LedgerTx) error {
		current, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != message.StatusPending {
			msg = current
			return fmt.Errorf("message %s is %s: %w", id, current.Status, ErrNotPending)
		}
		now := r.now()
		current.Attempts++
		if current.DispatchedAt == nil {
			current.DispatchedAt = &now
		}
		msg, err = tx.UpdateMessage(ctx, current)
		return err
	})
	return msg, err
}

// MarkSent moves a PENDING message to SENT and stores the aggregator id.
// Messages in any other status are returned unchanged.
func (r *Reconciler) MarkSent(ctx context.Context, id, providerID string) (message.Message, error) {
	var (
		msg     message.Message
		changed bool
	)
	err := r.withRetry(ctx, "mark_sent", func(tx storage.LedgerTx) error {
		changed = false
		current, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != message.StatusPending {
			msg = current
			return nil
		}
		now := r.now()
		current.Status = message.StatusSent
		current.ProviderID = providerID
		current.SentAt = &now
		msg, err = tx.UpdateMessage(ctx, current)
		changed = err == nil
		return err
	})
	if err != nil {
		return message.Message{}, err
	}
	if changed {
		r.changed(msg, events.TypeMessageSent)
	}
	return msg, nil
}

// Finalize applies a terminal outcome. applied is false when the message was
// already terminal; the ledger is untouched in that case.
func (r *Reconciler) Finalize(ctx context.Context, id string, outcome Outcome) (msg message.Message, applied bool, err error) {
	if !outcome.Status.Terminal() {
		return message.Message{}, false, fmt.Errorf("finalize %s: %s is not terminal", id, outcome.Status)
	}

	err = r.withRetry(ctx, "finalize", func(tx storage.LedgerTx) error {
		applied = false
		current, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			msg = current
			return nil
		}

		entry, err := tx.GetTransactionByMessage(ctx, id)
		if err != nil {
			return err
		}
		acct, err := tx.GetAccount(ctx, current.AccountID)
		if err != nil {
			return err
		}
		if err := settle(&acct, &entry, outcome.Status); err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if _, err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if _, err := tx.UpdateTransaction(ctx, entry); err != nil {
			return err
		}

		now := r.now()
		current.Status = outcome.Status
		current.ResolvedAt = &now
		if outcome.Status == message.StatusFailed {
			current.FailureReason = outcome.Reason
		}
		msg, err = tx.UpdateMessage(ctx, current)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return message.Message{}, false, err
	}
	if applied {
		metrics.RecordResolution(string(outcome.Status), outcome.Reason)
		eventType := events.TypeMessageDelivered
		if outcome.Status == message.StatusFailed {
			eventType = events.TypeMessageFailed
		}
		r.changed(msg, eventType)
	}
	return msg, applied, nil
}

// settle moves the reservation behind entry according to status.
func settle(acct *ledger.Account, entry *ledger.Transaction, status message.Status) error {
	switch entry.Status {
	case ledger.StatusPending:
		if acct.Reserved < entry.Amount {
			return fmt.Errorf("reserved %d below amount %d: %w", acct.Reserved, entry.Amount, ErrLedgerInconsistent)
		}
		acct.Reserved -= entry.Amount
		if status == message.StatusDelivered {
			acct.Balance -= entry.Amount
			entry.Status = ledger.StatusCompleted
		} else {
			entry.Status = ledger.StatusReversed
		}
	case ledger.StatusCompleted:
		if status == message.StatusFailed {
			acct.Balance += entry.Amount
			entry.Status = ledger.StatusReversed
		}
	case ledger.StatusReversed:
		if status == message.StatusDelivered {
			return fmt.Errorf("transaction %s already reversed: %w", entry.ID, ErrLedgerInconsistent)
		}
	}
	return nil
}

// ResolveUnknown applies the deployment's outcome-unknown policy.
func (r *Reconciler) ResolveUnknown(ctx context.Context, id, reason string) (message.Message, bool, error) {
	if reason == "" {
		reason = message.ReasonOutcomeUnknown
	}
	if r.cfg.OutcomePolicy == PolicyAssumeDelivered {
		return r.Finalize(ctx, id, Delivered(reason))
	}
	return r.Finalize(ctx, id, Failed(reason))
}

// withRetry runs fn in a storage transaction, retrying conflicts. Exhausting
// the retries raises a ledger alarm.
func (r *Reconciler) withRetry(ctx context.Context, op string, fn func(tx storage.LedgerTx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = r.store.WithTx(ctx, fn)
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		metrics.RecordLedgerConflict()
		if attempt >= r.cfg.ConflictRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.ConflictBackoff * time.Duration(attempt+1)):
		}
	}

	metrics.RecordLedgerAlarm(op)
	r.log.WithField("operation", op).WithError(err).Error("ledger conflict retries exhausted")
	r.publisher.Log(events.Event{
		Type:    events.TypeLedgerAlarm,
		Message: "conflict retries exhausted",
		Error:   err.Error(),
		Metadata: map[string]string{
			"operation": op,
		},
	})
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Reconciler) changed(msg message.Message, eventType events.Type) {
	for _, fn := range r.listeners {
		fn(msg)
	}
	r.publisher.Log(events.Event{
		Type:      eventType,
		MessageID: msg.ID,
		AccountID: msg.AccountID,
		Status:    string(msg.Status),
		Message:   msg.FailureReason,
	})
}
