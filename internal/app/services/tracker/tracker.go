// Package tracker turns submit results and delivery receipts into terminal
// message outcomes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/events"
	"github.com/tune23wb/sms-panel/internal/app/metrics"
	"github.com/tune23wb/sms-panel/internal/app/services/billing"
	"github.com/tune23wb/sms-panel/internal/app/services/dispatch"
	"github.com/tune23wb/sms-panel/internal/app/storage"
	"github.com/tune23wb/sms-panel/internal/app/system"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

// ErrUnmatchedReceipt is returned for receipts that correlate to no message.
var ErrUnmatchedReceipt = errors.New("receipt matches no message")

// Reconciler is the subset of billing.Reconciler the tracker drives.
type Reconciler interface {
	MarkSent(ctx context.Context, id, providerID string) (message.Message, error)
	Finalize(ctx context.Context, id string, outcome billing.Outcome) (message.Message, bool, error)
	ResolveUnknown(ctx context.Context, id, reason string) (message.Message, bool, error)
}

// Retrier re-queues envelopes after a transient failure.
type Retrier interface {
	Retry(env message.Envelope, delay time.Duration)
}

// MessageLookup resolves receipts the tracker no longer holds in memory.
type MessageLookup interface {
	GetMessageByProviderID(ctx context.Context, providerID string) (message.Message, error)
	GetMessage(ctx context.Context, id string) (message.Message, error)
}

// Config tunes the tracker.
type Config struct {
	WaitWindow    time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WaitWindow <= 0 {
		c.WaitWindow = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	return c
}

// entry is a message awaiting its receipt.
type entry struct {
	providerID string
	deadline   time.Time
}

// heldReceipt is a final receipt that arrived before its submit result.
type heldReceipt struct {
	receipt message.Receipt
	expires time.Time
}

// maxHeldReceipts bounds the early-receipt buffer.
const maxHeldReceipts = 10000

// Tracker correlates aggregator ids with messages and resolves them when a
// receipt arrives or the wait window lapses.
type Tracker struct {
	reconciler Reconciler
	retrier    Retrier
	lookup     MessageLookup
	cfg        Config
	log        *logger.Logger
	publisher  events.Publisher
	now        func() time.Time

	mu         sync.Mutex
	byProvider map[string]string
	pending    map[string]entry
	held       map[string]heldReceipt

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var (
	_ dispatch.ResultHandler = (*Tracker)(nil)
	_ system.Service         = (*Tracker)(nil)
)

// Option customises a Tracker.
type Option func(*Tracker)

// WithPublisher sends unmatched-receipt events to p.
func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) {
		if p != nil {
			t.publisher = p
		}
	}
}

// WithClock overrides the time source used for wait-window deadlines.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a tracker. retrier is usually the outbound queue.
func New(reconciler Reconciler, retrier Retrier, lookup MessageLookup, cfg Config, log *logger.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = logger.NewDefault("tracker")
	}
	t := &Tracker{
		reconciler: reconciler,
		retrier:    retrier,
		lookup:     lookup,
		cfg:        cfg.withDefaults(),
		log:        log,
		publisher:  events.Nop{},
		now:        time.Now,
		byProvider: make(map[string]string),
		pending:    make(map[string]entry),
		held:       make(map[string]heldReceipt),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetRetrier sets the retry target when it is built after the tracker.
func (t *Tracker) SetRetrier(r Retrier) {
	t.retrier = r
}

// Tracked returns the number of messages awaiting a receipt or deadline.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// HandleSubmitResult applies the outcome of one submit attempt.
func (t *Tracker) HandleSubmitResult(ctx context.Context, env message.Envelope, result message.SubmitResult) {
	id := env.IdempotencyKey
	log := t.log.WithField("message_id", id)

	switch err := result.Err; {
	case err == nil:
		msg, err := t.reconciler.MarkSent(ctx, id, result.ProviderID)
		if err != nil {
			log.WithError(err).Error("mark message sent")
		} else if msg.Status.Terminal() {
			return
		}
		// deliver_sm is read concurrently with submit_sm_resp, so the
		// receipt may already be waiting.
		if early, ok := t.track(id, result.ProviderID); ok {
			if err := t.HandleReceipt(ctx, early); err != nil {
				log.WithError(err).Error("apply early delivery receipt")
			}
		}

	case errors.Is(err, message.ErrOutcomeUnknown):
		log.WithError(err).Warn("submit outcome unknown, waiting for receipt")
		t.track(id, "")

	case errors.Is(err, message.ErrPermanentRejection):
		log.WithError(err).Warn("submit rejected permanently")
		t.finalize(ctx, id, billing.Failed(message.ReasonPermanentRejection))

	default:
		env.Attempt++
		if env.Attempt >= t.cfg.MaxAttempts || t.retrier == nil {
			log.WithError(err).WithField("attempts", env.Attempt).Warn("transient failures exhausted")
			t.finalize(ctx, id, billing.Failed(message.ReasonTransientExhausted))
			return
		}
		delay := t.cfg.RetryBackoff * time.Duration(env.Attempt)
		log.WithError(err).WithField("attempt", env.Attempt).Infof("transient submit failure, retrying in %s", delay)
		t.retrier.Retry(env, delay)
	}
}

// HandleOverflow fails an envelope evicted from a full queue.
func (t *Tracker) HandleOverflow(ctx context.Context, env message.Envelope) {
	t.finalize(ctx, env.IdempotencyKey, billing.Failed(message.ReasonQueueOverflow))
}

// HandleReceipt resolves the message a receipt refers to. Interim states are
// ignored; receipts for already-resolved messages change nothing. A final
// receipt whose provider id is not known yet is held for one wait window and
// applied when the submit result records that id.
func (t *Tracker) HandleReceipt(ctx context.Context, receipt message.Receipt) error {
	id, err := t.correlate(ctx, receipt)
	if errors.Is(err, ErrUnmatchedReceipt) {
		id, err = t.matchOrHold(receipt)
	}
	if err != nil {
		if errors.Is(err, ErrUnmatchedReceipt) && !errors.Is(err, errReceiptHeld) {
			t.discard(receipt)
		}
		return err
	}

	if !receipt.State.Final() {
		metrics.RecordReceipt("interim")
		return nil
	}

	var applied bool
	switch {
	case receipt.State == message.ReceiptUnknown:
		_, applied, err = t.reconciler.ResolveUnknown(ctx, id, message.ReasonOutcomeUnknown)
	case receipt.State.Delivered():
		_, applied, err = t.reconciler.Finalize(ctx, id, billing.Delivered(message.ReasonReceipt))
	default:
		_, applied, err = t.reconciler.Finalize(ctx, id, billing.Failed(fmt.Sprintf("%s:%s", message.ReasonReceipt, receipt.State)))
	}
	if err != nil {
		return fmt.Errorf("apply receipt for %s: %w", id, err)
	}
	t.forget(id)
	if applied {
		metrics.RecordReceipt("matched")
	} else {
		metrics.RecordReceipt("duplicate")
	}
	return nil
}

func (t *Tracker) correlate(ctx context.Context, receipt message.Receipt) (string, error) {
	if receipt.MessageID != "" {
		if _, err := t.lookup.GetMessage(ctx, receipt.MessageID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", ErrUnmatchedReceipt
			}
			return "", err
		}
		return receipt.MessageID, nil
	}
	if receipt.ProviderID == "" {
		return "", ErrUnmatchedReceipt
	}

	t.mu.Lock()
	id, ok := t.byProvider[receipt.ProviderID]
	t.mu.Unlock()
	if ok {
		return id, nil
	}

	msg, err := t.lookup.GetMessageByProviderID(ctx, receipt.ProviderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrUnmatchedReceipt
		}
		return "", err
	}
	return msg.ID, nil
}

// errReceiptHeld marks a receipt parked until its submit result arrives.
var errReceiptHeld = fmt.Errorf("%w: held for a pending submit", ErrUnmatchedReceipt)

// matchOrHold re-checks the provider index and parks final receipts that
// still have no message. Both run under t.mu, the lock track takes, so a
// receipt is either matched here or picked up by track.
func (t *Tracker) matchOrHold(receipt message.Receipt) (string, error) {
	if receipt.MessageID != "" || receipt.ProviderID == "" || !receipt.State.Final() {
		return "", ErrUnmatchedReceipt
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byProvider[receipt.ProviderID]; ok {
		return id, nil
	}
	if _, ok := t.held[receipt.ProviderID]; !ok && len(t.held) >= maxHeldReceipts {
		return "", ErrUnmatchedReceipt
	}
	t.held[receipt.ProviderID] = heldReceipt{receipt: receipt, expires: t.now().Add(t.cfg.WaitWindow)}
	metrics.RecordReceipt("held")
	t.log.WithField("provider_id", receipt.ProviderID).Debug("holding delivery receipt for pending submit")
	return "", errReceiptHeld
}

func (t *Tracker) discard(receipt message.Receipt) {
	metrics.RecordReceipt("unmatched")
	t.log.WithFields(map[string]interface{}{
		"provider_id": receipt.ProviderID,
		"message_id":  receipt.MessageID,
		"state":       receipt.State,
	}).Warn("discarding unmatched delivery receipt")
	t.publisher.Log(events.Event{
		Type:      events.TypeReceiptUnmatched,
		MessageID: receipt.MessageID,
		State:     string(receipt.State),
		Metadata:  map[string]string{"provider_id": receipt.ProviderID},
	})
}

// Held returns the number of early receipts waiting for their submit result.
func (t *Tracker) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

// Sweep resolves every tracked message whose wait window has lapsed and
// returns how many it resolved. Held receipts past their window are
// discarded as unmatched.
func (t *Tracker) Sweep(ctx context.Context) int {
	now := t.now()
	var (
		due     []string
		expired []message.Receipt
	)
	t.mu.Lock()
	for id, e := range t.pending {
		if !now.Before(e.deadline) {
			due = append(due, id)
		}
	}
	for providerID, h := range t.held {
		if !now.Before(h.expires) {
			expired = append(expired, h.receipt)
			delete(t.held, providerID)
		}
	}
	t.mu.Unlock()

	for _, receipt := range expired {
		t.discard(receipt)
	}

	resolved := 0
	for _, id := range due {
		_, applied, err := t.reconciler.ResolveUnknown(ctx, id, message.ReasonOutcomeUnknown)
		if err != nil {
			t.log.WithField("message_id", id).WithError(err).Error("resolve message after wait window")
			continue
		}
		t.forget(id)
		if applied {
			resolved++
		}
	}
	return resolved
}

// track starts the wait window for id and hands back a receipt held for
// providerID, if one arrived first.
func (t *Tracker) track(id, providerID string) (message.Receipt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = entry{providerID: providerID, deadline: t.now().Add(t.cfg.WaitWindow)}
	if providerID == "" {
		return message.Receipt{}, false
	}
	t.byProvider[providerID] = id
	h, ok := t.held[providerID]
	if !ok {
		return message.Receipt{}, false
	}
	delete(t.held, providerID)
	return h.receipt, true
}

func (t *Tracker) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.pending[id]; ok && e.providerID != "" {
		delete(t.byProvider, e.providerID)
	}
	delete(t.pending, id)
}

func (t *Tracker) finalize(ctx context.Context, id string, outcome billing.Outcome) {
	if _, _, err := t.reconciler.Finalize(ctx, id, outcome); err != nil {
		t.log.WithField("message_id", id).WithError(err).Error("finalize message")
		return
	}
	t.forget(id)
}

func (t *Tracker) Name() string { return "delivery-tracker" }

func (t *Tracker) Start(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.running = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				t.Sweep(runCtx)
			}
		}
	}()

	t.log.WithField("wait_window", t.cfg.WaitWindow).Info("delivery tracker started")
	return nil
}

func (t *Tracker) Stop(ctx context.Context) error {
	t.runMu.Lock()
	if !t.running {
		t.runMu.Unlock()
		return nil
	}
	cancel := t.cancel
	t.running = false
	t.cancel = nil
	t.runMu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
