// Package gateway is the narrow entry point the rest of the application uses
// to send messages, read their status and feed delivery callbacks back in.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/services/billing"
	"github.com/tune23wb/sms-panel/internal/app/services/idempotency"
	"github.com/tune23wb/sms-panel/internal/smpp/session"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

var (
	// ErrUnavailable is returned while the session has given up reconnecting.
	ErrUnavailable = errors.New("sms gateway unavailable")
	// ErrRequestInFlight is returned when an idempotency key is claimed but
	// its message is not stored yet.
	ErrRequestInFlight = errors.New("request with this idempotency key is in flight")
)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// SessionHealth reports the SMPP session state.
type SessionHealth interface {
	Health() session.Health
}

// Queue accepts envelopes for transmission.
type Queue interface {
	Enqueue(env message.Envelope)
	Len() int
	Ready() bool
}

// Ledger reserves the cost of new messages.
type Ledger interface {
	Reserve(ctx context.Context, req billing.ReserveRequest) (message.Message, bool, error)
	OnChange(fn billing.Listener)
}

// Pricer quotes the cost of the next message of an account.
type Pricer interface {
	Quote(ctx context.Context, accountID string) (int64, error)
}

// ReceiptHandler applies delivery receipts.
type ReceiptHandler interface {
	HandleReceipt(ctx context.Context, receipt message.Receipt) error
}

// MessageReader loads stored messages.
type MessageReader interface {
	GetMessage(ctx context.Context, id string) (message.Message, error)
}

// Config tunes the façade.
type Config struct {
	AcceptWait       time.Duration
	MaxContentLength int
	IdempotencyTTL   time.Duration
	Aggregator       AggregatorInfo
}

// AggregatorInfo identifies the upstream in health reports.
type AggregatorInfo struct {
	Addr       string `json:"addr"`
	SystemID   string `json:"system_id"`
	SourceAddr string `json:"source_addr"`
}

// SendRequest is one outbound message request.
type SendRequest struct {
	AccountID      string
	Destination    string
	Content        string
	SourceAddress  string
	IdempotencyKey string
}

// SendResult is returned once the message is accepted into the core.
type SendResult struct {
	MessageID string         `json:"message_id"`
	Status    message.Status `json:"status"`
	Cost      int64          `json:"cost"`
	Replayed  bool           `json:"replayed,omitempty"`
}

// HealthReport is exposed on the health endpoint.
type HealthReport struct {
	Healthy             bool           `json:"healthy"`
	State               string         `json:"state"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Fatal               bool           `json:"fatal"`
	BoundSystemID       string         `json:"bound_system_id,omitempty"`
	LastActivity        *time.Time     `json:"last_activity,omitempty"`
	BindDeadline        *time.Time     `json:"bind_deadline,omitempty"`
	QueueDepth          int            `json:"queue_depth"`
	QueueReady          bool           `json:"queue_ready"`
	Aggregator          AggregatorInfo `json:"aggregator"`
}

// Service implements the gateway operations.
type Service struct {
	session  SessionHealth
	queue    Queue
	ledger   Ledger
	pricer   Pricer
	receipts ReceiptHandler
	messages MessageReader
	keys     idempotency.Store
	cfg      Config
	log      *logger.Logger

	mu      sync.Mutex
	waiters map[string][]chan message.Message
}

// New wires the façade and subscribes to ledger changes for accept waits.
func New(sess SessionHealth, queue Queue, ledger Ledger, pricer Pricer, receipts ReceiptHandler, messages MessageReader, keys idempotency.Store, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("gateway")
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 1600
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if keys == nil {
		keys = idempotency.NewMemoryStore()
	}
	s := &Service{
		session:  sess,
		queue:    queue,
		ledger:   ledger,
		pricer:   pricer,
		receipts: receipts,
		messages: messages,
		keys:     keys,
		cfg:      cfg,
		log:      log,
		waiters:  make(map[string][]chan message.Message),
	}
	ledger.OnChange(s.notify)
	return s
}

// Send validates, prices, reserves and enqueues a message. When AcceptWait is
// set it waits for the message to leave PENDING; expiry returns the result
// together with message.ErrTimeout while dispatch carries on.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	req = normalise(req)
	if err := s.validate(req); err != nil {
		return SendResult{}, err
	}
	if s.session.Health().Fatal {
		return SendResult{}, ErrUnavailable
	}

	messageID := uuid.NewString()
	var idemKey string
	if req.IdempotencyKey != "" {
		idemKey = idempotency.Key(req.AccountID, req.IdempotencyKey)
		existing, claimed, err := s.keys.Claim(ctx, idemKey, messageID, s.cfg.IdempotencyTTL)
		if err != nil {
			return SendResult{}, err
		}
		if !claimed {
			return s.replay(ctx, req.AccountID, existing)
		}
	}

	result, err := s.accept(ctx, messageID, req)
	if err != nil {
		if idemKey != "" {
			if relErr := s.keys.Release(context.WithoutCancel(ctx), idemKey); relErr != nil {
				s.log.WithError(relErr).Warn("release idempotency key")
			}
		}
		return SendResult{}, err
	}
	return s.awaitAcceptance(ctx, result)
}

func (s *Service) accept(ctx context.Context, messageID string, req SendRequest) (SendResult, error) {
	cost, err := s.pricer.Quote(ctx, req.AccountID)
	if err != nil {
		return SendResult{}, fmt.Errorf("quote price: %w", err)
	}

	msg, created, err := s.ledger.Reserve(ctx, billing.ReserveRequest{
		MessageID:     messageID,
		AccountID:     req.AccountID,
		Destination:   req.Destination,
		Content:       req.Content,
		SourceAddress: req.SourceAddress,
		Cost:          cost,
	})
	if err != nil {
		return SendResult{}, err
	}
	if created {
		s.queue.Enqueue(message.EnvelopeFor(msg))
		s.log.WithFields(map[string]interface{}{
			"message_id": msg.ID,
			"account_id": msg.AccountID,
			"cost":       msg.Cost,
		}).Debug("message accepted")
	}
	return SendResult{MessageID: msg.ID, Status: msg.Status, Cost: msg.Cost}, nil
}

func (s *Service) replay(ctx context.Context, accountID, messageID string) (SendResult, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %s", ErrRequestInFlight, messageID)
	}
	if msg.AccountID != accountID {
		return SendResult{}, invalid("idempotency_key", "belongs to another account")
	}
	return SendResult{MessageID: msg.ID, Status: msg.Status, Cost: msg.Cost, Replayed: true}, nil
}

func (s *Service) awaitAcceptance(ctx context.Context, result SendResult) (SendResult, error) {
	if s.cfg.AcceptWait <= 0 || result.Status != message.StatusPending {
		return result, nil
	}

	ch := s.watch(result.MessageID)
	defer s.unwatch(result.MessageID, ch)

	// The message may have moved on before the watch was registered.
	if msg, err := s.messages.GetMessage(ctx, result.MessageID); err == nil && msg.Status != message.StatusPending {
		result.Status = msg.Status
		return result, nil
	}

	timer := time.NewTimer(s.cfg.AcceptWait)
	defer timer.Stop()
	select {
	case msg := <-ch:
		result.Status = msg.Status
		return result, nil
	case <-timer.C:
		return result, message.ErrTimeout
	case <-ctx.Done():
		return result, message.ErrTimeout
	}
}

func (s *Service) watch(id string) chan message.Message {
	ch := make(chan message.Message, 1)
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) unwatch(id string, ch chan message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
		return
	}
	s.waiters[id] = list
}

// notify wakes accept waits once a message leaves PENDING.
func (s *Service) notify(msg message.Message) {
	if msg.Status == message.StatusPending {
		return
	}
	s.mu.Lock()
	list := s.waiters[msg.ID]
	s.mu.Unlock()
	for _, ch := range list {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Status returns the stored message.
func (s *Service) Status(ctx context.Context, id string) (message.Message, error) {
	if strings.TrimSpace(id) == "" {
		return message.Message{}, invalid("id", "required")
	}
	return s.messages.GetMessage(ctx, id)
}

// Receipt feeds an inbound delivery callback to the tracker.
func (s *Service) Receipt(ctx context.Context, receipt message.Receipt) error {
	if receipt.ProviderID == "" && receipt.MessageID == "" {
		return invalid("message_id", "message_id or provider_id is required")
	}
	if receipt.State == "" {
		return invalid("status", "required")
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = time.Now().UTC()
	}
	return s.receipts.HandleReceipt(ctx, receipt)
}

// Health summarises the session and queue.
func (s *Service) Health() HealthReport {
	h := s.session.Health()
	report := HealthReport{
		Healthy:             h.State == session.StateBound && !h.Fatal,
		State:               h.State.String(),
		ConsecutiveFailures: h.ConsecutiveFailures,
		Fatal:               h.Fatal,
		BoundSystemID:       h.BoundSystemID,
		QueueDepth:          s.queue.Len(),
		QueueReady:          s.queue.Ready(),
		Aggregator:          s.cfg.Aggregator,
	}
	if !h.LastActivity.IsZero() {
		last := h.LastActivity
		report.LastActivity = &last
	}
	if !h.BindDeadline.IsZero() {
		deadline := h.BindDeadline
		report.BindDeadline = &deadline
	}
	return report
}

func normalise(req SendRequest) SendRequest {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.SourceAddress = strings.TrimSpace(req.SourceAddress)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Destination = strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, req.Destination)
	return req
}

func (s *Service) validate(req SendRequest) error {
	if req.AccountID == "" {
		return invalid("account_id", "required")
	}
	if req.Destination == "" {
		return invalid("destination", "required")
	}
	digits := strings.TrimPrefix(req.Destination, "+")
	if len(digits) < 6 || len(digits) > 15 {
		return invalid("destination", "must have 6 to 15 digits")
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return invalid("destination", "must contain digits only")
		}
	}
	if req.Content == "" {
		return invalid("content", "required")
	}
	if n := len([]rune(req.Content)); n > s.cfg.MaxContentLength {
		return invalid("content", fmt.Sprintf("%d characters exceeds limit of %d", n, s.cfg.MaxContentLength))
	}
	if len(req.SourceAddress) > 21 {
		return invalid("source_address", "longer than 21 characters")
	}
	if len(req.IdempotencyKey) > 128 {
		return invalid("idempotency_key", "longer than 128 characters")
	}
	return nil
}
