package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/events"
	"github.com/tune23wb/sms-panel/internal/app/metrics"
	"github.com/tune23wb/sms-panel/internal/app/system"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

// RecoveryReport summarises one recovery sweep.
type RecoveryReport struct {
	Scanned   int `json:"scanned"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Resolved is the number of messages the sweep moved to a terminal status.
func (r RecoveryReport) Resolved() int {
	return r.Delivered + r.Failed
}

// Recover resolves PENDING and SENT messages that have not changed for
// StaleAfter. Messages never handed to the transport are FAILED; the others
// get the outcome-unknown policy. Only a failure to list messages is
// returned; per-message errors are logged and counted.
func (r *Reconciler) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	seen := make(map[string]struct{})

	for {
		batch, err := r.store.ListUnresolvedMessages(ctx, cutoff, r.cfg.RecoveryBatch)
		if err != nil {
			return report, fmt.Errorf("list unresolved messages: %w", err)
		}
		progressed := false
		for _, msg := range batch {
			if _, ok := seen[msg.ID]; ok {
				continue
			}
			seen[msg.ID] = struct{}{}
			progressed = true
			report.Scanned++
			r.recoverOne(ctx, msg, &report)
		}
		if !progressed || len(batch) < r.cfg.RecoveryBatch {
			break
		}
	}

	metrics.RecordRecovery(string(message.StatusDelivered), report.Delivered)
	metrics.RecordRecovery(string(message.StatusFailed), report.Failed)
	if report.Scanned > 0 {
		r.log.WithFields(map[string]interface{}{
			"scanned":   report.Scanned,
			"delivered": report.Delivered,
			"failed":    report.Failed,
			"skipped":   report.Skipped,
			"errors":    report.Errors,
		}).Info("ledger recovery sweep finished")
		r.publisher.Log(events.Event{
			Type:    events.TypeLedgerRecovery,
			Message: fmt.Sprintf("resolved %d of %d stale messages", report.Resolved(), report.Scanned),
		})
	}
	return report, nil
}

func (r *Reconciler) recoverOne(ctx context.Context, msg message.Message, report *RecoveryReport) {
	var (
		resolved message.Message
		applied  bool
		err      error
	)
	if msg.Status == message.StatusPending && !msg.Dispatched() {
		resolved, applied, err = r.Finalize(ctx, msg.ID, Failed(message.ReasonNeverTransmitted))
	} else {
		resolved, applied, err = r.ResolveUnknown(ctx, msg.ID, message.ReasonOutcomeUnknown)
	}
	switch {
	case err != nil:
		report.Errors++
		r.log.WithField("message_id", msg.ID).WithError(err).Error("recover stale message")
	case !applied:
		report.Skipped++
	case resolved.Status == message.StatusDelivered:
		report.Delivered++
	default:
		report.Failed++
	}
}

// RecoveryScheduler runs Recover on a cron schedule.
type RecoveryScheduler struct {
	reconciler *Reconciler
	schedule   string
	log        *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*RecoveryScheduler)(nil)

// NewRecoveryScheduler builds a scheduler. schedule accepts standard cron
// expressions and descriptors such as "@every 1m".
func NewRecoveryScheduler(reconciler *Reconciler, schedule string, log *logger.Logger) *RecoveryScheduler {
	if log == nil {
		log = logger.NewDefault("ledger-recovery")
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &RecoveryScheduler{reconciler: reconciler, schedule: schedule, log: log}
}

func (s *RecoveryScheduler) Name() string { return "ledger-recovery" }

func (s *RecoveryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.reconciler.Recover(context.Background()); err != nil {
			s.log.WithError(err).Warn("scheduled ledger recovery failed")
		}
	}); err != nil {
		return fmt.Errorf("parse recovery schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("ledger recovery scheduler started")
	return nil
}

func (s *RecoveryScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
