package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/events"
	"github.com/tune23wb/sms-panel/internal/app/services/billing"
	"github.com/tune23wb/sms-panel/internal/app/services/dispatch"
	"github.com/tune23wb/sms-panel/internal/app/services/gateway"
	"github.com/tune23wb/sms-panel/internal/app/services/idempotency"
	"github.com/tune23wb/sms-panel/internal/app/services/tracker"
	"github.com/tune23wb/sms-panel/internal/app/storage"
	"github.com/tune23wb/sms-panel/internal/app/storage/memory"
	"github.com/tune23wb/sms-panel/internal/app/system"
	"github.com/tune23wb/sms-panel/internal/config"
	"github.com/tune23wb/sms-panel/internal/smpp/session"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Ledger      storage.LedgerStore
	Accounts    storage.AccountStore
	Idempotency idempotency.Store
}

// Application ties the dispatch core together and manages its lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Session  *session.Manager
	Queue    *dispatch.Queue
	Tracker  *tracker.Tracker
	Ledger   *billing.Reconciler
	Pricing  *billing.Pricing
	Gateway  *gateway.Service
	Events   *events.RingBuffer
	Accounts storage.AccountStore
}

// New builds a fully initialised application with the provided stores.
// sessionOpts are passed to the SMPP session, mainly to swap the dialer in tests.
func New(cfg *config.Config, stores Stores, log *logger.Logger, sessionOpts ...session.Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("app: configuration is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	if stores.Ledger == nil || stores.Accounts == nil {
		mem := memory.New()
		if stores.Ledger == nil {
			stores.Ledger = mem
		}
		if stores.Accounts == nil {
			stores.Accounts = mem
		}
	}
	if stores.Idempotency == nil {
		stores.Idempotency = idempotency.NewMemoryStore()
	}

	ring := events.NewRingBuffer(cfg.Gateway.EventBuffer)

	reconciler := billing.New(stores.Ledger, billing.Config{
		OutcomePolicy:   cfg.Delivery.OutcomePolicy,
		StaleAfter:      cfg.Ledger.StaleAfter,
		ConflictRetries: cfg.Ledger.ConflictRetries,
		RecoveryBatch:   cfg.Ledger.RecoveryBatch,
	}, log.WithComponent("ledger"), billing.WithPublisher(ring))

	tiers := make([]billing.Tier, 0, len(cfg.Pricing.Tiers))
	for _, t := range cfg.Pricing.Tiers {
		tiers = append(tiers, billing.Tier{Name: t.Name, MinVolume: t.MinVolume, Price: t.Price})
	}
	pricing := billing.NewPricing(stores.Ledger, cfg.Pricing.DefaultPrice, tiers)

	opts := append([]session.Option{session.WithLogger(log.WithComponent("smpp"))}, sessionOpts...)
	sess := session.New(sessionConfig(cfg.SMPP), opts...)

	queue := dispatch.New(sess, nil, reconciler, dispatch.Config{
		Capacity:   cfg.Queue.Capacity,
		Window:     cfg.Queue.Window,
		DrainGrace: cfg.Queue.DrainGrace,
	}, log.WithComponent("queue"))

	trk := tracker.New(reconciler, queue, stores.Ledger, tracker.Config{
		WaitWindow:    cfg.Delivery.WaitWindow,
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		RetryBackoff:  cfg.Delivery.RetryBackoff,
		SweepInterval: cfg.Delivery.SweepInterval,
	}, log.WithComponent("tracker"), tracker.WithPublisher(ring))
	queue.SetHandler(trk)

	gw := gateway.New(sess, queue, reconciler, pricing, trk, stores.Ledger, stores.Idempotency, gateway.Config{
		AcceptWait:       cfg.Gateway.AcceptWait,
		MaxContentLength: cfg.Gateway.MaxContentLength,
		IdempotencyTTL:   cfg.Redis.IdempotencyTTL,
		Aggregator: gateway.AggregatorInfo{
			Addr:       cfg.SMPP.Addr(),
			SystemID:   cfg.SMPP.SystemID,
			SourceAddr: cfg.SMPP.SourceAddr,
		},
	}, log.WithComponent("gateway"))

	sess.OnStateChange(func(change session.StateChange) {
		queue.SetReady(change.To == session.StateBound)
		evt := events.Event{
			Type:  events.TypeSessionState,
			State: change.To.String(),
			Metadata: map[string]string{
				"from": change.From.String(),
			},
		}
		if change.Err != nil {
			evt.Error = change.Err.Error()
		}
		if errors.Is(change.Err, session.ErrReconnectExhausted) {
			evt.Type = events.TypeSessionFatal
			log.WithError(change.Err).Error("smpp session is fatal; sends are refused until restart")
		}
		ring.Log(evt)
	})
	receiptLog := log.WithComponent("receipts")
	sess.OnReceipt(func(ctx context.Context, receipt message.Receipt) {
		if err := trk.HandleReceipt(ctx, receipt); err != nil && !errors.Is(err, tracker.ErrUnmatchedReceipt) {
			receiptLog.WithField("provider_id", receipt.ProviderID).WithError(err).Warn("apply delivery receipt")
		}
	})

	manager := system.NewManager()
	services := []system.Service{
		sess,
		queue,
		trk,
		billing.NewRecoveryScheduler(reconciler, cfg.Ledger.RecoverySchedule, log.WithComponent("recovery")),
	}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:  manager,
		log:      log,
		Session:  sess,
		Queue:    queue,
		Tracker:  trk,
		Ledger:   reconciler,
		Pricing:  pricing,
		Gateway:  gw,
		Events:   ring,
		Accounts: stores.Accounts,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start resolves messages left unresolved by a previous process, then starts
// every registered service. Storage being unreachable during that sweep is
// fatal.
func (a *Application) Start(ctx context.Context) error {
	if _, err := a.Ledger.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	return a.manager.Start(ctx)
}

// Stop stops all services in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

func sessionConfig(c config.SMPPConfig) session.Config {
	return session.Config{
		Addr: c.Addr(),
		Credentials: session.Credentials{
			SystemID:   c.SystemID,
			Password:   c.Password,
			SystemType: c.SystemType,
		},
		Addressing: session.Addressing{
			SourceAddr:         c.SourceAddr,
			SourceTON:          byte(c.SourceTON),
			SourceNPI:          byte(c.SourceNPI),
			DestTON:            byte(c.DestTON),
			DestNPI:            byte(c.DestNPI),
			DataCoding:         byte(c.DataCoding),
			RegisteredDelivery: c.RegisteredDelivery,
		},
		ConnectTimeout:      c.ConnectTimeout,
		BindTimeout:         c.BindTimeout,
		ResponseTimeout:     c.ResponseTimeout,
		EnquireLinkInterval: c.EnquireLinkInterval,
		MaxMissedKeepalives: c.MaxMissedKeepalives,
		CloseTimeout:        c.CloseTimeout,
		Backoff: session.BackoffConfig{
			InitialDelay: c.BackoffBase,
			Multiplier:   2.0,
			MaxDelay:     c.BackoffMax,
			Jitter:       c.BackoffJitter,
		},
		MaxReconnectAttempts: c.MaxReconnectAttempts,
	}
}
