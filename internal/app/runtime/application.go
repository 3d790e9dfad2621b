// Package runtime opens the process-level dependencies (database, Redis,
// HTTP listener) and runs the gateway until its context ends.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/tune23wb/sms-panel/internal/app"
	"github.com/tune23wb/sms-panel/internal/app/httpapi"
	"github.com/tune23wb/sms-panel/internal/app/services/idempotency"
	"github.com/tune23wb/sms-panel/internal/app/storage/memory"
	"github.com/tune23wb/sms-panel/internal/app/storage/postgres"
	"github.com/tune23wb/sms-panel/internal/config"
	"github.com/tune23wb/sms-panel/internal/platform/migrations"
	"github.com/tune23wb/sms-panel/internal/smpp/session"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sql.DB
	redis      redis.UniversalClient
	done       chan struct{}

	mu       sync.Mutex
	listener net.Listener
	started  bool
}

// NewApplication constructs the gateway process from cfg. sessionOpts reach
// the SMPP session unchanged.
func NewApplication(cfg *config.Config, sessionOpts ...session.Option) (*Application, error) {
	log := NewLogger(cfg.Logging)

	stores, db, err := OpenStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	var client redis.UniversalClient
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			closeDB(db, log)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		stores.Idempotency = idempotency.NewRedisStore(client)
		log.Infof("idempotency keys stored in redis at %s", cfg.Redis.Addr)
	}

	application, err := app.New(cfg, stores, log, sessionOpts...)
	if err != nil {
		closeDB(db, log)
		return nil, err
	}

	done := make(chan struct{})
	handler := httpapi.NewHandler(application.Gateway, application.Events, httpapi.Config{
		CallbackTokens:    cfg.Gateway.CallbackTokens,
		InsecureCallbacks: cfg.Gateway.InsecureCallbacks,
		RateLimit:         cfg.Gateway.RateLimit,
		RateBurst:         cfg.Gateway.RateBurst,
		CORSOrigins:       cfg.Gateway.CORSOrigins,
		Done:              done,
	}, log)
	if len(cfg.Gateway.CallbackTokens) == 0 {
		if cfg.Gateway.InsecureCallbacks {
			log.Warn("no callback tokens configured; /v1/receipts accepts unauthenticated requests")
		} else {
			log.Warn("no callback tokens configured; /v1/receipts rejects all requests")
		}
	}

	return &Application{
		cfg: cfg,
		log: log,
		app: application,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		db:    db,
		redis: client,
		done:  done,
	}, nil
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg config.LoggingConfig) *logger.Logger {
	return logger.New(logger.LoggingConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePrefix: cfg.FilePrefix,
	})
}

// Core exposes the composed dispatch core.
func (a *Application) Core() *app.Application {
	return a.app
}

// Addr is the address the HTTP server listens on, or "" before Run.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run starts the dispatch core and the HTTP server and blocks until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.app.Stop(context.Background())
		return fmt.Errorf("listen %s: %w", a.httpServer.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.started = true
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", ln.Addr())
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting HTTP requests, drains the dispatch core and closes
// the database and Redis connections.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	select {
	case <-a.done:
	default:
		close(a.done)
	}

	var errs []error
	if started {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := a.app.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	closeDB(a.db, a.log)
	return errors.Join(errs...)
}

// OpenStores opens the configured ledger storage. The returned database is
// nil for the memory driver; callers close it when non-nil.
func OpenStores(cfg *config.Config, log *logger.Logger) (app.Stores, *sql.DB, error) {
	if strings.EqualFold(cfg.Database.Driver, "memory") {
		log.Warn("database driver is memory; ledger state is lost on restart")
		mem := memory.New()
		return app.Stores{Ledger: mem, Accounts: mem}, nil, nil
	}

	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := migrations.Apply(ctx, db)
		cancel()
		if err != nil {
			db.Close()
			return app.Stores{}, nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}
	store := postgres.New(db)
	return app.Stores{Ledger: store, Accounts: store}, db, nil
}

// OpenDatabase opens and pings the configured PostgreSQL database.
func OpenDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func closeDB(db *sql.DB, log *logger.Logger) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("error closing database connection")
	}
}
