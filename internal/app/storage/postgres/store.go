package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tune23wb/sms-panel/internal/app/domain/ledger"
	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.LedgerStore  = (*Store)(nil)
	_ storage.AccountStore = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

const (
	accountColumns     = `id, balance, reserved, version, created_at, updated_at`
	messageColumns     = `id, account_id, destination, content, source_address, status, cost, provider_id, attempts, failure_reason, dispatched_at, sent_at, resolved_at, created_at, updated_at, version`
	transactionColumns = `id, account_id, message_id, amount, direction, status, reason, created_at, updated_at, version`
)

type accountRow struct {
	ID        string    `db:"id"`
	Balance   int64     `db:"balance"`
	Reserved  int64     `db:"reserved"`
	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r accountRow) toDomain() ledger.Account {
	return ledger.Account{
		ID:        r.ID,
		Balance:   r.Balance,
		Reserved:  r.Reserved,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type messageRow struct {
	ID            string         `db:"id"`
	AccountID     string         `db:"account_id"`
	Destination   string         `db:"destination"`
	Content       string         `db:"content"`
	SourceAddress string         `db:"source_address"`
	Status        string         `db:"status"`
	Cost          int64          `db:"cost"`
	ProviderID    sql.NullString `db:"provider_id"`
	Attempts      int            `db:"attempts"`
	FailureReason string         `db:"failure_reason"`
	DispatchedAt  sql.NullTime   `db:"dispatched_at"`
	SentAt        sql.NullTime   `db:"sent_at"`
	ResolvedAt    sql.NullTime   `db:"resolved_at"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	Version       int64          `db:"version"`
}

func (r messageRow) toDomain() message.Message {
	return message.Message{
		ID:            r.ID,
		AccountID:     r.AccountID,
		Destination:   r.Destination,
		Content:       r.Content,
		SourceAddress: r.SourceAddress,
		Status:        message.Status(r.Status),
		Cost:          r.Cost,
		ProviderID:    r.ProviderID.String,
		Attempts:      r.Attempts,
		FailureReason: r.FailureReason,
		DispatchedAt:  fromNullTime(r.DispatchedAt),
		SentAt:        fromNullTime(r.SentAt),
		ResolvedAt:    fromNullTime(r.ResolvedAt),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Version:       r.Version,
	}
}

type transactionRow struct {
	ID        string         `db:"id"`
	AccountID string         `db:"account_id"`
	MessageID sql.NullString `db:"message_id"`
	Amount    int64          `db:"amount"`
	Direction string         `db:"direction"`
	Status    string         `db:"status"`
	Reason    string         `db:"reason"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
	Version   int64          `db:"version"`
}

func (r transactionRow) toDomain() ledger.Transaction {
	return ledger.Transaction{
		ID:        r.ID,
		AccountID: r.AccountID,
		MessageID: r.MessageID.String,
		Amount:    r.Amount,
		Direction: ledger.Direction(r.Direction),
		Status:    ledger.Status(r.Status),
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Version:   r.Version,
	}
}

// --- Transactions -----------------------------------------------------------

// WithTx runs fn inside a database transaction. Serialization failures and
// deadlocks surface as storage.ErrConflict so callers can retry.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	var row accountRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return ledger.Account{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error) {
	acct.UpdatedAt = time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $3, reserved = $4, version = version + 1, updated_at = $5
		WHERE id = $1 AND version = $2
	`, acct.ID, acct.Version, acct.Balance, acct.Reserved, acct.UpdatedAt)
	if err := checkVersioned(result, err, "account", acct.ID); err != nil {
		return ledger.Account{}, err
	}
	acct.Version++
	return acct, nil
}

func (t *pgTx) CreateMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	msg.Version = 1

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, msg.ID, msg.AccountID, msg.Destination, msg.Content, msg.SourceAddress, string(msg.Status), msg.Cost,
		nullString(msg.ProviderID), msg.Attempts, msg.FailureReason, toNullTime(msg.DispatchedAt), toNullTime(msg.SentAt),
		toNullTime(msg.ResolvedAt), msg.CreatedAt, msg.UpdatedAt, msg.Version)
	if err != nil {
		return message.Message{}, mapError(err)
	}
	return msg, nil
}

func (t *pgTx) GetMessage(ctx context.Context, id string) (message.Message, error) {
	var row messageRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return message.Message{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (t *pgTx) UpdateMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	msg.UpdatedAt = time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE messages
		SET status = $3, provider_id = $4, attempts = $5, failure_reason = $6,
			dispatched_at = $7, sent_at = $8, resolved_at = $9, updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $2
	`, msg.ID, msg.Version, string(msg.Status), nullString(msg.ProviderID), msg.Attempts, msg.FailureReason,
		toNullTime(msg.DispatchedAt), toNullTime(msg.SentAt), toNullTime(msg.ResolvedAt), msg.UpdatedAt)
	if err := checkVersioned(result, err, "message", msg.ID); err != nil {
		return message.Message{}, err
	}
	msg.Version++
	return msg, nil
}

func (t *pgTx) CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Version = 1

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.ID, tx.AccountID, nullString(tx.MessageID), tx.Amount, string(tx.Direction), string(tx.Status), tx.Reason,
		tx.CreatedAt, tx.UpdatedAt, tx.Version)
	if err != nil {
		return ledger.Transaction{}, mapError(err)
	}
	return tx, nil
}

func (t *pgTx) GetTransactionByMessage(ctx context.Context, messageID string) (ledger.Transaction, error) {
	var row transactionRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE message_id = $1 FOR UPDATE`, messageID)
	if err != nil {
		return ledger.Transaction{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (t *pgTx) UpdateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	tx.UpdatedAt = time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = $3, reason = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $2
	`, tx.ID, tx.Version, string(tx.Status), tx.Reason, tx.UpdatedAt)
	if err := checkVersioned(result, err, "transaction", tx.ID); err != nil {
		return ledger.Transaction{}, err
	}
	tx.Version++
	return tx, nil
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.Balance < 0 || acct.Reserved != 0 {
		return ledger.Account{}, fmt.Errorf("account %s: opening balance must be non-negative with nothing reserved", acct.ID)
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, acct.ID, acct.Balance, acct.Reserved, acct.Version, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return ledger.Account{}, mapError(err)
	}
	return acct, nil
}

func (s *Store) Credit(ctx context.Context, accountID string, amount int64, reason string) (ledger.Account, error) {
	if amount <= 0 {
		return ledger.Account{}, fmt.Errorf("credit amount must be positive")
	}
	var updated ledger.Account
	err := s.WithTx(ctx, func(tx storage.LedgerTx) error {
		acct, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		acct.Balance += amount
		if updated, err = tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		_, err = tx.CreateTransaction(ctx, ledger.Transaction{
			AccountID: accountID,
			Amount:    amount,
			Direction: ledger.DirectionCredit,
			Status:    ledger.StatusCompleted,
			Reason:    reason,
		})
		return err
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return updated, nil
}

// --- LedgerStore reads ------------------------------------------------------

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	var row accountRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id); err != nil {
		return ledger.Account{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (message.Message, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id); err != nil {
		return message.Message{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetMessageByProviderID(ctx context.Context, providerID string) (message.Message, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE provider_id = $1`, providerID); err != nil {
		return message.Message{}, mapError(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListUnresolvedMessages(ctx context.Context, updatedBefore time.Time, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status IN ('PENDING', 'SENT') AND updated_at < $1
		ORDER BY created_at
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, mapError(err)
	}
	result := make([]message.Message, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) CountMessagesSince(ctx context.Context, accountID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE account_id = $1 AND created_at >= $2`, accountID, since)
	if err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string) ([]ledger.Transaction, error) {
	var rows []transactionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY created_at, id
	`, accountID)
	if err != nil {
		return nil, mapError(err)
	}
	result := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

// --- helpers ----------------------------------------------------------------

func checkVersioned(result sql.Result, err error, kind, id string) error {
	if err != nil {
		return mapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrConflict)
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		}
	}
	return err
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
