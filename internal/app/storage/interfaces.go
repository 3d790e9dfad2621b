package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tune23wb/sms-panel/internal/app/domain/ledger"
	"github.com/tune23wb/sms-panel/internal/app/domain/message"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a version-checked write lost a race or the
	// database aborted the transaction for serialization reasons.
	ErrConflict = errors.New("storage conflict")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("duplicate record")
)

// LedgerTx is the unit of work the reconciler runs its read-check-write
// sequences in. Reads lock the rows they return until the transaction ends.
type LedgerTx interface {
	GetAccount(ctx context.Context, id string) (ledger.Account, error)
	UpdateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error)

	CreateMessage(ctx context.Context, msg message.Message) (message.Message, error)
	GetMessage(ctx context.Context, id string) (message.Message, error)
	UpdateMessage(ctx context.Context, msg message.Message) (message.Message, error)

	CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)
	GetTransactionByMessage(ctx context.Context, messageID string) (ledger.Transaction, error)
	UpdateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)
}

// LedgerStore persists messages, accounts and ledger transactions.
type LedgerStore interface {
	// WithTx runs fn atomically. Any error from fn rolls every write back.
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetMessage(ctx context.Context, id string) (message.Message, error)
	GetMessageByProviderID(ctx context.Context, providerID string) (message.Message, error)
	ListUnresolvedMessages(ctx context.Context, updatedBefore time.Time, limit int) ([]message.Message, error)
	CountMessagesSince(ctx context.Context, accountID string, since time.Time) (int64, error)

	GetAccount(ctx context.Context, id string) (ledger.Account, error)
	ListTransactions(ctx context.Context, accountID string) ([]ledger.Transaction, error)
}

// AccountStore is the contract the external account collaborator uses to
// populate and top up balances.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error)
	Credit(ctx context.Context, accountID string, amount int64, reason string) (ledger.Account, error)
}
