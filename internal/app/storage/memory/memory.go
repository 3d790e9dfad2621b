package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tune23wb/sms-panel/internal/app/domain/ledger"
	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. A single
// mutex serialises transactions, so version conflicts only arise from callers
// that write stale copies.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]ledger.Account
	messages     map[string]message.Message
	byProvider   map[string]string
	transactions map[string]ledger.Transaction
	txByMessage  map[string]string
}

var (
	_ storage.LedgerStore  = (*Store)(nil)
	_ storage.AccountStore = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]ledger.Account),
		messages:     make(map[string]message.Message),
		byProvider:   make(map[string]string),
		transactions: make(map[string]ledger.Transaction),
		txByMessage:  make(map[string]string),
	}
}

// WithTx runs fn against staged copies and commits them only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:        s,
		accounts:     make(map[string]ledger.Account),
		messages:     make(map[string]message.Message),
		transactions: make(map[string]ledger.Transaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commitLocked()
	return nil
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct ledger.Account) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if _, exists := s.accounts[acct.ID]; exists {
		return ledger.Account{}, fmt.Errorf("account %s: %w", acct.ID, storage.ErrDuplicate)
	}
	if acct.Balance < 0 || acct.Reserved != 0 {
		return ledger.Account{}, fmt.Errorf("account %s: opening balance must be non-negative with nothing reserved", acct.ID)
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.Version = 1
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) Credit(_ context.Context, accountID string, amount int64, reason string) (ledger.Account, error) {
	if amount <= 0 {
		return ledger.Account{}, fmt.Errorf("credit amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %s: %w", accountID, storage.ErrNotFound)
	}
	now := time.Now().UTC()
	acct.Balance += amount
	acct.Version++
	acct.UpdatedAt = now
	s.accounts[accountID] = acct

	tx := ledger.Transaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Direction: ledger.DirectionCredit,
		Status:    ledger.StatusCompleted,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	s.transactions[tx.ID] = tx
	return acct, nil
}

// LedgerStore reads -----------------------------------------------------------

func (s *Store) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return acct, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return message.Message{}, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	return cloneMessage(msg), nil
}

func (s *Store) GetMessageByProviderID(_ context.Context, providerID string) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProvider[providerID]
	if !ok {
		return message.Message{}, fmt.Errorf("provider id %s: %w", providerID, storage.ErrNotFound)
	}
	return cloneMessage(s.messages[id]), nil
}

func (s *Store) ListUnresolvedMessages(_ context.Context, updatedBefore time.Time, limit int) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []message.Message
	for _, msg := range s.messages {
		if msg.Status.Terminal() || !msg.UpdatedAt.Before(updatedBefore) {
			continue
		}
		result = append(result, cloneMessage(msg))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CountMessagesSince(_ context.Context, accountID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, msg := range s.messages {
		if msg.AccountID == accountID && !msg.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ledger.Transaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// memTx stages writes until WithTx commits them. The store mutex is held for
// the whole transaction.
type memTx struct {
	store        *Store
	accounts     map[string]ledger.Account
	messages     map[string]message.Message
	transactions map[string]ledger.Transaction
}

func (t *memTx) GetAccount(_ context.Context, id string) (ledger.Account, error) {
	if acct, ok := t.accounts[id]; ok {
		return acct, nil
	}
	acct, ok := t.store.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return acct, nil
}

func (t *memTx) UpdateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, error) {
	current, err := t.GetAccount(ctx, acct.ID)
	if err != nil {
		return ledger.Account{}, err
	}
	if current.Version != acct.Version {
		return ledger.Account{}, fmt.Errorf("account %s version %d: %w", acct.ID, acct.Version, storage.ErrConflict)
	}
	acct.Version++
	acct.UpdatedAt = time.Now().UTC()
	t.accounts[acct.ID] = acct
	return acct, nil
}

func (t *memTx) CreateMessage(_ context.Context, msg message.Message) (message.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := t.store.messages[msg.ID]; exists {
		return message.Message{}, fmt.Errorf("message %s: %w", msg.ID, storage.ErrDuplicate)
	}
	if _, exists := t.messages[msg.ID]; exists {
		return message.Message{}, fmt.Errorf("message %s: %w", msg.ID, storage.ErrDuplicate)
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	msg.Version = 1
	t.messages[msg.ID] = cloneMessage(msg)
	return msg, nil
}

func (t *memTx) GetMessage(_ context.Context, id string) (message.Message, error) {
	if msg, ok := t.messages[id]; ok {
		return cloneMessage(msg), nil
	}
	msg, ok := t.store.messages[id]
	if !ok {
		return message.Message{}, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	return cloneMessage(msg), nil
}

func (t *memTx) UpdateMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	current, err := t.GetMessage(ctx, msg.ID)
	if err != nil {
		return message.Message{}, err
	}
	if current.Version != msg.Version {
		return message.Message{}, fmt.Errorf("message %s version %d: %w", msg.ID, msg.Version, storage.ErrConflict)
	}
	if msg.ProviderID != "" && msg.ProviderID != current.ProviderID {
		if owner, taken := t.store.byProvider[msg.ProviderID]; taken && owner != msg.ID {
			return message.Message{}, fmt.Errorf("provider id %s: %w", msg.ProviderID, storage.ErrDuplicate)
		}
	}
	msg.CreatedAt = current.CreatedAt
	msg.Version++
	msg.UpdatedAt = time.Now().UTC()
	t.messages[msg.ID] = cloneMessage(msg)
	return msg, nil
}

func (t *memTx) CreateTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.MessageID != "" {
		if _, exists := t.store.txByMessage[tx.MessageID]; exists {
			return ledger.Transaction{}, fmt.Errorf("transaction for message %s: %w", tx.MessageID, storage.ErrDuplicate)
		}
		for _, staged := range t.transactions {
			if staged.MessageID == tx.MessageID {
				return ledger.Transaction{}, fmt.Errorf("transaction for message %s: %w", tx.MessageID, storage.ErrDuplicate)
			}
		}
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.Version = 1
	t.transactions[tx.ID] = tx
	return tx, nil
}

func (t *memTx) GetTransactionByMessage(_ context.Context, messageID string) (ledger.Transaction, error) {
	for _, staged := range t.transactions {
		if staged.MessageID == messageID {
			return staged, nil
		}
	}
	id, ok := t.store.txByMessage[messageID]
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("transaction for message %s: %w", messageID, storage.ErrNotFound)
	}
	return t.store.transactions[id], nil
}

func (t *memTx) UpdateTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	current, ok := t.transactions[tx.ID]
	if !ok {
		current, ok = t.store.transactions[tx.ID]
	}
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", tx.ID, storage.ErrNotFound)
	}
	if current.Version != tx.Version {
		return ledger.Transaction{}, fmt.Errorf("transaction %s version %d: %w", tx.ID, tx.Version, storage.ErrConflict)
	}
	tx.CreatedAt = current.CreatedAt
	tx.Version++
	tx.UpdatedAt = time.Now().UTC()
	t.transactions[tx.ID] = tx
	return tx, nil
}

func (t *memTx) commitLocked() {
	s := t.store
	for id, acct := range t.accounts {
		s.accounts[id] = acct
	}
	for id, msg := range t.messages {
		if previous, ok := s.messages[id]; ok && previous.ProviderID != "" && previous.ProviderID != msg.ProviderID {
			delete(s.byProvider, previous.ProviderID)
		}
		s.messages[id] = msg
		if msg.ProviderID != "" {
			s.byProvider[msg.ProviderID] = id
		}
	}
	for id, tx := range t.transactions {
		s.transactions[id] = tx
		if tx.MessageID != "" {
			s.txByMessage[tx.MessageID] = id
		}
	}
}

func cloneMessage(msg message.Message) message.Message {
	msg.DispatchedAt = cloneTime(msg.DispatchedAt)
	msg.SentAt = cloneTime(msg.SentAt)
	msg.ResolvedAt = cloneTime(msg.ResolvedAt)
	return msg
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
