package ledger

import "time"

// Direction of a ledger movement.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// Status of a ledger transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusReversed  Status = "REVERSED"
)

// Account is a prepaid balance in minor currency units. Reserved holds the
// cost of messages whose outcome is not yet known and never exceeds Balance.
type Account struct {
	ID        string
	Balance   int64
	Reserved  int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available is the balance not yet committed to in-flight messages.
func (a Account) Available() int64 {
	return a.Balance - a.Reserved
}

// Transaction records one balance movement. A DEBIT is tied to exactly one
// message; CREDIT top-ups carry no MessageID.
type Transaction struct {
	ID        string
	AccountID string
	MessageID string
	Amount    int64
	Direction Direction
	Status    Status
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}
