package message

import "time"

// Status tracks a message from intake to its terminal outcome.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Failure reasons recorded on FAILED messages.
const (
	ReasonQueueOverflow      = "QueueOverflow"
	ReasonPermanentRejection = "PermanentRejection"
	ReasonTransientExhausted = "TransientTransportError"
	ReasonOutcomeUnknown     = "OutcomeUnknown"
	ReasonNeverTransmitted   = "NeverTransmitted"
	ReasonReceipt            = "DeliveryReceipt"
)

// Message is one outbound SMS request. ID doubles as the idempotency key.
type Message struct {
	ID            string
	AccountID     string
	Destination   string
	Content       string
	SourceAddress string
	Status        Status
	Cost          int64
	ProviderID    string
	Attempts      int
	FailureReason string
	DispatchedAt  *time.Time
	SentAt        *time.Time
	ResolvedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}

// Dispatched reports whether the message was ever handed to the transport.
func (m Message) Dispatched() bool {
	return m.DispatchedAt != nil
}

// Envelope is the unit the outbound queue owns until it reaches the transport.
type Envelope struct {
	IdempotencyKey string
	Destination    string
	Content        string
	SourceAddress  string
	EnqueuedAt     time.Time
	Attempt        int
}

// EnvelopeFor builds the queue envelope of a stored message.
func EnvelopeFor(msg Message) Envelope {
	return Envelope{
		IdempotencyKey: msg.ID,
		Destination:    msg.Destination,
		Content:        msg.Content,
		SourceAddress:  msg.SourceAddress,
		EnqueuedAt:     time.Now().UTC(),
	}
}

// SubmitResult is the single outcome of a submit that reached the wire.
// Err is nil when the aggregator accepted the message and ProviderID is set.
type SubmitResult struct {
	ProviderID    string
	CommandStatus uint32
	Err           error
}

// ReceiptState is the final state reported in a delivery receipt.
type ReceiptState string

const (
	ReceiptDelivered ReceiptState = "DELIVRD"
	ReceiptExpired   ReceiptState = "EXPIRED"
	ReceiptDeleted   ReceiptState = "DELETED"
	ReceiptUndeliv   ReceiptState = "UNDELIV"
	ReceiptAccepted  ReceiptState = "ACCEPTD"
	ReceiptUnknown   ReceiptState = "UNKNOWN"
	ReceiptRejected  ReceiptState = "REJECTD"
	ReceiptEnroute   ReceiptState = "ENROUTE"
)

// Final reports whether the state ends the message's life.
func (s ReceiptState) Final() bool {
	switch s {
	case ReceiptAccepted, ReceiptEnroute, "":
		return false
	}
	return true
}

// Delivered reports whether the state means the handset received the message.
func (s ReceiptState) Delivered() bool {
	return s == ReceiptDelivered
}

// Receipt is an asynchronous delivery confirmation. It arrives either as a
// deliver_sm on the session (ProviderID set) or as an HTTP callback, which may
// carry the internal MessageID instead.
type Receipt struct {
	ProviderID string
	MessageID  string
	State      ReceiptState
	ErrorCode  string
	Text       string
	ReceivedAt time.Time
}
