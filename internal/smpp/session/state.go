package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/tune23wb/sms-panel/internal/smpp/pdu"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBinding
	StateBound
	StateUnbinding
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBinding:
		return "BINDING"
	case StateBound:
		return "BOUND"
	case StateUnbinding:
		return "UNBINDING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StateChange is emitted on every transition.
type StateChange struct {
	From State
	To   State
	Err  error
	At   time.Time
}

// Health is the snapshot reported on the health surface. BindDeadline is
// zero unless a bind is awaiting its response.
type Health struct {
	State               State
	ConsecutiveFailures int
	Fatal               bool
	BoundSystemID       string
	LastActivity        time.Time
	BindDeadline        time.Time
	Addr                string
}

var (
	// ErrConnect classifies connection failures.
	ErrConnect = errors.New("smpp connect failed")
	// ErrBindRejected classifies non-zero bind responses.
	ErrBindRejected = errors.New("smpp bind rejected")
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("smpp operation not allowed in current state")
	// ErrKeepaliveTimeout is the teardown cause after missed enquire_link acks.
	ErrKeepaliveTimeout = errors.New("smpp keepalive timeout")
	// ErrRemoteUnbind is the teardown cause when the aggregator unbinds.
	ErrRemoteUnbind = errors.New("smpp unbind from aggregator")
	// ErrReconnectExhausted marks the session fatal.
	ErrReconnectExhausted = errors.New("smpp reconnect attempts exhausted")

	errLinkClosed      = errors.New("smpp link closed")
	errResponseTimeout = errors.New("smpp response timeout")
)

// ConnectError wraps a dial failure.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

// Unwrap exposes both ErrConnect and the dial error.
func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}

// BindRejectedError carries the bind response status.
type BindRejectedError struct {
	Status uint32
}

func (e *BindRejectedError) Error() string {
	return fmt.Sprintf("bind rejected: %s", pdu.StatusText(e.Status))
}

// Unwrap classifies the error as ErrBindRejected.
func (e *BindRejectedError) Unwrap() error {
	return ErrBindRejected
}
