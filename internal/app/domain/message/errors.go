package message

import (
	"errors"
	"fmt"
)

var (
	// ErrNotBound means the transport has no bound session; nothing was written.
	ErrNotBound = errors.New("transport not bound")
	// ErrTransient marks failures that may succeed on retry.
	ErrTransient = errors.New("transient transport error")
	// ErrPermanentRejection marks submits the aggregator will never accept.
	ErrPermanentRejection = errors.New("permanent rejection")
	// ErrOutcomeUnknown means the submit was written but never acknowledged.
	ErrOutcomeUnknown = errors.New("submit outcome unknown")
	// ErrQueueOverflow is recorded on envelopes evicted from a full queue.
	ErrQueueOverflow = errors.New("outbound queue overflow")
	// ErrTimeout is returned when a caller stops waiting; dispatch continues.
	ErrTimeout = errors.New("timed out waiting for acceptance")
)

// RejectionError carries a non-zero submit_sm_resp command status.
type RejectionError struct {
	Status    uint32
	Transient bool
}

func (e *RejectionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("submit rejected (%s): command_status 0x%08X", kind, e.Status)
}

// Unwrap lets errors.Is classify the rejection.
func (e *RejectionError) Unwrap() error {
	if e.Transient {
		return ErrTransient
	}
	return ErrPermanentRejection
}
