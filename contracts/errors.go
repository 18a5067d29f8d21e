package contracts

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by clients, senders, and receivers. Callers match
// them with errors.Is.
var (
	// ErrClientClosed is returned by every operation on a closed client.
	ErrClientClosed = errors.New("buslink: client is closed")

	// ErrSenderClosed is returned by sends on a closed sender.
	ErrSenderClosed = errors.New("buslink: sender is closed")

	// ErrReceiverClosed is returned by receives on a closed receiver.
	ErrReceiverClosed = errors.New("buslink: receiver is closed")

	// ErrNoCredit is returned when a sender link has no credit to transfer
	// a message. The condition is transient; retry policies treat it as
	// retryable.
	ErrNoCredit = errors.New("buslink: sender link has no credit")

	// ErrReceiveInProgress is returned when a batch receive is started
	// while a previous one on the same receiver has not finished.
	ErrReceiveInProgress = errors.New("buslink: receive already in progress")

	// ErrReceiverActive is returned when an entity already has a live
	// receiver and a second one is requested.
	ErrReceiverActive = errors.New("buslink: entity already has an active receiver")

	// ErrAlreadySettled is returned by settlement methods after the first
	// settlement of a message has been recorded.
	ErrAlreadySettled = errors.New("buslink: message already settled")
)

// InitError records a failure while initializing a link entity: opening the
// underlying link or negotiating a claim for its audience.
type InitError struct {
	Entity    string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *InitError) Error() string {
	return fmt.Sprintf("buslink: %s failed for entity %q: %v", e.Op, e.Entity, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// NewInitError stamps the failure with the current time.
func NewInitError(entity, op string, err error) *InitError {
	return &InitError{Entity: entity, Op: op, Err: err, Timestamp: time.Now()}
}

// SettlementError is returned when the broker settles a delivery with a
// non-accepted disposition. Condition and Description carry the broker's
// stated cause when one was supplied.
type SettlementError struct {
	Disposition Disposition
	Condition   string
	Description string
	Err         error
}

func (e *SettlementError) Error() string {
	if e.Condition != "" {
		return fmt.Sprintf("buslink: message settled as %s (%s: %s)", e.Disposition, e.Condition, e.Description)
	}
	return fmt.Sprintf("buslink: message settled as %s", e.Disposition)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether resending may succeed. A rejected transfer was
// refused by the broker and will be refused again; released and modified
// transfers were not processed and may be retried.
func (e *SettlementError) IsRetryable() bool {
	return e.Disposition != DispositionRejected
}

// LinkError records the detach or loss of an open link. Link loss is always
// retryable: the entity can be reinitialized and the operation replayed.
type LinkError struct {
	Entity    string
	Err       error
	Timestamp time.Time
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("buslink: link to entity %q lost: %v", e.Entity, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func (e *LinkError) IsRetryable() bool {
	return true
}

// NewLinkError stamps the loss with the current time.
func NewLinkError(entity string, err error) *LinkError {
	return &LinkError{Entity: entity, Err: err, Timestamp: time.Now()}
}

// HandlerError wraps a panic or error escaping a message handler so the
// receiver can log and settle without losing the cause.
type HandlerError struct {
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("buslink: handler failed for message %q: %v", e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsRetryableError walks the error chain for anything declaring its own
// retryability, then falls back to the retryable sentinels.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return errors.Is(err, ErrNoCredit)
}
