package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")

	// Link errors
	ErrLinkClosed    = errors.New("rabbitmq: link is closed")
	ErrEngineClosed  = errors.New("rabbitmq: engine is closed")
	ErrBrokerCancel  = errors.New("rabbitmq: consumer cancelled by broker")
	ErrInvalidConfig = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a failure of the AMQP channel backing one link.
type ChannelError struct {
	Op        string    // Operation that failed
	Entity    string    // Entity address the link was attached to
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on %q: %v", e.Op, e.Entity, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func newChannelError(op, entity string, err error) *ChannelError {
	return &ChannelError{Op: op, Entity: entity, Err: err, Timestamp: time.Now()}
}

// SanitizeURL masks the password in a connection URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
