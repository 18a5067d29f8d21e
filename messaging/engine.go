package messaging

import (
	"context"
	"time"

	"github.com/glimte/buslink-go/contracts"
)

// LinkEngine is the transport boundary. It opens links to entity addresses,
// negotiates security claims for audiences, and owns the underlying
// connection. Implementations must be safe for concurrent use.
type LinkEngine interface {
	// OpenSenderLink opens a sending link to the entity address.
	OpenSenderLink(ctx context.Context, address string) (SenderLink, error)

	// OpenReceiverLink opens a receiving link to the entity address.
	OpenReceiverLink(ctx context.Context, address string, opts ReceiverLinkOptions) (ReceiverLink, error)

	// NegotiateClaim authorizes the audience with a token from the provider
	// and returns the token expiry for renewal scheduling.
	NegotiateClaim(ctx context.Context, audience string, provider TokenProvider) (time.Time, error)

	// Close tears down the engine and every link it opened.
	Close() error
}

// SenderLink is a unidirectional sending link. Send transfers a message and
// returns a delivery tag; the broker's outcome for that tag arrives later on
// the Settlements channel. Link-level faults arrive on Errors; both channels
// close when the link closes.
type SenderLink interface {
	IsOpen() bool

	// Sendable reports whether the link currently has credit to transfer.
	Sendable() bool

	Send(ctx context.Context, msg *contracts.WireMessage) (uint64, error)
	Settlements() <-chan Settlement
	Errors() <-chan error
	Close(ctx context.Context) error
}

// ReceiverLink is a unidirectional receiving link. Deliveries flow on the
// Deliveries channel once credit has been issued; the channel closes when
// the link closes. IssueCredit widens the unsettled-delivery window to n.
// Drain stops the flow and returns locally buffered deliveries to the
// broker so none are lost between receive calls.
type ReceiverLink interface {
	IsOpen() bool
	Deliveries() <-chan *contracts.ReceivedMessage
	Errors() <-chan error
	IssueCredit(n int) error
	Drain(ctx context.Context) error
	Close(ctx context.Context) error
}

// Settlement is the broker's outcome for one delivery tag. Err carries the
// broker's stated cause when the disposition is not accepted, or the link
// fault that voided the delivery.
type Settlement struct {
	Tag         uint64
	Disposition contracts.Disposition
	Err         error
}

// ReceiverLinkOptions configures a receiver link at open.
type ReceiverLinkOptions struct {
	// Mode selects peek-lock (manual settlement) or receive-and-delete.
	Mode contracts.ReceiveMode

	// Credit is the initial unsettled-delivery window. Zero defers the
	// flow until the first IssueCredit call.
	Credit int
}

// Token is a security token for an audience.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenProvider supplies security tokens for claim negotiation. A nil
// provider on an entity disables claim negotiation and renewal entirely.
type TokenProvider interface {
	GetToken(ctx context.Context, audience string) (*Token, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context, audience string) (*Token, error)

// GetToken implements TokenProvider
func (f TokenProviderFunc) GetToken(ctx context.Context, audience string) (*Token, error) {
	return f(ctx, audience)
}
