package messaging

import (
	"context"

	"github.com/glimte/buslink-go/contracts"
)

// MessageHandler processes one received message. Returning an error marks
// the message as failed; with auto-complete enabled the receiver then
// abandons it so the broker redelivers.
type MessageHandler interface {
	Handle(ctx context.Context, msg *contracts.ReceivedMessage) error
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(ctx context.Context, msg *contracts.ReceivedMessage) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *contracts.ReceivedMessage) error {
	return f(ctx, msg)
}

// ErrorHandler receives errors a streaming receiver cannot return to any
// caller: link faults (as *contracts.LinkError) and handler failures (as
// *contracts.HandlerError). It runs on the receiver's pump goroutine and
// must not block.
type ErrorHandler func(err error)
