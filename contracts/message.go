package contracts

import (
	"context"
	"sync/atomic"
	"time"
)

// Message is an outbound message. The body is opaque to the client; it is
// handed to the configured body encoder just before the message goes on the
// wire. Annotations travel as broker-visible metadata, Properties as
// application metadata.
type Message struct {
	MessageID     string
	CorrelationID string
	ContentType   string
	Subject       string
	TTL           time.Duration
	Annotations   map[string]any
	Properties    map[string]any
	Body          any
}

// WireMessage is the encoded representation of one or more messages as handed
// to a sender link. A plain send carries a single data section; a batch
// carries one section per message, with the metadata of the first message
// only (batch messages share one set of broker-visible metadata).
type WireMessage struct {
	MessageID     string
	CorrelationID string
	ContentType   string
	Subject       string
	TTL           time.Duration
	Annotations   map[string]any
	Properties    map[string]any
	Data          [][]byte
	Batched       bool
}

// Settler performs the broker-side settlement of an inbound delivery. It is
// bound to a ReceivedMessage by the link engine that produced the delivery.
type Settler interface {
	SettleComplete(ctx context.Context, tag uint64) error
	SettleAbandon(ctx context.Context, tag uint64) error
	SettleDeadLetter(ctx context.Context, tag uint64, reason, description string) error
}

// ReceivedMessage is an inbound delivery. In PeekLock mode the message is
// held under a lock until one of the settlement methods runs; exactly one
// settlement is allowed and later attempts return ErrAlreadySettled. In
// ReceiveAndDelete mode the message arrives pre-settled and the settlement
// methods are rejected the same way.
type ReceivedMessage struct {
	MessageID     string
	CorrelationID string
	ContentType   string
	Subject       string
	LockToken     string
	Annotations   map[string]any
	Properties    map[string]any
	Body          []byte
	Redelivered   bool
	EnqueuedAt    time.Time
	Mode          ReceiveMode

	tag     uint64
	settler Settler
	settled atomic.Bool
}

// NewReceivedMessage binds a delivery to its settler. Link engines call this
// when translating a transport delivery; mode ReceiveAndDelete marks the
// message settled up front.
func NewReceivedMessage(settler Settler, tag uint64, mode ReceiveMode) *ReceivedMessage {
	m := &ReceivedMessage{Mode: mode, tag: tag, settler: settler}
	if mode == ReceiveAndDelete {
		m.settled.Store(true)
	}
	return m
}

// DeliveryTag returns the transport-level tag correlating this delivery with
// its settlement.
func (m *ReceivedMessage) DeliveryTag() uint64 {
	return m.tag
}

// IsSettled reports whether a settlement has already been recorded.
func (m *ReceivedMessage) IsSettled() bool {
	return m.settled.Load()
}

// Complete settles the message as successfully processed, removing it from
// the entity.
func (m *ReceivedMessage) Complete(ctx context.Context) error {
	if !m.beginSettle() {
		return ErrAlreadySettled
	}
	if err := m.settler.SettleComplete(ctx, m.tag); err != nil {
		m.settled.Store(false)
		return err
	}
	return nil
}

// Abandon releases the message lock so the broker redelivers it.
func (m *ReceivedMessage) Abandon(ctx context.Context) error {
	if !m.beginSettle() {
		return ErrAlreadySettled
	}
	if err := m.settler.SettleAbandon(ctx, m.tag); err != nil {
		m.settled.Store(false)
		return err
	}
	return nil
}

// DeadLetter moves the message to the entity's dead-letter destination with a
// reason and description recorded for later inspection.
func (m *ReceivedMessage) DeadLetter(ctx context.Context, reason, description string) error {
	if !m.beginSettle() {
		return ErrAlreadySettled
	}
	if err := m.settler.SettleDeadLetter(ctx, m.tag, reason, description); err != nil {
		m.settled.Store(false)
		return err
	}
	return nil
}

// beginSettle claims the single settlement slot. The claim is rolled back by
// the caller if the settler fails, so a transient settlement error does not
// permanently wedge the message.
func (m *ReceivedMessage) beginSettle() bool {
	if m.settler == nil {
		return false
	}
	return m.settled.CompareAndSwap(false, true)
}
