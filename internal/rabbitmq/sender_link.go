package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/buslink-go/contracts"
	"github.com/glimte/buslink-go/messaging"
)

// senderLink is a confirm-mode channel publishing to one entity. The caller
// keeps a single transfer outstanding; the broker's ack, nack, or return for
// it surfaces as one settlement on the Settlements channel.
type senderLink struct {
	ch      *amqp.Channel
	address string
	blocked func() bool
	logger  *slog.Logger

	open       atomic.Bool
	flowPaused atomic.Bool
	sendMu     sync.Mutex

	confirms <-chan amqp.Confirmation
	returns  chan amqp.Return
	flows    chan bool
	closings chan *amqp.Error

	settlements chan messaging.Settlement
	errs        chan error
	pumpDone    chan struct{}
}

// newSenderLink opens a channel in confirm mode against the entity address.
// blocked reports connection-wide publish flow control from the broker.
func newSenderLink(conn *amqp.Connection, address string, blocked func() bool, logger *slog.Logger) (*senderLink, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, newChannelError("open channel", address, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, newChannelError("enable confirms", address, err)
	}

	l := &senderLink{
		ch:          ch,
		address:     address,
		blocked:     blocked,
		logger:      logger,
		returns:     make(chan amqp.Return, 16),
		flows:       make(chan bool, 4),
		closings:    make(chan *amqp.Error, 1),
		settlements: make(chan messaging.Settlement, 16),
		errs:        make(chan error, 16),
		pumpDone:    make(chan struct{}),
	}
	l.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	ch.NotifyReturn(l.returns)
	ch.NotifyFlow(l.flows)
	ch.NotifyClose(l.closings)
	l.open.Store(true)

	go l.pump()
	return l, nil
}

func (l *senderLink) IsOpen() bool {
	return l.open.Load()
}

// Sendable reports whether a transfer would go out now. Channel flow and
// connection-level blocking both pause the link without detaching it.
func (l *senderLink) Sendable() bool {
	if !l.open.Load() || l.flowPaused.Load() {
		return false
	}
	if l.blocked != nil && l.blocked() {
		return false
	}
	return true
}

// Send publishes the message and returns the broker's sequence number as
// the delivery tag for settlement correlation.
func (l *senderLink) Send(ctx context.Context, wire *contracts.WireMessage) (uint64, error) {
	pub, err := buildPublishing(wire)
	if err != nil {
		return 0, err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if !l.open.Load() {
		return 0, ErrLinkClosed
	}

	tag := l.ch.GetNextPublishSeqNo()
	// Mandatory publish so an unroutable delivery comes back as a return
	// instead of a silent drop.
	if err := l.ch.PublishWithContext(ctx, "", l.address, true, false, pub); err != nil {
		return 0, newChannelError("publish", l.address, err)
	}
	return tag, nil
}

func (l *senderLink) Settlements() <-chan messaging.Settlement {
	return l.settlements
}

func (l *senderLink) Errors() <-chan error {
	return l.errs
}

// Close tears the channel down and waits for the pump to flush. Idempotent.
func (l *senderLink) Close(ctx context.Context) error {
	l.open.Store(false)
	err := l.ch.Close()

	select {
	case <-l.pumpDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return newChannelError("close", l.address, err)
	}
	return nil
}

// pump turns broker confirmations into settlements. It exits when the
// confirm channel closes with the channel, closing both outbound channels
// so the owner sees the detach.
func (l *senderLink) pump() {
	defer close(l.pumpDone)
	defer func() {
		l.open.Store(false)
		close(l.settlements)
		close(l.errs)
	}()

	tracker := newConfirmTracker(l.address)
	returns := l.returns
	flows := l.flows
	closings := l.closings

	for {
		select {
		case conf, ok := <-l.confirms:
			if !ok {
				return
			}
			// The broker sends the return for an unroutable delivery
			// before its ack, so fold queued returns in first.
			returns = drainReturns(tracker, returns)
			l.settlements <- tracker.resolve(conf)

		case ret, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			tracker.noteReturn(ret)

		case active, ok := <-flows:
			if !ok {
				flows = nil
				continue
			}
			l.flowPaused.Store(!active)
			l.logger.Debug("channel flow changed",
				"entity", l.address,
				"active", active)

		case amqpErr, ok := <-closings:
			if !ok {
				closings = nil
				continue
			}
			l.open.Store(false)
			if amqpErr != nil {
				l.errs <- newChannelError("channel closed", l.address, amqpErr)
			}
		}
	}
}

// drainReturns consumes every queued return without blocking, returning nil
// once the channel is closed.
func drainReturns(tracker *confirmTracker, returns chan amqp.Return) chan amqp.Return {
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				return nil
			}
			tracker.noteReturn(ret)
		default:
			return returns
		}
	}
}

// confirmTracker folds broker returns into the confirm stream. A return for
// a delivery always precedes its confirmation, and only one delivery is in
// flight per link, so a pending return belongs to the next confirm.
type confirmTracker struct {
	address     string
	returned    bool
	condition   string
	description string
}

func newConfirmTracker(address string) *confirmTracker {
	return &confirmTracker{address: address}
}

func (t *confirmTracker) noteReturn(ret amqp.Return) {
	t.returned = true
	t.condition = ret.ReplyText
	t.description = fmt.Sprintf("delivery to %q returned with code %d", t.address, ret.ReplyCode)
}

func (t *confirmTracker) resolve(conf amqp.Confirmation) messaging.Settlement {
	st := messaging.Settlement{Tag: conf.DeliveryTag, Disposition: contracts.DispositionAccepted}
	switch {
	case t.returned:
		st.Disposition = contracts.DispositionReleased
		st.Err = &contracts.SettlementError{
			Disposition: contracts.DispositionReleased,
			Condition:   t.condition,
			Description: t.description,
		}
	case !conf.Ack:
		st.Disposition = contracts.DispositionRejected
		st.Err = &contracts.SettlementError{
			Disposition: contracts.DispositionRejected,
			Description: fmt.Sprintf("broker refused delivery %d to %q", conf.DeliveryTag, t.address),
		}
	}
	t.returned = false
	t.condition = ""
	t.description = ""
	return st
}
