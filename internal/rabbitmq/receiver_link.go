package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/buslink-go/contracts"
	"github.com/glimte/buslink-go/messaging"
)

// receiverLink is a consuming channel against one entity. Credit maps to the
// channel prefetch window; a zero-credit link opens without a consumer and
// starts the flow on the first credit issue. The link settles deliveries on
// behalf of the messages it hands out.
type receiverLink struct {
	ch      *amqp.Channel
	address string
	mode    contracts.ReceiveMode
	logger  *slog.Logger

	open atomic.Bool

	mu       sync.Mutex
	consumer *consumerState

	out  chan *contracts.ReceivedMessage
	errs chan error

	closings chan *amqp.Error
	cancels  chan string

	closedCh     chan struct{}
	shutdownDone chan struct{}
}

// consumerState tracks one broker consumer. Draining is per consumer so a
// drain in progress cannot bleed into a freshly started flow.
type consumerState struct {
	tag      string
	done     chan struct{}
	draining atomic.Bool
}

func newReceiverLink(conn *amqp.Connection, address string, opts messaging.ReceiverLinkOptions, logger *slog.Logger) (*receiverLink, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, newChannelError("open channel", address, err)
	}

	l := &receiverLink{
		ch:           ch,
		address:      address,
		mode:         opts.Mode,
		logger:       logger,
		out:          make(chan *contracts.ReceivedMessage, 64),
		errs:         make(chan error, 16),
		closings:     make(chan *amqp.Error, 1),
		cancels:      make(chan string, 1),
		closedCh:     make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
	ch.NotifyClose(l.closings)
	ch.NotifyCancel(l.cancels)
	l.open.Store(true)

	go l.monitor()

	if opts.Credit > 0 {
		if err := l.IssueCredit(opts.Credit); err != nil {
			ch.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *receiverLink) IsOpen() bool {
	return l.open.Load()
}

func (l *receiverLink) Deliveries() <-chan *contracts.ReceivedMessage {
	return l.out
}

func (l *receiverLink) Errors() <-chan error {
	return l.errs
}

// IssueCredit sets the unsettled-delivery window to n and starts the
// consumer if none is running.
func (l *receiverLink) IssueCredit(n int) error {
	if n <= 0 {
		return fmt.Errorf("rabbitmq: credit must be positive, got %d", n)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open.Load() {
		return ErrLinkClosed
	}
	if err := l.ch.Qos(n, 0, false); err != nil {
		return newChannelError("set credit window", l.address, err)
	}
	if l.consumer == nil {
		return l.startConsumerLocked()
	}
	return nil
}

func (l *receiverLink) startConsumerLocked() error {
	tag := "buslink-" + uuid.New().String()
	deliveries, err := l.ch.Consume(
		l.address,
		tag,
		l.mode == contracts.ReceiveAndDelete, // autoAck settles on arrival
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return newChannelError("start consumer", l.address, err)
	}

	cs := &consumerState{tag: tag, done: make(chan struct{})}
	l.consumer = cs
	go l.forward(cs, deliveries)
	return nil
}

// forward translates broker deliveries and hands them to the owner. During
// a drain it gives deliveries straight back instead.
func (l *receiverLink) forward(cs *consumerState, deliveries <-chan amqp.Delivery) {
	defer close(cs.done)

	for d := range deliveries {
		if cs.draining.Load() {
			if err := d.Nack(false, true); err != nil {
				l.logger.Warn("requeue during drain failed",
					"entity", l.address,
					"tag", d.DeliveryTag,
					"error", err)
			}
			continue
		}

		msgs, err := translateDelivery(d, l, l.mode)
		if err != nil {
			l.logger.Warn("rejecting malformed delivery",
				"entity", l.address,
				"tag", d.DeliveryTag,
				"error", err)
			if l.mode == contracts.PeekLock {
				if nackErr := d.Nack(false, false); nackErr != nil {
					l.logger.Warn("reject failed",
						"entity", l.address,
						"error", nackErr)
				}
			}
			continue
		}

		for _, m := range msgs {
			select {
			case l.out <- m:
			case <-l.closedCh:
				return
			}
		}
	}
}

// Drain stops the consumer, hands in-flight deliveries back to the broker,
// and abandons everything still buffered locally. The link stays open; the
// next credit issue starts a fresh consumer.
func (l *receiverLink) Drain(ctx context.Context) error {
	if l.mode == contracts.ReceiveAndDelete {
		// Deliveries settle on arrival and cannot be handed back. What is
		// buffered stays queued for the next receive.
		return nil
	}

	l.mu.Lock()
	cs := l.consumer
	l.consumer = nil
	l.mu.Unlock()

	if cs != nil {
		cs.draining.Store(true)
		cancelErr := l.ch.Cancel(cs.tag, false)

		select {
		case <-cs.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		if cancelErr != nil && !errors.Is(cancelErr, amqp.ErrClosed) {
			return newChannelError("cancel consumer", l.address, cancelErr)
		}
	}
	return l.flushLocal(ctx)
}

// flushLocal abandons deliveries that were translated but never taken so
// the broker can redeliver them.
func (l *receiverLink) flushLocal(ctx context.Context) error {
	flushed := 0
	for {
		select {
		case m, ok := <-l.out:
			if !ok {
				return nil
			}
			if !m.IsSettled() {
				if err := m.Abandon(ctx); err != nil && !errors.Is(err, contracts.ErrAlreadySettled) {
					l.logger.Warn("abandon during drain failed",
						"entity", l.address,
						"tag", m.DeliveryTag(),
						"error", err)
				}
			}
			flushed++
		default:
			if flushed > 0 {
				l.logger.Debug("returned buffered deliveries",
					"entity", l.address,
					"count", flushed)
			}
			return nil
		}
	}
}

// Close tears the channel down and waits for the link to finish shutting
// down. Idempotent.
func (l *receiverLink) Close(ctx context.Context) error {
	l.open.Store(false)
	err := l.ch.Close()

	select {
	case <-l.shutdownDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return newChannelError("close", l.address, err)
	}
	return nil
}

// monitor waits for the channel to die or the broker to cancel the
// consumer, then shuts the link down. Both outbound channels close so the
// owner sees the detach.
func (l *receiverLink) monitor() {
	select {
	case amqpErr, ok := <-l.closings:
		if ok && amqpErr != nil {
			l.errs <- newChannelError("channel closed", l.address, amqpErr)
		}
	case tag, ok := <-l.cancels:
		if ok {
			l.errs <- fmt.Errorf("%w: consumer %q on %q", ErrBrokerCancel, tag, l.address)
		}
	}
	l.shutdown()
}

func (l *receiverLink) shutdown() {
	l.open.Store(false)
	close(l.closedCh)

	l.mu.Lock()
	cs := l.consumer
	l.consumer = nil
	l.mu.Unlock()

	if cs != nil {
		<-cs.done
	}
	close(l.out)
	close(l.errs)
	close(l.shutdownDone)
}

// SettleComplete acknowledges the delivery, removing it from the entity.
func (l *receiverLink) SettleComplete(ctx context.Context, tag uint64) error {
	if err := l.ch.Ack(tag, false); err != nil {
		return newChannelError("complete", l.address, err)
	}
	return nil
}

// SettleAbandon releases the lock and requeues the delivery for redelivery.
func (l *receiverLink) SettleAbandon(ctx context.Context, tag uint64) error {
	if err := l.ch.Nack(tag, false, true); err != nil {
		return newChannelError("abandon", l.address, err)
	}
	return nil
}

// SettleDeadLetter rejects the delivery without requeue so the entity's
// dead letter policy picks it up. The reason survives in the log only.
func (l *receiverLink) SettleDeadLetter(ctx context.Context, tag uint64, reason, description string) error {
	if reason != "" || description != "" {
		l.logger.Info("dead lettering delivery",
			"entity", l.address,
			"tag", tag,
			"reason", reason,
			"description", description)
	}
	if err := l.ch.Nack(tag, false, false); err != nil {
		return newChannelError("dead letter", l.address, err)
	}
	return nil
}
