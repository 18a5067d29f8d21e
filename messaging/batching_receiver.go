package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/buslink-go/contracts"
)

const (
	defaultBatchMaxWait = 60 * time.Second
	drainTimeout        = 10 * time.Second
)

// BatchingReceiver pulls messages from one entity in explicit batches. One
// batch receive runs at a time; a second concurrent call fails with
// ErrReceiveInProgress. The link is opened on the first call and reused
// across calls, with credit issued per call.
type BatchingReceiver struct {
	linkEntity

	initLock *InitLock
	mode     contracts.ReceiveMode
	metrics  MetricsCollector
	maxWait  time.Duration

	mu   sync.Mutex
	link ReceiverLink

	receiving atomic.Bool
	closed    atomic.Bool
	closedCh  chan struct{}
	closeOnce sync.Once
	onClosed  func(*BatchingReceiver)
}

// NewBatchingReceiver creates a batching receiver for the entity address.
// No link I/O happens here; the link opens on the first receive.
func NewBatchingReceiver(engine LinkEngine, initLock *InitLock, address, audience string, provider TokenProvider, options ...ReceiverOption) *BatchingReceiver {
	opts := defaultReceiverOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.maxWait <= 0 {
		opts.maxWait = defaultBatchMaxWait
	}

	return &BatchingReceiver{
		linkEntity: newLinkEntity("batchreceiver", address, audience, engine, provider, opts.logger),
		initLock:   initLock,
		mode:       opts.mode,
		metrics:    opts.metrics,
		maxWait:    opts.maxWait,
		closedCh:   make(chan struct{}),
	}
}

// WithBatchMaxWait sets the default deadline used when ReceiveBatch is
// called with a zero wait.
func WithBatchMaxWait(maxWait time.Duration) ReceiverOption {
	return func(o *receiverOptions) {
		o.maxWait = maxWait
	}
}

// IsOpen reports whether the receiver can still receive.
func (r *BatchingReceiver) IsOpen() bool {
	return !r.closed.Load()
}

// ReceiveBatch collects up to maxCount messages, returning early with what
// arrived when maxWait passes first. A zero maxWait uses the receiver's
// default. When the caller's context ends mid-collection, messages already
// collected are returned without error; only an empty batch reports the
// context error. On a link fault the collected unsettled messages are
// abandoned so they redeliver, and the fault is returned.
func (r *BatchingReceiver) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]*contracts.ReceivedMessage, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("buslink: maxCount must be positive")
	}
	if r.closed.Load() {
		return nil, contracts.ErrReceiverClosed
	}
	if !r.receiving.CompareAndSwap(false, true) {
		return nil, contracts.ErrReceiveInProgress
	}
	defer r.receiving.Store(false)

	if maxWait <= 0 {
		maxWait = r.maxWait
	}

	link, err := r.ensureLink(ctx)
	if err != nil {
		return nil, err
	}
	if err := link.IssueCredit(maxCount); err != nil {
		r.dropLink(link)
		return nil, contracts.NewLinkError(r.address, err)
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	batch := make([]*contracts.ReceivedMessage, 0, maxCount)
	for len(batch) < maxCount {
		select {
		case msg, ok := <-link.Deliveries():
			if !ok {
				r.abandonAll(batch)
				r.dropLink(link)
				if r.closed.Load() {
					return nil, contracts.ErrReceiverClosed
				}
				return nil, contracts.NewLinkError(r.address, errLinkDetached)
			}
			batch = append(batch, msg)
			r.metrics.RecordReceive(r.address)
		case lerr, ok := <-link.Errors():
			if !ok {
				continue
			}
			r.abandonAll(batch)
			r.drain(link)
			r.dropLink(link)
			return nil, contracts.NewLinkError(r.address, lerr)
		case <-deadline.C:
			r.drain(link)
			return batch, nil
		case <-ctx.Done():
			r.drain(link)
			if len(batch) > 0 {
				return batch, nil
			}
			return nil, ctx.Err()
		case <-r.closedCh:
			r.abandonAll(batch)
			return nil, contracts.ErrReceiverClosed
		}
	}

	r.drain(link)
	r.logger.Debug("batch received",
		"entity", r.address,
		"count", len(batch),
		"requested", maxCount)
	return batch, nil
}

// ensureLink opens the receiver link under the init lock. Credit starts at
// zero; each ReceiveBatch issues its own.
func (r *BatchingReceiver) ensureLink(ctx context.Context) (ReceiverLink, error) {
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()
	if link != nil && link.IsOpen() {
		return link, nil
	}

	v, err := r.initLock.Acquire(ctx, r.name, func(initCtx context.Context) (interface{}, error) {
		if err := r.negotiateClaim(initCtx); err != nil {
			return nil, err
		}

		opened, err := r.engine.OpenReceiverLink(initCtx, r.address, ReceiverLinkOptions{
			Mode:   r.mode,
			Credit: 0,
		})
		if err != nil {
			return nil, contracts.NewInitError(r.address, "open receiver link", err)
		}

		r.mu.Lock()
		r.link = opened
		r.mu.Unlock()

		r.logger.Info("batching receiver link opened",
			"entity", r.address,
			"link", r.name)
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ReceiverLink), nil
}

// drain stops the delivery flow and returns locally buffered deliveries to
// the broker so nothing leaks between receive calls.
func (r *BatchingReceiver) drain(link ReceiverLink) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := link.Drain(ctx); err != nil {
		r.logger.Warn("drain failed",
			"entity", r.address,
			"error", err)
	}
}

// abandonAll returns collected but undelivered messages to the broker,
// best effort.
func (r *BatchingReceiver) abandonAll(batch []*contracts.ReceivedMessage) {
	if r.mode != contracts.PeekLock {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for _, msg := range batch {
		if msg.IsSettled() {
			continue
		}
		if err := msg.Abandon(ctx); err != nil {
			r.logger.Warn("failed to abandon buffered message",
				"entity", r.address,
				"messageId", msg.MessageID,
				"error", err)
		}
	}
}

// dropLink clears the cached link if it is still the current one, so the
// next receive opens a fresh link.
func (r *BatchingReceiver) dropLink(link ReceiverLink) {
	r.mu.Lock()
	if r.link == link {
		r.link = nil
	}
	r.mu.Unlock()
}

// Close closes the receiver; an in-flight ReceiveBatch fails with
// ErrReceiverClosed. Idempotent.
func (r *BatchingReceiver) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.closedCh)
		r.stopRenewal()

		r.mu.Lock()
		link := r.link
		r.link = nil
		r.mu.Unlock()
		if link != nil {
			err = link.Close(ctx)
		}

		if r.onClosed != nil {
			r.onClosed(r)
		}
		r.logger.Debug("batching receiver closed", "entity", r.address)
	})
	return err
}
