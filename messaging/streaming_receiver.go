package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/buslink-go/contracts"
)

const defaultSettleTimeout = 30 * time.Second

// StreamingReceiver pushes deliveries from one entity into a handler. At
// most MaxConcurrentCalls handler invocations run at once; dispatch order
// follows arrival order. A receiver is started once; after Stop it cannot
// be restarted, the entity context hands out a fresh instance instead.
type StreamingReceiver struct {
	linkEntity

	initLock      *InitLock
	mode          contracts.ReceiveMode
	maxConcurrent int
	autoComplete  bool
	metrics       MetricsCollector
	settleTimeout time.Duration

	mu   sync.Mutex
	link ReceiverLink

	runCtx    context.Context
	runCancel context.CancelFunc

	started   atomic.Bool
	stopped   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	handlerWG sync.WaitGroup
	pumpWG    sync.WaitGroup
	onStopped func(*StreamingReceiver)
}

// ReceiverOption configures streaming and batching receivers.
type ReceiverOption func(*receiverOptions)

type receiverOptions struct {
	mode          contracts.ReceiveMode
	maxConcurrent int
	autoComplete  bool
	logger        *slog.Logger
	metrics       MetricsCollector
	maxWait       time.Duration
}

func defaultReceiverOptions() receiverOptions {
	return receiverOptions{
		mode:          contracts.PeekLock,
		maxConcurrent: 1,
		autoComplete:  true,
		metrics:       NoOpMetricsCollector{},
		maxWait:       defaultBatchMaxWait,
	}
}

// WithReceiveMode selects peek-lock or receive-and-delete.
func WithReceiveMode(mode contracts.ReceiveMode) ReceiverOption {
	return func(o *receiverOptions) {
		o.mode = mode
	}
}

// WithMaxConcurrentCalls bounds concurrent handler invocations of a
// streaming receiver. Values below one are treated as one.
func WithMaxConcurrentCalls(n int) ReceiverOption {
	return func(o *receiverOptions) {
		o.maxConcurrent = n
	}
}

// WithAutoComplete controls automatic settlement after the handler returns:
// success completes the message, failure abandons it. Messages the handler
// already settled are left alone. Enabled by default.
func WithAutoComplete(enabled bool) ReceiverOption {
	return func(o *receiverOptions) {
		o.autoComplete = enabled
	}
}

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(o *receiverOptions) {
		o.logger = logger
	}
}

// WithReceiverMetrics sets the metrics collector
func WithReceiverMetrics(collector MetricsCollector) ReceiverOption {
	return func(o *receiverOptions) {
		o.metrics = collector
	}
}

// NewStreamingReceiver creates a streaming receiver for the entity address.
// No link I/O happens here; the link opens when Start runs.
func NewStreamingReceiver(engine LinkEngine, initLock *InitLock, address, audience string, provider TokenProvider, options ...ReceiverOption) *StreamingReceiver {
	opts := defaultReceiverOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.maxConcurrent < 1 {
		opts.maxConcurrent = 1
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &StreamingReceiver{
		linkEntity:    newLinkEntity("receiver", address, audience, engine, provider, opts.logger),
		initLock:      initLock,
		mode:          opts.mode,
		maxConcurrent: opts.maxConcurrent,
		autoComplete:  opts.autoComplete,
		metrics:       opts.metrics,
		settleTimeout: defaultSettleTimeout,
		runCtx:        runCtx,
		runCancel:     runCancel,
		stopCh:        make(chan struct{}),
	}
}

// IsOpen reports whether the receiver is still usable: not yet stopped.
func (r *StreamingReceiver) IsOpen() bool {
	return !r.stopped.Load()
}

// Start opens the link and begins pushing deliveries into the handler.
// onError receives link faults and handler failures; it may be nil. Start
// returns once the pump is running. A receiver starts at most once.
func (r *StreamingReceiver) Start(ctx context.Context, handler MessageHandler, onError ErrorHandler) error {
	if handler == nil {
		return fmt.Errorf("buslink: handler cannot be nil")
	}
	if r.stopped.Load() {
		return contracts.ErrReceiverClosed
	}
	if !r.started.CompareAndSwap(false, true) {
		return contracts.ErrReceiverActive
	}

	link, err := r.ensureLink(ctx)
	if err != nil {
		r.started.Store(false)
		return err
	}

	r.pumpWG.Add(1)
	go r.pump(link, handler, onError)

	r.logger.Info("streaming receiver started",
		"entity", r.address,
		"mode", r.mode,
		"maxConcurrentCalls", r.maxConcurrent,
		"autoComplete", r.autoComplete)
	return nil
}

// ensureLink opens the receiver link under the init lock with credit equal
// to the concurrency ceiling.
func (r *StreamingReceiver) ensureLink(ctx context.Context) (ReceiverLink, error) {
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
			Credit: r.maxConcurrent,
		})
		if err != nil {
			return nil, contracts.NewInitError(r.address, "open receiver link", err)
		}

		r.mu.Lock()
		r.link = opened
		r.mu.Unlock()
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ReceiverLink), nil
}

// pump takes deliveries in arrival order, acquires a concurrency slot, and
// dispatches each to the handler on its own goroutine.
func (r *StreamingReceiver) pump(link ReceiverLink, handler MessageHandler, onError ErrorHandler) {
	defer r.pumpWG.Done()

	slots := make(chan struct{}, r.maxConcurrent)
	deliveries := link.Deliveries()
	faults := link.Errors()

	for {
		select {
		case <-r.stopCh:
			return
		case err, ok := <-faults:
			if !ok {
				faults = nil
				continue
			}
			r.logger.Warn("receiver link fault",
				"entity", r.address,
				"error", err)
			r.reportError(onError, contracts.NewLinkError(r.address, err))
		case msg, ok := <-deliveries:
			if !ok {
				if !r.stopped.Load() {
					r.reportError(onError, contracts.NewLinkError(r.address, errLinkDetached))
				}
				return
			}

			select {
			case slots <- struct{}{}:
			case <-r.stopCh:
				r.returnToBroker(msg)
				return
			}

			r.handlerWG.Add(1)
			go r.dispatch(msg, handler, onError, slots)
		}
	}
}

// dispatch runs the handler for one message and applies auto-settlement.
func (r *StreamingReceiver) dispatch(msg *contracts.ReceivedMessage, handler MessageHandler, onError ErrorHandler, slots chan struct{}) {
	defer r.handlerWG.Done()
	defer func() { <-slots }()

	r.metrics.RecordReceive(r.address)

	err := r.invokeHandler(msg, handler)
	if err != nil {
		r.reportError(onError, &contracts.HandlerError{MessageID: msg.MessageID, Err: err})
	}

	if !r.autoComplete || r.mode != contracts.PeekLock || msg.IsSettled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.settleTimeout)
	defer cancel()

	var settleErr error
	if err != nil {
		settleErr = msg.Abandon(ctx)
		r.metrics.RecordSettlement(r.address, contracts.DispositionReleased)
	} else {
		settleErr = msg.Complete(ctx)
		r.metrics.RecordSettlement(r.address, contracts.DispositionAccepted)
	}
	if settleErr != nil && !errors.Is(settleErr, contracts.ErrAlreadySettled) {
		r.logger.Warn("auto settlement failed",
			"entity", r.address,
			"messageId", msg.MessageID,
			"error", settleErr)
	}
}

// invokeHandler shields the pump from handler panics.
func (r *StreamingReceiver) invokeHandler(msg *contracts.ReceivedMessage, handler MessageHandler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
			r.logger.Error("handler panicked",
				"entity", r.address,
				"messageId", msg.MessageID,
				"panic", rec)
		}
	}()
	return handler.Handle(r.runCtx, msg)
}

func (r *StreamingReceiver) reportError(onError ErrorHandler, err error) {
	r.metrics.RecordError("receiver", "stream")
	if onError != nil {
		onError(err)
	}
}

// returnToBroker abandons a delivery taken off the link after stop began,
// so the broker redelivers it elsewhere.
func (r *StreamingReceiver) returnToBroker(msg *contracts.ReceivedMessage) {
	if r.mode != contracts.PeekLock || msg.IsSettled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.settleTimeout)
	defer cancel()
	if err := msg.Abandon(ctx); err != nil && !errors.Is(err, contracts.ErrAlreadySettled) {
		r.logger.Warn("failed to return message on stop",
			"entity", r.address,
			"messageId", msg.MessageID,
			"error", err)
	}
}

// Stop closes the link, cancels claim renewal, and waits for in-flight
// handler calls up to the context deadline. When the deadline passes, the
// handlers' context is cancelled and Stop waits for them to observe it;
// handlers are expected to honor their context. Idempotent.
func (r *StreamingReceiver) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopCh)
		r.stopRenewal()

		r.mu.Lock()
		link := r.link
		r.link = nil
		r.mu.Unlock()
		if link != nil {
			err = link.Close(ctx)
		}

		done := make(chan struct{})
		go func() {
			r.pumpWG.Wait()
			r.handlerWG.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			r.runCancel()
			<-done
			err = errors.Join(err, ctx.Err())
		}
		r.runCancel()

		if r.onStopped != nil {
			r.onStopped(r)
		}
		r.logger.Info("streaming receiver stopped", "entity", r.address)
	})
	return err
}
