package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/buslink-go/contracts"
	"github.com/glimte/buslink-go/internal/reliability"
)

// EntityContext owns the singleton sender and receiver slots for one entity
// path. Operations reuse the live instance in a slot; closed instances are
// replaced on the next request. A streaming receiver blocks the slot for as
// long as it lives, so a second subscription on the same entity is rejected
// rather than silently stealing deliveries.
type EntityContext struct {
	entityPath string
	audience   string
	engine     LinkEngine
	initLock   *InitLock
	provider   TokenProvider
	encoder    BodyEncoder
	retry      reliability.RetryPolicy
	breaker    *reliability.CircuitBreaker
	metrics    MetricsCollector
	logger     *slog.Logger

	mu        sync.Mutex
	sender    *Sender
	streaming *StreamingReceiver
	batching  *BatchingReceiver
	closed    bool
}

// EntityContextConfig carries the client-level collaborators an entity
// context hands to the senders and receivers it creates.
type EntityContextConfig struct {
	EntityPath  string
	Audience    string
	Engine      LinkEngine
	InitLock    *InitLock
	Provider    TokenProvider
	Encoder     BodyEncoder
	RetryPolicy reliability.RetryPolicy
	Breaker     *reliability.CircuitBreaker
	Metrics     MetricsCollector
	Logger      *slog.Logger
}

// NewEntityContext creates the context for one entity path.
func NewEntityContext(cfg EntityContextConfig) *EntityContext {
	if cfg.Encoder == nil {
		cfg.Encoder = JSONEncoder{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoOpMetricsCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EntityContext{
		entityPath: cfg.EntityPath,
		audience:   cfg.Audience,
		engine:     cfg.Engine,
		initLock:   cfg.InitLock,
		provider:   cfg.Provider,
		encoder:    cfg.Encoder,
		retry:      cfg.RetryPolicy,
		breaker:    cfg.Breaker,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// EntityPath returns the entity path this context serves.
func (c *EntityContext) EntityPath() string {
	return c.entityPath
}

// GetSender returns the entity's sender, creating and registering one when
// the slot is empty or holds a closed sender. Creation does no link I/O.
func (c *EntityContext) GetSender() (*Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, contracts.ErrClientClosed
	}
	if c.sender != nil && c.sender.IsOpen() {
		return c.sender, nil
	}

	opts := []SenderOption{
		WithSenderEncoder(c.encoder),
		WithSenderMetrics(c.metrics),
		WithSenderLogger(c.logger),
	}
	if c.retry != nil {
		opts = append(opts, WithSenderRetryPolicy(c.retry))
	}
	if c.breaker != nil {
		opts = append(opts, WithSenderCircuitBreaker(c.breaker))
	}

	c.sender = NewSender(c.engine, c.initLock, c.entityPath, c.audience, c.provider, opts...)
	c.logger.Debug("sender registered", "entity", c.entityPath)
	return c.sender, nil
}

// GetStreamingReceiver returns a fresh streaming receiver for the entity,
// or ErrReceiverActive while a live one holds the slot. Stopped receivers
// are replaced.
func (c *EntityContext) GetStreamingReceiver(options ...ReceiverOption) (*StreamingReceiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, contracts.ErrClientClosed
	}
	if c.streaming != nil && c.streaming.IsOpen() {
		return nil, fmt.Errorf("buslink: entity %q: %w", c.entityPath, contracts.ErrReceiverActive)
	}

	options = append(options, WithReceiverMetrics(c.metrics), WithReceiverLogger(c.logger))
	r := NewStreamingReceiver(c.engine, c.initLock, c.entityPath, c.audience, c.provider, options...)
	r.onStopped = c.clearStreaming
	c.streaming = r
	c.logger.Debug("streaming receiver registered", "entity", c.entityPath)
	return r, nil
}

// GetBatchingReceiver returns the entity's batching receiver, creating one
// when the slot is empty or holds a closed instance. The live instance is
// shared; its own guard rejects overlapping batch receives. Requesting a
// different receive mode than the live instance uses is a conflict.
func (c *EntityContext) GetBatchingReceiver(options ...ReceiverOption) (*BatchingReceiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, contracts.ErrClientClosed
	}

	opts := defaultReceiverOptions()
	for _, opt := range options {
		opt(&opts)
	}

	if c.batching != nil && c.batching.IsOpen() {
		if c.batching.mode != opts.mode {
			return nil, fmt.Errorf("buslink: entity %q already receiving in %s mode: %w",
				c.entityPath, c.batching.mode, contracts.ErrReceiverActive)
		}
		return c.batching, nil
	}

	options = append(options, WithReceiverMetrics(c.metrics), WithReceiverLogger(c.logger))
	r := NewBatchingReceiver(c.engine, c.initLock, c.entityPath, c.audience, c.provider, options...)
	r.onClosed = c.clearBatching
	c.batching = r
	c.logger.Debug("batching receiver registered", "entity", c.entityPath)
	return r, nil
}

// clearStreaming empties the streaming slot if it still holds the stopped
// instance. A newer registration is left alone.
func (c *EntityContext) clearStreaming(r *StreamingReceiver) {
	c.mu.Lock()
	if c.streaming == r {
		c.streaming = nil
	}
	c.mu.Unlock()
}

// clearBatching empties the batching slot if it still holds the closed
// instance.
func (c *EntityContext) clearBatching(r *BatchingReceiver) {
	c.mu.Lock()
	if c.batching == r {
		c.batching = nil
	}
	c.mu.Unlock()
}

// Close closes every live entity in the context. Idempotent.
func (c *EntityContext) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sender := c.sender
	streaming := c.streaming
	batching := c.batching
	c.sender = nil
	c.streaming = nil
	c.batching = nil
	c.mu.Unlock()

	var errs []error
	if sender != nil {
		if err := sender.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sender: %w", err))
		}
	}
	if streaming != nil {
		if err := streaming.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop streaming receiver: %w", err))
		}
	}
	if batching != nil {
		if err := batching.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close batching receiver: %w", err))
		}
	}

	c.logger.Debug("entity context closed", "entity", c.entityPath)
	return errors.Join(errs...)
}
