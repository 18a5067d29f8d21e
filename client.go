// Copyright 2025 Buslink Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package buslink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/glimte/buslink-go/contracts"
	"github.com/glimte/buslink-go/internal/rabbitmq"
	"github.com/glimte/buslink-go/internal/reliability"
	"github.com/glimte/buslink-go/messaging"
)

// Client is the entry point for the bus. It owns the link engine, the
// shared initialization lock, and one entity context per entity path, and
// hands out queue, topic, and subscription clients that operate through
// them. Entity contexts are created lazily; constructing a client performs
// no broker I/O.
type Client struct {
	engine   messaging.LinkEngine
	manager  *rabbitmq.ConnectionManager
	provider messaging.TokenProvider
	initLock *messaging.InitLock
	encoder  messaging.BodyEncoder
	retry    reliability.RetryPolicy
	breaker  *reliability.CircuitBreaker
	metrics  messaging.MetricsCollector
	logger   *slog.Logger
	endpoint string

	mu       sync.Mutex
	contexts map[string]*messaging.EntityContext
	closed   bool
}

// ConnectionOption configures the broker connection.
type ConnectionOption = rabbitmq.ConnectionOption

// ConnectionStateListener receives connection state change notifications.
type ConnectionStateListener = rabbitmq.ConnectionStateListener

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	provider       messaging.TokenProvider
	encoder        messaging.BodyEncoder
	retry          reliability.RetryPolicy
	breaker        *reliability.CircuitBreaker
	metrics        messaging.MetricsCollector
	connOptions    []ConnectionOption
	stateListeners []ConnectionStateListener
	engine         messaging.LinkEngine
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTokenProvider sets the provider whose tokens authorize each entity's
// audience. Entities negotiate a claim before opening links and renew it in
// the background until they close.
func WithTokenProvider(provider messaging.TokenProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.provider = provider
	}
}

// WithRetryPolicy sets the retry policy send operations run under.
func WithRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retry = policy
	}
}

// WithCircuitBreaker guards sends with the breaker so a persistently
// failing broker sheds load instead of queueing timeouts.
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = breaker
	}
}

// WithBodyEncoder sets the encoder outbound message bodies pass through.
// Defaults to JSON.
func WithBodyEncoder(encoder messaging.BodyEncoder) ClientOption {
	return func(cfg *clientConfig) {
		cfg.encoder = encoder
	}
}

// WithMetricsCollector sets the collector all entities report to.
func WithMetricsCollector(collector messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithConnectionOptions forwards options to the broker connection.
func WithConnectionOptions(options ...ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connOptions = append(cfg.connOptions, options...)
	}
}

// WithConnectionStateListener registers a listener for connection state
// transitions.
func WithConnectionStateListener(listener ConnectionStateListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.stateListeners = append(cfg.stateListeners, listener)
	}
}

// WithLinkEngine replaces the AMQP engine entirely. The amqpURL is then
// only used to derive claim audiences.
func WithLinkEngine(engine messaging.LinkEngine) ClientOption {
	return func(cfg *clientConfig) {
		cfg.engine = engine
	}
}

// Connection options re-exported so callers outside the module can
// configure the internal connection manager.

// WithConnectionName sets the client-provided connection name shown in the
// broker's management surface.
func WithConnectionName(name string) ConnectionOption {
	return rabbitmq.WithConnectionName(name)
}

// WithHeartbeat sets the AMQP heartbeat interval.
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return rabbitmq.WithHeartbeat(interval)
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return rabbitmq.WithDialTimeout(timeout)
}

// WithReconnectDelay sets the base delay between reconnection attempts.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return rabbitmq.WithReconnectDelay(delay)
}

// WithMaxReconnectAttempts bounds reconnection attempts after a dropped
// connection. Negative means retry forever, which is the default.
func WithMaxReconnectAttempts(attempts int) ConnectionOption {
	return rabbitmq.WithMaxRetries(attempts)
}

// WithWebSocket tunnels the connection through the WebSocket endpoint
// instead of a raw TCP socket, for brokers reachable only over HTTP.
func WithWebSocket(wsURL string, header http.Header) ConnectionOption {
	return rabbitmq.WithDialFunc(rabbitmq.WebSocketDial(wsURL, header, 0))
}

// NewClient creates a client for the broker at amqpURL. The connection is
// established lazily when the first entity initializes.
func NewClient(amqpURL string, options ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		logger:  slog.Default(),
		metrics: messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(&cfg)
	}

	endpoint, err := endpointOf(amqpURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		engine:   cfg.engine,
		provider: cfg.provider,
		initLock: messaging.NewInitLock(),
		encoder:  cfg.encoder,
		retry:    cfg.retry,
		breaker:  cfg.breaker,
		metrics:  cfg.metrics,
		logger:   cfg.logger,
		endpoint: endpoint,
		contexts: make(map[string]*messaging.EntityContext),
	}

	if c.engine == nil {
		connOpts := append([]ConnectionOption{rabbitmq.WithConnectionLogger(cfg.logger)}, cfg.connOptions...)
		engineOpts := []rabbitmq.EngineOption{rabbitmq.WithEngineLogger(cfg.logger)}
		if cfg.provider != nil {
			// Claims are negotiated before links open, so the credential
			// holds a live token by the time the first dial happens.
			credential := rabbitmq.NewTokenCredential("")
			connOpts = append(connOpts, rabbitmq.WithAuthentication(credential))
			engineOpts = append(engineOpts, rabbitmq.WithEngineCredential(credential))
		}

		manager := rabbitmq.NewConnectionManager(amqpURL, connOpts...)
		manager.AddStateListener(&stateLogger{logger: cfg.logger, metrics: cfg.metrics})
		for _, listener := range cfg.stateListeners {
			manager.AddStateListener(listener)
		}

		c.manager = manager
		c.engine = rabbitmq.NewEngine(manager, engineOpts...)
	}

	return c, nil
}

// QueueClient returns a client for the queue. Queues support both sending
// and receiving.
func (c *Client) QueueClient(queueName string) *QueueClient {
	return &QueueClient{client: c, entityPath: queueName}
}

// TopicClient returns a send-only client for the topic.
func (c *Client) TopicClient(topicName string) *TopicClient {
	return &TopicClient{client: c, entityPath: topicName}
}

// SubscriptionClient returns a receive-only client for the subscription on
// the topic.
func (c *Client) SubscriptionClient(topicName, subscriptionName string) *SubscriptionClient {
	return &SubscriptionClient{
		client:     c,
		entityPath: SubscriptionPath(topicName, subscriptionName),
	}
}

// SubscriptionPath builds the entity path of a subscription on a topic.
func SubscriptionPath(topicName, subscriptionName string) string {
	return fmt.Sprintf("%s/Subscriptions/%s", topicName, subscriptionName)
}

// entityContext returns the registered context for the entity path,
// creating it on first use.
func (c *Client) entityContext(entityPath string) (*messaging.EntityContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, contracts.ErrClientClosed
	}
	if ec, ok := c.contexts[entityPath]; ok {
		return ec, nil
	}

	ec := messaging.NewEntityContext(messaging.EntityContextConfig{
		EntityPath:  entityPath,
		Audience:    c.audienceOf(entityPath),
		Engine:      c.engine,
		InitLock:    c.initLock,
		Provider:    c.provider,
		Encoder:     c.encoder,
		RetryPolicy: c.retry,
		Breaker:     c.breaker,
		Metrics:     c.metrics,
		Logger:      c.logger,
	})
	c.contexts[entityPath] = ec
	c.logger.Debug("entity registered", "entity", entityPath)
	return ec, nil
}

// closeEntity closes and deregisters the entity context, so a later client
// for the same path starts fresh.
func (c *Client) closeEntity(ctx context.Context, entityPath string) error {
	c.mu.Lock()
	ec := c.contexts[entityPath]
	delete(c.contexts, entityPath)
	c.mu.Unlock()

	if ec == nil {
		return nil
	}
	return ec.Close(ctx)
}

// audienceOf returns the claim audience for the entity path.
func (c *Client) audienceOf(entityPath string) string {
	return c.endpoint + "/" + entityPath
}

// Endpoint returns the sanitized broker endpoint audiences are derived
// from.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Metrics returns the collector the client reports to.
func (c *Client) Metrics() messaging.MetricsCollector {
	return c.metrics
}

// Close closes every entity context and tears down the engine and its
// connection. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	contexts := c.contexts
	c.contexts = nil
	c.mu.Unlock()

	var errs []error
	for _, ec := range contexts {
		if err := ec.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}

	c.logger.Info("bus client closed")
	return errors.Join(errs...)
}

// endpointOf normalizes the broker URL into the audience base: scheme and
// host without credentials or path.
func endpointOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("buslink: invalid broker url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("buslink: broker url %q needs a scheme and host", rabbitmq.SanitizeURL(raw))
	}
	return u.Scheme + "://" + u.Host, nil
}

// stateLogger mirrors connection transitions into the log and the error
// counters.
type stateLogger struct {
	logger  *slog.Logger
	metrics messaging.MetricsCollector
}

func (l *stateLogger) OnConnected() {
	l.logger.Info("bus connection established")
}

func (l *stateLogger) OnDisconnected(err error) {
	l.logger.Warn("bus connection lost", "error", err)
	l.metrics.RecordError("connection", "disconnected")
}

func (l *stateLogger) OnReconnecting(attempt int) {
	l.logger.Info("bus connection recovering", "attempt", attempt)
}
