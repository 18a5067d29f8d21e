package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/buslink-go/messaging"
)

// Engine opens links over one managed connection. It connects lazily on the
// first open, so constructing an engine performs no I/O.
type Engine struct {
	manager    *ConnectionManager
	credential *TokenCredential
	logger     *slog.Logger
	closed     atomic.Bool
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineCredential attaches the refreshable credential the connection
// authenticates with, so negotiated claims keep it current.
func WithEngineCredential(credential *TokenCredential) EngineOption {
	return func(e *Engine) {
		e.credential = credential
	}
}

// NewEngine wraps the connection manager as a link engine.
func NewEngine(manager *ConnectionManager, options ...EngineOption) *Engine {
	e := &Engine{
		manager: manager,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// conn returns a live connection, dialing on first use. While a reconnect
// is in flight opens fail with ErrConnectionNotReady and the caller's retry
// policy decides how long to keep trying.
func (e *Engine) conn(ctx context.Context) (*amqp.Connection, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if conn, err := e.manager.GetConnection(); err == nil {
		return conn, nil
	}
	if err := e.manager.Connect(ctx); err != nil {
		return nil, err
	}
	return e.manager.GetConnection()
}

// OpenSenderLink opens a confirm-mode sending link to the entity address.
func (e *Engine) OpenSenderLink(ctx context.Context, address string) (messaging.SenderLink, error) {
	conn, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}

	link, err := newSenderLink(conn, address, e.manager.IsBlocked, e.logger)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("sender link opened", "entity", address)
	return link, nil
}

// OpenReceiverLink opens a consuming link to the entity address.
func (e *Engine) OpenReceiverLink(ctx context.Context, address string, opts messaging.ReceiverLinkOptions) (messaging.ReceiverLink, error) {
	conn, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}

	link, err := newReceiverLink(conn, address, opts, e.logger)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("receiver link opened",
		"entity", address,
		"mode", opts.Mode,
		"credit", opts.Credit)
	return link, nil
}

// NegotiateClaim fetches a token for the audience and pushes it into the
// connection credential, so the broker sees fresh credentials on the next
// authentication. Returns the token expiry for renewal scheduling.
func (e *Engine) NegotiateClaim(ctx context.Context, audience string, provider messaging.TokenProvider) (time.Time, error) {
	if e.closed.Load() {
		return time.Time{}, ErrEngineClosed
	}

	token, err := provider.GetToken(ctx, audience)
	if err != nil {
		return time.Time{}, fmt.Errorf("rabbitmq: token for audience %q: %w", audience, err)
	}
	if token == nil {
		return time.Time{}, fmt.Errorf("rabbitmq: token provider returned no token for audience %q", audience)
	}

	if e.credential != nil {
		e.credential.Update(token.Value)
	}
	e.logger.Debug("claim negotiated",
		"audience", audience,
		"expiresAt", token.ExpiresAt)
	return token.ExpiresAt, nil
}

// Close shuts the engine and its connection down. Links opened through the
// engine die with the connection. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.manager.Close()
}

// TokenCredential is a refreshable SASL credential. The broker sees an
// OAuth2-style PLAIN exchange carrying the token as the password; updating
// the credential means reconnects authenticate with the live token instead
// of the one captured at construction.
type TokenCredential struct {
	mu       sync.RWMutex
	username string
	token    string
}

// NewTokenCredential creates a credential around the initial token. The
// username stays empty; token-authenticating brokers identify the client
// from the token itself.
func NewTokenCredential(token string) *TokenCredential {
	return &TokenCredential{token: token}
}

// Update replaces the stored token.
func (c *TokenCredential) Update(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Mechanism implements amqp091.Authentication.
func (c *TokenCredential) Mechanism() string {
	return "PLAIN"
}

// Response implements amqp091.Authentication.
func (c *TokenCredential) Response() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "\x00" + c.username + "\x00" + c.token
}
