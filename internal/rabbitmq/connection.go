package rabbitmq

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the AMQP connection with automatic reconnection.
// Links opened over a connection die with it; the manager restores the
// connection so the next link open succeeds.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	heartbeat      time.Duration
	connName       string
	auth           []amqp.Authentication
	dialFn         func(network, addr string) (net.Conn, error)
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	monitorRunning bool
	blocked        atomic.Bool
	done           chan struct{}
	closeOnce      sync.Once
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval.
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectionName sets the client-provided connection name shown in the
// broker's management surface.
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connName = name
	}
}

// WithAuthentication overrides the SASL credentials taken from the URL. A
// refreshable credential keeps reconnects working after the original secret
// expires.
func WithAuthentication(auth ...amqp.Authentication) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.auth = auth
	}
}

// WithDialFunc replaces the raw TCP dial, for tunneled transports such as
// AMQP over WebSockets.
func WithDialFunc(dial func(network, addr string) (net.Conn, error)) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialFn = dial
	}
}

// NewConnectionManager creates a new connection manager. No I/O happens
// until Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		dialTimeout:    30 * time.Second,
		heartbeat:      10 * time.Second,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

func (cm *ConnectionManager) amqpConfig() amqp.Config {
	cfg := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if cm.connName != "" {
		cfg.Properties.SetClientConnectionName(cm.connName)
	}
	if len(cm.auth) > 0 {
		cfg.SASL = cm.auth
	}
	if cm.dialFn != nil {
		cfg.Dial = cm.dialFn
	}
	return cfg
}

// dial runs one dial attempt bounded by the context. A connection that
// lands after the deadline is closed instead of leaked.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan dialResult, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, cm.amqpConfig())
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-results:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-results; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}
	if cm.monitorRunning {
		// A reconnect is already in flight; dialing here would race it.
		return ErrConnectionNotReady
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	conn, err := cm.dial(connCtx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.adoptLocked(conn)
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	cm.monitorRunning = true
	go cm.handleReconnect()
	return nil
}

// adoptLocked installs a fresh connection and its monitors. Callers hold
// cm.mu.
func (cm *ConnectionManager) adoptLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.blocked.Store(false)
	cm.notifyClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(cm.notifyClose)

	blockings := conn.NotifyBlocked(make(chan amqp.Blocking, 8))
	go cm.watchBlocked(blockings)
}

// watchBlocked mirrors broker flow control into the blocked flag. The
// channel closes with its connection.
func (cm *ConnectionManager) watchBlocked(blockings <-chan amqp.Blocking) {
	for b := range blockings {
		cm.blocked.Store(b.Active)
		if b.Active {
			cm.logger.Warn("broker blocked the connection", "reason", b.Reason)
		} else {
			cm.logger.Info("broker unblocked the connection")
		}
	}
	cm.blocked.Store(false)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// IsBlocked reports whether the broker has paused publishes on this
// connection (resource alarm).
func (cm *ConnectionManager) IsBlocked() bool {
	return cm.blocked.Load()
}

// Close closes the connection and stops the reconnect loop. Idempotent.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		cm.isConnected = false
		conn := cm.conn
		cm.conn = nil
		cm.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
		cm.logger.Info("connection manager shut down")
	})
	return err
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect() {
	defer func() {
		cm.mu.Lock()
		cm.monitorRunning = false
		cm.mu.Unlock()
	}()

	for {
		select {
		case amqpErr := <-cm.notifyClose:
			if amqpErr != nil {
				cm.logger.Error("connection closed", "error", amqpErr)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			var err error
			if amqpErr != nil {
				err = amqpErr
			}
			cm.notifyDisconnected(err)

			select {
			case <-cm.done:
				return
			default:
			}
			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			return
		}
	}
}

// reconnect attempts to restore the connection, reporting whether the
// monitor loop should keep running.
func (cm *ConnectionManager) reconnect() bool {
	retries := 0
	startTime := time.Now()

	for {
		select {
		case <-cm.done:
			return false
		default:
		}

		if cm.maxRetries > 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			})
			return false
		}

		cm.notifyReconnecting(retries + 1)

		if retries > 0 {
			delay := cm.calculateBackoff(retries)
			cm.logger.Info("attempting to reconnect",
				"attempt", retries+1,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-cm.done:
				return false
			}
		}

		connCtx, cancel := context.WithTimeout(context.Background(), cm.dialTimeout)
		conn, err := cm.dial(connCtx)
		cancel()
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", retries+1)
			retries++
			continue
		}

		cm.mu.Lock()
		cm.adoptLocked(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker",
			"attempts", retries+1,
			"duration", time.Since(startTime))
		cm.notifyConnected()
		return true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// calculateBackoff calculates the backoff duration with jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base == 0 {
		base = 5 * time.Second
	}

	maxDelay := 5 * time.Minute

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	// ±25% jitter
	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}

	return delay
}
