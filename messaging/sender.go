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
	"github.com/glimte/buslink-go/internal/reliability"
	"github.com/google/uuid"
)

const (
	defaultOperationTimeout = 60 * time.Second
)

// errLinkDetached marks a link whose channels closed without the entity
// asking for it. It travels inside a LinkError, so it is retryable.
var errLinkDetached = errors.New("buslink: link detached")

// Sender sends messages to one entity and resolves every send from the
// broker's settlement. The sending link is opened lazily under the init
// lock on the first send and reopened the same way after a link fault.
// One delivery is outstanding at a time; concurrent Send calls queue on an
// internal mutex.
type Sender struct {
	linkEntity

	initLock  *InitLock
	encoder   BodyEncoder
	retry     reliability.RetryPolicy
	breaker   *reliability.CircuitBreaker
	metrics   MetricsCollector
	opTimeout time.Duration

	mu   sync.RWMutex // guards link
	link SenderLink

	sendMu    sync.Mutex // serializes deliveries
	pendingMu sync.Mutex
	pending   *pendingDelivery

	pumpWG   sync.WaitGroup
	closed   atomic.Bool
	closedCh chan struct{}
}

// SenderOption configures the Sender
type SenderOption func(*Sender)

// WithSenderLogger sets the logger
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		s.logger = logger
	}
}

// WithSenderRetryPolicy sets the retry policy applied around each delivery
// attempt.
func WithSenderRetryPolicy(policy reliability.RetryPolicy) SenderOption {
	return func(s *Sender) {
		s.retry = policy
	}
}

// WithSenderCircuitBreaker wraps every delivery attempt in the breaker.
func WithSenderCircuitBreaker(cb *reliability.CircuitBreaker) SenderOption {
	return func(s *Sender) {
		s.breaker = cb
	}
}

// WithSenderEncoder sets the body encoder
func WithSenderEncoder(encoder BodyEncoder) SenderOption {
	return func(s *Sender) {
		s.encoder = encoder
	}
}

// WithSenderMetrics sets the metrics collector
func WithSenderMetrics(collector MetricsCollector) SenderOption {
	return func(s *Sender) {
		s.metrics = collector
	}
}

// WithOperationTimeout sets the deadline applied to sends whose context
// carries none.
func WithOperationTimeout(timeout time.Duration) SenderOption {
	return func(s *Sender) {
		s.opTimeout = timeout
	}
}

// NewSender creates a sender for the entity address. No link I/O happens
// here; the link opens on the first send.
func NewSender(engine LinkEngine, initLock *InitLock, address, audience string, provider TokenProvider, options ...SenderOption) *Sender {
	s := &Sender{
		linkEntity: newLinkEntity("sender", address, audience, engine, provider, nil),
		initLock:   initLock,
		encoder:    JSONEncoder{},
		retry:      reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 3),
		metrics:    NoOpMetricsCollector{},
		opTimeout:  defaultOperationTimeout,
		closedCh:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// pendingDelivery is the resolution slot for one outstanding delivery. The
// first settlement wins; later outcomes for the same tag are dropped.
type pendingDelivery struct {
	tag      uint64
	ch       chan Settlement
	mu       sync.Mutex
	resolved bool
}

func newPendingDelivery(tag uint64) *pendingDelivery {
	return &pendingDelivery{
		tag: tag,
		ch:  make(chan Settlement, 1),
	}
}

// resolve delivers the settlement unless one was already recorded.
func (p *pendingDelivery) resolve(st Settlement) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return false
	}

	p.resolved = true
	select {
	case p.ch <- st:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the sender can still send.
func (s *Sender) IsOpen() bool {
	return !s.closed.Load()
}

// Send encodes and sends one message, returning once the broker settles the
// delivery. An accepted settlement returns nil; every other disposition
// returns a *contracts.SettlementError. Attempts are retried per the
// sender's retry policy when the failure is retryable.
func (s *Sender) Send(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("buslink: message cannot be nil")
	}
	if s.closed.Load() {
		return contracts.ErrSenderClosed
	}

	wire, err := s.buildWireMessage(msg)
	if err != nil {
		return err
	}
	return s.send(ctx, wire)
}

// SendBatch sends the messages as a single multi-section transfer settled
// as one unit. Broker-visible metadata comes from the first message only;
// the per-message bodies are carried as separate sections.
func (s *Sender) SendBatch(ctx context.Context, messages []*contracts.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if s.closed.Load() {
		return contracts.ErrSenderClosed
	}

	wire, err := s.buildWireMessage(messages[0])
	if err != nil {
		return err
	}
	wire.Batched = true
	for _, msg := range messages[1:] {
		if msg == nil {
			continue
		}
		section, err := s.encodeBody(msg)
		if err != nil {
			return err
		}
		wire.Data = append(wire.Data, section)
	}
	return s.send(ctx, wire)
}

// send runs the retry envelope around trySend. Link initialization happens
// inside the attempt so a fault on one attempt reopens on the next.
func (s *Sender) send(ctx context.Context, wire *contracts.WireMessage) error {
	ctx, cancel := s.withDefaultTimeout(ctx)
	defer cancel()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	attempt := func() error {
		return s.trySend(ctx, wire)
	}
	if s.breaker != nil {
		inner := attempt
		attempt = func() error {
			return s.breaker.Execute(ctx, inner)
		}
	}

	start := time.Now()
	err := reliability.Retry(ctx, s.retry, attempt)
	s.metrics.RecordSend(s.address, time.Since(start), err == nil)

	if err != nil {
		s.metrics.RecordError("sender", "send")
		s.logger.Error("send failed",
			"entity", s.address,
			"messageId", wire.MessageID,
			"batched", wire.Batched,
			"error", err)
		return fmt.Errorf("buslink: send to %q failed: %w", s.address, err)
	}

	s.logger.Debug("message sent",
		"entity", s.address,
		"messageId", wire.MessageID,
		"batched", wire.Batched)
	return nil
}

// trySend performs one delivery attempt: ensure the link, check credit,
// transfer, then wait for the settlement of the returned tag.
func (s *Sender) trySend(ctx context.Context, wire *contracts.WireMessage) error {
	if s.closed.Load() {
		return reliability.Permanent(contracts.ErrSenderClosed)
	}

	link, err := s.ensureLink(ctx)
	if err != nil {
		return err
	}

	if !link.Sendable() {
		return contracts.ErrNoCredit
	}

	// The pending slot is registered under pendingMu across the transfer
	// so the settlement pump cannot observe the tag before the slot holds
	// it.
	s.pendingMu.Lock()
	tag, err := link.Send(ctx, wire)
	if err != nil {
		s.pendingMu.Unlock()
		s.dropLink(link)
		return contracts.NewLinkError(s.address, err)
	}
	pd := newPendingDelivery(tag)
	s.pending = pd
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		if s.pending == pd {
			s.pending = nil
		}
		s.pendingMu.Unlock()
	}()

	select {
	case st := <-pd.ch:
		if st.Err != nil {
			return st.Err
		}
		if st.Disposition == contracts.DispositionAccepted {
			return nil
		}
		return &contracts.SettlementError{
			Disposition: st.Disposition,
			Description: fmt.Sprintf("delivery %s by broker", st.Disposition),
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closedCh:
		return reliability.Permanent(contracts.ErrSenderClosed)
	}
}

// ensureLink returns the open link, opening one under the init lock when
// none is live. Concurrent callers share a single open.
func (s *Sender) ensureLink(ctx context.Context) (SenderLink, error) {
	s.mu.RLock()
	link := s.link
	s.mu.RUnlock()
	if link != nil && link.IsOpen() {
		return link, nil
	}

	v, err := s.initLock.Acquire(ctx, s.name, func(initCtx context.Context) (interface{}, error) {
		s.mu.RLock()
		current := s.link
		s.mu.RUnlock()
		if current != nil && current.IsOpen() {
			return current, nil
		}

		if err := s.negotiateClaim(initCtx); err != nil {
			return nil, err
		}

		opened, err := s.engine.OpenSenderLink(initCtx, s.address)
		if err != nil {
			return nil, contracts.NewInitError(s.address, "open sender link", err)
		}

		s.mu.Lock()
		s.link = opened
		s.mu.Unlock()

		s.pumpWG.Add(1)
		go s.pump(opened)

		s.logger.Info("sender link opened",
			"entity", s.address,
			"link", s.name)
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(SenderLink), nil
}

// pump routes settlements and link faults to the pending delivery. It exits
// when the link's settlement channel closes.
func (s *Sender) pump(link SenderLink) {
	defer s.pumpWG.Done()
	defer s.dropLink(link)

	settlements := link.Settlements()
	faults := link.Errors()

	for {
		select {
		case st, ok := <-settlements:
			if !ok {
				s.failPending(contracts.NewLinkError(s.address, errLinkDetached))
				return
			}
			s.resolveSettlement(st)
		case err, ok := <-faults:
			if !ok {
				faults = nil
				continue
			}
			s.logger.Warn("sender link fault",
				"entity", s.address,
				"error", err)
			s.failPending(contracts.NewLinkError(s.address, err))
		}
	}
}

// resolveSettlement matches a settlement to the pending delivery; stray and
// duplicate outcomes are dropped.
func (s *Sender) resolveSettlement(st Settlement) {
	s.pendingMu.Lock()
	pd := s.pending
	s.pendingMu.Unlock()

	if pd == nil || pd.tag != st.Tag {
		s.logger.Debug("dropping stray settlement",
			"entity", s.address,
			"tag", st.Tag,
			"disposition", st.Disposition)
		return
	}
	if !pd.resolve(st) {
		s.logger.Debug("dropping duplicate settlement",
			"entity", s.address,
			"tag", st.Tag)
	}
}

// failPending resolves the outstanding delivery with a link fault so the
// waiting send can retry on a fresh link.
func (s *Sender) failPending(err error) {
	s.pendingMu.Lock()
	pd := s.pending
	s.pendingMu.Unlock()

	if pd != nil {
		pd.resolve(Settlement{Tag: pd.tag, Err: err})
	}
}

// dropLink clears the cached link if it is still the current one, so the
// next send opens a fresh link.
func (s *Sender) dropLink(link SenderLink) {
	s.mu.Lock()
	if s.link == link {
		s.link = nil
	}
	s.mu.Unlock()
}

// Close closes the sender. A send blocked on a settlement fails with
// ErrSenderClosed instead of waiting out its deadline. Idempotent.
func (s *Sender) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closedCh)
	s.stopRenewal()

	s.mu.Lock()
	link := s.link
	s.link = nil
	s.mu.Unlock()

	var err error
	if link != nil {
		err = link.Close(ctx)
	}
	s.pumpWG.Wait()

	s.logger.Debug("sender closed", "entity", s.address)
	return err
}

// buildWireMessage encodes the message into its wire form. Raw []byte
// bodies pass through unencoded; everything else goes through the encoder.
// Missing message IDs and content types are filled in.
func (s *Sender) buildWireMessage(msg *contracts.Message) (*contracts.WireMessage, error) {
	body, err := s.encodeBody(msg)
	if err != nil {
		return nil, err
	}

	wire := &contracts.WireMessage{
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		ContentType:   msg.ContentType,
		Subject:       msg.Subject,
		TTL:           msg.TTL,
		Data:          [][]byte{body},
	}
	if wire.MessageID == "" {
		wire.MessageID = uuid.New().String()
	}
	if wire.ContentType == "" {
		if _, raw := msg.Body.([]byte); raw {
			wire.ContentType = "application/octet-stream"
		} else {
			wire.ContentType = s.encoder.ContentType()
		}
	}
	if len(msg.Annotations) > 0 {
		wire.Annotations = make(map[string]interface{}, len(msg.Annotations))
		for k, v := range msg.Annotations {
			wire.Annotations[k] = v
		}
	}
	if len(msg.Properties) > 0 {
		wire.Properties = make(map[string]interface{}, len(msg.Properties))
		for k, v := range msg.Properties {
			wire.Properties[k] = v
		}
	}
	return wire, nil
}

func (s *Sender) encodeBody(msg *contracts.Message) ([]byte, error) {
	if raw, ok := msg.Body.([]byte); ok {
		return raw, nil
	}
	return s.encoder.Encode(msg.Body)
}

func (s *Sender) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}
