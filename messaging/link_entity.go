package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/buslink-go/contracts"
	"github.com/google/uuid"
)

const (
	defaultRefreshWindow    = 2 * time.Minute
	defaultRenewalRetry     = 30 * time.Second
	defaultNegotiateTimeout = 30 * time.Second
	minRenewalDelay         = time.Second
)

// linkEntity is the shared base of Sender, StreamingReceiver, and
// BatchingReceiver. It carries the entity identity (address, audience,
// unique name) and owns the claim-renewal timer goroutine.
type linkEntity struct {
	id       string
	name     string
	address  string
	audience string

	engine   LinkEngine
	provider TokenProvider
	logger   *slog.Logger

	refreshWindow time.Duration
	renewalRetry  time.Duration

	renewDone  chan struct{}
	renewWG    sync.WaitGroup
	renewStart sync.Once
	renewStop  sync.Once
}

// newLinkEntity builds the base for a link entity of the given kind
// ("sender", "receiver", "batchreceiver"). The name is unique per instance.
func newLinkEntity(kind, address, audience string, engine LinkEngine, provider TokenProvider, logger *slog.Logger) linkEntity {
	id := uuid.New().String()
	if logger == nil {
		logger = slog.Default()
	}
	return linkEntity{
		id:            id,
		name:          fmt.Sprintf("%s-%s-%s", kind, address, id),
		address:       address,
		audience:      audience,
		engine:        engine,
		provider:      provider,
		logger:        logger,
		refreshWindow: defaultRefreshWindow,
		renewalRetry:  defaultRenewalRetry,
		renewDone:     make(chan struct{}),
	}
}

// Name returns the unique link name of this entity instance.
func (e *linkEntity) Name() string {
	return e.name
}

// Address returns the entity address the links attach to.
func (e *linkEntity) Address() string {
	return e.address
}

// negotiateClaim authorizes the entity's audience and starts the renewal
// timer from the returned expiry. Entities without a token provider skip
// negotiation entirely and never start a timer.
func (e *linkEntity) negotiateClaim(ctx context.Context) error {
	if e.provider == nil {
		return nil
	}

	expiry, err := e.engine.NegotiateClaim(ctx, e.audience, e.provider)
	if err != nil {
		return contracts.NewInitError(e.address, "negotiate claim", err)
	}

	e.logger.Debug("claim negotiated",
		"entity", e.address,
		"audience", e.audience,
		"expiresAt", expiry)

	e.renewStart.Do(func() {
		e.renewWG.Add(1)
		go e.renewLoop(expiry)
	})

	return nil
}

// renewLoop renews the claim shortly before each expiry. A failed renewal
// is logged and retried after a fixed interval; the link stays up and the
// broker decides when an expired claim actually matters.
func (e *linkEntity) renewLoop(expiry time.Time) {
	defer e.renewWG.Done()

	timer := time.NewTimer(e.renewalDelay(expiry))
	defer timer.Stop()

	for {
		select {
		case <-e.renewDone:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultNegotiateTimeout)
		next, err := e.engine.NegotiateClaim(ctx, e.audience, e.provider)
		cancel()

		if err != nil {
			e.logger.Warn("claim renewal failed",
				"entity", e.address,
				"audience", e.audience,
				"retryIn", e.renewalRetry,
				"error", err)
			timer.Reset(e.renewalRetry)
			continue
		}

		e.logger.Debug("claim renewed",
			"entity", e.address,
			"audience", e.audience,
			"expiresAt", next)
		timer.Reset(e.renewalDelay(next))
	}
}

// renewalDelay schedules renewal a refresh window before expiry, never
// sooner than the minimum delay.
func (e *linkEntity) renewalDelay(expiry time.Time) time.Duration {
	delay := time.Until(expiry) - e.refreshWindow
	if delay < minRenewalDelay {
		delay = minRenewalDelay
	}
	return delay
}

// stopRenewal cancels the renewal timer exactly once and waits for the
// loop to exit. Safe to call when renewal never started.
func (e *linkEntity) stopRenewal() {
	e.renewStop.Do(func() {
		close(e.renewDone)
	})
	e.renewWG.Wait()
}
