package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/buslink-go/contracts"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLinkEntityClaimRenewal(t *testing.T) {
	t.Run("nil provider skips negotiation and starts no timer", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		engine := newFakeEngine()
		e := newLinkEntity("sender", "orders", "sb://ns/orders", engine, nil, nil)

		require.NoError(t, e.negotiateClaim(context.Background()))
		assert.Equal(t, int32(0), engine.claimCalls.Load())

		e.stopRenewal()
	})

	t.Run("claim is renewed before expiry", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		engine := newFakeEngine()
		engine.setClaimExpiry(time.Now().Add(time.Hour))
		e := newLinkEntity("sender", "orders", "sb://ns/orders", engine, staticTokenProvider(time.Hour), nil)
		e.refreshWindow = time.Hour - 20*time.Millisecond // renew ~20ms after negotiation

		require.NoError(t, e.negotiateClaim(context.Background()))
		assert.Equal(t, []string{"sb://ns/orders"}, engine.claimedAudiences())

		waitFor(t, time.Second, func() bool { return engine.claimCalls.Load() >= 2 })

		e.stopRenewal()
	})

	t.Run("failed renewal retries after the retry interval", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		engine := newFakeEngine()
		engine.setClaimExpiry(time.Now().Add(time.Hour))
		e := newLinkEntity("receiver", "orders", "sb://ns/orders", engine, staticTokenProvider(time.Hour), nil)
		e.refreshWindow = time.Hour - 10*time.Millisecond
		e.renewalRetry = 10 * time.Millisecond

		require.NoError(t, e.negotiateClaim(context.Background()))
		engine.setClaimErr(errors.New("token service down"))

		// First renewal fails, the loop keeps retrying on the short interval.
		waitFor(t, time.Second, func() bool { return engine.claimCalls.Load() >= 3 })

		engine.setClaimErr(nil)
		e.stopRenewal()
	})

	t.Run("provider is asked for exactly the entity audience", func(t *testing.T) {
		engine := newFakeEngine()
		provider := &mockTokenProvider{}
		provider.On("GetToken", mock.Anything, "sb://ns/orders").
			Return(&Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil).Once()

		e := newLinkEntity("sender", "orders", "sb://ns/orders", engine, provider, nil)
		require.NoError(t, e.negotiateClaim(context.Background()))

		provider.AssertExpectations(t)
		e.stopRenewal()
	})

	t.Run("negotiation failure surfaces as init error", func(t *testing.T) {
		engine := newFakeEngine()
		engine.setClaimErr(errors.New("unauthorized"))
		e := newLinkEntity("sender", "orders", "sb://ns/orders", engine, staticTokenProvider(time.Hour), nil)

		err := e.negotiateClaim(context.Background())
		var initErr *contracts.InitError
		require.ErrorAs(t, err, &initErr)
		assert.Equal(t, "orders", initErr.Entity)
		assert.Equal(t, "negotiate claim", initErr.Op)

		e.stopRenewal()
	})

	t.Run("stop is idempotent and safe without a running timer", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		engine := newFakeEngine()
		e := newLinkEntity("sender", "orders", "sb://ns/orders", engine, nil, nil)

		e.stopRenewal()
		e.stopRenewal()
	})

	t.Run("renewal delay floors at the minimum", func(t *testing.T) {
		engine := newFakeEngine()
		e := newLinkEntity("sender", "orders", "sb://ns/orders", engine, nil, nil)

		// Expiry already inside the refresh window.
		assert.Equal(t, minRenewalDelay, e.renewalDelay(time.Now().Add(time.Second)))
		assert.Greater(t, e.renewalDelay(time.Now().Add(time.Hour)), time.Minute)
	})

	t.Run("entity name is unique per instance", func(t *testing.T) {
		engine := newFakeEngine()
		a := newLinkEntity("sender", "orders", "aud", engine, nil, nil)
		b := newLinkEntity("sender", "orders", "aud", engine, nil, nil)

		assert.NotEqual(t, a.Name(), b.Name())
		assert.Equal(t, "orders", a.Address())
	})
}
