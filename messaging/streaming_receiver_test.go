package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/buslink-go/contracts"
)

func newTestStreamingReceiver(engine *fakeEngine, options ...ReceiverOption) *StreamingReceiver {
	opts := append([]ReceiverOption{WithReceiverLogger(discardLogger())}, options...)
	return NewStreamingReceiver(engine, NewInitLock(), "orders", "sb://ns.example.net/orders", staticTokenProvider(time.Hour), opts...)
}

func TestStreamingReceiverDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("deliveries reach the handler and are completed", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine)
		defer receiver.Stop(ctx)

		var mu sync.Mutex
		var handled []string
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			mu.Lock()
			handled = append(handled, msg.MessageID)
			mu.Unlock()
			return nil
		})
		require.NoError(t, receiver.Start(ctx, handler, nil))

		settler := &testSettler{}
		link := engine.lastReceiverLink()
		link.deliver(testMessage("m-1", 1, settler, contracts.PeekLock))
		link.deliver(testMessage("m-2", 2, settler, contracts.PeekLock))

		waitFor(t, time.Second, func() bool {
			completes, _, _ := settler.counts()
			return completes == 2
		})
		mu.Lock()
		defer mu.Unlock()
		assert.ElementsMatch(t, []string{"m-1", "m-2"}, handled)
	})

	t.Run("handler failure abandons the message", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine)
		defer receiver.Stop(ctx)

		errCh := make(chan error, 4)
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			return errors.New("bad payload")
		})
		require.NoError(t, receiver.Start(ctx, handler, func(err error) { errCh <- err }))

		settler := &testSettler{}
		engine.lastReceiverLink().deliver(testMessage("m-1", 1, settler, contracts.PeekLock))

		waitFor(t, time.Second, func() bool {
			_, abandons, _ := settler.counts()
			return abandons == 1
		})

		select {
		case err := <-errCh:
			var handlerErr *contracts.HandlerError
			require.ErrorAs(t, err, &handlerErr)
			assert.Equal(t, "m-1", handlerErr.MessageID)
		case <-time.After(time.Second):
			t.Fatal("handler error was not reported")
		}
	})

	t.Run("messages settled by the handler are left alone", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine)
		defer receiver.Stop(ctx)

		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			return msg.DeadLetter(ctx, "unparsable", "schema mismatch")
		})
		require.NoError(t, receiver.Start(ctx, handler, nil))

		settler := &testSettler{}
		engine.lastReceiverLink().deliver(testMessage("m-1", 1, settler, contracts.PeekLock))

		waitFor(t, time.Second, func() bool {
			_, _, deadLetters := settler.counts()
			return deadLetters == 1
		})
		time.Sleep(20 * time.Millisecond)

		completes, abandons, deadLetters := settler.counts()
		assert.Zero(t, completes)
		assert.Zero(t, abandons)
		assert.Equal(t, 1, deadLetters)
	})

	t.Run("auto complete disabled leaves settlement to the handler", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine, WithAutoComplete(false))
		defer receiver.Stop(ctx)

		handled := make(chan struct{}, 1)
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			handled <- struct{}{}
			return nil
		})
		require.NoError(t, receiver.Start(ctx, handler, nil))

		settler := &testSettler{}
		engine.lastReceiverLink().deliver(testMessage("m-1", 1, settler, contracts.PeekLock))

		<-handled
		time.Sleep(20 * time.Millisecond)

		completes, abandons, deadLetters := settler.counts()
		assert.Zero(t, completes+abandons+deadLetters)
	})

	t.Run("receive and delete dispatches without settlement", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine, WithReceiveMode(contracts.ReceiveAndDelete))
		defer receiver.Stop(ctx)

		handled := make(chan *contracts.ReceivedMessage, 1)
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			handled <- msg
			return nil
		})
		require.NoError(t, receiver.Start(ctx, handler, nil))

		settler := &testSettler{}
		engine.lastReceiverLink().deliver(testMessage("m-1", 1, settler, contracts.ReceiveAndDelete))

		msg := <-handled
		assert.True(t, msg.IsSettled())
		time.Sleep(20 * time.Millisecond)

		completes, abandons, deadLetters := settler.counts()
		assert.Zero(t, completes+abandons+deadLetters)
	})

	t.Run("handler panic is reported and the message abandoned", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine)
		defer receiver.Stop(ctx)

		errCh := make(chan error, 4)
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			panic("corrupt state")
		})
		require.NoError(t, receiver.Start(ctx, handler, func(err error) { errCh <- err }))

		settler := &testSettler{}
		engine.lastReceiverLink().deliver(testMessage("m-1", 1, settler, contracts.PeekLock))

		waitFor(t, time.Second, func() bool {
			_, abandons, _ := settler.counts()
			return abandons == 1
		})

		select {
		case err := <-errCh:
			var handlerErr *contracts.HandlerError
			require.ErrorAs(t, err, &handlerErr)
			assert.Contains(t, handlerErr.Error(), "handler panic")
		case <-time.After(time.Second):
			t.Fatal("panic was not reported")
		}
	})
}

func TestStreamingReceiverConcurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("handler calls are bounded by the concurrency ceiling", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine, WithMaxConcurrentCalls(2))
		defer receiver.Stop(ctx)

		var active, peak atomic.Int32
		release := make(chan struct{})
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return nil
		})
		require.NoError(t, receiver.Start(ctx, handler, nil))

		settler := &testSettler{}
		link := engine.lastReceiverLink()
		for i := uint64(1); i <= 3; i++ {
			link.deliver(testMessage("m", i, settler, contracts.PeekLock))
		}

		waitFor(t, time.Second, func() bool { return active.Load() == 2 })
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(2), active.Load(), "third call must wait for a slot")

		release <- struct{}{}
		waitFor(t, time.Second, func() bool {
			completes, _, _ := settler.counts()
			return completes == 1 && active.Load() == 2
		})

		close(release)
		waitFor(t, time.Second, func() bool {
			completes, _, _ := settler.counts()
			return completes == 3
		})
		assert.Equal(t, int32(2), peak.Load())
	})

	t.Run("dispatch follows arrival order", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine, WithMaxConcurrentCalls(1))
		defer receiver.Stop(ctx)

		var mu sync.Mutex
		var order []string
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			mu.Lock()
			order = append(order, msg.MessageID)
			mu.Unlock()
			return nil
		})
		require.NoError(t, receiver.Start(ctx, handler, nil))

		settler := &testSettler{}
		link := engine.lastReceiverLink()
		want := []string{"m-1", "m-2", "m-3", "m-4", "m-5"}
		for i, id := range want {
			link.deliver(testMessage(id, uint64(i+1), settler, contracts.PeekLock))
		}

		waitFor(t, time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == len(want)
		})
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, want, order)
	})
}

func TestStreamingReceiverLifecycle(t *testing.T) {
	ctx := context.Background()
	noopHandler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
		return nil
	})

	t.Run("start requires a handler", func(t *testing.T) {
		receiver := newTestStreamingReceiver(newFakeEngine())
		defer receiver.Stop(ctx)

		err := receiver.Start(ctx, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler")
	})

	t.Run("second start is rejected", func(t *testing.T) {
		receiver := newTestStreamingReceiver(newFakeEngine())
		defer receiver.Stop(ctx)

		require.NoError(t, receiver.Start(ctx, noopHandler, nil))
		err := receiver.Start(ctx, noopHandler, nil)
		assert.ErrorIs(t, err, contracts.ErrReceiverActive)
	})

	t.Run("start after stop is rejected", func(t *testing.T) {
		receiver := newTestStreamingReceiver(newFakeEngine())
		require.NoError(t, receiver.Start(ctx, noopHandler, nil))
		require.NoError(t, receiver.Stop(ctx))

		err := receiver.Start(ctx, noopHandler, nil)
		assert.ErrorIs(t, err, contracts.ErrReceiverClosed)
	})

	t.Run("failed start can be retried", func(t *testing.T) {
		engine := newFakeEngine()
		engine.openRecvErr = errors.New("connection refused")
		receiver := newTestStreamingReceiver(engine)
		defer receiver.Stop(ctx)

		err := receiver.Start(ctx, noopHandler, nil)
		var initErr *contracts.InitError
		require.ErrorAs(t, err, &initErr)

		engine.mu.Lock()
		engine.openRecvErr = nil
		engine.mu.Unlock()
		assert.NoError(t, receiver.Start(ctx, noopHandler, nil))
	})

	t.Run("link fault is forwarded to the error handler", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine)
		defer receiver.Stop(ctx)

		errCh := make(chan error, 4)
		require.NoError(t, receiver.Start(ctx, noopHandler, func(err error) { errCh <- err }))

		engine.lastReceiverLink().fault(errors.New("link detached by broker"))

		select {
		case err := <-errCh:
			var linkErr *contracts.LinkError
			require.ErrorAs(t, err, &linkErr)
			assert.Equal(t, "orders", linkErr.Entity)
		case <-time.After(time.Second):
			t.Fatal("link fault was not reported")
		}
	})

	t.Run("link credit matches the concurrency ceiling", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine, WithMaxConcurrentCalls(8))
		defer receiver.Stop(ctx)

		require.NoError(t, receiver.Start(ctx, noopHandler, nil))

		opts := engine.openedReceiverOpts()
		require.Len(t, opts, 1)
		assert.Equal(t, 8, opts[0].Credit)
		assert.Equal(t, contracts.PeekLock, opts[0].Mode)
	})
}

func TestStreamingReceiverStop(t *testing.T) {
	ctx := context.Background()

	t.Run("stop waits for in-flight handlers", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine)

		entered := make(chan struct{})
		release := make(chan struct{})
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			close(entered)
			<-release
			return nil
		})
		require.NoError(t, receiver.Start(ctx, handler, nil))

		settler := &testSettler{}
		engine.lastReceiverLink().deliver(testMessage("m-1", 1, settler, contracts.PeekLock))
		<-entered

		go func() {
			time.Sleep(30 * time.Millisecond)
			close(release)
		}()
		require.NoError(t, receiver.Stop(ctx))

		completes, _, _ := settler.counts()
		assert.Equal(t, 1, completes, "in-flight message settles before stop returns")
	})

	t.Run("stop cancels handlers past the deadline", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine)

		entered := make(chan struct{})
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		})
		require.NoError(t, receiver.Start(ctx, handler, nil))

		settler := &testSettler{}
		engine.lastReceiverLink().deliver(testMessage("m-1", 1, settler, contracts.PeekLock))
		<-entered

		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		err := receiver.Stop(stopCtx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, receiver.IsOpen())
	})

	t.Run("deliveries taken after stop are returned to the broker", func(t *testing.T) {
		engine := newFakeEngine()
		receiver := newTestStreamingReceiver(engine, WithMaxConcurrentCalls(1))

		entered := make(chan struct{})
		release := make(chan struct{})
		handler := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error {
			close(entered)
			<-release
			return nil
		})
		require.NoError(t, receiver.Start(ctx, handler, nil))

		first := &testSettler{}
		second := &testSettler{}
		link := engine.lastReceiverLink()
		link.deliver(testMessage("m-1", 1, first, contracts.PeekLock))
		<-entered
		link.deliver(testMessage("m-2", 2, second, contracts.PeekLock))
		waitFor(t, time.Second, func() bool { return len(link.deliveries) == 0 })

		go func() {
			time.Sleep(30 * time.Millisecond)
			close(release)
		}()
		require.NoError(t, receiver.Stop(ctx))

		_, abandons, _ := second.counts()
		assert.Equal(t, 1, abandons, "undispatched delivery goes back to the broker")
		completes, _, _ := first.counts()
		assert.Equal(t, 1, completes)
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		receiver := newTestStreamingReceiver(newFakeEngine())
		noop := MessageHandlerFunc(func(ctx context.Context, msg *contracts.ReceivedMessage) error { return nil })
		require.NoError(t, receiver.Start(ctx, noop, nil))
		require.NoError(t, receiver.Stop(ctx))
		require.NoError(t, receiver.Stop(ctx))
	})

	t.Run("stop before start releases no resources twice", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		receiver := newTestStreamingReceiver(newFakeEngine())
		require.NoError(t, receiver.Stop(ctx))
	})
}
