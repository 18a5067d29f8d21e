package buslink

import (
	"context"
	"time"

	"github.com/glimte/buslink-go/contracts"
	"github.com/glimte/buslink-go/messaging"
)

// QueueClient sends to and receives from one queue. All operations share
// the queue's entity context, so senders are reused across calls and a
// second concurrent subscription is rejected.
type QueueClient struct {
	client     *Client
	entityPath string
}

// EntityPath returns the queue's entity path.
func (q *QueueClient) EntityPath() string {
	return q.entityPath
}

// Send sends one message to the queue, returning once the broker settles
// the delivery.
func (q *QueueClient) Send(ctx context.Context, msg *contracts.Message) error {
	return sendTo(ctx, q.client, q.entityPath, msg)
}

// SendBatch sends the messages as a single transfer settled as one unit.
func (q *QueueClient) SendBatch(ctx context.Context, messages []*contracts.Message) error {
	return sendBatchTo(ctx, q.client, q.entityPath, messages)
}

// Receive starts a streaming subscription pushing the queue's messages
// into the handler. onError receives link faults and handler failures; it
// may be nil. The returned handle stops the subscription.
func (q *QueueClient) Receive(ctx context.Context, handler messaging.MessageHandler, onError messaging.ErrorHandler, options ...messaging.ReceiverOption) (*ReceiveHandle, error) {
	return receiveFrom(ctx, q.client, q.entityPath, handler, onError, options...)
}

// ReceiveBatch receives up to maxCount messages, returning early with a
// partial batch once maxWait elapses with at least one message in hand.
func (q *QueueClient) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration, options ...messaging.ReceiverOption) ([]*contracts.ReceivedMessage, error) {
	return receiveBatchFrom(ctx, q.client, q.entityPath, maxCount, maxWait, options...)
}

// Close closes the queue's senders and receivers and deregisters the
// entity. The owning bus client stays usable.
func (q *QueueClient) Close(ctx context.Context) error {
	return q.client.closeEntity(ctx, q.entityPath)
}

// TopicClient sends to one topic. Receiving happens through subscription
// clients.
type TopicClient struct {
	client     *Client
	entityPath string
}

// EntityPath returns the topic's entity path.
func (t *TopicClient) EntityPath() string {
	return t.entityPath
}

// Send sends one message to the topic.
func (t *TopicClient) Send(ctx context.Context, msg *contracts.Message) error {
	return sendTo(ctx, t.client, t.entityPath, msg)
}

// SendBatch sends the messages as a single transfer settled as one unit.
func (t *TopicClient) SendBatch(ctx context.Context, messages []*contracts.Message) error {
	return sendBatchTo(ctx, t.client, t.entityPath, messages)
}

// Close closes the topic's sender and deregisters the entity.
func (t *TopicClient) Close(ctx context.Context) error {
	return t.client.closeEntity(ctx, t.entityPath)
}

// SubscriptionClient receives from one subscription on a topic.
type SubscriptionClient struct {
	client     *Client
	entityPath string
}

// EntityPath returns the subscription's entity path.
func (s *SubscriptionClient) EntityPath() string {
	return s.entityPath
}

// Receive starts a streaming subscription pushing messages into the
// handler. onError receives link faults and handler failures; it may be
// nil.
func (s *SubscriptionClient) Receive(ctx context.Context, handler messaging.MessageHandler, onError messaging.ErrorHandler, options ...messaging.ReceiverOption) (*ReceiveHandle, error) {
	return receiveFrom(ctx, s.client, s.entityPath, handler, onError, options...)
}

// ReceiveBatch receives up to maxCount messages, returning early with a
// partial batch once maxWait elapses with at least one message in hand.
func (s *SubscriptionClient) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration, options ...messaging.ReceiverOption) ([]*contracts.ReceivedMessage, error) {
	return receiveBatchFrom(ctx, s.client, s.entityPath, maxCount, maxWait, options...)
}

// Close closes the subscription's receivers and deregisters the entity.
func (s *SubscriptionClient) Close(ctx context.Context) error {
	return s.client.closeEntity(ctx, s.entityPath)
}

// ReceiveHandle controls one active streaming subscription.
type ReceiveHandle struct {
	receiver *messaging.StreamingReceiver
}

// Stop stops the subscription, waiting for in-flight handlers to finish
// within the context deadline. Idempotent.
func (h *ReceiveHandle) Stop(ctx context.Context) error {
	return h.receiver.Stop(ctx)
}

// Active reports whether the subscription is still running.
func (h *ReceiveHandle) Active() bool {
	return h.receiver.IsOpen()
}

func sendTo(ctx context.Context, c *Client, entityPath string, msg *contracts.Message) error {
	ec, err := c.entityContext(entityPath)
	if err != nil {
		return err
	}
	sender, err := ec.GetSender()
	if err != nil {
		return err
	}
	return sender.Send(ctx, msg)
}

func sendBatchTo(ctx context.Context, c *Client, entityPath string, messages []*contracts.Message) error {
	ec, err := c.entityContext(entityPath)
	if err != nil {
		return err
	}
	sender, err := ec.GetSender()
	if err != nil {
		return err
	}
	return sender.SendBatch(ctx, messages)
}

func receiveFrom(ctx context.Context, c *Client, entityPath string, handler messaging.MessageHandler, onError messaging.ErrorHandler, options ...messaging.ReceiverOption) (*ReceiveHandle, error) {
	ec, err := c.entityContext(entityPath)
	if err != nil {
		return nil, err
	}
	receiver, err := ec.GetStreamingReceiver(options...)
	if err != nil {
		return nil, err
	}
	if err := receiver.Start(ctx, handler, onError); err != nil {
		return nil, err
	}
	return &ReceiveHandle{receiver: receiver}, nil
}

func receiveBatchFrom(ctx context.Context, c *Client, entityPath string, maxCount int, maxWait time.Duration, options ...messaging.ReceiverOption) ([]*contracts.ReceivedMessage, error) {
	ec, err := c.entityContext(entityPath)
	if err != nil {
		return nil, err
	}
	receiver, err := ec.GetBatchingReceiver(options...)
	if err != nil {
		return nil, err
	}
	return receiver.ReceiveBatch(ctx, maxCount, maxWait)
}
