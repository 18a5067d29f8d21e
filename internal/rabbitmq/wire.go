package rabbitmq

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/buslink-go/contracts"
)

// Reserved header keys. Application properties travel as top-level headers;
// broker-style annotations are nested under their own key so the two spaces
// cannot collide.
const (
	annotationsHeader = "x-annotations"
	batchCountHeader  = "x-batch-count"
)

// buildPublishing converts a wire message into the broker publishing frame.
// Batched messages carry their sections length-prefixed in the body and the
// section count in a header.
func buildPublishing(wire *contracts.WireMessage) (amqp.Publishing, error) {
	headers := amqp.Table{}
	for k, v := range wire.Properties {
		headers[k] = v
	}
	if len(wire.Annotations) > 0 {
		headers[annotationsHeader] = amqp.Table(wire.Annotations)
	}

	var body []byte
	switch {
	case wire.Batched:
		headers[batchCountHeader] = int32(len(wire.Data))
		body = encodeSections(wire.Data)
	case len(wire.Data) > 1:
		return amqp.Publishing{}, fmt.Errorf("rabbitmq: message carries %d data sections but is not batched", len(wire.Data))
	case len(wire.Data) == 1:
		body = wire.Data[0]
	}

	if len(headers) == 0 {
		headers = nil
	} else if err := headers.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("rabbitmq: invalid message headers: %w", err)
	}

	pub := amqp.Publishing{
		Headers:       headers,
		ContentType:   wire.ContentType,
		MessageId:     wire.MessageID,
		CorrelationId: wire.CorrelationID,
		Type:          wire.Subject,
		Timestamp:     time.Now(),
		DeliveryMode:  amqp.Persistent,
		Body:          body,
	}
	if wire.TTL > 0 {
		pub.Expiration = strconv.FormatInt(wire.TTL.Milliseconds(), 10)
	}
	return pub, nil
}

// encodeSections frames the sections as length-prefixed chunks so a batched
// transfer survives as a single broker message.
func encodeSections(sections [][]byte) []byte {
	size := 0
	for _, s := range sections {
		size += 4 + len(s)
	}

	buf := make([]byte, 0, size)
	var prefix [4]byte
	for _, s := range sections {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(s)))
		buf = append(buf, prefix[:]...)
		buf = append(buf, s...)
	}
	return buf
}

// decodeSections reverses encodeSections. Trailing garbage or a truncated
// section fails the whole payload.
func decodeSections(body []byte) ([][]byte, error) {
	var sections [][]byte
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("rabbitmq: malformed batch payload: truncated section prefix")
		}
		n := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) < n {
			return nil, fmt.Errorf("rabbitmq: malformed batch payload: section of %d bytes exceeds remainder", n)
		}
		sections = append(sections, body[:n:n])
		body = body[n:]
	}
	return sections, nil
}

// translateDelivery converts one broker delivery into the messages it
// carries. A batched delivery expands into one message per section, all
// sharing the delivery tag through a group settler so the underlying
// transfer settles exactly once.
func translateDelivery(d amqp.Delivery, settler contracts.Settler, mode contracts.ReceiveMode) ([]*contracts.ReceivedMessage, error) {
	properties, annotations, batchCount := splitHeaders(d.Headers)

	if batchCount == 0 {
		msg := contracts.NewReceivedMessage(settler, d.DeliveryTag, mode)
		populateReceived(msg, d, properties, annotations, d.Body)
		return []*contracts.ReceivedMessage{msg}, nil
	}

	sections, err := decodeSections(d.Body)
	if err != nil {
		return nil, err
	}
	if len(sections) != batchCount {
		return nil, fmt.Errorf("rabbitmq: batch header claims %d sections, payload carries %d", batchCount, len(sections))
	}

	group := newGroupSettler(settler, d.DeliveryTag, len(sections))
	messages := make([]*contracts.ReceivedMessage, 0, len(sections))
	for _, section := range sections {
		msg := contracts.NewReceivedMessage(group, d.DeliveryTag, mode)
		populateReceived(msg, d, copyTable(properties), copyTable(annotations), section)
		messages = append(messages, msg)
	}
	return messages, nil
}

func populateReceived(msg *contracts.ReceivedMessage, d amqp.Delivery, properties, annotations map[string]any, body []byte) {
	msg.MessageID = d.MessageId
	msg.CorrelationID = d.CorrelationId
	msg.ContentType = d.ContentType
	msg.Subject = d.Type
	msg.LockToken = uuid.New().String()
	msg.Properties = properties
	msg.Annotations = annotations
	msg.Body = body
	msg.Redelivered = d.Redelivered
	msg.EnqueuedAt = d.Timestamp
}

// splitHeaders separates application properties from the reserved keys.
func splitHeaders(headers amqp.Table) (properties, annotations map[string]any, batchCount int) {
	for k, v := range headers {
		switch k {
		case annotationsHeader:
			switch t := v.(type) {
			case amqp.Table:
				annotations = map[string]any(t)
			case map[string]any:
				annotations = t
			}
		case batchCountHeader:
			batchCount = headerInt(v)
		default:
			if properties == nil {
				properties = make(map[string]any)
			}
			properties[k] = v
		}
	}
	return properties, annotations, batchCount
}

// headerInt reads an integral header value regardless of the width the
// field table decoder picked.
func headerInt(v any) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func copyTable(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Settlement outcomes ordered by severity. When the members of a batch
// disagree, the whole transfer takes the most demanding outcome: one
// abandon requeues everything, otherwise one dead letter rejects it.
const (
	outcomeComplete = iota
	outcomeDeadLetter
	outcomeAbandon
)

// groupSettler fans one delivery tag out to the members of an unbatched
// transfer. The broker settlement happens once, after every member has
// settled locally.
type groupSettler struct {
	inner contracts.Settler
	tag   uint64

	mu          sync.Mutex
	remaining   int
	outcome     int
	reason      string
	description string
}

func newGroupSettler(inner contracts.Settler, tag uint64, members int) *groupSettler {
	return &groupSettler{inner: inner, tag: tag, remaining: members}
}

func (g *groupSettler) SettleComplete(ctx context.Context, tag uint64) error {
	return g.settle(ctx, outcomeComplete, "", "")
}

func (g *groupSettler) SettleAbandon(ctx context.Context, tag uint64) error {
	return g.settle(ctx, outcomeAbandon, "", "")
}

func (g *groupSettler) SettleDeadLetter(ctx context.Context, tag uint64, reason, description string) error {
	return g.settle(ctx, outcomeDeadLetter, reason, description)
}

func (g *groupSettler) settle(ctx context.Context, outcome int, reason, description string) error {
	g.mu.Lock()
	if g.remaining <= 0 {
		g.mu.Unlock()
		return contracts.ErrAlreadySettled
	}
	g.remaining--
	if outcome > g.outcome {
		g.outcome = outcome
		g.reason = reason
		g.description = description
	}
	last := g.remaining == 0
	outcome = g.outcome
	reason = g.reason
	description = g.description
	g.mu.Unlock()

	if !last {
		return nil
	}

	switch outcome {
	case outcomeAbandon:
		return g.inner.SettleAbandon(ctx, g.tag)
	case outcomeDeadLetter:
		return g.inner.SettleDeadLetter(ctx, g.tag, reason, description)
	default:
		return g.inner.SettleComplete(ctx, g.tag)
	}
}
