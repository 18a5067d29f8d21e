package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/buslink-go/contracts"
)

func TestBasicMetricsCollector(t *testing.T) {
	t.Run("counts sends receives and settlements", func(t *testing.T) {
		c := NewBasicMetricsCollector()

		c.RecordSend("orders", 10*time.Millisecond, true)
		c.RecordSend("orders", 30*time.Millisecond, true)
		c.RecordSend("orders", 5*time.Millisecond, false)
		c.RecordReceive("orders")
		c.RecordSettlement("orders", contracts.DispositionAccepted)
		c.RecordError("sender", "send")

		stats := c.GetStats()
		assert.Equal(t, int64(2), stats.MessagesSent)
		assert.Equal(t, int64(1), stats.SendFailures)
		assert.Equal(t, int64(1), stats.MessagesReceived)
		assert.Equal(t, int64(1), stats.Settlements)
		assert.Equal(t, int64(1), stats.ErrorCount)
		assert.Equal(t, 20*time.Millisecond, stats.AverageSendTime)
	})

	t.Run("sender feeds the collector", func(t *testing.T) {
		ctx := context.Background()
		collector := NewBasicMetricsCollector()
		engine := newFakeEngine()
		sender := newTestSender(engine, WithSenderMetrics(collector))
		defer sender.Close(ctx)

		err := sender.Send(ctx, &contracts.Message{Body: "measured"})
		assert.NoError(t, err)
		assert.Equal(t, int64(1), collector.GetStats().MessagesSent)
	})
}
