package messaging

import (
	"sync/atomic"
	"time"

	"github.com/glimte/buslink-go/contracts"
)

// MetricsCollector receives counters from senders and receivers. A single
// collector instance is shared by every entity of a client.
type MetricsCollector interface {
	// RecordSend records one send attempt and its outcome.
	RecordSend(entity string, duration time.Duration, success bool)

	// RecordReceive records one delivered message.
	RecordReceive(entity string)

	// RecordSettlement records a settlement issued for a received message.
	RecordSettlement(entity string, disposition contracts.Disposition)

	// RecordError records an error by component.
	RecordError(component string, errorType string)

	// GetStats returns current stats
	GetStats() MetricsStats
}

// MetricsStats contains client-wide counters.
type MetricsStats struct {
	MessagesSent     int64
	SendFailures     int64
	MessagesReceived int64
	Settlements      int64
	ErrorCount       int64
	AverageSendTime  time.Duration
}

// NoOpMetricsCollector discards all metrics. It is the default collector.
type NoOpMetricsCollector struct{}

// RecordSend does nothing
func (NoOpMetricsCollector) RecordSend(entity string, duration time.Duration, success bool) {}

// RecordReceive does nothing
func (NoOpMetricsCollector) RecordReceive(entity string) {}

// RecordSettlement does nothing
func (NoOpMetricsCollector) RecordSettlement(entity string, disposition contracts.Disposition) {}

// RecordError does nothing
func (NoOpMetricsCollector) RecordError(component string, errorType string) {}

// GetStats returns empty stats
func (NoOpMetricsCollector) GetStats() MetricsStats { return MetricsStats{} }

// BasicMetricsCollector counts with atomics. Suitable for tests and for
// applications that poll stats periodically.
type BasicMetricsCollector struct {
	sent          atomic.Int64
	sendFailures  atomic.Int64
	received      atomic.Int64
	settlements   atomic.Int64
	errorCount    atomic.Int64
	totalSendTime atomic.Int64
}

// NewBasicMetricsCollector creates a new basic metrics collector
func NewBasicMetricsCollector() *BasicMetricsCollector {
	return &BasicMetricsCollector{}
}

// RecordSend implements MetricsCollector
func (c *BasicMetricsCollector) RecordSend(entity string, duration time.Duration, success bool) {
	if success {
		c.sent.Add(1)
		c.totalSendTime.Add(duration.Nanoseconds())
	} else {
		c.sendFailures.Add(1)
	}
}

// RecordReceive implements MetricsCollector
func (c *BasicMetricsCollector) RecordReceive(entity string) {
	c.received.Add(1)
}

// RecordSettlement implements MetricsCollector
func (c *BasicMetricsCollector) RecordSettlement(entity string, disposition contracts.Disposition) {
	c.settlements.Add(1)
}

// RecordError implements MetricsCollector
func (c *BasicMetricsCollector) RecordError(component string, errorType string) {
	c.errorCount.Add(1)
}

// GetStats implements MetricsCollector
func (c *BasicMetricsCollector) GetStats() MetricsStats {
	sent := c.sent.Load()
	var avg time.Duration
	if sent > 0 {
		avg = time.Duration(c.totalSendTime.Load() / sent)
	}
	return MetricsStats{
		MessagesSent:     sent,
		SendFailures:     c.sendFailures.Load(),
		MessagesReceived: c.received.Load(),
		Settlements:      c.settlements.Load(),
		ErrorCount:       c.errorCount.Load(),
		AverageSendTime:  avg,
	}
}
