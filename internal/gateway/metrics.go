package gateway

import (
	"sync/atomic"

	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// MetricsCollector aggregates connection and message counts for the server
// and forwards them to the metrics backend. Counters are atomics so pumps
// never contend on a lock to record traffic.
type MetricsCollector struct {
	client observability.MetricsClient

	activeConnections int64
	totalConnections  int64
	messagesReceived  int64
	messagesSent      int64
	errorCount        int64
}

// NewMetricsCollector wraps the metrics client
func NewMetricsCollector(client observability.MetricsClient) *MetricsCollector {
	return &MetricsCollector{client: client}
}

// ConnectionOpened records one accepted connection
func (m *MetricsCollector) ConnectionOpened() {
	active := atomic.AddInt64(&m.activeConnections, 1)
	atomic.AddInt64(&m.totalConnections, 1)
	m.client.IncrementCounter("gateway.connections_total", 1)
	m.client.RecordGauge("gateway.connections_active", float64(active), nil)
}

// ConnectionClosed records one closed connection
func (m *MetricsCollector) ConnectionClosed() {
	active := atomic.AddInt64(&m.activeConnections, -1)
	m.client.RecordGauge("gateway.connections_active", float64(active), nil)
}

// ConnectionRejected records an admission rejection before upgrade
func (m *MetricsCollector) ConnectionRejected(reason string) {
	m.client.IncrementCounterWithLabels("gateway.connections_rejected", 1, map[string]string{
		"reason": reason,
	})
}

// MessageReceived records one inbound frame
func (m *MetricsCollector) MessageReceived(t protocol.MessageType) {
	atomic.AddInt64(&m.messagesReceived, 1)
	m.client.IncrementCounterWithLabels("gateway.messages_received", 1, map[string]string{
		"type": string(t),
	})
}

// MessageSent records one outbound frame
func (m *MetricsCollector) MessageSent(t protocol.MessageType) {
	atomic.AddInt64(&m.messagesSent, 1)
	m.client.IncrementCounterWithLabels("gateway.messages_sent", 1, map[string]string{
		"type": string(t),
	})
}

// ErrorEmitted records one ERROR frame by code band
func (m *MetricsCollector) ErrorEmitted(code protocol.ErrorCode) {
	atomic.AddInt64(&m.errorCount, 1)
	m.client.IncrementCounterWithLabels("gateway.errors_emitted", 1, map[string]string{
		"code": string(code),
		"band": string(code.Band()),
	})
}

// ActiveConnections reports the current live connection count
func (m *MetricsCollector) ActiveConnections() int64 {
	return atomic.LoadInt64(&m.activeConnections)
}

// Snapshot returns the lifetime counters for health reporting
func (m *MetricsCollector) Snapshot() map[string]int64 {
	return map[string]int64{
		"active_connections": atomic.LoadInt64(&m.activeConnections),
		"total_connections":  atomic.LoadInt64(&m.totalConnections),
		"messages_received":  atomic.LoadInt64(&m.messagesReceived),
		"messages_sent":      atomic.LoadInt64(&m.messagesSent),
		"errors":             atomic.LoadInt64(&m.errorCount),
	}
}
