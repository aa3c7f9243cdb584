package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeur/mcp-ble-server/internal/config"
	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// frameSink collects delivered frames in order
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *frameSink) send(clientID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *frameSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *frameSink) batch(t *testing.T, i int) []*protocol.Message {
	t.Helper()
	f.mu.Lock()
	frame := f.frames[i]
	f.mu.Unlock()

	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeBatch, msg.Type)
	payload, err := protocol.DecodeBatchPayload(msg)
	require.NoError(t, err)
	messages, err := protocol.UnpackBatch(payload)
	require.NoError(t, err)
	return messages
}

func testBatchingConfig() config.BatchingConfig {
	cfg := config.Default().Batching
	cfg.Analytics.Enabled = false
	cfg.Compression.Enabled = false
	return cfg
}

func newTestBatcher(t *testing.T, cfg config.BatchingConfig, sink *frameSink) *Batcher {
	t.Helper()
	b := NewBatcher(cfg, sink.send, observability.NewNoopLogger(), observability.NewMetricsClient())
	t.Cleanup(b.Stop)
	return b
}

func TestTimedFlushCoalescesQueuedMessages(t *testing.T) {
	cfg := testBatchingConfig()
	cfg.BatchSize = 100
	cfg.Timeouts.Medium = 30 * time.Millisecond
	sink := &frameSink{}
	b := newTestBatcher(t, cfg, sink)

	for i := 0; i < 3; i++ {
		b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, map[string]interface{}{
			"id": i,
		}), protocol.PriorityMedium)
	}
	assert.Equal(t, 3, b.PendingCount("c1"))

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, time.Second, 5*time.Millisecond)

	messages := sink.batch(t, 0)
	require.Len(t, messages, 3)
	// FIFO within the priority
	assert.Equal(t, float64(0), messages[0].Data["id"])
	assert.Equal(t, float64(2), messages[2].Data["id"])
	assert.Equal(t, 0, b.PendingCount("c1"))
}

func TestImmediateFlushAtBatchSize(t *testing.T) {
	cfg := testBatchingConfig()
	cfg.BatchSize = 3
	cfg.Timeouts.Medium = time.Hour // only the size trigger can flush
	sink := &frameSink{}
	b := newTestBatcher(t, cfg, sink)

	for i := 0; i < 3; i++ {
		b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, nil), protocol.PriorityMedium)
	}

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.batch(t, 0), 3)
}

func TestPerPriorityQueuesFlushSeparately(t *testing.T) {
	cfg := testBatchingConfig()
	cfg.BatchSize = 100
	cfg.Timeouts.High = 20 * time.Millisecond
	cfg.Timeouts.Low = 60 * time.Millisecond
	sink := &frameSink{}
	b := newTestBatcher(t, cfg, sink)

	b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, map[string]interface{}{"p": "low"}), protocol.PriorityLow)
	b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, map[string]interface{}{"p": "high"}), protocol.PriorityHigh)

	require.Eventually(t, func() bool {
		return sink.count() == 2
	}, time.Second, 5*time.Millisecond)

	// The high queue's shorter timeout flushes first
	assert.Equal(t, "high", sink.batch(t, 0)[0].Data["p"])
	assert.Equal(t, "low", sink.batch(t, 1)[0].Data["p"])
}

func TestCriticalRemapsToMedium(t *testing.T) {
	cfg := testBatchingConfig()
	cfg.BatchSize = 100
	cfg.Timeouts.Medium = time.Hour
	sink := &frameSink{}
	b := newTestBatcher(t, cfg, sink)

	b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, nil), protocol.PriorityCritical)
	assert.Equal(t, 1, b.PendingCount("c1"))

	b.Flush("c1", protocol.PriorityMedium)
	assert.Equal(t, 1, sink.count())
}

func TestFlushEmptyQueueSendsNothing(t *testing.T) {
	sink := &frameSink{}
	b := newTestBatcher(t, testBatchingConfig(), sink)

	b.Flush("nobody", protocol.PriorityMedium)
	assert.Equal(t, 0, sink.count())
}

func TestCompressedFlushRoundTrip(t *testing.T) {
	cfg := testBatchingConfig()
	cfg.BatchSize = 100
	cfg.Timeouts.Medium = time.Hour
	cfg.Compression.Enabled = true
	cfg.Compression.MinSize = 64
	cfg.Compression.PriorityThresholds.Medium = 64
	sink := &frameSink{}
	b := newTestBatcher(t, cfg, sink)

	for i := 0; i < 20; i++ {
		b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, map[string]interface{}{
			"id":   "device-with-a-fairly-long-identifier",
			"name": "Sensor",
		}), protocol.PriorityMedium)
	}
	b.Flush("c1", protocol.PriorityMedium)

	require.Equal(t, 1, sink.count())
	msg, err := protocol.Decode(sink.frames[0])
	require.NoError(t, err)
	payload, err := protocol.DecodeBatchPayload(msg)
	require.NoError(t, err)
	assert.True(t, payload.Compressed)
	assert.Greater(t, payload.OriginalSize, payload.CompressedSize)

	messages, err := protocol.UnpackBatch(payload)
	require.NoError(t, err)
	assert.Len(t, messages, 20)
}

// gatedSink blocks its first delivery until released so a second flush for
// the same client can race it.
type gatedSink struct {
	frameSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSink) send(clientID string, frame []byte) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.frameSink.send(clientID, frame)
}

func TestConcurrentFlushesDeliverInEnqueueOrder(t *testing.T) {
	cfg := testBatchingConfig()
	cfg.BatchSize = 3
	cfg.Timeouts.Medium = 10 * time.Millisecond
	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	b := NewBatcher(cfg, sink.send, observability.NewNoopLogger(), observability.NewMetricsClient())
	t.Cleanup(b.Stop)

	b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, map[string]interface{}{
		"seq": 0,
	}), protocol.PriorityMedium)

	// Wait for the timer flush to reach delivery, then hold it there
	select {
	case <-sink.entered:
	case <-time.After(time.Second):
		t.Fatal("timer flush never reached the send path")
	}

	// A size-triggered flush for the same client now races the held delivery
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 3; i++ {
			b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, map[string]interface{}{
				"seq": i,
			}), protocol.PriorityMedium)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(sink.release)
	<-done

	require.Eventually(t, func() bool {
		return sink.count() >= 2
	}, time.Second, 5*time.Millisecond)

	// The batch carrying the first enqueued message must arrive first
	assert.Equal(t, float64(0), sink.batch(t, 0)[0].Data["seq"])
	assert.Equal(t, float64(1), sink.batch(t, 1)[0].Data["seq"])
}

func TestStopDropsResiduals(t *testing.T) {
	cfg := testBatchingConfig()
	cfg.BatchSize = 100
	cfg.Timeouts.Medium = time.Hour
	sink := &frameSink{}
	metrics := observability.NewMetricsClient()
	b := NewBatcher(cfg, sink.send, observability.NewNoopLogger(), metrics)

	b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, nil), protocol.PriorityMedium)
	b.AddMessage("c2", protocol.NewMessage(protocol.TypeDeviceFound, nil), protocol.PriorityLow)

	b.Stop()
	b.Stop() // idempotent

	assert.Equal(t, 0, sink.count())
	assert.Equal(t, float64(2), observability.CounterValue(metrics, "batcher.residuals_dropped"))

	// Messages after Stop are dropped
	b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, nil), protocol.PriorityMedium)
	assert.Equal(t, 0, b.PendingCount("c1"))
}

func TestRemoveClientDropsQueues(t *testing.T) {
	cfg := testBatchingConfig()
	cfg.BatchSize = 100
	cfg.Timeouts.Medium = time.Hour
	sink := &frameSink{}
	b := newTestBatcher(t, cfg, sink)

	b.AddMessage("c1", protocol.NewMessage(protocol.TypeDeviceFound, nil), protocol.PriorityMedium)
	b.RemoveClient("c1")

	assert.Equal(t, 0, b.PendingCount("c1"))
	assert.Equal(t, 0, sink.count())
}
