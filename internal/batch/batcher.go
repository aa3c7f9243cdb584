// Package batch implements per-client outbound message batching with
// priority queues, priority-specific flush timeouts, optional batch
// compression, and periodic analytics. A running load model recommends the
// effective batch size.
package batch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jbeur/mcp-ble-server/internal/config"
	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// SendFunc delivers one encoded frame to a client's socket
type SendFunc func(clientID string, frame []byte) error

// clientState holds the per-client queues. AddMessage and flush for the
// same client serialize against each other through the Batcher mutex;
// sendMu serializes extract+deliver so concurrent flushes for the same
// client cannot reorder batches on the wire.
type clientState struct {
	sendMu sync.Mutex

	queues    map[protocol.Priority][]*protocol.Message
	deadlines map[protocol.Priority]time.Time
	timers    map[protocol.Priority]*time.Timer
	bytes     map[protocol.Priority]int
}

func newClientState() *clientState {
	return &clientState{
		queues:    make(map[protocol.Priority][]*protocol.Message),
		deadlines: make(map[protocol.Priority]time.Time),
		timers:    make(map[protocol.Priority]*time.Timer),
		bytes:     make(map[protocol.Priority]int),
	}
}

// Batcher owns all per-client batching state and the analytics loop
type Batcher struct {
	cfg     config.BatchingConfig
	send    SendFunc
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	clients map[string]*clientState
	stopped bool

	predictor *Predictor
	analytics *Analytics

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBatcher creates a batcher that emits BATCH frames through send
func NewBatcher(cfg config.BatchingConfig, send SendFunc, logger observability.Logger, metrics observability.MetricsClient) *Batcher {
	b := &Batcher{
		cfg:       cfg,
		send:      send,
		logger:    logger,
		metrics:   metrics,
		clients:   make(map[string]*clientState),
		predictor: NewPredictor(cfg.BatchSize),
		stopCh:    make(chan struct{}),
	}
	b.analytics = NewAnalytics(cfg.Analytics, logger, metrics, b.stopCh)
	return b
}

// AddMessage queues a message for the client at the given priority. A flush
// timer for that priority starts on first enqueue; the queue flushes
// immediately at the model-recommended batch size.
func (b *Batcher) AddMessage(clientID string, msg *protocol.Message, priority protocol.Priority) {
	if !priority.Known() || priority == protocol.PriorityCritical {
		priority = protocol.PriorityMedium
	}

	now := time.Now()
	b.predictor.ObserveEnqueue(now)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.logger.Warn("Batcher stopped, dropping message", map[string]interface{}{
			"client_id": clientID,
			"type":      string(msg.Type),
		})
		return
	}

	state, ok := b.clients[clientID]
	if !ok {
		state = newClientState()
		b.clients[clientID] = state
	}

	state.queues[priority] = append(state.queues[priority], msg)
	state.bytes[priority] += approxSize(msg)

	threshold := b.predictor.RecommendBatchSize()
	if len(state.queues[priority]) >= threshold {
		b.mu.Unlock()
		b.Flush(clientID, priority)
		return
	}

	if state.timers[priority] == nil {
		delay := b.timeoutFor(priority)
		state.deadlines[priority] = now.Add(delay)
		state.timers[priority] = time.AfterFunc(delay, func() {
			b.flushTick(clientID, priority)
		})
	}
	b.mu.Unlock()
}

// flushTick fires when a priority's flush timer expires. Priorities whose
// deadlines collide on the same tick drain in high, medium, low order.
func (b *Batcher) flushTick(clientID string, fired protocol.Priority) {
	now := time.Now()

	b.mu.Lock()
	state, ok := b.clients[clientID]
	if !ok || b.stopped {
		b.mu.Unlock()
		return
	}

	var due []protocol.Priority
	for _, p := range protocol.BatchPriorities {
		if p == fired {
			due = append(due, p)
			continue
		}
		if len(state.queues[p]) > 0 && !state.deadlines[p].IsZero() && !state.deadlines[p].After(now) {
			due = append(due, p)
		}
	}
	b.mu.Unlock()

	for _, p := range due {
		b.Flush(clientID, p)
	}
}

// Flush emits all queued messages for (client, priority) as one BATCH
// frame. The client's sendMu is held across extraction and delivery so a
// timer flush and a size flush cannot deliver out of enqueue order.
func (b *Batcher) Flush(clientID string, priority protocol.Priority) {
	start := time.Now()

	b.mu.Lock()
	state, ok := b.clients[clientID]
	b.mu.Unlock()
	if !ok {
		return
	}

	state.sendMu.Lock()
	defer state.sendMu.Unlock()

	b.mu.Lock()
	// The client may have been removed and re-added while waiting on sendMu
	if b.clients[clientID] != state {
		b.mu.Unlock()
		return
	}
	messages := state.queues[priority]
	queuedBytes := state.bytes[priority]
	state.queues[priority] = nil
	state.bytes[priority] = 0
	state.deadlines[priority] = time.Time{}
	if timer := state.timers[priority]; timer != nil {
		timer.Stop()
		state.timers[priority] = nil
	}
	b.mu.Unlock()

	if len(messages) == 0 {
		return
	}

	// Serialization and compression happen outside the lock
	payload, err := b.buildPayload(messages, queuedBytes, priority)
	if err != nil {
		b.logger.Error("Failed to build batch payload", map[string]interface{}{
			"client_id": clientID,
			"priority":  string(priority),
			"error":     err.Error(),
		})
		return
	}

	frame, err := encodeBatchFrame(payload)
	if err != nil {
		b.logger.Error("Failed to encode batch frame", map[string]interface{}{
			"client_id": clientID,
			"error":     err.Error(),
		})
		return
	}

	if err := b.send(clientID, frame); err != nil {
		b.logger.Warn("Failed to deliver batch", map[string]interface{}{
			"client_id": clientID,
			"priority":  string(priority),
			"count":     len(messages),
			"error":     err.Error(),
		})
		return
	}

	latency := time.Since(start)
	b.predictor.ObserveFlush(latency)
	b.analytics.RecordFlush(priority, len(messages), latency, payload)
	b.metrics.IncrementCounterWithLabels("batcher.flushes", 1, map[string]string{
		"priority": string(priority),
	})
	b.metrics.RecordHistogram("batcher.batch_size", float64(len(messages)), nil)
}

// RemoveClient drops a client's queues and timers, counting residuals
func (b *Batcher) RemoveClient(clientID string) {
	b.mu.Lock()
	state, ok := b.clients[clientID]
	if ok {
		delete(b.clients, clientID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	dropped := drainState(state)
	if dropped > 0 {
		b.logger.Debug("Dropped queued messages for disconnected client", map[string]interface{}{
			"client_id": clientID,
			"dropped":   dropped,
		})
	}
}

// Stop cancels all timers and drops residual queues with a logged count.
// Idempotent.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	clients := b.clients
	b.clients = make(map[string]*clientState)
	b.mu.Unlock()

	dropped := 0
	for _, state := range clients {
		dropped += drainState(state)
	}
	if dropped > 0 {
		b.logger.Info("Batcher stopped, residual messages dropped", map[string]interface{}{
			"dropped": dropped,
		})
	}
	b.metrics.IncrementCounter("batcher.residuals_dropped", float64(dropped))
}

// PendingCount reports queued messages for a client across priorities
func (b *Batcher) PendingCount(clientID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.clients[clientID]
	if !ok {
		return 0
	}
	total := 0
	for _, queue := range state.queues {
		total += len(queue)
	}
	return total
}

func (b *Batcher) buildPayload(messages []*protocol.Message, queuedBytes int, priority protocol.Priority) (*protocol.BatchPayload, error) {
	compress := b.cfg.Compression.Enabled &&
		queuedBytes >= b.thresholdFor(priority) &&
		queuedBytes >= b.cfg.Compression.MinSize
	if !compress {
		return &protocol.BatchPayload{Messages: messages}, nil
	}

	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	alg := protocol.Algorithm(b.cfg.Compression.Algorithm)
	if alg == "" {
		alg = protocol.AlgorithmGzip
	}
	blob, err := protocol.Compress(raw, b.cfg.Compression.Level, alg)
	if err != nil {
		return nil, err
	}
	return &protocol.BatchPayload{
		Data:           blob,
		Compressed:     true,
		Algorithm:      alg,
		OriginalSize:   len(raw),
		CompressedSize: len(blob),
	}, nil
}

func (b *Batcher) timeoutFor(priority protocol.Priority) time.Duration {
	var d time.Duration
	switch priority {
	case protocol.PriorityHigh:
		d = b.cfg.Timeouts.High
	case protocol.PriorityMedium:
		d = b.cfg.Timeouts.Medium
	case protocol.PriorityLow:
		d = b.cfg.Timeouts.Low
	}
	if d <= 0 {
		d = b.cfg.BatchTimeout
	}
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	return d
}

func (b *Batcher) thresholdFor(priority protocol.Priority) int {
	switch priority {
	case protocol.PriorityHigh:
		return b.cfg.Compression.PriorityThresholds.High
	case protocol.PriorityMedium:
		return b.cfg.Compression.PriorityThresholds.Medium
	default:
		return b.cfg.Compression.PriorityThresholds.Low
	}
}

func drainState(state *clientState) int {
	dropped := 0
	for p, timer := range state.timers {
		if timer != nil {
			timer.Stop()
		}
		state.timers[p] = nil
	}
	for p, queue := range state.queues {
		dropped += len(queue)
		state.queues[p] = nil
	}
	return dropped
}

func encodeBatchFrame(payload *protocol.BatchPayload) ([]byte, error) {
	msg, err := protocol.NewBatchMessage(payload)
	if err != nil {
		return nil, err
	}
	return msg.Encode()
}

func approxSize(msg *protocol.Message) int {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	return len(raw)
}
