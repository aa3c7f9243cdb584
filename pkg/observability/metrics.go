package observability

import (
	"sync"
	"time"
)

// metricsClient is the default in-process metrics implementation. It keeps
// last-written values so tests and the health endpoint can inspect them.
type metricsClient struct {
	enabled bool
	labels  map[string]string

	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// MetricsOptions contains configuration options for creating a metrics client
type MetricsOptions struct {
	Enabled bool
	Labels  map[string]string
}

// NewMetricsClient creates a new metrics client with default options
func NewMetricsClient() MetricsClient {
	return NewMetricsClientWithOptions(MetricsOptions{
		Enabled: true,
		Labels:  map[string]string{},
	})
}

// NewMetricsClientWithOptions creates a new metrics client with specific options
func NewMetricsClientWithOptions(options MetricsOptions) MetricsClient {
	return &metricsClient{
		enabled:    options.Enabled,
		labels:     options.Labels,
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// RecordCounter increments a counter metric
func (m *metricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

// RecordGauge records a gauge metric
func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordHistogram records a histogram observation
func (m *metricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obs := append(m.histograms[name], value)
	if len(obs) > 1000 {
		obs = obs[1:]
	}
	m.histograms[name] = obs
}

// RecordTimer records a duration as a histogram observation in seconds
func (m *metricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

// IncrementCounter increments a counter metric by a given value
func (m *metricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, m.labels)
}

// IncrementCounterWithLabels increments a counter metric with custom labels
func (m *metricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	effectiveLabels := m.labels
	if labels != nil {
		effectiveLabels = labels
	}
	m.RecordCounter(name, value, effectiveLabels)
}

// RecordDuration records a duration metric
func (m *metricsClient) RecordDuration(name string, duration time.Duration) {
	m.RecordHistogram(name, duration.Seconds(), m.labels)
}

// CounterValue returns the accumulated value of a counter. Test helper.
func CounterValue(c MetricsClient, name string) float64 {
	mc, ok := c.(*metricsClient)
	if !ok {
		return 0
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.counters[name]
}

// Close releases any resources held by the client
func (m *metricsClient) Close() error {
	return nil
}

// NoopMetricsClient is a metrics client that does nothing
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

// RecordCounter implements MetricsClient
func (n *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

// RecordGauge implements MetricsClient
func (n *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordHistogram implements MetricsClient
func (n *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

// RecordTimer implements MetricsClient
func (n *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}

// IncrementCounter implements MetricsClient
func (n *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// IncrementCounterWithLabels implements MetricsClient
func (n *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordDuration implements MetricsClient
func (n *NoopMetricsClient) RecordDuration(name string, duration time.Duration) {}

// Close implements MetricsClient
func (n *NoopMetricsClient) Close() error { return nil }
