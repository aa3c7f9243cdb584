package observability

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, LogLevelError, ParseLogLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("unknown"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel(""))
}

func TestLoggerLevelFiltering(t *testing.T) {
	buf := captureLog(t)
	logger := NewStandardLoggerWithLevel("test", LogLevelWarn)

	logger.Debug("debug msg", nil)
	logger.Info("info msg", nil)
	assert.Empty(t, buf.String())

	logger.Warn("warn msg", nil)
	assert.Contains(t, buf.String(), "warn msg")
}

func TestLoggerFieldsSortedAndStable(t *testing.T) {
	buf := captureLog(t)
	logger := NewStandardLogger("test")

	logger.Info("message", map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
	})
	out := buf.String()
	assert.Contains(t, out, "alpha=2 zebra=1")
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[test]")
}

func TestLoggerWithFields(t *testing.T) {
	buf := captureLog(t)
	logger := NewStandardLogger("test").With(map[string]interface{}{
		"component": "cache",
	})

	logger.Info("message", map[string]interface{}{"key": "k1"})
	out := buf.String()
	assert.Contains(t, out, "component=cache")
	assert.Contains(t, out, "key=k1")
}

func TestLoggerWithPrefix(t *testing.T) {
	buf := captureLog(t)
	logger := NewStandardLogger("outer").WithPrefix("inner")

	logger.Info("message", nil)
	assert.Contains(t, buf.String(), "[inner]")
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetricsClient()

	m.IncrementCounter("requests", 1)
	m.IncrementCounter("requests", 2)
	m.IncrementCounterWithLabels("requests.labeled", 1, map[string]string{"k": "v"})

	assert.Equal(t, float64(3), CounterValue(m, "requests"))
	assert.Equal(t, float64(1), CounterValue(m, "requests.labeled"))
	assert.Equal(t, float64(0), CounterValue(m, "missing"))
}

func TestDisabledMetricsRecordNothing(t *testing.T) {
	m := NewMetricsClientWithOptions(MetricsOptions{Enabled: false})

	m.IncrementCounter("requests", 1)
	assert.Equal(t, float64(0), CounterValue(m, "requests"))
}
