package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

func newTestValidator(t *testing.T) (*Validator, observability.MetricsClient) {
	t.Helper()
	metrics := observability.NewMetricsClient()
	v, err := NewValidator(NewSchemaStore(), observability.NewNoopLogger(), metrics)
	require.NoError(t, err)
	return v, metrics
}

func TestValidateAuthenticate(t *testing.T) {
	v, _ := newTestValidator(t)

	result := v.Validate(protocol.NewMessage(protocol.TypeAuthenticate, map[string]interface{}{
		"apiKey": "secret",
	}))
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidateMissingRequiredField(t *testing.T) {
	v, _ := newTestValidator(t)

	result := v.Validate(protocol.NewMessage(protocol.TypeConnect, map[string]interface{}{}))
	assert.False(t, result.Valid)
	assert.Contains(t, result.FirstError(), "deviceId")
}

func TestValidateWrongFieldType(t *testing.T) {
	v, _ := newTestValidator(t)

	result := v.Validate(protocol.NewMessage(protocol.TypeConnect, map[string]interface{}{
		"deviceId": 42,
	}))
	assert.False(t, result.Valid)
	assert.Contains(t, result.FirstError(), "deviceId")
}

func TestValidateUnknownType(t *testing.T) {
	v, _ := newTestValidator(t)

	result := v.Validate(&protocol.Message{Type: "BOGUS"})
	assert.False(t, result.Valid)
	assert.Equal(t, "Unknown message type", result.FirstError())
}

func TestValidateMissingType(t *testing.T) {
	v, _ := newTestValidator(t)

	result := v.Validate(&protocol.Message{})
	assert.False(t, result.Valid)
	assert.Equal(t, "Unknown message type", result.FirstError())
}

func TestValidateAllowsExtraFields(t *testing.T) {
	v, _ := newTestValidator(t)

	result := v.Validate(protocol.NewMessage(protocol.TypeConnect, map[string]interface{}{
		"deviceId": "AA:BB",
		"extra":    "ignored",
	}))
	assert.True(t, result.Valid)
}

func TestValidateIdempotent(t *testing.T) {
	v, _ := newTestValidator(t)
	msg := protocol.NewMessage(protocol.TypeConnect, map[string]interface{}{
		"deviceId": "AA:BB",
	})

	first := v.Validate(msg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, v.Validate(msg))
	}
}

func TestValidateCacheHitMetrics(t *testing.T) {
	v, metrics := newTestValidator(t)
	msg := protocol.NewMessage(protocol.TypeConnect, map[string]interface{}{
		"deviceId": "AA:BB",
	})

	v.Validate(msg)
	assert.Equal(t, float64(0), observability.CounterValue(metrics, "validation.cache.hit"))
	assert.Equal(t, float64(1), observability.CounterValue(metrics, "validation.cache.miss"))

	// Same payload with a different timestamp still hits
	retransmit := *msg
	retransmit.Timestamp = msg.Timestamp + 5
	v.Validate(&retransmit)
	assert.Equal(t, float64(1), observability.CounterValue(metrics, "validation.cache.hit"))
}

func TestValidateInvalidResultsNotMemoized(t *testing.T) {
	v, metrics := newTestValidator(t)
	msg := protocol.NewMessage(protocol.TypeConnect, map[string]interface{}{})

	v.Validate(msg)
	v.Validate(msg)
	assert.Equal(t, float64(0), observability.CounterValue(metrics, "validation.cache.hit"))
	assert.Equal(t, float64(2), observability.CounterValue(metrics, "validation.cache.miss"))
}

func TestCheckPropertyEnum(t *testing.T) {
	prop := &PropertySchema{Type: PropertyString, Enum: []string{"on", "off"}}
	assert.Empty(t, checkProperty("mode", prop, "on"))
	assert.NotEmpty(t, checkProperty("mode", prop, "auto"))
}

func TestCheckPropertyArray(t *testing.T) {
	// Array without an item schema accepts anything
	loose := &PropertySchema{Type: PropertyArray}
	assert.Empty(t, checkProperty("list", loose, []interface{}{"a", 1, nil}))

	typed := &PropertySchema{Type: PropertyArray, Items: &PropertySchema{Type: PropertyString}}
	assert.Empty(t, checkProperty("list", typed, []interface{}{"a", "b"}))
	assert.NotEmpty(t, checkProperty("list", typed, []interface{}{"a", 2}))
	assert.NotEmpty(t, checkProperty("list", typed, "not an array"))
}

func TestCheckPropertyObjectRejectsNull(t *testing.T) {
	prop := &PropertySchema{Type: PropertyObject}
	assert.NotEmpty(t, checkProperty("opts", prop, nil))
	assert.Empty(t, checkProperty("opts", prop, map[string]interface{}{"k": "v"}))
}
