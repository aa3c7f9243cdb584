// Package validation provides schema-based validation of inbound protocol
// messages with a two-tier LRU cache in front of the schema walk.
package validation

import (
	"github.com/jbeur/mcp-ble-server/internal/protocol"
)

// PropertyType names the kinds a property schema can take
type PropertyType string

// Property kinds
const (
	PropertyString PropertyType = "string"
	PropertyArray  PropertyType = "array"
	PropertyObject PropertyType = "object"
)

// PropertySchema describes one property of a message's data object
type PropertySchema struct {
	Type       PropertyType
	Enum       []string
	Items      *PropertySchema
	Properties map[string]*PropertySchema
}

// Schema describes the data object for one message type
type Schema struct {
	Type       string
	Required   []string
	Properties map[string]*PropertySchema
}

// SchemaStore is the authoritative in-memory schema registry. Schemas are
// registered at init and never mutated afterwards, so lookups are lock-free.
type SchemaStore struct {
	schemas map[protocol.MessageType]*Schema
}

// NewSchemaStore creates a store pre-registered with the gateway's inbound
// message schemas.
func NewSchemaStore() *SchemaStore {
	return &SchemaStore{schemas: defaultSchemas()}
}

// Get returns the schema for a message type
func (s *SchemaStore) Get(t protocol.MessageType) (*Schema, bool) {
	schema, ok := s.schemas[t]
	return schema, ok
}

// Register adds or replaces a schema. Intended for init-time wiring and tests.
func (s *SchemaStore) Register(t protocol.MessageType, schema *Schema) {
	s.schemas[t] = schema
}

func defaultSchemas() map[protocol.MessageType]*Schema {
	return map[protocol.MessageType]*Schema{
		protocol.TypeAuthenticate: {
			Type:     "object",
			Required: []string{"apiKey"},
			Properties: map[string]*PropertySchema{
				"apiKey": {Type: PropertyString},
			},
		},
		protocol.TypeSessionValid: {
			Type:     "object",
			Required: []string{"token"},
			Properties: map[string]*PropertySchema{
				"token": {Type: PropertyString},
			},
		},
		protocol.TypeLogout: {
			Type: "object",
		},
		protocol.TypeStartScan: {
			Type: "object",
			Properties: map[string]*PropertySchema{
				"serviceUuids": {
					Type:  PropertyArray,
					Items: &PropertySchema{Type: PropertyString},
				},
				"options": {
					Type: PropertyObject,
					Properties: map[string]*PropertySchema{
						"mode": {Type: PropertyString, Enum: []string{"active", "passive"}},
					},
				},
			},
		},
		protocol.TypeStopScan: {
			Type: "object",
		},
		protocol.TypeConnect: {
			Type:     "object",
			Required: []string{"deviceId"},
			Properties: map[string]*PropertySchema{
				"deviceId": {Type: PropertyString},
			},
		},
		protocol.TypeDisconnect: {
			Type:     "object",
			Required: []string{"deviceId"},
			Properties: map[string]*PropertySchema{
				"deviceId": {Type: PropertyString},
			},
		},
		protocol.TypeCharacteristicRead: {
			Type:     "object",
			Required: []string{"deviceId", "serviceUuid", "characteristicUuid"},
			Properties: map[string]*PropertySchema{
				"deviceId":           {Type: PropertyString},
				"serviceUuid":        {Type: PropertyString},
				"characteristicUuid": {Type: PropertyString},
			},
		},
		protocol.TypeCharacteristicWrite: {
			Type:     "object",
			Required: []string{"deviceId", "serviceUuid", "characteristicUuid", "value"},
			Properties: map[string]*PropertySchema{
				"deviceId":           {Type: PropertyString},
				"serviceUuid":        {Type: PropertyString},
				"characteristicUuid": {Type: PropertyString},
				"value":              {Type: PropertyString},
			},
		},
	}
}
