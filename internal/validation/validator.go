package validation

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

const (
	defaultSchemaCacheSize     = 64
	defaultValidationCacheSize = 1024
)

// Result is the outcome of validating one message
type Result struct {
	Valid  bool
	Errors []string
}

// FirstError returns the first validation error, or empty when valid
func (r Result) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0]
}

// Validator validates messages against the schema store. Two LRU tiers sit
// in front of the walk: a schema cache keyed by message type and a
// validation cache keyed by the serialized message. Both tiers are safe for
// concurrent use.
type Validator struct {
	store           *SchemaStore
	schemaCache     *lru.Cache[string, *Schema]
	validationCache *lru.Cache[string, Result]
	logger          observability.Logger
	metrics         observability.MetricsClient
}

// NewValidator creates a validator over the given store
func NewValidator(store *SchemaStore, logger observability.Logger, metrics observability.MetricsClient) (*Validator, error) {
	schemaCache, err := lru.New[string, *Schema](defaultSchemaCacheSize)
	if err != nil {
		return nil, err
	}
	validationCache, err := lru.New[string, Result](defaultValidationCacheSize)
	if err != nil {
		return nil, err
	}
	return &Validator{
		store:           store,
		schemaCache:     schemaCache,
		validationCache: validationCache,
		logger:          logger,
		metrics:         metrics,
	}, nil
}

// Validate checks a message's data against its type's schema. Identical
// messages validate identically, so valid results are memoized.
func (v *Validator) Validate(msg *protocol.Message) Result {
	cacheKey := v.cacheKey(msg)
	if cacheKey != "" {
		if cached, ok := v.validationCache.Get(cacheKey); ok {
			v.metrics.IncrementCounter("validation.cache.hit", 1)
			return cached
		}
	}
	v.metrics.IncrementCounter("validation.cache.miss", 1)

	schema, ok := v.resolveSchema(msg.Type)
	if !ok {
		return Result{Valid: false, Errors: []string{"Unknown message type"}}
	}

	result := v.walk(schema, msg.Data)
	if result.Valid && cacheKey != "" {
		v.validationCache.Add(cacheKey, result)
	}
	return result
}

// resolveSchema hits the schema cache, falling back to the store on miss.
// A missing type field resolves like an unknown type.
func (v *Validator) resolveSchema(t protocol.MessageType) (*Schema, bool) {
	if t == "" {
		return nil, false
	}
	if schema, ok := v.schemaCache.Get(string(t)); ok {
		return schema, true
	}
	schema, ok := v.store.Get(t)
	if !ok {
		return nil, false
	}
	v.schemaCache.Add(string(t), schema)
	return schema, true
}

func (v *Validator) cacheKey(msg *protocol.Message) string {
	// Timestamp is excluded so retransmissions of the same payload hit
	key := struct {
		Type protocol.MessageType   `json:"type"`
		Data map[string]interface{} `json:"data"`
	}{msg.Type, msg.Data}
	raw, err := json.Marshal(key)
	if err != nil {
		return ""
	}
	return string(raw)
}

func (v *Validator) walk(schema *Schema, data map[string]interface{}) Result {
	var errs []string

	for _, field := range schema.Required {
		if _, ok := data[field]; !ok {
			errs = append(errs, fmt.Sprintf("Missing required field: %s", field))
		}
	}

	for name, prop := range schema.Properties {
		value, ok := data[name]
		if !ok {
			continue
		}
		errs = append(errs, checkProperty(name, prop, value)...)
	}

	// Unknown extra fields are allowed

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkProperty(name string, prop *PropertySchema, value interface{}) []string {
	var errs []string

	switch prop.Type {
	case PropertyString:
		s, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("Field %s must be a string", name)}
		}
		if len(prop.Enum) > 0 && !inEnum(s, prop.Enum) {
			errs = append(errs, fmt.Sprintf("Field %s must be one of %v", name, prop.Enum))
		}

	case PropertyArray:
		items, ok := value.([]interface{})
		if !ok {
			return []string{fmt.Sprintf("Field %s must be an array", name)}
		}
		// Items without a schema are accepted as-is
		if prop.Items != nil {
			for i, item := range items {
				errs = append(errs, checkProperty(fmt.Sprintf("%s[%d]", name, i), prop.Items, item)...)
			}
		}

	case PropertyObject:
		// Null inside an object-typed property fails
		obj, ok := value.(map[string]interface{})
		if !ok || value == nil {
			return []string{fmt.Sprintf("Field %s must be an object", name)}
		}
		for childName, childProp := range prop.Properties {
			childValue, present := obj[childName]
			if !present {
				continue
			}
			errs = append(errs, checkProperty(fmt.Sprintf("%s.%s", name, childName), childProp, childValue)...)
		}

	default:
		errs = append(errs, fmt.Sprintf("Field %s has unsupported schema type %q", name, prop.Type))
	}

	return errs
}

func inEnum(s string, enum []string) bool {
	for _, e := range enum {
		if s == e {
			return true
		}
	}
	return false
}
