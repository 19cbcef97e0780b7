// Package validation enforces registration limits and strips unsafe
// structure from client-supplied metadata.
package validation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf8"
)

// Default limits.
const (
	DefaultMaxCapabilities     = 50
	DefaultMaxCapabilityLength = 100
	DefaultMaxMetadataBytes    = 10000
	DefaultMaxUserAgentLength  = 500
)

// Limits bounds a registration payload. Zero fields take the defaults.
type Limits struct {
	MaxCapabilities     int
	MaxCapabilityLength int
	MaxMetadataBytes    int
	MaxUserAgentLength  int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxCapabilities:     DefaultMaxCapabilities,
		MaxCapabilityLength: DefaultMaxCapabilityLength,
		MaxMetadataBytes:    DefaultMaxMetadataBytes,
		MaxUserAgentLength:  DefaultMaxUserAgentLength,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxCapabilities <= 0 {
		l.MaxCapabilities = d.MaxCapabilities
	}
	if l.MaxCapabilityLength <= 0 {
		l.MaxCapabilityLength = d.MaxCapabilityLength
	}
	if l.MaxMetadataBytes <= 0 {
		l.MaxMetadataBytes = d.MaxMetadataBytes
	}
	if l.MaxUserAgentLength <= 0 {
		l.MaxUserAgentLength = d.MaxUserAgentLength
	}
	return l
}

// Error describes why a registration field was rejected.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return "validation: " + e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// dangerousKeys can rewrite object prototypes in JavaScript consumers of
// re-broadcast metadata.
var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// IsDangerousKey reports whether k is one of the prototype-pollution keys.
func IsDangerousKey(k string) bool { return dangerousKeys[k] }

// ValidateRegistration checks capabilities, userAgent and metadata against
// limits. An empty userAgent and nil metadata are treated as absent.
func ValidateRegistration(capabilities []string, userAgent string, metadata map[string]any, limits Limits) error {
	limits = limits.withDefaults()

	if capabilities == nil {
		return invalid("capabilities", "must be an array")
	}
	if len(capabilities) > limits.MaxCapabilities {
		return invalid("capabilities", "too many capabilities: %d > %d", len(capabilities), limits.MaxCapabilities)
	}
	for i, c := range capabilities {
		if c == "" {
			return invalid("capabilities", "entry %d is empty", i)
		}
		if utf8.RuneCountInString(c) > limits.MaxCapabilityLength {
			return invalid("capabilities", "entry %d exceeds %d characters", i, limits.MaxCapabilityLength)
		}
	}

	if utf8.RuneCountInString(userAgent) > limits.MaxUserAgentLength {
		return invalid("userAgent", "exceeds %d characters", limits.MaxUserAgentLength)
	}

	if metadata != nil {
		for k := range metadata {
			if dangerousKeys[k] {
				return invalid("metadata", "forbidden key %q", k)
			}
		}
		data, err := json.Marshal(metadata)
		if err != nil {
			return invalid("metadata", "not serializable: %v", err)
		}
		if len(data) > limits.MaxMetadataBytes {
			return invalid("metadata", "serialized size %d exceeds %d bytes", len(data), limits.MaxMetadataBytes)
		}
	}
	return nil
}

// SanitizeMetadata returns a copy of m with dangerous keys removed at every
// depth, values that are not primitives, arrays or objects dropped, and
// arrays reduced to their primitive and null elements. It is idempotent.
func SanitizeMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if dangerousKeys[k] {
			continue
		}
		if clean, ok := sanitizeValue(v); ok {
			out[k] = clean
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	if isPrimitive(v) {
		return v, true
	}
	switch val := v.(type) {
	case map[string]any:
		return SanitizeMetadata(val), true
	case []any:
		return filterPrimitives(val), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return SanitizeMetadata(m), true
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return filterPrimitives(items), true
	}
	return nil, false
}

func filterPrimitives(items []any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if item == nil || isPrimitive(item) {
			out = append(out, item)
		}
	}
	return out
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	}
	return false
}
