package api

import (
	"fmt"
	"strconv"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxPayloadFields int
	MaxQueryLimit    int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxPayloadFields: 256,
		MaxQueryLimit:    1000,
	}
}

// ValidateID checks a record identifier supplied by a caller.
func ValidateID(id string) *APIError {
	if id == "" {
		return NewInvalidRequestError("id", "id is required")
	}
	if !ValidateRecordID(id) {
		return NewInvalidRequestError("id", "invalid id format")
	}
	return nil
}

// ValidatePayload checks a create/update/patch payload.
func ValidatePayload(data Record, cfg ValidationConfig) *APIError {
	if data == nil {
		return NewInvalidRequestError("data", "data is required")
	}
	if cfg.MaxPayloadFields > 0 && len(data) > cfg.MaxPayloadFields {
		return NewInvalidRequestError("data",
			fmt.Sprintf("data exceeds maximum of %d fields", cfg.MaxPayloadFields))
	}
	return nil
}

// ValidateQuery checks the reserved keys of a find query.
func ValidateQuery(q Query, cfg ValidationConfig) *APIError {
	for _, key := range []string{QueryLimit, QuerySkip} {
		v, ok := q[key]
		if !ok {
			continue
		}
		n, ok := ToInt(v)
		if !ok || n < 0 {
			return NewInvalidRequestError(key, key+" must be a non-negative integer")
		}
		if key == QueryLimit && cfg.MaxQueryLimit > 0 && n > cfg.MaxQueryLimit {
			return NewInvalidRequestError(key,
				fmt.Sprintf("%s exceeds maximum of %d", key, cfg.MaxQueryLimit))
		}
	}
	if v, ok := q[QuerySort]; ok {
		if _, ok := v.(map[string]any); !ok {
			return NewInvalidRequestError(QuerySort, "$sort must be an object of field directions")
		}
	}
	return nil
}

// ToInt converts JSON numbers and numeric strings to int.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
