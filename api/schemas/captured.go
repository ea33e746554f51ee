package schemas

import (
	"bytes"
	"encoding/json"
)

// Captured holds a best-effort datum: either the captured Value, or a
// Placeholder string explaining why it could not be captured. It marshals to
// the value itself, or to the placeholder string.
type Captured[T any] struct {
	Value       T
	Placeholder string
}

// Got wraps a successfully captured value.
func Got[T any](v T) Captured[T] {
	return Captured[T]{Value: v}
}

// Missing returns a Captured carrying only a placeholder.
func Missing[T any](placeholder string) Captured[T] {
	return Captured[T]{Placeholder: placeholder}
}

// OK reports whether the value was captured.
func (c Captured[T]) OK() bool {
	return c.Placeholder == ""
}

func (c Captured[T]) MarshalJSON() ([]byte, error) {
	if c.Placeholder != "" {
		return json.Marshal(c.Placeholder)
	}
	return json.Marshal(c.Value)
}

func (c *Captured[T]) UnmarshalJSON(data []byte) error {
	// A JSON string decodes as the value when T is itself a string, and as a
	// placeholder otherwise.
	var zero T
	if _, isString := any(zero).(string); !isString && len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Captured[T]{Placeholder: s}
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*c = Captured[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = Captured[T]{Value: v}
	return nil
}
