package store

import (
	"encoding/json"
	"maps"
)

// Int reads an attribute as int64, tolerating the numeric shapes the two
// backends produce (int64 from MemoryStore, json.Number or float64 after
// a JSONB round trip). Missing or non-numeric attributes read as 0.
func Int(item Item, field string) int64 {
	switch v := item[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// Str reads an attribute as a string; missing or non-string reads as "".
func Str(item Item, field string) string {
	s, _ := item[field].(string)
	return s
}

// Bool reads an attribute as a bool; missing or non-bool reads as false.
func Bool(item Item, field string) bool {
	b, _ := item[field].(bool)
	return b
}

// List reads an attribute as a list; missing or non-list reads as nil.
func List(item Item, field string) []any {
	l, _ := item[field].([]any)
	return l
}

// Clone returns a shallow copy of item. Backends hand out clones so
// callers can mutate results freely.
func Clone(item Item) Item {
	if item == nil {
		return nil
	}
	cp := make(Item, len(item))
	maps.Copy(cp, item)
	return cp
}
