// Package pagination provides opaque cursor encoding for store queries.
//
// A cursor is the base64 (URL alphabet) of the JSON last-evaluated key
// {"pk": ..., "sk": ...} the store returned with a page. Clients treat
// it as opaque; anything that does not decode to that shape is rejected.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/kudupay/kudu/internal/store"
)

// ErrInvalidCursor marks a cursor that is not valid base64 or does not
// decode to a key object. Handlers map it to HTTP 400.
var ErrInvalidCursor = errors.New("invalid cursor")

// DefaultLimit and MaxLimit bound page sizes across list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Encode returns the opaque cursor for a last-evaluated key, or "" for
// a nil key (no further pages).
func Encode(key *store.Key) string {
	if key == nil {
		return ""
	}
	raw, _ := json.Marshal(key)
	return base64.URLEncoding.EncodeToString(raw)
}

// Decode parses an opaque cursor. Empty input returns (nil, nil).
func Decode(s string) (*store.Key, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var key store.Key
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, ErrInvalidCursor
	}
	if key.Pk == "" || key.Sk == "" {
		return nil, ErrInvalidCursor
	}
	return &key, nil
}

// ParseLimit reads a limit query parameter, clamped to [1, MaxLimit].
// Empty or malformed input falls back to DefaultLimit.
func ParseLimit(s string) int {
	if s == "" {
		return DefaultLimit
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return DefaultLimit
	}
	return ClampLimit(n)
}

// ClampLimit bounds an already-parsed limit to [1, MaxLimit], with
// non-positive values falling back to DefaultLimit.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}
