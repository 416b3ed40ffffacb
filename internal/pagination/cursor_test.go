package pagination

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/kudupay/kudu/internal/store"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := &store.Key{Pk: "STUDENT#s1", Sk: "SPEND#2026-01-01T00:00:00.000Z#tx1"}
	cursor := Encode(key)
	if cursor == "" {
		t.Fatal("expected non-empty cursor")
	}

	got, err := Decode(cursor)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Pk != key.Pk || got.Sk != key.Sk {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncodeNilKey(t *testing.T) {
	if Encode(nil) != "" {
		t.Fatal("nil key must encode to empty cursor")
	}
}

func TestDecodeEmpty(t *testing.T) {
	key, err := Decode("")
	if err != nil || key != nil {
		t.Fatalf("empty cursor should be (nil, nil), got (%v, %v)", key, err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := []string{
		"not base64 at all!!!",
		base64.URLEncoding.EncodeToString([]byte(`"just a string"`)),
		base64.URLEncoding.EncodeToString([]byte(`[1,2,3]`)),
		base64.URLEncoding.EncodeToString([]byte(`{"pk":"only-half"}`)),
		base64.URLEncoding.EncodeToString([]byte(`{}`)),
	}
	for _, c := range cases {
		if _, err := Decode(c); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("Decode(%q) = %v, want ErrInvalidCursor", c, err)
		}
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", DefaultLimit},
		{"abc", DefaultLimit},
		{"0", DefaultLimit},
		{"-5", DefaultLimit},
		{"25", 25},
		{"100000", MaxLimit},
	}
	for _, tc := range tests {
		if got := ParseLimit(tc.in); got != tc.want {
			t.Errorf("ParseLimit(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
