package utils

import (
	"testing"
	"time"
)

func TestTaskCursorRoundTrip(t *testing.T) {
	createdAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	enc, err := EncodeTaskCursor(createdAt, 42)
	if err != nil {
		t.Fatalf("EncodeTaskCursor error: %v", err)
	}

	dec, err := DecodeTaskCursor(enc)
	if err != nil {
		t.Fatalf("DecodeTaskCursor error: %v", err)
	}

	if !dec.CreatedAt.Equal(createdAt) || dec.ID != 42 {
		t.Fatalf("round trip mismatch: %+v", dec)
	}
}

func TestDecodeTaskCursor_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"empty", ""},
		{"not base64", "%%%"},
		{"not json", "bm90anNvbg"},
		{"zero id", "eyJjcmVhdGVkQXQiOiIyMDI0LTAxLTAxVDAwOjAwOjAwWiIsImlkIjowfQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeTaskCursor(tt.cursor); err == nil {
				t.Fatalf("expected error for %q", tt.cursor)
			}
		})
	}
}
