package util

import (
	"strings"
	"testing"
)

func TestHashID(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		parts  []string
		want   string
	}{
		{"Empty", "", nil, "d41d8cd98f00b204e9800998ecf8427e"},
		{"Prefixed", "ent-", []string{""}, "ent-d41d8cd98f00b204e9800998ecf8427e"},
		{"Single", "", []string{"hello"}, "5d41402abc4b2a76b9719d911017c592"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashID(tt.prefix, tt.parts...); got != tt.want {
				t.Fatalf("HashID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHashID_PartBoundaries(t *testing.T) {
	if HashID("", "ab", "c") == HashID("", "a", "bc") {
		t.Fatal("expected different ids for different part boundaries")
	}
}

func TestArgsHash_Deterministic(t *testing.T) {
	a := ArgsHash("gpt", 1, []string{"x"})
	b := ArgsHash("gpt", 1, []string{"x"})
	if a != b {
		t.Fatalf("expected equal hashes, got %q and %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
}

func TestNewID(t *testing.T) {
	id := NewID()
	if len(id) != 21 {
		t.Fatalf("expected 21 chars, got %q", id)
	}
	if strings.ContainsAny(id, " ,") {
		t.Fatalf("unexpected characters in %q", id)
	}
	if id == NewID() {
		t.Fatal("expected distinct ids")
	}
}
