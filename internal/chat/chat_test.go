package chat

import (
	"strings"
	"testing"
	"time"
)

func TestLimiterBurstThenRefill(t *testing.T) {
	l := NewLimiter(1, 2)
	now := time.Unix(1700000000, 0)

	if !l.Allow("ann", now) || !l.Allow("ann", now) {
		t.Fatalf("burst of two should be allowed")
	}
	if l.Allow("ann", now) {
		t.Fatalf("third line in the same instant should be limited")
	}
	if !l.Allow("bob", now) {
		t.Fatalf("limits are per sender")
	}
	if !l.Allow("ann", now.Add(time.Second)) {
		t.Fatalf("one token should refill after a second")
	}

	l.Forget("ann")
	if !l.Allow("ann", now.Add(time.Second)) || !l.Allow("ann", now.Add(time.Second)) {
		t.Fatalf("forgotten sender should start with a full burst")
	}
}

func TestParseRecipient(t *testing.T) {
	cases := []struct {
		line      string
		recipient string
		text      string
	}{
		{line: "hello all", recipient: "", text: "hello all"},
		{line: "@bob  psst ", recipient: "bob", text: "psst"},
		{line: "@bob", recipient: "", text: "@bob"},
		{line: "@ nobody", recipient: "", text: "@ nobody"},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			recipient, text := ParseRecipient(tc.line)
			if recipient != tc.recipient || text != tc.text {
				t.Fatalf("ParseRecipient(%q) = %q, %q", tc.line, recipient, text)
			}
		})
	}
}

func TestSanitizeCutsOnRuneBoundary(t *testing.T) {
	line := strings.Repeat("a", MaxLength-1) + "é"
	got := Sanitize(line)
	if len(got) != MaxLength-1 {
		t.Fatalf("expected the split rune to be dropped, got length %d", len(got))
	}
}
