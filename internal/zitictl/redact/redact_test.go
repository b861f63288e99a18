package redact_test

import (
	"testing"

	"github.com/openziti/edge-client-go/internal/zitictl/redact"
)

func TestStringRedactsSensitiveValues(t *testing.T) {
	token := "super-secret-token-12345"
	line := "zt-session: " + token + " (some log)"
	got := redact.String(line, token)
	want := "zt-session: [REDACTED] (some log)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestStringSkipsShortValues(t *testing.T) {
	line := "abc token"
	got := redact.String(line, "abc")
	if got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestStringMultipleValues(t *testing.T) {
	session := "tok-abc-123"
	instance := "inst-xyz-987"
	line := "session=tok-abc-123 instance=inst-xyz-987 end"
	got := redact.String(line, session, instance)
	want := "session=[REDACTED] instance=[REDACTED] end"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestHeaderRedactsKnownSensitiveHeaderRegardlessOfValue(t *testing.T) {
	if got := redact.Header("zt-session", "anything"); got != "[REDACTED]" {
		t.Fatalf("expected zt-session value redacted, got %q", got)
	}
	if got := redact.Header("Authorization", "Bearer x"); got != "[REDACTED]" {
		t.Fatalf("expected Authorization value redacted, got %q", got)
	}
}

func TestHeaderPassesThroughUnknownHeaders(t *testing.T) {
	if got := redact.Header("Content-Type", "application/json"); got != "application/json" {
		t.Fatalf("expected unrelated header unchanged, got %q", got)
	}
}
