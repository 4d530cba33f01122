package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMessages(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"ErrInvalidArgument", ErrInvalidArgument, "invalid argument"},
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrConflict", ErrConflict, "conflict"},
		{"ErrUnauthorized", ErrUnauthorized, "unauthorized"},
		{"ErrForbidden", ErrForbidden, "forbidden"},
		{"ErrRateLimited", ErrRateLimited, "rate limited"},
		{"ErrQuotaExceeded", ErrQuotaExceeded, "quota exceeded"},
		{"ErrInternal", ErrInternal, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, tt.err.Error())
			}
		})
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("op=job.get: %w", ErrNotFound)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("wrapped error lost its sentinel")
	}
	if errors.Is(wrapped, ErrConflict) {
		t.Fatalf("wrapped error matched the wrong sentinel")
	}
}

func TestKnownKind(t *testing.T) {
	for _, k := range []JobKind{KindFetchFollowings, KindAnalyzeProfile, KindSendMessage} {
		if !KnownKind(k) {
			t.Errorf("KnownKind(%q) = false, want true", k)
		}
	}
	for _, k := range []JobKind{KindPoisonPill, JobKind("bogus"), JobKind("")} {
		if KnownKind(k) {
			t.Errorf("KnownKind(%q) = true, want false", k)
		}
	}
}

func TestBuildTaskID(t *testing.T) {
	got := BuildTaskID("j1", KindAnalyzeProfile, "alice")
	if got != "j1:analyze_profile:alice" {
		t.Fatalf("BuildTaskID = %q", got)
	}
}

func TestAnalyzeJobID(t *testing.T) {
	if got := AnalyzeJobID("f1"); got != "analyze:f1" {
		t.Fatalf("AnalyzeJobID = %q", got)
	}
}

func TestResultEnvelopeHeartbeat(t *testing.T) {
	hb := ResultEnvelope{OK: true, Result: map[string]any{"type": "heartbeat"}}
	if !hb.IsHeartbeat() {
		t.Fatalf("heartbeat not detected")
	}
	for _, r := range []ResultEnvelope{
		{OK: true},
		{OK: true, Result: map[string]any{"type": "other"}},
		{OK: true, Result: map[string]any{"followings": []string{"u1"}}},
	} {
		if r.IsHeartbeat() {
			t.Fatalf("false heartbeat: %+v", r)
		}
	}
}

func TestResultEnvelopeRetryable(t *testing.T) {
	tests := []struct {
		name string
		res  ResultEnvelope
		want bool
	}{
		{"retryable failure", ResultEnvelope{Result: map[string]any{"retryable": true}}, true},
		{"ok result never retries", ResultEnvelope{OK: true, Result: map[string]any{"retryable": true}}, false},
		{"plain failure", ResultEnvelope{Error: "boom"}, false},
		{"non-bool flag", ResultEnvelope{Result: map[string]any{"retryable": "yes"}}, false},
		{"nil result", ResultEnvelope{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryableSurvivesJSONTransport(t *testing.T) {
	in := ResultEnvelope{
		ID:     "j1:send_message:bob",
		Task:   KindSendMessage,
		Error:  "driver dead",
		Result: map[string]any{"retryable": true, "retry_reason": "driver_dead"},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out ResultEnvelope
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Retryable() {
		t.Fatalf("retryable flag lost over the wire")
	}
}
