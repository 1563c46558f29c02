package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("risk-engine") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("risk-engine")
	b.RecordFailure("risk-engine")
	if !b.Allow("risk-engine") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("risk-engine")
	if b.Allow("risk-engine") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("risk-engine") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("risk-engine"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("risk-engine")
	b.RecordFailure("risk-engine")
	if b.Allow("risk-engine") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("risk-engine") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("risk-engine") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("risk-engine"))
	}

	// Only one probe at a time.
	if b.Allow("risk-engine") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("risk-engine")
	b.RecordFailure("risk-engine")
	time.Sleep(60 * time.Millisecond)
	b.Allow("risk-engine") // transitions to half-open

	b.RecordSuccess("risk-engine")
	if b.State("risk-engine") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("risk-engine"))
	}
	if !b.Allow("risk-engine") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("risk-engine")
	b.RecordFailure("risk-engine")
	time.Sleep(60 * time.Millisecond)
	b.Allow("risk-engine") // transitions to half-open

	b.RecordFailure("risk-engine")
	if b.State("risk-engine") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("risk-engine"))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("risk-engine")
	b.RecordFailure("risk-engine")
	b.RecordSuccess("risk-engine")

	b.RecordFailure("risk-engine")
	if !b.Allow("risk-engine") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("risk-engine")
	b.RecordFailure("risk-engine")

	if b.Allow("risk-engine") {
		t.Fatal("risk-engine should be open")
	}
	if !b.Allow("block-channel") {
		t.Fatal("block-channel should be closed")
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
