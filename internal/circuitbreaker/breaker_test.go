package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := New(3, time.Minute)

	if !b.Allow("gateway") {
		t.Fatal("fresh circuit must allow")
	}

	b.RecordFailure("gateway")
	b.RecordFailure("gateway")
	if !b.Allow("gateway") {
		t.Fatal("circuit tripped before threshold")
	}

	b.RecordFailure("gateway")
	if b.Allow("gateway") {
		t.Fatal("circuit still allowing after threshold")
	}
	if got := b.State("gateway"); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestBreakerProbeAfterCoolOff(t *testing.T) {
	b := New(2, 30*time.Millisecond)

	b.RecordFailure("chain")
	b.RecordFailure("chain")
	if b.Allow("chain") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(40 * time.Millisecond)

	if !b.Allow("chain") {
		t.Fatal("probe should be admitted after cool-off")
	}
	if got := b.State("chain"); got != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}
	if b.Allow("chain") {
		t.Fatal("only one probe may be in flight")
	}
}

func TestBreakerProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b := New(2, 30*time.Millisecond)
		b.RecordFailure("chain")
		b.RecordFailure("chain")
		time.Sleep(40 * time.Millisecond)
		b.Allow("chain")

		b.RecordSuccess("chain")
		if got := b.State("chain"); got != StateClosed {
			t.Fatalf("state = %v, want closed", got)
		}
		if !b.Allow("chain") {
			t.Fatal("recovered circuit must allow")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b := New(2, 30*time.Millisecond)
		b.RecordFailure("chain")
		b.RecordFailure("chain")
		time.Sleep(40 * time.Millisecond)
		b.Allow("chain")

		b.RecordFailure("chain")
		if got := b.State("chain"); got != StateOpen {
			t.Fatalf("state = %v, want open", got)
		}
	})
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("gateway")
	b.RecordFailure("gateway")
	b.RecordSuccess("gateway")
	b.RecordFailure("gateway")

	if !b.Allow("gateway") {
		t.Fatal("failure count should have been reset by the success")
	}
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	b := New(2, time.Minute)

	b.RecordFailure("gateway")
	b.RecordFailure("gateway")

	if b.Allow("gateway") {
		t.Fatal("gateway circuit should be open")
	}
	if !b.Allow("chain") {
		t.Fatal("chain circuit should be unaffected")
	}
	if got := b.State("chain"); got != StateClosed {
		t.Fatalf("unknown key state = %v, want closed", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
