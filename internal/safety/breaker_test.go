package safety

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("expected closed breaker to allow attempt %d", i)
		}
		b.RecordFailure()
	}

	if b.State() != BreakerOpen {
		t.Fatalf("expected breaker open after threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected open breaker to reject immediately")
	}
}

func TestBreaker_HalfOpenThenClose(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	b.Allow()
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open probe to be allowed after cooldown")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	b.Allow()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.Allow() // transitions to half-open

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("expected re-open after half-open failure, got %s", b.State())
	}
}

func TestState_StopsAfterMaxConsecutiveFailures(t *testing.T) {
	policy := Policy{MaxConsecutiveFailures: 2, MqttBreakerThreshold: 5, MqttBreakerCooldown: time.Second}
	s := NewState(policy)

	s.RecordFailure("db", "timeout")
	if stopped, _ := s.IsStopped(); stopped {
		t.Fatal("should not be stopped after one failure")
	}
	s.RecordFailure("db", "timeout")
	stopped, reason := s.IsStopped()
	if !stopped {
		t.Fatal("expected stopped after reaching max consecutive failures")
	}
	if reason != "db:timeout" {
		t.Fatalf("unexpected stop reason: %q", reason)
	}

	s.RecordSuccess()
	if stopped, _ := s.IsStopped(); stopped {
		t.Fatal("expected recovery after RecordSuccess")
	}
}
