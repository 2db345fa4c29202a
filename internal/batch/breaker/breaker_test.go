package breaker

import "testing"

func TestTripsAtThreshold(t *testing.T) {
	b := New(3)
	for i := 0; i < 2; i++ {
		b.RecordFailure("boom", i)
		if b.IsTripped() {
			t.Fatalf("should not trip before threshold, at failure %d", i)
		}
	}
	b.RecordFailure("boom", 2)
	if !b.IsTripped() {
		t.Fatalf("expected breaker tripped at threshold")
	}
	snap := b.Status()
	if snap.ConsecutiveFailures != 3 || snap.LastFailingUnit != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	b := New(2)
	b.RecordFailure("boom", 0)
	b.RecordSuccess()
	b.RecordFailure("boom", 1)
	if b.IsTripped() {
		t.Fatalf("success should have reset the counter")
	}
}

func TestZeroThresholdDisablesBreaker(t *testing.T) {
	b := New(0)
	for i := 0; i < 100; i++ {
		b.RecordFailure("boom", i)
	}
	if b.IsTripped() {
		t.Fatalf("threshold 0 must disable the breaker")
	}
}

func TestResetEquivalentToSuccess(t *testing.T) {
	b := New(1)
	b.RecordFailure("boom", 0)
	b.Reset()
	if b.IsTripped() {
		t.Fatalf("reset should clear tripped state")
	}
	snap := b.Status()
	if snap.LastError != "" || snap.LastFailingUnit != 0 {
		t.Fatalf("expected cleared snapshot, got %+v", snap)
	}
}
