package backoff

import "testing"

func TestSnoozeAdvancesStep(t *testing.T) {
	b := NewMicros(1000)
	for i := uint32(0); i < 25; i++ {
		if got := b.Step(); got != i {
			t.Fatalf("step = %d, want %d", got, i)
		}
		b.Snooze()
	}
}

func TestResetZeroesStep(t *testing.T) {
	b := NewMicros(1000)
	for i := 0; i < 5; i++ {
		b.Snooze()
	}
	if b.Step() == 0 {
		t.Fatal("expected non-zero step before reset")
	}
	b.Reset()
	if b.Step() != 0 {
		t.Fatalf("step after reset = %d, want 0", b.Step())
	}
}

func TestSnoozeSaturates(t *testing.T) {
	b := &Backoff{step: ^uint32(0) - 1, maxSleep: 0}
	b.Snooze()
	if b.Step() != ^uint32(0) {
		t.Fatalf("step = %d, want max uint32", b.Step())
	}
	b.Snooze()
	if b.Step() != ^uint32(0) {
		t.Fatalf("step after saturated snooze = %d, want max uint32 (no overflow)", b.Step())
	}
}

func TestMaxSleepClamps(t *testing.T) {
	b := NewMicros(50)
	for i := 0; i < 40; i++ {
		b.Snooze()
	}
	// no panic / no deadlock is the property under test; explicit timing
	// assertions would be flaky, so we only assert the step kept moving.
	if b.Step() == 0 {
		t.Fatal("expected step to advance")
	}
}
