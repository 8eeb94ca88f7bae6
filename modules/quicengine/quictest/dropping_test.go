package quictest

import "testing"

func TestDroppingWriterNeverDropsAtZeroPercent(t *testing.T) {
	w := NewDroppingWriter(0, 1)
	for i := 0; i < 200; i++ {
		if !w.Write() {
			t.Fatalf("call %d: unexpected drop at 0%% loss", i)
		}
	}
}

func TestDroppingWriterAlwaysEnforcesMinSuccessesBetweenDrops(t *testing.T) {
	w := NewDroppingWriter(100, 42)
	successesSinceDrop := minSuccessesAfterDrop
	for i := 0; i < 500; i++ {
		delivered := w.Write()
		if delivered {
			successesSinceDrop++
			continue
		}
		if successesSinceDrop < minSuccessesAfterDrop {
			t.Fatalf("call %d: dropped after only %d successes, want >= %d", i, successesSinceDrop, minSuccessesAfterDrop)
		}
		successesSinceDrop = 0
	}
	if w.NumDropped() == 0 {
		t.Fatal("expected at least one drop at 100% loss")
	}
}

func TestDroppingWriterDeterministicForSameSeed(t *testing.T) {
	a := NewDroppingWriter(50, 7)
	b := NewDroppingWriter(50, 7)
	for i := 0; i < 300; i++ {
		if a.Write() != b.Write() {
			t.Fatalf("call %d: same seed produced different outcomes", i)
		}
	}
}

func TestDroppingWriterCountsCallsAndDrops(t *testing.T) {
	w := NewDroppingWriter(100, 3)
	for i := 0; i < 50; i++ {
		w.Write()
	}
	if w.NumCalls() != 50 {
		t.Fatalf("NumCalls() = %d, want 50", w.NumCalls())
	}
	if w.NumDropped() == 0 {
		t.Fatal("expected drops to occur")
	}
}
