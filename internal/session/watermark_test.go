package session

import "testing"

func TestWatermarkAdmit(t *testing.T) {
	t.Run("strictly newer is admitted and advances", func(t *testing.T) {
		w := Watermark{LastSessionTS: 1771700000}
		if got := w.Admit(1771708113); got != New {
			t.Fatalf("Admit() = %v; want %v", got, New)
		}
		if w.LastSessionTS != 1771708113 {
			t.Errorf("LastSessionTS = %d; want 1771708113", w.LastSessionTS)
		}
	})

	t.Run("equal timestamp is a duplicate", func(t *testing.T) {
		w := Watermark{LastSessionTS: 1771708113}
		if got := w.Admit(1771708113); got != Duplicate {
			t.Errorf("Admit() = %v; want %v", got, Duplicate)
		}
	})

	t.Run("older timestamp never moves the watermark back", func(t *testing.T) {
		w := Watermark{LastSessionTS: 1771708113}
		if got := w.Admit(1771700000); got != Duplicate {
			t.Errorf("Admit() = %v; want %v", got, Duplicate)
		}
		if w.LastSessionTS != 1771708113 {
			t.Errorf("LastSessionTS = %d; want unchanged 1771708113", w.LastSessionTS)
		}
	})

	t.Run("replay is idempotent", func(t *testing.T) {
		seq := []int64{1771700000, 1771708113, 1771700000, 1771708113}
		w := Watermark{}
		admitted := 0
		for _, ts := range seq {
			if w.Admit(ts) == New {
				admitted++
			}
		}
		if admitted != 2 {
			t.Errorf("admitted %d records; want 2", admitted)
		}
		// Replaying the whole sequence again admits nothing.
		for _, ts := range seq {
			if w.Admit(ts) == New {
				t.Fatalf("Admit(%d) = New on replay", ts)
			}
		}
	})
}
