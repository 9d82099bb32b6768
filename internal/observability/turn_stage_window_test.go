package observability

import "testing"

func TestTurnWindowSnapshot(t *testing.T) {
	w := NewTurnWindow(8)
	w.Observe(StageFirstAudio, 500)
	w.Observe(StageFirstAudio, 700)
	w.Observe(StageFirstAudio, 900)
	w.ObserveIndicator("barge_in")
	w.ObserveIndicator("barge_in")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstAudio {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageFirstAudio)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1400 {
		t.Fatalf("TargetP95MS = %.2f, want 1400", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "barge_in" {
		t.Fatalf("Indicators[0].Name = %q, want %q", snap.Indicators[0].Name, "barge_in")
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

func TestTurnWindowRecordTurn(t *testing.T) {
	w := NewTurnWindow(4)
	for i := 0; i < 6; i++ {
		w.RecordTurn(TurnRecord{
			TurnID:    string(rune('a' + i)),
			SessionID: "s-1",
			StageMS:   map[string]int64{StageTurnTotal: int64(1000 + i)},
			Outcome:   "ok",
		})
	}

	snap := w.Snapshot()
	if snap.Turns != 6 {
		t.Fatalf("Turns = %d, want 6", snap.Turns)
	}

	recent := w.RecentTurns(3)
	if len(recent) != 3 {
		t.Fatalf("len(RecentTurns) = %d, want 3", len(recent))
	}
	if recent[0].TurnID != "f" || recent[2].TurnID != "d" {
		t.Fatalf("RecentTurns order = [%s %s %s], want newest first", recent[0].TurnID, recent[1].TurnID, recent[2].TurnID)
	}

	// The record ring holds only the window size.
	all := w.RecentTurns(0)
	if len(all) != 4 {
		t.Fatalf("len(RecentTurns(0)) = %d, want 4", len(all))
	}
}
