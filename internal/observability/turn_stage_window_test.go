package observability

import "testing"

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("completion", 500)
	w.Observe("completion", 700)
	w.Observe("completion", 4900)
	w.ObserveIndicator("fallback_reply")
	w.ObserveIndicator("fallback_reply")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "completion" || s.Samples != 3 {
		t.Fatalf("stage = %+v, want 3 completion samples", s)
	}
	if s.LastMS != 4900 || s.P50MS != 700 || s.P95MS != 4900 {
		t.Fatalf("last/p50/p95 = %.2f/%.2f/%.2f, want 4900/700/4900", s.LastMS, s.P50MS, s.P95MS)
	}
	if s.TargetP95MS != 4000 || s.OverTarget != 1 {
		t.Fatalf("target = %.2f over = %d, want 4000 and 1", s.TargetP95MS, s.OverTarget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want fallback_reply x2", snap.Indicators)
	}
}

func TestTurnStageWindowFollowsTurnOrder(t *testing.T) {
	w := newTurnStageWindow(4)
	w.Observe("turn_total", 120)
	w.Observe("persist_outbound", 3)
	w.Observe("completion", 100)
	w.Observe("persist_inbound", 2)
	w.Observe("transcribe", 10)

	snap := w.Snapshot()
	want := []string{"persist_inbound", "completion", "persist_outbound", "turn_total"}
	if len(snap.Stages) != len(want) {
		t.Fatalf("Stages = %+v, want %v", snap.Stages, want)
	}
	for i, name := range want {
		if snap.Stages[i].Stage != name {
			t.Fatalf("Stages[%d] = %q, want %q", i, snap.Stages[i].Stage, name)
		}
	}
}

func TestTurnStageWindowWrapsAround(t *testing.T) {
	w := newTurnStageWindow(3)
	for _, v := range []float64{10, 20, 30, 40, 50} {
		w.Observe("build_context", v)
	}
	w.Observe("", 5)
	w.Observe("build_context", -1)

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.AvgMS != 40 || s.LastMS != 50 {
		t.Fatalf("stage = %+v, want 3 samples avg 40 last 50", s)
	}
	if s.OverTarget != 0 {
		t.Fatalf("OverTarget = %d, want 0", s.OverTarget)
	}
}
