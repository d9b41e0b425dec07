package store

import (
	"sync"
	"testing"
	"time"

	points "telemetry-core/internal/points/domain"
)

func TestStore_GetUnknownReportsBad(t *testing.T) {
	s := New()
	cv := s.Get("raw.ghost")
	if cv.Quality != points.QualityBad {
		t.Fatalf("unknown point quality = %q, want bad", cv.Quality)
	}
	if !cv.Value.IsNull() {
		t.Fatalf("unknown point value = %v, want null", cv.Value)
	}
}

func TestStore_SetUnchangedValueIsNoOp(t *testing.T) {
	s := New()
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, changed := s.Set("raw.temp", points.Float(21.5), points.QualityGood, first); !changed {
		t.Fatal("first write should report a change")
	}
	cursor := s.Cursor()

	later := first.Add(time.Minute)
	if _, changed := s.Set("raw.temp", points.Float(21.5), points.QualityGood, later); changed {
		t.Fatal("identical value should be a no-op")
	}
	if s.Cursor() != cursor {
		t.Fatal("no-op write bumped the cursor")
	}
	if got := s.Get("raw.temp").Timestamp; !got.Equal(first) {
		t.Fatalf("no-op write bumped timestamp to %v", got)
	}
}

func TestStore_QualityTransitionCountsAsChange(t *testing.T) {
	s := New()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Set("raw.temp", points.Float(21.5), points.QualityGood, ts)
	if _, changed := s.Set("raw.temp", points.Float(21.5), points.QualityUncertain, ts.Add(time.Second)); !changed {
		t.Fatal("quality transition should report a change")
	}
	if got := s.Get("raw.temp").Quality; got != points.QualityUncertain {
		t.Fatalf("quality = %q, want uncertain", got)
	}
}

func TestStore_SetQualityKeepsValue(t *testing.T) {
	s := New()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Set("vp.power", points.Float(42), points.QualityGood, ts)
	if _, changed := s.SetQuality("vp.power", points.QualityStale); !changed {
		t.Fatal("quality rewrite should report a change")
	}
	cv := s.Get("vp.power")
	if got, _ := cv.Value.AsFloat(); got != 42 {
		t.Fatalf("value lost on quality rewrite: %v", cv.Value)
	}
	if cv.Quality != points.QualityStale {
		t.Fatalf("quality = %q, want stale", cv.Quality)
	}
	if _, changed := s.SetQuality("vp.power", points.QualityStale); changed {
		t.Fatal("same quality should be a no-op")
	}
	if _, changed := s.SetQuality("raw.ghost", points.QualityStale); changed {
		t.Fatal("unknown point quality rewrite should be a no-op")
	}
}

func TestStore_SetReturnsCommittedSeq(t *testing.T) {
	s := New()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seqA, _ := s.Set("a", points.Int(1), points.QualityGood, ts)
	seqB, _ := s.Set("b", points.Int(2), points.QualityGood, ts)
	if seqA == 0 || seqB == 0 || seqA == seqB {
		t.Fatalf("seqs = %d, %d, want distinct non-zero", seqA, seqB)
	}

	changes, _ := s.ChangedSince(0)
	bySeq := make(map[string]uint64, len(changes))
	for _, c := range changes {
		bySeq[c.PointID] = c.Seq
	}
	if bySeq["a"] != seqA || bySeq["b"] != seqB {
		t.Fatalf("committed seqs %v do not match returned %d/%d", bySeq, seqA, seqB)
	}

	seqQ, changed := s.SetQuality("a", points.QualityUncertain)
	if !changed || seqQ <= seqB {
		t.Fatalf("quality rewrite seq = %d (changed=%v), want past %d", seqQ, changed, seqB)
	}
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func TestStore_GetReportsStalePastThreshold(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &fixedClock{now: base}
	s := New(WithClock(clock))
	s.SetStaleThreshold("raw.temp", 30*time.Second)
	s.Set("raw.temp", points.Float(21.5), points.QualityGood, base)

	if got := s.Get("raw.temp").Quality; got != points.QualityGood {
		t.Fatalf("fresh quality = %q, want good", got)
	}

	clock.set(base.Add(time.Minute))
	cv := s.Get("raw.temp")
	if cv.Quality != points.QualityStale {
		t.Fatalf("aged quality = %q, want stale", cv.Quality)
	}
	if got, _ := cv.Value.AsFloat(); got != 21.5 {
		t.Fatalf("stale read lost the value: %v", cv.Value)
	}
	if snap := s.Snapshot([]string{"raw.temp"}); snap["raw.temp"].Quality != points.QualityStale {
		t.Fatalf("snapshot quality = %q, want stale", snap["raw.temp"].Quality)
	}

	// A fresh write restores good quality; the downgrade is read-side
	// only and never persisted.
	s.Set("raw.temp", points.Float(22), points.QualityGood, base.Add(time.Minute))
	if got := s.Get("raw.temp").Quality; got != points.QualityGood {
		t.Fatalf("rewritten quality = %q, want good", got)
	}
}

func TestStore_ChangedSinceOrdersBySeq(t *testing.T) {
	s := New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	start := s.Cursor()
	s.Set("a", points.Int(1), points.QualityGood, base)
	s.Set("b", points.Int(2), points.QualityGood, base)
	s.Set("c", points.Int(3), points.QualityGood, base)
	s.Set("a", points.Int(4), points.QualityGood, base.Add(time.Second))

	changes, next := s.ChangedSince(start)
	if len(changes) != 3 {
		t.Fatalf("expected one change per point, got %d", len(changes))
	}
	for i := 1; i < len(changes); i++ {
		if changes[i-1].Seq >= changes[i].Seq {
			t.Fatalf("changes out of order: %+v", changes)
		}
	}
	// "a" was rewritten, so it carries the latest sequence and value.
	last := changes[len(changes)-1]
	if last.PointID != "a" {
		t.Fatalf("latest change = %q, want a", last.PointID)
	}
	if got, _ := last.Value.AsFloat(); got != 4 {
		t.Fatalf("latest value = %v, want 4", last.Value)
	}
	if next != s.Cursor() {
		t.Fatalf("cursor mismatch: %d vs %d", next, s.Cursor())
	}
	if again, _ := s.ChangedSince(next); len(again) != 0 {
		t.Fatalf("expected no changes past cursor, got %d", len(again))
	}
}

func TestStore_RecordEvaluationTracksHealth(t *testing.T) {
	s := New()
	s.RecordEvaluation("vp.calc", 10*time.Millisecond, "")
	s.RecordEvaluation("vp.calc", 20*time.Millisecond, "EvaluationError: boom")
	cv := s.Get("vp.calc")
	if cv.EvalCount != 2 || cv.ErrorCount != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", cv.EvalCount, cv.ErrorCount)
	}
	if cv.LastDuration != 20*time.Millisecond {
		t.Fatalf("last duration = %v", cv.LastDuration)
	}
	if cv.LastError != "EvaluationError: boom" {
		t.Fatalf("last error = %q", cv.LastError)
	}
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := New()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Set("a", points.Int(1), points.QualityGood, ts)
	snap := s.Snapshot([]string{"a", "missing"})
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	s.Set("a", points.Int(2), points.QualityGood, ts.Add(time.Second))
	if got, _ := snap["a"].Value.AsFloat(); got != 1 {
		t.Fatalf("snapshot mutated by later write: %v", snap["a"].Value)
	}
	if snap["missing"].Quality != points.QualityBad {
		t.Fatalf("missing point quality = %q", snap["missing"].Quality)
	}
}
