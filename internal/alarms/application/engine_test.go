package application

import (
	"context"
	"sync"
	"testing"
	"time"

	alarms "telemetry-core/internal/alarms/domain"
	"telemetry-core/internal/eventing"
	"telemetry-core/internal/points/application/events"
	points "telemetry-core/internal/points/domain"
	"telemetry-core/internal/points/eval"
)

type memStore struct {
	mu    sync.Mutex
	saves []alarms.Occurrence
}

func (s *memStore) Save(_ context.Context, occ alarms.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, occ)
	return nil
}

func (s *memStore) saved() []alarms.Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alarms.Occurrence(nil), s.saves...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

type alarmRecorder struct {
	mu     sync.Mutex
	events []AlarmEvent
}

func (r *alarmRecorder) record(_ context.Context, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.(AlarmEvent))
	return nil
}

func (r *alarmRecorder) all() []AlarmEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlarmEvent(nil), r.events...)
}

func (r *alarmRecorder) ofType(eventType string) []AlarmEvent {
	var out []AlarmEvent
	for _, e := range r.all() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *memStore, *alarmRecorder, *fakeClock) {
	t.Helper()
	store := &memStore{}
	bus := eventing.NewInMemoryBus()
	rec := &alarmRecorder{}
	bus.Subscribe(eventing.EventTypeOf[AlarmEvent](), rec.record)
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clock)}, opts...)
	engine, err := NewEngine(store, eval.New(), bus, nil, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, store, rec, clock
}

func analogRule(id string, high float64, deadband float64) alarms.Rule {
	return alarms.Rule{
		ID:         id,
		TenantID:   "tenant-1",
		Name:       "overcurrent",
		PointID:    "motor_current",
		DeviceID:   "device-5",
		Kind:       alarms.KindAnalogThreshold,
		Thresholds: alarms.Thresholds{High: &high, Deadband: deadband},
		Severity:   alarms.SeverityHigh,
		AutoClear:  true,
		Enabled:    true,
	}
}

func pushValue(t *testing.T, e *Engine, v float64) {
	t.Helper()
	pushQuality(t, e, v, points.QualityGood)
}

func pushQuality(t *testing.T, e *Engine, v float64, q points.Quality) {
	t.Helper()
	err := e.HandleValueChanged(context.Background(), events.ValueChanged{
		PointID:   "motor_current",
		TenantID:  "tenant-1",
		DeviceID:  "device-5",
		Value:     points.Float(v),
		Quality:   q,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("handle value %v: %v", v, err)
	}
}

func TestEngine_HysteresisSequence(t *testing.T) {
	engine, _, rec, _ := newEngine(t)
	if err := engine.RegisterRule(analogRule("rule-1", 80, 5)); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	// 79: below threshold, nothing fires.
	pushValue(t, engine, 79)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("79 opened %d occurrences", n)
	}

	// 81: breach, one occurrence.
	pushValue(t, engine, 81)
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 || open[0].Condition != alarms.ConditionHigh {
		t.Fatalf("81 produced %+v", open)
	}

	// 78: back under the threshold but inside the deadband, stays open.
	pushValue(t, engine, 78)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 1 {
		t.Fatalf("78 should not clear inside deadband, open = %d", n)
	}

	// 74: past the deadband margin, auto clears.
	pushValue(t, engine, 74)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("74 should clear, open = %d", n)
	}
	cleared := rec.ofType(EventCleared)
	if len(cleared) != 1 {
		t.Fatalf("expected 1 cleared event, got %d", len(cleared))
	}
	occ := cleared[0].Occurrence
	if occ.ClearedBy != alarms.SystemActor || occ.ClearedValue != 74 || occ.ForcedClear {
		t.Fatalf("unexpected clear record %+v", occ)
	}

	// 76: inside the band again, no re-trigger.
	pushValue(t, engine, 76)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("76 re-triggered, open = %d", n)
	}
	if n := len(rec.ofType(EventTriggered)); n != 1 {
		t.Fatalf("expected 1 triggered event total, got %d", n)
	}
}

func TestEngine_AtMostOneOpenOccurrence(t *testing.T) {
	engine, store, rec, _ := newEngine(t)
	high, highHigh := 80.0, 100.0
	rule := analogRule("rule-1", high, 5)
	rule.Thresholds = alarms.Thresholds{High: &high, HighHigh: &highHigh, Deadband: 5}
	if err := engine.RegisterRule(rule); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	pushValue(t, engine, 90)
	pushValue(t, engine, 95)
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 {
		t.Fatalf("expected single open occurrence, got %d", len(open))
	}
	if open[0].TriggerValue != 95 || open[0].Condition != alarms.ConditionHigh {
		t.Fatalf("occurrence not updated in place: %+v", open[0])
	}

	// Crossing high_high escalates the same occurrence to the more
	// extreme condition and raises severity to critical.
	pushValue(t, engine, 101)
	open = engine.OpenOccurrences("tenant-1")
	if len(open) != 1 {
		t.Fatalf("high_high breach duplicated the occurrence: %d", len(open))
	}
	if open[0].Condition != alarms.ConditionHighHigh || open[0].Severity != alarms.SeverityCritical {
		t.Fatalf("condition not escalated: %+v", open[0])
	}
	// Falling back to plain high keeps the most extreme condition.
	pushValue(t, engine, 90)
	open = engine.OpenOccurrences("tenant-1")
	if open[0].Condition != alarms.ConditionHighHigh {
		t.Fatalf("condition downgraded: %+v", open[0])
	}

	if n := len(rec.ofType(EventTriggered)); n != 1 {
		t.Fatalf("expected 1 triggered event, got %d", n)
	}
	// Every in-place update persisted.
	if len(store.saved()) < 4 {
		t.Fatalf("expected a save per transition, got %d", len(store.saved()))
	}
}

func TestEngine_DigitalRisingEdge(t *testing.T) {
	engine, _, rec, _ := newEngine(t)
	rule := alarms.Rule{
		ID:        "rule-d",
		TenantID:  "tenant-1",
		Name:      "breaker trip",
		PointID:   "motor_current",
		Kind:      alarms.KindDigitalEdge,
		Edge:      alarms.EdgeRising,
		Severity:  alarms.SeverityMedium,
		AutoClear: true,
		Enabled:   true,
	}
	if err := engine.RegisterRule(rule); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	push := func(v bool) {
		t.Helper()
		err := engine.HandleValueChanged(context.Background(), events.ValueChanged{
			PointID:  "motor_current",
			TenantID: "tenant-1",
			Value:    points.Bool(v),
			Quality:  points.QualityGood,
		})
		if err != nil {
			t.Fatalf("handle bool %v: %v", v, err)
		}
	}

	// First observation true: no previous value, rising edge unknown.
	push(true)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("first true fired without a known edge, open = %d", n)
	}
	push(false)
	push(true)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 1 {
		t.Fatalf("false->true did not fire, open = %d", n)
	}
	push(false)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("auto clear on falling value failed, open = %d", n)
	}
	if n := len(rec.ofType(EventCleared)); n != 1 {
		t.Fatalf("expected 1 cleared event, got %d", n)
	}
}

func TestEngine_UncertainQualitySkippedUnlessOptedIn(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	if err := engine.RegisterRule(analogRule("rule-1", 80, 5)); err != nil {
		t.Fatalf("register rule: %v", err)
	}
	opted := analogRule("rule-2", 80, 5)
	opted.EvaluateUncertain = true
	if err := engine.RegisterRule(opted); err != nil {
		t.Fatalf("register opted rule: %v", err)
	}

	pushQuality(t, engine, 95, points.QualityUncertain)
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 {
		t.Fatalf("expected only the opted-in rule to fire, got %d", len(open))
	}
	if open[0].RuleID != "rule-2" {
		t.Fatalf("wrong rule fired: %+v", open[0])
	}
}

func TestEngine_SuppressionWindow(t *testing.T) {
	engine, _, _, clock := newEngine(t)
	rule := analogRule("rule-1", 80, 5)
	rule.Suppression = []alarms.SuppressionWindow{{From: "22:00", To: "06:00"}}
	if err := engine.RegisterRule(rule); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	clock.Set(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC))
	pushValue(t, engine, 95)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("suppressed window fired, open = %d", n)
	}

	clock.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	pushValue(t, engine, 96)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 1 {
		t.Fatalf("rule did not fire outside the window, open = %d", n)
	}
}

func TestEngine_EscalationFreezesOnAcknowledge(t *testing.T) {
	engine, _, rec, _ := newEngine(t)
	rule := analogRule("rule-1", 80, 5)
	rule.Escalation = alarms.Escalation{MaxLevel: 5, LevelDelay: 20 * time.Millisecond}
	if err := engine.RegisterRule(rule); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	pushValue(t, engine, 95)
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 {
		t.Fatalf("expected open occurrence, got %d", len(open))
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(rec.ofType(EventEscalated)) >= 1
	})

	acked, err := engine.Acknowledge(context.Background(), open[0].ID, "operator-7", "checked")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.State != alarms.StateAcknowledged || acked.AckComment != "checked" {
		t.Fatalf("unexpected ack result %+v", acked)
	}

	frozen := len(rec.ofType(EventEscalated))
	time.Sleep(100 * time.Millisecond)
	if got := len(rec.ofType(EventEscalated)); got != frozen {
		t.Fatalf("escalation continued after ack: %d -> %d", frozen, got)
	}
}

func TestEngine_EscalationStopsAtMaxLevel(t *testing.T) {
	engine, _, rec, _ := newEngine(t)
	rule := analogRule("rule-1", 80, 5)
	rule.Escalation = alarms.Escalation{MaxLevel: 2, LevelDelay: 15 * time.Millisecond}
	if err := engine.RegisterRule(rule); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	pushValue(t, engine, 95)
	waitFor(t, 2*time.Second, func() bool {
		return len(rec.ofType(EventEscalated)) >= 2
	})
	time.Sleep(100 * time.Millisecond)
	if n := len(rec.ofType(EventEscalated)); n != 2 {
		t.Fatalf("escalated past max level: %d events", n)
	}
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 || open[0].EscalationLevel != 2 {
		t.Fatalf("unexpected escalation state %+v", open)
	}
}

func TestEngine_OperatorClearWhileBreachedIsForced(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	if err := engine.RegisterRule(analogRule("rule-1", 80, 5)); err != nil {
		t.Fatalf("register rule: %v", err)
	}
	pushValue(t, engine, 95)
	open := engine.OpenOccurrences("tenant-1")

	cleared, err := engine.Clear(context.Background(), open[0].ID, "operator-7", "override")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !cleared.ForcedClear || cleared.ClearedBy != "operator-7" {
		t.Fatalf("expected forced clear, got %+v", cleared)
	}

	if _, err := engine.Clear(context.Background(), open[0].ID, "operator-7", "again"); err == nil {
		t.Fatal("second clear should fail")
	}
}

func TestEngine_OperatorClearRecordsLiveValue(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	if err := engine.RegisterRule(analogRule("rule-1", 80, 5)); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	// 95 opens the occurrence; 78 sits in the deadband, so the
	// occurrence stays open while the condition reads inactive.
	pushValue(t, engine, 95)
	pushValue(t, engine, 78)
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 {
		t.Fatalf("expected open occurrence, got %d", len(open))
	}

	cleared, err := engine.Clear(context.Background(), open[0].ID, "operator-7", "manual reset")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.ClearedValue != 78 {
		t.Fatalf("cleared value = %v, want the live value 78", cleared.ClearedValue)
	}
	if cleared.ForcedClear {
		t.Fatalf("in-deadband clear recorded as forced: %+v", cleared)
	}
}

func TestEngine_DiagnosticsReportRuleHealth(t *testing.T) {
	engine, _, _, clock := newEngine(t)
	if err := engine.RegisterRule(analogRule("rule-1", 80, 5)); err != nil {
		t.Fatalf("register rule: %v", err)
	}
	if err := engine.RegisterRule(analogRule("rule-0", 200, 0)); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	pushValue(t, engine, 95)
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 {
		t.Fatalf("expected open occurrence, got %d", len(open))
	}

	diags := engine.Diagnostics()
	if len(diags) != 2 {
		t.Fatalf("diagnostics = %+v", diags)
	}
	if diags[0].RuleID != "rule-0" || diags[1].RuleID != "rule-1" {
		t.Fatalf("diagnostics not ordered by rule id: %+v", diags)
	}
	breached := diags[1]
	if !breached.LastEvaluated.Equal(clock.Now()) {
		t.Fatalf("last evaluated = %v, want %v", breached.LastEvaluated, clock.Now())
	}
	if !breached.ConditionActive || breached.OpenOccurrenceID != open[0].ID {
		t.Fatalf("breached rule diagnostic %+v", breached)
	}
	if quiet := diags[0]; quiet.ConditionActive || quiet.OpenOccurrenceID != "" {
		t.Fatalf("quiet rule diagnostic %+v", quiet)
	}
}

func TestEngine_LatchedRuleRequiresRearm(t *testing.T) {
	engine, _, rec, _ := newEngine(t)
	rule := analogRule("rule-1", 80, 5)
	rule.Latched = true
	rule.AutoClear = false
	if err := engine.RegisterRule(rule); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	pushValue(t, engine, 95)
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 {
		t.Fatalf("expected open occurrence, got %d", len(open))
	}
	if _, err := engine.Clear(context.Background(), open[0].ID, "operator-7", "forced"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// Condition still breached: a latched rule must not re-trigger.
	pushValue(t, engine, 96)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("latched rule re-triggered before rearm, open = %d", n)
	}

	// Condition goes false, rearming the rule, then breaches again.
	pushValue(t, engine, 70)
	pushValue(t, engine, 95)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 1 {
		t.Fatalf("rearmed rule did not fire, open = %d", n)
	}
	if n := len(rec.ofType(EventTriggered)); n != 2 {
		t.Fatalf("expected 2 triggered events, got %d", n)
	}
}

func TestEngine_ScriptedRule(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	rule := alarms.Rule{
		ID:        "rule-s",
		TenantID:  "tenant-1",
		Name:      "scripted",
		PointID:   "motor_current",
		Kind:      alarms.KindScripted,
		Script:    `value > 50 && quality == "good"`,
		Severity:  alarms.SeverityLow,
		AutoClear: true,
		Enabled:   true,
	}
	if err := engine.RegisterRule(rule); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	pushValue(t, engine, 40)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("script fired below threshold, open = %d", n)
	}
	pushValue(t, engine, 60)
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 || open[0].Condition != alarms.ConditionScript {
		t.Fatalf("script did not fire: %+v", open)
	}
	pushValue(t, engine, 10)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("script auto clear failed, open = %d", n)
	}
}

func TestEngine_FaultOpensSyntheticOccurrence(t *testing.T) {
	engine, _, rec, _ := newEngine(t)
	err := engine.HandleEngineFault(context.Background(), events.EngineFault{
		PointID:     "vp.power",
		TenantID:    "tenant-1",
		DeviceID:    "device-5",
		Consecutive: 3,
		LastError:   "EvaluationError: boom",
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("handle fault: %v", err)
	}
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 || open[0].Condition != alarms.ConditionFault {
		t.Fatalf("fault occurrence missing: %+v", open)
	}
	if open[0].TriggerValue != 3 {
		t.Fatalf("fault trigger value = %v", open[0].TriggerValue)
	}

	// A repeat fault updates rather than duplicates.
	err = engine.HandleEngineFault(context.Background(), events.EngineFault{
		PointID: "vp.power", TenantID: "tenant-1", Consecutive: 4,
	})
	if err != nil {
		t.Fatalf("handle repeat fault: %v", err)
	}
	open = engine.OpenOccurrences("tenant-1")
	if len(open) != 1 || open[0].TriggerValue != 4 {
		t.Fatalf("repeat fault mishandled: %+v", open)
	}
	if n := len(rec.ofType(EventTriggered)); n != 1 {
		t.Fatalf("expected 1 triggered event, got %d", n)
	}
}

func TestEngine_RecoverOpenBlocksDuplicateTrigger(t *testing.T) {
	engine, _, rec, _ := newEngine(t)
	if err := engine.RegisterRule(analogRule("rule-1", 80, 5)); err != nil {
		t.Fatalf("register rule: %v", err)
	}
	recovered := alarms.Occurrence{
		ID:           "occ-recovered",
		RuleID:       "rule-1",
		TenantID:     "tenant-1",
		PointID:      "motor_current",
		State:        alarms.StateActive,
		Severity:     alarms.SeverityHigh,
		Condition:    alarms.ConditionHigh,
		TriggerValue: 90,
		TriggeredAt:  time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC),
	}
	engine.RecoverOpen([]alarms.Occurrence{recovered})

	pushValue(t, engine, 95)
	open := engine.OpenOccurrences("tenant-1")
	if len(open) != 1 || open[0].ID != "occ-recovered" {
		t.Fatalf("recovered occurrence not reused: %+v", open)
	}
	if n := len(rec.ofType(EventTriggered)); n != 0 {
		t.Fatalf("recovered occurrence re-triggered, %d events", n)
	}

	// Lifecycle actions work against the recovered id.
	if _, err := engine.Acknowledge(context.Background(), "occ-recovered", "operator-7", "seen"); err != nil {
		t.Fatalf("acknowledge recovered: %v", err)
	}
}

func TestEngine_DisabledRuleIgnored(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	rule := analogRule("rule-1", 80, 5)
	rule.Enabled = false
	if err := engine.RegisterRule(rule); err != nil {
		t.Fatalf("register rule: %v", err)
	}
	pushValue(t, engine, 95)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("disabled rule fired, open = %d", n)
	}
}

func TestEngine_UnregisterStopsEvaluation(t *testing.T) {
	engine, _, _, _ := newEngine(t)
	if err := engine.RegisterRule(analogRule("rule-1", 80, 5)); err != nil {
		t.Fatalf("register rule: %v", err)
	}
	engine.UnregisterRule("rule-1")
	pushValue(t, engine, 95)
	if n := len(engine.OpenOccurrences("tenant-1")); n != 0 {
		t.Fatalf("unregistered rule fired, open = %d", n)
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
