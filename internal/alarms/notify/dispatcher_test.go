package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	alarmapp "telemetry-core/internal/alarms/application"
	alarms "telemetry-core/internal/alarms/domain"
	"telemetry-core/internal/eventing"
)

type captureChannel struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (c *captureChannel) Send(_ context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, content)
	return nil
}

func (c *captureChannel) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
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

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testOccurrence(severity alarms.Severity) alarms.Occurrence {
	return alarms.Occurrence{
		ID:           "occ-1",
		RuleID:       "rule-overcurrent",
		TenantID:     "tenant-1",
		PointID:      "vp.motor_current",
		DeviceID:     "device-5",
		State:        alarms.StateActive,
		Severity:     severity,
		Condition:    alarms.ConditionHigh,
		TriggerValue: 31.5,
		TriggeredAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func publish(t *testing.T, bus eventing.EventBus, eventType string, occ alarms.Occurrence) {
	t.Helper()
	if err := bus.Publish(context.Background(), alarmapp.AlarmEvent{Type: eventType, Occurrence: occ}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestDispatcher_RendersTriggeredEvent(t *testing.T) {
	bus := eventing.NewInMemoryBus()
	ch := &captureChannel{}
	if _, err := NewDispatcher(bus, ch, nil); err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	publish(t, bus, alarmapp.EventTriggered, testOccurrence(alarms.SeverityCritical))

	sent := ch.all()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sent))
	}
	for _, want := range []string{
		"[Alarm Triggered]",
		"Rule: rule-overcurrent",
		"Point: vp.motor_current",
		"Device: device-5",
		"Trigger Value: 31.50",
		"Severity: critical",
	} {
		if !strings.Contains(sent[0], want) {
			t.Fatalf("notification missing %q:\n%s", want, sent[0])
		}
	}
}

func TestDispatcher_ClearCarriesActor(t *testing.T) {
	bus := eventing.NewInMemoryBus()
	ch := &captureChannel{}
	if _, err := NewDispatcher(bus, ch, nil); err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	occ := testOccurrence(alarms.SeverityHigh)
	occ.State = alarms.StateCleared
	occ.ClearedBy = "operator-7"
	publish(t, bus, alarmapp.EventCleared, occ)

	sent := ch.all()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sent))
	}
	if !strings.Contains(sent[0], "By: operator-7") || !strings.Contains(sent[0], "[Alarm Cleared]") {
		t.Fatalf("unexpected notification:\n%s", sent[0])
	}
}

func TestDispatcher_MinSeverityFilters(t *testing.T) {
	bus := eventing.NewInMemoryBus()
	ch := &captureChannel{}
	if _, err := NewDispatcher(bus, ch, nil, WithMinSeverity(alarms.SeverityHigh)); err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	publish(t, bus, alarmapp.EventTriggered, testOccurrence(alarms.SeverityLow))
	if n := len(ch.all()); n != 0 {
		t.Fatalf("low severity delivered %d notifications", n)
	}

	publish(t, bus, alarmapp.EventTriggered, testOccurrence(alarms.SeverityCritical))
	if n := len(ch.all()); n != 1 {
		t.Fatalf("critical severity delivered %d notifications, want 1", n)
	}
}

func TestDispatcher_CooldownThrottlesRepeats(t *testing.T) {
	bus := eventing.NewInMemoryBus()
	ch := &captureChannel{}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	_, err := NewDispatcher(bus, ch, nil, WithCooldown(time.Minute), WithClock(clock))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	occ := testOccurrence(alarms.SeverityHigh)
	publish(t, bus, alarmapp.EventTriggered, occ)
	publish(t, bus, alarmapp.EventTriggered, occ)
	if n := len(ch.all()); n != 1 {
		t.Fatalf("cooldown delivered %d notifications, want 1", n)
	}

	// A different lifecycle event is not throttled by the trigger.
	publish(t, bus, alarmapp.EventEscalated, occ)
	if n := len(ch.all()); n != 2 {
		t.Fatalf("escalation delivered %d notifications, want 2", n)
	}

	clock.Advance(2 * time.Minute)
	publish(t, bus, alarmapp.EventTriggered, occ)
	if n := len(ch.all()); n != 3 {
		t.Fatalf("post-cooldown delivered %d notifications, want 3", n)
	}
}

func TestDispatcher_DedupeWindowPassesChangedContent(t *testing.T) {
	bus := eventing.NewInMemoryBus()
	ch := &captureChannel{}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	_, err := NewDispatcher(bus, ch, nil, WithDedupeWindow(time.Hour), WithClock(clock))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	occ := testOccurrence(alarms.SeverityHigh)
	publish(t, bus, alarmapp.EventTriggered, occ)
	publish(t, bus, alarmapp.EventTriggered, occ)
	if n := len(ch.all()); n != 1 {
		t.Fatalf("identical repeat delivered %d notifications, want 1", n)
	}

	occ.TriggerValue = 42
	publish(t, bus, alarmapp.EventTriggered, occ)
	if n := len(ch.all()); n != 2 {
		t.Fatalf("changed content delivered %d notifications, want 2", n)
	}
}

func TestWebhookChannel_PostsTextPayload(t *testing.T) {
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL)
	if err := ch.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.MsgType != "text" || got.Text.Content != "hello" {
		t.Fatalf("unexpected payload %+v", got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	if err := NewWebhookChannel(failing.URL).Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

func TestMultiChannel_ContinuesPastFailure(t *testing.T) {
	broken := &captureChannel{err: errors.New("down")}
	working := &captureChannel{}
	multi := NewMultiChannel(nil, broken, working)

	if err := multi.Send(context.Background(), "hello"); err == nil {
		t.Fatal("expected aggregated error")
	}
	if n := len(working.all()); n != 1 {
		t.Fatalf("working channel received %d sends, want 1", n)
	}
}
