package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	alarmapp "telemetry-core/internal/alarms/application"
	alarms "telemetry-core/internal/alarms/domain"
	"telemetry-core/internal/eventing"
)

// Clock provides time for cooldown bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type sendRecord struct {
	at   time.Time
	hash string
}

// Dispatcher listens for alarm lifecycle events on the bus and
// forwards rendered notifications to a channel. Repeat deliveries for
// the same occurrence and event are throttled by cooldown and
// suppressed outright when identical within the dedupe window.
type Dispatcher struct {
	channel     Channel
	template    *Template
	logger      *log.Logger
	minSeverity alarms.Severity
	cooldown    time.Duration
	dedupe      time.Duration
	clock       Clock

	mu   sync.Mutex
	sent map[string]sendRecord
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMinSeverity drops events for rules below the given severity.
func WithMinSeverity(severity alarms.Severity) DispatcherOption {
	return func(d *Dispatcher) {
		if severity.Valid() {
			d.minSeverity = severity
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the
// same occurrence and event.
func WithCooldown(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if window > 0 {
			d.dedupe = window
		}
	}
}

// WithTemplate overrides the default notification template.
func WithTemplate(tpl *Template) DispatcherOption {
	return func(d *Dispatcher) {
		if tpl != nil {
			d.template = tpl
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDispatcher constructs a dispatcher and subscribes it to alarm
// events on the bus.
func NewDispatcher(bus eventing.EventBus, channel Channel, logger *log.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if bus == nil {
		return nil, errors.New("notify dispatcher: nil bus")
	}
	if channel == nil {
		return nil, errors.New("notify dispatcher: nil channel")
	}
	if logger == nil {
		logger = log.Default()
	}
	tpl, err := NewTemplate("")
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		channel:     channel,
		template:    tpl,
		logger:      logger,
		minSeverity: alarms.SeverityInfo,
		clock:       systemClock{},
		sent:        make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(d)
	}
	bus.Subscribe(eventing.EventTypeOf[alarmapp.AlarmEvent](), func(ctx context.Context, event any) error {
		d.handleAlarmEvent(ctx, event.(alarmapp.AlarmEvent))
		return nil
	})
	return d, nil
}

func (d *Dispatcher) handleAlarmEvent(ctx context.Context, event alarmapp.AlarmEvent) {
	occ := event.Occurrence
	if occ.Severity.Rank() < d.minSeverity.Rank() {
		return
	}
	content, err := d.template.Render(buildTemplateData(event.Type, occ))
	if err != nil {
		d.logger.Printf("notify: render %s for %s: %v", event.Type, occ.ID, err)
		return
	}
	if !d.shouldSend(occ.ID, event.Type, content) {
		return
	}
	if err := d.channel.Send(ctx, content); err != nil {
		d.logger.Printf("notify: send %s for %s: %v", event.Type, occ.ID, err)
		return
	}
	d.markSent(occ.ID, event.Type, content)
}

func buildTemplateData(eventType string, occ alarms.Occurrence) TemplateData {
	at := occ.UpdatedAt
	if at.IsZero() {
		at = occ.TriggeredAt
	}
	actor := ""
	switch eventType {
	case alarmapp.EventAcknowledged:
		actor = occ.AckedBy
	case alarmapp.EventCleared:
		actor = occ.ClearedBy
	}
	return TemplateData{
		Event:           eventType,
		EventLabel:      eventLabel(eventType),
		TenantID:        occ.TenantID,
		PointID:         occ.PointID,
		DeviceID:        occ.DeviceID,
		RuleID:          occ.RuleID,
		Condition:       occ.Condition,
		TriggerValue:    fmt.Sprintf("%.2f", occ.TriggerValue),
		Severity:        string(occ.Severity),
		State:           occ.State,
		EscalationLevel: occ.EscalationLevel,
		Actor:           actor,
		Time:            at.UTC().Format(time.RFC3339),
		Suggestion:      suggestionFor(occ.Severity),
	}
}

func eventLabel(event string) string {
	switch event {
	case alarmapp.EventTriggered:
		return "Triggered"
	case alarmapp.EventAcknowledged:
		return "Acknowledged"
	case alarmapp.EventCleared:
		return "Cleared"
	case alarmapp.EventEscalated:
		return "Escalated"
	default:
		return event
	}
}

func suggestionFor(severity alarms.Severity) string {
	switch severity {
	case alarms.SeverityCritical, alarms.SeverityHigh:
		return "Investigate immediately and mitigate risk."
	case alarms.SeverityMedium:
		return "Verify the condition and take action if needed."
	default:
		return "Monitor the alarm condition."
	}
}

func (d *Dispatcher) shouldSend(occID, eventType, content string) bool {
	if d.cooldown <= 0 && d.dedupe <= 0 {
		return true
	}
	key := notificationKey(occID, eventType)
	now := d.clock.Now().UTC()
	hash := hashContent(content)

	d.mu.Lock()
	record, ok := d.sent[key]
	d.mu.Unlock()
	if !ok {
		return true
	}
	if d.cooldown > 0 && now.Sub(record.at) < d.cooldown {
		return false
	}
	if d.dedupe > 0 && record.hash == hash && now.Sub(record.at) < d.dedupe {
		return false
	}
	return true
}

func (d *Dispatcher) markSent(occID, eventType, content string) {
	key := notificationKey(occID, eventType)
	d.mu.Lock()
	d.sent[key] = sendRecord{
		at:   d.clock.Now().UTC(),
		hash: hashContent(content),
	}
	d.mu.Unlock()
}

func notificationKey(occID, eventType string) string {
	return occID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}
