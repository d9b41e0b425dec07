package alarms

import "time"

// Occurrence states.
const (
	StateActive       = "active"
	StateAcknowledged = "acknowledged"
	StateCleared      = "cleared"
)

// SystemActor tags transitions the engine performed itself
// (auto-acknowledge, auto-clear).
const SystemActor = "system"

// Occurrence is one instance of a rule being triggered, with its own
// acknowledge/clear lifecycle. At most one active-or-acknowledged
// occurrence exists per rule at a time.
type Occurrence struct {
	ID       string `json:"id"`
	RuleID   string `json:"rule_id"`
	TenantID string `json:"tenant_id"`
	PointID  string `json:"point_id"`
	DeviceID string `json:"device_id,omitempty"`

	State        string   `json:"state"`
	Severity     Severity `json:"severity"`
	Condition    string   `json:"condition"`
	TriggerValue float64  `json:"trigger_value"`

	AckedBy    string    `json:"acked_by,omitempty"`
	AckedAt    time.Time `json:"acked_at,omitempty"`
	AckComment string    `json:"ack_comment,omitempty"`

	ClearedBy    string    `json:"cleared_by,omitempty"`
	ClearedAt    time.Time `json:"cleared_at,omitempty"`
	ClearComment string    `json:"clear_comment,omitempty"`
	ClearedValue float64   `json:"cleared_value,omitempty"`
	ForcedClear  bool      `json:"forced_clear,omitempty"`

	EscalationLevel int `json:"escalation_level"`
	NotifyCount     int `json:"notify_count"`

	TriggeredAt time.Time `json:"triggered_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Open reports whether the occurrence still gates new triggers.
func (o Occurrence) Open() bool {
	return o.State == StateActive || o.State == StateAcknowledged
}

// Acknowledge moves active -> acknowledged, recording the actor.
func (o *Occurrence) Acknowledge(actor, comment string, at time.Time) error {
	switch o.State {
	case StateActive:
	case StateCleared:
		return ErrAlreadyCleared
	default:
		return ErrNotActive
	}
	o.State = StateAcknowledged
	o.AckedBy = actor
	o.AckComment = comment
	o.AckedAt = at.UTC()
	o.UpdatedAt = at.UTC()
	return nil
}

// Clear moves either open state to cleared, stamping the value at
// clear time. Forced clears record the operator override.
func (o *Occurrence) Clear(actor, comment string, value float64, at time.Time, forced bool) error {
	if o.State == StateCleared {
		return ErrAlreadyCleared
	}
	if !o.Open() {
		return ErrNotActive
	}
	o.State = StateCleared
	o.ClearedBy = actor
	o.ClearComment = comment
	o.ClearedValue = value
	o.ForcedClear = forced
	o.ClearedAt = at.UTC()
	o.UpdatedAt = at.UTC()
	return nil
}
