package eventing

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event kinds on the outbound wire.
const (
	KindValueChanged      = "value_changed"
	KindAlarmTriggered    = "alarm_triggered"
	KindAlarmAcknowledged = "alarm_acknowledged"
	KindAlarmCleared      = "alarm_cleared"
	KindAlarmEscalated    = "alarm_escalated"
	KindEngineFault       = "engine_fault"
)

// Envelope wraps an outbound event with routing metadata. TenantID is
// mandatory: the fan-out refuses envelopes without one.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id,omitempty"`
	Severity   string          `json:"severity,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope around a payload.
func NewEnvelope(kind, tenantID, deviceID string, payload any) (Envelope, error) {
	if kind == "" {
		return Envelope{}, errors.New("eventing: empty event kind")
	}
	if tenantID == "" {
		return Envelope{}, errors.New("eventing: empty tenant id")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:    NewEventID(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		TenantID:   tenantID,
		DeviceID:   deviceID,
		Payload:    raw,
	}, nil
}

// NewEventID generates a random event identifier.
func NewEventID() string {
	return uuid.NewString()
}
