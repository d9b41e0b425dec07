// Package events defines the internal events the computation side
// publishes on the engine bus.
package events

import (
	"time"

	points "telemetry-core/internal/points/domain"
)

// ValueChanged is published after every committed value-store change,
// raw or derived. Seq matches the store commit sequence so downstream
// consumers observe per-point ordering.
type ValueChanged struct {
	PointID   string         `json:"point_id"`
	TenantID  string         `json:"tenant_id"`
	SiteID    string         `json:"site_id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	Virtual   bool           `json:"virtual"`
	Value     points.Value   `json:"value"`
	Quality   points.Quality `json:"quality"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}

// EngineFault is raised when a propagate_error point keeps failing.
// The alarm engine consumes it like a digital trigger, making
// persistent computation failure itself alarmable.
type EngineFault struct {
	PointID     string    `json:"point_id"`
	TenantID    string    `json:"tenant_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Consecutive int       `json:"consecutive"`
	LastError   string    `json:"last_error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
