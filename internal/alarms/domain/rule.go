package alarms

import (
	"errors"
	"fmt"
	"time"
)

// RuleKind discriminates alarm conditions.
type RuleKind string

const (
	KindAnalogThreshold RuleKind = "analog-threshold"
	KindDigitalEdge     RuleKind = "digital-edge"
	KindScripted        RuleKind = "scripted"
)

// Valid returns true when the kind is supported.
func (k RuleKind) Valid() bool {
	switch k {
	case KindAnalogThreshold, KindDigitalEdge, KindScripted:
		return true
	default:
		return false
	}
}

// Severity orders alarm importance, lowest to highest.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid returns true when the severity is known.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank returns a comparable ordering for severities.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return -1
	}
}

// EdgeCondition names the digital transition a rule fires on.
type EdgeCondition string

const (
	EdgeRising  EdgeCondition = "rising"
	EdgeFalling EdgeCondition = "falling"
	EdgeOnTrue  EdgeCondition = "on_true"
	EdgeOnFalse EdgeCondition = "on_false"
)

// Valid returns true when the edge condition is supported.
func (e EdgeCondition) Valid() bool {
	switch e {
	case EdgeRising, EdgeFalling, EdgeOnTrue, EdgeOnFalse:
		return true
	default:
		return false
	}
}

// Thresholds is the analog limit set. Nil limits are not evaluated.
type Thresholds struct {
	HighHigh *float64 `json:"high_high,omitempty"`
	High     *float64 `json:"high,omitempty"`
	Low      *float64 `json:"low,omitempty"`
	LowLow   *float64 `json:"low_low,omitempty"`
	Deadband float64  `json:"deadband"`
}

// Condition labels stamped on occurrences.
const (
	ConditionHighHigh = "high_high"
	ConditionHigh     = "high"
	ConditionLow      = "low"
	ConditionLowLow   = "low_low"
	ConditionScript   = "script"
	ConditionFault    = "engine_fault"
)

// Escalation configures unacknowledged-alarm escalation.
type Escalation struct {
	MaxLevel   int           `json:"max_level"`
	LevelDelay time.Duration `json:"level_delay"`
}

// SuppressionWindow is a daily window (HH:MM, engine-local time)
// during which the rule evaluates but emits no transitions.
type SuppressionWindow struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Covers reports whether the instant falls inside the window.
func (w SuppressionWindow) Covers(at time.Time) bool {
	from, err1 := time.Parse("15:04", w.From)
	to, err2 := time.Parse("15:04", w.To)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := at.Hour()*60 + at.Minute()
	fromMin := from.Hour()*60 + from.Minute()
	toMin := to.Hour()*60 + to.Minute()
	if fromMin <= toMin {
		return minute >= fromMin && minute < toMin
	}
	// Window wraps midnight.
	return minute >= fromMin || minute < toMin
}

// Rule is an alarm rule bound to a single point.
type Rule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	PointID  string `json:"point_id"`
	DeviceID string `json:"device_id,omitempty"`

	Kind       RuleKind      `json:"kind"`
	Thresholds Thresholds    `json:"thresholds"`
	Edge       EdgeCondition `json:"edge,omitempty"`
	Script     string        `json:"script,omitempty"`

	Severity Severity `json:"severity"`

	// EvaluateUncertain opts the rule into evaluating inputs whose
	// quality is not good.
	EvaluateUncertain bool `json:"evaluate_uncertain"`

	AutoAcknowledge bool `json:"auto_acknowledge"`
	AutoClear       bool `json:"auto_clear"`

	// Latched rules keep a cleared occurrence closed; non-latching
	// rules may open a fresh occurrence on the next trigger.
	Latched bool `json:"latched"`

	Escalation  Escalation          `json:"escalation"`
	Suppression []SuppressionWindow `json:"suppression,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks rule invariants.
func (r Rule) Validate() error {
	if r.ID == "" {
		return errors.New("alarm rule: empty id")
	}
	if r.TenantID == "" {
		return errors.New("alarm rule: empty tenant id")
	}
	if r.Name == "" {
		return fmt.Errorf("alarm rule %s: empty name", r.ID)
	}
	if r.PointID == "" {
		return fmt.Errorf("alarm rule %s: empty target point", r.ID)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("alarm rule %s: invalid kind %q", r.ID, r.Kind)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("alarm rule %s: invalid severity %q", r.ID, r.Severity)
	}
	switch r.Kind {
	case KindAnalogThreshold:
		if r.Thresholds.HighHigh == nil && r.Thresholds.High == nil &&
			r.Thresholds.Low == nil && r.Thresholds.LowLow == nil {
			return fmt.Errorf("alarm rule %s: analog rule without thresholds", r.ID)
		}
		if r.Thresholds.Deadband < 0 {
			return fmt.Errorf("alarm rule %s: negative deadband", r.ID)
		}
	case KindDigitalEdge:
		if !r.Edge.Valid() {
			return fmt.Errorf("alarm rule %s: invalid edge condition %q", r.ID, r.Edge)
		}
	case KindScripted:
		if r.Script == "" {
			return fmt.Errorf("alarm rule %s: empty script", r.ID)
		}
	}
	if r.Escalation.MaxLevel < 0 {
		return fmt.Errorf("alarm rule %s: negative escalation level", r.ID)
	}
	if r.Escalation.MaxLevel > 0 && r.Escalation.LevelDelay <= 0 {
		return fmt.Errorf("alarm rule %s: escalation requires a positive delay", r.ID)
	}
	return nil
}

// SuppressedAt reports whether any suppression window covers the instant.
func (r Rule) SuppressedAt(at time.Time) bool {
	for _, w := range r.Suppression {
		if w.Covers(at) {
			return true
		}
	}
	return false
}
