package points

import (
	"errors"
	"fmt"
	"time"
)

// Trigger decides when a virtual point recomputes.
type Trigger string

const (
	TriggerTimer    Trigger = "timer"
	TriggerOnChange Trigger = "onchange"
	TriggerManual   Trigger = "manual"
)

// Valid returns true when the trigger is supported.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerTimer, TriggerOnChange, TriggerManual:
		return true
	default:
		return false
	}
}

// ErrorPolicy decides the stored outcome of a failed evaluation.
type ErrorPolicy string

const (
	PolicyReturnNull     ErrorPolicy = "return_null"
	PolicyReturnZero     ErrorPolicy = "return_zero"
	PolicyReturnPrevious ErrorPolicy = "return_previous"
	PolicyPropagateError ErrorPolicy = "propagate_error"
)

// Valid returns true when the policy is supported.
func (p ErrorPolicy) Valid() bool {
	switch p {
	case PolicyReturnNull, PolicyReturnZero, PolicyReturnPrevious, PolicyPropagateError:
		return true
	default:
		return false
	}
}

// SourceKind discriminates input bindings.
type SourceKind string

const (
	SourcePoint    SourceKind = "point"
	SourceConstant SourceKind = "constant"
)

// InputBinding maps a formula variable to a point or a constant.
type InputBinding struct {
	Variable string     `json:"variable"`
	Kind     SourceKind `json:"kind"`
	PointID  string     `json:"point_id,omitempty"`
	Constant Value      `json:"constant"`
}

// Validate checks the binding.
func (b InputBinding) Validate() error {
	if b.Variable == "" {
		return errors.New("input binding: empty variable name")
	}
	switch b.Kind {
	case SourcePoint:
		if b.PointID == "" {
			return fmt.Errorf("input %q: empty point reference", b.Variable)
		}
	case SourceConstant:
		if b.Constant.IsNull() {
			return fmt.Errorf("input %q: null constant", b.Variable)
		}
	default:
		return fmt.Errorf("input %q: unknown source kind %q", b.Variable, b.Kind)
	}
	return nil
}

// VirtualPoint is a derived measurement computed from other points.
type VirtualPoint struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	SiteID   string `json:"site_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Name     string `json:"name"`

	DataType DataType       `json:"data_type"`
	Formula  string         `json:"formula"`
	Inputs   []InputBinding `json:"inputs"`

	Trigger  Trigger       `json:"trigger"`
	Interval time.Duration `json:"interval,omitempty"`

	ErrorPolicy    ErrorPolicy   `json:"error_policy"`
	Timeout        time.Duration `json:"timeout"`
	RetryCount     int           `json:"retry_count"`
	StaleThreshold time.Duration `json:"stale_threshold,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks definition invariants, including the scope rule:
// device scope requires both site and device, site scope requires a
// site, tenant scope requires neither.
func (v VirtualPoint) Validate() error {
	if v.ID == "" {
		return errors.New("virtual point: empty id")
	}
	if v.TenantID == "" {
		return errors.New("virtual point: empty tenant id")
	}
	if v.Name == "" {
		return fmt.Errorf("virtual point %s: empty name", v.ID)
	}
	if !v.DataType.Valid() {
		return fmt.Errorf("virtual point %s: invalid data type %q", v.ID, v.DataType)
	}
	if v.Formula == "" {
		return fmt.Errorf("virtual point %s: empty formula", v.ID)
	}
	if v.DeviceID != "" && v.SiteID == "" {
		return fmt.Errorf("virtual point %s: device scope requires a site", v.ID)
	}
	if !v.Trigger.Valid() {
		return fmt.Errorf("virtual point %s: invalid trigger %q", v.ID, v.Trigger)
	}
	if v.Trigger == TriggerTimer && v.Interval <= 0 {
		return fmt.Errorf("virtual point %s: timer trigger requires a positive interval", v.ID)
	}
	if !v.ErrorPolicy.Valid() {
		return fmt.Errorf("virtual point %s: invalid error policy %q", v.ID, v.ErrorPolicy)
	}
	if v.Timeout <= 0 {
		return fmt.Errorf("virtual point %s: non-positive timeout", v.ID)
	}
	if v.RetryCount < 0 {
		return fmt.Errorf("virtual point %s: negative retry count", v.ID)
	}
	seen := make(map[string]struct{}, len(v.Inputs))
	for _, input := range v.Inputs {
		if err := input.Validate(); err != nil {
			return fmt.Errorf("virtual point %s: %w", v.ID, err)
		}
		if _, dup := seen[input.Variable]; dup {
			return fmt.Errorf("virtual point %s: duplicate input variable %q", v.ID, input.Variable)
		}
		seen[input.Variable] = struct{}{}
	}
	return nil
}

// PointInputs returns the ids of point-backed inputs, in declaration order.
func (v VirtualPoint) PointInputs() []string {
	ids := make([]string, 0, len(v.Inputs))
	for _, input := range v.Inputs {
		if input.Kind == SourcePoint {
			ids = append(ids, input.PointID)
		}
	}
	return ids
}
