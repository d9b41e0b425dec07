package points

import (
	"errors"
	"fmt"
	"time"
)

// DataType enumerates supported point value types.
type DataType string

const (
	TypeBool   DataType = "bool"
	TypeInt    DataType = "int"
	TypeFloat  DataType = "float"
	TypeDouble DataType = "double"
	TypeString DataType = "string"
)

// Valid returns true when the data type is supported.
func (t DataType) Valid() bool {
	switch t {
	case TypeBool, TypeInt, TypeFloat, TypeDouble, TypeString:
		return true
	default:
		return false
	}
}

// Numeric returns true for int/float/double.
func (t DataType) Numeric() bool {
	switch t {
	case TypeInt, TypeFloat, TypeDouble:
		return true
	default:
		return false
	}
}

// Quality classifies how trustworthy a stored value is.
type Quality string

const (
	QualityGood             Quality = "good"
	QualityUncertain        Quality = "uncertain"
	QualityBad              Quality = "bad"
	QualityCalculationError Quality = "calculation_error"
	QualityStale            Quality = "stale"
)

// Valid returns true when the quality is a known classification.
func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualityUncertain, QualityBad, QualityCalculationError, QualityStale:
		return true
	default:
		return false
	}
}

// Point is a raw or derived measurement definition.
type Point struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	SiteID   string   `json:"site_id,omitempty"`
	DeviceID string   `json:"device_id,omitempty"`
	Name     string   `json:"name"`
	DataType DataType `json:"data_type"`
	Unit     string   `json:"unit,omitempty"`
	Enabled  bool     `json:"enabled"`
	// Virtual marks engine-owned derived points; raw points belong to the collector.
	Virtual   bool      `json:"virtual"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks point invariants.
func (p Point) Validate() error {
	if p.ID == "" {
		return errors.New("point: empty id")
	}
	if p.TenantID == "" {
		return errors.New("point: empty tenant id")
	}
	if p.Name == "" {
		return errors.New("point: empty name")
	}
	if !p.DataType.Valid() {
		return fmt.Errorf("point %s: invalid data type %q", p.ID, p.DataType)
	}
	if p.DeviceID != "" && p.SiteID == "" {
		return fmt.Errorf("point %s: device-bound point requires a site", p.ID)
	}
	return nil
}
