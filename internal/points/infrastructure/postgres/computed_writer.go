package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	points "telemetry-core/internal/points/domain"
)

// ComputedValueWriter appends every successful virtual point
// evaluation to the computed value history.
type ComputedValueWriter struct {
	db *sql.DB
}

// NewComputedValueWriter constructs a writer.
func NewComputedValueWriter(db *sql.DB) *ComputedValueWriter {
	return &ComputedValueWriter{db: db}
}

// WriteComputed inserts one evaluation result row.
func (w *ComputedValueWriter) WriteComputed(ctx context.Context, pointID string, value points.Value, quality points.Quality, ts time.Time, duration time.Duration) error {
	if w == nil || w.db == nil {
		return errors.New("computed writer: nil db")
	}
	if pointID == "" {
		return errors.New("computed writer: empty point id")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = w.db.ExecContext(ctx, `
INSERT INTO computed_values (point_id, value, quality, computed_at, duration_us)
VALUES ($1, $2, $3, $4, $5)`,
		pointID, raw, string(quality), ts.UTC(), duration.Microseconds())
	return err
}
