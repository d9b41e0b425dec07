// Package postgres persists point definitions and computed values.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	points "telemetry-core/internal/points/domain"
)

// DefinitionRepository loads point and virtual point definitions. It
// backs the registry loader and tenant ownership checks.
type DefinitionRepository struct {
	db *sql.DB
}

// NewDefinitionRepository constructs a repository.
func NewDefinitionRepository(db *sql.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

const pointColumns = `id, tenant_id, site_id, device_id, name, data_type, unit, enabled, created_at, updated_at`

// ListPoints returns every raw point definition.
func (r *DefinitionRepository) ListPoints(ctx context.Context) ([]points.Point, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("definition repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+pointColumns+`
FROM points
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []points.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// GetPoint loads one raw point, nil when absent.
func (r *DefinitionRepository) GetPoint(ctx context.Context, id string) (*points.Point, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("definition repo: nil db")
	}
	if id == "" {
		return nil, errors.New("definition repo: empty point id")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+pointColumns+`
FROM points
WHERE id = $1
LIMIT 1`, id)
	p, err := scanPoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// TenantOf resolves the owning tenant of a point or virtual point id.
func (r *DefinitionRepository) TenantOf(ctx context.Context, pointID string) (string, error) {
	if r == nil || r.db == nil {
		return "", errors.New("definition repo: nil db")
	}
	if pointID == "" {
		return "", nil
	}
	row := r.db.QueryRowContext(ctx, `
SELECT tenant_id FROM points WHERE id = $1
UNION ALL
SELECT tenant_id FROM virtual_points WHERE id = $1
LIMIT 1`, pointID)
	var tenantID string
	if err := row.Scan(&tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return tenantID, nil
}

const virtualPointColumns = `id, tenant_id, site_id, device_id, name, data_type, formula, inputs,
	trigger_mode, interval_ms, error_policy, timeout_ms, retry_count, stale_threshold_ms,
	enabled, created_at, updated_at`

// ListVirtualPoints returns every virtual point definition.
func (r *DefinitionRepository) ListVirtualPoints(ctx context.Context) ([]points.VirtualPoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("definition repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+virtualPointColumns+`
FROM virtual_points
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []points.VirtualPoint
	for rows.Next() {
		vp, err := scanVirtualPoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, vp)
	}
	return result, rows.Err()
}

// GetVirtualPoint loads one virtual point, nil when absent.
func (r *DefinitionRepository) GetVirtualPoint(ctx context.Context, id string) (*points.VirtualPoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("definition repo: nil db")
	}
	if id == "" {
		return nil, errors.New("definition repo: empty point id")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+virtualPointColumns+`
FROM virtual_points
WHERE id = $1
LIMIT 1`, id)
	vp, err := scanVirtualPoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &vp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (points.Point, error) {
	var p points.Point
	var siteID, deviceID, unit sql.NullString
	var dataType string
	if err := row.Scan(
		&p.ID,
		&p.TenantID,
		&siteID,
		&deviceID,
		&p.Name,
		&dataType,
		&unit,
		&p.Enabled,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return points.Point{}, err
	}
	p.SiteID = siteID.String
	p.DeviceID = deviceID.String
	p.Unit = unit.String
	p.DataType = points.DataType(dataType)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanVirtualPoint(row rowScanner) (points.VirtualPoint, error) {
	var vp points.VirtualPoint
	var siteID, deviceID sql.NullString
	var dataType, trigger, policy string
	var inputsJSON []byte
	var intervalMS, timeoutMS, staleMS int64
	if err := row.Scan(
		&vp.ID,
		&vp.TenantID,
		&siteID,
		&deviceID,
		&vp.Name,
		&dataType,
		&vp.Formula,
		&inputsJSON,
		&trigger,
		&intervalMS,
		&policy,
		&timeoutMS,
		&vp.RetryCount,
		&staleMS,
		&vp.Enabled,
		&vp.CreatedAt,
		&vp.UpdatedAt,
	); err != nil {
		return points.VirtualPoint{}, err
	}
	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &vp.Inputs); err != nil {
			return points.VirtualPoint{}, err
		}
	}
	vp.SiteID = siteID.String
	vp.DeviceID = deviceID.String
	vp.DataType = points.DataType(dataType)
	vp.Trigger = points.Trigger(trigger)
	vp.ErrorPolicy = points.ErrorPolicy(policy)
	vp.Interval = time.Duration(intervalMS) * time.Millisecond
	vp.Timeout = time.Duration(timeoutMS) * time.Millisecond
	vp.StaleThreshold = time.Duration(staleMS) * time.Millisecond
	vp.CreatedAt = vp.CreatedAt.UTC()
	vp.UpdatedAt = vp.UpdatedAt.UTC()
	return vp, nil
}
