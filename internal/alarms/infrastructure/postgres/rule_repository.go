// Package postgres persists alarm rules and occurrence history.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	alarms "telemetry-core/internal/alarms/domain"
)

// Rule target types. Group targets exist in storage for future
// aggregation support but cannot be evaluated yet.
const (
	targetPoint = "point"
	targetGroup = "group"
)

// RuleRepository is a Postgres repository for alarm rules.
type RuleRepository struct {
	db *sql.DB
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `target_type, id, tenant_id, name, point_id, device_id, kind, thresholds, edge, script,
	severity, evaluate_uncertain, auto_acknowledge, auto_clear, latched,
	escalation_max_level, escalation_delay_ms, suppression, enabled, created_at, updated_at`

// ListRules returns every point-targeted rule. Group-targeted rows are
// excluded at the query.
func (r *RuleRepository) ListRules(ctx context.Context) ([]alarms.Rule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm rule repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+ruleColumns+`
FROM alarm_rules
WHERE target_type = $1
ORDER BY id ASC`, targetPoint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Rule
	for rows.Next() {
		rule, _, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

// GetRule loads one rule by id, nil when absent. Loading a
// group-targeted rule fails with ErrGroupTargetUnsupported.
func (r *RuleRepository) GetRule(ctx context.Context, id string) (*alarms.Rule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm rule repo: nil db")
	}
	if id == "" {
		return nil, errors.New("alarm rule repo: empty rule id")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+ruleColumns+`
FROM alarm_rules
WHERE id = $1
LIMIT 1`, id)
	rule, targetType, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if targetType == targetGroup {
		return nil, alarms.ErrGroupTargetUnsupported
	}
	return &rule, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (alarms.Rule, string, error) {
	var rule alarms.Rule
	var targetType, kind, severity string
	var deviceID, edge, script sql.NullString
	var thresholdsJSON, suppressionJSON []byte
	var delayMS int64
	if err := row.Scan(
		&targetType,
		&rule.ID,
		&rule.TenantID,
		&rule.Name,
		&rule.PointID,
		&deviceID,
		&kind,
		&thresholdsJSON,
		&edge,
		&script,
		&severity,
		&rule.EvaluateUncertain,
		&rule.AutoAcknowledge,
		&rule.AutoClear,
		&rule.Latched,
		&rule.Escalation.MaxLevel,
		&delayMS,
		&suppressionJSON,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return alarms.Rule{}, "", err
	}
	if len(thresholdsJSON) > 0 {
		if err := json.Unmarshal(thresholdsJSON, &rule.Thresholds); err != nil {
			return alarms.Rule{}, "", err
		}
	}
	if len(suppressionJSON) > 0 {
		if err := json.Unmarshal(suppressionJSON, &rule.Suppression); err != nil {
			return alarms.Rule{}, "", err
		}
	}
	rule.DeviceID = deviceID.String
	rule.Kind = alarms.RuleKind(kind)
	rule.Edge = alarms.EdgeCondition(edge.String)
	rule.Script = script.String
	rule.Severity = alarms.Severity(severity)
	rule.Escalation.LevelDelay = time.Duration(delayMS) * time.Millisecond
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return rule, targetType, nil
}
