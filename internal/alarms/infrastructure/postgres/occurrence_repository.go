package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alarms "telemetry-core/internal/alarms/domain"
)

// OccurrenceRepository stores the full occurrence record on every
// lifecycle transition and reloads open ones at boot.
type OccurrenceRepository struct {
	db *sql.DB
}

// NewOccurrenceRepository constructs a repository.
func NewOccurrenceRepository(db *sql.DB) *OccurrenceRepository {
	return &OccurrenceRepository{db: db}
}

// Save upserts one occurrence. The engine calls it on trigger,
// acknowledge, escalation and clear, so the stored row always reflects
// the latest transition.
func (r *OccurrenceRepository) Save(ctx context.Context, occ alarms.Occurrence) error {
	if r == nil || r.db == nil {
		return errors.New("occurrence repo: nil db")
	}
	if occ.ID == "" {
		return errors.New("occurrence repo: empty occurrence id")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alarm_occurrences (
	id, rule_id, tenant_id, point_id, device_id, state, severity, condition, trigger_value,
	acked_by, acked_at, ack_comment,
	cleared_by, cleared_at, clear_comment, cleared_value, forced_clear,
	escalation_level, notify_count, triggered_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9,
	$10, $11, $12,
	$13, $14, $15, $16, $17,
	$18, $19, $20, $21
)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	severity = EXCLUDED.severity,
	condition = EXCLUDED.condition,
	trigger_value = EXCLUDED.trigger_value,
	acked_by = EXCLUDED.acked_by,
	acked_at = EXCLUDED.acked_at,
	ack_comment = EXCLUDED.ack_comment,
	cleared_by = EXCLUDED.cleared_by,
	cleared_at = EXCLUDED.cleared_at,
	clear_comment = EXCLUDED.clear_comment,
	cleared_value = EXCLUDED.cleared_value,
	forced_clear = EXCLUDED.forced_clear,
	escalation_level = EXCLUDED.escalation_level,
	notify_count = EXCLUDED.notify_count,
	updated_at = EXCLUDED.updated_at`,
		occ.ID, occ.RuleID, occ.TenantID, occ.PointID, nullString(occ.DeviceID),
		occ.State, string(occ.Severity), occ.Condition, occ.TriggerValue,
		nullString(occ.AckedBy), nullTime(occ.AckedAt), nullString(occ.AckComment),
		nullString(occ.ClearedBy), nullTime(occ.ClearedAt), nullString(occ.ClearComment),
		occ.ClearedValue, occ.ForcedClear,
		occ.EscalationLevel, occ.NotifyCount, occ.TriggeredAt.UTC(), occ.UpdatedAt.UTC())
	return err
}

const occurrenceColumns = `id, rule_id, tenant_id, point_id, device_id, state, severity, condition, trigger_value,
	acked_by, acked_at, ack_comment,
	cleared_by, cleared_at, clear_comment, cleared_value, forced_clear,
	escalation_level, notify_count, triggered_at, updated_at`

// ListOpenOccurrences returns every active or acknowledged occurrence
// for startup recovery.
func (r *OccurrenceRepository) ListOpenOccurrences(ctx context.Context) ([]alarms.Occurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("occurrence repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+occurrenceColumns+`
FROM alarm_occurrences
WHERE state IN ($1, $2)
ORDER BY triggered_at ASC`, alarms.StateActive, alarms.StateAcknowledged)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, occ)
	}
	return result, rows.Err()
}

// ListByTenant returns a tenant's occurrences, newest first, for the
// history surface and exports.
func (r *OccurrenceRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]alarms.Occurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("occurrence repo: nil db")
	}
	if tenantID == "" {
		return nil, errors.New("occurrence repo: empty tenant id")
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+occurrenceColumns+`
FROM alarm_occurrences
WHERE tenant_id = $1
ORDER BY triggered_at DESC
LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, occ)
	}
	return result, rows.Err()
}

func scanOccurrence(row rowScanner) (alarms.Occurrence, error) {
	var occ alarms.Occurrence
	var deviceID, ackedBy, ackComment, clearedBy, clearComment sql.NullString
	var ackedAt, clearedAt sql.NullTime
	var severity string
	if err := row.Scan(
		&occ.ID,
		&occ.RuleID,
		&occ.TenantID,
		&occ.PointID,
		&deviceID,
		&occ.State,
		&severity,
		&occ.Condition,
		&occ.TriggerValue,
		&ackedBy,
		&ackedAt,
		&ackComment,
		&clearedBy,
		&clearedAt,
		&clearComment,
		&occ.ClearedValue,
		&occ.ForcedClear,
		&occ.EscalationLevel,
		&occ.NotifyCount,
		&occ.TriggeredAt,
		&occ.UpdatedAt,
	); err != nil {
		return alarms.Occurrence{}, err
	}
	occ.DeviceID = deviceID.String
	occ.Severity = alarms.Severity(severity)
	occ.AckedBy = ackedBy.String
	occ.AckComment = ackComment.String
	occ.ClearedBy = clearedBy.String
	occ.ClearComment = clearComment.String
	if ackedAt.Valid {
		occ.AckedAt = ackedAt.Time.UTC()
	}
	if clearedAt.Valid {
		occ.ClearedAt = clearedAt.Time.UTC()
	}
	occ.TriggeredAt = occ.TriggeredAt.UTC()
	occ.UpdatedAt = occ.UpdatedAt.UTC()
	return occ, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
