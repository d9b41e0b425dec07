package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	alarms "telemetry-core/internal/alarms/domain"
)

func ruleRows(targetType string) *sqlmock.Rows {
	now := time.Now().UTC().Truncate(time.Second)
	return sqlmock.NewRows([]string{
		"target_type", "id", "tenant_id", "name", "point_id", "device_id", "kind", "thresholds",
		"edge", "script", "severity", "evaluate_uncertain", "auto_acknowledge", "auto_clear",
		"latched", "escalation_max_level", "escalation_delay_ms", "suppression", "enabled",
		"created_at", "updated_at",
	}).AddRow(
		targetType, "rule-1", "tenant-1", "overcurrent", "motor_current", "device-5",
		"analog-threshold", []byte(`{"high":80,"deadband":5}`),
		nil, nil, "high", false, false, true,
		false, 3, int64(300000), []byte(`[{"from":"22:00","to":"06:00"}]`), true,
		now, now,
	)
}

func TestRuleRepository_ListRules(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM alarm_rules").
		WithArgs(targetPoint).
		WillReturnRows(ruleRows(targetPoint))

	repo := NewRuleRepository(db)
	rules, err := repo.ListRules(context.Background())
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	rule := rules[0]
	if rule.Kind != alarms.KindAnalogThreshold || rule.Severity != alarms.SeverityHigh {
		t.Fatalf("unexpected rule %+v", rule)
	}
	if rule.Thresholds.High == nil || *rule.Thresholds.High != 80 || rule.Thresholds.Deadband != 5 {
		t.Fatalf("unexpected thresholds %+v", rule.Thresholds)
	}
	if rule.Escalation.MaxLevel != 3 || rule.Escalation.LevelDelay != 5*time.Minute {
		t.Fatalf("unexpected escalation %+v", rule.Escalation)
	}
	if len(rule.Suppression) != 1 || rule.Suppression[0].From != "22:00" {
		t.Fatalf("unexpected suppression %+v", rule.Suppression)
	}
	if err := rule.Validate(); err != nil {
		t.Fatalf("loaded rule invalid: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRuleRepository_GetRuleGroupTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM alarm_rules").
		WithArgs("rule-1").
		WillReturnRows(ruleRows(targetGroup))

	repo := NewRuleRepository(db)
	if _, err := repo.GetRule(context.Background(), "rule-1"); err != alarms.ErrGroupTargetUnsupported {
		t.Fatalf("expected ErrGroupTargetUnsupported, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOccurrenceRepository_SaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	occ := alarms.Occurrence{
		ID:           "occ-1",
		RuleID:       "rule-1",
		TenantID:     "tenant-1",
		PointID:      "motor_current",
		DeviceID:     "device-5",
		State:        alarms.StateActive,
		Severity:     alarms.SeverityCritical,
		Condition:    alarms.ConditionHigh,
		TriggerValue: 31,
		TriggeredAt:  now,
		UpdatedAt:    now,
	}
	mock.ExpectExec("INSERT INTO alarm_occurrences").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewOccurrenceRepository(db)
	if err := repo.Save(context.Background(), occ); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOccurrenceRepository_ListOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{
		"id", "rule_id", "tenant_id", "point_id", "device_id", "state", "severity", "condition",
		"trigger_value", "acked_by", "acked_at", "ack_comment", "cleared_by", "cleared_at",
		"clear_comment", "cleared_value", "forced_clear", "escalation_level", "notify_count",
		"triggered_at", "updated_at",
	}).AddRow(
		"occ-1", "rule-1", "tenant-1", "motor_current", nil, "acknowledged", "high", "high",
		90.5, "operator-7", now, "checked", nil, nil,
		nil, 0.0, false, 1, 1,
		now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM alarm_occurrences").
		WithArgs(alarms.StateActive, alarms.StateAcknowledged).
		WillReturnRows(rows)

	repo := NewOccurrenceRepository(db)
	open, err := repo.ListOpenOccurrences(context.Background())
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open occurrence, got %d", len(open))
	}
	occ := open[0]
	if !occ.Open() || occ.State != alarms.StateAcknowledged {
		t.Fatalf("unexpected occurrence %+v", occ)
	}
	if occ.AckedBy != "operator-7" || occ.AckComment != "checked" {
		t.Fatalf("acknowledge fields lost: %+v", occ)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
