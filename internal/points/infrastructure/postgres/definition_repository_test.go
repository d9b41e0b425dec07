package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	points "telemetry-core/internal/points/domain"
)

func TestDefinitionRepository_ListVirtualPoints(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC().Truncate(time.Second)
	inputs := `[{"variable":"a","kind":"point","point_id":"raw.current"},{"variable":"k","kind":"constant","constant":1.73}]`
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "site_id", "device_id", "name", "data_type", "formula", "inputs",
		"trigger_mode", "interval_ms", "error_policy", "timeout_ms", "retry_count", "stale_threshold_ms",
		"enabled", "created_at", "updated_at",
	}).AddRow(
		"vp.power", "tenant-1", "site-1", "device-5", "apparent power", "double", "a * k", []byte(inputs),
		"onchange", int64(0), "return_null", int64(5000), 1, int64(0),
		true, now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM virtual_points").WillReturnRows(rows)

	repo := NewDefinitionRepository(db)
	defs, err := repo.ListVirtualPoints(context.Background())
	if err != nil {
		t.Fatalf("list virtual points: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	vp := defs[0]
	if vp.ID != "vp.power" || vp.Trigger != points.TriggerOnChange {
		t.Fatalf("unexpected definition %+v", vp)
	}
	if vp.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout %v", vp.Timeout)
	}
	if len(vp.Inputs) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(vp.Inputs))
	}
	if vp.Inputs[0].Kind != points.SourcePoint || vp.Inputs[0].PointID != "raw.current" {
		t.Fatalf("unexpected first binding %+v", vp.Inputs[0])
	}
	konst, ok := vp.Inputs[1].Constant.AsFloat()
	if vp.Inputs[1].Kind != points.SourceConstant || !ok || konst != 1.73 {
		t.Fatalf("unexpected constant binding %+v", vp.Inputs[1])
	}
	if err := vp.Validate(); err != nil {
		t.Fatalf("loaded definition invalid: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDefinitionRepository_GetPointAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM points").
		WithArgs("raw.missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "site_id", "device_id", "name", "data_type", "unit",
			"enabled", "created_at", "updated_at",
		}))

	repo := NewDefinitionRepository(db)
	p, err := repo.GetPoint(context.Background(), "raw.missing")
	if err != nil {
		t.Fatalf("get point: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil for absent point, got %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDefinitionRepository_TenantOf(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT tenant_id FROM points").
		WithArgs("vp.power").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-1"))

	repo := NewDefinitionRepository(db)
	tenantID, err := repo.TenantOf(context.Background(), "vp.power")
	if err != nil {
		t.Fatalf("tenant of: %v", err)
	}
	if tenantID != "tenant-1" {
		t.Fatalf("unexpected tenant %q", tenantID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestComputedValueWriter_WriteComputed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	ts := time.Now().UTC()
	mock.ExpectExec("INSERT INTO computed_values").
		WithArgs("vp.power", []byte("51.9"), "good", ts, int64(1200)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	writer := NewComputedValueWriter(db)
	err = writer.WriteComputed(context.Background(), "vp.power", points.Float(51.9), points.QualityGood, ts, 1200*time.Microsecond)
	if err != nil {
		t.Fatalf("write computed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
