// Package report renders alarm occurrence history into downloadable
// documents.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarms "telemetry-core/internal/alarms/domain"
)

// BuildOccurrencePDF renders a tenant's occurrence history as a PDF.
func BuildOccurrencePDF(tenantID string, occs []alarms.Occurrence, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alarm Occurrence Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Tenant: %s", tenantID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Occurrences: %d", len(occs)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(45, 6, "Triggered", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Point", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Condition", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Severity", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.CellFormat(28, 6, "State", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Acked By", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Cleared By", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, occ := range occs {
		pdf.CellFormat(45, 6, occ.TriggeredAt.UTC().Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, occ.PointID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, occ.Condition, "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, string(occ.Severity), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%.3f", occ.TriggerValue), "1", 0, "R", false, 0, "")
		pdf.CellFormat(28, 6, occ.State, "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, occ.AckedBy, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, occ.ClearedBy, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildOccurrenceXLSX renders a tenant's occurrence history as an XLSX
// workbook with a summary and a detail sheet.
func BuildOccurrenceXLSX(tenantID string, occs []alarms.Occurrence, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	detailSheet := "occurrences"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(detailSheet)

	open := 0
	bySeverity := make(map[alarms.Severity]int)
	for _, occ := range occs {
		if occ.Open() {
			open++
		}
		bySeverity[occ.Severity]++
	}

	_ = f.SetCellValue(summarySheet, "A1", "Alarm Occurrence Report")
	_ = f.SetCellValue(summarySheet, "A3", "Tenant")
	_ = f.SetCellValue(summarySheet, "B3", tenantID)
	_ = f.SetCellValue(summarySheet, "A4", "Generated")
	_ = f.SetCellValue(summarySheet, "B4", generatedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "Total")
	_ = f.SetCellValue(summarySheet, "B5", len(occs))
	_ = f.SetCellValue(summarySheet, "A6", "Open")
	_ = f.SetCellValue(summarySheet, "B6", open)
	row := 8
	for _, severity := range []alarms.Severity{
		alarms.SeverityCritical, alarms.SeverityHigh, alarms.SeverityMedium,
		alarms.SeverityLow, alarms.SeverityInfo,
	} {
		if bySeverity[severity] == 0 {
			continue
		}
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), string(severity))
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), bySeverity[severity])
		row++
	}

	headers := []string{"ID", "Rule", "Point", "Device", "State", "Severity", "Condition",
		"Trigger Value", "Triggered At", "Acked By", "Acked At", "Ack Comment",
		"Cleared By", "Cleared At", "Cleared Value", "Forced", "Escalation Level"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(detailSheet, cell, header)
	}
	for i, occ := range occs {
		values := []any{
			occ.ID, occ.RuleID, occ.PointID, occ.DeviceID, occ.State, string(occ.Severity),
			occ.Condition, occ.TriggerValue, occ.TriggeredAt.UTC().Format(time.RFC3339),
			occ.AckedBy, formatTime(occ.AckedAt), occ.AckComment,
			occ.ClearedBy, formatTime(occ.ClearedAt), occ.ClearedValue, occ.ForcedClear,
			occ.EscalationLevel,
		}
		for j, value := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			_ = f.SetCellValue(detailSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
