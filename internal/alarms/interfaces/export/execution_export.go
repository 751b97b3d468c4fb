// Package export renders execution log reports.
package export

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarms "asset-alerting/internal/alarms/domain"
)

// Report is the content of one execution log export.
type Report struct {
	RuleID      string
	AssetID     string
	GeneratedAt time.Time
	Stats       alarms.ExecutionStats
	Entries     []alarms.ExecutionLogEntry
	Total       int
}

func (r Report) scope() string {
	parts := make([]string, 0, 2)
	if r.RuleID != "" {
		parts = append(parts, "rule "+r.RuleID)
	}
	if r.AssetID != "" {
		parts = append(parts, "asset "+r.AssetID)
	}
	if len(parts) == 0 {
		return "all rules"
	}
	return strings.Join(parts, ", ")
}

// BuildExecutionPDF renders a PDF summary and entry table.
func BuildExecutionPDF(report Report) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Rule Execution Log")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Scope: %s", report.scope()))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Entries: %d of %d", len(report.Entries), report.Total))
	pdf.Ln(8)

	stats := report.Stats
	pdf.Cell(0, 6, fmt.Sprintf("Last 24h: %d runs, %d success, %d warning, %d error, %d satisfied",
		stats.Total, stats.Success, stats.Warning, stats.Error, stats.Satisfied))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Average duration: %.1f ms", stats.AvgDurationMs))
	pdf.Ln(5)
	if !stats.LastExecutedAt.IsZero() {
		pdf.Cell(0, 6, fmt.Sprintf("Last execution: %s", stats.LastExecutedAt.UTC().Format(time.RFC3339)))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	widths := []float64{42, 50, 36, 22, 20, 20, 18, 69}
	headers := []string{"Started", "Rule", "Asset", "Trigger", "Status", "Satisfied", "ms", "Error"}
	pdf.SetFont("Arial", "B", 9)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 6, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, e := range report.Entries {
		row := []string{
			e.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			truncate(ruleLabel(e), 30),
			truncate(e.AssetID, 22),
			string(e.Trigger),
			string(e.Status),
			yesNo(e.Satisfied),
			fmt.Sprintf("%d", e.DurationMs),
			truncate(e.ErrorMessage, 45),
		}
		for i, cell := range row {
			align := "L"
			if i == 6 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 6, cell, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildExecutionXLSX renders a workbook with a summary sheet, one row per
// entry and one row per condition result.
func BuildExecutionXLSX(report Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	entriesSheet := "executions"
	conditionsSheet := "conditions"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(entriesSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(conditionsSheet); err != nil {
		return nil, err
	}

	stats := report.Stats
	summary := [][]any{
		{"Rule Execution Log"},
		{},
		{"Scope", report.scope()},
		{"Generated", report.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Entries", len(report.Entries)},
		{"Total matching", report.Total},
		{"Runs (24h)", stats.Total},
		{"Success (24h)", stats.Success},
		{"Warning (24h)", stats.Warning},
		{"Error (24h)", stats.Error},
		{"Satisfied (24h)", stats.Satisfied},
		{"Avg duration ms (24h)", stats.AvgDurationMs},
	}
	if !stats.LastExecutedAt.IsZero() {
		summary = append(summary, []any{"Last execution", stats.LastExecutedAt.UTC().Format(time.RFC3339)})
	}
	if err := writeRows(f, summarySheet, summary); err != nil {
		return nil, err
	}

	entries := [][]any{{"ID", "Started", "Rule ID", "Rule", "Asset", "Trigger", "Status", "Satisfied", "Duration ms", "Actions", "Computation", "Error"}}
	conditions := [][]any{{"Execution ID", "Condition", "Kind", "Parameter", "Operator", "Threshold", "Value", "Satisfied", "Error"}}
	for _, e := range report.Entries {
		entries = append(entries, []any{
			e.ID,
			e.StartedAt.UTC().Format(time.RFC3339),
			e.RuleID,
			e.RuleName,
			e.AssetID,
			string(e.Trigger),
			string(e.Status),
			e.Satisfied,
			e.DurationMs,
			e.ActionsDispatched,
			e.ComputationRef,
			e.ErrorMessage,
		})
		keys := make([]string, 0, len(e.ConditionResults))
		for k := range e.ConditionResults {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c := e.ConditionResults[k]
			conditions = append(conditions, []any{
				e.ID, k, string(c.Kind), c.Parameter, string(c.Operator),
				cellValue(c.Threshold), cellValue(c.Value), c.Satisfied, c.Error,
			})
		}
	}
	if err := writeRows(f, entriesSheet, entries); err != nil {
		return nil, err
	}
	if err := writeRows(f, conditionsSheet, conditions); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		for j, value := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func cellValue(v any) any {
	switch v.(type) {
	case nil:
		return ""
	case string, bool, float64, float32, int, int64:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func ruleLabel(e alarms.ExecutionLogEntry) string {
	if e.RuleName != "" {
		return e.RuleName
	}
	return e.RuleID
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "~"
}
