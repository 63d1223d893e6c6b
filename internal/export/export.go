// Package export renders a task report as an xlsx workbook.
package export

import (
	"fmt"
	"io"
	"os"

	"github.com/xuri/excelize/v2"

	"cyclecount/internal/domain"
	"cyclecount/internal/reconcile"
)

const (
	SheetDiscrepancies = "Discrepancies"
	SheetCounts        = "Counts"
	SheetSummary       = "Summary"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// FileName is the download name for a task report.
func FileName(t domain.InventoryTask) string {
	return fmt.Sprintf("Report_%s.xlsx", t.Date)
}

// Write renders the discrepancy list, per-SKU counts and the summary of t. The task is only
// read.
func Write(w io.Writer, t domain.InventoryTask) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetDiscrepancies); err != nil {
		return err
	}
	rows := [][]any{{"Serial", "SKU", "Name", "Kind", "Unit Price", "Withdrawn", "Reason", "Remarks", "Evidence"}}
	for _, d := range t.Discrepancies {
		reason := ""
		if d.Reason != "" {
			reason = d.Reason.Label()
		}
		rows = append(rows, []any{
			d.Serial, d.SKU, d.Name, string(d.Kind), d.UnitPrice.InexactFloat64(), d.AutoResolved, reason, d.Remarks, len(d.Evidence),
		})
	}
	if err := writeRows(f, SheetDiscrepancies, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(SheetCounts); err != nil {
		return err
	}
	rows = [][]any{{"SKU", "Name", "Method", "Unit Price", "Expected", "Actual", "Diff", "Actual Amount", "Diff Amount"}}
	for _, c := range reconcile.SkuCounts(t) {
		rows = append(rows, []any{
			c.SKU, c.Name, string(c.CountMethod), c.UnitPrice.InexactFloat64(), c.Expected, c.Actual, c.Diff,
			c.ActualAmount.InexactFloat64(), c.DiffAmount.InexactFloat64(),
		})
	}
	if err := writeRows(f, SheetCounts, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(SheetSummary); err != nil {
		return err
	}
	s := reconcile.Summarize(t)
	signedBy := ""
	if t.Signature != nil {
		signedBy = t.Signature.SignedBy
	}
	rows = [][]any{
		{"Task", t.ID},
		{"Date", t.Date},
		{"Status", string(t.Status())},
		{"Signed By", signedBy},
		{"Discrepancies", s.Total},
		{"Loss", s.Loss},
		{"Profit", s.Profit},
		{"Withdrawn", s.Withdrawn},
		{"Pending", s.Pending},
		{"Stock Value", s.StockValue.InexactFloat64()},
		{"Shortage Amount", s.ShortageAmount.InexactFloat64()},
		{"Overage Amount", s.OverageAmount.InexactFloat64()},
		{"Diff Amount", s.DiffAmount.InexactFloat64()},
		{"Diff Rate %", s.DiffRate.StringFixed(2)},
	}
	if err := writeRows(f, SheetSummary, rows); err != nil {
		return err
	}
	return f.Write(w)
}

// SaveAs writes the report to path.
func SaveAs(path string, t domain.InventoryTask) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
