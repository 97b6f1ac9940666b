package ledger

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/partyline/relaybank/internal/store"
)

const (
	statementSheet = "Statement"
	bucketsSheet   = "Buckets"
)

// WriteStatement renders a summary and its buckets as an XLSX workbook.
func WriteStatement(w io.Writer, s *Summary, buckets []store.Bucket) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", statementSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(bucketsSheet); err != nil {
		return fmt.Errorf("adding sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4F46E5"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	expiring := ""
	if s.ExpiringInDays != nil {
		expiring = fmt.Sprintf("%.4f h in %d day(s)", s.ExpiringHoursWithin7Days, *s.ExpiringInDays)
	}
	rows := [][]any{
		{"Field", "Value"},
		{"User", s.UserID},
		{"Plan", string(s.PlanType)},
		{"Monthly hours", s.MonthlyHours},
		{"Bank cap", s.BankCap},
		{"Banked hours", s.BankedHours},
		{"Pack hours", s.PackHours},
		{"Total available", s.TotalAvailableHours},
		{"Low credit", s.LowCreditWarning},
		{"Expiring soon", expiring},
		{"Renewal price (cents)", s.RenewalPriceCents},
		{"Price tier", string(s.PriceTier)},
		{"Billing managed", s.IsStripeManaged},
	}
	if err := writeRows(f, statementSheet, rows); err != nil {
		return err
	}
	f.SetCellStyle(statementSheet, "A1", "B1", header)
	f.SetColWidth(statementSheet, "A", "A", 24)
	f.SetColWidth(statementSheet, "B", "B", 32)

	bucketRows := [][]any{{"No", "Source", "Total", "Remaining", "Created", "Expires"}}
	for i, b := range buckets {
		bucketRows = append(bucketRows, []any{
			i + 1,
			string(b.Source),
			b.TotalHours,
			b.RemainingHours,
			b.CreatedAt.Format("2006-01-02 15:04"),
			b.ExpiresAt.Format("2006-01-02 15:04"),
		})
	}
	if err := writeRows(f, bucketsSheet, bucketRows); err != nil {
		return err
	}
	f.SetCellStyle(bucketsSheet, "A1", "F1", header)
	f.SetColWidth(bucketsSheet, "A", "A", 5)
	f.SetColWidth(bucketsSheet, "B", "B", 16)
	f.SetColWidth(bucketsSheet, "C", "D", 12)
	f.SetColWidth(bucketsSheet, "E", "F", 18)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("writing %s!%s: %w", sheet, cell, err)
			}
		}
	}
	return nil
}
