package ingest

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"priceflow/internal"
)

// ExportHistoryToXLSX writes a version's change records to a workbook for
// review outside the system.
func ExportHistoryToXLSX(history []internal.PriceHistory, outputPath string) error {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	headers := []string{
		"unit_id", "version_id", "change_type",
		"old_price", "new_price", "price_change", "price_change_pct",
		"old_price_usd", "new_price_usd",
		"old_status", "new_status",
		"currency", "exchange_rate", "created_at",
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, row := range history {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, row.UnitID)
		set(2, row.PriceVersionID)
		set(3, string(row.ChangeType))
		set(4, derefFloat(row.OldPrice))
		set(5, derefFloat(row.NewPrice))
		set(6, derefFloat(row.PriceChange))
		set(7, derefFloat(row.PriceChangePercent))
		set(8, derefFloat(row.OldPriceUSD))
		set(9, derefFloat(row.NewPriceUSD))
		set(10, derefString(row.OldStatus))
		set(11, derefString(row.NewStatus))
		set(12, row.Currency)
		set(13, derefFloat(row.ExchangeRate))
		set(14, row.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	if dir := filepath.Dir(outputPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return f.SaveAs(outputPath)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
