package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	billingapp "github.com/corybantes/smart-distribution-board/internal/billing/application"
)

// BuildStatementPDF renders a monthly account statement.
func BuildStatementPDF(stmt *billingapp.Statement, generated time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Energy Statement")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Account: %s", stmt.AccountID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Outlet: %s", stmt.Outlet))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Month: %s", stmt.Month))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.UTC().Format(time.RFC3339)))
	pdf.Ln(9)

	pdf.Cell(0, 6, fmt.Sprintf("Total Energy (kWh): %.3f", stmt.TotalEnergy))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Charges: %s", stmt.TotalCharges.StringFixed(2)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Credits: %s", stmt.TotalCredits.StringFixed(2)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Current Balance: %s", stmt.Balance.StringFixed(2)))
	if stmt.Forecast != nil {
		pdf.Ln(5)
		pdf.Cell(0, 6, fmt.Sprintf("Forecast %s: %s", stmt.Forecast.NextMonth, stmt.Forecast.Predicted.StringFixed(2)))
	}
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(35, 6, "Day", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Energy (kWh)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Charges", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Credits", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Records", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, line := range stmt.Lines {
		pdf.CellFormat(35, 6, line.Day.Format("2006-01-02"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 6, fmt.Sprintf("%.3f", line.EnergyKWh), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, line.Charges.StringFixed(2), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, line.Credits.StringFixed(2), "1", 0, "R", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%d", line.Records), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildStatementXLSX renders a monthly account statement workbook.
func BuildStatementXLSX(stmt *billingapp.Statement) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	daysSheet := "days"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(daysSheet); err != nil {
		return nil, err
	}

	charges, _ := stmt.TotalCharges.Float64()
	credits, _ := stmt.TotalCredits.Float64()
	balance, _ := stmt.Balance.Float64()
	summary := [][2]any{
		{"Account", stmt.AccountID},
		{"Outlet", stmt.Outlet},
		{"Month", stmt.Month},
		{"Total Energy (kWh)", stmt.TotalEnergy},
		{"Total Charges", charges},
		{"Total Credits", credits},
		{"Current Balance", balance},
	}
	if stmt.Forecast != nil {
		predicted, _ := stmt.Forecast.Predicted.Float64()
		summary = append(summary, [2]any{"Forecast " + stmt.Forecast.NextMonth, predicted})
	}
	_ = f.SetCellValue(summarySheet, "A1", "Energy Statement")
	for i, row := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+3), row[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+3), row[1])
	}

	_ = f.SetCellValue(daysSheet, "A1", "Day")
	_ = f.SetCellValue(daysSheet, "B1", "Energy (kWh)")
	_ = f.SetCellValue(daysSheet, "C1", "Charges")
	_ = f.SetCellValue(daysSheet, "D1", "Credits")
	_ = f.SetCellValue(daysSheet, "E1", "Records")
	for i, line := range stmt.Lines {
		row := i + 2
		lineCharges, _ := line.Charges.Float64()
		lineCredits, _ := line.Credits.Float64()
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("A%d", row), line.Day.Format("2006-01-02"))
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("B%d", row), line.EnergyKWh)
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("C%d", row), lineCharges)
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("D%d", row), lineCredits)
		_ = f.SetCellValue(daysSheet, fmt.Sprintf("E%d", row), line.Records)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
