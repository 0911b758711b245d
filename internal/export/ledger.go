// Package export writes the payment ledger as an Excel workbook for finance reconciliation.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"clinicbooking/internal/logging"
	"clinicbooking/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	ledgerSheet  = "Ledger"
	summarySheet = "Summary"
)

var ledgerHeaders = []string{
	"Payment ID", "Created", "Booking Number", "Booking Status", "Patient", "Phone",
	"Service", "Clinic", "Sessions", "Method", "Payment Status", "Subtotal", "Tax",
	"Card Fee", "Total", "Currency", "Gateway Order", "Gateway Payment", "Failure Reason",
	"Cancelled By", "Refund Eligible",
}

type LedgerSource interface {
	ListLedger(ctx context.Context, from, to time.Time) ([]models.LedgerRow, error)
}

type LedgerExporter struct {
	source LedgerSource
	logger *zerolog.Logger
}

func NewLedgerExporter(source LedgerSource, logger *zerolog.Logger) *LedgerExporter {
	return &LedgerExporter{source: source, logger: logging.Component(logger, "ledger_export")}
}

// Export writes payments created in [from, to) to path and returns how many rows it wrote.
func (e *LedgerExporter) Export(ctx context.Context, from, to time.Time, path string) (int, error) {
	if !from.Before(to) {
		return 0, fmt.Errorf("export range is empty: %s to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	rows, err := e.source.ListLedger(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("load ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create export directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	defer file.Close()

	if err := WriteLedger(file, from, to, rows); err != nil {
		return 0, err
	}

	e.logger.Info().
		Str("file_path", path).
		Int("rows", len(rows)).
		Time("from", from).
		Time("to", to).
		Msg("Ledger exported")
	return len(rows), nil
}

// WriteLedger renders rows as a two-sheet workbook: one line per payment plus totals by status.
func WriteLedger(w io.Writer, from, to time.Time, rows []models.LedgerRow) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(ledgerSheet)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	moneyStyle, _ := f.NewStyle(&excelize.Style{NumFmt: 4})

	for i, h := range ledgerHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(ledgerSheet, cell, h)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(ledgerHeaders))
	_ = f.SetCellStyle(ledgerSheet, "A1", lastCol+"1", headerStyle)
	_ = f.SetPanes(ledgerSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	for i, row := range rows {
		if err := writeLedgerRow(f, i+2, row); err != nil {
			return err
		}
	}
	if len(rows) > 0 {
		_ = f.SetCellStyle(ledgerSheet, "L2", fmt.Sprintf("O%d", len(rows)+1), moneyStyle)
	}

	_ = f.SetColWidth(ledgerSheet, "A", lastCol, 16)
	_ = f.SetColWidth(ledgerSheet, "C", "C", 22)
	_ = f.SetColWidth(ledgerSheet, "E", "E", 24)

	if err := writeSummary(f, from, to, rows, headerStyle); err != nil {
		return err
	}

	_ = f.DeleteSheet("Sheet1")

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

func writeLedgerRow(f *excelize.File, r int, row models.LedgerRow) error {
	p, b := row.Payment, row.Booking

	cancelledBy, refund := "", ""
	if b.Cancellation != nil {
		cancelledBy = b.Cancellation.CancelledBy
		refund = "no"
		if b.Cancellation.RefundEligible {
			refund = "yes"
		}
	}

	values := []any{
		p.ID,
		p.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		b.BookingNumber,
		b.SessionStatus,
		b.Patient.Name,
		b.Patient.Phone,
		b.ServiceName,
		b.ClinicName,
		b.Sessions,
		p.Method,
		p.Status,
		p.Breakdown.Subtotal.InexactFloat64(),
		p.Breakdown.Tax.InexactFloat64(),
		p.Breakdown.CreditCardFee.InexactFloat64(),
		p.Amount.InexactFloat64(),
		p.Currency,
		p.GatewayOrderID,
		p.GatewayPaymentID,
		p.FailureReason,
		cancelledBy,
		refund,
	}

	cell, _ := excelize.CoordinatesToCellName(1, r)
	if err := f.SetSheetRow(ledgerSheet, cell, &values); err != nil {
		return fmt.Errorf("write ledger row %d: %w", r, err)
	}
	return nil
}

func writeSummary(f *excelize.File, from, to time.Time, rows []models.LedgerRow, headerStyle int) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}

	_ = f.SetCellValue(summarySheet, "A1", fmt.Sprintf("Period: %s - %s",
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02")))
	_ = f.MergeCell(summarySheet, "A1", "C1")

	_ = f.SetSheetRow(summarySheet, "A3", &[]any{"Payment Status", "Count", "Amount"})
	_ = f.SetCellStyle(summarySheet, "A3", "C3", headerStyle)

	statuses := []string{models.PaymentCompleted, models.PaymentPending, models.PaymentFailed, models.PaymentRefunded}
	counts := make(map[string]int, len(statuses))
	amounts := make(map[string]decimal.Decimal, len(statuses))
	for _, row := range rows {
		counts[row.Payment.Status]++
		amounts[row.Payment.Status] = amounts[row.Payment.Status].Add(row.Payment.Amount)
	}

	for i, status := range statuses {
		cell, _ := excelize.CoordinatesToCellName(1, i+4)
		if err := f.SetSheetRow(summarySheet, cell, &[]any{status, counts[status], amounts[status].InexactFloat64()}); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "C", 18)
	return nil
}
