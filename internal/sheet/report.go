package sheet

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"credsync/internal/domain"
)

// ErrNothingToExport signals that a run produced no flagged rows. Callers
// notify the operator instead of writing an empty file.
var ErrNothingToExport = errors.New("nothing to export")

var reportHeader = []string{
	"Linha", "Nome", "CPF", "Função", "Empresa", "Tipo Credencial",
	"Pulseira", "Horário Check-in", "Status", "Classificação", "Motivo", "Exportado em",
}

// DefaultReportName returns the report file name, timestamped to the second.
func DefaultReportName(now time.Time) string {
	return fmt.Sprintf("credsync-erros-%s.xlsx", now.Format("20060102-150405"))
}

// Flagged filters results down to the rows worth re-importing after
// manual correction.
func Flagged(results []domain.RowResult) []domain.RowResult {
	var out []domain.RowResult
	for _, r := range results {
		if r.Status == domain.ResultError || r.Status == domain.ResultWarning {
			out = append(out, r)
		}
	}
	return out
}

// WriteReport writes one xlsx row per error/warning result, mirroring the
// original input columns plus classification, reason and export timestamp.
// Returns ErrNothingToExport when no result is flagged.
func WriteReport(w io.Writer, results []domain.RowResult, now time.Time) error {
	flagged := Flagged(results)
	if len(flagged) == 0 {
		return ErrNothingToExport
	}
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	if err := f.SetSheetRow(sheet, "A1", &reportHeader); err != nil {
		return err
	}
	exportedAt := now.Format(time.RFC3339)
	for i, res := range flagged {
		row := res.Row
		values := []any{
			row.SourceLine, row.Name, row.TaxID, row.Role, row.Company,
			row.CredentialType, row.Wristband, row.CheckinTime,
			string(row.Status), classification(res.Status), res.Message, exportedAt,
		}
		cellRef, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cellRef, &values); err != nil {
			return err
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func classification(s domain.ResultStatus) string {
	switch s {
	case domain.ResultError:
		return "Erro"
	case domain.ResultWarning:
		return "Aviso"
	default:
		return string(s)
	}
}
