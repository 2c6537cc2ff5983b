package sheet

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"credsync/internal/domain"
)

// Column aliases per canonical field, matched case-insensitively against
// the header row. Headers seen in the field come with arbitrary casing
// and both accented and plain spellings.
var fieldAliases = map[string][]string{
	"name":      {"nome", "nome_completo", "colaborador"},
	"tax_id":    {"cpf", "documento", "doc"},
	"role":      {"funcao", "função", "cargo"},
	"company":   {"empresa", "fornecedor", "companhia"},
	"cred_type": {"tipo_credencial", "credencial", "tipo credencial"},
	"wristband": {"pulseira", "codigo_pulseira", "código_pulseira", "codigo pulseira"},
	"checkin":   {"horario_checkin", "horário_checkin", "checkin_timestamp", "horario checkin"},
	"status":    {"status", "situacao", "situação"},
}

// NormalizeStatus maps free-text status values onto the closed RowStatus
// enum. Unknown values default to checkin.
func NormalizeStatus(s string) domain.RowStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ativo", "presente", "checkin":
		return domain.StatusCheckin
	case "checkout", "saida", "saída":
		return domain.StatusCheckout
	case "ambos", "completo":
		return domain.StatusBoth
	default:
		return domain.StatusCheckin
	}
}

// ReadFile parses a spreadsheet file into normalized rows, dispatching on
// the file extension.
func ReadFile(path string) ([]domain.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return ReadCSV(f)
	}
	return ReadXLSX(f)
}

// ReadXLSX parses the first sheet of an xlsx workbook. The first row is
// the header; rows missing a name or tax id are dropped.
func ReadXLSX(r io.Reader) ([]domain.Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet has no sheets")
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return fromRecords(records)
}

// ReadCSV parses comma-separated input with the same header handling as xlsx.
func ReadCSV(r io.Reader) ([]domain.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return fromRecords(records)
}

func fromRecords(records [][]string) ([]domain.Row, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("spreadsheet is empty")
	}
	cols := resolveHeader(records[0])
	if _, ok := cols["name"]; !ok {
		return nil, fmt.Errorf("header has no name column (expected one of %s)", strings.Join(fieldAliases["name"], ", "))
	}
	if _, ok := cols["tax_id"]; !ok {
		return nil, fmt.Errorf("header has no tax id column (expected one of %s)", strings.Join(fieldAliases["tax_id"], ", "))
	}
	var rows []domain.Row
	for i, rec := range records[1:] {
		row := domain.Row{
			SourceLine:     i + 1,
			Name:           strings.TrimSpace(cell(rec, cols, "name")),
			TaxID:          strings.TrimSpace(cell(rec, cols, "tax_id")),
			Role:           strings.TrimSpace(cell(rec, cols, "role")),
			Company:        strings.TrimSpace(cell(rec, cols, "company")),
			CredentialType: strings.TrimSpace(cell(rec, cols, "cred_type")),
			Wristband:      strings.TrimSpace(cell(rec, cols, "wristband")),
			CheckinTime:    strings.TrimSpace(cell(rec, cols, "checkin")),
			Status:         NormalizeStatus(cell(rec, cols, "status")),
		}
		// Rows without an identity cannot be matched; filtered at parse
		// time, not surfaced as errors.
		if row.Name == "" || row.TaxID == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func resolveHeader(header []string) map[string]int {
	cols := map[string]int{}
	for idx, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		for field, aliases := range fieldAliases {
			if _, taken := cols[field]; taken {
				continue
			}
			for _, a := range aliases {
				if key == a {
					cols[field] = idx
				}
			}
		}
	}
	return cols
}

func cell(rec []string, cols map[string]int, field string) string {
	idx, ok := cols[field]
	if !ok || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}
