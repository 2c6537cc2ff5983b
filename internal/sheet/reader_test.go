package sheet_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"credsync/internal/domain"
	"credsync/internal/sheet"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]domain.RowStatus{
		"ativo":    domain.StatusCheckin,
		"Presente": domain.StatusCheckin,
		"CHECKIN":  domain.StatusCheckin,
		"checkout": domain.StatusCheckout,
		"saida":    domain.StatusCheckout,
		"Saída":    domain.StatusCheckout,
		"ambos":    domain.StatusBoth,
		"Completo": domain.StatusBoth,
		"":         domain.StatusCheckin,
		"qualquer": domain.StatusCheckin,
	}
	for in, want := range cases {
		if got := sheet.NormalizeStatus(in); got != want {
			t.Errorf("NormalizeStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestReadCSVHeaderAliases(t *testing.T) {
	csvData := strings.Join([]string{
		"NOME,CPF,Cargo,Fornecedor,Tipo Credencial,Pulseira,Horário_Checkin,Situação",
		"João da Silva,123.456.789-01,Segurança,Alfa,Staff,WB-1,08:15,ativo",
		"Maria Souza,98765432100,Produção,Beta,,WB-2,,saida",
	}, "\n")
	rows, err := sheet.ReadCSV(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	r := rows[0]
	if r.Name != "João da Silva" || r.TaxID != "123.456.789-01" || r.Role != "Segurança" ||
		r.Company != "Alfa" || r.CredentialType != "Staff" || r.Wristband != "WB-1" ||
		r.CheckinTime != "08:15" || r.Status != domain.StatusCheckin {
		t.Fatalf("row 1 = %+v", r)
	}
	if rows[1].Status != domain.StatusCheckout {
		t.Fatalf("row 2 status = %s, want checkout", rows[1].Status)
	}
	if rows[0].SourceLine != 1 || rows[1].SourceLine != 2 {
		t.Fatalf("source lines = %d/%d", rows[0].SourceLine, rows[1].SourceLine)
	}
}

func TestRowsWithoutIdentityAreDropped(t *testing.T) {
	csvData := strings.Join([]string{
		"nome,cpf",
		"Com Tudo,11122233344",
		",22233344455",
		"Sem CPF,",
		"  ,  ",
	}, "\n")
	rows, err := sheet.ReadCSV(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "Com Tudo" {
		t.Fatalf("rows = %+v, want only the complete one", rows)
	}
	// source line still points at the sheet position
	if rows[0].SourceLine != 1 {
		t.Fatalf("source line = %d", rows[0].SourceLine)
	}
}

func TestMissingIdentityColumnsFail(t *testing.T) {
	if _, err := sheet.ReadCSV(strings.NewReader("empresa,cargo\nAlfa,Chefe")); err == nil {
		t.Fatalf("expected error for header without name column")
	}
	if _, err := sheet.ReadCSV(strings.NewReader("nome,cargo\nFulano,Chefe")); err == nil {
		t.Fatalf("expected error for header without cpf column")
	}
	if _, err := sheet.ReadCSV(strings.NewReader("")); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestReadXLSX(t *testing.T) {
	f := excelize.NewFile()
	name := f.GetSheetName(0)
	records := [][]any{
		{"Nome_Completo", "Documento", "Empresa", "Status"},
		{"Carlos Pereira", "11122233344", "Alfa Serviços", "ambos"},
		{"", "999", "Gama", "ativo"},
	}
	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow(name, cell, &rec); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	rows, err := sheet.ReadXLSX(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Name != "Carlos Pereira" || rows[0].Status != domain.StatusBoth {
		t.Fatalf("row = %+v", rows[0])
	}
}

func TestReadFileDispatchesOnExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planilha.CSV")
	if err := os.WriteFile(path, []byte("nome,cpf\nFulano,12345678901\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rows, err := sheet.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "Fulano" {
		t.Fatalf("rows = %+v", rows)
	}
	if _, err := sheet.ReadFile(filepath.Join(dir, "nao-existe.xlsx")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
