package importer_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"credsync/internal/domain"
	"credsync/internal/importer"
)

type linkCall struct {
	EventID       string
	ParticipantID string
	Code          string
	CredentialID  string
}

// fakeBackend records every write call so tests can assert both the
// payloads and that no call happened at all.
type fakeBackend struct {
	mu sync.Mutex

	participants []domain.Participant
	attendance   []domain.AttendanceRecord

	participantsErr error
	attendanceErr   error
	createErr       error
	linkErr         error
	panicOn         string // participant id whose create panics

	creates []domain.AttendanceCreate
	links   []linkCall
}

func (b *fakeBackend) FetchParticipants(ctx context.Context, eventID string) ([]domain.Participant, error) {
	if b.participantsErr != nil {
		return nil, b.participantsErr
	}
	return b.participants, nil
}

func (b *fakeBackend) FetchAttendance(ctx context.Context, eventID string) ([]domain.AttendanceRecord, error) {
	if b.attendanceErr != nil {
		return nil, b.attendanceErr
	}
	return b.attendance, nil
}

func (b *fakeBackend) CreateAttendance(ctx context.Context, in domain.AttendanceCreate) (domain.AttendanceRecord, error) {
	if in.ParticipantID == b.panicOn {
		panic("backend client exploded")
	}
	b.mu.Lock()
	b.creates = append(b.creates, in)
	n := len(b.creates)
	b.mu.Unlock()
	if b.createErr != nil {
		return domain.AttendanceRecord{}, b.createErr
	}
	return domain.AttendanceRecord{
		ID: fmt.Sprintf("att-%d", n), EventID: in.EventID, ParticipantID: in.ParticipantID,
		Date: in.Date, CheckIn: in.CheckIn, CheckOut: in.CheckOut,
	}, nil
}

func (b *fakeBackend) LinkCredentialCode(ctx context.Context, eventID, participantID, code, credentialID string) error {
	b.mu.Lock()
	b.links = append(b.links, linkCall{eventID, participantID, code, credentialID})
	b.mu.Unlock()
	return b.linkErr
}

func defaultParticipants() []domain.Participant {
	return []domain.Participant{
		{ID: "p-1", Name: "João da Silva", TaxID: "123.456.789-01", Company: "Alfa Serviços", CredentialID: "cred-1"},
		{ID: "p-2", Name: "Maria Souza", TaxID: "98765432100", Company: "Beta Eventos", CredentialID: "cred-2"},
		{ID: "p-3", Name: "Carlos Pereira", TaxID: "11122233344", Company: "Alfa Serviços", CredentialID: "cred-3"},
	}
}

var testClock = time.Date(2025, 3, 10, 14, 30, 5, 0, time.UTC)

// newRunner builds a Runner without a workspace database; nothing is
// persisted and pacing sleeps return immediately.
func newRunner(b *fakeBackend) *importer.Runner {
	r := importer.New(nil, b, "tester")
	r.Now = func() time.Time { return testClock }
	r.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func baseConfig() importer.RunConfig {
	return importer.RunConfig{EventID: "evt-1", EventDate: "2025-03-09"}
}

func row(line int, name, cpf, company string, status domain.RowStatus) domain.Row {
	return domain.Row{SourceLine: line, Name: name, TaxID: cpf, Company: company, Status: status}
}

func runRows(t *testing.T, b *fakeBackend, rows ...domain.Row) (domain.Run, []domain.RowResult) {
	t.Helper()
	run, results, err := newRunner(b).Run(context.Background(), rows, baseConfig(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return run, results
}

func TestUnmatchedRowIsErrorWithoutBackendCalls(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants()}
	_, results := runRows(t, b, row(1, "Fulano de Tal", "00000000000", "Gama", domain.StatusCheckin))
	if results[0].Status != domain.ResultError {
		t.Fatalf("status = %s, want error", results[0].Status)
	}
	if results[0].Message != "Participante não encontrado." {
		t.Fatalf("message = %q", results[0].Message)
	}
	if len(b.creates) != 0 || len(b.links) != 0 {
		t.Fatalf("backend was called for an unmatched row")
	}
}

func TestAmbiguousMatchIsError(t *testing.T) {
	ps := defaultParticipants()
	ps = append(ps, domain.Participant{ID: "p-9", Name: "Joao da Silva", TaxID: "12345678901", Company: "ALFA SERVICOS"})
	b := &fakeBackend{participants: ps}
	_, results := runRows(t, b, row(1, "João da Silva", "123.456.789-01", "Alfa Serviços", domain.StatusCheckin))
	if results[0].Status != domain.ResultError {
		t.Fatalf("status = %s, want error", results[0].Status)
	}
	if results[0].Message != "Mais de um participante corresponde a nome, CPF e empresa." {
		t.Fatalf("message = %q", results[0].Message)
	}
	if len(b.creates) != 0 {
		t.Fatalf("backend was called for an ambiguous row")
	}
}

func TestMatchIgnoresCaseAccentsAndCPFPunctuation(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants()}
	_, results := runRows(t, b, row(1, "  JOAO DA SILVA ", "12345678901", "alfa servicos", domain.StatusCheckin))
	if results[0].Status != domain.ResultSuccess {
		t.Fatalf("status = %s (%s), want success", results[0].Status, results[0].Message)
	}
	if results[0].ParticipantID == nil || *results[0].ParticipantID != "p-1" {
		t.Fatalf("matched participant = %v, want p-1", results[0].ParticipantID)
	}
}

func TestExistingAttendanceSkipsRow(t *testing.T) {
	b := &fakeBackend{
		participants: defaultParticipants(),
		attendance: []domain.AttendanceRecord{
			{ID: "att-0", ParticipantID: "p-1", Date: "2025-03-08"},
			{ID: "att-x", ParticipantID: "p-1", Date: "2025-03-07"},
		},
	}
	_, results := runRows(t, b, row(1, "João da Silva", "12345678901", "Alfa Serviços", domain.StatusCheckin))
	if results[0].Status != domain.ResultSkipped {
		t.Fatalf("status = %s, want skipped", results[0].Status)
	}
	// first fetched record wins; its date is cited
	if !strings.Contains(results[0].Message, "2025-03-08") {
		t.Fatalf("message %q does not cite the existing date", results[0].Message)
	}
	if len(b.creates) != 0 || len(b.links) != 0 {
		t.Fatalf("backend was called for a skipped row")
	}
}

func TestCheckTimeCombinesEventDateWithRowClock(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants()}
	r := row(1, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckin)
	r.CheckinTime = "08:15"
	runRows(t, b, r)
	if len(b.creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(b.creates))
	}
	if got := *b.creates[0].CheckIn; got != "2025-03-09T08:15:00Z" {
		t.Fatalf("check_in = %s", got)
	}
	if b.creates[0].Date != "2025-03-09" {
		t.Fatalf("date = %s", b.creates[0].Date)
	}
}

func TestUnparseableRowTimeFallsBackToWallClock(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants()}
	r := row(1, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckin)
	r.CheckinTime = "manhã"
	runRows(t, b, r)
	if got := *b.creates[0].CheckIn; got != "2025-03-09T14:30:05Z" {
		t.Fatalf("check_in = %s, want event date with current clock", got)
	}
}

func TestBothStatusSetsIdenticalTimestamps(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants()}
	r := row(1, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusBoth)
	r.CheckinTime = "09:00:30"
	_, results := runRows(t, b, r)
	c := b.creates[0]
	if c.CheckIn == nil || c.CheckOut == nil || *c.CheckIn != *c.CheckOut {
		t.Fatalf("check_in/check_out = %v/%v, want identical", c.CheckIn, c.CheckOut)
	}
	if results[0].Action != "both" {
		t.Fatalf("action = %s", results[0].Action)
	}
	if !strings.Contains(results[0].Message, "Check-in registrado.") || !strings.Contains(results[0].Message, "Check-out registrado.") {
		t.Fatalf("message = %q", results[0].Message)
	}
}

func TestCheckoutOnlySetsCheckout(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants()}
	runRows(t, b, row(1, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckout))
	c := b.creates[0]
	if c.CheckIn != nil || c.CheckOut == nil {
		t.Fatalf("check_in/check_out = %v/%v, want checkout only", c.CheckIn, c.CheckOut)
	}
}

func TestCreateFailureIsWarningAndWristbandStillAttempted(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants(), createErr: errors.New("backend down")}
	r := row(1, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckin)
	r.Wristband = "WB-42"
	_, results := runRows(t, b, r)
	if results[0].Status != domain.ResultWarning {
		t.Fatalf("status = %s, want warning", results[0].Status)
	}
	if !strings.Contains(results[0].Message, "Falha ao registrar presença") {
		t.Fatalf("message = %q", results[0].Message)
	}
	if len(b.links) != 1 {
		t.Fatalf("wristband link not attempted after create failure")
	}
}

func TestLinkFailureIsWarning(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants(), linkErr: errors.New("code taken")}
	r := row(1, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckin)
	r.Wristband = "WB-42"
	_, results := runRows(t, b, r)
	if results[0].Status != domain.ResultWarning {
		t.Fatalf("status = %s, want warning", results[0].Status)
	}
	if !strings.Contains(results[0].Message, "Check-in registrado.") {
		t.Fatalf("message %q should still report the check-in", results[0].Message)
	}
	if !strings.Contains(results[0].Message, "Falha ao vincular pulseira") {
		t.Fatalf("message = %q", results[0].Message)
	}
}

func TestWristbandLinkCarriesCredentialID(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants()}
	r := row(1, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckin)
	r.Wristband = "WB-7"
	_, results := runRows(t, b, r)
	if results[0].Status != domain.ResultSuccess {
		t.Fatalf("status = %s (%s)", results[0].Status, results[0].Message)
	}
	want := linkCall{EventID: "evt-1", ParticipantID: "p-2", Code: "WB-7", CredentialID: "cred-2"}
	if len(b.links) != 1 || b.links[0] != want {
		t.Fatalf("link call = %+v, want %+v", b.links, want)
	}
}

func TestNoWristbandNoLinkCall(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants()}
	runRows(t, b, row(1, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckin))
	if len(b.links) != 0 {
		t.Fatalf("link called without a wristband code")
	}
}

func TestPanicInRowIsIsolated(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants(), panicOn: "p-1"}
	run, results := runRows(t, b,
		row(1, "João da Silva", "12345678901", "Alfa Serviços", domain.StatusCheckin),
		row(2, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckin),
	)
	if results[0].Status != domain.ResultError {
		t.Fatalf("panicking row status = %s, want error", results[0].Status)
	}
	if !strings.Contains(results[0].Message, "backend client exploded") {
		t.Fatalf("message %q should carry the panic value", results[0].Message)
	}
	if results[1].Status != domain.ResultSuccess {
		t.Fatalf("following row status = %s, want success", results[1].Status)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("run status = %s", run.Status)
	}
}

func TestNotesCarryCredentialTypeAndDate(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants()}
	r := row(1, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckin)
	r.CredentialType = "Staff"
	runRows(t, b, r)
	if want := "Importação em massa - credencial Staff - 2025-03-09"; b.creates[0].Notes != want {
		t.Fatalf("notes = %q, want %q", b.creates[0].Notes, want)
	}
	if b.creates[0].PerformedBy != "importacao-massa" {
		t.Fatalf("performed_by = %q", b.creates[0].PerformedBy)
	}
}

func TestPreviewNeverWrites(t *testing.T) {
	b := &fakeBackend{participants: defaultParticipants(), attendance: []domain.AttendanceRecord{{ParticipantID: "p-1", Date: "2025-03-08"}}}
	snap, err := newRunner(b).FetchSnapshot(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	results := importer.Preview(snap.Roster, []domain.Row{
		row(1, "João da Silva", "12345678901", "Alfa Serviços", domain.StatusCheckin),
		row(2, "Maria Souza", "98765432100", "Beta Eventos", domain.StatusCheckin),
		row(3, "Zé Ninguém", "55555555555", "Gama", domain.StatusCheckin),
	}, snap.Existing)
	if len(b.creates) != 0 || len(b.links) != 0 {
		t.Fatalf("preview wrote to the backend")
	}
	if results[0].Status != domain.ResultSkipped || results[1].Status != domain.ResultSuccess || results[2].Status != domain.ResultError {
		t.Fatalf("statuses = %s/%s/%s", results[0].Status, results[1].Status, results[2].Status)
	}
}
