package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"credsync/internal/domain"
)

// Portuguese operator-facing result messages, matching what the staffing
// teams are used to reading in reports.
const (
	msgNotFound       = "Participante não encontrado."
	msgAmbiguous      = "Mais de um participante corresponde a nome, CPF e empresa."
	msgCheckin        = "Check-in registrado."
	msgCheckout       = "Check-out registrado."
	msgWristband      = "Pulseira vinculada."
	msgAlreadyPresent = "Participante já possui presença registrada em %s."
	msgCreateFailed   = "Falha ao registrar presença: %v."
	msgLinkFailed     = "Falha ao vincular pulseira: %v."
)

var rowTimeLayouts = []string{
	"15:04:05",
	"15:04",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	time.RFC3339,
}

// checkDateTime combines the operator-selected event date with the row's
// time-of-day when it parses, falling back to the current wall clock.
// Only the clock portion of the row timestamp is ever used.
func checkDateTime(eventDate time.Time, rowTime string, now time.Time) time.Time {
	clock := now
	if s := strings.TrimSpace(rowTime); s != "" {
		for _, layout := range rowTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				clock = t
				break
			}
		}
	}
	return time.Date(eventDate.Year(), eventDate.Month(), eventDate.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location())
}

// reconcileRow runs the decision tree for one resolved-or-not row: match,
// existence check, timestamp derivation, attendance creation, credential
// linking, and result classification. Backend failures after a successful
// match downgrade the row to warning instead of error because the row has
// made forward progress.
func (r *Runner) reconcileRow(ctx context.Context, roster *Roster, existing map[string]domain.AttendanceRecord, row domain.Row, cfg RunConfig) (res domain.RowResult) {
	res = domain.RowResult{Row: row}
	defer func() {
		if p := recover(); p != nil {
			res.Status = domain.ResultError
			res.Message = fmt.Sprint(p)
		}
	}()

	participant, err := roster.Resolve(row)
	if err != nil {
		res.Status = domain.ResultError
		if errors.Is(err, ErrAmbiguous) {
			res.Message = msgAmbiguous
		} else {
			res.Message = msgNotFound
		}
		return res
	}
	res.ParticipantID = &participant.ID

	if prior, ok := existing[participant.ID]; ok {
		res.Status = domain.ResultSkipped
		res.Message = fmt.Sprintf(msgAlreadyPresent, prior.Date)
		return res
	}

	now := r.now()
	checkAt := checkDateTime(cfg.eventDate, row.CheckinTime, now)
	stamp := checkAt.Format(time.RFC3339)

	create := domain.AttendanceCreate{
		EventID:       cfg.EventID,
		ParticipantID: participant.ID,
		Date:          cfg.eventDate.Format("2006-01-02"),
		PerformedBy:   cfg.PerformedBy,
		Notes:         fmt.Sprintf("Importação em massa - credencial %s - %s", row.CredentialType, cfg.eventDate.Format("2006-01-02")),
	}
	switch row.Status {
	case domain.StatusCheckin:
		create.CheckIn = &stamp
		res.Action = "checkin"
	case domain.StatusCheckout:
		create.CheckOut = &stamp
		res.Action = "checkout"
	case domain.StatusBoth:
		// Known simplification: both fields get the same timestamp.
		create.CheckIn = &stamp
		create.CheckOut = &stamp
		res.Action = "both"
	}

	var messages []string
	failed := false
	if _, err := r.Backend.CreateAttendance(ctx, create); err != nil {
		failed = true
		messages = append(messages, fmt.Sprintf(msgCreateFailed, err))
	} else {
		if create.CheckIn != nil {
			messages = append(messages, msgCheckin)
		}
		if create.CheckOut != nil {
			messages = append(messages, msgCheckout)
		}
	}

	if strings.TrimSpace(row.Wristband) != "" {
		if err := r.Backend.LinkCredentialCode(ctx, cfg.EventID, participant.ID, row.Wristband, participant.CredentialID); err != nil {
			failed = true
			messages = append(messages, fmt.Sprintf(msgLinkFailed, err))
		} else {
			messages = append(messages, msgWristband)
		}
	}

	if failed {
		res.Status = domain.ResultWarning
	} else {
		res.Status = domain.ResultSuccess
	}
	res.Message = strings.Join(messages, " ")
	return res
}

// Preview resolves rows against the roster without touching the backend.
// Useful for a dry run before committing to an import.
func Preview(roster *Roster, rows []domain.Row, existing map[string]domain.AttendanceRecord) []domain.RowResult {
	results := make([]domain.RowResult, 0, len(rows))
	for _, row := range rows {
		res := domain.RowResult{Row: row}
		participant, err := roster.Resolve(row)
		switch {
		case errors.Is(err, ErrAmbiguous):
			res.Status = domain.ResultError
			res.Message = msgAmbiguous
		case err != nil:
			res.Status = domain.ResultError
			res.Message = msgNotFound
		default:
			res.ParticipantID = &participant.ID
			if prior, ok := existing[participant.ID]; ok {
				res.Status = domain.ResultSkipped
				res.Message = fmt.Sprintf(msgAlreadyPresent, prior.Date)
			} else {
				res.Status = domain.ResultSuccess
				res.Message = "Participante encontrado."
			}
		}
		results = append(results, res)
	}
	return results
}
