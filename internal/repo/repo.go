package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"credsync/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,event_id,event_date,file_name,performed_by,status,total,processed,success,error,warning,skipped,started_at,finished_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var r domain.Run
	var fileName, finishedAt sql.NullString
	err := scan(&r.ID, &r.EventID, &r.EventDate, &fileName, &r.PerformedBy, &r.Status,
		&r.Progress.Total, &r.Progress.Processed, &r.Progress.Success, &r.Progress.Error,
		&r.Progress.Warning, &r.Progress.Skipped, &r.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if fileName.Valid {
		r.FileName = fileName.String
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.String
	}
	return r, err
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.EventID, run.EventDate, nullable(run.FileName), run.PerformedBy, run.Status,
		run.Progress.Total, run.Progress.Processed, run.Progress.Success, run.Progress.Error,
		run.Progress.Warning, run.Progress.Skipped, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, eventID string) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if eventID != "" {
		query = `SELECT ` + runColumns + ` FROM runs WHERE event_id=? ORDER BY started_at DESC`
		args = append(args, eventID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// UpdateRunProgress writes the live counters and status of a run.
func (r Repo) UpdateRunProgress(ctx context.Context, id, status string, p domain.Progress, finishedAt *string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE runs SET status=?, total=?, processed=?, success=?, error=?, warning=?, skipped=?, finished_at=? WHERE id=?`,
		status, p.Total, p.Processed, p.Success, p.Error, p.Warning, p.Skipped, finishedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (r Repo) InsertResults(ctx context.Context, tx *sql.Tx, runID string, results []domain.RowResult) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_results(
		run_id,position,source_line,name,tax_id,role,company,credential_type,wristband,checkin_time,row_status,participant_id,status,message,action)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, res := range results {
		row := res.Row
		_, err := stmt.ExecContext(ctx, runID, i, row.SourceLine, row.Name, row.TaxID,
			nullable(row.Role), nullable(row.Company), nullable(row.CredentialType),
			nullable(row.Wristband), nullable(row.CheckinTime), string(row.Status),
			res.ParticipantID, string(res.Status), res.Message, nullable(res.Action))
		if err != nil {
			return fmt.Errorf("insert result %d: %w", i, err)
		}
	}
	return nil
}

// ListResults returns a run's results in input order, optionally filtered
// by result status.
func (r Repo) ListResults(ctx context.Context, runID string, statuses ...domain.ResultStatus) ([]domain.RowResult, error) {
	query := `SELECT source_line,name,tax_id,COALESCE(role,''),COALESCE(company,''),COALESCE(credential_type,''),
		COALESCE(wristband,''),COALESCE(checkin_time,''),row_status,participant_id,status,message,COALESCE(action,'')
		FROM run_results WHERE run_id=?`
	args := []any{runID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY position`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RowResult
	for rows.Next() {
		var rr domain.RowResult
		var rowStatus, status string
		var participantID sql.NullString
		if err := rows.Scan(&rr.Row.SourceLine, &rr.Row.Name, &rr.Row.TaxID, &rr.Row.Role,
			&rr.Row.Company, &rr.Row.CredentialType, &rr.Row.Wristband, &rr.Row.CheckinTime,
			&rowStatus, &participantID, &status, &rr.Message, &rr.Action); err != nil {
			return nil, err
		}
		rr.Row.Status = domain.RowStatus(rowStatus)
		rr.Status = domain.ResultStatus(status)
		if participantID.Valid {
			rr.ParticipantID = &participantID.String
		}
		res = append(res, rr)
	}
	return res, rows.Err()
}

// ClaimRunLock acquires the per-event lock, refusing while a live lock is
// held by another run. Expired locks are taken over.
func (r Repo) ClaimRunLock(ctx context.Context, tx *sql.Tx, lock domain.RunLock, now time.Time) error {
	var existing domain.RunLock
	err := tx.QueryRowContext(ctx, `SELECT event_id,run_id,acquired_at,expires_at FROM run_locks WHERE event_id=?`, lock.EventID).
		Scan(&existing.EventID, &existing.RunID, &existing.AcquiredAt, &existing.ExpiresAt)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		exp, _ := time.Parse(time.RFC3339, existing.ExpiresAt)
		if now.Before(exp) && existing.RunID != lock.RunID {
			return fmt.Errorf("import already running for event %s (run %s)", lock.EventID, existing.RunID)
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO run_locks(event_id,run_id,acquired_at,expires_at) VALUES (?,?,?,?)
		ON CONFLICT(event_id) DO UPDATE SET run_id=excluded.run_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lock.EventID, lock.RunID, lock.AcquiredAt, lock.ExpiresAt)
	return err
}

func (r Repo) ReleaseRunLock(ctx context.Context, tx *sql.Tx, eventID, runID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM run_locks WHERE event_id=? AND run_id=?`, eventID, runID)
	return err
}

// LatestEvents returns recent event log entries, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(event_id,''),actor_id,payload_json FROM events`
	var conds []string
	var args []any
	if runID != "" {
		conds = append(conds, `run_id=?`)
		args = append(args, runID)
	}
	if evtType != "" {
		conds = append(conds, `type=?`)
		args = append(args, evtType)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EventID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
