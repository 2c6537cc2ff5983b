package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"credsync/internal/config"
	"credsync/internal/domain"
	"credsync/internal/events"
	"credsync/internal/repo"
)

// Backend is the surface of the staffing API the reconciler depends on.
type Backend interface {
	FetchParticipants(ctx context.Context, eventID string) ([]domain.Participant, error)
	FetchAttendance(ctx context.Context, eventID string) ([]domain.AttendanceRecord, error)
	CreateAttendance(ctx context.Context, in domain.AttendanceCreate) (domain.AttendanceRecord, error)
	LinkCredentialCode(ctx context.Context, eventID, participantID, code, credentialID string) error
}

// Runner executes import runs: snapshot fetch, paced batch processing,
// persistence of the run and its results, and the event log. DB may be
// nil, in which case nothing is persisted (preview-style usage).
type Runner struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Backend Backend
	ActorID string

	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
	Observe func(domain.Progress)
}

// New builds a Runner over an optional workspace database.
func New(db *sql.DB, client Backend, actorID string) *Runner {
	return &Runner{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Backend: client,
		ActorID: actorID,
	}
}

// RunConfig are the per-run parameters.
type RunConfig struct {
	EventID     string
	EventDate   string // YYYY-MM-DD, operator-selected
	PerformedBy string
	FileName    string
	BatchSize   int
	RowDelay    time.Duration
	BatchDelay  time.Duration

	eventDate time.Time
}

func (c *RunConfig) normalize() error {
	if c.EventID == "" {
		return errors.New("event id is required")
	}
	d, err := time.Parse("2006-01-02", c.EventDate)
	if err != nil {
		return fmt.Errorf("event date must be YYYY-MM-DD: %w", err)
	}
	c.eventDate = d
	if c.BatchSize <= 0 {
		c.BatchSize = config.DefaultBatchSize
	}
	if c.RowDelay < 0 {
		c.RowDelay = 0
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.PerformedBy == "" {
		c.PerformedBy = "importacao-massa"
	}
	return nil
}

// Control carries the cooperative pause flag, sampled once per row
// boundary. Pausing never interrupts an in-flight backend call.
type Control struct {
	pause atomic.Bool
}

func (c *Control) Pause()       { c.pause.Store(true) }
func (c *Control) Resume()      { c.pause.Store(false) }
func (c *Control) Paused() bool { return c.pause.Load() }

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot holds the read-only backend state fetched once at run start.
// Degraded is set when the attendance fetch failed and the run proceeds
// with an empty existing set.
type Snapshot struct {
	Roster   *Roster
	Existing map[string]domain.AttendanceRecord
	Degraded bool
}

// FetchSnapshot loads the participant roster and existing attendance.
// A roster failure is fatal; an attendance failure is tolerated.
func (r *Runner) FetchSnapshot(ctx context.Context, eventID string) (Snapshot, error) {
	participants, err := r.Backend.FetchParticipants(ctx, eventID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch participants: %w", err)
	}
	snap := Snapshot{
		Roster:   NewRoster(participants),
		Existing: map[string]domain.AttendanceRecord{},
	}
	records, err := r.Backend.FetchAttendance(ctx, eventID)
	if err != nil {
		snap.Degraded = true
		return snap, nil
	}
	for _, rec := range records {
		// First record wins; only its date is ever surfaced.
		if _, ok := snap.Existing[rec.ParticipantID]; !ok {
			snap.Existing[rec.ParticipantID] = rec
		}
	}
	return snap, nil
}

// Run executes a full import: one snapshot, then rows in input order,
// grouped into batches with pacing delays. Results are returned in row
// order; the run record and results are persisted when a DB is attached.
func (r *Runner) Run(ctx context.Context, rows []domain.Row, cfg RunConfig, ctl *Control) (domain.Run, []domain.RowResult, error) {
	run, err := r.prepare(ctx, rows, &cfg)
	if err != nil {
		return run, nil, err
	}
	return r.process(ctx, run, rows, cfg, ctl)
}

// StartAsync claims the lock and persists the run row synchronously, then
// processes the rows in a background goroutine. The returned run carries
// the id to poll.
func (r *Runner) StartAsync(ctx context.Context, rows []domain.Row, cfg RunConfig, ctl *Control) (domain.Run, error) {
	run, err := r.prepare(ctx, rows, &cfg)
	if err != nil {
		return run, err
	}
	go func() {
		_, _, _ = r.process(context.WithoutCancel(ctx), run, rows, cfg, ctl)
	}()
	return run, nil
}

func (r *Runner) prepare(ctx context.Context, rows []domain.Row, cfg *RunConfig) (domain.Run, error) {
	if err := cfg.normalize(); err != nil {
		return domain.Run{}, err
	}
	run := domain.Run{
		ID:          uuid.New().String(),
		EventID:     cfg.EventID,
		EventDate:   cfg.eventDate.Format("2006-01-02"),
		FileName:    cfg.FileName,
		PerformedBy: cfg.PerformedBy,
		Status:      domain.RunRunning,
		Progress:    domain.Progress{Total: len(rows)},
		StartedAt:   r.now().UTC().Format(time.RFC3339),
	}
	if err := r.begin(ctx, &run, *cfg, len(rows)); err != nil {
		return run, err
	}
	return run, nil
}

func (r *Runner) process(ctx context.Context, run domain.Run, rows []domain.Row, cfg RunConfig, ctl *Control) (domain.Run, []domain.RowResult, error) {
	if ctl == nil {
		ctl = &Control{}
	}
	snap, err := r.FetchSnapshot(ctx, cfg.EventID)
	if err != nil {
		r.finish(ctx, &run, nil, domain.RunFailed, events.EventPayload{"error": err.Error()})
		return run, nil, err
	}
	if snap.Degraded {
		r.logEvent(ctx, "snapshot.degraded", run, events.EventPayload{"reason": "attendance fetch failed; proceeding with empty existing set"})
	}

	results := make([]domain.RowResult, 0, len(rows))
	paused := false

loop:
	for start := 0; start < len(rows); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		for i, row := range batch {
			if ctx.Err() != nil || ctl.Paused() {
				paused = true
				break loop
			}
			res := r.reconcileRow(ctx, snap.Roster, snap.Existing, row, cfg)
			results = append(results, res)
			run.Progress.Processed++
			switch res.Status {
			case domain.ResultSuccess:
				run.Progress.Success++
			case domain.ResultError:
				run.Progress.Error++
			case domain.ResultWarning:
				run.Progress.Warning++
			case domain.ResultSkipped:
				run.Progress.Skipped++
			}
			r.observe(run.Progress)
			r.persistProgress(ctx, run)
			if i < len(batch)-1 {
				if err := r.sleep(ctx, cfg.RowDelay); err != nil {
					paused = true
					break loop
				}
			}
		}
		if end < len(rows) {
			if err := r.sleep(ctx, cfg.BatchDelay); err != nil {
				paused = true
				break loop
			}
		}
	}

	status := domain.RunCompleted
	if paused {
		status = domain.RunPaused
	}
	r.finish(ctx, &run, results, status, events.EventPayload{
		"processed": run.Progress.Processed,
		"success":   run.Progress.Success,
		"error":     run.Progress.Error,
		"warning":   run.Progress.Warning,
		"skipped":   run.Progress.Skipped,
	})
	return run, results, nil
}

func (r *Runner) observe(p domain.Progress) {
	if r.Observe != nil {
		r.Observe(p)
	}
}

// begin persists the run row, claims the per-event lock, and logs the
// start event in one transaction.
func (r *Runner) begin(ctx context.Context, run *domain.Run, cfg RunConfig, total int) error {
	if r.DB == nil {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.now().UTC()
	lock := domain.RunLock{
		EventID:    cfg.EventID,
		RunID:      run.ID,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(lockTTL(cfg, total)).Format(time.RFC3339),
	}
	if err := r.Repo.ClaimRunLock(ctx, tx, lock, now); err != nil {
		return err
	}
	if err := r.Repo.InsertRun(ctx, tx, *run); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, "run.started", run.ID, run.EventID, r.ActorID, events.EventPayload{
		"total":     total,
		"file_name": run.FileName,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// lockTTL oversizes the expected run duration so a crashed run cannot
// block the event forever.
func lockTTL(cfg RunConfig, total int) time.Duration {
	batches := (total + cfg.BatchSize - 1) / cfg.BatchSize
	estimate := time.Duration(total)*cfg.RowDelay + time.Duration(batches)*cfg.BatchDelay
	return estimate + 15*time.Minute
}

func (r *Runner) persistProgress(ctx context.Context, run domain.Run) {
	if r.DB == nil {
		return
	}
	// the counters of a just-processed row must land even when that row's
	// boundary was the one that observed the cancellation
	ctx = context.WithoutCancel(ctx)
	_ = r.Repo.UpdateRunProgress(ctx, run.ID, run.Status, run.Progress, nil)
}

// finish stores final status, results, releases the lock, and logs the
// terminal event. Persistence errors at this point are reported through
// the event log only; the in-memory results are already complete.
func (r *Runner) finish(ctx context.Context, run *domain.Run, results []domain.RowResult, status string, payload events.EventPayload) {
	finishedAt := r.now().UTC().Format(time.RFC3339)
	run.Status = status
	run.FinishedAt = &finishedAt
	if r.DB == nil {
		return
	}
	// terminal state must land even when the run ended by cancellation
	ctx = context.WithoutCancel(ctx)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status=?, total=?, processed=?, success=?, error=?, warning=?, skipped=?, finished_at=? WHERE id=?`,
		status, run.Progress.Total, run.Progress.Processed, run.Progress.Success, run.Progress.Error,
		run.Progress.Warning, run.Progress.Skipped, finishedAt, run.ID); err != nil {
		return
	}
	if len(results) > 0 {
		if err := r.Repo.InsertResults(ctx, tx, run.ID, results); err != nil {
			return
		}
	}
	if err := r.Repo.ReleaseRunLock(ctx, tx, run.EventID, run.ID); err != nil {
		return
	}
	evtType := "run.completed"
	if status == domain.RunPaused {
		evtType = "run.paused"
	} else if status == domain.RunFailed {
		evtType = "run.failed"
	}
	if err := r.Events.Append(ctx, tx, evtType, run.ID, run.EventID, r.ActorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}

func (r *Runner) logEvent(ctx context.Context, evtType string, run domain.Run, payload events.EventPayload) {
	if r.DB == nil {
		return
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := r.Events.Append(ctx, tx, evtType, run.ID, run.EventID, r.ActorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}
