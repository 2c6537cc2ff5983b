package domain

// RowStatus is the canonical attendance intent of an imported row.
type RowStatus string

const (
	StatusCheckin  RowStatus = "checkin"
	StatusCheckout RowStatus = "checkout"
	StatusBoth     RowStatus = "ambos"
)

// Row is one normalized spreadsheet line. SourceLine is the 1-based line
// in the original sheet (header excluded) kept for traceability in reports.
type Row struct {
	SourceLine     int       `json:"source_line"`
	Name           string    `json:"name"`
	TaxID          string    `json:"tax_id"`
	Role           string    `json:"role,omitempty"`
	Company        string    `json:"company,omitempty"`
	CredentialType string    `json:"credential_type,omitempty"`
	Wristband      string    `json:"wristband,omitempty"`
	CheckinTime    string    `json:"checkin_time,omitempty"`
	Status         RowStatus `json:"status" enum:"checkin,checkout,ambos"`
}

// Participant is a roster entry fetched from the staffing backend.
// Read-only for the duration of a run.
type Participant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TaxID        string `json:"tax_id"`
	Company      string `json:"company,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
}

// AttendanceRecord is a per-participant, per-event, per-date record of
// check-in/check-out times as the backend stores it.
type AttendanceRecord struct {
	ID            string  `json:"id"`
	EventID       string  `json:"event_id"`
	ParticipantID string  `json:"participant_id"`
	Date          string  `json:"date"`
	CheckIn       *string `json:"check_in,omitempty" format:"date-time"`
	CheckOut      *string `json:"check_out,omitempty" format:"date-time"`
	PerformedBy   string  `json:"performed_by,omitempty"`
	Notes         string  `json:"notes,omitempty"`
}

// AttendanceCreate is the payload for creating an attendance record.
type AttendanceCreate struct {
	EventID       string  `json:"event_id"`
	ParticipantID string  `json:"participant_id"`
	Date          string  `json:"date"`
	CheckIn       *string `json:"check_in,omitempty" format:"date-time"`
	CheckOut      *string `json:"check_out,omitempty" format:"date-time"`
	PerformedBy   string  `json:"performed_by"`
	Notes         string  `json:"notes,omitempty"`
}

// ResultStatus classifies the outcome of one row.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
	ResultWarning ResultStatus = "warning"
	ResultSkipped ResultStatus = "skipped"
)

// RowResult is the unit of observability: one per input row, in input order.
type RowResult struct {
	Row           Row          `json:"row"`
	ParticipantID *string      `json:"participant_id,omitempty"`
	Status        ResultStatus `json:"status" enum:"success,error,warning,skipped"`
	Message       string       `json:"message"`
	Action        string       `json:"action,omitempty" enum:"checkin,checkout,both"`
}

// Progress carries the live counters of a run. Counters only grow;
// Processed ends equal to Total unless the run was paused or canceled.
type Progress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Error     int `json:"error"`
	Warning   int `json:"warning"`
	Skipped   int `json:"skipped"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunPaused    = "paused"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is a persisted import run.
type Run struct {
	ID          string   `json:"id"`
	EventID     string   `json:"event_id"`
	EventDate   string   `json:"event_date"`
	FileName    string   `json:"file_name,omitempty"`
	PerformedBy string   `json:"performed_by"`
	Status      string   `json:"status" enum:"running,paused,completed,failed"`
	Progress    Progress `json:"progress"`
	StartedAt   string   `json:"started_at" format:"date-time"`
	FinishedAt  *string  `json:"finished_at,omitempty" format:"date-time"`
}

// RunLock guards against concurrent imports for the same event.
type RunLock struct {
	EventID    string `json:"event_id"`
	RunID      string `json:"run_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// Event is an append-only log entry for run lifecycle changes.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	EventID string `json:"event_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}
