package server

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"credsync/internal/domain"
	"credsync/internal/importer"
	"credsync/internal/repo"
	"credsync/internal/sheet"
)

// Config for the HTTP API handler.
type Config struct {
	DB       *sql.DB
	Backend  importer.Backend
	Pacing   importer.RunConfig // defaults applied to runs started via API
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"nothing_to_export"`
	Message string         `json:"message" example:"no flagged rows for this run"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "already running"):
		return newAPIError(http.StatusConflict, "run_in_progress", msg, nil)
	case strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "must be") || strings.Contains(lowered, "no sheets") ||
		strings.Contains(lowered, "header") || strings.Contains(lowered, "empty"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// state tracks pause controls of runs started through this server.
type state struct {
	mu       sync.Mutex
	controls map[string]*importer.Control
}

func (s *state) put(runID string, ctl *importer.Control) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls[runID] = ctl
}

func (s *state) get(runID string) (*importer.Control, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctl, ok := s.controls[runID]
	return ctl, ok
}

// New returns an HTTP handler exposing the import API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Credsync API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	st := &state{controls: map[string]*importer.Control{}}
	r := repo.Repo{DB: cfg.DB}

	registerHealth(group)
	registerPreview(group, cfg)
	registerStartImport(group, cfg, st)
	registerListRuns(group, r)
	registerGetRun(group, r)
	registerPause(group, r, st)
	registerReport(router, basePath, r, cfg)

	return router, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type spreadsheetBody struct {
	EventID  string `json:"event_id"`
	FileName string `json:"file_name,omitempty"`
	File     []byte `json:"file"` // base64-encoded spreadsheet content
}

func parseUpload(body spreadsheetBody) ([]domain.Row, error) {
	if body.EventID == "" {
		return nil, errors.New("event_id is required")
	}
	if len(body.File) == 0 {
		return nil, errors.New("file is required")
	}
	if strings.HasSuffix(strings.ToLower(body.FileName), ".csv") {
		return sheet.ReadCSV(bytes.NewReader(body.File))
	}
	return sheet.ReadXLSX(bytes.NewReader(body.File))
}

func registerPreview(api huma.API, cfg Config) {
	type previewOutput struct {
		Body struct {
			Rows     int                `json:"rows"`
			Degraded bool               `json:"degraded,omitempty"`
			Results  []domain.RowResult `json:"results"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "preview-import",
		Method:      http.MethodPost,
		Path:        "/imports/preview",
		Summary:     "Dry-run match of a spreadsheet against the event roster",
	}, func(ctx context.Context, input *struct {
		Body spreadsheetBody
	}) (*previewOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rows, err := parseUpload(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		runner := importer.New(nil, cfg.Backend, actor)
		snap, err := runner.FetchSnapshot(ctx, input.Body.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &previewOutput{}
		out.Body.Rows = len(rows)
		out.Body.Degraded = snap.Degraded
		out.Body.Results = importer.Preview(snap.Roster, rows, snap.Existing)
		return out, nil
	})
}

func registerStartImport(api huma.API, cfg Config, st *state) {
	type startBody struct {
		EventID      string `json:"event_id"`
		FileName     string `json:"file_name,omitempty"`
		File         []byte `json:"file"` // base64-encoded spreadsheet content
		EventDate    string `json:"event_date" doc:"Calendar date stamped onto created records (YYYY-MM-DD)"`
		PerformedBy  string `json:"performed_by,omitempty"`
		BatchSize    int    `json:"batch_size,omitempty" minimum:"0"`
		RowDelayMS   int    `json:"row_delay_ms,omitempty" minimum:"0"`
		BatchDelayMS int    `json:"batch_delay_ms,omitempty" minimum:"0"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "start-import",
		Method:      http.MethodPost,
		Path:        "/imports",
		Summary:     "Start an import run",
	}, func(ctx context.Context, input *struct {
		Body startBody
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rows, err := parseUpload(spreadsheetBody{
			EventID:  input.Body.EventID,
			FileName: input.Body.FileName,
			File:     input.Body.File,
		})
		if err != nil {
			return nil, handleError(err)
		}
		runCfg := importer.RunConfig{
			EventID:     input.Body.EventID,
			EventDate:   input.Body.EventDate,
			PerformedBy: input.Body.PerformedBy,
			FileName:    input.Body.FileName,
			BatchSize:   input.Body.BatchSize,
			RowDelay:    time.Duration(input.Body.RowDelayMS) * time.Millisecond,
			BatchDelay:  time.Duration(input.Body.BatchDelayMS) * time.Millisecond,
		}
		if runCfg.BatchSize == 0 {
			runCfg.BatchSize = cfg.Pacing.BatchSize
		}
		if runCfg.RowDelay == 0 {
			runCfg.RowDelay = cfg.Pacing.RowDelay
		}
		if runCfg.BatchDelay == 0 {
			runCfg.BatchDelay = cfg.Pacing.BatchDelay
		}
		runner := importer.New(cfg.DB, cfg.Backend, actor)
		if cfg.Now != nil {
			runner.Now = cfg.Now
		}
		ctl := &importer.Control{}
		run, err := runner.StartAsync(ctx, rows, runCfg, ctl)
		if err != nil {
			return nil, handleError(err)
		}
		st.put(run.ID, ctl)
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerListRuns(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-imports",
		Method:      http.MethodGet,
		Path:        "/imports",
		Summary:     "List import runs",
	}, func(ctx context.Context, input *struct {
		EventID string `query:"event_id"`
	}) (*struct {
		Body struct {
			Items []domain.Run `json:"items"`
		} `json:"body"`
	}, error) {
		runs, err := r.ListRuns(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []domain.Run `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = runs
		return out, nil
	})
}

func registerGetRun(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "get-import",
		Method:      http.MethodGet,
		Path:        "/imports/{run_id}",
		Summary:     "Import run status and progress",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := r.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerPause(api huma.API, r repo.Repo, st *state) {
	huma.Register(api, huma.Operation{
		OperationID: "pause-import",
		Method:      http.MethodPost,
		Path:        "/imports/{run_id}/pause",
		Summary:     "Pause a running import at the next row boundary",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := r.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		ctl, ok := st.get(input.RunID)
		if !ok || run.Status != domain.RunRunning {
			return nil, newAPIError(http.StatusConflict, "not_running", "run is not active on this server", nil)
		}
		ctl.Pause()
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

// registerReport serves the flagged-rows report as an xlsx download. It
// bypasses huma because the payload is a binary file.
func registerReport(router chi.Router, basePath string, r repo.Repo, cfg Config) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	router.Get(basePath+"/imports/{run_id}/report", func(w http.ResponseWriter, req *http.Request) {
		runID := chi.URLParam(req, "run_id")
		if _, err := r.GetRun(req.Context(), runID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		results, err := r.ListResults(req.Context(), runID, domain.ResultError, domain.ResultWarning)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		var buf bytes.Buffer
		if err := sheet.WriteReport(&buf, results, now()); err != nil {
			if errors.Is(err, sheet.ErrNothingToExport) {
				respondStatusError(w, newAPIError(http.StatusNotFound, "nothing_to_export", "no flagged rows for this run", nil))
				return
			}
			respondStatusError(w, handleError(err))
			return
		}
		name := sheet.DefaultReportName(now())
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		_, _ = w.Write(buf.Bytes())
	})
}
