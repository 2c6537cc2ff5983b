package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"credsync/internal/backend"
	"credsync/internal/config"
	"credsync/internal/db"
	"credsync/internal/domain"
	"credsync/internal/importer"
	"credsync/internal/migrate"
	"credsync/internal/repo"
	"credsync/internal/server"
	"credsync/internal/sheet"
)

var rootCmd = &cobra.Command{
	Use:   "credsync",
	Short: "Credsync CLI",
	Long: `Credsync imports spreadsheet attendance records into an event-staffing
backend. Each row is matched against the event roster by name, CPF and
company, checked against existing attendance, and turned into a check-in,
check-out or both, optionally binding a wristband code to the
participant's credential. Rows are processed in paced batches to keep
the backend load low; every run and its per-row results are kept in the
workspace database (.credsync/) for later inspection and error export.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	// Ctrl-C stops a run at the next row boundary and shuts the server down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREDSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("event", "", "event id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("event", rootCmd.PersistentFlags().Lookup("event"))
}

func registerCommands() {
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func previewCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Dry-run match of a spreadsheet against the event roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eventID, err := loadConfigAndEvent()
			if err != nil {
				return err
			}
			rows, err := sheet.ReadFile(filePath)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("no importable rows (rows without name or CPF are dropped)")
				return nil
			}
			runner := importer.New(nil, newBackendClient(cfg), viper.GetString("actor-id"))
			snap, err := runner.FetchSnapshot(cmd.Context(), eventID)
			if err != nil {
				return err
			}
			if snap.Degraded {
				fmt.Fprintln(os.Stderr, "warning: attendance fetch failed; existing attendance unknown")
			}
			results := importer.Preview(snap.Roster, rows, snap.Existing)
			if viper.GetBool("json") {
				return printJSON(results)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Linha", "Nome", "CPF", "Empresa", "Status", "Resultado", "Mensagem"})
			for _, res := range results {
				tw.AppendRow(table.Row{res.Row.SourceLine, res.Row.Name, res.Row.TaxID, res.Row.Company, res.Row.Status, res.Status, res.Message})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "spreadsheet file (.xlsx or .csv)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runCmd() *cobra.Command {
	var filePath, eventDate, performedBy, reportPath string
	var batchSize, rowDelayMS, batchDelayMS int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute an import run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, eventID, err := loadConfigAndEvent()
			if err != nil {
				return err
			}
			rows, err := sheet.ReadFile(filePath)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("no importable rows (rows without name or CPF are dropped)")
				return nil
			}
			if eventDate == "" {
				eventDate = time.Now().Format("2006-01-02")
			}
			runCfg := importer.RunConfig{
				EventID:     eventID,
				EventDate:   eventDate,
				PerformedBy: performedBy,
				FileName:    filePath,
				BatchSize:   batchSize,
				RowDelay:    time.Duration(rowDelayMS) * time.Millisecond,
				BatchDelay:  time.Duration(batchDelayMS) * time.Millisecond,
			}
			if runCfg.BatchSize == 0 {
				runCfg.BatchSize = cfg.Pacing.BatchSize
			}
			if runCfg.RowDelay == 0 {
				runCfg.RowDelay = time.Duration(cfg.Pacing.RowDelayMS) * time.Millisecond
			}
			if runCfg.BatchDelay == 0 {
				runCfg.BatchDelay = time.Duration(cfg.Pacing.BatchDelayMS) * time.Millisecond
			}
			if runCfg.PerformedBy == "" {
				runCfg.PerformedBy = cfg.Event.PerformedBy
			}

			return withDB(func(conn *sql.DB) error {
				runner := importer.New(conn, newBackendClient(cfg), viper.GetString("actor-id"))
				ctl := &importer.Control{}

				var pw progress.Writer
				var tracker *progress.Tracker
				if !viper.GetBool("json") {
					pw = progress.NewWriter()
					pw.SetOutputWriter(os.Stdout)
					pw.SetAutoStop(false)
					tracker = &progress.Tracker{Message: "Processando planilha", Total: int64(len(rows))}
					pw.AppendTracker(tracker)
					go pw.Render()
					runner.Observe = func(p domain.Progress) {
						tracker.SetValue(int64(p.Processed))
					}
				}

				run, results, err := runner.Run(cmd.Context(), rows, runCfg, ctl)
				if pw != nil {
					tracker.MarkAsDone()
					pw.Stop()
					for pw.IsRenderInProgress() {
						time.Sleep(10 * time.Millisecond)
					}
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "results": results})
				}
				printSummary(run)
				if reportPath != "" {
					return writeReportFile(reportPath, results, time.Now())
				}
				if len(sheet.Flagged(results)) > 0 {
					fmt.Printf("flagged rows present; export them with: credsync report %s\n", run.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "spreadsheet file (.xlsx or .csv)")
	cmd.Flags().StringVar(&eventDate, "event-date", "", "date stamped onto created records (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&performedBy, "performed-by", "", "performer tag on created records")
	cmd.Flags().StringVar(&reportPath, "report", "", "write flagged-rows report to this file")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per batch")
	cmd.Flags().IntVar(&rowDelayMS, "row-delay", 0, "delay between rows (ms)")
	cmd.Flags().IntVar(&batchDelayMS, "batch-delay", 0, "delay between batches (ms)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect past import runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List import runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, viper.GetString("event"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Event", "Date", "Status", "Processed", "Success", "Error", "Warning", "Skipped"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.EventID, run.EventDate, run.Status,
						fmt.Sprintf("%d/%d", run.Progress.Processed, run.Progress.Total),
						run.Progress.Success, run.Progress.Error, run.Progress.Warning, run.Progress.Skipped})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runsShowCmd() *cobra.Command {
	var flaggedOnly bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its per-row results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				var statuses []domain.ResultStatus
				if flaggedOnly {
					statuses = []domain.ResultStatus{domain.ResultError, domain.ResultWarning}
				}
				results, err := r.ListResults(ctx, run.ID, statuses...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "results": results})
				}
				printSummary(run)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Linha", "Nome", "CPF", "Resultado", "Mensagem"})
				for _, res := range results {
					tw.AppendRow(table.Row{res.Row.SourceLine, res.Row.Name, res.Row.TaxID, res.Status, res.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flaggedOnly, "flagged", false, "only error/warning rows")
	return cmd
}

func reportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Export a run's flagged rows to a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := r.ListResults(ctx, run.ID, domain.ResultError, domain.ResultWarning)
				if err != nil {
					return err
				}
				now := time.Now()
				if outPath == "" {
					outPath = sheet.DefaultReportName(now)
				}
				return writeReportFile(outPath, results, now)
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default timestamped name)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default credsync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseURL)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:3000", "backend base URL")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the import HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := os.Getenv("CREDSYNC_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("CREDSYNC_JWT_SECRET is required for bearer auth")
			}
			return withDB(func(conn *sql.DB) error {
				handler, err := server.New(server.Config{
					DB:      conn,
					Backend: newBackendClient(cfg),
					Pacing: importer.RunConfig{
						BatchSize:  cfg.Pacing.BatchSize,
						RowDelay:   time.Duration(cfg.Pacing.RowDelayMS) * time.Millisecond,
						BatchDelay: time.Duration(cfg.Pacing.BatchDelayMS) * time.Millisecond,
					},
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-cmd.Context().Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				fmt.Printf("Serving Credsync API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func loadConfigAndEvent() (*config.Config, string, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, "", err
	}
	eventID := viper.GetString("event")
	if eventID == "" {
		eventID = cfg.Event.ID
	}
	if eventID == "" {
		return nil, "", fmt.Errorf("event not specified; use --event or set event.id in credsync.yml")
	}
	return cfg, eventID, nil
}

func newBackendClient(cfg *config.Config) *backend.Client {
	client := backend.New(cfg.Backend.BaseURL)
	client.BearerToken = cfg.Backend.BearerToken
	client.APIKey = cfg.Backend.APIKey
	client.Timeout = time.Duration(cfg.Backend.TimeoutSec) * time.Second
	client.HTTPClient = &http.Client{Timeout: client.Timeout}
	return client
}

func withDB(fn func(conn *sql.DB) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(conn)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withDB(func(conn *sql.DB) error {
		return fn(ctx, repo.Repo{DB: conn})
	})
}

func printSummary(run domain.Run) {
	p := run.Progress
	fmt.Printf("Run %s (%s)\n", run.ID, run.Status)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Outcome", "Count", "%"})
	total := p.Processed
	if total == 0 {
		total = 1
	}
	tw.AppendRow(table.Row{"success", p.Success, pct(p.Success, total)})
	tw.AppendRow(table.Row{"warning", p.Warning, pct(p.Warning, total)})
	tw.AppendRow(table.Row{"skipped", p.Skipped, pct(p.Skipped, total)})
	tw.AppendRow(table.Row{"error", p.Error, pct(p.Error, total)})
	tw.AppendFooter(table.Row{"processed", p.Processed, fmt.Sprintf("of %d", p.Total)})
	tw.Render()
}

func pct(n, total int) string {
	return fmt.Sprintf("%.1f%%", float64(n)*100/float64(total))
}

func writeReportFile(path string, results []domain.RowResult, now time.Time) error {
	if len(sheet.Flagged(results)) == 0 {
		fmt.Println("nothing to export: no error or warning rows")
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := sheet.WriteReport(f, results, now); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
