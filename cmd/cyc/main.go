package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cyclecount/internal/app"
	"cyclecount/internal/config"
	"cyclecount/internal/db"
	"cyclecount/internal/domain"
	"cyclecount/internal/engine"
	"cyclecount/internal/export"
	"cyclecount/internal/logging"
	"cyclecount/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cyc",
	Short: "Cycle count CLI",
	Long: `cyc runs a store's cycle count: open the day's task, scan serials, finish counting,
explain every shortage and overage, sign off and archive.
- Workspace: the .cyclecount directory holding the SQLite database, next to cyclecount.yml.
- Task: one counting cycle per day; phases go PENDING -> COUNTING -> RECONCILING -> SIGNED -> COMPLETED.
- Discrepancies: expected serials nobody scanned (shortage) and scanned serials nobody expected (overage).
- Event log: every change, view with 'cyc log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		// a missing .env is fine; a broken one is not
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CYCLECOUNT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("date", "", "task date (YYYY-MM-DD), defaults to today")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("date", rootCmd.PersistentFlags().Lookup("date"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func historyCmd() *cobra.Command {
	hist := &cobra.Command{
		Use:   "history",
		Short: "Archived tasks",
		Long:  "Completed tasks are archived with their discrepancies, signature and counts.",
	}
	hist.AddCommand(historyListCmd())
	hist.AddCommand(historyShowCmd())
	return hist
}

func historyListCmd() *cobra.Command {
	var n int
	var date string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine().Repo.ListHistory(ctx, n, date)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Task", "Date", "Archived", "Discrepancies", "Signed By"})
				for _, h := range items {
					signer := ""
					if h.Task.Signature != nil {
						signer = h.Task.Signature.SignedBy
					}
					tw.AppendRow(table.Row{h.ID, h.TaskID, h.Date, h.ArchivedAt, len(h.Task.Discrepancies), signer})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&date, "for", "", "only tasks of this date")
	return cmd
}

func historyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an archived task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				h, err := ws.Engine().Repo.GetHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				fmt.Printf("history %s archived %s\n", h.ID, h.ArchivedAt)
				printTask(h.Task)
				return nil
			})
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the task report as an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd.Context(), func(ctx context.Context, ws *app.Workspace, t domain.InventoryTask) error {
				path := out
				if path == "" {
					path = export.FileName(t)
				}
				if err := export.SaveAs(path, t); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task_id": t.ID, "path": path})
				}
				fmt.Printf("wrote %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default Report_<date>.xlsx)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail: task creation, scans, quantity changes, transitions, annotations and sign-off.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r := ws.Engine().Repo
				items, err := r.LatestEvents(ctx, n, 0, taskID, evtType)
				if err != nil {
					return err
				}
				// newest first from the store, oldest first on screen
				for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
					items[i], items[j] = items[j], items[i]
				}
				printEvents(items)
				if !follow {
					return nil
				}
				var cursor int64
				if len(items) > 0 {
					cursor = items[len(items)-1].ID
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := r.EventsAfter(ctx, 100, cursor, taskID)
					if err != nil {
						return err
					}
					if len(next) == 0 {
						continue
					}
					cursor = next[len(next)-1].ID
					printEvents(next)
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func printEvents(items []domain.Event) {
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range items {
			_ = enc.Encode(e)
		}
		return
	}
	for _, e := range items {
		line := fmt.Sprintf("%s  %-20s %s", e.TS, e.Type, e.TaskID)
		if e.Serial != "" {
			line += "  " + e.Serial
		}
		if e.Payload != "" && e.Payload != "{}" && e.Payload != "null" {
			line += "  " + e.Payload
		}
		fmt.Println(line)
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "cyclecount.yml selects the task store (sqlite or redis), the catalog source and the log format.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default cyclecount.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate cyclecount.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if addr == "" {
					addr = ws.Config.Server.Addr
				}
				handler, err := server.New(server.Config{Session: ws.Session, BasePath: basePath, Log: ws.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving cycle count API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newLogger(cfg *config.Config) *logrus.Logger {
	level := viper.GetString("log-level")
	if level == "" {
		level = cfg.Log.Level
	}
	return logging.New(logging.Options{Level: level, Format: cfg.Log.Format, Out: os.Stderr})
}

// withWorkspace opens the workspace for one command and flushes pending writes afterwards.
func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) (err error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	ws, err := app.Open(ctx, workspace, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer func() {
		// the command's context may already be cancelled; pending writes still need to land
		cerr := ws.Close(context.Background())
		if err == nil {
			err = cerr
		}
	}()
	return fn(ctx, ws)
}

// withTask additionally opens the task for --date, resuming any unfinished one.
func withTask(ctx context.Context, fn func(context.Context, *app.Workspace, domain.InventoryTask) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		t, err := ws.Session.Open(ctx, viper.GetString("date"))
		if err != nil {
			return err
		}
		return fn(ctx, ws, t)
	})
}

// withSession runs one session operation and prints the resulting task.
func withSession(ctx context.Context, fn func(context.Context, *engine.Session) (domain.InventoryTask, error)) error {
	return withTask(ctx, func(ctx context.Context, ws *app.Workspace, _ domain.InventoryTask) error {
		t, err := fn(ctx, ws.Session)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(t)
		}
		printTask(t)
		return nil
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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
