// Command thread-tender archives a remote chat service's message history.
// It:
//   - dump: pulls paginated history under the service's rate limit, converts
//     messages concurrently (re-hosting attachments through a webhook
//     endpoint), and persists them idempotently so runs are resumable.
//   - export: flattens the store into a JSON archive and an HTML viewer.
//   - import: loads archive files back into the store.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/onnwee/thread-tender/chatapi"
	"github.com/onnwee/thread-tender/config"
	"github.com/onnwee/thread-tender/db"
	"github.com/onnwee/thread-tender/export"
	"github.com/onnwee/thread-tender/ingest"
	"github.com/onnwee/thread-tender/relay"
	"github.com/onnwee/thread-tender/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "thread-tender",
	Short: "Archive chat threads into Postgres and export viewer bundles",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if present (local dev convenience only; production relies on real env)
		_ = godotenv.Load()
		setupLogging()
		telemetry.Init()
		return nil
	},
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) { // text | json
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

// openStore connects and migrates, preferring versioned migrations with the
// embedded SQL as fallback for deployments without a schema_migrations table.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	database, err := db.ConnectDSN(cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrating store: %w", err)
		}
		return database, nil
	}
	if version, dirty, err := db.GetMigrationVersion(database); err == nil {
		slog.Info("store schema ready",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
			slog.String("component", "db_migrate"))
	}
	return database, nil
}

func newDumpCmd() *cobra.Command {
	var (
		threadIDs   []int64
		latest      bool
		credentials string
		webhooks    []string
		pageSize    int
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump chat logs to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if credentials != "" {
				cfg.CredentialsPath = credentials
			}
			if len(webhooks) > 0 {
				cfg.WebhookURLs = webhooks
			}
			if pageSize > 0 {
				cfg.PageSize = pageSize
			}
			if err := cfg.ValidateDumpReady(); err != nil {
				return err
			}
			if len(cfg.WebhookURLs) == 0 {
				slog.Warn("no webhook URLs provided, attachments will not be re-hosted")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.InitTracing("thread-tender", "1.0.0")
			if err != nil {
				return fmt.Errorf("tracing init: %w", err)
			}
			defer shutdownTracing()

			if cfg.MetricsAddr != "" {
				go serveMetrics(cfg.MetricsAddr)
			}

			session, err := chatapi.LoadSession(cfg.CredentialsPath)
			if err != nil {
				return err
			}
			baseURL := cfg.ChatAPIBaseURL
			if baseURL == "" {
				baseURL = session.BaseURL
			}
			if baseURL == "" {
				return fmt.Errorf("no chat API base URL in env or credentials")
			}

			database, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore(database)

			api := &chatapi.HTTPClient{
				BaseURL:    baseURL,
				Session:    session,
				HTTPClient: &http.Client{Timeout: 120 * time.Second},
			}
			pipeline := &ingest.Pipeline{
				DB:  database,
				API: api,
				Converter: &ingest.Converter{
					API:         api,
					Relay:       &relay.Relay{HTTPClient: &http.Client{Timeout: 120 * time.Second}},
					WebhookURLs: cfg.WebhookURLs,
				},
				PageSize:      cfg.PageSize,
				Concurrency:   cfg.ConvertConcurrency,
				FetchCooldown: cfg.FetchCooldown,
				Latest:        latest,
			}

			// Channels run sequentially; a malformed channel is skipped, a
			// cancelled context stops the whole run.
			var failed int
			for _, id := range threadIDs {
				if err := pipeline.DumpChannel(ctx, id); err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					failed++
					slog.Error("channel dump failed",
						slog.Int64("channel_id", id),
						slog.Any("err", err))
				}
			}
			if failed == len(threadIDs) && failed > 0 {
				return fmt.Errorf("all %d channels failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().Int64SliceVarP(&threadIDs, "id", "i", nil, "thread IDs to dump messages from")
	cmd.Flags().BoolVarP(&latest, "latest", "l", false, "start from the latest message instead of resuming from the earliest stored timestamp")
	cmd.Flags().StringVarP(&credentials, "credentials", "c", "", "credentials file path")
	cmd.Flags().StringSliceVarP(&webhooks, "webhook", "w", nil, "webhook URLs for re-hosting attachments")
	cmd.Flags().IntVarP(&pageSize, "messages-per-fetch", "m", 0, "messages to fetch per page")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		threadIDs []int64
		output    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export chat logs to a viewer bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			database, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore(database)

			jsonPath := output + ".json"
			htmlPath := output + ".html"
			if err := export.WriteJSON(cmd.Context(), database, threadIDs, jsonPath); err != nil {
				return err
			}
			if err := export.WriteHTML(cmd.Context(), database, threadIDs, htmlPath); err != nil {
				return err
			}
			slog.Info("archive written",
				slog.String("json", jsonPath),
				slog.String("html", htmlPath),
				slog.Int("channels", len(threadIDs)))
			return nil
		},
	}
	cmd.Flags().Int64SliceVarP(&threadIDs, "id", "i", nil, "thread IDs to export")
	cmd.Flags().StringVarP(&output, "output", "o", "archive", "output path without extension")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <archive.json>...",
		Short: "Import archive files into the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			database, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore(database)

			var failed int
			for _, file := range args {
				if err := export.Import(cmd.Context(), database, file); err != nil {
					failed++
					slog.Error("import failed", slog.String("file", file), slog.Any("err", err))
					continue
				}
				slog.Info("imported archive", slog.String("file", file))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d archives failed to import", failed, len(args))
			}
			return nil
		},
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	slog.Info("metrics listener started", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("metrics listener stopped", slog.Any("err", err))
	}
}

func closeStore(database *sql.DB) {
	if err := database.Close(); err != nil {
		slog.Error("failed to close database", slog.Any("err", err))
	}
}

func main() {
	rootCmd.AddCommand(newDumpCmd(), newExportCmd(), newImportCmd())
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("err", err))
		os.Exit(1)
	}
}
