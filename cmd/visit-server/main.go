package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caresync/visits/internal/config"
	"github.com/caresync/visits/internal/domain/offlinequeue"
	"github.com/caresync/visits/internal/domain/visit"
	"github.com/caresync/visits/internal/platform/auth"
	"github.com/caresync/visits/internal/platform/cache"
	"github.com/caresync/visits/internal/platform/db"
	"github.com/caresync/visits/internal/platform/external"
	"github.com/caresync/visits/internal/platform/middleware"
	"github.com/caresync/visits/internal/platform/outbox"
	"github.com/caresync/visits/internal/platform/telemetry"
	"github.com/caresync/visits/internal/platform/upstream"
	"github.com/caresync/visits/pkg/visitmodel"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "visit-server",
		Short: "Caregiver visit lifecycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queueCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the visit API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// migrationSource returns the embedded migrations unless dir points at a
// directory on disk.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return db.EmbeddedMigrations()
	}
	return os.DirFS(dir)
}

func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// queueCmd inspects and drains the offline queue without going through HTTP.
// Replay uses the identifiers stored on each failed attempt.
func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay offline queue records",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List an employee's queued records",
		RunE: func(cmd *cobra.Command, args []string) error {
			employee, _ := cmd.Flags().GetString("employee")

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			recs, err := offlinequeue.NewService(offlinequeue.NewRepo(pool)).List(ctx, employee)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	listCmd.Flags().String("employee", "", "Employee id")
	_ = listCmd.MarkFlagRequired("employee")
	cmd.AddCommand(listCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay an employee's failed attempts against the systems of record",
		RunE: func(cmd *cobra.Command, args []string) error {
			employee, _ := cmd.Flags().GetString("employee")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			logger := newLogger(cfg.Env)

			rdb, err := cache.NewClient(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			tasks := outbox.New(logger, outboxOptions(cfg)...)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = tasks.Close(closeCtx)
			}()

			registry := buildRegistry(cfg, logger)
			queue := offlinequeue.NewService(offlinequeue.NewRepo(pool))
			orch := visit.NewOrchestrator(visit.NewAggregator(registry, logger), registry,
				visit.NewRedisOverlay(rdb), queue, tasks, logger, orchestratorOptions(cfg)...)

			summary, err := orch.ReplayEmployee(ctx, visit.OperatorActor(employee))
			if summary != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				_ = enc.Encode(summary)
			}
			return err
		},
	}
	replayCmd.Flags().String("employee", "", "Employee id")
	_ = replayCmd.MarkFlagRequired("employee")
	cmd.AddCommand(replayCmd)

	return cmd
}

func printRecords(w io.Writer, recs []*offlinequeue.Record) {
	fmt.Fprintf(w, "%-14s %-40s %-8s %-8s %s\n", "TYPE", "KEY", "STATUS", "ATTEMPTS", "CREATED AT")
	for _, r := range recs {
		key := r.SecondaryIdentifier
		if key == "" {
			key = "-"
		}
		fmt.Fprintf(w, "%-14s %-40s %-8s %-8d %s\n", r.ValueType, key, r.ValueStatus, r.Attempts,
			r.CreatedAt.UTC().Format(time.RFC3339))
	}
}

// buildRegistry wires the HTTP systems of record. In development a system
// without a URL is served from memory.
func buildRegistry(cfg *config.Config, logger zerolog.Logger) *upstream.Registry {
	system := func(name, url string, fn func(upstream.ClientConfig) upstream.System) upstream.System {
		if url == "" && cfg.IsDev() {
			logger.Warn().Str("system", name).Msg("no upstream URL configured, using in-memory system")
			return upstream.NewMemorySystem(name)
		}
		return upstream.WithTimeout(fn(upstream.ClientConfig{
			BaseURL: url,
			APIKey:  os.Getenv(apiKeyEnv(name)),
			Timeout: cfg.UpstreamTimeout,
			Retries: 2,
		}), cfg.UpstreamTimeout)
	}
	return upstream.NewRegistry(
		system(visitmodel.SystemProcura, cfg.ProcuraURL, func(c upstream.ClientConfig) upstream.System { return upstream.NewProcura(c) }),
		system(visitmodel.SystemAlayaCare, cfg.AlayaCareURL, func(c upstream.ClientConfig) upstream.System { return upstream.NewAlayaCare(c) }),
	)
}

func apiKeyEnv(system string) string {
	switch system {
	case visitmodel.SystemProcura:
		return "PROCURA_API_KEY"
	case visitmodel.SystemAlayaCare:
		return "ALAYACARE_API_KEY"
	}
	return ""
}

func thresholds(cfg *config.Config) visit.Thresholds {
	hours := func(h float64) time.Duration { return time.Duration(h * float64(time.Hour)) }
	return visit.Thresholds{
		Future:         hours(cfg.FutureThresholdHours),
		Disabled:       hours(cfg.DisabledThresholdHours),
		WindowFuture:   time.Duration(cfg.WindowFutureMinutes) * time.Minute,
		WindowDisabled: time.Duration(cfg.WindowDisabledMinutes) * time.Minute,
		ShortWindow:    time.Duration(cfg.ShortWindowMinutes) * time.Minute,
		OfflineHorizon: hours(cfg.OfflineHorizonHours),
	}
}

func outboxOptions(cfg *config.Config) []outbox.Option {
	return []outbox.Option{
		outbox.WithWorkers(cfg.OutboxWorkers),
		outbox.WithQueueSize(cfg.OutboxQueueSize),
		outbox.WithMaxRetries(cfg.OutboxMaxRetries),
		outbox.WithTaskTimeout(cfg.UpstreamTimeout),
	}
}

func orchestratorOptions(cfg *config.Config) []visit.OrchestratorOption {
	opts := []visit.OrchestratorOption{visit.WithOverlayTTL(cfg.OverlayTTL)}
	if cfg.CheckInLeaseEnabled {
		opts = append(opts, visit.WithLease(cfg.CheckInLeaseTTL))
	}
	return opts
}

type collaborators struct {
	identity external.IdentityResolver
	features external.FeatureProvisioner
	clients  external.ClientDirectory
	notifier external.Notifier
}

// buildCollaborators falls back to static or in-memory implementations in
// development when a collaborator URL is unset.
func buildCollaborators(cfg *config.Config, logger zerolog.Logger) collaborators {
	httpCfg := func(url string) external.HTTPConfig {
		return external.HTTPConfig{BaseURL: url, APIKey: os.Getenv("COLLABORATOR_API_KEY"), Timeout: cfg.UpstreamTimeout, Retries: 1}
	}
	var c collaborators

	switch {
	case cfg.IdentityURL != "":
		c.identity = external.NewHTTPIdentityResolver(httpCfg(cfg.IdentityURL))
	default:
		logger.Warn().Msg("IDENTITY_URL not set, accepting locally signed identity tokens")
		c.identity = external.NewTokenIdentityResolver([]byte(cfg.DevSigningKey))
	}

	if cfg.FeatureURL != "" {
		c.features = external.NewHTTPFeatures(httpCfg(cfg.FeatureURL))
	} else {
		c.features = external.NewStaticFeatures(nil)
	}

	if cfg.ClientDirectoryURL != "" {
		c.clients = external.NewHTTPClientDirectory(httpCfg(cfg.ClientDirectoryURL))
	} else {
		c.clients = external.NewMemoryClientDirectory()
	}

	if cfg.NotificationURL != "" {
		c.notifier = external.NewHTTPNotifier(httpCfg(cfg.NotificationURL))
	} else {
		c.notifier = external.NewMemoryNotifier()
	}
	return c
}

func devIdentity() external.Identity {
	return external.Identity{
		EmployeePsID: "dev-employee",
		BranchIDs:    []string{"dev-branch"},
		SystemIdentifiers: []visitmodel.SystemIdentifier{
			{EmpSystemID: "dev-procura", SystemName: visitmodel.SystemProcura, TenantID: "dev-tenant"},
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis
	rdb, err := cache.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()
	logger.Info().Msg("connected to redis")

	// Metrics
	metricsHandler, err := telemetry.InitMeterProvider(ctx, "visit-server")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init metrics")
	}
	if err := telemetry.InitMetrics(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create metric instruments")
	}

	tasks := outbox.New(logger, outboxOptions(cfg)...)
	if err := telemetry.RegisterOutbox(tasks.Stats); err != nil {
		logger.Warn().Err(err).Msg("outbox metrics unavailable")
	}
	registry := buildRegistry(cfg, logger)
	collab := buildCollaborators(cfg, logger)
	overlay := visit.NewRedisOverlay(rdb)
	queue := offlinequeue.NewService(offlinequeue.NewRepo(pool))
	agg := visit.NewAggregator(registry, logger)

	svc := visit.NewService(visit.ServiceDeps{
		Aggregator: agg,
		Registry:   registry,
		Overlay:    overlay,
		Queue:      queue,
		Features:   collab.features,
		Clients:    collab.clients,
		Notifier:   collab.notifier,
		Tasks:      tasks,
		Thresholds: thresholds(cfg),
		Logger:     logger,
	})
	orch := visit.NewOrchestrator(agg, registry, overlay, queue, tasks, logger, orchestratorOptions(cfg)...)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/metrics"))
	e.Use(middleware.BodyLimit("1M", "10M"))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Identity middleware
	if cfg.IsDev() {
		e.Use(auth.DevIdentityMiddleware(collab.identity, devIdentity(), logger))
	} else {
		e.Use(auth.IdentityMiddleware(collab.identity, logger))
	}

	// Health
	checks := []db.Check{{Name: "redis", Fn: func(ctx context.Context) error { return cache.Ping(ctx, rdb) }}}
	outboxStats := db.Detail{Name: "outbox", Fn: func() interface{} { return tasks.Stats() }}
	e.GET("/health", db.HealthHandler(pool, checks, outboxStats))
	e.GET("/health/db", db.HealthHandler(pool, nil))
	e.GET("/metrics", echo.WrapHandler(metricsHandler))

	// API groups
	apiV1 := e.Group("/api/v1")
	handler := visit.NewHandler(svc, orch, time.UTC)
	handler.RegisterRoutes(apiV1)
	if !cfg.IsProduction() {
		handler.RegisterQARoutes(apiV1)
		logger.Warn().Msg("QA visit routes enabled")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	if err := tasks.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("outbox did not drain before shutdown")
	}
	logger.Info().Msg("server stopped")
	return nil
}
