package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eurocovid/casechart/internal/config"
	"github.com/eurocovid/casechart/internal/domain/artifact"
	"github.com/eurocovid/casechart/internal/domain/chartstate"
	"github.com/eurocovid/casechart/internal/domain/playback"
	"github.com/eurocovid/casechart/internal/domain/surveillance"
	"github.com/eurocovid/casechart/internal/platform/blobstore"
	"github.com/eurocovid/casechart/internal/platform/db"
	"github.com/eurocovid/casechart/internal/platform/middleware"
	"github.com/eurocovid/casechart/internal/platform/render"
	"github.com/eurocovid/casechart/internal/platform/telemetry"
	"github.com/eurocovid/casechart/internal/platform/watcher"
	"github.com/eurocovid/casechart/internal/platform/websocket"
	"github.com/eurocovid/casechart/migrations"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "casechart-server",
		Short: "COVID-19 case chart server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(bundleCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chart server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Replace the reference dataset in PostgreSQL with a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				source = filepath.Base(args[0])
			}

			records, err := surveillance.NewFileRepo(args[0]).LoadReference(cmd.Context())
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := surveillance.NewRepoPG(pool).ReplaceReference(ctx, source, records)
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			fmt.Printf("Imported %d record(s) from %s.\n", n, source)
			return nil
		},
	}
	cmd.Flags().String("source", "", "Source label recorded with the load (default: file name)")
	return cmd
}

func bundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle <file>",
		Short: "Write a FHIR collection bundle from a surveillance JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			return writeBundle(cmd.Context(), args[0], out, zerolog.Nop())
		},
	}
	cmd.Flags().StringP("out", "o", artifact.BundleName, "Output file")
	return cmd
}

func writeBundle(ctx context.Context, in, out string, logger zerolog.Logger) error {
	store, err := blobstore.NewDirStore(filepath.Dir(out))
	if err != nil {
		return err
	}
	res, err := artifact.NewService(store, logger).PublishFile(ctx, filepath.Base(out), in)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %d observation(s) to %s.\n", res.Records, out)
	return nil
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.UsesDatabase() {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reference dataset source
	var (
		pool *pgxpool.Pool
		repo surveillance.ReferenceRepository
	)
	switch {
	case cfg.UsesDatabase():
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		repo = surveillance.NewRepoPG(pool)
	case cfg.DataURL != "":
		repo = surveillance.NewHTTPRepo(cfg.DataURL, 30*time.Second)
	default:
		repo = surveillance.NewFileRepo(cfg.DataFile)
	}

	a, err := newApp(cfg, logger, repo, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}

	if err := a.reload(ctx); err != nil {
		logger.Warn().Err(err).Msg("serving without reference dataset")
	}
	if cfg.SampleFile != "" {
		if _, err := a.artifacts.PublishFile(ctx, artifact.SampleName, cfg.SampleFile); err != nil {
			logger.Warn().Err(err).Str("file", cfg.SampleFile).Msg("sample bundle not generated")
		}
	}

	w, err := a.watch(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("file watching disabled")
	}
	if w != nil {
		defer w.Close()
	}

	go a.sessions.Run(ctx)

	e := a.routes()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()
	a.sessions.Each(func(c *chartstate.Coordinator) { a.sessions.Delete(c.ID()) })

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// app holds the wired services shared by the HTTP routes and background
// workers.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	ref       *surveillance.ReferenceStore
	hub       *websocket.Hub
	sessions  *chartstate.Registry
	store     blobstore.Store
	artifacts *artifact.Service
	metrics   *telemetry.Provider
}

func newApp(cfg *config.Config, logger zerolog.Logger, repo surveillance.ReferenceRepository, pool *pgxpool.Pool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, pool: pool}

	a.metrics = telemetry.NewProvider(telemetry.Config{
		Enabled:        cfg.MetricsEnabled,
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	a.hub = websocket.NewHub(logger)
	a.metrics.GaugeFunc("websocket_clients", "Connected view subscribers.", func() float64 {
		return float64(a.hub.ClientCount())
	})

	if cfg.ArtifactDir != "" {
		dir, err := blobstore.NewDirStore(cfg.ArtifactDir)
		if err != nil {
			return nil, err
		}
		a.store = dir
	} else {
		a.store = blobstore.NewInMemoryStore()
	}
	a.artifacts = artifact.NewService(a.store, logger)

	a.ref = surveillance.NewReferenceStore(repo, logger)

	interval := cfg.PlaybackInterval
	if interval <= 0 {
		interval = playback.DefaultInterval
	}
	a.sessions = chartstate.NewRegistry(func(id string) *chartstate.Coordinator {
		return chartstate.NewCoordinator(id, a.ref, chartstate.Options{
			Scheduler:    playback.RealScheduler{},
			Interval:     interval,
			FallbackYear: cfg.ReferenceYear,
			Renderer:     a.hub,
			Metrics:      a.metrics,
			Logger:       logger,
		})
	}, cfg.SessionTTL, logger)
	a.sessions.OnChange(a.metrics.SessionsChanged)
	a.sessions.OnClose(a.hub.SessionClosed)

	a.ref.OnLoad(a.artifacts.PublishDataset)
	a.ref.OnLoad(func(ds *surveillance.Dataset) {
		a.hub.ReferenceReloaded(ds.Len())
		a.sessions.Each(func(c *chartstate.Coordinator) { c.Refresh() })
	})

	return a, nil
}

// reload reads the reference dataset and records the outcome.
func (a *app) reload(ctx context.Context) error {
	err := a.ref.Load(ctx)
	n := 0
	if ds, derr := a.ref.Reference(); derr == nil {
		n = ds.Len()
	}
	a.metrics.ReferenceLoaded(n, err)
	return err
}

// watch reloads the reference file and regenerates the sample bundle when
// their files change on disk. It returns nil when watching is off.
func (a *app) watch(ctx context.Context) (*watcher.Watcher, error) {
	if !a.cfg.WatchDataFile {
		return nil, nil
	}
	w, err := watcher.New(watcher.DefaultDebounce, a.logger)
	if err != nil {
		return nil, err
	}

	if a.cfg.DataFile != "" && !a.cfg.UsesDatabase() && a.cfg.DataURL == "" {
		if err := w.Watch(a.cfg.DataFile, a.onDataFileChange); err != nil {
			w.Close()
			return nil, err
		}
	}
	if a.cfg.SampleFile != "" {
		if err := w.Watch(a.cfg.SampleFile, a.onSampleFileChange); err != nil {
			w.Close()
			return nil, err
		}
	}

	go func() {
		if err := w.Run(ctx); err != nil {
			a.logger.Error().Err(err).Msg("file watcher stopped")
		}
	}()
	return w, nil
}

func (a *app) onDataFileChange(ctx context.Context, path string) {
	if err := a.reload(ctx); err != nil {
		a.logger.Error().Err(err).Str("file", path).Msg("reference reload failed; keeping previous data")
	}
}

func (a *app) onSampleFileChange(ctx context.Context, path string) {
	if _, err := a.artifacts.PublishFile(ctx, artifact.SampleName, path); err != nil {
		a.logger.Error().Err(err).Str("file", path).Msg("sample bundle not regenerated")
	}
}

func (a *app) routes() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", "If-None-Match"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.ETag("/api/v1/entities", "/api/v1/records", "/api/v1/sessions/", "/api/v1/artifacts"))

	// Health checks
	e.GET("/health", a.health)
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	if a.metrics.Enabled() {
		e.GET("/metrics", a.metrics.Handler())
	}

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	encoders := map[string]chartstate.Encoder{
		"png":  render.NewPNG(0, 0),
		"svg":  render.NewSVG(0, 0),
		"html": render.NewPage(0, 0),
	}
	chartstate.NewHandler(a.sessions, a.ref, encoders, cfg.ReferenceYear).RegisterRoutes(apiV1)

	websocket.NewHandler(a.hub, a.snapshot, cfg.CORSOrigins).RegisterRoutes(apiV1)

	blobs := blobstore.NewHandler(a.store)
	blobs.RegisterRoutes(apiV1)
	blobs.RegisterDownloads(e, artifact.BundleName, artifact.SampleName)

	artifact.NewHandler(a.artifacts, middleware.ParseLimit(cfg.UploadLimit)).RegisterRoutes(e)

	return e
}

func (a *app) snapshot(id string) (chartstate.View, bool) {
	coord, ok := a.sessions.Get(id)
	if !ok {
		return chartstate.View{}, false
	}
	return coord.View(), true
}

func (a *app) health(c echo.Context) error {
	body := map[string]interface{}{
		"status":   "ok",
		"version":  version,
		"sessions": a.sessions.Len(),
	}
	ds, err := a.ref.Reference()
	if err != nil || ds == nil {
		body["status"] = "degraded"
		body["reference"] = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	body["reference"] = map[string]interface{}{
		"records":   ds.Len(),
		"entities":  len(ds.Entities()),
		"loaded_at": a.ref.LoadedAt().UTC().Format(time.RFC3339),
	}
	return c.JSON(http.StatusOK, body)
}
