package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carevault/carevault/internal/api"
	"github.com/carevault/carevault/internal/config"
	"github.com/carevault/carevault/internal/engine"
	"github.com/carevault/carevault/internal/platform/db"
	"github.com/carevault/carevault/internal/platform/middleware"
	"github.com/carevault/carevault/internal/schema"
	"github.com/carevault/carevault/internal/storage"
	"github.com/carevault/carevault/internal/storage/memstore"
	"github.com/carevault/carevault/internal/storage/pgstore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carevault",
		Short: "Versioned clinical resource server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reindexCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Embedded() {
				return fmt.Errorf("DATABASE_URL is not set; the embedded store needs no migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, pgstore.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Embedded() {
				return fmt.Errorf("DATABASE_URL is not set; the embedded store needs no migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, pgstore.Migrations()).Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
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
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

// reindexCmd rebuilds the derived search index offline, for deployments that
// swapped the schema without a running server.
func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from stored resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Embedded() {
				return fmt.Errorf("DATABASE_URL is not set; the embedded store has nothing persisted to reindex")
			}

			ctx := context.Background()
			pg, err := pgstore.New(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pg.Close()

			snap, err := schema.LoadFile(cfg.SchemaFile)
			if err != nil {
				return err
			}
			registry, err := schema.NewRegistry(snap)
			if err != nil {
				return err
			}

			eng := engine.New(pg, registry, engine.WithReindexRate(cfg.ReindexRate))
			n, err := eng.Reindex(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Reindexed %d resource(s).\n", n)
			return nil
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx := context.Background()

	var store storage.Store
	var pg *pgstore.Store
	if cfg.Embedded() {
		store = memstore.New()
		logger.Info().Msg("using embedded in-memory store")
	} else {
		pg, err = pgstore.New(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
		store = pg
		logger.Info().Msg("connected to database")
	}

	snap := schema.BuiltinSnapshot()
	if cfg.SchemaFile != "" {
		snap, err = schema.LoadFile(cfg.SchemaFile)
		if err != nil {
			logger.Fatal().Err(err).Str("file", cfg.SchemaFile).Msg("failed to load schema file")
		}
		logger.Info().Str("file", cfg.SchemaFile).Msg("loaded schema overlay")
	}
	registry, err := schema.NewRegistry(snap)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid schema")
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithReindexRate(cfg.ReindexRate),
	}
	if cfg.RelaxedIntegrity {
		opts = append(opts, engine.WithRelaxedIntegrity())
	}
	eng := engine.New(store, registry, opts...)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutSeconds) * time.Second))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": "0.1.0"})
	})
	if pg != nil {
		e.GET("/health/db", db.HealthHandler(pg.Pool()))
	}

	api.NewHandler(eng, logger).RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()
	logger.Info().Str("port", cfg.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
