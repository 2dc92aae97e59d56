package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"codexec/internal/api"
	"codexec/internal/config"
	"codexec/internal/monitor"
	"codexec/internal/sandbox"
	"codexec/internal/storage"
)

var (
	flagConfig string
	flagAddr   string
)

func main() {
	root := &cobra.Command{
		Use:   "codexec-server",
		Short: "HTTP service for validated, sandboxed code execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config (defaults to configs/config.yaml if present)")
	root.Flags().StringVar(&flagAddr, "addr", "", "listen address override, host:port")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagAddr != "" {
		if err := applyAddr(cfg, flagAddr); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Container backend. Startup continues without one so health and metrics
	// stay reachable; isolated executions then fail with an Internal kind.
	var factory sandbox.EnvironmentFactory
	factory, err = sandbox.NewEnvironmentFactory(ctx, sandbox.BackendConfig{
		Backend:          cfg.Sandbox.Backend,
		Image:            cfg.Sandbox.Image,
		ContainerdSocket: cfg.Sandbox.ContainerdSocket,
		Namespace:        cfg.Sandbox.Namespace,
	})
	if err != nil {
		log.Warn().Err(err).Msg("no container backend available, isolated execution disabled")
		factory = nil
	}

	limits := sandbox.Limits{
		MemoryMB:    cfg.Sandbox.DefaultLimits.MemoryMB,
		CPUFraction: cfg.Sandbox.DefaultLimits.CPU,
	}

	// Optional warm pool in front of the backend.
	var pool *sandbox.EnvPool
	if factory != nil && cfg.Pool.Enabled {
		pool = sandbox.NewEnvPool(factory, limits, sandbox.PoolConfig{
			MinIdle:     cfg.Pool.MinIdle,
			RefillDelay: cfg.Pool.RefillDelay,
			Metrics:     metrics,
		})
		pool.Start(ctx)
		factory = sandbox.NewPooledFactory(pool, factory)
	}

	var direct *sandbox.DirectExecutor
	if cfg.Direct.Enabled {
		direct = sandbox.NewDirectExecutorWith(cfg.Direct.Interpreter, cfg.Direct.Args...)
	}

	orch := sandbox.NewOrchestrator(sandbox.OrchestratorConfig{
		Isolate:        cfg.Sandbox.Isolate,
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		MaxTimeout:     cfg.Sandbox.MaxTimeout,
		Limits:         limits,
		Direct:         direct,
		DisableDirect:  !cfg.Direct.Enabled,
		Metrics:        metrics,
	}, factory)

	// Audit storage is optional; the service runs without it.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, storage.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	handlers := api.NewHandlers(orch, db, auditWriter, metrics, cfg.Sandbox.Isolate)
	server := api.NewServer(cfg, handlers, db, metrics)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if pool != nil {
			pool.Stop(shutdownCtx)
		}
		if err := orch.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("orchestrator close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("backend_available", factory != nil).
		Bool("direct_enabled", cfg.Direct.Enabled).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.Info().Msg("server stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
		if _, err := os.Stat(path); err != nil {
			log.Info().Msg("no config file found, using defaults")
			return config.DefaultConfig(), nil
		}
	}
	return config.Load(path)
}

func applyAddr(cfg *config.Config, addr string) error {
	host, port, err := splitAddr(addr)
	if err != nil {
		return err
	}
	cfg.Server.Host = host
	cfg.Server.Port = port
	return cfg.Validate()
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
