package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgpd/internal/config"
	"github.com/route-beacon/bgpd/internal/db"
	bgpdhttp "github.com/route-beacon/bgpd/internal/http"
	"github.com/route-beacon/bgpd/internal/maintenance"
	"github.com/route-beacon/bgpd/internal/reactor"
	"github.com/route-beacon/bgpd/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgpd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the BGP speaker")
	fmt.Println("  migrate       Run telemetry store database migrations")
	fmt.Println("  maintenance   Run telemetry store partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, string, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, configPath, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// reactorConfig resolves the on-disk config into the typed form the
// reactor consumes, failing on the first unresolvable neighbor.
func reactorConfig(cfg *config.Config) (reactor.Config, error) {
	rcfg := reactor.Config{ListenAddresses: cfg.Listen.Addresses}
	for _, n := range cfg.Neighbors {
		pc, err := cfg.ToPeerConfig(n)
		if err != nil {
			return reactor.Config{}, fmt.Errorf("neighbor %s: %w", n.Address, err)
		}
		rcfg.Neighbors = append(rcfg.Neighbors, pc)
	}
	for _, p := range cfg.Processes {
		rcfg.Processes = append(rcfg.Processes, cfg.ToProcessSpec(p))
	}
	return rcfg, nil
}

func runServe() {
	cfg, configPath, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	telemetry.Register()

	logger.Info("starting bgpd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("identifier", cfg.Service.Identifier),
		zap.Uint32("local_asn", cfg.Service.LocalASN),
		zap.Int("neighbors", len(cfg.Neighbors)),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sinks []telemetry.Sink
	var pool *pgxpool.Pool
	if cfg.Telemetry.Postgres.Enabled {
		p, err := db.NewPool(ctx, cfg.Telemetry.Postgres.DSN, cfg.Telemetry.Postgres.MaxConns, cfg.Telemetry.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to telemetry database", zap.Error(err))
		}
		defer p.Close()
		pool = p

		pm := maintenance.NewPartitionManager(p, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create partitions on startup", zap.Error(err))
		}

		store, err := telemetry.NewStore(p, cfg.Telemetry.Postgres.Compress, logger.Named("telemetry.store"))
		if err != nil {
			logger.Fatal("failed to build telemetry store", zap.Error(err))
		}
		sinks = append(sinks, store)
	}
	if cfg.Telemetry.Kafka.Enabled {
		tlsCfg, err := cfg.Telemetry.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build Kafka TLS config", zap.Error(err))
		}
		bus, err := telemetry.NewBus(
			cfg.Telemetry.Kafka.Brokers, cfg.Telemetry.Kafka.Topic, cfg.Telemetry.Kafka.ClientID,
			tlsCfg, cfg.Telemetry.Kafka.BuildSASLMechanism(), logger.Named("telemetry.bus"),
		)
		if err != nil {
			logger.Fatal("failed to build telemetry bus", zap.Error(err))
		}
		sinks = append(sinks, bus)
	}

	collector := telemetry.NewCollector(logger.Named("telemetry"), sinks...)
	go collector.Run(ctx)

	rcfg, err := reactorConfig(cfg)
	if err != nil {
		logger.Fatal("invalid neighbor configuration", zap.Error(err))
	}

	r := reactor.New(rcfg, logger.Named("reactor"), collector.Channel())
	r.ReloadFunc = func() (reactor.Config, error) {
		next, err := config.Load(configPath)
		if err != nil {
			return reactor.Config{}, err
		}
		return reactorConfig(next)
	}

	httpServer := bgpdhttp.NewServer(cfg.Service.HTTPListen, pool, r, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	stop := make(chan struct{})
	runErr := r.Run(stop)

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()
	if err := collector.Close(); err != nil {
		logger.Error("telemetry shutdown error", zap.Error(err))
	}

	if runErr != nil {
		logger.Fatal("reactor stopped with error", zap.Error(runErr))
	}
	logger.Info("bgpd stopped")
}

func runMigrate() {
	cfg, _, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if !cfg.Telemetry.Postgres.Enabled {
		logger.Fatal("telemetry.postgres must be enabled to run migrations")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Telemetry.Postgres.DSN, cfg.Telemetry.Postgres.MaxConns, cfg.Telemetry.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("migrations applied")
}

func runMaintenance() {
	cfg, _, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if !cfg.Telemetry.Postgres.Enabled {
		logger.Fatal("telemetry.postgres must be enabled to run maintenance")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Telemetry.Postgres.DSN, cfg.Telemetry.Postgres.MaxConns, cfg.Telemetry.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}
	logger.Info("maintenance complete")
}
