// Forged is the session orchestration daemon for AI code generation.
//
// It serves the HTTP/SSE API, tracks per-owner token quotas and closes
// idle sessions in the background.
//
// Configuration is read from ~/.config/forged/config.yaml and FORGED_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	forged
//
//	# Use another config file
//	forged -config /etc/forged/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/backend"
	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/engine"
	"github.com/fyrsmithlabs/forged/internal/eventbus"
	"github.com/fyrsmithlabs/forged/internal/guard"
	forgedhttp "github.com/fyrsmithlabs/forged/internal/http"
	"github.com/fyrsmithlabs/forged/internal/ledger"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/natsd"
	"github.com/fyrsmithlabs/forged/internal/reaper"
	"github.com/fyrsmithlabs/forged/internal/secrets"
	"github.com/fyrsmithlabs/forged/internal/session"
	"github.com/fyrsmithlabs/forged/internal/store"
	"github.com/fyrsmithlabs/forged/internal/telemetry"
	"github.com/fyrsmithlabs/forged/internal/tier"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  forged [-config path]   Start the forged daemon\n")
			fmt.Fprintf(os.Stderr, "  forged version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("forged: %v", err)
	}
}

func printVersion() {
	fmt.Printf("forged by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and blocks until ctx is cancelled, then shuts
// down in reverse order: HTTP, reaper, sessions, NATS, telemetry.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting forged",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Provider),
		zap.String("backend", cfg.Backend.Provider),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	sessionStore, err := store.Open(ctx, cfg.Store, deps.natsConn, deps.redactor, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	filter, err := initGuard(ctx, cfg.Guard, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize prompt guard: %w", err)
	}

	policy := tier.NewPolicy(
		tier.NewStaticLookup(cfg.Owners),
		tier.NewResolver(tier.TableFromConfig(cfg.Tiers)),
	)
	led := ledger.New(policy.Quota, ledger.WithLogger(logger.Named("ledger")))

	registry := session.NewRegistry(policy, sessionStore,
		session.WithLogger(logger),
		session.WithCloseGrace(cfg.Sessions.CloseGrace),
		session.WithPersistAttempts(cfg.Sessions.PersistAttempts, 100*time.Millisecond),
		session.WithSnapshotFilter(sessionStore.Scrub),
	)

	be, err := initBackend(cfg.Backend, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize backend: %w", err)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithCharsPerToken(cfg.Sessions.CharsPerToken),
		engine.WithMaxPromptLength(cfg.Sessions.MaxPromptLength),
	}
	if deps.bus != nil {
		engineOpts = append(engineOpts, engine.WithPublisher(deps.bus))
	}
	eng, err := engine.New(registry, be, filter, led, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	rp, err := reaper.New(registry,
		reaper.WithInterval(cfg.Sessions.ReaperInterval),
		reaper.WithIdleGrace(cfg.Sessions.IdleGrace),
		reaper.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create reaper: %w", err)
	}
	if err := rp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	srvOpts := []forgedhttp.Option{
		forgedhttp.WithSweeper(rp),
		forgedhttp.WithSessionCount(registry.Len),
		forgedhttp.WithMetrics(forgedhttp.NewHTTPMetrics(nil, logger)),
	}
	if deps.bus != nil {
		srvOpts = append(srvOpts, forgedhttp.WithEventBus(deps.bus))
	}
	srv, err := forgedhttp.NewServer(eng, logger, &forgedhttp.Config{
		Port:              cfg.Server.Port,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
	}, srvOpts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"),
	)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error(ctx, "http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	rp.Stop()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	if n := registry.RetryPending(shutdownCtx); n > 0 {
		logger.Info(shutdownCtx, "persisted retained sessions on shutdown", zap.Int("count", n))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	logger.Info(shutdownCtx, "forged stopped", zap.Int("retained_sessions", registry.Len()))
	return errors.Join(errs...)
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if !cfg.Logging.OTEL {
		return logging.NewLogger(logCfg, nil)
	}
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// dependencies holds the infrastructure connections.
type dependencies struct {
	natsServer *natsserver.Server
	natsConn   *nats.Conn
	bus        *eventbus.Bus
	redactor   *secrets.Redactor
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
		d.natsServer.WaitForShutdown()
	}
}

// initDependencies starts or connects to NATS when configured and builds
// the transcript redactor.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	deps := &dependencies{}

	redactor, err := secrets.NewRedactor()
	if err != nil {
		return nil, fmt.Errorf("failed to build redactor: %w", err)
	}
	deps.redactor = redactor

	if !cfg.NATS.Enabled() {
		logger.Info(ctx, "NATS disabled; live event following is unavailable")
		return deps, nil
	}

	url := cfg.NATS.URL
	if cfg.NATS.Embedded {
		storeDir := cfg.NATS.StoreDir
		if storeDir == "" {
			dir, err := config.DefaultDir()
			if err != nil {
				return nil, err
			}
			storeDir = filepath.Join(dir, "jetstream")
		}
		ns, err := natsd.Start(ctx, natsd.Options{StoreDir: storeDir, JetStream: true}, logger.Named("natsd"))
		if err != nil {
			return nil, err
		}
		deps.natsServer = ns
		url = ns.ClientURL()
	}

	nc, err := natsd.Connect(ctx, url, "forged", logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.natsConn = nc

	bus, err := eventbus.New(nc, cfg.NATS.SubjectPrefix, eventbus.WithLogger(logger.Named("eventbus")))
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.bus = bus
	return deps, nil
}

func initGuard(ctx context.Context, cfg config.GuardConfig, logger *logging.Logger) (*guard.Filter, error) {
	filter, err := guard.New(guard.WithLogger(logger.Named("guard")))
	if err != nil {
		return nil, err
	}
	if cfg.RulesFile == "" {
		return filter, nil
	}
	if err := filter.LoadFile(cfg.RulesFile); err != nil {
		return nil, err
	}
	if cfg.Watch {
		if err := filter.Watch(ctx, cfg.RulesFile); err != nil {
			return nil, err
		}
	}
	logger.Info(ctx, "prompt guard rules loaded",
		zap.String("file", cfg.RulesFile),
		zap.Int("rules", len(filter.Rules())),
		zap.Bool("watch", cfg.Watch),
	)
	return filter, nil
}

func initBackend(cfg config.BackendConfig, logger *logging.Logger) (backend.Backend, error) {
	if cfg.Provider == "scripted" {
		logger.Warn(context.Background(), "using scripted backend; prompts are echoed")
		return backend.NewScripted(), nil
	}
	return backend.NewHTTPBackend(cfg, backend.WithHTTPLogger(logger.Named("backend")))
}
