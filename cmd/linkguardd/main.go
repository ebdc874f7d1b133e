package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/haukened/linkguard/internal/guard/common/clock"
	"github.com/haukened/linkguard/internal/guard/common/log"
	"github.com/haukened/linkguard/internal/guard/config"
	"github.com/haukened/linkguard/internal/guard/domain"
	"github.com/haukened/linkguard/internal/guard/gateways/classifier"
	"github.com/haukened/linkguard/internal/guard/gateways/launcher"
	"github.com/haukened/linkguard/internal/guard/gateways/transport"
	"github.com/haukened/linkguard/internal/guard/repos/approvals"
	"github.com/haukened/linkguard/internal/guard/repos/approvals/bloom"
	"github.com/haukened/linkguard/internal/guard/repos/approvals/bolt"
	"github.com/haukened/linkguard/internal/guard/repos/approvals/lru"
	"github.com/haukened/linkguard/internal/guard/repos/history"
	"github.com/haukened/linkguard/internal/guard/repos/history/sqlite"
	"github.com/haukened/linkguard/internal/guard/repos/recent"
	"github.com/haukened/linkguard/internal/guard/services/guard"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "linkguardd"

	// cliName is the link-handler binary installed next to the daemon.
	cliName = "linkguard"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds all the components of the daemon
type Application struct {
	config     *config.AppConfig
	transport  transport.ServerTransport
	handler    http.Handler
	engine     *guard.Engine
	maintainer *guard.Maintainer
	closers    []func() error
}

func main() {
	// Load configuration from .env, optional file and environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	err = log.ConfigureWithOptions(log.Options{
		Env:        cfg.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":      version,
		"env":          cfg.Env,
		"log_level":    cfg.Log.Level,
		"api_addr":     cfg.API.Addr,
		"cache_db":     cfg.Cache.DB,
		"classifier":   cfg.Classifier.Endpoint,
		"max_attempts": cfg.Guard.MaxAttempts,
	}, "Starting "+appName)

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Failed to build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Daemon failed")
	}

	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()

	repos, err := buildRepositories(cfg, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build repositories: %w", err)
	}

	gateways, err := buildGateways(cfg, logger)
	if err != nil {
		repos.close()
		return nil, fmt.Errorf("failed to build gateways: %w", err)
	}

	engine, err := guard.NewEngine(guard.Options{
		Cache:           repos.approvals,
		Classifier:      gateways.classifier,
		Launcher:        gateways.launcher,
		History:         repos.history,
		Recent:          repos.recent,
		Loop:            guard.NewLoopGuard(cfg.Guard.MaxAttempts),
		Clock:           clk,
		Logger:          logger,
		ClassifyTimeout: cfg.Guard.ClassifyTimeout,
		ApprovalTTL:     cfg.Cache.TTL,
		SingleFlight:    cfg.Guard.SingleFlight,
	})
	if err != nil {
		repos.close()
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	protection := guard.NewProtection(domain.ProtectionConfig{
		LinkHook:   cfg.Protection.LinkHook,
		ScreenScan: cfg.Protection.ScreenScan,
	})

	return &Application{
		config:     cfg,
		transport:  transport.NewHTTPTransport(cfg.API.Addr, logger),
		handler:    transport.NewAPI(engine, protection, repos.history, logger),
		engine:     engine,
		maintainer: guard.NewMaintainer(engine, cfg.Maintenance.Interval, cfg.Maintenance.RetryInterval, logger),
		closers:    repos.closers,
	}, nil
}

// repositories holds all repository implementations
type repositories struct {
	approvals approvals.Repository
	history   history.Recorder
	recent    recent.Window
	closers   []func() error
}

func (r *repositories) close() {
	for _, c := range r.closers {
		_ = c()
	}
}

// gateways holds all gateway implementations
type gateways struct {
	classifier guard.Classifier
	launcher   guard.Launcher
}

// buildRepositories creates and configures all repository implementations
func buildRepositories(cfg *config.AppConfig, clk clock.Clock, logger log.Logger) (*repositories, error) {
	repos := &repositories{}

	if err := os.MkdirAll(filepath.Dir(cfg.Cache.DB), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	store, err := bolt.New(cfg.Cache.DB, bolt.Options{Clock: clk, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open approval store: %w", err)
	}
	repos.closers = append(repos.closers, store.Close)

	hot, err := lru.New(cfg.Cache.HotSize)
	if err != nil {
		repos.close()
		return nil, fmt.Errorf("failed to create hot cache: %w", err)
	}

	repos.approvals = approvals.NewRepository(store, hot, bloom.NewFactory(), approvals.Options{
		Clock:   clk,
		Logger:  logger,
		Preload: cfg.Cache.Preload,
		FPRate:  cfg.Cache.BloomFPRate,
	})
	if err := repos.approvals.Init(); err != nil {
		// The facade falls back to store reads without a prefilter.
		log.Warn(map[string]any{"error": err.Error()}, "Approval cache warmup failed")
	}

	log.Info(map[string]any{
		"db":       cfg.Cache.DB,
		"hot_size": cfg.Cache.HotSize,
		"records":  repos.approvals.Size(),
		"ttl":      cfg.Cache.TTL.String(),
	}, "Approval cache initialized")

	repos.history = history.NopRecorder{}
	if cfg.History.Enabled {
		ledger, err := sqlite.Open(cfg.History.DB, logger)
		if err != nil {
			repos.close()
			return nil, fmt.Errorf("failed to open scan history: %w", err)
		}
		repos.history = ledger
		repos.closers = append(repos.closers, ledger.Close)
	} else {
		log.Info(map[string]any{"disabled": true}, "Scan history disabled")
	}

	repos.recent = recent.New(cfg.Guard.RecentSize, cfg.Guard.RecentTTL)
	return repos, nil
}

// buildGateways creates and configures all gateway implementations
func buildGateways(cfg *config.AppConfig, logger log.Logger) (*gateways, error) {
	cls, err := classifier.New(classifier.Options{
		Endpoint: cfg.Classifier.Endpoint,
		Timeout:  cfg.Classifier.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier client: %w", err)
	}

	l, err := launcher.New(launcher.Options{
		Handlers: cfg.Launcher.Handlers,
		Fallback: cfg.Launcher.Fallback,
		Self:     selfExecutables(),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create launcher: %w", err)
	}

	log.Info(map[string]any{
		"endpoint": cfg.Classifier.Endpoint,
		"handlers": cfg.Launcher.Handlers,
		"fallback": cfg.Launcher.Fallback,
	}, "Gateways configured")

	return &gateways{classifier: cls, launcher: l}, nil
}

// selfExecutables names the CLI next to this binary, which is the desktop's
// link handler and must never be chosen as a launch target.
func selfExecutables() []string {
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(filepath.Dir(exe), cliName)}
}

// Run starts the API and the maintenance loop and blocks until ctx is cancelled
func (app *Application) Run(ctx context.Context) error {
	if err := app.transport.Start(ctx, app.handler); err != nil {
		app.close()
		return fmt.Errorf("failed to start API transport: %w", err)
	}

	log.Info(map[string]any{
		"address":   app.transport.Address(),
		"transport": "http",
	}, appName+" started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.maintainer.Run(ctx)
	}()

	<-ctx.Done()

	log.Info(nil, "Shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := app.transport.Stop(); err != nil {
		log.Warn(map[string]any{"error": err.Error()}, "Error during transport shutdown")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		app.close()
		close(done)
	}()

	select {
	case <-done:
		log.Info(nil, "Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout.String()}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
}

func (app *Application) close() {
	for _, c := range app.closers {
		if err := c(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing repository")
		}
	}
}
