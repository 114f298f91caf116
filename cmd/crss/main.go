// crss - game server status bridge.
//
// crss keeps a long-lived TCP connection to the status plugin of each
// configured game server, exposes their info and players over a REST API,
// records connection history and publishes telemetry via MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crss-project/crss/internal/api"
	"github.com/crss-project/crss/internal/cli"
	"github.com/crss-project/crss/internal/config"
	"github.com/crss-project/crss/internal/connector"
	"github.com/crss-project/crss/internal/db"
	"github.com/crss-project/crss/internal/events"
	"github.com/crss-project/crss/internal/health"
	"github.com/crss-project/crss/internal/scheduler"
	"github.com/crss-project/crss/internal/telemetry"
	"github.com/crss-project/crss/internal/util"
)

const (
	AppName    = "crss"
	AppVersion = api.Version
	Banner     = `
   ___ _ __ ___ ___
  / __| '__/ __/ __|
 | (__| |  \__ \__ \
  \___|_|  |___/___/  v%s
 Game Server Status Bridge
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured after config load.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting crss")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if cfg.IsFirstRun() {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// ---------------------------------------------------------------
	// Component wiring
	// ---------------------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main", func(_ context.Context, ev events.Event) error {
		if ev.Source != "main" {
			shutdownOnce.Do(func() { close(shutdownCh) })
		}
		return nil
	})

	var (
		historyDB  *db.HistoryDatabase
		apiHistory api.HistoryReader
		cliHistory cli.History
	)
	historyDB, err = db.NewHistoryDatabase(cfg.Database.Path)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open history database, event history disabled")
	} else {
		historyDB.Attach(eventBus)
		apiHistory = historyDB
		cliHistory = historyDB
	}

	registry := connector.NewRegistry(connector.Options{
		ServerKey: cfg.GetServerKey(),
		EventBus:  eventBus,
	})
	for _, s := range cfg.GetServers() {
		c := registry.Get(s.ID, s.Address)
		log.Info().Str("server", c.ID()).Str("addr", c.Address()).Msg("status client registered")
	}

	healthMgr := health.NewManager(
		health.RegistrySource(registry),
		eventBus,
		time.Duration(cfg.Timers.StatusPollInterval)*time.Second,
		time.Duration(cfg.Timers.StatusPollTimeout)*time.Second,
	)

	apiServer := api.NewServer(cfg, registry)
	apiServer.SetDependencies(apiHistory, healthMgr)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, AppVersion, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	cliHandler := cli.NewCLI(cfg, eventBus, registry, cliHistory, healthMgr, os.Stdin, os.Stdout)

	// ---------------------------------------------------------------
	// Start background tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.API.Port).Msg("starting REST API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("API server failed after retries")
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if historyDB != nil {
		sched := scheduler.NewScheduler(
			historyDB,
			time.Duration(cfg.Timers.PruneInterval)*time.Second,
			cfg.Database.RetentionDays,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting task scheduler")
			sched.Start(ctx)
		}()
	}

	// The CLI blocks on stdin and is not waited for.
	go func() {
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from CLI")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	cancel()

	eventBus.Emit(ctx, events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Status clients publish their final disconnect before the bus stops,
	// and MQTT stays connected until the bus has drained.
	registry.Close()
	eventBus.Stop()
	if mqttHandler != nil {
		mqttHandler.Close()
	}

	if historyDB != nil {
		if err := historyDB.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close history database")
		}
	}

	log.Info().Msg("crss stopped")
}

// startWithRetry attempts to start a listener with retry on bind errors,
// waiting 3 seconds between attempts. Returns the last error after all
// retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
