// Courier - poll-driven HTTP and FTP transfer service.
//
// Courier runs HTTP/1.x and FTP transfers on non-blocking sockets from a
// single polling loop, records every finished transfer, checks a patch
// server for updates, and exposes a webadmin, an operator console and MQTT
// telemetry.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/api"
	"github.com/energizer-project/courier/internal/cli"
	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/console"
	"github.com/energizer-project/courier/internal/db"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/health"
	"github.com/energizer-project/courier/internal/notify"
	"github.com/energizer-project/courier/internal/patcher"
	"github.com/energizer-project/courier/internal/scheduler"
	"github.com/energizer-project/courier/internal/telemetry"
	"github.com/energizer-project/courier/internal/transport"
	"github.com/energizer-project/courier/internal/util"
)

const (
	AppName    = "Courier"
	AppVersion = "1.0.0"
	Banner     = `
   ____                _
  / ___|___  _   _ _ __(_) ___ _ __
 | |   / _ \| | | | '__| |/ _ \ '__|
 | |__| (_) | |_| | |  | |  __/ |
  \____\___/ \__,_|_|  |_|\___|_|   v%s
 HTTP & FTP transfer service
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first, reconfigured once the config is loaded.
	logCloser, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Courier")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	app := cfg.GetApplicationData()
	logCloser = reconfigureLogger(logCloser, util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxBackups: app.Logging.MaxBackups,
		Console:    true,
	})

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if cfg.IsFirstRun() {
			log.Info().Msg("first run detected, launching setup wizard")
			if err := config.RunSetupWizard(cfg); err != nil {
				log.Fatal().Err(err).Msg("setup wizard failed")
			}
		} else {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	if err := os.MkdirAll(cfg.GetTransferData().DownloadDirectory, 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create download directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	fetchMgr := fetch.NewManager(cfg, eventBus, transport.NewSockets())

	// History is optional: without it transfers still run, they just are
	// not recorded.
	var history *db.History
	var historyReader console.HistoryReader
	var schedHistory scheduler.History
	history, err = db.NewHistory(cfg.GetApplicationData().Storage.DatabasePath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open transfer history, history disabled")
	} else {
		history.Subscribe(eventBus)
		historyReader = history
		schedHistory = history
	}

	patch := patcher.New(cfg, eventBus, fetchMgr)
	patch.Subscribe()

	notify.NewNotifier(cfg, eventBus, fetchMgr)

	dispatcher := console.New(cfg, eventBus, fetchMgr, historyReader, AppVersion)

	apiServer := api.NewServer(cfg, eventBus, fetchMgr, dispatcher, historyReader, AppVersion)
	apiServer.SetPatcher(patch)

	healthMgr := health.NewManager(cfg, eventBus, fetchMgr)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetApplicationData().MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg, eventBus, schedHistory)
	cliHandler := cli.NewCLI(eventBus, dispatcher)

	// The console's quit command asks for shutdown over the bus.
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, e events.Event) error {
		if e.Source != "main" {
			select {
			case quitCh <- struct{}{}:
			default:
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Task 1: transfer polling loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("poll_interval_ms", cfg.GetTransferData().PollIntervalMS).Msg("starting transfer loop")
		if err := fetchMgr.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("transfer loop: %w", err)
		}
	}()

	// Task 2: webadmin
	if cfg.GetApplicationData().WebAdmin.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetApplicationData().WebAdmin.Port).Msg("starting webadmin")
			if err := startWithRetry(ctx, "webadmin", apiServer.Start, 15); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("webadmin failed after retries (non-fatal)")
			}
		}()
	}

	// Task 3: health checks
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting health check manager")
		healthMgr.Start(ctx)
	}()

	// Task 4: MQTT telemetry
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

	// Task 5: scheduler
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	// Task 6: interactive CLI. It is not waited on; a pending terminal read
	// must not hold up shutdown.
	go func() {
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	cancel()

	eventBus.Emit(context.Background(), events.Event{
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

	// Let history handlers for the cancelled transfers finish before the
	// database closes.
	eventBus.Wait()
	eventBus.Stop()

	if history != nil {
		if err := history.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close transfer history")
		}
	}

	log.Info().Msg("Courier stopped")
	if logCloser != nil {
		logCloser.Close()
	}
}

// reconfigureLogger swaps in a logger built from cfg, keeping the previous
// one if that fails.
func reconfigureLogger(previous io.Closer, cfg util.LogConfig) io.Closer {
	closer, err := util.InitLogger(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
		return previous
	}
	if previous != nil {
		previous.Close()
	}
	return closer
}

// startWithRetry attempts to start a listener/server with retry on bind errors,
// waiting 3 seconds between attempts. Returns nil on success, or the last
// error after all retries fail.
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
