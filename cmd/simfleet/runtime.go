package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/simfleet/internal/audit"
	"github.com/basket/simfleet/internal/bus"
	"github.com/basket/simfleet/internal/config"
	"github.com/basket/simfleet/internal/engine"
	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/notify"
	otelpkg "github.com/basket/simfleet/internal/otel"
	"github.com/basket/simfleet/internal/persistence"
	"github.com/basket/simfleet/internal/telemetry"
)

// startupError carries the reason code reported by fatalStartup.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

type runtimeOptions struct {
	component string
	// quiet keeps logs out of stdout so command output stays parseable.
	quiet bool
}

// app is the shared wiring every subcommand starts from: config, logs,
// audit, telemetry and the ledger.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	store   *persistence.Store
	otel    *otelpkg.Provider
	metrics *otelpkg.Metrics

	logCloser io.Closer
}

func openRuntime(ctx context.Context, opts runtimeOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &startupError{"E_CONFIG_LOAD", err}
	}
	// Audit comes up before the logger so logger failures are audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, &startupError{"E_AUDIT_INIT", err}
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, telemetry.LogOptions{
		Level:     cfg.LogLevel,
		Quiet:     opts.quiet,
		Component: opts.component,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	if err != nil {
		_ = audit.Close()
		return nil, &startupError{"E_LOGGER_INIT", err}
	}
	slog.SetDefault(logger)

	rt := &app{cfg: cfg, logger: logger, bus: bus.New(), logCloser: closer}

	rt.otel, err = otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		rt.Close()
		return nil, &startupError{"E_OTEL_INIT", err}
	}
	rt.metrics, err = otelpkg.NewMetrics(rt.otel.Meter)
	if err != nil {
		rt.Close()
		return nil, &startupError{"E_OTEL_INIT", err}
	}

	rt.store, err = persistence.OpenDriver(cfg.Ledger.Driver, cfg.Ledger.DataSource(), rt.bus)
	if err != nil {
		rt.Close()
		return nil, &startupError{"E_LEDGER_OPEN", err}
	}
	audit.SetSink(rt.store)

	logger.Debug("startup phase", "phase", "runtime_ready",
		"ledger_driver", cfg.Ledger.Driver, "config_fingerprint", cfg.Fingerprint())
	return rt, nil
}

// mustOpenRuntime is openRuntime for long-running commands, which treat
// startup failures as fatal.
func mustOpenRuntime(ctx context.Context, opts runtimeOptions) *app {
	rt, err := openRuntime(ctx, opts)
	if err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(nil, se.code, se.err)
		}
		fatalStartup(nil, "E_STARTUP", err)
	}
	return rt
}

func (rt *app) Close() {
	audit.SetSink(nil)
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if rt.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.otel.Shutdown(ctx); err != nil {
			rt.logger.Warn("telemetry shutdown failed", "error", err)
		}
		cancel()
	}
	_ = audit.Close()
	if rt.logCloser != nil {
		_ = rt.logCloser.Close()
	}
}

func (rt *app) settings() engine.Settings {
	return engine.SettingsFrom(rt.cfg)
}

func (rt *app) executor(ctx context.Context) (executor.Executor, *executor.ResultValidator, error) {
	var validator *executor.ResultValidator
	if path := rt.cfg.Executor.ResultSchema; path != "" {
		v, err := executor.NewResultValidatorFromFile(path)
		if err != nil {
			return nil, nil, &startupError{"E_RESULT_SCHEMA", err}
		}
		validator = v
	}
	exec, err := executor.New(ctx, rt.cfg.Executor, rt.logger)
	if err != nil {
		return nil, nil, &startupError{"E_EXECUTOR_INIT", err}
	}
	return exec, validator, nil
}

// watcher starts a config watcher, or returns nil when the platform refuses
// one.
func (rt *app) watcher(ctx context.Context) *config.Watcher {
	w := config.NewWatcher(rt.cfg.HomeDir, rt.logger, rt.cfg.Executor.ResultSchema)
	if err := w.Start(ctx); err != nil {
		rt.logger.Warn("config hot reload unavailable", "error", err)
		return nil
	}
	return w
}

// notifier is the log notifier plus Telegram when configured.
func (rt *app) notifier() (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewLog(rt.logger)}
	tg := rt.cfg.Notify.Telegram
	if tg.Enabled {
		t, err := notify.NewTelegram(tg.Token, tg.ChatID, "", rt.logger)
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		notifiers = append(notifiers, t)
	}
	return notifiers, nil
}
