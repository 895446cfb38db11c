package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/simfleet/internal/bus"
	"github.com/basket/simfleet/internal/config"
	"github.com/basket/simfleet/internal/engine"
	"github.com/basket/simfleet/internal/gateway"
	"github.com/basket/simfleet/internal/persistence"
	"github.com/basket/simfleet/internal/sweep"
	"github.com/basket/simfleet/internal/tui"
)

func (rt *app) newSweeper() (*sweep.Sweeper, error) {
	n, err := rt.notifier()
	if err != nil {
		return nil, err
	}
	return sweep.New(sweep.Config{
		Store:    rt.store,
		Schedule: rt.cfg.Sweep.Schedule,
		Settings: rt.settings(),
		Notifier: n,
		Logger:   rt.logger,
	})
}

// followConfig pushes reloaded settings into the sweeper.
func (rt *app) followConfig(ctx context.Context, sw *sweep.Sweeper) {
	w := rt.watcher(ctx)
	if w == nil {
		return
	}
	go w.Follow(ctx, func(cfg config.Config) {
		sw.Apply(engine.SettingsFrom(cfg))
	})
}

func runSweepCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("sweep")
	once := fs.Bool("once", false, "run a single sweep and exit")
	if !parseFlags(fs, args) {
		return 2
	}

	rt := mustOpenRuntime(ctx, runtimeOptions{component: "sweep", quiet: *once})
	defer rt.Close()
	sw, err := rt.newSweeper()
	if err != nil {
		fatalStartup(rt.logger, "E_SWEEP_INIT", err)
	}

	if *once {
		pass, err := sw.Sweep(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
			return 1
		}
		return jsonExit(pass)
	}

	rt.followConfig(ctx, sw)
	sw.Start(ctx)
	<-ctx.Done()
	sw.Stop()
	rt.logger.Info("shutdown complete")
	return 0
}

func runServeCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("serve")
	bind := fs.String("bind", "", "listen address (default: gateway.bind_addr)")
	if !parseFlags(fs, args) {
		return 2
	}

	rt := mustOpenRuntime(ctx, runtimeOptions{component: "gateway"})
	defer rt.Close()
	logger := rt.logger
	addr := rt.cfg.Gateway.BindAddr
	if *bind != "" {
		addr = *bind
	}

	sw, err := rt.newSweeper()
	if err != nil {
		fatalStartup(logger, "E_SWEEP_INIT", err)
	}
	rt.followConfig(ctx, sw)
	if rt.cfg.Sweep.Enabled {
		sw.Start(ctx)
		defer sw.Stop()
	}

	if host, _, err := net.SplitHostPort(addr); err == nil {
		ip := net.ParseIP(host)
		loopback := host == "localhost" || (ip != nil && ip.IsLoopback())
		if !loopback && rt.cfg.Gateway.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without auth_token; every endpoint is open", "bind_addr", addr)
		}
	}

	gw := gateway.New(gateway.Config{
		Store:             rt.store,
		Bus:               rt.bus,
		Sweeper:           sw,
		MaxFailures:       rt.cfg.MaxFailures,
		AuthToken:         rt.cfg.Gateway.AuthToken,
		AllowOrigins:      rt.cfg.Gateway.AllowOrigins,
		RequestsPerMinute: rt.cfg.Gateway.RequestsPerMinute,
		Burst:             rt.cfg.Gateway.Burst,
		ConfigFingerprint: rt.cfg.Fingerprint(),
		Tracer:            rt.otel.Tracer,
		Logger:            logger,
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_GATEWAY_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(addr)))
		}
		fatalStartup(logger, "E_GATEWAY_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws/events", "sweep", rt.cfg.Sweep.Enabled)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		code = 1
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return code
}

func runWatchCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("watch")
	gatewayURL := fs.String("gateway", "", "gateway base URL (http://host:port) for remote counts and live activity")
	token := fs.String("token", "", "gateway token (default: gateway.auth_token)")
	interval := fs.Duration("interval", time.Second, "refresh interval")
	if !parseFlags(fs, args) {
		return 2
	}

	rt, err := openRuntime(ctx, runtimeOptions{component: "watch", quiet: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	defer rt.Close()

	started := time.Now()
	var provider tui.StatusProvider
	var feed *tui.ActivityFeed
	if *gatewayURL == "" {
		provider = ledgerProvider(ctx, rt.store, rt.cfg.MaxFailures, started)
	} else {
		tok := *token
		if tok == "" {
			tok = rt.cfg.Gateway.AuthToken
		}
		base := strings.TrimRight(*gatewayURL, "/")
		provider = remoteProvider(ctx, base, tok, started)
		feed = tui.NewActivityFeed()
		wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws/events?topic=" + bus.TopicLedger
		go func() {
			if err := feed.Stream(ctx, wsURL, tok); err != nil {
				rt.logger.Warn("activity stream ended", "error", err)
			}
		}()
	}

	if err := tui.Run(ctx, provider, feed, *interval); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

func ledgerProvider(ctx context.Context, store *persistence.Store, maxFailures int, started time.Time) tui.StatusProvider {
	return func() tui.Snapshot {
		qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		snap := tui.Snapshot{Uptime: time.Since(started)}
		counts, err := store.CountByState(qctx)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		snap.DBOK = true
		snap.Counts = counts
		dead, err := store.DeadTasks(qctx, maxFailures)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		snap.Dead = len(dead)
		return snap
	}
}

func remoteProvider(ctx context.Context, baseURL, token string, started time.Time) tui.StatusProvider {
	client := &http.Client{Timeout: 2 * time.Second}
	return func() tui.Snapshot {
		snap := tui.Snapshot{Uptime: time.Since(started)}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/counts", nil)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			snap.LastError = err.Error()
			return snap
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			snap.LastError = "gateway: " + resp.Status
			return snap
		}
		var body struct {
			Counts persistence.StateCounts `json:"counts"`
			Dead   int                     `json:"dead"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			snap.LastError = err.Error()
			return snap
		}
		snap.DBOK = true
		snap.Counts = body.Counts
		snap.Dead = body.Dead
		return snap
	}
}
