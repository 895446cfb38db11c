// Package doctor runs preflight checks against a simfleet installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/simfleet/internal/config"
	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/persistence"
	"github.com/basket/simfleet/internal/sweep"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks. cfg may be nil when loading failed.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range []check{
		checkConfig,
		checkPermissions,
		checkLedger,
		checkExecutor,
		checkResultSchema,
		checkSweep,
		checkGateway,
	} {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FileMissing {
		return CheckResult{Name: "Config", Status: StatusWarn,
			Message: "config.yaml missing, using defaults",
			Detail:  config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkLedger(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ledger", Status: StatusSkip, Message: "Config missing"}
	}
	start := time.Now()
	store, err := persistence.OpenDriver(cfg.Ledger.Driver, cfg.Ledger.DataSource(), nil)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err),
			Detail: "driver=" + cfg.Ledger.Driver}
	}
	defer store.Close()

	counts, err := store.CountByState(ctx)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	msg := fmt.Sprintf("%s reachable, %d tasks (%d executed, %d failed)",
		cfg.Ledger.Driver, counts.Total(), counts.Executed, counts.Failed)
	if counts.Total() == 0 {
		return CheckResult{Name: "Ledger", Status: StatusWarn, Message: msg,
			Detail: "no tasks yet; run `simfleet generate`"}
	}
	return CheckResult{Name: "Ledger", Status: StatusPass, Message: msg,
		Detail: fmt.Sprintf("latency=%dms", time.Since(start).Milliseconds())}
}

func checkExecutor(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: StatusSkip, Message: "Config missing"}
	}
	ec := cfg.Executor
	switch ec.Kind {
	case config.ExecutorProcess:
		if len(ec.Command) == 0 {
			return CheckResult{Name: "Executor", Status: StatusFail, Message: "executor.command is empty"}
		}
		path, err := exec.LookPath(ec.Command[0])
		if err != nil {
			return CheckResult{Name: "Executor", Status: StatusFail,
				Message: fmt.Sprintf("%s not found: %v", ec.Command[0], err)}
		}
		return CheckResult{Name: "Executor", Status: StatusPass, Message: "process runner found", Detail: path}
	case config.ExecutorWasm, config.ExecutorDocker:
		// Building the executor compiles the module or pings the daemon.
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		ex, err := executor.New(checkCtx, ec, nil)
		if err != nil {
			return CheckResult{Name: "Executor", Status: StatusFail, Message: fmt.Sprintf("%s executor: %v", ec.Kind, err)}
		}
		defer ex.Close(context.Background())
		if d, ok := ex.(*executor.Docker); ok {
			if err := d.Ping(checkCtx); err != nil {
				return CheckResult{Name: "Executor", Status: StatusFail,
					Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
			}
			return CheckResult{Name: "Executor", Status: StatusPass, Message: "docker daemon reachable", Detail: "image=" + ec.Image}
		}
		return CheckResult{Name: "Executor", Status: StatusPass, Message: "wasm module compiled", Detail: ec.WasmModule}
	default:
		return CheckResult{Name: "Executor", Status: StatusFail, Message: fmt.Sprintf("unknown executor kind %q", ec.Kind)}
	}
}

func checkResultSchema(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Executor.ResultSchema == "" {
		return CheckResult{Name: "Result Schema", Status: StatusSkip, Message: "No result schema configured"}
	}
	if _, err := executor.NewResultValidatorFromFile(cfg.Executor.ResultSchema); err != nil {
		return CheckResult{Name: "Result Schema", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Result Schema", Status: StatusPass, Message: "Schema compiles", Detail: cfg.Executor.ResultSchema}
}

func checkSweep(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sweep", Status: StatusSkip, Message: "Config missing"}
	}
	next, err := sweep.NextRunTime(cfg.Sweep.Schedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Sweep", Status: StatusFail, Message: fmt.Sprintf("invalid schedule %q: %v", cfg.Sweep.Schedule, err)}
	}
	state := "disabled"
	if cfg.Sweep.Enabled {
		state = "enabled"
	}
	return CheckResult{Name: "Sweep", Status: StatusPass,
		Message: fmt.Sprintf("schedule %q (%s)", cfg.Sweep.Schedule, state),
		Detail:  "next run " + next.Format(time.RFC3339)}
}

func checkGateway(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	host, _, err := net.SplitHostPort(cfg.Gateway.BindAddr)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("invalid bind_addr: %v", err)}
	}
	loopback := host == "localhost"
	if ip := net.ParseIP(host); ip != nil {
		loopback = ip.IsLoopback()
	}
	if !loopback && strings.TrimSpace(cfg.Gateway.AuthToken) == "" {
		return CheckResult{Name: "Gateway", Status: StatusWarn,
			Message: fmt.Sprintf("%s is not loopback and has no auth_token", cfg.Gateway.BindAddr),
			Detail:  "set gateway.auth_token or SIMFLEET_AUTH_TOKEN"}
	}
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: "bind " + cfg.Gateway.BindAddr}
}
