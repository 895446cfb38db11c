package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/simfleet/internal/config"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	home := t.TempDir()
	if yaml != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func resultFor(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_NilConfigSkips(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("nil config must fail the Config check")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP, got %s", r.Name, r.Status)
		}
	}
}

func TestRun_DefaultsWithSh(t *testing.T) {
	cfg := loadConfig(t, "executor:\n  command: [sh, -c, 'cat']\n")
	d := Run(context.Background(), cfg, "test")

	if r := resultFor(t, d, "Config"); r.Status != StatusPass {
		t.Fatalf("config: %+v", r)
	}
	// Freshly created ledger has no tasks.
	if r := resultFor(t, d, "Ledger"); r.Status != StatusWarn {
		t.Fatalf("ledger: %+v", r)
	}
	if r := resultFor(t, d, "Executor"); r.Status != StatusPass {
		t.Fatalf("executor: %+v", r)
	}
	if r := resultFor(t, d, "Sweep"); r.Status != StatusPass {
		t.Fatalf("sweep: %+v", r)
	}
	if r := resultFor(t, d, "Gateway"); r.Status != StatusPass {
		t.Fatalf("gateway: %+v", r)
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
}

func TestCheckExecutor_MissingCommand(t *testing.T) {
	cfg := loadConfig(t, "executor:\n  command: [definitely-not-a-simfleet-binary]\n")
	if r := checkExecutor(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckResultSchema(t *testing.T) {
	cfg := loadConfig(t, "")
	if r := checkResultSchema(context.Background(), cfg); r.Status != StatusSkip {
		t.Fatalf("expected SKIP without schema, got %+v", r)
	}
	cfg.Executor.ResultSchema = filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(cfg.Executor.ResultSchema, []byte(`{"type": 12}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := checkResultSchema(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for bad schema, got %+v", r)
	}
}

func TestCheckGateway_PublicBindWithoutToken(t *testing.T) {
	cfg := loadConfig(t, "")
	cfg.Gateway.BindAddr = "0.0.0.0:18790"
	if r := checkGateway(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN, got %+v", r)
	}
	cfg.Gateway.AuthToken = "x"
	if r := checkGateway(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS with token, got %+v", r)
	}
}

func TestCheckConfig_FileMissing(t *testing.T) {
	cfg := loadConfig(t, "")
	if r := checkConfig(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN for missing file, got %+v", r)
	}
}
