package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setTestHome writes config.yaml to a temp dir, points SIMFLEET_HOME at it
// and captures command output.
func setTestHome(t *testing.T, yaml string) (string, *bytes.Buffer) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SIMFLEET_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	prev := stdout
	stdout = &out
	t.Cleanup(func() { stdout = prev })
	return home, &out
}

const testConfig = `
max_failures: 2
poll_interval: 10ms
executor:
  command: [sh, -c, 'cat']
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDispatch_UnknownCommand(t *testing.T) {
	if code := dispatch(context.Background(), "frobnicate", nil); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestDispatch_BadFlags(t *testing.T) {
	for _, tc := range [][]string{
		{"status", "-nope"},
		{"reset", "extra"},
		{"generate"},
		{"generate", "-input", "a.json", "-csv", "b.csv"},
		{"generate", "-csv", "b.csv", "-anomalous", "a.json"},
		{"trial", "-agents", "0"},
		{"fleet", "-agents", "-1"},
	} {
		if code := dispatch(context.Background(), tc[0], tc[1:]); code != 2 {
			t.Errorf("%v: got exit code %d, want 2", tc, code)
		}
	}
}

func TestParseAgentCounts(t *testing.T) {
	got, err := parseAgentCounts(" 1, 2,,4 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 4 {
		t.Fatalf("got %v", got)
	}
	for _, bad := range []string{"", "0", "two", "1,-3"} {
		if _, err := parseAgentCounts(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestGatewayBaseURL(t *testing.T) {
	tests := map[string]string{
		"":                  "http://127.0.0.1:18790",
		"0.0.0.0:9000":      "http://127.0.0.1:9000",
		"[::]:9000":         "http://127.0.0.1:9000",
		"10.0.0.5:80":       "http://10.0.0.5:80",
		"http://example:1/": "http://example:1",
	}
	for in, want := range tests {
		if got := gatewayBaseURL(in, "http"); got != want {
			t.Errorf("gatewayBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), ".env", "# comment\nSIMFLEET_TEST_A=\"one\"\nSIMFLEET_TEST_B=two\nnot a pair\n")
	t.Setenv("SIMFLEET_TEST_B", "kept")
	t.Setenv("SIMFLEET_TEST_A", "")
	loadDotEnv(path)
	if got := os.Getenv("SIMFLEET_TEST_A"); got != "one" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("SIMFLEET_TEST_B"); got != "kept" {
		t.Fatalf("existing value overwritten: %q", got)
	}
}

func TestLedgerCommands_EndToEnd(t *testing.T) {
	home, out := setTestHome(t, testConfig)
	ctx := context.Background()

	input := writeFile(t, home, "params.json", `{"alpha": [1, 2], "mode": ["fast", "slow"]}`)
	anomalies := writeFile(t, home, "anomalous.json", `{"alpha": [2]}`)
	if code := runGenerateCommand(ctx, []string{"-input", input, "-anomalous", anomalies}); code != 0 {
		t.Fatalf("generate exit %d", code)
	}
	if !strings.Contains(out.String(), "inserted 4 tasks (ids 1-4, 2 anomalous)") {
		t.Fatalf("generate output: %q", out.String())
	}

	out.Reset()
	if code := runStatusCommand(ctx, []string{"-json"}); code != 0 {
		t.Fatalf("status exit %d", code)
	}
	var rep statusReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode status: %v (%q)", err, out.String())
	}
	if rep.Total != 4 || rep.Counts.NotExecuted != 4 || rep.Dead != 0 || rep.MaxFailures != 2 {
		t.Fatalf("status = %+v", rep)
	}

	out.Reset()
	if code := runFleetCommand(ctx, []string{"-agents", "2", "-json"}); code != 0 {
		t.Fatalf("fleet exit %d", code)
	}
	var fleetOut struct {
		Counts struct {
			Executed int `json:"executed"`
		} `json:"counts"`
	}
	if err := json.Unmarshal(out.Bytes(), &fleetOut); err != nil {
		t.Fatalf("decode fleet: %v (%q)", err, out.String())
	}
	if fleetOut.Counts.Executed != 4 {
		t.Fatalf("fleet executed %d, want 4", fleetOut.Counts.Executed)
	}

	out.Reset()
	if code := runDeadCommand(ctx, nil); code != 0 {
		t.Fatalf("dead exit %d", code)
	}
	if !strings.Contains(out.String(), "no dead tasks") {
		t.Fatalf("dead output: %q", out.String())
	}

	out.Reset()
	if code := runReconcileCommand(ctx, []string{"-json"}); code != 0 {
		t.Fatalf("reconcile exit %d", code)
	}
	if !strings.Contains(out.String(), `"available": false`) {
		t.Fatalf("reconcile output: %q", out.String())
	}

	out.Reset()
	if code := runResetCommand(ctx, []string{"-purge"}); code != 0 {
		t.Fatalf("reset exit %d", code)
	}
	if !strings.Contains(out.String(), "reset 4 tasks") {
		t.Fatalf("reset output: %q", out.String())
	}

	out.Reset()
	if code := runFailuresCommand(ctx, []string{"-json"}); code != 0 {
		t.Fatalf("failures exit %d", code)
	}
	if strings.TrimSpace(out.String()) != "null" && strings.TrimSpace(out.String()) != "[]" {
		t.Fatalf("failures after purge: %q", out.String())
	}

	audit, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	for _, action := range []string{"ledger.generate", "ledger.reconcile", "ledger.reset"} {
		if !strings.Contains(string(audit), action) {
			t.Errorf("audit log missing %s", action)
		}
	}
}

func TestRunGenerateCommand_BadSpace(t *testing.T) {
	home, _ := setTestHome(t, testConfig)
	input := writeFile(t, home, "params.json", `{"alpha": 3}`)
	if code := runGenerateCommand(context.Background(), []string{"-input", input}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunSweepCommand_Once(t *testing.T) {
	_, out := setTestHome(t, testConfig)
	if code := runSweepCommand(context.Background(), []string{"-once"}); code != 0 {
		t.Fatalf("sweep exit %d", code)
	}
	if !strings.Contains(out.String(), `"dead": 0`) {
		t.Fatalf("sweep output: %q", out.String())
	}
}
