package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	_, out := setTestHome(t, testConfig)
	code := runDoctorCommand(context.Background(), nil)
	if code == 2 {
		t.Fatalf("unexpected exit code 2 (parse error)")
	}
	for _, want := range []string{"simfleet doctor report", "Ledger", "Executor"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	_, out := setTestHome(t, testConfig)
	if code := runDoctorCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("got exit code %d, want 0 for JSON output", code)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diag.Results) == 0 {
		t.Fatal("no results")
	}
}

func TestRunDoctorCommand_UnknownFlag(t *testing.T) {
	setTestHome(t, testConfig)
	if code := runDoctorCommand(context.Background(), []string{"--bogus"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunDoctorCommand_BadConfigFails(t *testing.T) {
	_, out := setTestHome(t, "max_failures: [oops\n")
	if code := runDoctorCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.Contains(out.String(), "Configuration not loaded") {
		t.Fatalf("output: %q", out.String())
	}
}
