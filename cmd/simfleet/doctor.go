package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basket/simfleet/internal/config"
	"github.com/basket/simfleet/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("doctor")
	jsonOutput := fs.Bool("json", false, "print the diagnosis as JSON")
	if !parseFlags(fs, args) {
		return 2
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		// Keep going so the report shows what could not be checked.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if *jsonOutput {
		if writeJSON(stdout, diag) != nil {
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "simfleet doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(stdout, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "    %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
