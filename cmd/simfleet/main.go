package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/simfleet/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

WORKERS:
  %[1]s [worker]                    Run one worker agent until the fleet is done
  %[1]s fleet -agents N             Run N agents in this process
  %[1]s trial -agents 1,2,4 -iterations 3
                                   Measure wall time per fleet size (resets the ledger)

LEDGER:
  %[1]s generate -input params.json [-anomalous a.json] [-limit N]
  %[1]s generate -csv config.csv    Insert tasks from an experiment definition CSV
  %[1]s status [-json] [-remote]    Task counts by state and dead tasks
  %[1]s reset [-purge]              Force every task back to NOT_EXECUTED
  %[1]s failures [-task ID] [-json] Failure registry by task
  %[1]s dead [-json]                Tasks that exhausted their retry budget
  %[1]s reconcile [-json]           Run one reconciliation pass

OPERATIONS:
  %[1]s sweep                       Scheduled reconciliation with dead-task alerts
  %[1]s serve                       Ops gateway on gateway.bind_addr (plus sweeper)
  %[1]s watch [-gateway ws://...]   Live dashboard
  %[1]s doctor [-json]              Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SIMFLEET_HOME            Data directory (default: ~/.simfleet)
  SIMFLEET_AUTH_TOKEN      Gateway bearer token
  POSTGRESQL_IP, POSTGRESQL_PORT, POSTGRESQL_DB_NAME,
  POSTGRESQL_DB_USER, POSTGRESQL_DB_PASS
                           Select the postgres ledger
  MAX_SIMULATION_FAILURES  Retry budget per task
  SIMULATION_TIME_OUT      Per-task deadline in minutes
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := notifyShutdown(context.Background())
	defer stop()

	args := flag.Args()
	command := "worker"
	if len(args) > 0 {
		command = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	os.Exit(dispatch(ctx, command, args))
}

// shutdownSignals end the run context. A hung-up worker finalizes its
// in-flight task like an interrupted one.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}

func notifyShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, shutdownSignals...)
}

func dispatch(ctx context.Context, command string, args []string) int {
	switch command {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "worker":
		return runWorkerCommand(ctx, args)
	case "fleet":
		return runFleetCommand(ctx, args)
	case "trial":
		return runTrialCommand(ctx, args)
	case "generate":
		return runGenerateCommand(ctx, args)
	case "status":
		return runStatusCommand(ctx, args)
	case "reset":
		return runResetCommand(ctx, args)
	case "failures":
		return runFailuresCommand(ctx, args)
	case "dead":
		return runDeadCommand(ctx, args)
	case "reconcile":
		return runReconcileCommand(ctx, args)
	case "sweep":
		return runSweepCommand(ctx, args)
	case "serve":
		return runServeCommand(ctx, args)
	case "watch":
		return runWatchCommand(ctx, args)
	case "doctor":
		return runDoctorCommand(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		printUsage()
		return 2
	}
}

// newFlagSet returns a subcommand flag set that reports parse errors
// instead of exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("simfleet "+name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) bool {
	if err := fs.Parse(args); err != nil {
		fs.SetOutput(os.Stderr)
		fmt.Fprintf(os.Stderr, "%s: %v\n", fs.Name(), err)
		fs.PrintDefaults()
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "%s: unexpected arguments %v\n", fs.Name(), fs.Args())
		return false
	}
	return true
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change gateway.bind_addr in config.yaml.", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change gateway.bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
