package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// ProcessConfig configures the subprocess runner.
type ProcessConfig struct {
	// Command is argv of the simulation program. Parameters arrive on stdin
	// as a JSON object; the result blob is whatever it writes to stdout.
	Command []string
	Dir     string
	Env     map[string]string
	// KillGrace bounds how long Execute waits for pipes to drain after the
	// process group was killed.
	KillGrace      time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Process runs each simulation as a child process in its own process group.
type Process struct {
	cfg ProcessConfig
	env []string
}

func NewProcess(cfg ProcessConfig) (*Process, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("process executor: command required")
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	env := os.Environ()
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	return &Process{cfg: cfg, env: env}, nil
}

func (p *Process) Kind() string { return "process" }

func (p *Process) Execute(ctx context.Context, req Request) ([]byte, error) {
	input, err := req.paramsJSON()
	if err != nil {
		return nil, &Fault{Reason: FaultStart, Executor: p.Kind(), Detail: "encode params", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, contextFault(ctx, p.Kind(), "deadline passed before start")
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(append([]string{}, p.env...), req.env()...)
	cmd.Stdin = bytes.NewReader(input)
	stdout := &limitBuffer{max: p.cfg.MaxOutputBytes}
	stderr := &tailBuffer{max: 4096}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = p.cfg.KillGrace
	configureProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &Fault{Reason: FaultStart, Executor: p.Kind(), Detail: err.Error(), Err: err}
	}
	err = cmd.Wait()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		p.cfg.Logger.Warn("simulation process stopped",
			"task_id", req.TaskID, "pid", cmd.Process.Pid, "elapsed_ms", elapsed.Milliseconds(), "reason", ctx.Err())
		return nil, contextFault(ctx, p.Kind(), fmt.Sprintf("killed after %s", elapsed.Round(time.Millisecond)))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &Fault{
				Reason:   FaultExit,
				Executor: p.Kind(),
				Detail:   fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
				Err:      err,
			}
		}
		// exec.ErrWaitDelay: the process exited but a grandchild kept the pipes open.
		if errors.Is(err, exec.ErrWaitDelay) {
			return stdout.result(p.Kind())
		}
		return nil, &Fault{Reason: FaultExit, Executor: p.Kind(), Detail: err.Error(), Err: err}
	}
	return stdout.result(p.Kind())
}

func (p *Process) Close(context.Context) error { return nil }
