package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig configures the container runner.
type DockerConfig struct {
	Image       string
	Command     []string
	MemoryMB    int64
	NetworkMode string
	Env         map[string]string
	// KillGrace bounds the cleanup calls made after a run was interrupted.
	KillGrace      time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Docker runs each simulation in an ephemeral container. Parameters are
// passed in SIMFLEET_PARAMS; the result is the container's stdout.
type Docker struct {
	client *client.Client
	cfg    DockerConfig
}

func NewDocker(cfg DockerConfig) (*Docker, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, fmt.Errorf("docker executor: image required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
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
	return &Docker{client: cli, cfg: cfg}, nil
}

func (d *Docker) Kind() string { return "docker" }

// Ping checks that the daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *Docker) Execute(ctx context.Context, req Request) ([]byte, error) {
	input, err := req.paramsJSON()
	if err != nil {
		return nil, &Fault{Reason: FaultStart, Executor: d.Kind(), Detail: "encode params", Err: err}
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: d.cfg.Image,
		Cmd:   d.cfg.Command,
		Env:   d.containerEnv(req, input),
		Tty:   false,
		Labels: map[string]string{
			"simfleet.task_id": strconv.FormatInt(req.TaskID, 10),
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
	}, nil, nil, "")
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextFault(ctx, d.Kind(), "create container")
		}
		return nil, &Fault{Reason: FaultStart, Executor: d.Kind(), Detail: "create container: " + err.Error(), Err: err}
	}
	containerID := resp.ID
	defer d.remove(containerID)

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return nil, contextFault(ctx, d.Kind(), "start container")
		}
		return nil, &Fault{Reason: FaultStart, Executor: d.Kind(), Detail: "start container: " + err.Error(), Err: err}
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case status := <-statusCh:
		exitCode = status.StatusCode
	case err := <-errCh:
		if ctx.Err() != nil {
			d.kill(containerID)
			return nil, contextFault(ctx, d.Kind(), "container killed")
		}
		return nil, &Fault{Reason: FaultExit, Executor: d.Kind(), Detail: "wait container: " + err.Error(), Err: err}
	case <-ctx.Done():
		d.kill(containerID)
		return nil, contextFault(ctx, d.Kind(), "container killed")
	}

	logsCtx, cancel := context.WithTimeout(context.Background(), d.cfg.KillGrace)
	defer cancel()
	out, err := d.client.ContainerLogs(logsCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, &Fault{Reason: FaultExit, Executor: d.Kind(), Detail: "read logs: " + err.Error(), Err: err}
	}
	defer out.Close()

	stdout := &limitBuffer{max: d.cfg.MaxOutputBytes}
	stderr := &tailBuffer{max: 4096}
	_, _ = stdcopy.StdCopy(stdout, stderr, out)

	if exitCode != 0 {
		return nil, &Fault{
			Reason:   FaultExit,
			Executor: d.Kind(),
			Detail:   fmt.Sprintf("exit code %d: %s", exitCode, strings.TrimSpace(stderr.String())),
		}
	}
	return stdout.result(d.Kind())
}

func (d *Docker) containerEnv(req Request, params []byte) []string {
	env := append(req.env(), "SIMFLEET_PARAMS="+string(params))
	keys := make([]string, 0, len(d.cfg.Env))
	for k := range d.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+d.cfg.Env[k])
	}
	return env
}

// kill uses a fresh context: the run context is already done.
func (d *Docker) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.KillGrace)
	defer cancel()
	if err := d.client.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		d.cfg.Logger.Warn("container kill failed", "container_id", containerID, "error", err)
	}
}

func (d *Docker) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.KillGrace)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		d.cfg.Logger.Debug("container remove failed", "container_id", containerID, "error", err)
	}
}

// Close closes the docker client.
func (d *Docker) Close(context.Context) error {
	return d.client.Close()
}
