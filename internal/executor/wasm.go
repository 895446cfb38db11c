package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// WasmConfig configures the WASI runner.
type WasmConfig struct {
	ModulePath string
	// Entry is the start function run on instantiation. Defaults to _start.
	Entry string
	// MemoryLimitPages caps memory per instance. 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	Env              map[string]string
	MaxOutputBytes   int
	Logger           *slog.Logger
}

// Wasm runs a precompiled WASI module once per task. Parameters are fed on
// stdin and the result is read from stdout. The runtime closes a running
// instance as soon as its context is done, which interrupts guest loops that
// never yield.
type Wasm struct {
	cfg      WasmConfig
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

func NewWasm(ctx context.Context, cfg WasmConfig) (*Wasm, error) {
	if strings.TrimSpace(cfg.ModulePath) == "" {
		return nil, fmt.Errorf("wasm executor: module path required")
	}
	wasmBytes, err := os.ReadFile(cfg.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return NewWasmFromBytes(ctx, moduleNameFromPath(cfg.ModulePath), wasmBytes, cfg)
}

// NewWasmFromBytes compiles wasmBytes directly.
func NewWasmFromBytes(ctx context.Context, name string, wasmBytes []byte, cfg WasmConfig) (*Wasm, error) {
	if cfg.Entry == "" {
		cfg.Entry = "_start"
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile wasm module %s: %w", name, err)
	}
	if _, ok := compiled.ExportedFunctions()[cfg.Entry]; !ok {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wasm module %s does not export %q", name, cfg.Entry)
	}
	cfg.Logger.Info("wasm simulation module compiled", "module", name, "entry", cfg.Entry,
		"memory_limit_pages", cfg.MemoryLimitPages)
	return &Wasm{cfg: cfg, name: name, runtime: rt, compiled: compiled}, nil
}

func (w *Wasm) Kind() string { return "wasm" }

func (w *Wasm) Execute(ctx context.Context, req Request) ([]byte, error) {
	input, err := req.paramsJSON()
	if err != nil {
		return nil, &Fault{Reason: FaultStart, Executor: w.Kind(), Detail: "encode params", Err: err}
	}
	if ctx.Err() != nil {
		return nil, contextFault(ctx, w.Kind(), "deadline passed before start")
	}

	stdout := &limitBuffer{max: w.cfg.MaxOutputBytes}
	stderr := &tailBuffer{max: 4096}
	modCfg := wazero.NewModuleConfig().
		// Anonymous instances let tasks run concurrently on one runtime.
		WithName("").
		WithArgs(w.name, strconv.FormatInt(req.TaskID, 10)).
		WithStdin(bytes.NewReader(input)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions(w.cfg.Entry).
		WithEnv("SIMFLEET_TASK_ID", strconv.FormatInt(req.TaskID, 10))
	keys := make([]string, 0, len(w.cfg.Env))
	for k := range w.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		modCfg = modCfg.WithEnv(k, w.cfg.Env[k])
	}

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modCfg)
	if mod != nil {
		_ = mod.Close(context.Background())
	}
	if ctx.Err() != nil {
		return nil, contextFault(ctx, w.Kind(), "instance closed on deadline")
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() == 0 {
				return stdout.result(w.Kind())
			}
			return nil, &Fault{
				Reason:   FaultExit,
				Executor: w.Kind(),
				Detail:   fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
				Err:      err,
			}
		}
		return nil, &Fault{Reason: FaultExit, Executor: w.Kind(), Detail: err.Error(), Err: err}
	}
	return stdout.result(w.Kind())
}

func (w *Wasm) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func moduleNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
