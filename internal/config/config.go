package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	ExecutorProcess = "process"
	ExecutorWasm    = "wasm"
	ExecutorDocker  = "docker"
)

// Duration accepts Go duration strings ("90s", "10m") or a bare number,
// which is read as minutes.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseMinutesOrDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseMinutesOrDuration parses "15" as 15 minutes and "15s" as 15 seconds.
func ParseMinutesOrDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Minute)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

type LedgerConfig struct {
	// Driver is "sqlite3" (default) or "pgx".
	Driver string `yaml:"driver"`
	// Path is the sqlite database file. Relative paths resolve against the home dir.
	Path string `yaml:"path"`
	// DSN overrides the connection fields below for the pgx driver.
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// DataSource returns the driver-specific connection string.
func (l LedgerConfig) DataSource() string {
	if l.Driver == DriverSQLite {
		return l.Path
	}
	if l.DSN != "" {
		return l.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(l.Host, strconv.Itoa(l.Port)),
		Path:   "/" + l.Name,
	}
	if l.User != "" {
		if l.Password != "" {
			u.User = url.UserPassword(l.User, l.Password)
		} else {
			u.User = url.User(l.User)
		}
	}
	return u.String()
}

type ExecutorConfig struct {
	// Kind selects the simulation runner: process, wasm or docker.
	Kind string `yaml:"kind"`

	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`

	WasmModule      string `yaml:"wasm_module"`
	WasmEntry       string `yaml:"wasm_entry"`
	WasmMemoryPages uint32 `yaml:"wasm_memory_pages"`

	Image          string `yaml:"image"`
	DockerMemoryMB int64  `yaml:"docker_memory_mb"`
	DockerNetwork  string `yaml:"docker_network"`

	// ResultSchema is an optional JSON Schema file every result must satisfy.
	ResultSchema string `yaml:"result_schema"`
	// KillGrace bounds how long an interrupted unit may take to exit.
	KillGrace Duration `yaml:"kill_grace"`
}

type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type GatewayConfig struct {
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
	// RequestsPerMinute and Burst size the per-client token bucket. 0 disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	Ledger LedgerConfig `yaml:"ledger"`

	// MaxFailures bounds how many registry entries a failed task may have
	// before reconciliation stops reclaiming it.
	MaxFailures int `yaml:"max_failures"`
	// TaskTimeout is the per-task execution deadline.
	TaskTimeout Duration `yaml:"task_timeout"`
	// LeaseTimeout is the age after which an unfinished claim is reclaimed.
	// Zero means TaskTimeout + LeaseGrace.
	LeaseTimeout Duration `yaml:"lease_timeout"`
	LeaseGrace   Duration `yaml:"lease_grace"`
	// MaxCrashReclaims bounds lease-expiry reclaims per task. 0 = unbounded.
	MaxCrashReclaims int      `yaml:"max_crash_reclaims"`
	PollInterval     Duration `yaml:"poll_interval"`

	LogLevel     string `yaml:"log_level"`
	LogMaxSizeMB int    `yaml:"log_max_size_mb"`

	Executor  ExecutorConfig  `yaml:"executor"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// FileMissing is set when config.yaml did not exist at load time.
	FileMissing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// EffectiveLeaseTimeout returns the lease timeout used by reconciliation.
func (c Config) EffectiveLeaseTimeout() time.Duration {
	if c.LeaseTimeout > 0 {
		return c.LeaseTimeout.Std()
	}
	return c.TaskTimeout.Std() + c.LeaseGrace.Std()
}

// Fingerprint returns a stable hash of the settings that govern the queue.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "driver=%s|max_failures=%d|timeout=%s|lease=%s|crash=%d|executor=%s|schema=%s",
		c.Ledger.Driver, c.MaxFailures, c.TaskTimeout.Std(), c.EffectiveLeaseTimeout(),
		c.MaxCrashReclaims, c.Executor.Kind, c.Executor.ResultSchema)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Ledger: LedgerConfig{
			Driver: DriverSQLite,
			Path:   "ledger.db",
			Port:   5432,
		},
		MaxFailures:  3,
		TaskTimeout:  Duration(10 * time.Minute),
		LeaseGrace:   Duration(time.Minute),
		PollInterval: Duration(2 * time.Second),
		LogLevel:     "info",
		Executor: ExecutorConfig{
			Kind:          ExecutorProcess,
			WasmEntry:     "_start",
			DockerNetwork: "none",
			KillGrace:     Duration(5 * time.Second),
		},
		Sweep: SweepConfig{
			Schedule: "@every 1m",
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			ServiceName: "simfleet",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SIMFLEET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".simfleet")
}

// Load reads config.yaml from HomeDir, then applies environment overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create simfleet home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FileMissing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Ledger.Driver = strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver))
	switch cfg.Ledger.Driver {
	case "", "sqlite":
		cfg.Ledger.Driver = DriverSQLite
	case "postgres", "postgresql":
		cfg.Ledger.Driver = DriverPostgres
	}
	if cfg.Ledger.Driver == DriverSQLite {
		if strings.TrimSpace(cfg.Ledger.Path) == "" {
			cfg.Ledger.Path = "ledger.db"
		}
		if !filepath.IsAbs(cfg.Ledger.Path) {
			cfg.Ledger.Path = filepath.Join(cfg.HomeDir, cfg.Ledger.Path)
		}
	}
	if cfg.Ledger.Port <= 0 {
		cfg.Ledger.Port = 5432
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = Duration(10 * time.Minute)
	}
	if cfg.LeaseGrace < 0 {
		cfg.LeaseGrace = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = Duration(2 * time.Second)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Executor.Kind = strings.ToLower(strings.TrimSpace(cfg.Executor.Kind))
	if cfg.Executor.Kind == "" {
		cfg.Executor.Kind = ExecutorProcess
	}
	if cfg.Executor.WasmEntry == "" {
		cfg.Executor.WasmEntry = "_start"
	}
	if cfg.Executor.DockerNetwork == "" {
		cfg.Executor.DockerNetwork = "none"
	}
	if cfg.Executor.KillGrace <= 0 {
		cfg.Executor.KillGrace = Duration(5 * time.Second)
	}
	if cfg.Executor.ResultSchema != "" && !filepath.IsAbs(cfg.Executor.ResultSchema) {
		cfg.Executor.ResultSchema = filepath.Join(cfg.HomeDir, cfg.Executor.ResultSchema)
	}
	if strings.TrimSpace(cfg.Sweep.Schedule) == "" {
		cfg.Sweep.Schedule = "@every 1m"
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18790"
	}
}

func validate(cfg Config) error {
	switch cfg.Ledger.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.Ledger.DSN == "" && (cfg.Ledger.Host == "" || cfg.Ledger.Name == "") {
			return fmt.Errorf("ledger: pgx driver requires dsn or host and name")
		}
	default:
		return fmt.Errorf("ledger: unsupported driver %q", cfg.Ledger.Driver)
	}
	if cfg.MaxFailures < 0 {
		return fmt.Errorf("max_failures must be >= 0, got %d", cfg.MaxFailures)
	}
	if cfg.MaxCrashReclaims < 0 {
		return fmt.Errorf("max_crash_reclaims must be >= 0, got %d", cfg.MaxCrashReclaims)
	}
	if cfg.LeaseTimeout > 0 && cfg.LeaseTimeout < cfg.TaskTimeout {
		return fmt.Errorf("lease_timeout (%s) must not be shorter than task_timeout (%s)",
			cfg.LeaseTimeout.Std(), cfg.TaskTimeout.Std())
	}
	switch cfg.Executor.Kind {
	case ExecutorProcess:
	case ExecutorWasm:
		if cfg.Executor.WasmModule == "" {
			return fmt.Errorf("executor: wasm kind requires wasm_module")
		}
	case ExecutorDocker:
		if cfg.Executor.Image == "" {
			return fmt.Errorf("executor: docker kind requires image")
		}
	default:
		return fmt.Errorf("executor: unsupported kind %q", cfg.Executor.Kind)
	}
	if cfg.Notify.Telegram.Enabled && (cfg.Notify.Telegram.Token == "" || cfg.Notify.Telegram.ChatID == 0) {
		return fmt.Errorf("notify.telegram: enabled requires token and chat_id")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	intVar := func(name string, dst *int) error {
		raw := os.Getenv(name)
		if raw == "" {
			return nil
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = v
		return nil
	}
	durVar := func(name string, dst *Duration) error {
		raw := os.Getenv(name)
		if raw == "" {
			return nil
		}
		d, err := ParseMinutesOrDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = Duration(d)
		return nil
	}

	// Variable names used by existing fleet deployments.
	if host := os.Getenv("POSTGRESQL_IP"); host != "" {
		cfg.Ledger.Driver = DriverPostgres
		cfg.Ledger.Host = host
	}
	if err := intVar("POSTGRESQL_PORT", &cfg.Ledger.Port); err != nil {
		return err
	}
	if raw := os.Getenv("POSTGRESQL_DB_NAME"); raw != "" {
		cfg.Ledger.Name = raw
	}
	if raw := os.Getenv("POSTGRESQL_DB_USER"); raw != "" {
		cfg.Ledger.User = raw
	}
	if raw := os.Getenv("POSTGRESQL_DB_PASS"); raw != "" {
		cfg.Ledger.Password = raw
	}
	if err := intVar("MAX_SIMULATION_FAILURES", &cfg.MaxFailures); err != nil {
		return err
	}
	if err := durVar("SIMULATION_TIME_OUT", &cfg.TaskTimeout); err != nil {
		return err
	}

	if raw := os.Getenv("SIMFLEET_LEDGER_DRIVER"); raw != "" {
		cfg.Ledger.Driver = raw
	}
	if raw := os.Getenv("SIMFLEET_LEDGER_DSN"); raw != "" {
		cfg.Ledger.DSN = raw
	}
	if raw := os.Getenv("SIMFLEET_LEDGER_PATH"); raw != "" {
		cfg.Ledger.Path = raw
	}
	if err := intVar("SIMFLEET_MAX_FAILURES", &cfg.MaxFailures); err != nil {
		return err
	}
	if err := intVar("SIMFLEET_MAX_CRASH_RECLAIMS", &cfg.MaxCrashReclaims); err != nil {
		return err
	}
	if err := durVar("SIMFLEET_TASK_TIMEOUT", &cfg.TaskTimeout); err != nil {
		return err
	}
	if err := durVar("SIMFLEET_LEASE_TIMEOUT", &cfg.LeaseTimeout); err != nil {
		return err
	}
	if err := durVar("SIMFLEET_POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return err
	}
	if raw := os.Getenv("SIMFLEET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SIMFLEET_EXECUTOR_KIND"); raw != "" {
		cfg.Executor.Kind = raw
	}
	if raw := os.Getenv("SIMFLEET_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("SIMFLEET_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.Telegram.ChatID = v
	}
	return nil
}
