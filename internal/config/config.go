// Package config loads taskd configuration.
//
// Load order: defaults, then .env (secrets), then the YAML file, then
// environment variables, each overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nadmax/taskd/internal/logging"
	"github.com/nadmax/taskd/internal/notify"
	"github.com/nadmax/taskd/internal/store"
	"github.com/nadmax/taskd/internal/tasks"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig       `yaml:"server"`
	Store   store.Config       `yaml:"store"`
	Runner  RunnerConfig       `yaml:"runner"`
	History HistoryConfig      `yaml:"history"`
	Notify  notify.Config      `yaml:"notify"`
	Report  tasks.ReportConfig `yaml:"report"`
	Ticker  TickerConfig       `yaml:"ticker"`
	Worker  WorkerConfig       `yaml:"worker"`
	Log     logging.Config     `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

type RunnerConfig struct {
	// MemoryLimitMB is the resident memory ceiling of a run.
	MemoryLimitMB int `yaml:"memory_limit_mb"`
	// StaleAfter enables takeover of RUNNING records whose heartbeat is older. Zero disables it.
	StaleAfter time.Duration `yaml:"stale_after"`
	TimeLimit  time.Duration `yaml:"time_limit"`
}

type HistoryConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type TickerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// WorkerConfig lists the tasks the daemon keeps running on its own.
type WorkerConfig struct {
	Autostart    []string      `yaml:"autostart"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
}

var configPaths = []string{
	"configs/taskd.yaml",
	"../configs/taskd.yaml",
	"../../configs/taskd.yaml",
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", MetricsInterval: 10 * time.Second},
		Store: store.Config{
			Driver:    "file",
			Dir:       filepath.Join(os.TempDir(), "taskd"),
			RedisAddr: "localhost:6379",
			Prefix:    "taskd:",
		},
		Runner: RunnerConfig{MemoryLimitMB: 256},
		Report: tasks.ReportConfig{OutputDir: "./reports", Format: "csv", WindowHours: 24, Interval: time.Minute},
		Ticker: TickerConfig{Interval: time.Second},
		Worker: WorkerConfig{PollInterval: 5 * time.Second, RestartDelay: 10 * time.Second},
		Log:    logging.Config{Level: "info", Format: "text", Output: "stdout"},
	}
}

// Load reads configuration. An explicit path that cannot be read is an
// error; otherwise the first configs/taskd.yaml found is used, if any.
func Load(path string) (*Config, error) {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg := Defaults()

	if path == "" {
		path = os.Getenv("TASKD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else {
		for _, p := range configPaths {
			if data, err := os.ReadFile(p); err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return nil, fmt.Errorf("failed to parse config %s: %w", p, err)
				}
				break
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)

	c.Store.Driver = getEnv("TASKD_STORE_DRIVER", c.Store.Driver)
	c.Store.Dir = getEnv("TASKD_STORE_DIR", c.Store.Dir)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.Prefix = getEnv("TASKD_STORE_PREFIX", c.Store.Prefix)
	c.Store.DSN = getEnv("TASKD_STORE_DSN", c.Store.DSN)

	c.History.PostgresDSN = getEnv("POSTGRES_DSN", c.History.PostgresDSN)

	c.Notify.APIKey = getEnv("SENDGRID_API_KEY", c.Notify.APIKey)
	c.Notify.FromName = getEnv("FROM_NAME", c.Notify.FromName)
	c.Notify.FromAddress = getEnv("FROM_ADDRESS", c.Notify.FromAddress)
	if to := os.Getenv("NOTIFY_TO"); to != "" {
		c.Notify.To = splitList(to)
	}

	c.Report.OutputDir = getEnv("TASKD_REPORT_DIR", c.Report.OutputDir)
	if autostart := os.Getenv("TASKD_AUTOSTART"); autostart != "" {
		c.Worker.Autostart = splitList(autostart)
	}

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Output = getEnv("LOG_OUTPUT", c.Log.Output)

	var err error
	if c.Runner.MemoryLimitMB, err = getEnvInt("TASKD_MEMORY_LIMIT", c.Runner.MemoryLimitMB); err != nil {
		return err
	}
	if c.Runner.StaleAfter, err = getEnvDuration("TASKD_STALE_AFTER", c.Runner.StaleAfter); err != nil {
		return err
	}
	if c.Runner.TimeLimit, err = getEnvDuration("TASKD_TIME_LIMIT", c.Runner.TimeLimit); err != nil {
		return err
	}

	return nil
}

func (c *Config) validate() error {
	if c.Runner.MemoryLimitMB <= 0 {
		return errors.New("runner.memory_limit_mb must be positive")
	}
	if c.Runner.StaleAfter < 0 {
		return errors.New("runner.stale_after must not be negative")
	}

	switch c.Store.Driver {
	case "memory", "redis":
	case "file":
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the file store")
		}
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s store", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver: %s", c.Store.Driver)
	}

	if c.Server.MetricsInterval <= 0 {
		c.Server.MetricsInterval = 10 * time.Second
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Worker.RestartDelay <= 0 {
		c.Worker.RestartDelay = 10 * time.Second
	}

	return nil
}

// NotifyEnabled reports whether stop alerts can be sent.
func (c *Config) NotifyEnabled() bool {
	return c.Notify.APIKey != "" && len(c.Notify.To) > 0
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{Store: %s, History: %s, MemoryLimit: %dMB, StaleAfter: %s}",
		c.Store.Driver, maskPassword(c.History.PostgresDSN), c.Runner.MemoryLimitMB, c.Runner.StaleAfter)
}

var passwordPattern = regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)

func maskPassword(url string) string {
	return passwordPattern.ReplaceAllString(url, "${1}***${3}")
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
