// Package config loads the service configuration from defaults, an optional
// TOML file and BPTL_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "bptl.db"

	envConfigFile        = "BPTL_CONFIG_FILE"
	envListenAddr        = "BPTL_LISTEN_ADDR"
	envDBPath            = "BPTL_DB_PATH"
	envLogLevel          = "BPTL_LOG_LEVEL"
	envMappingsFile      = "BPTL_MAPPINGS_FILE"
	envEngineURL         = "BPTL_ENGINE_URL"
	envEngineAuth        = "BPTL_ENGINE_AUTH"
	envEngineTimeout     = "BPTL_ENGINE_TIMEOUT"
	envEngineRPS         = "BPTL_ENGINE_RPS"
	envWorkerID          = "BPTL_WORKER_ID"
	envTopics            = "BPTL_TOPICS"
	envMaxTasks          = "BPTL_MAX_TASKS"
	envLockDuration      = "BPTL_LOCK_DURATION"
	envPollInterval      = "BPTL_POLL_INTERVAL"
	envConcurrency       = "BPTL_CONCURRENCY"
	envDefaultRetries    = "BPTL_DEFAULT_RETRIES"
	envRetryInitial      = "BPTL_RETRY_INITIAL"
	envRetryMultiplier   = "BPTL_RETRY_MULTIPLIER"
	envRetryMax          = "BPTL_RETRY_MAX"
	envCallAttempts      = "BPTL_CALL_ATTEMPTS"
	envReconcileInterval = "BPTL_RECONCILE_INTERVAL"
	envRenewLeases       = "BPTL_RENEW_LEASES"
	envHandlerTimeout    = "BPTL_HANDLER_TIMEOUT"
	envServiceTimeout    = "BPTL_SERVICE_TIMEOUT"
	envAPITokens         = "BPTL_API_TOKENS"
)

// Config holds application configuration.
type Config struct {
	ListenAddr   string     `toml:"listen_addr"`
	DBPath       string     `toml:"db_path"`
	LogLevel     slog.Level `toml:"log_level"`
	MappingsFile string     `toml:"mappings_file"`

	API      APIConfig      `toml:"api"`
	Engine   EngineConfig   `toml:"engine"`
	Services ServicesConfig `toml:"services"`
	Worker   WorkerConfig   `toml:"worker"`
	Retry    RetryConfig    `toml:"retry"`
}

// APIConfig guards the HTTP API. Requests that submit work or complete tasks
// must present one of Tokens; with none configured those routes refuse every
// request.
type APIConfig struct {
	Tokens []string `toml:"tokens"`
}

// ServicesConfig applies to every call a handler makes to a domain API.
type ServicesConfig struct {
	Timeout time.Duration `toml:"timeout"`
}

// EngineConfig points at the process engine's REST API. An empty BaseURL
// disables polling; only direct submissions are served then.
type EngineConfig struct {
	BaseURL           string        `toml:"base_url"`
	AuthHeader        string        `toml:"auth_header"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
}

// WorkerConfig controls polling and execution.
type WorkerConfig struct {
	ID                string        `toml:"id"`
	Topics            []string      `toml:"topics"`
	MaxTasks          int           `toml:"max_tasks"`
	LockDuration      time.Duration `toml:"lock_duration"`
	PollInterval      time.Duration `toml:"poll_interval"`
	Concurrency       int           `toml:"concurrency"`
	DefaultRetries    int           `toml:"default_retries"`
	CallAttempts      int           `toml:"call_attempts"`
	ReconcileInterval time.Duration `toml:"reconcile_interval"`
	RenewLeases       bool          `toml:"renew_leases"`

	// HandlerTimeout bounds one handler run. Zero means the lock duration.
	HandlerTimeout time.Duration `toml:"handler_timeout"`
}

// RetryConfig is the exponential retry timeout reported with failed attempts.
type RetryConfig struct {
	Initial    time.Duration `toml:"initial"`
	Multiplier float64       `toml:"multiplier"`
	Max        time.Duration `toml:"max"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Engine: EngineConfig{
			Timeout: 30 * time.Second,
		},
		Services: ServicesConfig{
			Timeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			MaxTasks:          10,
			LockDuration:      5 * time.Minute,
			PollInterval:      5 * time.Second,
			Concurrency:       4,
			DefaultRetries:    3,
			CallAttempts:      5,
			ReconcileInterval: time.Minute,
			RenewLeases:       true,
		},
		Retry: RetryConfig{
			Initial:    30 * time.Second,
			Multiplier: 2,
			Max:        30 * time.Minute,
		},
	}
}

// Load reads the TOML file named by BPTL_CONFIG_FILE, if any, over the
// defaults and applies environment variables on top. A worker id is
// generated when none is configured.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = "bptl-" + uuid.NewString()
	}
	return cfg, nil
}

// envParser collects parse errors so every bad variable is reported at once.
type envParser struct {
	errs []error
}

func (p *envParser) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (p *envParser) int(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (p *envParser) float(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (p *envParser) bool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (p *envParser) duration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func applyEnv(cfg *Config) error {
	var p envParser

	p.str(envListenAddr, &cfg.ListenAddr)
	p.str(envDBPath, &cfg.DBPath)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	p.str(envMappingsFile, &cfg.MappingsFile)

	if v := os.Getenv(envAPITokens); v != "" {
		cfg.API.Tokens = splitList(v)
	}

	p.str(envEngineURL, &cfg.Engine.BaseURL)
	p.str(envEngineAuth, &cfg.Engine.AuthHeader)
	p.duration(envEngineTimeout, &cfg.Engine.Timeout)
	p.float(envEngineRPS, &cfg.Engine.RequestsPerSecond)
	p.duration(envServiceTimeout, &cfg.Services.Timeout)

	p.str(envWorkerID, &cfg.Worker.ID)
	if v := os.Getenv(envTopics); v != "" {
		cfg.Worker.Topics = splitList(v)
	}
	p.int(envMaxTasks, &cfg.Worker.MaxTasks)
	p.duration(envLockDuration, &cfg.Worker.LockDuration)
	p.duration(envPollInterval, &cfg.Worker.PollInterval)
	p.int(envConcurrency, &cfg.Worker.Concurrency)
	p.int(envDefaultRetries, &cfg.Worker.DefaultRetries)
	p.int(envCallAttempts, &cfg.Worker.CallAttempts)
	p.duration(envReconcileInterval, &cfg.Worker.ReconcileInterval)
	p.bool(envRenewLeases, &cfg.Worker.RenewLeases)
	p.duration(envHandlerTimeout, &cfg.Worker.HandlerTimeout)

	p.duration(envRetryInitial, &cfg.Retry.Initial)
	p.float(envRetryMultiplier, &cfg.Retry.Multiplier)
	p.duration(envRetryMax, &cfg.Retry.Max)

	if len(p.errs) > 0 {
		return fmt.Errorf("parse environment: %w", errors.Join(p.errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
