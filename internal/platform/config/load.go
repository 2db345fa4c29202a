package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// UnmarshalJSON accepts a JSON string like "5s" or an integer number
// of nanoseconds, matching the teacher's inference gateway config.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		return d.parseString(u)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be a JSON string like \"5s\" or an int nanoseconds: %w", err)
	}
	d.Duration = time.Duration(n)
	return nil
}

// UnmarshalText lets both gopkg.in/yaml.v3 and github.com/BurntSushi/toml
// decode a scalar duration string without a format-specific shim.
func (d *Duration) UnmarshalText(b []byte) error {
	return d.parseString(string(b))
}

func (d *Duration) parseString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		d.Duration = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(n)
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Env:                   "development",
		ConcurrencyDefault:    10,
		CircuitBreakerDefault: 5,
		RequestTimeoutDefault: Duration{Duration: 120 * time.Second},
		Retry: RetryConfig{
			MaxRetriesDefault: 5,
			BaseDelay:         Duration{Duration: 1 * time.Second},
			MaxDelay:          Duration{Duration: 60 * time.Second},
			Jitter:            Duration{Duration: 5 * time.Second},
		},
		Admission: AdmissionConfig{
			AllowedModels:            []string{"gpt-4o-mini"},
			MonthlyBudgetEnforcement: true,
			ContentModeration:        true,
			MaxJobUnits:              250_000,
		},
		Queue: QueueConfig{
			StuckTaskTimeout:    Duration{Duration: 30 * time.Minute},
			MaxAttempts:         5,
			PollInterval:        Duration{Duration: 1 * time.Second},
			HeartbeatInterval:   Duration{Duration: 30 * time.Second},
			FlushEveryResults:   25,
			FlushEveryInterval:  Duration{Duration: 5 * time.Second},
			DeadLetterRescanCron: "",
			DrainDeadline:       Duration{Duration: 2 * time.Minute},
		},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: Duration{Duration: 5 * time.Second},
			IdleTimeout:       Duration{Duration: 2 * time.Minute},
			ShutdownTimeout:   Duration{Duration: 15 * time.Second},
			MaxRequestBytes:   10 << 20,
			MetricsEnabled:    true,
		},
		CheckpointRoot: "./data/checkpoints",
	}
}

// Load reads the config document referenced by BATCHLM_CONFIG_PATH
// (falling back to ./config/config.{json,yaml,yml,toml} in the
// current working directory), applies environment-variable overrides,
// and validates the result. The document format is selected by file
// extension, so operators may author job configs in whichever of
// JSON/YAML/TOML they prefer (SPEC_FULL.md §13).
func Load() (*Config, error) {
	cfg := defaultConfig()

	cfgPath := strings.TrimSpace(os.Getenv("BATCHLM_CONFIG_PATH"))
	if cfgPath == "" {
		if wd, err := os.Getwd(); err == nil {
			for _, name := range []string{"config.json", "config.yaml", "config.yml", "config.toml"} {
				p := filepath.Join(wd, "config", name)
				if _, err := os.Stat(p); err == nil {
					cfgPath = p
					break
				}
			}
		}
	}

	if cfgPath != "" {
		if err := loadFile(cfgPath, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	case ".toml":
		return toml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LOG_MODE")); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("BATCHLM_HTTP_ADDR")); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("BATCHLM_CHECKPOINT_ROOT")); v != "" {
		cfg.CheckpointRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("BATCHLM_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BATCHLM_REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BATCHLM_OBJECT_STORE_BUCKET")); v != "" {
		cfg.ObjectStoreBucket = v
	}
	if v := strings.TrimSpace(os.Getenv("BATCHLM_SECRETBOX_KEY_HEX")); v != "" {
		cfg.SecretBoxKeyHex = v
	}
	if v := strings.TrimSpace(os.Getenv("BATCHLM_CONCURRENCY_DEFAULT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConcurrencyDefault = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BATCHLM_CIRCUIT_BREAKER_DEFAULT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CircuitBreakerDefault = n
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.MaxRequestBytes <= 0 {
		cfg.HTTP.MaxRequestBytes = 10 << 20
	}
	if cfg.ConcurrencyDefault <= 0 {
		return errors.New("concurrency_default must be positive")
	}
	if cfg.CircuitBreakerDefault < 0 {
		return errors.New("circuit_breaker_default must be >= 0 (0 disables the breaker)")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.StuckTaskTimeout.Duration <= 0 {
		cfg.Queue.StuckTaskTimeout = Duration{Duration: 30 * time.Minute}
	}
	if strings.TrimSpace(cfg.CheckpointRoot) == "" {
		return errors.New("checkpoint_root must not be empty")
	}
	return nil
}
