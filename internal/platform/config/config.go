package config

import "time"

// Duration accepts either a JSON/YAML/TOML string like "5s" or an
// integer number of nanoseconds, matching the teacher's inference
// gateway config loader.
type Duration struct {
	Duration time.Duration `yaml:"-" toml:"-"`
}

// RetryConfig carries the LM client's retry/backoff knobs (spec §6.4).
type RetryConfig struct {
	MaxRetriesDefault int      `json:"max_retries_default" yaml:"max_retries_default" toml:"max_retries_default"`
	BaseDelay         Duration `json:"retry_base_delay" yaml:"retry_base_delay" toml:"retry_base_delay"`
	MaxDelay          Duration `json:"retry_max_delay" yaml:"retry_max_delay" toml:"retry_max_delay"`
	Jitter            Duration `json:"retry_jitter" yaml:"retry_jitter" toml:"retry_jitter"`
}

// AdmissionConfig carries the admission-surface policy knobs (spec §6.2, §6.4).
type AdmissionConfig struct {
	AllowedModels            []string `json:"allowed_models" yaml:"allowed_models" toml:"allowed_models"`
	MonthlyBudgetEnforcement bool     `json:"monthly_budget_enforcement" yaml:"monthly_budget_enforcement" toml:"monthly_budget_enforcement"`
	ContentModeration        bool     `json:"content_moderation" yaml:"content_moderation" toml:"content_moderation"`
	MaxJobUnits              int      `json:"max_job_units" yaml:"max_job_units" toml:"max_job_units"`
}

// QueueConfig carries the dispatcher's queue-management knobs (spec §4.8, §6.4).
type QueueConfig struct {
	StuckTaskTimeout    Duration `json:"stuck_task_timeout" yaml:"stuck_task_timeout" toml:"stuck_task_timeout"`
	MaxAttempts         int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	PollInterval        Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	HeartbeatInterval   Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	FlushEveryResults   int      `json:"flush_every_results" yaml:"flush_every_results" toml:"flush_every_results"`
	FlushEveryInterval  Duration `json:"flush_every_interval" yaml:"flush_every_interval" toml:"flush_every_interval"`
	DeadLetterRescanCron string  `json:"dead_letter_rescan_cron" yaml:"dead_letter_rescan_cron" toml:"dead_letter_rescan_cron"`
	DrainDeadline       Duration `json:"drain_deadline" yaml:"drain_deadline" toml:"drain_deadline"`
}

// HTTPConfig carries the control-plane server's listener knobs.
type HTTPConfig struct {
	Addr              string   `json:"addr" yaml:"addr" toml:"addr"`
	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout" toml:"read_header_timeout"`
	IdleTimeout       Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MaxRequestBytes   int64    `json:"max_request_bytes" yaml:"max_request_bytes" toml:"max_request_bytes"`
	MetricsEnabled    bool     `json:"metrics_enabled" yaml:"metrics_enabled" toml:"metrics_enabled"`
}

// Config is the process-wide configuration, loaded once at startup
// (spec §9 "process-wide state lives only in configuration loaded
// once at startup").
type Config struct {
	Env                string          `json:"env" yaml:"env" toml:"env"`
	ConcurrencyDefault int             `json:"concurrency_default" yaml:"concurrency_default" toml:"concurrency_default"`
	CircuitBreakerDefault int          `json:"circuit_breaker_default" yaml:"circuit_breaker_default" toml:"circuit_breaker_default"`
	RequestTimeoutDefault Duration     `json:"request_timeout_default" yaml:"request_timeout_default" toml:"request_timeout_default"`
	Retry              RetryConfig     `json:"retry" yaml:"retry" toml:"retry"`
	Admission          AdmissionConfig `json:"admission" yaml:"admission" toml:"admission"`
	Queue              QueueConfig     `json:"queue" yaml:"queue" toml:"queue"`
	HTTP               HTTPConfig      `json:"http" yaml:"http" toml:"http"`

	CheckpointRoot  string `json:"checkpoint_root" yaml:"checkpoint_root" toml:"checkpoint_root"`
	DatabaseURL     string `json:"database_url" yaml:"database_url" toml:"database_url"`
	RedisURL        string `json:"redis_url" yaml:"redis_url" toml:"redis_url"`
	ObjectStoreBucket string `json:"object_store_bucket" yaml:"object_store_bucket" toml:"object_store_bucket"`
	SecretBoxKeyHex string `json:"secretbox_key_hex" yaml:"secretbox_key_hex" toml:"secretbox_key_hex"`
}
