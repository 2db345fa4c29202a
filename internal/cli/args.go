// Package cli implements the interactive command-line driver: the
// `process`/`resume` commands described in spec.md §6.1, grounded on
// the teacher's cmd/inference/main.go and cmd/main.go flag/env
// handling and internal/inference/app/app.go's
// config->logger->wiring->run sequencing (see DESIGN.md).
package cli

import (
	"flag"
	"fmt"
	"time"
)

// ProcessArgs is the parsed form of `process INPUT OUTPUT [options]`
// (spec.md §6.1).
type ProcessArgs struct {
	Input  string
	Output string

	Prompt         string
	ConfigPath     string
	Model          string
	Mode           string // "sequential" | "async"
	BatchSize      int
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	MaxRetries     int
	ParseRetries   int
	Preview        int
	CheckinInterval int
	CircuitBreaker int

	NoPostProcess bool
	NoMerge       bool
	IncludeRaw    bool

	CheckpointRoot string
}

// ResumeArgs is the parsed form of `resume JOB_ID [options]`.
type ResumeArgs struct {
	JobID           string
	CheckinInterval int
	RetryFailures   bool
	CheckpointRoot  string
}

// ParseProcess parses the argument vector following the `process`
// subcommand name.
func ParseProcess(args []string) (*ProcessArgs, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("usage: process INPUT OUTPUT [options]")
	}
	a := &ProcessArgs{Input: args[0], Output: args[1]}

	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.StringVar(&a.Prompt, "prompt", "", "prompt template (required unless --config)")
	fs.StringVar(&a.ConfigPath, "config", "", "named-parameter document (JSON/YAML/TOML)")
	fs.StringVar(&a.Model, "model", "gpt-4o-mini", "model name")
	fs.StringVar(&a.Mode, "mode", "sequential", "sequential|async")
	fs.IntVar(&a.BatchSize, "batch-size", 10, "concurrency in async mode")
	fs.IntVar(&a.MaxTokens, "max-tokens", 1500, "maximum completion tokens")
	fs.Float64Var(&a.Temperature, "temperature", 0, "sampling temperature")
	fs.DurationVar(&a.Timeout, "timeout", 120*time.Second, "per-request timeout")
	fs.IntVar(&a.MaxRetries, "max-retries", 3, "LM-client retry budget")
	fs.IntVar(&a.ParseRetries, "parse-retries", 1, "engine parse-retry budget")
	fs.IntVar(&a.Preview, "preview", 0, "run on K randomly sampled units first and prompt to continue")
	fs.IntVar(&a.CheckinInterval, "checkin-interval", 0, "prompt to continue every N completions (0 disables)")
	fs.IntVar(&a.CircuitBreaker, "circuit-breaker", 5, "consecutive-fatal-failure trip threshold (0 disables)")
	fs.BoolVar(&a.NoPostProcess, "no-post-process", false, "always retain the raw completion text and keep the parsed payload nested (extraction and parse retries still run)")
	fs.BoolVar(&a.NoMerge, "no-merge", false, "keep the parsed payload nested instead of merging")
	fs.BoolVar(&a.IncludeRaw, "include-raw", false, "retain the raw completion text alongside a successful parse")
	fs.StringVar(&a.CheckpointRoot, "checkpoint-root", "./data/checkpoints", "checkpoint directory root")

	if err := fs.Parse(args[2:]); err != nil {
		return nil, err
	}
	if a.Prompt == "" && a.ConfigPath == "" {
		return nil, fmt.Errorf("--prompt is required unless --config is given")
	}
	return a, nil
}

// ParseResume parses the argument vector following the `resume`
// subcommand name.
func ParseResume(args []string) (*ResumeArgs, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("usage: resume JOB_ID [options]")
	}
	a := &ResumeArgs{JobID: args[0]}

	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.IntVar(&a.CheckinInterval, "checkin-interval", 0, "prompt to continue every N completions (0 disables)")
	fs.BoolVar(&a.RetryFailures, "retry-failures", false, "re-submit failed_indices in addition to the unprocessed remainder")
	fs.StringVar(&a.CheckpointRoot, "checkpoint-root", "./data/checkpoints", "checkpoint directory root")

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	return a, nil
}
