// Command batchlm is the interactive command-line driver for the
// batch-processing engine (spec.md §6.1): `process INPUT OUTPUT
// [options]` runs a brand-new local job; `resume JOB_ID [options]`
// continues one from its checkpoint. Flag/env handling follows the
// teacher's cmd/inference/main.go envTrue convention (DESIGN.md
// "internal/cli").
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/batch/lm/mock"
	"github.com/batchlm/engine/internal/batch/lm/oaihttp"
	"github.com/batchlm/engine/internal/cli"
	"github.com/batchlm/engine/internal/platform/logger"
	"github.com/batchlm/engine/internal/platform/shutdown"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return 2
	}

	log, err := logger.New(envOr("LOG_MODE", "development"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "batchlm: failed to init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	client, err := buildClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "batchlm: %v\n", err)
		return 1
	}

	prices := loadPriceTable()
	driver := cli.New(client, prices, log, os.Stdin, os.Stdout)

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	switch os.Args[1] {
	case "process":
		a, perr := cli.ParseProcess(os.Args[2:])
		if perr != nil {
			fmt.Fprintf(os.Stderr, "batchlm: %v\n", perr)
			usage()
			return 2
		}
		_, code, rerr := driver.Process(ctx, a)
		if rerr != nil {
			fmt.Fprintf(os.Stderr, "batchlm: %v\n", rerr)
			return 1
		}
		return code

	case "resume":
		a, perr := cli.ParseResume(os.Args[2:])
		if perr != nil {
			fmt.Fprintf(os.Stderr, "batchlm: %v\n", perr)
			usage()
			return 2
		}
		code, rerr := driver.Resume(ctx, a)
		if rerr != nil {
			fmt.Fprintf(os.Stderr, "batchlm: %v\n", rerr)
			return 1
		}
		return code

	default:
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  batchlm process INPUT OUTPUT --prompt TEMPLATE [options]")
	fmt.Fprintln(os.Stderr, "  batchlm resume JOB_ID [--retry-failures] [options]")
}

// buildClient wires the concrete LM client: an OpenAI-compatible HTTP
// engine when BATCHLM_API_KEY is set, otherwise a deterministic mock
// engine so `process`/`resume` work out of the box for local trial
// runs and the end-to-end scenarios in spec.md §8.
func buildClient() (lm.Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("BATCHLM_API_KEY"))
	if apiKey == "" {
		return mock.New(), nil
	}
	return oaihttp.New(oaihttp.Config{
		BaseURL:             envOr("BATCHLM_API_BASE_URL", "https://api.openai.com"),
		APIKey:              apiKey,
		ChatCompletionsPath: envOr("BATCHLM_CHAT_COMPLETIONS_PATH", "/v1/chat/completions"),
		BackoffBase:         1 * time.Second,
		BackoffCap:          60 * time.Second,
		BackoffJitter:       5 * time.Second,
	})
}

// loadPriceTable returns the built-in default pricing table (spec.md
// §4.3); operators needing other models can extend this via a config
// document in a future revision without changing the engine.
func loadPriceTable() lm.PriceTable {
	return lm.PriceTable{
		"gpt-4o-mini": {PromptPerMillion: 0.15, CompletionPerMillion: 0.6},
		"gpt-4o":      {PromptPerMillion: 2.5, CompletionPerMillion: 10},
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
