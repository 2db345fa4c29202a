package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/batchlm/engine/internal/batch/adapter"
	"github.com/batchlm/engine/internal/batch/adapters/jsonl"
	"github.com/batchlm/engine/internal/batch/breaker"
	"github.com/batchlm/engine/internal/batch/checkpoint"
	"github.com/batchlm/engine/internal/batch/engine"
	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/batch/postprocess"
	"github.com/batchlm/engine/internal/batch/unit"
	"github.com/batchlm/engine/internal/platform/logger"
)

// RunParams is the full set of tunables the driver needs to
// reconstruct an engine.Options for a given job; it is the value
// carried in checkpoint.Progress.Params so that `resume` can continue
// a job with the exact same configuration the original `process`
// invocation recorded (spec.md §6.1 "resume... continue with the
// same template and parameters recorded in the progress blob").
type RunParams struct {
	Input          string              `json:"input"`
	Output         string              `json:"output"`
	Model          string              `json:"model"`
	MaxTokens      int                 `json:"max_tokens"`
	Temperature    float64             `json:"temperature"`
	Timeout        time.Duration       `json:"timeout"`
	MaxRetries     int                 `json:"max_retries"`
	Mode           string              `json:"mode"`
	BatchSize      int                 `json:"batch_size"`
	ParseRetries   int                 `json:"parse_retries"`
	CircuitBreaker int                 `json:"circuit_breaker"`
	PostProcess    postprocess.Options `json:"post_process"`
}

func (p RunParams) engineMode() engine.Mode {
	if p.Mode == "async" {
		return engine.Parallel
	}
	return engine.Sequential
}

func (p RunParams) lmParams() lm.Params {
	return lm.Params{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Timeout:     p.Timeout,
		MaxRetries:  p.MaxRetries,
	}
}

// Driver is the interactive command-line driver described in spec.md
// §6.1, wiring one LM client and price table against the batch
// pipeline for a single local job at a time.
type Driver struct {
	client lm.Client
	prices lm.PriceTable
	log    *logger.Logger
	prompt *prompter
}

func New(client lm.Client, prices lm.PriceTable, log *logger.Logger, in io.Reader, out io.Writer) *Driver {
	return &Driver{client: client, prices: prices, log: log, prompt: newPrompter(in, out)}
}

// Process drives a brand-new job end to end: render the RunParams,
// optionally preview a sample, then run to completion or until the
// operator pauses / the breaker trips and is aborted / the context is
// cancelled. It always leaves a valid, resumable checkpoint behind
// (spec.md §6.1 "interrupt leaves a valid checkpoint behind").
func (d *Driver) Process(ctx context.Context, a *ProcessArgs) (jobID string, exitCode int, err error) {
	template := unit.Template(a.Prompt)
	if a.ConfigPath != "" {
		doc, derr := LoadConfigDoc(a.ConfigPath)
		if derr != nil {
			return "", 1, derr
		}
		ApplyConfigDoc(a, doc)
		template = unit.Template(a.Prompt)
	}

	params := RunParams{
		Input: a.Input, Output: a.Output, Model: a.Model,
		MaxTokens: a.MaxTokens, Temperature: a.Temperature, Timeout: a.Timeout, MaxRetries: a.MaxRetries,
		Mode: a.Mode, BatchSize: a.BatchSize, ParseRetries: a.ParseRetries, CircuitBreaker: a.CircuitBreaker,
		PostProcess: postprocess.Options{Merge: !a.NoMerge, IncludeRaw: a.IncludeRaw},
	}
	if a.NoPostProcess {
		// --no-post-process keeps the raw completion text on every result
		// and leaves any extracted payload nested instead of merged.
		// Extraction itself still runs: a reply with no structured
		// payload still gets a parse_error marker and still uses the
		// parse-retry budget.
		params.PostProcess = postprocess.Options{Merge: false, IncludeRaw: true}
	}

	jobID = uuid.NewString()
	fmt.Fprintf(d.prompt.out, "Job ID: %s\n", jobID)

	cp, err := checkpoint.Open(filepath.Join(a.CheckpointRoot, jobID))
	if err != nil {
		return jobID, 1, err
	}

	src, closeSrc, err := openInputSource(a.Input)
	if err != nil {
		return jobID, 1, err
	}
	defer closeSrc()

	units, err := readAll(ctx, src)
	if err != nil {
		return jobID, 1, fmt.Errorf("cli: read input: %w", err)
	}

	if a.Preview > 0 {
		proceed, perr := d.runPreview(ctx, template, params, units, a.Preview)
		if perr != nil {
			return jobID, 1, perr
		}
		if !proceed {
			fmt.Fprintln(d.prompt.out, "Preview declined; exiting without processing the full input.")
			return jobID, 0, nil
		}
	}

	raw, _ := json.Marshal(params)
	if err := cp.SaveProgress(checkpoint.Progress{
		JobID: jobID, Total: len(units), StartedAt: time.Now(),
		Template: string(template), Model: params.Model, Params: raw,
	}); err != nil {
		return jobID, 1, err
	}

	status, err := d.run(ctx, template, params, units, cp, a.CheckinInterval)
	if err != nil {
		return jobID, 1, err
	}

	if status != runCompleted {
		fmt.Fprintf(d.prompt.out, "Job %s left incomplete (%s); resume with: resume %s\n", jobID, status, jobID)
		return jobID, 0, nil
	}

	if err := d.materialize(ctx, a.Output, cp); err != nil {
		return jobID, 1, err
	}
	fmt.Fprintf(d.prompt.out, "Job %s completed: %d results written to %s\n", jobID, len(units), a.Output)
	return jobID, 0, nil
}

// Resume reopens an existing job's checkpoint and continues it:
// unprocessed indices are always re-submitted; failed indices are
// re-submitted too only when --retry-failures is given (spec.md §6.1
// "resume JOB_ID... derive completed_indices... and, if
// --retry-failures, re-submit failed_indices").
func (d *Driver) Resume(ctx context.Context, a *ResumeArgs) (exitCode int, err error) {
	cp, err := checkpoint.Open(filepath.Join(a.CheckpointRoot, a.JobID))
	if err != nil {
		return 1, err
	}
	progress, err := cp.LoadProgress()
	if err != nil {
		return 1, err
	}
	if progress.Total == 0 && progress.Template == "" {
		return 1, fmt.Errorf("cli: no checkpoint found for job %s", a.JobID)
	}

	var params RunParams
	if len(progress.Params) > 0 {
		if err := json.Unmarshal(progress.Params, &params); err != nil {
			return 1, fmt.Errorf("cli: decode recorded params: %w", err)
		}
	}
	template := unit.Template(progress.Template)

	src, closeSrc, err := openInputSource(params.Input)
	if err != nil {
		return 1, err
	}
	defer closeSrc()

	allUnits, err := readAll(ctx, src)
	if err != nil {
		return 1, fmt.Errorf("cli: re-read input: %w", err)
	}

	completed, err := cp.CompletedIndices()
	if err != nil {
		return 1, err
	}
	failed, err := cp.FailedIndices()
	if err != nil {
		return 1, err
	}

	// By default, resume only dispatches indices never yet attempted
	// (neither completed nor terminally failed); --retry-failures
	// additionally re-submits the failed set (spec.md §6.1).
	var remaining []unit.Unit
	for _, u := range allUnits {
		if _, done := completed[u.Idx]; done {
			continue
		}
		if _, isFailed := failed[u.Idx]; isFailed && !a.RetryFailures {
			continue
		}
		remaining = append(remaining, u)
	}

	fmt.Fprintf(d.prompt.out, "Resuming job %s: %d/%d already complete, %d remaining\n",
		a.JobID, len(completed), len(allUnits), len(remaining))

	status, err := d.run(ctx, template, params, remaining, cp, a.CheckinInterval)
	if err != nil {
		return 1, err
	}
	if status != runCompleted {
		fmt.Fprintf(d.prompt.out, "Job %s left incomplete (%s); resume again with: resume %s\n", a.JobID, status, a.JobID)
		return 0, nil
	}

	if err := d.materialize(ctx, params.Output, cp); err != nil {
		return 1, err
	}
	fmt.Fprintf(d.prompt.out, "Job %s completed: %d results written to %s\n", a.JobID, len(allUnits), params.Output)
	return 0, nil
}

type runStatus string

const (
	runCompleted runStatus = "completed"
	runPaused    runStatus = "paused"
	runAborted   runStatus = "aborted (circuit breaker)"
	runCancelled runStatus = "cancelled"
)

// run drives the engine over units, handling checkin prompts and
// breaker-tripped prompts, appending every result to cp as it arrives
// (spec.md §4.6, §4.7, §6.1).
func (d *Driver) run(ctx context.Context, template unit.Template, params RunParams, units []unit.Unit, cp *checkpoint.Store, checkinInterval int) (runStatus, error) {
	br := breaker.New(params.CircuitBreaker)
	eng := engine.New(d.client, br, engine.Options{
		Template:     template,
		LMParams:     params.lmParams(),
		Mode:         params.engineMode(),
		Concurrency:  params.BatchSize,
		ParseRetries: params.ParseRetries,
		PostProcess:  params.PostProcess,
		Prices:       d.prices,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, ctrl := eng.Run(runCtx, newSliceSource(units))

	completedSinceCheckin := 0
	var totalCost float64
	var totalTokens int

	for ev := range events {
		if ev.BreakerTripped != nil {
			fmt.Fprintf(d.prompt.out, "\nCircuit breaker tripped: %d consecutive fatal failures (last: unit %d, %q)\n",
				ev.BreakerTripped.ConsecutiveFailures, ev.BreakerTripped.LastFailingUnit, ev.BreakerTripped.LastError)
			if d.prompt.breakerDecision() == breakerResume {
				ctrl.Resume()
				continue
			}
			ctrl.Abort()
			continue
		}

		r := *ev.Result
		if err := cp.Append(r); err != nil {
			d.log.Error("checkpoint append failed", "idx", r.Idx, "error", err)
		}
		totalCost += r.CostUSD
		totalTokens += r.PromptTokens + r.CompletionTokens

		if r.Failed() {
			fmt.Fprintf(d.prompt.out, "[%d] error: %s\n", r.Idx, r.Error)
		} else if !r.Parsed() {
			fmt.Fprintf(d.prompt.out, "[%d] parse_error: %s\n", r.Idx, r.ParseError)
		}

		completedSinceCheckin++
		if checkinInterval > 0 && completedSinceCheckin >= checkinInterval {
			completedSinceCheckin = 0
			switch d.prompt.checkin() {
			case checkinPause:
				cancel()
				drainEvents(events, cp)
				return runPaused, nil
			case checkinFinishSilently:
				checkinInterval = 0
			}
		}

		if ctx.Err() != nil {
			cancel()
			drainEvents(events, cp)
			return runCancelled, nil
		}
	}

	fmt.Fprintf(d.prompt.out, "Tokens: %d, cost: $%.4f\n", totalTokens, totalCost)

	if ctx.Err() != nil {
		return runCancelled, nil
	}
	if br.IsTripped() {
		return runAborted, nil
	}
	return runCompleted, nil
}

// drainEvents consumes any in-flight results still arriving after a
// pause/cancel so no unit is silently dropped (spec.md §4.6).
func drainEvents(events <-chan engine.Event, cp *checkpoint.Store) {
	for ev := range events {
		if ev.Result != nil {
			_ = cp.Append(*ev.Result)
		}
	}
}

// runPreview samples K units at random, runs them sequentially, prints
// their outcomes, and asks whether to continue to the full run
// (spec.md §6.1 "--preview <k>: run on K randomly sampled units first
// and exit if user declines to continue").
func (d *Driver) runPreview(ctx context.Context, template unit.Template, params RunParams, units []unit.Unit, k int) (bool, error) {
	if k > len(units) {
		k = len(units)
	}
	sample := sampleUnits(units, k)

	br := breaker.New(0) // preview never trips the breaker into the full run
	eng := engine.New(d.client, br, engine.Options{
		Template:     template,
		LMParams:     params.lmParams(),
		Mode:         engine.Sequential,
		ParseRetries: params.ParseRetries,
		PostProcess:  params.PostProcess,
		Prices:       d.prices,
	})

	fmt.Fprintf(d.prompt.out, "Preview: running %d sampled unit(s)\n", len(sample))
	events, _ := eng.Run(ctx, newSliceSource(sample))
	for ev := range events {
		if ev.Result == nil {
			continue
		}
		r := *ev.Result
		switch {
		case r.Failed():
			fmt.Fprintf(d.prompt.out, "[%d] error: %s\n", r.Idx, r.Error)
		case !r.Parsed():
			fmt.Fprintf(d.prompt.out, "[%d] parse_error: %s\n", r.Idx, r.ParseError)
		default:
			fmt.Fprintf(d.prompt.out, "[%d] result: %s\n", r.Idx, r.Text)
		}
	}

	return d.prompt.confirm("Continue with the full run?"), nil
}

func sampleUnits(units []unit.Unit, k int) []unit.Unit {
	if k >= len(units) {
		out := make([]unit.Unit, len(units))
		copy(out, units)
		return out
	}
	idx := rand.Perm(len(units))[:k]
	out := make([]unit.Unit, 0, k)
	picked := make(map[int]struct{}, k)
	for _, i := range idx {
		picked[i] = struct{}{}
	}
	for i, u := range units {
		if _, ok := picked[i]; ok {
			out = append(out, u)
		}
	}
	return out
}

// materialize reads the full deduplicated result set back from the
// checkpoint and writes it to the final output file via the jsonl
// adapter's sink (spec.md §4.8 step 6's CLI analog).
func (d *Driver) materialize(ctx context.Context, outputPath string, cp *checkpoint.Store) error {
	results, err := cp.ReadAll()
	if err != nil {
		return err
	}
	dir := filepath.Dir(outputPath)
	if dir == "" {
		dir = "."
	}
	ad := &jsonl.Adapter{Policy: adapter.PathPolicy{Root: dir}, Output: filepath.Base(outputPath)}
	sink, err := ad.OpenSink(ctx)
	if err != nil {
		return err
	}
	if err := sink.WriteResults(ctx, results); err != nil {
		_ = sink.Close()
		return err
	}
	return sink.Close()
}

// openInputSource opens path as a jsonl adapter Source rooted at the
// input file's own directory, so both relative and absolute paths
// resolve without escaping-root false positives (spec.md §4.1).
func openInputSource(path string) (adapter.Source, func(), error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, func() {}, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, func() {}, fmt.Errorf("cli: input %q: %w", path, err)
	}
	dir, name := filepath.Split(abs)
	ad := &jsonl.Adapter{Policy: adapter.PathPolicy{Root: dir}, Input: name}
	src, err := ad.Open(context.Background())
	if err != nil {
		return nil, func() {}, err
	}
	return src, func() { _ = src.Close() }, nil
}
