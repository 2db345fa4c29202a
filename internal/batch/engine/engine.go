// Package engine orchestrates per-unit execution through
// render -> LM -> post-process, in either sequential or bounded-
// parallel mode, integrating the circuit breaker and parse-retry
// budget (spec.md §4.6).
package engine

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/batchlm/engine/internal/batch/adapter"
	"github.com/batchlm/engine/internal/batch/breaker"
	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/batch/postprocess"
	"github.com/batchlm/engine/internal/batch/render"
	"github.com/batchlm/engine/internal/batch/unit"
)

// tracer emits the per-unit render->LM->post-process spans (spec.md
// §13 "OpenTelemetry tracing across render->LM->post-process->write").
// otel's default global TracerProvider is a safe no-op until
// internal/platform/tracing.Init is called at process startup.
var tracer = otel.Tracer("github.com/batchlm/engine/internal/batch/engine")

// Mode selects the engine's dispatch strategy (spec.md §4.6).
type Mode int

const (
	Sequential Mode = iota
	Parallel
)

// Options are the explicit, enumerated tunables for one engine run
// (spec.md §9 "model as an explicit parameter struct").
type Options struct {
	Template     unit.Template
	LMParams     lm.Params
	Mode         Mode
	Concurrency  int // parallel only; must be >= 1
	ParseRetries int
	PostProcess  postprocess.Options
	Prices       lm.PriceTable
}

// Event is yielded by Run for each unit outcome, or as a distinguished
// breaker-tripped notification (spec.md §4.6 "surfaces breaker trips
// as a distinguished event").
type Event struct {
	Result         *unit.Result
	BreakerTripped *breaker.Snapshot
}

// Engine drives units through the pipeline for a single invocation.
// A fresh Engine (and fresh Breaker) is created per run; resume
// creates a new instance (spec.md §3 "Circuit-breaker state... lives
// for the life of one engine invocation").
type Engine struct {
	client  lm.Client
	breaker *breaker.Breaker
	opts    Options
}

// execResult carries one in-flight execution's outcome plus whether
// it counts against the breaker, from a parallel worker goroutine
// back to the collector loop.
type execResult struct {
	result unit.Result
	fatal  bool
}

func New(client lm.Client, br *breaker.Breaker, opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Engine{client: client, breaker: br, opts: opts}
}

// Control lets the caller respond to a breaker-tripped event: Resume
// clears the breaker and continues dispatch on the same cancellation
// token; Abort stops the run (spec.md §4.6).
type Control struct {
	resume chan struct{}
	abort  chan struct{}
	once   sync.Once
}

func newControl() *Control {
	return &Control{resume: make(chan struct{}, 1), abort: make(chan struct{})}
}

func (c *Control) Resume() {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

func (c *Control) Abort() {
	c.once.Do(func() { close(c.abort) })
}

// Run drives src through the pipeline and returns a channel of
// Events and a Control for responding to breaker trips. The channel
// is closed when the run completes, is aborted, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, src adapter.Source) (<-chan Event, *Control) {
	events := make(chan Event, 1)
	ctrl := newControl()

	go func() {
		defer close(events)
		if e.opts.Mode == Parallel && e.opts.Concurrency > 1 {
			e.runParallel(ctx, src, events, ctrl)
		} else {
			e.runSequential(ctx, src, events, ctrl)
		}
	}()

	return events, ctrl
}

func (e *Engine) runSequential(ctx context.Context, src adapter.Source, events chan<- Event, ctrl *Control) {
	for {
		if ctx.Err() != nil {
			return
		}
		u, ok, err := src.Next(ctx)
		if err != nil || !ok {
			return
		}

		result, fatal := e.execute(ctx, u)
		if fatal {
			e.breaker.RecordFailure(result.Error, u.Idx)
		} else if result.Error == "" {
			e.breaker.RecordSuccess()
		}

		select {
		case events <- Event{Result: &result}:
		case <-ctx.Done():
			return
		}

		if fatal && e.breaker.IsTripped() {
			if !e.awaitResumeOrAbort(ctx, events, ctrl) {
				return
			}
		}
	}
}

// runParallel bounds outstanding execute() invocations with a weighted
// semaphore (golang.org/x/sync/semaphore, SPEC_FULL.md §12); results
// are yielded in completion order, each still carrying its original
// _idx (spec.md §4.6, §5). The reorder window is left to the reader
// (checkpoint.ReadAll), per the Open Question decision recorded in
// DESIGN.md.
func (e *Engine) runParallel(ctx context.Context, src adapter.Source, events chan<- Event, ctrl *Control) {
	sem := semaphore.NewWeighted(int64(e.opts.Concurrency))
	results := make(chan execResult)

	var wg sync.WaitGroup
	submitCtx, stopSubmitting := context.WithCancel(ctx)
	defer stopSubmitting()

	// gate is held by the collector while a breaker trip awaits the
	// caller's Resume or Abort, so no new unit is dispatched meanwhile.
	var gate sync.Mutex

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if submitCtx.Err() != nil {
				return
			}
			u, ok, err := src.Next(submitCtx)
			if err != nil || !ok {
				return
			}
			if err := sem.Acquire(submitCtx, 1); err != nil {
				return
			}
			gate.Lock()
			gate.Unlock()
			if submitCtx.Err() != nil {
				sem.Release(1)
				return
			}
			wg.Add(1)
			go func(u unit.Unit) {
				defer wg.Done()
				defer sem.Release(1)
				r, fatal := e.execute(ctx, u)
				select {
				case results <- execResult{result: r, fatal: fatal}:
				case <-ctx.Done():
				}
			}(u)
		}
	}()

	go func() {
		<-done
		wg.Wait()
		close(results)
	}()

	for {
		select {
		case er, ok := <-results:
			if !ok {
				<-done
				return
			}
			r, fatal := er.result, er.fatal
			if fatal {
				e.breaker.RecordFailure(r.Error, r.Idx)
			} else if r.Error == "" {
				e.breaker.RecordSuccess()
			}

			rCopy := r
			select {
			case events <- Event{Result: &rCopy}:
			case <-ctx.Done():
				return
			}

			if fatal && e.breaker.IsTripped() {
				gate.Lock()
				resumed := e.awaitResumeOrAbort(ctx, events, ctrl)
				if !resumed {
					stopSubmitting()
				}
				gate.Unlock()
				if !resumed {
					// emit remaining in-flight results before returning,
					// so no unit is silently dropped (spec.md §4.6
					// "in-flight units never become silent").
					for er := range results {
						rest := er.result
						select {
						case events <- Event{Result: &rest}:
						case <-ctx.Done():
							return
						}
					}
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// awaitResumeOrAbort surfaces a breaker-tripped event and blocks until
// the caller calls Control.Resume, Control.Abort, or ctx is cancelled.
// Returns true to continue dispatch, false to stop.
func (e *Engine) awaitResumeOrAbort(ctx context.Context, events chan<- Event, ctrl *Control) bool {
	snap := e.breaker.Status()
	select {
	case events <- Event{BreakerTripped: &snap}:
	case <-ctx.Done():
		return false
	}

	select {
	case <-ctrl.resume:
		e.breaker.Reset()
		return true
	case <-ctrl.abort:
		return false
	case <-ctx.Done():
		return false
	}
}

// execute runs the per-unit pipeline: render -> LM -> post-process,
// looping on parse failure up to ParseRetries additional calls
// (spec.md §4.6 "execute(unit)"). The returned bool reports whether
// the outcome counts against the circuit breaker: render failures
// never do; LM failures (fatal or retry-exhausted) always do; parse
// failures never do (spec.md §4.5, §7).
func (e *Engine) execute(ctx context.Context, u unit.Unit) (result unit.Result, fatal bool) {
	ctx, span := tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.Int64("batchlm.unit_idx", int64(u.Idx)),
		attribute.String("batchlm.model", e.opts.LMParams.Model),
	))
	defer func() {
		span.SetAttributes(attribute.Int("batchlm.attempts", result.Attempts))
		if result.Error != "" {
			span.SetStatus(codes.Error, result.Error)
		} else if result.ParseError != "" {
			span.SetStatus(codes.Error, result.ParseError)
		}
		span.End()
	}()

	prompt, err := renderSpan(ctx, e.opts.Template, u)
	if err != nil {
		return unit.Result{Idx: u.Idx, Fields: u.Fields, Error: err.Error()}, false
	}

	var (
		text    string
		usage   lm.Usage
		lastErr error
	)
	attempts := 0
	for {
		attempts++
		text, usage, lastErr = completeSpan(ctx, e.client, prompt, e.opts.LMParams, attempts)
		if lastErr != nil {
			return e.classifyLMFailure(u, lastErr, attempts), true
		}

		outcome := postprocessSpan(ctx, text, e.opts.PostProcess)
		if outcome.ParseError == "" {
			return e.successResult(u, outcome, usage, attempts, false), false
		}
		if attempts > e.opts.ParseRetries {
			return e.parseFailureResult(u, outcome, usage, attempts, true), false
		}
		// parse-retry: loop back to the LM call (spec.md §4.6 step 3).
	}
}

func renderSpan(ctx context.Context, tmpl unit.Template, u unit.Unit) (string, error) {
	_, span := tracer.Start(ctx, "engine.render")
	defer span.End()
	prompt, err := render.Render(tmpl, u)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return prompt, err
}

func completeSpan(ctx context.Context, client lm.Client, prompt string, params lm.Params, attempt int) (string, lm.Usage, error) {
	ctx, span := tracer.Start(ctx, "engine.lm_complete", trace.WithAttributes(
		attribute.Int("batchlm.attempt", attempt),
	))
	defer span.End()
	text, usage, err := client.CompleteConcurrent(ctx, prompt, params)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.Int64("batchlm.prompt_tokens", int64(usage.PromptTokens)),
			attribute.Int64("batchlm.completion_tokens", int64(usage.CompletionTokens)),
		)
	}
	return text, usage, err
}

func postprocessSpan(ctx context.Context, text string, opts postprocess.Options) postprocess.Outcome {
	_, span := tracer.Start(ctx, "engine.post_process")
	defer span.End()
	outcome := postprocess.Apply(text, opts)
	if outcome.ParseError != "" {
		span.SetAttributes(attribute.String("batchlm.parse_error", outcome.ParseError))
	}
	return outcome
}

func (e *Engine) classifyLMFailure(u unit.Unit, err error, attempts int) unit.Result {
	return unit.Result{
		Idx:      u.Idx,
		Fields:   u.Fields,
		Error:    err.Error(),
		Attempts: attempts,
	}
}

func (e *Engine) successResult(u unit.Unit, outcome postprocess.Outcome, usage lm.Usage, attempts int, retriesExhausted bool) unit.Result {
	fields := mergeFields(u.Fields, outcome.Merged)
	cost, _ := e.cost(usage)
	return unit.Result{
		Idx:              u.Idx,
		Fields:           fields,
		Text:             outcome.RawText,
		Attempts:         attempts,
		RetriesExhausted: retriesExhausted,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          cost,
	}
}

func (e *Engine) parseFailureResult(u unit.Unit, outcome postprocess.Outcome, usage lm.Usage, attempts int, retriesExhausted bool) unit.Result {
	cost, _ := e.cost(usage)
	return unit.Result{
		Idx:              u.Idx,
		Fields:           u.Fields,
		Text:             outcome.RawText,
		ParseError:       outcome.ParseError,
		Attempts:         attempts,
		RetriesExhausted: retriesExhausted,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          cost,
	}
}

func (e *Engine) cost(usage lm.Usage) (float64, bool) {
	if e.opts.Prices == nil {
		return 0, true
	}
	return e.opts.Prices.Cost(e.opts.LMParams.Model, usage.PromptTokens, usage.CompletionTokens)
}

func mergeFields(unitFields, parsed map[string]any) map[string]any {
	out := make(map[string]any, len(unitFields)+len(parsed))
	for k, v := range unitFields {
		out[k] = v
	}
	for k, v := range parsed {
		out[k] = v
	}
	return out
}
