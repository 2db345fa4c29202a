// Package dispatcher drives the engine against persisted tasks,
// adapted from the teacher's internal/jobs/worker.Worker: the same
// ticker-poll-claim-dispatch loop, heartbeat goroutine, and panic
// recovery, generalized from a single job-run handler registry to
// this spec's fixed per-task pipeline (spec.md §4.8).
package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/batchlm/engine/internal/batch/adapter"
	"github.com/batchlm/engine/internal/batch/adapters/jsonl"
	"github.com/batchlm/engine/internal/batch/admission"
	"github.com/batchlm/engine/internal/batch/breaker"
	"github.com/batchlm/engine/internal/batch/checkpoint"
	"github.com/batchlm/engine/internal/batch/engine"
	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/batch/unit"
	"github.com/batchlm/engine/internal/batch/usage"
	"github.com/batchlm/engine/internal/objectstore"
	"github.com/batchlm/engine/internal/platform/dbctx"
	"github.com/batchlm/engine/internal/platform/logger"
	"github.com/batchlm/engine/internal/queue"
	"github.com/batchlm/engine/internal/secrets"
)

// tracer emits the per-task "dispatcher.process_task" span that
// encloses each task's engine run (SPEC_FULL.md §13).
var tracer = otel.Tracer("github.com/batchlm/engine/internal/dispatcher")

// Options configure one Dispatcher instance (spec.md §6.4's queue
// knobs, all carried in platform/config.QueueConfig upstream).
type Options struct {
	Queue                string
	Concurrency          int
	PollInterval         time.Duration
	StaleTaskTimeout     time.Duration
	SweepInterval        time.Duration
	MaxAttempts          int
	HeartbeatInterval    time.Duration
	FlushEveryResults    int
	FlushEveryInterval   time.Duration
	DrainDeadline        time.Duration
	CheckpointRoot       string
	DeadLetterRescanCron string // empty disables the optional cron rescan
}

func (o *Options) setDefaults() {
	if o.Queue == "" {
		o.Queue = "default"
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StaleTaskTimeout <= 0 {
		o.StaleTaskTimeout = 30 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.FlushEveryResults <= 0 {
		o.FlushEveryResults = 25
	}
	if o.FlushEveryInterval <= 0 {
		o.FlushEveryInterval = 5 * time.Second
	}
	if o.DrainDeadline <= 0 {
		o.DrainDeadline = 2 * time.Minute
	}
	if o.CheckpointRoot == "" {
		o.CheckpointRoot = "./data/checkpoints"
	}
}

// Dispatcher is the long-running worker pool described in spec.md
// §4.8: one cooperative polling loop per goroutine, claiming tasks
// under the queue's row-level lock and driving one engine per task.
type Dispatcher struct {
	tasks     queue.TaskStore
	jobs      queue.JobStore
	objStore  objectstore.Store
	vault     *secrets.Vault
	ledger    usage.Ledger
	admission *admission.Checker
	lmClient  lm.Client
	log       *logger.Logger
	metrics   *Metrics
	opts      Options

	wg sync.WaitGroup
}

func New(
	tasks queue.TaskStore,
	jobs queue.JobStore,
	objStore objectstore.Store,
	vault *secrets.Vault,
	ledger usage.Ledger,
	adm *admission.Checker,
	lmClient lm.Client,
	log *logger.Logger,
	metrics *Metrics,
	opts Options,
) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		tasks: tasks, jobs: jobs, objStore: objStore, vault: vault, ledger: ledger,
		admission: adm, lmClient: lmClient,
		log: log.With("component", "Dispatcher"), metrics: metrics, opts: opts,
	}
}

// Start launches the worker pool, the stuck-task sweeper, and
// (optionally) the dead-letter rescan cron. After ctx is cancelled it
// returns once every spawned goroutine has exited, or once
// Options.DrainDeadline passes, whichever comes first; in the second
// case tasks may still be in flight — callers typically run it in its
// own goroutine and cancel ctx to stop it (spec.md §4.8 "Graceful
// shutdown").
func (d *Dispatcher) Start(ctx context.Context) {
	d.log.Info("Starting dispatcher", "queue", d.opts.Queue, "concurrency", d.opts.Concurrency)

	claimant := claimantID()

	for i := 0; i < d.opts.Concurrency; i++ {
		d.wg.Add(1)
		workerID := i + 1
		go func() {
			defer d.wg.Done()
			d.runLoop(ctx, workerID, fmt.Sprintf("%s-%d", claimant, workerID))
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweepLoop(ctx)
	}()

	var c *cron.Cron
	if d.opts.DeadLetterRescanCron != "" {
		c = cron.New()
		_, err := c.AddFunc(d.opts.DeadLetterRescanCron, func() { d.rescanDeadLetter() })
		if err != nil {
			d.log.Warn("invalid dead_letter_rescan_cron, rescan disabled", "error", err)
		} else {
			c.Start()
		}
	}

	<-ctx.Done()
	drainCtx, cancel := context.WithTimeout(context.Background(), d.opts.DrainDeadline)
	defer cancel()
	waitDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		d.log.Info("Dispatcher drained cleanly")
	case <-drainCtx.Done():
		d.log.Warn("Dispatcher drain deadline exceeded, exiting with tasks in flight")
	}
	if c != nil {
		c.Stop()
	}
}

// runLoop is the per-goroutine poll-claim-dispatch cycle (spec.md
// §4.8, §5 "polling with short sleeps between empty polls").
func (d *Dispatcher) runLoop(ctx context.Context, workerID int, claimant string) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			task, err := d.tasks.ClaimNext(d.opts.Queue, claimant, d.opts.MaxAttempts, d.opts.StaleTaskTimeout)
			if err != nil {
				d.log.Warn("ClaimNext failed", "worker_id", workerID, "error", err)
				continue
			}
			if task == nil {
				continue
			}
			if d.metrics != nil {
				d.metrics.TasksClaimed.Inc()
			}

			func() {
				stopHB := d.startHeartbeat(ctx, task.ID)
				defer stopHB()

				defer func() {
					if r := recover(); r != nil {
						d.log.Error("task handler panic", "worker_id", workerID, "task_id", task.ID, "panic", r)
						d.failTask(task, "panic: unexpected error")
					}
				}()

				d.processTask(ctx, task)
			}()
		}
	}
}

func (d *Dispatcher) startHeartbeat(ctx context.Context, taskID string) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(d.opts.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_ = d.tasks.Heartbeat(taskID)
			}
		}
	}()
	return func() { close(done) }
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := d.tasks.SweepStuck(d.opts.StaleTaskTimeout)
			if err != nil {
				d.log.Warn("SweepStuck failed", "error", err)
				continue
			}
			if recovered > 0 {
				d.log.Info("Recovered stuck tasks", "count", recovered)
				if d.metrics != nil {
					d.metrics.StuckTasksRecovered.Add(float64(recovered))
				}
			}
		}
	}
}

// rescanDeadLetter is the operator-triggered convenience described in
// SPEC_FULL.md §13: requeue dead_letter tasks back to pending with a
// reset attempt counter, for manual bulk retry.
func (d *Dispatcher) rescanDeadLetter() {
	n, err := d.tasks.RequeueDeadLetter(d.opts.Queue)
	if err != nil {
		d.log.Warn("dead_letter rescan failed", "error", err)
		return
	}
	if n > 0 {
		d.log.Info("Requeued dead_letter tasks", "count", n)
		if d.metrics != nil {
			d.metrics.DeadLetterRequeued.Add(float64(n))
		}
	}
}

func (d *Dispatcher) failTask(task *queue.Task, sanitizedMsg string) {
	d.finishFailed(task, sanitizedMsg)
}

func claimantID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// processTask runs the full per-task pipeline (spec.md §4.8 steps
// 1-7): decrypt credential, admit, download input, drive the engine,
// checkpoint as it goes, and finalize job/task state. The whole call
// runs inside a "dispatcher.process_task" span (SPEC_FULL.md §13)
// whose children are the engine's per-unit render->LM->post-process
// spans, so a trace backend shows one task's full execution tree.
func (d *Dispatcher) processTask(ctx context.Context, task *queue.Task) {
	ctx, span := tracer.Start(ctx, "dispatcher.process_task", trace.WithAttributes(
		attribute.String("batchlm.job_id", task.JobID),
		attribute.String("batchlm.task_id", task.ID),
	))
	defer span.End()

	log := d.log.With("task_id", task.ID, "job_id", task.JobID)

	fail := func(msg string) {
		span.SetStatus(codes.Error, msg)
		d.failTask(task, msg)
	}

	payload, err := decodePayload(task.Payload)
	if err != nil {
		log.Error("invalid task payload", "error", err)
		fail("invalid task payload")
		return
	}

	dbc := dbctx.Context{Ctx: ctx}

	// Step 1: decrypt the credential reference.
	_, apiKey, err := d.vault.Resolve(payload.CredentialRef)
	if err != nil {
		log.Error("credential resolve failed", "error", err)
		fail("credential resolution failed")
		return
	}
	_ = apiKey // the concrete LM client is constructed once at startup with its own credential; per-task keys would be threaded through a per-task client here in a multi-tenant deployment.

	// Step 2: admission.
	if d.admission != nil {
		if denyErr := d.admission.Admit(dbc, payload.OwnerID, payload.Model, unit.Template(payload.Template), 0); denyErr != nil {
			log.Warn("admission denied", "reason", denyErr.Code)
			fail("admission denied: " + denyErr.Code)
			return
		}
	}

	workDir, err := os.MkdirTemp("", "batchlm-task-*")
	if err != nil {
		log.Error("mkdtemp failed", "error", err)
		fail("internal error preparing task workspace")
		return
	}
	defer os.RemoveAll(workDir)

	// Step 3: download input via the object store, compute total, init progress.
	inputPath := filepath.Join(workDir, "input.jsonl")
	if err := d.downloadInput(ctx, payload.InputObjectKey, inputPath); err != nil {
		log.Error("download input failed", "error", err)
		fail("failed to read job input")
		return
	}
	outputPath := filepath.Join(workDir, "output.jsonl")

	ad := &jsonl.Adapter{Policy: adapter.PathPolicy{Root: workDir}, Input: "input.jsonl", Output: "output.jsonl"}

	cpDir := filepath.Join(d.opts.CheckpointRoot, task.JobID)
	cp, err := checkpoint.Open(cpDir)
	if err != nil {
		log.Error("open checkpoint store failed", "error", err)
		fail("internal error preparing checkpoint")
		return
	}

	total, err := countUnits(inputPath)
	if err != nil {
		log.Error("count units failed", "error", err)
		fail("failed to read job input")
		return
	}
	_ = cp.SaveProgress(checkpoint.Progress{
		JobID: task.JobID, Total: total, StartedAt: time.Now(),
		Template: payload.Template, Model: payload.Model,
	})
	_ = d.jobs.UpdateFields(task.JobID, map[string]interface{}{"status": queue.JobProcessing, "total": total})

	// Step 4: drive the engine.
	br := breaker.New(payload.CircuitBreaker)
	eng := engine.New(d.lmClient, br, engine.Options{
		Template:     unit.Template(payload.Template),
		LMParams:     payload.lmParams(),
		Mode:         payload.engineMode(),
		Concurrency:  payload.Concurrency,
		ParseRetries: payload.ParseRetries,
		PostProcess:  payload.PostProcess,
	})

	src, err := ad.Open(ctx)
	if err != nil {
		log.Error("open adapter source failed", "error", err)
		fail("failed to open job input")
		return
	}
	defer src.Close()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	events, ctrl := eng.Run(runCtx, src)

	processed, failed := 0, 0
	sinceFlush := 0
	lastFlush := time.Now()
	breakerAborted := false

	for ev := range events {
		if d.cancellationRequested(task.JobID) {
			cancelRun()
		}

		if ev.BreakerTripped != nil {
			// Server dispatcher context: a breaker trip fails the task
			// outright rather than prompting interactively (spec.md §7
			// "Breaker trip... server dispatcher fails the task").
			log.Warn("circuit breaker tripped, failing task", "consecutive_failures", ev.BreakerTripped.ConsecutiveFailures)
			if d.metrics != nil {
				d.metrics.BreakerTrips.Inc()
			}
			breakerAborted = true
			ctrl.Abort()
			continue
		}

		r := *ev.Result
		if err := cp.Append(r); err != nil {
			log.Error("checkpoint append failed", "idx", r.Idx, "error", err)
		}
		if r.Failed() {
			failed++
			if d.metrics != nil {
				d.metrics.UnitsFailed.Inc()
			}
		} else {
			processed++
			if d.metrics != nil {
				d.metrics.UnitsProcessed.Inc()
			}
			if r.Attempts > 1 && d.metrics != nil {
				d.metrics.UnitsParseRetried.Inc()
			}
			if d.ledger != nil && r.CostUSD > 0 {
				_ = d.ledger.Record(dbc, payload.OwnerID, task.JobID, payload.Model, lm.Usage{
					PromptTokens: r.PromptTokens, CompletionTokens: r.CompletionTokens, CostUSD: r.CostUSD,
				})
			}
		}

		sinceFlush++
		if sinceFlush >= d.opts.FlushEveryResults || time.Since(lastFlush) >= d.opts.FlushEveryInterval {
			_ = d.jobs.UpdateFields(task.JobID, map[string]interface{}{"processed": processed, "failed": failed})
			sinceFlush, lastFlush = 0, time.Now()
		}
	}

	_ = d.jobs.UpdateFields(task.JobID, map[string]interface{}{"processed": processed, "failed": failed})

	failFinal := func(msg string) {
		span.SetStatus(codes.Error, msg)
		d.finishFailed(task, msg)
	}

	if breakerAborted {
		failFinal("processing aborted after circuit breaker trip")
		return
	}
	if runCtx.Err() != nil && ctx.Err() == nil {
		// cancelRun was invoked above because the job's status moved to
		// cancelled, not because the parent (process-lifetime) context died.
		d.finishCancelled(task)
		return
	}
	if ctx.Err() != nil {
		d.finishCancelled(task)
		return
	}

	// Step 6: materialize final output and upload.
	results, err := cp.ReadAll()
	if err != nil {
		log.Error("checkpoint read_all failed", "error", err)
		failFinal("failed to materialize job output")
		return
	}
	sink, err := ad.OpenSink(ctx)
	if err != nil {
		log.Error("open adapter sink failed", "error", err)
		failFinal("failed to write job output")
		return
	}
	if err := sink.WriteResults(ctx, results); err != nil {
		_ = sink.Close()
		log.Error("write results failed", "error", err)
		failFinal("failed to write job output")
		return
	}
	if err := sink.Close(); err != nil {
		log.Error("close sink failed", "error", err)
	}
	if err := d.uploadOutput(ctx, payload.OutputObjectKey, outputPath); err != nil {
		log.Error("upload output failed", "error", err)
		failFinal("failed to store job output")
		return
	}

	_ = d.jobs.UpdateFields(task.JobID, map[string]interface{}{"status": queue.JobCompleted})
	_ = d.tasks.UpdateFields(task.ID, map[string]interface{}{"status": queue.TaskCompleted})
	if d.metrics != nil {
		d.metrics.TasksCompleted.Inc()
	}
	log.Info("task completed", "processed", processed, "failed", failed)
}

func (d *Dispatcher) cancellationRequested(jobID string) bool {
	job, err := d.jobs.GetByID(jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == queue.JobCancelled
}

func (d *Dispatcher) finishCancelled(task *queue.Task) {
	_ = d.tasks.UpdateFields(task.ID, map[string]interface{}{"status": queue.TaskCompleted, "last_error": "cancelled"})
	_ = d.jobs.UpdateFields(task.JobID, map[string]interface{}{"status": queue.JobCancelled})
}

func (d *Dispatcher) finishFailed(task *queue.Task, sanitizedMsg string) {
	newStatus := queue.TaskFailed
	if task.MaxAttempts > 0 && task.Attempts >= task.MaxAttempts {
		newStatus = queue.TaskDeadLetter
		if d.metrics != nil {
			d.metrics.TasksDeadLettered.Inc()
		}
	}
	_ = d.tasks.UpdateFields(task.ID, map[string]interface{}{"status": newStatus, "last_error": sanitizedMsg})
	_ = d.jobs.UpdateFields(task.JobID, map[string]interface{}{"status": queue.JobFailed, "error_message": sanitizedMsg})
	if d.metrics != nil {
		d.metrics.TasksFailed.Inc()
	}
}

func (d *Dispatcher) downloadInput(ctx context.Context, key, localPath string) error {
	r, err := d.objStore.Download(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) uploadOutput(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return d.objStore.Upload(ctx, key, f)
}

// NewTaskID is a small convenience for callers enqueuing tasks.
func NewTaskID() string { return uuid.NewString() }

// countUnits reports the number of non-empty JSONL lines in path, used
// to seed a checkpoint's progress total before the engine starts
// (spec.md §4.7 "a progress record... Total").
func countUnits(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("dispatcher: count units: %w", err)
	}
	return n, nil
}
