package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/batchlm/engine/internal/batch/lm/mock"
	"github.com/batchlm/engine/internal/batch/postprocess"
	"github.com/batchlm/engine/internal/batch/usage"
	"github.com/batchlm/engine/internal/objectstore"
	"github.com/batchlm/engine/internal/platform/logger"
	"github.com/batchlm/engine/internal/queue"
	"github.com/batchlm/engine/internal/queue/gormqueue"
	"github.com/batchlm/engine/internal/secrets"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func sqliteDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&queue.Job{}, &queue.Task{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if err := usage.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate usage: %v", err)
	}
	return db
}

func testVault(t *testing.T) *secrets.Vault {
	t.Helper()
	v, err := secrets.NewVault(strings.Repeat("ab", 32), "dispatcher-test", time.Hour)
	if err != nil {
		t.Fatalf("secrets.NewVault: %v", err)
	}
	return v
}

func newTestDispatcher(t *testing.T, client *mock.Client) (*Dispatcher, queue.JobStore, queue.TaskStore, objectstore.Store, *secrets.Vault) {
	t.Helper()
	db := sqliteDB(t)
	log := testLogger(t)
	jobs := gormqueue.NewJobStore(db, log)
	tasks := gormqueue.NewTaskStore(db, log)
	store := objectstore.NewMemStore()
	vault := testVault(t)
	ledger := usage.NewGormLedger(db)

	d := New(tasks, jobs, store, vault, ledger, nil, client, log, nil, Options{
		CheckpointRoot: t.TempDir(),
	})
	return d, jobs, tasks, store, vault
}

func seedJob(t *testing.T, jobs queue.JobStore, id string) {
	t.Helper()
	if err := jobs.Create(&queue.Job{ID: id, OwnerID: "owner-1", Status: queue.JobPending}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func makeTask(t *testing.T, vault *secrets.Vault, store objectstore.Store, jobID, inputKey, outputKey, input string) *queue.Task {
	t.Helper()
	ctx := context.Background()
	if err := store.Upload(ctx, inputKey, strings.NewReader(input)); err != nil {
		t.Fatalf("seed input: %v", err)
	}
	ref, err := vault.Issue("owner-1", "sk-test-key")
	if err != nil {
		t.Fatalf("vault.Issue: %v", err)
	}
	payload, err := encodePayload(TaskPayload{
		OwnerID:         "owner-1",
		CredentialRef:   ref,
		Model:           "gpt-test",
		Template:        "Say hi to {name}",
		MaxTokens:       100,
		TimeoutSeconds:  30,
		Mode:            "sequential",
		Concurrency:     1,
		ParseRetries:    0,
		PostProcess:     postprocess.Options{},
		CircuitBreaker:  0,
		InputObjectKey:  inputKey,
		OutputObjectKey: outputKey,
	})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	return &queue.Task{
		ID: uuid.NewString(), JobID: jobID, Queue: "default", Status: queue.TaskClaimed,
		Payload: payload, MaxAttempts: 5, Attempts: 1,
	}
}

func TestProcessTaskCompletesSuccessfully(t *testing.T) {
	client := mock.New()
	d, jobs, tasks, store, vault := newTestDispatcher(t, client)

	seedJob(t, jobs, "job-1")
	input := `{"name":"Ada"}` + "\n"
	task := makeTask(t, vault, store, "job-1", "job-1/input.jsonl", "job-1/output.jsonl", input)
	if err := tasks.Create(task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.processTask(context.Background(), task)

	job, err := jobs.GetByID("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != queue.JobCompleted {
		t.Fatalf("expected job completed, got %q (error=%q)", job.Status, job.ErrorMessage)
	}
	if job.Processed != 1 || job.Failed != 0 {
		t.Fatalf("expected processed=1 failed=0, got processed=%d failed=%d", job.Processed, job.Failed)
	}

	gotTask, err := tasks.GetByID(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.Status != queue.TaskCompleted {
		t.Fatalf("expected task completed, got %q", gotTask.Status)
	}

	r, err := store.Download(context.Background(), "job-1/output.jsonl")
	if err != nil {
		t.Fatalf("download output: %v", err)
	}
	defer r.Close()
	var out map[string]any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		t.Fatalf("decode output line: %v", err)
	}
	if out["result"] == nil {
		t.Fatalf("expected a non-empty result field, got %v", out)
	}
}

func TestProcessTaskFailsOnBadCredentialReference(t *testing.T) {
	client := mock.New()
	d, jobs, tasks, store, _ := newTestDispatcher(t, client)

	seedJob(t, jobs, "job-2")
	input := `{"name":"Ada"}` + "\n"
	if err := store.Upload(context.Background(), "job-2/input.jsonl", strings.NewReader(input)); err != nil {
		t.Fatalf("seed input: %v", err)
	}
	payload, err := encodePayload(TaskPayload{
		OwnerID: "owner-1", CredentialRef: "not-a-real-jwt",
		Model: "gpt-test", Template: "Say hi to {name}",
		Mode: "sequential", InputObjectKey: "job-2/input.jsonl", OutputObjectKey: "job-2/output.jsonl",
	})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	task := &queue.Task{ID: uuid.NewString(), JobID: "job-2", Queue: "default", Status: queue.TaskClaimed, Payload: payload, MaxAttempts: 5, Attempts: 1}
	if err := tasks.Create(task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.processTask(context.Background(), task)

	job, err := jobs.GetByID("job-2")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != queue.JobFailed {
		t.Fatalf("expected job failed, got %q", job.Status)
	}
}

func TestFailTaskMarksDeadLetterWhenAttemptsExhausted(t *testing.T) {
	client := mock.New()
	d, jobs, tasks, _, _ := newTestDispatcher(t, client)

	seedJob(t, jobs, "job-3")
	task := &queue.Task{ID: uuid.NewString(), JobID: "job-3", Queue: "default", Status: queue.TaskClaimed, Attempts: 5, MaxAttempts: 5}
	if err := tasks.Create(task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.finishFailed(task, "boom")

	got, err := tasks.GetByID(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != queue.TaskDeadLetter {
		t.Fatalf("expected dead_letter, got %q", got.Status)
	}
}
