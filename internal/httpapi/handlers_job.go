package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/batchlm/engine/internal/batch/admission"
	"github.com/batchlm/engine/internal/batch/unit"
	"github.com/batchlm/engine/internal/dispatcher"
	"github.com/batchlm/engine/internal/httpapi/response"
	"github.com/batchlm/engine/internal/platform/apierr"
	"github.com/batchlm/engine/internal/platform/dbctx"
	"github.com/batchlm/engine/internal/platform/logger"
	"github.com/batchlm/engine/internal/queue"
	"github.com/batchlm/engine/internal/secrets"
)

// JobHandler exposes job CRUD and admission pre-checks over the queue
// this control plane shares with internal/dispatcher (spec.md §6.2,
// adapted from the teacher's internal/http/handlers/job.go).
type JobHandler struct {
	log       *logger.Logger
	jobs      queue.JobStore
	tasks     queue.TaskStore
	vault     *secrets.Vault
	admission *admission.Checker
	defaultMaxAttempts int
}

func NewJobHandler(log *logger.Logger, jobs queue.JobStore, tasks queue.TaskStore, vault *secrets.Vault, adm *admission.Checker, defaultMaxAttempts int) *JobHandler {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 5
	}
	return &JobHandler{
		log: log.With("handler", "JobHandler"), jobs: jobs, tasks: tasks,
		vault: vault, admission: adm, defaultMaxAttempts: defaultMaxAttempts,
	}
}

// POST /api/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := validateJobCreate(raw); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req, err := decodeJSON[jobCreateRequest](raw)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req.applyDefaults()

	if apiErr := h.admission.Admit(dbctx.Context{Ctx: c.Request.Context()}, req.OwnerID, req.Model, unit.Template(req.Template), req.TotalUnits); apiErr != nil {
		respondAPIErr(c, apiErr)
		return
	}

	ref, err := h.vault.Issue(req.OwnerID, req.APIKey)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "credential_issue_failed", err)
		return
	}

	now := time.Now()
	job := &queue.Job{
		ID: uuid.NewString(), OwnerID: req.OwnerID, Model: req.Model, Template: req.Template,
		Concurrency: req.Concurrency, MaxTokens: req.MaxTokens, MaxUnits: req.TotalUnits,
		Status: queue.JobPending, Total: req.TotalUnits, CreatedAt: now, UpdatedAt: now,
	}
	if err := h.jobs.Create(job); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "job_create_failed", err)
		return
	}

	payload := dispatcher.TaskPayload{
		OwnerID: req.OwnerID, CredentialRef: ref, Model: req.Model, Template: req.Template,
		MaxTokens: req.MaxTokens, Temperature: req.Temperature, TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries: req.MaxRetries, Mode: req.Mode, Concurrency: req.Concurrency,
		ParseRetries: req.ParseRetries, PostProcess: req.PostProcess, CircuitBreaker: req.CircuitBreaker,
		InputObjectKey: req.InputObjectKey, OutputObjectKey: req.OutputObjectKey,
	}
	encoded, err := dispatcher.EncodeTaskPayload(payload)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "payload_encode_failed", err)
		return
	}
	task := &queue.Task{
		ID: dispatcher.NewTaskID(), JobID: job.ID, Queue: req.Queue, Status: queue.TaskPending,
		Payload: encoded, MaxAttempts: h.defaultMaxAttempts, ScheduledAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := h.tasks.Create(task); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "task_create_failed", err)
		return
	}

	response.RespondOK(c, gin.H{"job": toJobView(job), "task_id": task.ID})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetByID(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	if job == nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found", nil)
		return
	}
	response.RespondOK(c, gin.H{"job": toJobView(job)})
}

// POST /api/jobs/:id/cancel marks the job cancelled; the dispatcher
// observes this on its next cancellationRequested check mid-task
// (spec.md §4.8 "a job marked cancelled... is honored at the next
// cooperative checkpoint").
func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	job, err := h.jobs.GetByID(id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	if job == nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found", nil)
		return
	}
	if err := h.jobs.UpdateFields(id, map[string]interface{}{"status": queue.JobCancelled}); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "job_cancel_failed", err)
		return
	}
	job.Status = queue.JobCancelled
	response.RespondOK(c, gin.H{"job": toJobView(job)})
}

// POST /api/admission/check is a dry run of the same policy CreateJob
// enforces, letting a caller validate a prospective job before
// uploading its input file (spec.md §6.2).
func (h *JobHandler) CheckAdmission(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	req, err := decodeJSON[admissionCheckRequest](raw)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if apiErr := h.admission.Admit(dbctx.Context{Ctx: c.Request.Context()}, req.OwnerID, req.Model, unit.Template(req.Template), req.TotalUnits); apiErr != nil {
		respondAPIErr(c, apiErr)
		return
	}
	response.RespondOK(c, gin.H{"allowed": true})
}

func toJobView(j *queue.Job) jobView {
	return jobView{
		ID: j.ID, OwnerID: j.OwnerID, Model: j.Model, Status: j.Status,
		Total: j.Total, Processed: j.Processed, Failed: j.Failed,
		ErrorMessage: j.ErrorMessage, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func respondAPIErr(c *gin.Context, e *apierr.Error) {
	response.RespondError(c, e.Status, e.Code, e.Err)
}
