package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/repo"
	"github.com/clipforge-labs/clipforge-go/internal/service/credits"
	"github.com/clipforge-labs/clipforge-go/internal/service/retry"
	"github.com/clipforge-labs/clipforge-go/internal/storage/blobstore"
)

type pipelineAPI struct {
	logger      *slog.Logger
	jobs        repo.JobRepository
	checkpoints repo.CheckpointRepository
	coordinator *retry.Coordinator
	credits     *credits.Service
	artifacts   blobstore.Store
	presignTTL  time.Duration
	maxBody     int64
}

const defaultMaxBodyBytes = 1 << 20

func newPipelineAPI(logger *slog.Logger, jobs repo.JobRepository, checkpoints repo.CheckpointRepository, coordinator *retry.Coordinator, creditsSvc *credits.Service, artifacts blobstore.Store, presignTTL time.Duration, maxBody int64) *pipelineAPI {
	if maxBody < 1 {
		maxBody = defaultMaxBodyBytes
	}
	return &pipelineAPI{
		logger:      logger,
		jobs:        jobs,
		checkpoints: checkpoints,
		coordinator: coordinator,
		credits:     creditsSvc,
		artifacts:   artifacts,
		presignTTL:  presignTTL,
		maxBody:     maxBody,
	}
}

func (api *pipelineAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/jobs", api.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", api.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{job_id}", api.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{job_id}/retry", api.handleRetryJob)
	mux.HandleFunc("POST /v1/jobs/{job_id}/cancel", api.handleCancelJob)
	mux.HandleFunc("GET /v1/jobs/{job_id}/artifacts/{step}", api.handleJobArtifacts)

	mux.HandleFunc("GET /v1/users/{user_id}/balance", api.handleBalance)
	mux.HandleFunc("GET /v1/users/{user_id}/ledger", api.handleLedger)
	mux.HandleFunc("POST /v1/users/{user_id}/credits", api.handlePurchaseCredits)
}

type jobView struct {
	JobID            string             `json:"job_id"`
	UserID           string             `json:"user_id"`
	ProjectID        string             `json:"project_id"`
	Status           string             `json:"status"`
	Progress         int                `json:"progress"`
	RequestedMinutes int                `json:"requested_minutes"`
	ReservedCredits  int64              `json:"reserved_credits"`
	ReservationID    string             `json:"reservation_id,omitempty"`
	Checkpoint       *domain.Checkpoint `json:"checkpoint,omitempty"`
	FailedStep       string             `json:"failed_step,omitempty"`
	FailureReason    string             `json:"failure_reason,omitempty"`
	RetryOfJobID     string             `json:"retry_of_job_id,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

func viewOfJob(job domain.Job) jobView {
	return jobView{
		JobID:            job.ID,
		UserID:           job.UserID,
		ProjectID:        job.ProjectID,
		Status:           string(job.Status),
		Progress:         job.Progress,
		RequestedMinutes: job.RequestedMinutes,
		ReservedCredits:  job.ReservedCredits,
		ReservationID:    job.ReservationID,
		Checkpoint:       job.Checkpoint,
		FailedStep:       string(job.FailedStep),
		FailureReason:    job.FailureReason,
		RetryOfJobID:     job.RetryOfJobID,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}

type submitJobRequest struct {
	UserID           string `json:"user_id"`
	ProjectID        string `json:"project_id"`
	RequestedMinutes int    `json:"requested_minutes"`
}

func (api *pipelineAPI) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := api.decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	job, err := api.coordinator.Submit(r.Context(), retry.SubmitRequest{
		UserID:           strings.TrimSpace(req.UserID),
		ProjectID:        strings.TrimSpace(req.ProjectID),
		RequestedMinutes: req.RequestedMinutes,
	})
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, viewOfJob(job))
}

func (api *pipelineAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repo.JobFilter{
		UserID:    strings.TrimSpace(r.URL.Query().Get("user_id")),
		ProjectID: strings.TrimSpace(r.URL.Query().Get("project_id")),
	}
	if filter.UserID == "" && filter.ProjectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "user_id_or_project_id_required")
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		normalized := domain.NormalizeJobStatus(status)
		if normalized == "" {
			api.writeError(w, r, http.StatusBadRequest, "unknown_status")
			return
		}
		filter.Status = normalized
	}
	jobs, err := api.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOfJob(job))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (api *pipelineAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.GetJob(r.Context(), r.PathValue("job_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, viewOfJob(job))
}

type retryJobRequest struct {
	Kind       string `json:"kind"`
	TargetStep string `json:"target_step,omitempty"`
}

func (api *pipelineAPI) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	var req retryJobRequest
	if err := api.decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	kind, ok := domain.ParseRetryKind(req.Kind)
	if !ok {
		api.writeError(w, r, http.StatusBadRequest, "unknown_retry_kind")
		return
	}
	var target domain.Step
	if req.TargetStep != "" {
		target, ok = domain.ParseStep(req.TargetStep)
		if !ok {
			api.writeError(w, r, http.StatusBadRequest, "unknown_step")
			return
		}
	}
	job, err := api.coordinator.Retry(r.Context(), domain.RetryRequest{
		JobID:      r.PathValue("job_id"),
		Kind:       kind,
		TargetStep: target,
	})
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, viewOfJob(job))
}

func (api *pipelineAPI) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := api.coordinator.Cancel(r.Context(), r.PathValue("job_id")); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type artifactView struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url"`
}

func (api *pipelineAPI) handleJobArtifacts(w http.ResponseWriter, r *http.Request) {
	step, ok := domain.ParseStep(r.PathValue("step"))
	if !ok {
		api.writeError(w, r, http.StatusBadRequest, "unknown_step")
		return
	}
	checkpoint, err := api.checkpoints.Get(r.Context(), r.PathValue("job_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	refs := checkpoint.Artifacts[step]
	if len(refs) == 0 {
		api.writeError(w, r, http.StatusNotFound, "no_artifacts_for_step")
		return
	}
	views := make([]artifactView, 0, len(refs))
	for _, ref := range refs {
		url, err := api.artifacts.SignedURL(r.Context(), ref.Key, api.presignTTL)
		if err != nil {
			api.logger.Error("presign artifact", "key", ref.Key, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "presign_failed")
			return
		}
		views = append(views, artifactView{
			Key:         ref.Key,
			ContentType: ref.ContentType,
			Size:        ref.Size,
			URL:         url,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"step":      string(step),
		"artifacts": views,
	})
}

func (api *pipelineAPI) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	balance, err := api.credits.Balance(r.Context(), userID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

type ledgerEntryView struct {
	EntryID       string    `json:"entry_id"`
	JobID         string    `json:"job_id,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (api *pipelineAPI) handleLedger(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	entries, err := api.credits.Entries(r.Context(), userID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	views := make([]ledgerEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, ledgerEntryView{
			EntryID:       entry.ID,
			JobID:         entry.JobID,
			ReservationID: entry.ReservationID,
			Type:          string(entry.Type),
			Amount:        entry.Amount,
			BalanceAfter:  entry.BalanceAfter,
			Note:          entry.Note,
			CreatedAt:     entry.CreatedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"entries": views,
	})
}

type purchaseRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note,omitempty"`
}

func (api *pipelineAPI) handlePurchaseCredits(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := api.decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Amount < 1 {
		api.writeError(w, r, http.StatusBadRequest, "amount_must_be_positive")
		return
	}
	entry, err := api.credits.Purchase(r.Context(), r.PathValue("user_id"), req.Amount, req.Note)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, ledgerEntryView{
		EntryID:      entry.ID,
		Type:         string(entry.Type),
		Amount:       entry.Amount,
		BalanceAfter: entry.BalanceAfter,
		Note:         entry.Note,
		CreatedAt:    entry.CreatedAt,
	})
}

// writeDomainError maps service errors onto HTTP statuses: missing records
// are 404, credit shortfalls 402, lifecycle conflicts 409 and everything
// the caller got wrong 400.
func (api *pipelineAPI) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrInsufficientCredits):
		api.writeError(w, r, http.StatusPaymentRequired, "insufficient_credits")
	case errors.Is(err, domain.ErrNoRetriableJob):
		api.writeError(w, r, http.StatusConflict, "no_retriable_job")
	case errors.Is(err, domain.ErrCheckpointNotEligible):
		api.writeError(w, r, http.StatusConflict, "checkpoint_not_eligible")
	case errors.Is(err, domain.ErrStepNotRetriable):
		api.writeError(w, r, http.StatusConflict, "step_not_retriable")
	case errors.Is(err, domain.ErrOutOfOrderCheckpoint):
		api.writeError(w, r, http.StatusConflict, "checkpoint_conflict")
	default:
		api.logger.Error("request failed", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusBadRequest, "invalid_request")
	}
}

func (api *pipelineAPI) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, api.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *pipelineAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *pipelineAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
