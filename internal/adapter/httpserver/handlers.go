package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

type loginRequest struct {
	ClientID string `json:"client_id" validate:"required"`
	APIKey   string `json:"api_key" validate:"required"`
}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
}

// Login exchanges a (client_id, api_key) pair for a bearer token.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	id, err := s.Auth.CheckCredentials(r.Context(), req.ClientID, req.APIKey)
	if err != nil {
		writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "invalid credentials", nil)
		return
	}
	token, err := s.Auth.IssueToken(id.ClientID, id.Scopes)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int(tokenTTL.Seconds()),
	})
}

type enqueueFollowingsRequest struct {
	TargetUsername string         `json:"target_username" validate:"required"`
	Limit          int            `json:"limit" validate:"gte=0,lte=100"`
	ClientAccount  string         `json:"client_account"`
	Priority       int            `json:"priority" validate:"gte=0,lte=10"`
	BatchSize      int            `json:"batch_size" validate:"gte=0,lte=200"`
	Extra          map[string]any `json:"extra"`
}

type enqueueResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// EnqueueFollowings accepts a fetch_followings job for one target profile.
func (s *Server) EnqueueFollowings(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req enqueueFollowingsRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	target, verr := normalizeAndValidateUsername(req.TargetUsername)
	if verr != nil {
		verr.Field = "target_username"
		writeError(w, validationFailure(verr), verr)
		return
	}
	extra, err := mergeExtra(req.Extra, map[string]any{
		"target_username": target,
		"limit":           clampLimit(req.Limit, maxFollowingsLimit, maxFollowingsLimit),
	})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	// body wins over the X-Account header; either way the sending account
	// ends up under client_account where the dedup filter looks for it
	if req.ClientAccount == "" {
		req.ClientAccount = r.Header.Get("X-Account")
	}
	if req.ClientAccount != "" {
		extra["client_account"] = req.ClientAccount
	}

	job := domain.Job{
		ID:         uuid.NewString(),
		Kind:       domain.KindFetchFollowings,
		Priority:   clampPriority(req.Priority),
		BatchSize:  clampBatchSize(req.BatchSize, 0),
		Extra:      extra,
		TotalItems: 1,
		Status:     domain.JobPending,
		ClientID:   id.ClientID,
	}
	if err := s.Store.CreateJob(r.Context(), job); err != nil {
		writeError(w, err, nil)
		return
	}
	observability.JobsEnqueued.WithLabelValues(string(job.Kind)).Inc()
	LoggerFrom(r).Info("job enqueued",
		slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)), slog.String("client_id", id.ClientID))
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: string(domain.JobPending)})
}

type enqueueAnalyzeRequest struct {
	Usernames     []string       `json:"usernames" validate:"required,min=1"`
	ClientAccount string         `json:"client_account"`
	Priority      int            `json:"priority" validate:"gte=0,lte=10"`
	BatchSize     int            `json:"batch_size" validate:"gte=0,lte=200"`
	Extra         map[string]any `json:"extra"`
}

// EnqueueAnalyze accepts an analyze_profile job over a username list.
func (s *Server) EnqueueAnalyze(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req enqueueAnalyzeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	usernames, verr := validateUsernameList(req.Usernames, maxAnalyzeUsers)
	if verr != nil {
		writeError(w, validationFailure(verr), verr)
		return
	}
	extra, err := mergeExtra(req.Extra, map[string]any{"usernames": usernames})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if req.ClientAccount != "" {
		extra["client_account"] = req.ClientAccount
	}

	job := domain.Job{
		ID:         uuid.NewString(),
		Kind:       domain.KindAnalyzeProfile,
		Priority:   clampPriority(req.Priority),
		BatchSize:  clampBatchSize(req.BatchSize, 0),
		Extra:      extra,
		TotalItems: len(usernames),
		Status:     domain.JobPending,
		ClientID:   id.ClientID,
	}
	if err := s.Store.CreateJob(r.Context(), job); err != nil {
		writeError(w, err, nil)
		return
	}
	observability.JobsEnqueued.WithLabelValues(string(job.Kind)).Inc()
	LoggerFrom(r).Info("job enqueued",
		slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)), slog.String("client_id", id.ClientID))
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: string(domain.JobPending)})
}

type jobSummaryResponse struct {
	JobID  string         `json:"job_id"`
	Kind   string         `json:"kind"`
	Status string         `json:"status"`
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// JobSummary returns per-status task counts for one job the caller owns.
func (s *Server) JobSummary(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	jobID := chi.URLParam(r, "jobID")

	job, err := s.Store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeErrorCode(w, http.StatusNotFound, codeJobNotFound, "job not found", nil)
			return
		}
		writeError(w, err, nil)
		return
	}
	if job.ClientID != id.ClientID {
		// ownership failures are 403, not 404: the id format leaks nothing
		writeErrorCode(w, http.StatusForbidden, codeJobOwnership, "job belongs to another client", nil)
		return
	}
	sum, err := s.Store.JobSummary(r.Context(), jobID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, jobSummaryResponse{
		JobID:  job.ID,
		Kind:   string(job.Kind),
		Status: string(job.Status),
		Counts: map[string]int{
			"queued": sum.Queued,
			"sent":   sum.Sent,
			"ok":     sum.OK,
			"error":  sum.Error,
		},
		Total: sum.Queued + sum.Sent + sum.OK + sum.Error,
	})
}

type sendPullRequest struct {
	Account string `json:"account"`
	Limit   int    `json:"limit" validate:"gte=0,lte=100"`
}

type pulledTask struct {
	TaskID         string         `json:"task_id"`
	JobID          string         `json:"job_id"`
	Username       string         `json:"username"`
	Payload        map[string]any `json:"payload,omitempty"`
	Attempts       int            `json:"attempts"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
}

type sendPullResponse struct {
	Tasks     []pulledTask `json:"tasks"`
	Remaining int          `json:"quota_remaining"`
}

// SendPull leases queued send_message tasks to an external sender, capped by
// the tenant's remaining daily message quota.
func (s *Server) SendPull(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req sendPullRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	account := req.Account
	if account == "" {
		account = r.Header.Get("X-Account")
	}
	if account == "" {
		writeErrorCode(w, http.StatusBadRequest, codeBadRequest,
			"account required (body or X-Account header)", nil)
		return
	}

	remaining, err := s.remainingQuota(r, id.ClientID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if remaining == 0 {
		observability.QuotaRejections.Inc()
		writeErrorCode(w, http.StatusTooManyRequests, codeQuotaExceeded,
			"daily message quota exhausted", map[string]any{"quota_remaining": 0})
		return
	}

	n := clampLimit(req.Limit, maxPullLimit, maxPullLimit)
	if remaining > 0 && n > remaining {
		n = remaining
	}
	tasks, err := s.Store.LeaseTasks(r.Context(), account, n, id.ClientID)
	if err != nil {
		writeError(w, fmt.Errorf("op=http.pull: %w", domain.ErrInternal), nil)
		return
	}

	out := make([]pulledTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, pulledTask{
			TaskID:         t.TaskID,
			JobID:          t.JobID,
			Username:       t.Username,
			Payload:        t.Payload,
			Attempts:       t.Attempts,
			LeaseExpiresAt: t.LeaseExpires,
		})
	}
	if remaining > 0 {
		remaining -= len(out)
	}
	writeJSON(w, http.StatusOK, sendPullResponse{Tasks: out, Remaining: remaining})
}

// remainingQuota computes messages_per_day minus today's ledger entries and
// leased sends. Returns -1 when the tenant is unmetered.
func (s *Server) remainingQuota(r *http.Request, clientID string) (int, error) {
	limits, err := s.Clients.GetClientLimits(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return -1, nil // no limits row: unmetered
		}
		return 0, err
	}
	if limits.MessagesPerDay <= 0 {
		return -1, nil
	}
	ledgerToday, err := s.Store.CountMessagesSentToday(r.Context(), clientID)
	if err != nil {
		return 0, err
	}
	sentToday, err := s.Store.CountTasksSentToday(r.Context(), clientID)
	if err != nil {
		return 0, err
	}
	remaining := limits.MessagesPerDay - ledgerToday - sentToday
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

type sendResultRequest struct {
	JobID         string `json:"job_id" validate:"required"`
	TaskID        string `json:"task_id" validate:"required"`
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	DestUsername  string `json:"dest_username"`
	ClientAccount string `json:"client_account"`
}

// SendResult records the outcome of an externally executed send task.
func (s *Server) SendResult(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	var req sendResultRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}

	job, err := s.Store.GetJob(r.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeErrorCode(w, http.StatusNotFound, codeJobNotFound, "job not found", nil)
			return
		}
		writeError(w, err, nil)
		return
	}
	if job.ClientID != id.ClientID {
		writeErrorCode(w, http.StatusForbidden, codeJobOwnership, "job belongs to another client", nil)
		return
	}

	if req.OK {
		if err := s.Store.MarkTaskOK(r.Context(), req.JobID, req.TaskID, map[string]any{"sent": true, "dest": req.DestUsername}); err != nil {
			writeError(w, err, nil)
			return
		}
		s.recordLedger(r, job, req)
	} else {
		if err := s.Store.MarkTaskError(r.Context(), req.JobID, req.TaskID, req.Error); err != nil {
			writeError(w, err, nil)
			return
		}
	}
	s.maybeFinishJob(r, req.JobID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "recorded"})
}

// maybeFinishJob closes the job once its last task reaches a terminal state.
// Pulled jobs never pass through the router, so completion is decided here.
// Failures are logged only: the task outcome is already durable and a later
// result call retries the check.
func (s *Server) maybeFinishJob(r *http.Request, jobID string) {
	done, err := s.Store.AllTasksFinished(r.Context(), jobID)
	if err != nil {
		LoggerFrom(r).Error("job completion check failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if !done {
		return
	}
	if err := s.Store.MarkJobDone(r.Context(), jobID); err != nil {
		LoggerFrom(r).Error("job finalize failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// recordLedger writes the dedup ledger for a confirmed send. Failure here is
// logged, never surfaced: the task outcome is already durable.
func (s *Server) recordLedger(r *http.Request, job domain.Job, req sendResultRequest) {
	dest, verr := normalizeAndValidateUsername(req.DestUsername)
	if verr != nil {
		LoggerFrom(r).Warn("ledger skipped, bad dest username", slog.String("task_id", req.TaskID))
		return
	}
	clientAccount := req.ClientAccount
	if clientAccount == "" {
		clientAccount, _ = job.Extra["client_account"].(string)
	}
	if clientAccount == "" {
		LoggerFrom(r).Warn("ledger skipped, no client account", slog.String("task_id", req.TaskID))
		return
	}
	entry := domain.LedgerEntry{
		ClientUsername: clientAccount,
		DestUsername:   dest,
		JobID:          req.JobID,
		TaskID:         req.TaskID,
		ClientID:       job.ClientID,
	}
	if err := s.Store.RegisterMessageSent(r.Context(), entry); err != nil {
		LoggerFrom(r).Error("ledger write failed",
			slog.String("task_id", req.TaskID), slog.Any("error", err))
	}
}

// decode reads a bounded JSON body and runs struct validation.
func (s *Server) decode(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("op=http.decode: %s: %w", err.Error(), domain.ErrInvalidArgument)
	}
	if err := s.Validate.Struct(v); err != nil {
		return fmt.Errorf("op=http.validate: %s: %w", err.Error(), domain.ErrInvalidArgument)
	}
	return nil
}

// mergeExtra copies caller extra under a size cap, with reserved keys
// applied last so callers cannot override them.
func mergeExtra(userExtra, reserved map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(userExtra) > 0 {
		raw, err := json.Marshal(userExtra)
		if err != nil {
			return nil, fmt.Errorf("op=http.extra: %w", domain.ErrInvalidArgument)
		}
		if len(raw) > maxExtraBytes {
			return nil, fmt.Errorf("op=http.extra: exceeds %d bytes: %w", maxExtraBytes, domain.ErrInvalidArgument)
		}
		for k, v := range userExtra {
			out[k] = v
		}
	}
	for k, v := range reserved {
		out[k] = v
	}
	return out, nil
}
