// Package worker runs the single-account execution loop: receive one task
// envelope, guard against duplicate delivery through the store's begin gate,
// hand the work to the account's executor and report the result.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

const (
	defaultPollInterval      = 1 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultFetchLimit        = 200
)

// BeginStore is the store subset the worker needs.
type BeginStore interface {
	BeginTask(ctx domain.Context, jobID, taskID, accountID, leasedBy string) (bool, error)
}

// DMLimiter paces outbound direct messages per account (see service/dmlimiter).
type DMLimiter interface {
	Allow(accountID string) (bool, time.Duration)
	RecordBlock(accountID string)
	RecordSuccess(accountID string)
}

// Config configures one worker loop.
type Config struct {
	AccountID         string
	WorkerID          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Worker consumes one account's task queue. One goroutine per account.
type Worker struct {
	cfg     Config
	store   BeginStore
	tasks   domain.TaskQueue
	results domain.ResultQueue
	exec    domain.WorkExecutor
	dm      DMLimiter
	log     *slog.Logger
}

// UseDMLimiter attaches a shared DM pacer. Call before Run.
func (w *Worker) UseDMLimiter(l DMLimiter) { w.dm = l }

// New builds a worker. WorkerID defaults to "worker-{account}".
func New(cfg Config, store BeginStore, tasks domain.TaskQueue, results domain.ResultQueue, exec domain.WorkExecutor) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + cfg.AccountID
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		tasks:   tasks,
		results: results,
		exec:    exec,
		log:     slog.Default().With(slog.String("account", cfg.AccountID), slog.String("worker", cfg.WorkerID)),
	}
}

// Run loops until ctx is cancelled or a poison pill arrives.
func (w *Worker) Run(ctx domain.Context) error {
	w.log.Info("worker started")
	lastBeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping", slog.String("reason", "context"))
			return ctx.Err()
		default:
		}

		if time.Since(lastBeat) >= w.cfg.HeartbeatInterval {
			w.heartbeat(ctx)
			lastBeat = time.Now()
		}

		env, ack, nack, ok, err := w.tasks.Receive(ctx, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("receive failed", slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		if env.Task == domain.KindPoisonPill {
			ack()
			w.log.Info("worker stopping", slog.String("reason", "poison pill"))
			return nil
		}

		started, err := w.store.BeginTask(ctx, env.CorrelationID, env.ID, w.cfg.AccountID, w.cfg.WorkerID)
		if err != nil {
			// store hiccup: leave the delivery for redelivery
			w.log.Error("begin gate failed", slog.String("task_id", env.ID), slog.Any("error", err))
			nack()
			continue
		}
		if !started {
			// duplicate delivery or expired lease: someone else owns it
			w.log.Warn("begin gate refused, dropping duplicate", slog.String("task_id", env.ID))
			ack()
			continue
		}

		res := w.execute(ctx, env)
		if err := w.results.Send(ctx, res); err != nil {
			w.log.Error("result send failed", slog.String("task_id", env.ID), slog.Any("error", err))
			nack()
			continue
		}
		ack()
	}
}

func (w *Worker) heartbeat(ctx domain.Context) {
	err := w.results.Send(ctx, domain.ResultEnvelope{
		AccountID: w.cfg.AccountID,
		OK:        true,
		Result:    map[string]any{"type": "heartbeat", "worker_id": w.cfg.WorkerID},
	})
	if err != nil {
		w.log.Warn("heartbeat send failed", slog.Any("error", err))
	}
}

func (w *Worker) execute(ctx domain.Context, env domain.TaskEnvelope) domain.ResultEnvelope {
	res := domain.ResultEnvelope{
		ID:            env.ID,
		Task:          env.Task,
		CorrelationID: env.CorrelationID,
		AccountID:     w.cfg.AccountID,
		Attempts:      1,
	}

	username, _ := env.Payload["username"].(string)
	if username == "" {
		res.Error = "payload invalid"
		return res
	}

	var (
		out map[string]any
		err error
	)
	switch env.Task {
	case domain.KindFetchFollowings:
		var followings []string
		followings, err = w.exec.FetchFollowings(ctx, username, payloadInt(env.Payload, "limit", defaultFetchLimit))
		if err == nil {
			out = map[string]any{"followings": followings, "count": len(followings)}
		}
	case domain.KindAnalyzeProfile:
		out, err = w.exec.AnalyzeProfile(ctx, username)
	case domain.KindSendMessage:
		if w.dm != nil {
			if allowed, wait := w.dm.Allow(w.cfg.AccountID); !allowed {
				res.Error = "dm hourly budget exhausted"
				res.Result = map[string]any{
					"retryable":           true,
					"retry_reason":        "dm_rate_limited",
					"retry_after_seconds": wait.Seconds(),
				}
				return res
			}
		}
		text, _ := env.Payload["message_text"].(string)
		err = w.exec.SendDirectMessage(ctx, username, text)
		if err == nil {
			out = map[string]any{"dest": username, "sent": true}
			if w.dm != nil {
				w.dm.RecordSuccess(w.cfg.AccountID)
			}
		} else if w.dm != nil && errors.Is(err, domain.ErrSoftBlocked) {
			w.dm.RecordBlock(w.cfg.AccountID)
		}
	default:
		res.Error = fmt.Sprintf("unknown task kind %q", env.Task)
		return res
	}

	if err != nil {
		res.Error = err.Error()
		switch {
		case errors.Is(err, domain.ErrDriverDead):
			res.Result = map[string]any{"retryable": true, "retry_reason": "driver_dead"}
		case errors.Is(err, domain.ErrSoftBlocked):
			res.Result = map[string]any{"retryable": true, "retry_reason": "soft_block"}
		}
		return res
	}
	res.OK = true
	res.Result = out
	return res
}

func payloadInt(p map[string]any, key string, def int) int {
	switch v := p[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64: // json numbers decode as float64
		if v > 0 {
			return int(v)
		}
	}
	return def
}
