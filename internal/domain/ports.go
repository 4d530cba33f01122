package domain

import "time"

// TaskStore is the durable source of truth (C1). Every method is atomic with
// respect to concurrent callers.
type TaskStore interface {
	// Jobs
	CreateJob(ctx Context, j Job) error
	GetJob(ctx Context, id string) (Job, error)
	PendingJobs(ctx Context) ([]Job, error)
	MarkJobRunning(ctx Context, id string) error
	MarkJobDone(ctx Context, id string) error
	MarkJobError(ctx Context, id, errMsg string) error
	JobSummary(ctx Context, id string) (JobSummary, error)

	// Tasks
	AddTask(ctx Context, t Task) error
	ClaimTask(ctx Context, jobID, taskID, accountID string) (bool, error)
	LeaseTasks(ctx Context, accountID string, limit int, clientID string) ([]Task, error)
	BeginTask(ctx Context, jobID, taskID, accountID, leasedBy string) (bool, error)
	MarkTaskOK(ctx Context, jobID, taskID string, result map[string]any) error
	MarkTaskError(ctx Context, jobID, taskID, errMsg string) error
	ReleaseTask(ctx Context, jobID, taskID, errMsg string) error
	RequeueTaskWithAttemptsCap(ctx Context, jobID, taskID string, maxAttempts int, finalErr string) (requeued bool, attempts int, err error)
	ReclaimExpiredLeases(ctx Context, max int) (int, error)
	AllTasksFinished(ctx Context, jobID string) (bool, error)
	ListQueuedUsernames(ctx Context, jobID string) ([]string, error)
	CountTasksSentToday(ctx Context, clientID string) (int, error)

	// Ledger
	WasMessageSent(ctx Context, clientUsername, destUsername string) (bool, error)
	WasMessageSentAny(ctx Context, destUsername string) (bool, error)
	RegisterMessageSent(ctx Context, e LedgerEntry) error
	CountMessagesSentToday(ctx Context, clientID string) (int, error)

	// Followings
	UpsertFollowings(ctx Context, origin string, targets []string) error
	RecentFollowings(ctx Context, origin string, limit int) ([]string, error)
}

// AdvisoryLocker serializes job expansion across dispatcher replicas.
// Release must be called exactly once per successful acquire.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx Context, name string, timeout time.Duration) (release func(), ok bool, err error)
}

// ClientStore resolves tenants and their quotas for the HTTP surface.
type ClientStore interface {
	GetClient(ctx Context, id string) (Client, error)
	GetClientByAPIKeyHash(ctx Context, hash string) (Client, error)
	GetClientLimits(ctx Context, clientID string) (ClientLimits, error)
}

// TaskQueue carries TaskEnvelopes toward a single account's worker (C2).
type TaskQueue interface {
	Send(ctx Context, env TaskEnvelope) error
	// Receive blocks up to timeout; returns ok=false on timeout.
	Receive(ctx Context, timeout time.Duration) (env TaskEnvelope, ack AckFunc, nack NackFunc, ok bool, err error)
}

// ResultQueue carries ResultEnvelopes back to the dispatcher.
type ResultQueue interface {
	Send(ctx Context, res ResultEnvelope) error
	// TryGetNowait returns ok=false immediately when the queue is empty.
	TryGetNowait(ctx Context) (res ResultEnvelope, ok bool, err error)
}

// WorkExecutor is the capability boundary toward browser automation.
// Implementations may take seconds to minutes per call.
type WorkExecutor interface {
	FetchFollowings(ctx Context, user string, limit int) ([]string, error)
	AnalyzeProfile(ctx Context, user string) (map[string]any, error)
	SendDirectMessage(ctx Context, dest, text string) error
}

// ExecutorFactory builds the per-account WorkExecutor set.
type ExecutorFactory func(accountID string) WorkExecutor
