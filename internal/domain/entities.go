// Package domain holds the core entities, ports and error taxonomy of the
// orchestration core. It stays free of transport and storage concerns.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrInternal        = errors.New("internal error")
)

// ClientStatus enumerates tenant lifecycle states.
type ClientStatus string

const (
	ClientActive    ClientStatus = "active"
	ClientSuspended ClientStatus = "suspended"
	ClientDeleted   ClientStatus = "deleted"
)

// Client is a tenant of the platform. Only active clients authenticate.
type Client struct {
	ID         string
	Name       string
	Email      string
	APIKeyHash string
	Status     ClientStatus
	Metadata   map[string]any
	CreatedAt  time.Time
}

// ClientLimits holds per-tenant quotas. Exactly one row per client.
type ClientLimits struct {
	ClientID          string
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	MessagesPerDay    int
}

// JobKind enumerates the supported job kinds.
type JobKind string

const (
	KindFetchFollowings JobKind = "fetch_followings"
	KindAnalyzeProfile  JobKind = "analyze_profile"
	KindSendMessage     JobKind = "send_message"

	// KindPoisonPill is a transport-level stop marker for worker loops.
	// It never appears in the store and is not a known job kind.
	KindPoisonPill JobKind = "__stop__"
)

// ErrDriverDead signals that the browser automation session backing an
// executor is gone. Failures carrying it are retryable on a fresh session.
var ErrDriverDead = errors.New("driver dead")

// ErrSoftBlocked signals the remote page throttled the account mid-action.
// The DM pacer opens a cooldown for the account when it sees this.
var ErrSoftBlocked = errors.New("account soft blocked")

// KnownKind reports whether k is a kind the dispatcher can expand.
func KnownKind(k JobKind) bool {
	switch k {
	case KindFetchFollowings, KindAnalyzeProfile, KindSendMessage:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Job is a client-submitted unit of work. Transitions
// pending -> running -> (done|error), never backwards.
type Job struct {
	ID         string
	Kind       JobKind
	Priority   int // 1-10, higher wins
	BatchSize  int
	Extra      map[string]any
	TotalItems int
	Status     JobStatus
	ClientID   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type TaskStatus string

const (
	TaskQueued TaskStatus = "queued"
	TaskSent   TaskStatus = "sent"
	TaskOK     TaskStatus = "ok"
	TaskError  TaskStatus = "error"
)

// DefaultLeaseTTL is the lease window granted on claim, in seconds.
const DefaultLeaseTTL = 300

// Task is one item of a Job. State machine:
// queued -> sent -> (ok|error), with a single retry edge sent -> queued
// gated by the attempt cap.
type Task struct {
	ID            int64
	JobID         string
	TaskID        string // globally unique, "{job_id}:{kind}:{username}"
	CorrelationID string
	AccountID     string
	Username      string
	Payload       map[string]any
	Status        TaskStatus
	ClientID      string
	Attempts      int
	LeasedAt      *time.Time
	LeaseExpires  *time.Time
	LeaseTTL      int // seconds
	LeasedBy      string
	ErrorMsg      string
	SentAt        *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
}

// JobSummary is the per-status task count for a job.
type JobSummary struct {
	Queued int
	Sent   int
	OK     int
	Error  int
}

// LedgerEntry records one (sender account, recipient) pair.
type LedgerEntry struct {
	ClientUsername string
	DestUsername   string
	JobID          string
	TaskID         string
	ClientID       string
	LastSentAt     time.Time
}

// Following is an observed (origin, target) relationship.
type Following struct {
	OriginUsername string
	TargetUsername string
	ObservedAt     time.Time
}

// ProfileAnalysis is a derived score for a scraped profile.
type ProfileAnalysis struct {
	Username   string
	Score      float64
	Summary    string
	AnalyzedAt time.Time
}

// Context is an alias so ports read cleanly without importing context at
// every call site in this package.
type Context = context.Context
