package domain

import "fmt"

// TaskEnvelope is the wire unit handed to a worker for one task.
type TaskEnvelope struct {
	ID            string         `json:"id"` // equals Task.TaskID
	Task          JobKind        `json:"task"`
	CorrelationID string         `json:"correlation_id"` // equals Job.ID
	AccountID     string         `json:"account_id"`
	Payload       map[string]any `json:"payload"`
}

// ResultEnvelope is the wire unit a worker emits after executing a task.
// Heartbeats use OK=true and Result["type"]="heartbeat".
type ResultEnvelope struct {
	ID            string         `json:"id"`
	Task          JobKind        `json:"task"`
	CorrelationID string         `json:"correlation_id"`
	AccountID     string         `json:"account_id"`
	OK            bool           `json:"ok"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
}

// IsHeartbeat reports whether the result is a worker liveness ping.
func (r ResultEnvelope) IsHeartbeat() bool {
	if r.Result == nil {
		return false
	}
	t, _ := r.Result["type"].(string)
	return t == "heartbeat"
}

// Retryable reports whether the failure should go through the requeue path.
func (r ResultEnvelope) Retryable() bool {
	if r.OK || r.Result == nil {
		return false
	}
	b, _ := r.Result["retryable"].(bool)
	return b
}

// BuildTaskID derives the canonical globally-unique task id.
func BuildTaskID(jobID string, kind JobKind, username string) string {
	return fmt.Sprintf("%s:%s:%s", jobID, kind, username)
}

// AnalyzeJobID derives the chained analyze job id for a fetch job.
func AnalyzeJobID(fetchJobID string) string { return "analyze:" + fetchJobID }

// AckFunc commits a transport delivery; NackFunc abandons it for redelivery.
type AckFunc func()
type NackFunc func()
