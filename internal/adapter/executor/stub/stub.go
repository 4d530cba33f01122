// Package stub provides a deterministic WorkExecutor so the dispatcher runs
// end to end without browser automation attached. Outputs depend only on the
// input username, which keeps dev runs and tests reproducible.
package stub

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// Executor implements domain.WorkExecutor with synthetic data.
type Executor struct {
	AccountID string
	// Fanout is how many followings a fetch yields (default 5).
	Fanout int
}

// New builds the stub executor for one account.
func New(accountID string) *Executor { return &Executor{AccountID: accountID, Fanout: 5} }

// Factory adapts New to the domain.ExecutorFactory shape.
func Factory(accountID string) domain.WorkExecutor { return New(accountID) }

// FetchFollowings returns a deterministic synthetic followings list.
func (e *Executor) FetchFollowings(_ domain.Context, user string, limit int) ([]string, error) {
	n := e.Fanout
	if n <= 0 {
		n = 5
	}
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("%s_f%d", strings.ToLower(user), i))
	}
	return out, nil
}

// AnalyzeProfile scores a username by hash so repeated runs agree.
func (e *Executor) AnalyzeProfile(_ domain.Context, user string) (map[string]any, error) {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(user)))
	score := float64(h.Sum32()%1000) / 1000
	return map[string]any{
		"username": user,
		"score":    score,
		"summary":  fmt.Sprintf("synthetic analysis for %s", user),
	}, nil
}

// SendDirectMessage pretends the message went out.
func (e *Executor) SendDirectMessage(_ domain.Context, dest, text string) error {
	if dest == "" {
		return fmt.Errorf("op=stub.send: %w", domain.ErrInvalidArgument)
	}
	_ = text
	return nil
}
