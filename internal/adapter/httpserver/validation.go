package httpserver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// Request size and shape bounds. Conservative on purpose: oversized inputs
// are a platform abuse vector, not a use case.
const (
	maxBodyBytes       = 1 << 20 // 1 MiB
	maxUsernameLength  = 64
	maxAnalyzeUsers    = 500
	maxBatchSize       = 200
	maxPullLimit       = 100
	maxFollowingsLimit = 100
	maxPriority        = 10
	maxExtraBytes      = 20000
	maxMessageBytes    = 4000
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// ValidationError represents one invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// normalizeAndValidateUsername lowercases, strips a leading @ and checks the
// allowed alphabet.
func normalizeAndValidateUsername(raw string) (string, *ValidationError) {
	u := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@")))
	if u == "" {
		return "", &ValidationError{Field: "username", Code: "REQUIRED", Message: "username is required"}
	}
	if len(u) > maxUsernameLength {
		return "", &ValidationError{Field: "username", Code: "TOO_LONG",
			Message: fmt.Sprintf("username exceeds %d characters", maxUsernameLength)}
	}
	if !usernameRe.MatchString(u) {
		return "", &ValidationError{Field: "username", Code: "INVALID_FORMAT",
			Message: "username contains invalid characters"}
	}
	return u, nil
}

// validateUsernameList normalizes, validates and dedupes a username list.
func validateUsernameList(raw []string, max int) ([]string, *ValidationError) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "usernames", Code: "REQUIRED", Message: "usernames must not be empty"}
	}
	if len(raw) > max {
		return nil, &ValidationError{Field: "usernames", Code: "TOO_MANY",
			Message: fmt.Sprintf("at most %d usernames per job", max)}
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		u, verr := normalizeAndValidateUsername(r)
		if verr != nil {
			verr.Field = "usernames"
			return nil, verr
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

func clampBatchSize(b, def int) int {
	if b <= 0 {
		return def
	}
	if b > maxBatchSize {
		return maxBatchSize
	}
	return b
}

func clampLimit(l, def, max int) int {
	if l <= 0 {
		return def
	}
	if l > max {
		return max
	}
	return l
}

// validationFailure wraps a field error into the domain taxonomy so it maps
// to BAD_REQUEST at the edge.
func validationFailure(verr *ValidationError) error {
	return fmt.Errorf("op=http.validate: %s %s: %w", verr.Field, verr.Code, domain.ErrInvalidArgument)
}
