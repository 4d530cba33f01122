// Package secrets abstracts where sensitive configuration values come from.
// The default provider reads the environment; deployments can swap in a
// vault-backed implementation without touching call sites.
package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Provider resolves a named secret.
type Provider interface {
	Get(name string) (string, error)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

// Get returns the environment variable or an error when unset.
func (EnvProvider) Get(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("op=secrets.get: %s not set", name)
	}
	return v, nil
}

// New selects a provider by name. Unknown names fall back to env.
func New(kind string) Provider {
	if kind != "" && kind != "env" {
		slog.Warn("unknown secrets provider, using env", slog.String("provider", kind))
	}
	return EnvProvider{}
}
