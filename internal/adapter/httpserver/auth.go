package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// Scopes gate the three operation families.
const (
	ScopeFetch   = "fetch"
	ScopeAnalyze = "analyze"
	ScopeSend    = "send"
)

const tokenTTL = 1 * time.Hour

// Argon2Params defines parameters for Argon2id API key hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashAPIKey creates an Argon2id hash of an API key.
func HashAPIKey(key string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyAPIKey verifies an API key against its Argon2id hash.
func VerifyAPIKey(key, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actualHash := argon2.IDKey([]byte(key), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	ClientID string
	Scopes   []string
	RPM      int
}

// HasScope reports whether the identity carries the scope.
func (id Identity) HasScope(scope string) bool { return slices.Contains(id.Scopes, scope) }

type identityKey struct{}

// IdentityFrom extracts the authenticated identity from the request context.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func contextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// tokenClaims are the JWT claims issued by /api/auth/login.
type tokenClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// Authenticator resolves request credentials to an Identity. Three paths:
// bearer JWT, API key headers, and the legacy shared secret.
type Authenticator struct {
	cfg        config.Config
	clients    domain.ClientStore
	configured map[string]config.APIClient
}

// NewAuthenticator builds the authenticator; the configured client table is
// parsed once at startup.
func NewAuthenticator(cfg config.Config, clients domain.ClientStore) (*Authenticator, error) {
	table, err := cfg.APIClients()
	if err != nil {
		return nil, fmt.Errorf("op=auth.new: %w", err)
	}
	return &Authenticator{cfg: cfg, clients: clients, configured: table}, nil
}

// IssueToken signs an HS256 JWT for the client.
func (a *Authenticator) IssueToken(clientID string, scopes []string) (string, error) {
	if a.cfg.JWTSecretKey == "" {
		return "", fmt.Errorf("op=auth.issue: jwt signing disabled: %w", domain.ErrUnauthorized)
	}
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.JWTIssuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		ClientID: clientID,
		Scopes:   scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("op=auth.issue: %w", err)
	}
	return signed, nil
}

// verifyToken parses and validates a bearer token.
func (a *Authenticator) verifyToken(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		// HS256 only; anything else is a downgrade attempt
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecretKey), nil
	}, jwt.WithIssuer(a.cfg.JWTIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("op=auth.verify: %w", domain.ErrUnauthorized)
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return Identity{}, fmt.Errorf("op=auth.verify: bad claims: %w", domain.ErrUnauthorized)
	}
	return Identity{ClientID: claims.ClientID, Scopes: claims.Scopes, RPM: a.rpmFor(claims.ClientID)}, nil
}

// Authenticate resolves the request to an Identity. ErrUnauthorized means bad
// or missing credentials; ErrForbidden means valid credentials for a client
// that is no longer active.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		id, err := a.verifyToken(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			return Identity{}, err
		}
		// a token outlives a suspension; re-check the row on every request
		if err := a.checkClientActive(r.Context(), id.ClientID); err != nil {
			return Identity{}, err
		}
		return id, nil
	}
	if key := r.Header.Get("X-Api-Key"); key != "" {
		id, err := a.authenticateAPIKey(r.Context(), r.Header.Get("X-Client-Id"), key)
		if err == nil {
			return id, nil
		}
		// installs without per-client keys present the shared secret here
		if sid, serr := a.authenticateSharedSecret(key); serr == nil {
			return sid, nil
		}
		return Identity{}, err
	}
	if secret := r.Header.Get("X-Api-Secret"); secret != "" {
		return a.authenticateSharedSecret(secret)
	}
	return Identity{}, fmt.Errorf("op=auth.request: no credentials: %w", domain.ErrUnauthorized)
}

// checkClientActive verifies a bearer-token client is still active. Clients
// from the configured table have no row to consult and pass through, as does
// an install running without a client store.
func (a *Authenticator) checkClientActive(ctx context.Context, clientID string) error {
	if a.clients == nil {
		return nil
	}
	if _, ok := a.configured[clientID]; ok {
		return nil
	}
	client, err := a.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=auth.status: %w", err)
	}
	if client.Status != domain.ClientActive {
		return fmt.Errorf("op=auth.status: client %s: %w", client.Status, domain.ErrForbidden)
	}
	return nil
}

// CheckCredentials verifies a (client_id, api_key) pair for the login flow.
func (a *Authenticator) CheckCredentials(ctx context.Context, clientID, key string) (Identity, error) {
	return a.authenticateAPIKey(ctx, clientID, key)
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, clientID, key string) (Identity, error) {
	// configured table first: dev and small installs run without client rows
	if clientID != "" {
		if entry, ok := a.configured[clientID]; ok {
			if matchConfiguredKey(key, entry.Key) {
				return Identity{ClientID: clientID, Scopes: entry.Scopes, RPM: a.rpmFor(clientID)}, nil
			}
			return Identity{}, fmt.Errorf("op=auth.apikey: key mismatch: %w", domain.ErrUnauthorized)
		}
	}
	if a.clients == nil {
		return Identity{}, fmt.Errorf("op=auth.apikey: unknown client: %w", domain.ErrUnauthorized)
	}
	sum := sha256.Sum256([]byte(key))
	client, err := a.clients.GetClientByAPIKeyHash(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return Identity{}, fmt.Errorf("op=auth.apikey: %w", domain.ErrUnauthorized)
	}
	if client.Status != domain.ClientActive {
		return Identity{}, fmt.Errorf("op=auth.apikey: client %s: %w", client.Status, domain.ErrUnauthorized)
	}
	if clientID != "" && clientID != client.ID {
		return Identity{}, fmt.Errorf("op=auth.apikey: client id mismatch: %w", domain.ErrUnauthorized)
	}
	return Identity{
		ClientID: client.ID,
		Scopes:   []string{ScopeFetch, ScopeAnalyze, ScopeSend},
		RPM:      a.rpmFor(client.ID),
	}, nil
}

// matchConfiguredKey accepts both argon2id-encoded and plaintext entries.
func matchConfiguredKey(presented, stored string) bool {
	if strings.HasPrefix(stored, "argon2id$") {
		return VerifyAPIKey(presented, stored)
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
}

func (a *Authenticator) authenticateSharedSecret(secret string) (Identity, error) {
	if a.cfg.APISharedSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(a.cfg.APISharedSecret)) != 1 {
		return Identity{}, fmt.Errorf("op=auth.secret: %w", domain.ErrUnauthorized)
	}
	return Identity{
		ClientID: "default",
		Scopes:   []string{ScopeFetch, ScopeAnalyze, ScopeSend},
		RPM:      a.cfg.RateLimitPerMin,
	}, nil
}

func (a *Authenticator) rpmFor(clientID string) int {
	if entry, ok := a.configured[clientID]; ok && entry.RPM > 0 {
		return entry.RPM
	}
	return a.cfg.RateLimitPerMin
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.New("parse")
	}
	return uint32(x), nil
}
