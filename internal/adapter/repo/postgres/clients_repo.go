package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// ClientRepo resolves tenants and their quotas.
type ClientRepo struct{ Pool PgxPool }

// NewClientRepo constructs a ClientRepo with the given pool.
func NewClientRepo(p PgxPool) *ClientRepo { return &ClientRepo{Pool: p} }

const clientColumns = `id, name, COALESCE(email,''), COALESCE(api_key_hash,''), status, metadata, created_at`

func scanClient(row pgx.Row) (domain.Client, error) {
	var c domain.Client
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.APIKeyHash, &c.Status, &c.Metadata, &c.CreatedAt)
	return c, err
}

// GetClient loads a client by id.
func (r *ClientRepo) GetClient(ctx domain.Context, id string) (domain.Client, error) {
	q := `SELECT ` + clientColumns + ` FROM clients WHERE id=$1`
	c, err := scanClient(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Client{}, fmt.Errorf("op=client.get: %w", domain.ErrNotFound)
		}
		return domain.Client{}, fmt.Errorf("op=client.get: %w", err)
	}
	return c, nil
}

// GetClientByAPIKeyHash loads a client by the hash of its API key.
func (r *ClientRepo) GetClientByAPIKeyHash(ctx domain.Context, hash string) (domain.Client, error) {
	q := `SELECT ` + clientColumns + ` FROM clients WHERE api_key_hash=$1`
	c, err := scanClient(r.Pool.QueryRow(ctx, q, hash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Client{}, fmt.Errorf("op=client.get_by_key: %w", domain.ErrNotFound)
		}
		return domain.Client{}, fmt.Errorf("op=client.get_by_key: %w", err)
	}
	return c, nil
}

// GetClientLimits loads the quota row for a client.
func (r *ClientRepo) GetClientLimits(ctx domain.Context, clientID string) (domain.ClientLimits, error) {
	q := `SELECT client_id, requests_per_minute, requests_per_hour, requests_per_day, messages_per_day
	      FROM client_limits WHERE client_id=$1`
	var l domain.ClientLimits
	err := r.Pool.QueryRow(ctx, q, clientID).Scan(&l.ClientID, &l.RequestsPerMinute, &l.RequestsPerHour, &l.RequestsPerDay, &l.MessagesPerDay)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ClientLimits{}, fmt.Errorf("op=client.limits: %w", domain.ErrNotFound)
		}
		return domain.ClientLimits{}, fmt.Errorf("op=client.limits: %w", err)
	}
	return l, nil
}
