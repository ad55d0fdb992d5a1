package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// ClientRepo loads API tenants. API keys live only as salted hashes.
type ClientRepo struct{ Pool PgxPool }

// NewClientRepo constructs a ClientRepo with the given pool.
func NewClientRepo(p PgxPool) *ClientRepo { return &ClientRepo{Pool: p} }

// Create inserts a client and returns its id.
func (r *ClientRepo) Create(ctx domain.Context, c domain.Client) (string, error) {
	tracer := otel.Tracer("repo.clients")
	ctx, span := tracer.Start(ctx, "clients.Create")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO clients (id, name, email, api_key_hash, status, scopes, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, c.Name, c.Email, c.APIKeyHash, c.Status, strings.Join(c.Scopes, ","), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=client.create: %w", err)
	}
	return id, nil
}

// Get loads a client by id.
func (r *ClientRepo) Get(ctx domain.Context, id string) (domain.Client, error) {
	tracer := otel.Tracer("repo.clients")
	ctx, span := tracer.Start(ctx, "clients.Get")
	defer span.End()
	q := `SELECT id, name, COALESCE(email,''), api_key_hash, status, COALESCE(scopes,'') FROM clients WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var c domain.Client
	var scopes string
	if err := row.Scan(&c.ID, &c.Name, &c.Email, &c.APIKeyHash, &c.Status, &scopes); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Client{}, fmt.Errorf("op=client.get: %w", domain.ErrNotFound)
		}
		return domain.Client{}, fmt.Errorf("op=client.get: %w", err)
	}
	if scopes != "" {
		c.Scopes = strings.Split(scopes, ",")
	}
	return c, nil
}
