package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested job does not exist.
var ErrNotFound = errors.New("job: not found")

// Repository provides access to job posts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const summaryColumns = `id, client_id, title, description, rate, open, created_at`

func scanSummary(row pgx.Row) (Summary, error) {
	var s Summary
	err := row.Scan(&s.ID, &s.ClientID, &s.Title, &s.Description, &s.Rate, &s.Open, &s.CreatedAt)
	return s, err
}

// Create inserts a new open job post.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Summary, error) {
	const query = `
		INSERT INTO jobs (id, client_id, title, description, rate, open, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, get_tx_timestamp())
		RETURNING ` + summaryColumns

	s, err := scanSummary(r.pool.QueryRow(ctx, query,
		uuid.NewString(), params.ClientID, params.Title, params.Description, params.Rate))
	if err != nil {
		return Summary{}, fmt.Errorf("job: insert: %w", err)
	}
	return s, nil
}

// GetByID fetches a job post by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Summary, error) {
	const query = `
		SELECT ` + summaryColumns + `
		FROM jobs
		WHERE id = $1
	`

	s, err := scanSummary(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, ErrNotFound
		}
		return Summary{}, fmt.Errorf("job: query by id: %w", err)
	}
	return s, nil
}

// List fetches up to limit open job posts, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT ` + summaryColumns + `
		FROM jobs
		WHERE open
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0, limit)
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.ClientID, &s.Title, &s.Description, &s.Rate, &s.Open, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("job: scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate summaries: %w", err)
	}
	return summaries, nil
}

// Close marks a job post closed so it stops appearing in listings.
func (r *Repository) Close(ctx context.Context, id, clientID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET open = FALSE WHERE id = $1 AND client_id = $2`, id, clientID)
	if err != nil {
		return fmt.Errorf("job: close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
