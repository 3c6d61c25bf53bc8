package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"jobbridge/contract"
)

// Repository performs the feedback writes. All methods operate inside the
// caller's transaction so the review, the aggregate rating and the event
// trail commit as one unit.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// WriteReview sets the acting party's feedback columns. The conditional guard
// on status and on the column being null backstops the service-level checks
// under retries.
func (r *Repository) WriteReview(ctx context.Context, tx pgx.Tx, contractID, party string, rating int, comment string, at time.Time) (contract.Contract, error) {
	var query string
	switch party {
	case "client":
		query = `
			UPDATE contracts
			SET client_feedback = $2, client_rating = $3, client_feedback_at = $4, updated_at = get_tx_timestamp()
			WHERE id = $1 AND status = 'completed' AND client_feedback IS NULL
			RETURNING ` + reviewColumns
	case "worker":
		query = `
			UPDATE contracts
			SET worker_feedback = $2, worker_rating = $3, worker_feedback_at = $4, updated_at = get_tx_timestamp()
			WHERE id = $1 AND status = 'completed' AND worker_feedback IS NULL
			RETURNING ` + reviewColumns
	default:
		return contract.Contract{}, fmt.Errorf("feedback: unknown party %q", party)
	}

	c, err := scanReviewRow(tx.QueryRow(ctx, query, contractID, comment, rating, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.Contract{}, ErrAlreadySubmitted
		}
		return contract.Contract{}, fmt.Errorf("feedback: write review: %w", err)
	}
	return c, nil
}

const reviewColumns = `id, negotiation_id, job_id, client_id, worker_id, agreed_rate,
	contract_type::text, status::text, created_at, updated_at,
	start_date, worker_completed_at, client_confirmed_at, completed_at, cancelled_at, cancel_reason,
	client_feedback, worker_feedback, client_rating, worker_rating, client_feedback_at, worker_feedback_at`

func scanReviewRow(row pgx.Row) (contract.Contract, error) {
	var c contract.Contract
	return c, row.Scan(
		&c.ID,
		&c.NegotiationID,
		&c.JobID,
		&c.ClientID,
		&c.WorkerID,
		&c.AgreedRate,
		&c.Type,
		&c.Status,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.StartDate,
		&c.WorkerCompletedAt,
		&c.ClientConfirmedAt,
		&c.CompletedAt,
		&c.CancelledAt,
		&c.CancelReason,
		&c.ClientFeedback,
		&c.WorkerFeedback,
		&c.ClientRating,
		&c.WorkerRating,
		&c.ClientFeedbackAt,
		&c.WorkerFeedbackAt,
	)
}

// RecomputeUserRating refreshes the aggregate rating a user has received
// across all their completed contracts. Clients are rated by workers and
// vice versa, so both sides of the union are needed.
func (r *Repository) RecomputeUserRating(ctx context.Context, tx pgx.Tx, userID string) error {
	const query = `
		UPDATE users u
		SET rating = COALESCE(agg.avg_rating, 0),
		    rating_count = COALESCE(agg.n, 0)
		FROM (
			SELECT AVG(r.rating)::numeric(3,2) AS avg_rating, COUNT(*) AS n
			FROM (
				SELECT client_rating AS rating FROM contracts
				WHERE worker_id = $1 AND client_rating IS NOT NULL
				UNION ALL
				SELECT worker_rating AS rating FROM contracts
				WHERE client_id = $1 AND worker_rating IS NOT NULL
			) r
		) agg
		WHERE u.id = $1
	`
	if _, err := tx.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("feedback: recompute rating: %w", err)
	}
	return nil
}

func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, negotiationID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("feedback: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
		INSERT INTO timeline_events (negotiation_id, type, payload, actor_id)
		VALUES ($1, $2, $3::jsonb, $4::uuid)
	`
	if _, err := tx.Exec(ctx, q, negotiationID, eventType, body, actor); err != nil {
		return fmt.Errorf("feedback: insert timeline event: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, recipients []string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("feedback: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, recipients, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, recipients, body); err != nil {
		return fmt.Errorf("feedback: enqueue outbox: %w", err)
	}
	return nil
}
