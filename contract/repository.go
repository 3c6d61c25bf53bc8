package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no contract row exists for the identifier.
	ErrNotFound = errors.New("contract: not found")
	// ErrNegotiationClaimed signals the unique claim on negotiation_id was
	// already taken: a concurrent writer created the contract first.
	ErrNegotiationClaimed = errors.New("contract: negotiation already has a contract")
	// ErrStatusConflict signals a conditional status write found the row in a
	// different state than expected.
	ErrStatusConflict = errors.New("contract: status changed concurrently")
)

// Repository defines the data access used by the lifecycle service and the
// negotiation agreement coordinator.
type Repository interface {
	CreateFromNegotiation(ctx context.Context, tx pgx.Tx, params CreateParams) (Contract, error)
	GetByID(ctx context.Context, id string) (Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, from []Status, to Status, stamps map[string]any) (Contract, error)
	ListForUser(ctx context.Context, userID string, f Filters) ([]Contract, int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const contractColumns = `id, negotiation_id, job_id, client_id, worker_id, agreed_rate,
	contract_type::text, status::text, created_at, updated_at,
	start_date, worker_completed_at, client_confirmed_at, completed_at, cancelled_at, cancel_reason,
	client_feedback, worker_feedback, client_rating, worker_rating, client_feedback_at, worker_feedback_at`

// CreateFromNegotiation inserts the contract row inside the caller's
// transaction. The unique index on negotiation_id is the hard 1:1 guarantee;
// a duplicate insert maps to ErrNegotiationClaimed so the caller can recover
// by re-reading instead of surfacing a failure.
func (r *PGRepository) CreateFromNegotiation(ctx context.Context, tx pgx.Tx, params CreateParams) (Contract, error) {
	if params.NegotiationID == "" {
		return Contract{}, fmt.Errorf("contract: create missing negotiation id")
	}
	if params.ClientID == "" || params.WorkerID == "" {
		return Contract{}, fmt.Errorf("contract: create missing party ids")
	}
	if params.AgreedRate <= 0 {
		return Contract{}, fmt.Errorf("contract: create invalid agreed rate")
	}
	contractType := params.Type
	if contractType == "" {
		contractType = TypeFixedRate
	}

	query := fmt.Sprintf(`
		INSERT INTO contracts (id, negotiation_id, job_id, client_id, worker_id, agreed_rate, contract_type, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, 'active')
		RETURNING %s`, contractColumns)

	c, err := scanContract(tx.QueryRow(ctx, query,
		params.ID,
		params.NegotiationID,
		params.JobID,
		params.ClientID,
		params.WorkerID,
		params.AgreedRate,
		contractType,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Contract{}, ErrNegotiationClaimed
		}
		return Contract{}, fmt.Errorf("contract: insert from negotiation: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Contract, error) {
	query := fmt.Sprintf(`SELECT %s FROM contracts WHERE id = $1`, contractColumns)
	c, err := scanContract(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	query := fmt.Sprintf(`SELECT %s FROM contracts WHERE id = $1 FOR UPDATE`, contractColumns)
	c, err := scanContract(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get for update: %w", err)
	}
	return c, nil
}

// Transition applies a conditional status write guarded on the expected
// current status, so a duplicate click or a racing cancel cannot double-apply.
// stamps maps column names to values written alongside the status change;
// only whitelisted timestamp/reason columns are accepted.
func (r *PGRepository) Transition(ctx context.Context, tx pgx.Tx, id string, from []Status, to Status, stamps map[string]any) (Contract, error) {
	if len(from) == 0 {
		return Contract{}, fmt.Errorf("contract: transition requires expected statuses")
	}

	set := `status = $1, updated_at = get_tx_timestamp()`
	args := []any{to, id}
	for col, val := range stamps {
		if !allowedStamp(col) {
			return Contract{}, fmt.Errorf("contract: transition stamp %q not allowed", col)
		}
		args = append(args, val)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	fromList := ""
	for _, s := range from {
		args = append(args, s)
		if fromList != "" {
			fromList += ", "
		}
		fromList += fmt.Sprintf("$%d", len(args))
	}

	query := fmt.Sprintf(`
		UPDATE contracts
		SET %s
		WHERE id = $2 AND status IN (%s)
		RETURNING %s`, set, fromList, contractColumns)

	c, err := scanContract(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrStatusConflict
		}
		return Contract{}, fmt.Errorf("contract: transition to %s: %w", to, err)
	}
	return c, nil
}

func allowedStamp(col string) bool {
	switch col {
	case "start_date", "worker_completed_at", "client_confirmed_at", "completed_at", "cancelled_at", "cancel_reason":
		return true
	}
	return false
}

func (r *PGRepository) ListForUser(ctx context.Context, userID string, f Filters) ([]Contract, int, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}

	where := `WHERE (client_id = $1 OR worker_id = $1)`
	args := []any{userID}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT %s FROM contracts %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		contractColumns, where, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	contracts := []Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("contract: scan list row: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("contract: iterate list: %w", err)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM contracts %s`, where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("contract: count list: %w", err)
	}

	return contracts, total, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
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

func insertTimelineEvent(ctx context.Context, tx pgx.Tx, negotiationID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal timeline payload: %w", err)
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
		return fmt.Errorf("contract: insert timeline event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, recipients []string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, recipients, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, recipients, body); err != nil {
		return fmt.Errorf("contract: enqueue outbox: %w", err)
	}
	return nil
}

// Snapshot builds the full-state event payload for a contract.
func Snapshot(c Contract) map[string]any {
	snap := map[string]any{
		"id":             c.ID,
		"negotiation_id": c.NegotiationID,
		"job_id":         c.JobID,
		"client_id":      c.ClientID,
		"worker_id":      c.WorkerID,
		"agreed_rate":    c.AgreedRate,
		"contract_type":  c.Type,
		"status":         c.Status,
		"created_at":     c.CreatedAt.UTC(),
		"updated_at":     c.UpdatedAt.UTC(),
	}
	if c.StartDate != nil {
		snap["start_date"] = c.StartDate.UTC()
	}
	if c.WorkerCompletedAt != nil {
		snap["worker_completed_at"] = c.WorkerCompletedAt.UTC()
	}
	if c.ClientConfirmedAt != nil {
		snap["client_confirmed_at"] = c.ClientConfirmedAt.UTC()
	}
	if c.CompletedAt != nil {
		snap["completed_at"] = c.CompletedAt.UTC()
	}
	if c.CancelledAt != nil {
		snap["cancelled_at"] = c.CancelledAt.UTC()
	}
	if c.CancelReason != nil {
		snap["cancel_reason"] = *c.CancelReason
	}
	if c.ClientRating != nil {
		snap["client_rating"] = *c.ClientRating
	}
	if c.WorkerRating != nil {
		snap["worker_rating"] = *c.WorkerRating
	}
	return snap
}
