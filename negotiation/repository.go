package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no negotiation row exists for the identifier.
	ErrNotFound = errors.New("negotiation: not found")
	// ErrAlreadyContracted signals the conditional contract claim lost the race:
	// another writer populated contract_id first.
	ErrAlreadyContracted = errors.New("negotiation: contract already created")
)

// Repository defines the data access required by the negotiation service.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetByID(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	SetFlags(ctx context.Context, tx pgx.Tx, id string, clientAgreed, workerAgreed bool, status Status) (Record, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Record, error)
	ClaimContract(ctx context.Context, tx pgx.Tx, id, contractID string) (Record, error)
	ListForUser(ctx context.Context, userID string, f Filters) ([]Record, int, error)
	Timeline(ctx context.Context, negotiationID string) ([]TimelineEvent, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `id, kind::text, job_id, client_id, worker_id, message, proposed_rate,
	status::text, client_agreed, worker_agreed, contract_id, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	query := fmt.Sprintf(`
		INSERT INTO negotiations (id, kind, job_id, client_id, worker_id, message, proposed_rate, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s`, recordColumns)

	row := tx.QueryRow(ctx, query,
		rec.ID,
		rec.Kind,
		rec.JobID,
		rec.ClientID,
		rec.WorkerID,
		rec.Message,
		rec.ProposedRate,
		rec.Status,
	)
	created, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("negotiation: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM negotiations WHERE id = $1`, recordColumns)
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("negotiation: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM negotiations WHERE id = $1 FOR UPDATE`, recordColumns)
	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("negotiation: get for update: %w", err)
	}
	return rec, nil
}

// SetFlags writes both consent flags and the derived status. Callers hold a
// FOR UPDATE lock on the row; the contract_id guard keeps a contracted record
// immutable regardless.
func (r *PGRepository) SetFlags(ctx context.Context, tx pgx.Tx, id string, clientAgreed, workerAgreed bool, status Status) (Record, error) {
	query := fmt.Sprintf(`
		UPDATE negotiations
		SET client_agreed = $2,
		    worker_agreed = $3,
		    status = $4,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND contract_id IS NULL
		RETURNING %s`, recordColumns)

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, clientAgreed, workerAgreed, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyContracted
		}
		return Record{}, fmt.Errorf("negotiation: set flags: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Record, error) {
	query := fmt.Sprintf(`
		UPDATE negotiations
		SET status = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND contract_id IS NULL
		RETURNING %s`, recordColumns)

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyContracted
		}
		return Record{}, fmt.Errorf("negotiation: update status: %w", err)
	}
	return rec, nil
}

// ClaimContract performs the single-winner conditional write: it sets both
// flags, the both_agreed status and the contract id only if contract_id is
// still null. Exactly one concurrent caller can succeed; the loser gets
// ErrAlreadyContracted and is expected to re-read.
func (r *PGRepository) ClaimContract(ctx context.Context, tx pgx.Tx, id, contractID string) (Record, error) {
	query := fmt.Sprintf(`
		UPDATE negotiations
		SET client_agreed = TRUE,
		    worker_agreed = TRUE,
		    status = 'both_agreed',
		    contract_id = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND contract_id IS NULL
		RETURNING %s`, recordColumns)

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, contractID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyContracted
		}
		return Record{}, fmt.Errorf("negotiation: claim contract: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, userID string, f Filters) ([]Record, int, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}

	where := `WHERE (client_id = $1 OR worker_id = $1)`
	args := []any{userID}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.JobID != "" {
		args = append(args, f.JobID)
		where += fmt.Sprintf(" AND job_id = $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT %s FROM negotiations %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		recordColumns, where, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("negotiation: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("negotiation: scan list row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("negotiation: iterate list: %w", err)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM negotiations %s`, where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("negotiation: count list: %w", err)
	}

	return records, total, nil
}

func (r *PGRepository) Timeline(ctx context.Context, negotiationID string) ([]TimelineEvent, error) {
	const query = `
		SELECT id, negotiation_id, type, actor_id, payload, created_at
		FROM timeline_events
		WHERE negotiation_id = $1
		ORDER BY id ASC
	`
	rows, err := r.pool.Query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("negotiation: timeline: %w", err)
	}
	defer rows.Close()

	events := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.NegotiationID, &ev.Type, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("negotiation: scan timeline event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("negotiation: iterate timeline: %w", err)
	}
	return events, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.JobID,
		&rec.ClientID,
		&rec.WorkerID,
		&rec.Message,
		&rec.ProposedRate,
		&rec.Status,
		&rec.ClientAgreed,
		&rec.WorkerAgreed,
		&rec.ContractID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
}

func insertTimelineEvent(ctx context.Context, tx pgx.Tx, negotiationID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("negotiation: marshal timeline payload: %w", err)
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
		return fmt.Errorf("negotiation: insert timeline event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, recipients []string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("negotiation: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, recipients, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, recipients, body); err != nil {
		return fmt.Errorf("negotiation: enqueue outbox: %w", err)
	}
	return nil
}

// recordSnapshot builds the full-state event payload for a record. Events
// carry snapshots, not deltas, so clients can blindly overwrite their cache.
func recordSnapshot(rec Record) map[string]any {
	snap := map[string]any{
		"id":            rec.ID,
		"kind":          rec.Kind,
		"job_id":        rec.JobID,
		"client_id":     rec.ClientID,
		"worker_id":     rec.WorkerID,
		"proposed_rate": rec.ProposedRate,
		"status":        rec.Status,
		"client_agreed": rec.ClientAgreed,
		"worker_agreed": rec.WorkerAgreed,
		"updated_at":    rec.UpdatedAt.UTC(),
	}
	if rec.ContractID != nil {
		snap["contract_id"] = *rec.ContractID
	}
	return snap
}
