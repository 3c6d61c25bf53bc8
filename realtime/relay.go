package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Relay drains the outbox table and hands each row to the hub. Rows are
// claimed with SKIP LOCKED so several relay workers can run side by side
// without double-publishing, and rows are only marked processed after the
// publish, so a crash mid-batch replays rather than loses events.
type Relay struct {
	pool     *pgxpool.Pool
	hub      *Hub
	log      *slog.Logger
	interval time.Duration
	batch    int
}

const (
	defaultInterval = 250 * time.Millisecond
	defaultBatch    = 32
	maxAttempts     = 10
)

func NewRelay(pool *pgxpool.Pool, hub *Hub, log *slog.Logger) *Relay {
	return &Relay{
		pool:     pool,
		hub:      hub,
		log:      log,
		interval: defaultInterval,
		batch:    defaultBatch,
	}
}

// WithInterval overrides the poll interval. Tests use a short one.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	r.interval = d
	return r
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				n, err := r.drainBatch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					r.log.Error("outbox drain failed", "error", err)
					break
				}
				if n < r.batch {
					break
				}
			}
		}
	}
}

type outboxRow struct {
	ID         string
	Topic      string
	Recipients []string
	Payload    []byte
	Attempts   int
}

// drainBatch claims, publishes and settles one batch. Returns the number of
// rows claimed.
func (r *Relay) drainBatch(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("realtime: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, recipients, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1`, r.batch)
	if err != nil {
		return 0, fmt.Errorf("realtime: claim outbox rows: %w", err)
	}
	var batch []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.ID, &row.Topic, &row.Recipients, &row.Payload, &row.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("realtime: scan outbox row: %w", err)
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("realtime: read outbox rows: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	for _, row := range batch {
		status := "processed"
		if err := r.publish(row); err != nil {
			r.log.Error("outbox publish failed", "id", row.ID, "topic", row.Topic, "error", err)
			status = "pending"
			if row.Attempts+1 >= maxAttempts {
				status = "dead"
			}
		}
		_, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = $2, attempts = attempts + 1, last_attempt = get_tx_timestamp()
			WHERE id = $1`, row.ID, status)
		if err != nil {
			return 0, fmt.Errorf("realtime: settle outbox row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("realtime: commit drain: %w", err)
	}
	return len(batch), nil
}

func (r *Relay) publish(row outboxRow) error {
	if !json.Valid(row.Payload) {
		return fmt.Errorf("realtime: malformed payload on row %s", row.ID)
	}
	ev := Event{Name: row.Topic, Payload: row.Payload}
	for _, userID := range row.Recipients {
		r.hub.Publish(userID, ev)
	}
	return nil
}
