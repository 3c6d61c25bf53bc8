package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Opener keeps the pool of contested negotiations topped up by creating fresh
// in_discussion records between the seeded pair.
func Opener(ctx context.Context, pool *pgxpool.Pool, jobID, clientID, workerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := uuid.NewString()
		_, err := pool.Exec(ctx, `INSERT INTO negotiations (id, kind, job_id, client_id, worker_id, message, proposed_rate, status)
                                   VALUES ($1,'application',$2,$3,$4,'stress application',55,'in_discussion')`,
			id, jobID, clientID, workerID)
		if err != nil {
			return fmt.Errorf("opener insert: %w", err)
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// AgreementRacer repeatedly sets (and occasionally withdraws) one party's
// agreement flag on a random uncontracted negotiation. When both flags are up
// it races the opposing party to create the contract; the unique index on
// contracts.negotiation_id decides the winner and the loser links the
// existing row.
func AgreementRacer(ctx context.Context, pool *pgxpool.Pool, jobID, actorID, party string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := raceOnce(ctx, pool, jobID, actorID, party); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// connection kills from chaos land here; keep going
		}
		time.Sleep(time.Duration(10+rand.Intn(25)) * time.Millisecond)
	}
}

func raceOnce(ctx context.Context, pool *pgxpool.Pool, jobID, actorID, party string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		negID        string
		clientAgreed bool
		workerAgreed bool
		clientID     string
		workerID     string
		rate         float64
	)
	err = tx.QueryRow(ctx, `SELECT id, client_agreed, worker_agreed, client_id, worker_id, proposed_rate
                             FROM negotiations
                             WHERE job_id=$1 AND contract_id IS NULL AND status NOT IN ('rejected','cancelled')
                             ORDER BY random() LIMIT 1 FOR UPDATE`, jobID).Scan(
		&negID, &clientAgreed, &workerAgreed, &clientID, &workerID, &rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}

	agree := rand.Intn(10) != 0 // mostly agree, sometimes withdraw
	if party == "client" {
		clientAgreed = agree
	} else {
		workerAgreed = agree
	}
	status := "in_discussion"
	switch {
	case clientAgreed && workerAgreed:
		status = "both_agreed"
	case clientAgreed:
		status = "client_agreed"
	case workerAgreed:
		status = "worker_agreed"
	}

	if clientAgreed && workerAgreed {
		contractID := uuid.NewString()
		_, err = tx.Exec(ctx, `INSERT INTO contracts (id, negotiation_id, job_id, client_id, worker_id, agreed_rate)
                                VALUES ($1,$2,$3,$4,$5,$6)`, contractID, negID, jobID, clientID, workerID, rate)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// lost the race inside an earlier interleaving; the deferred
				// rollback discards our half of it
				return nil
			}
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE negotiations SET client_agreed=true, worker_agreed=true, status='both_agreed',
                                    contract_id=$2, updated_at=NOW() WHERE id=$1 AND contract_id IS NULL`, negID, contractID); err != nil {
			return err
		}
		_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (negotiation_id, type, actor_id, payload)
                              VALUES ($1,'CONTRACT_CREATED',$2, jsonb_build_object('contractId',$3::text))`, negID, actorID, contractID)
		_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, recipients, payload)
                              VALUES ('contract:created', ARRAY[$1,$2]::text[], jsonb_build_object('id',$3::text))`, clientID, workerID, contractID)
	} else {
		if _, err := tx.Exec(ctx, `UPDATE negotiations SET client_agreed=$2, worker_agreed=$3, status=$4, updated_at=NOW()
                                    WHERE id=$1 AND contract_id IS NULL`, negID, clientAgreed, workerAgreed, status); err != nil {
			return err
		}
		event := "AGREEMENT_SET"
		if !agree {
			event = "AGREEMENT_WITHDRAWN"
		}
		_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (negotiation_id, type, actor_id, payload)
                              VALUES ($1,$2,$3,'{}'::jsonb)`, negID, event, actorID)
		_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, recipients, payload)
                              VALUES ('negotiation:agreement', ARRAY[$2,$3]::text[], jsonb_build_object('id',$1::text))`, negID, clientID, workerID)
	}
	return tx.Commit(ctx)
}

// LifecycleDriver walks fresh contracts through start, completion and client
// confirmation using the same status-gated updates the service issues.
func LifecycleDriver(ctx context.Context, pool *pgxpool.Pool, jobID string, stop <-chan struct{}) error {
	steps := []struct {
		from string
		sql  string
	}{
		{"active", `UPDATE contracts SET status='in_progress', start_date=NOW(), updated_at=NOW() WHERE id=$1 AND status='active'`},
		{"in_progress", `UPDATE contracts SET status='awaiting_client_confirmation', worker_completed_at=NOW(), updated_at=NOW() WHERE id=$1 AND status='in_progress'`},
		{"awaiting_client_confirmation", `UPDATE contracts SET status='completed', client_confirmed_at=NOW(), completed_at=NOW(), updated_at=NOW() WHERE id=$1 AND status='awaiting_client_confirmation'`},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step := steps[rand.Intn(len(steps))]
		var id string
		err := pool.QueryRow(ctx, `SELECT id FROM contracts WHERE job_id=$1 AND status=$2 ORDER BY random() LIMIT 1`, jobID, step.from).Scan(&id)
		if err == nil {
			_, _ = pool.Exec(ctx, step.sql, id)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Canceller occasionally cancels a live contract, racing the driver. Only
// active and in_progress contracts are cancellable; once the worker has
// handed off for confirmation the status guard makes the cancel a no-op.
func Canceller(ctx context.Context, pool *pgxpool.Pool, jobID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(4) == 0 {
			_, _ = pool.Exec(ctx, `UPDATE contracts SET status='cancelled', cancelled_at=NOW(), cancel_reason='stress cancel', updated_at=NOW()
                                    WHERE id = (SELECT id FROM contracts WHERE job_id=$1
                                                AND status IN ('active','in_progress')
                                                ORDER BY random() LIMIT 1)
                                    AND status IN ('active','in_progress')`, jobID)
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

// FeedbackWriter leaves one review per side on completed contracts. The
// column IS NULL guard keeps retries and rival writers idempotent.
func FeedbackWriter(ctx context.Context, pool *pgxpool.Pool, jobID, party string, stop <-chan struct{}) error {
	ratingCol := "client_rating"
	textCol := "client_feedback"
	atCol := "client_feedback_at"
	if party == "worker" {
		ratingCol, textCol, atCol = "worker_rating", "worker_feedback", "worker_feedback_at"
	}
	sql := fmt.Sprintf(`UPDATE contracts SET %s=$2, %s='went fine', %s=NOW(), updated_at=NOW()
                         WHERE id = (SELECT id FROM contracts WHERE job_id=$1 AND status='completed' AND %s IS NULL
                                     ORDER BY random() LIMIT 1)
                         AND status='completed' AND %s IS NULL`, ratingCol, textCol, atCol, ratingCol, ratingCol)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, sql, jobID, 1+rand.Intn(5))
		time.Sleep(time.Duration(60+rand.Intn(80)) * time.Millisecond)
	}
}

// MessageWriter appends discussion chatter to random live negotiations.
func MessageWriter(ctx context.Context, pool *pgxpool.Pool, jobID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, `INSERT INTO timeline_events (negotiation_id, type, actor_id, payload)
                                SELECT id, 'NEGOTIATION_MESSAGE', $2, jsonb_build_object('text','ping')
                                FROM negotiations WHERE job_id=$1 AND status='in_discussion'
                                ORDER BY random() LIMIT 1`, jobID, actorID)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox rows with SKIP LOCKED the way the
// realtime relay does, with a sprinkling of simulated delivery failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id, attempts FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		type row struct {
			id       string
			attempts int
		}
		batch := make([]row, 0, 10)
		for rows.Next() {
			var r row
			_ = rows.Scan(&r.id, &r.attempts)
			batch = append(batch, r)
		}
		rows.Close()
		for _, r := range batch {
			if rand.Intn(10) == 0 {
				if r.attempts+1 >= 10 {
					_, _ = tx.Exec(ctx, `UPDATE outbox SET status='dead', attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, r.id)
				} else {
					_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, r.id)
				}
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, r.id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
