package negotiation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"jobbridge/contract"
)

// TestAgreementClaim_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies the full negotiation-to-contract path including the
// single-winner claim under concurrency.
func TestAgreementClaim_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "negotiations") || !tableExists(ctx, t, pool, "contracts") || !tableExists(ctx, t, pool, "outbox") {
		t.Skip("database schema missing; apply the files under migrations/ first")
	}

	var (
		clientID string
		workerID string
		jobID    string
	)
	nonce := time.Now().UnixNano()

	if err := pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Cora Client', 'x', 'client') RETURNING id`,
		fmt.Sprintf("cora+%d@example.com", nonce)).Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Wes Worker', 'x', 'worker') RETURNING id`,
		fmt.Sprintf("wes+%d@example.com", nonce)).Scan(&workerID); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO jobs (id, client_id, title, rate) VALUES (gen_random_uuid(), $1, 'Integration test job', 85) RETURNING id`,
		clientID).Scan(&jobID); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE negotiation_id IN (SELECT id FROM negotiations WHERE job_id = $1)`, jobID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'job_id' = $1`, jobID)
		pool.Exec(ctx2, `DELETE FROM contracts WHERE job_id = $1`, jobID)
		pool.Exec(ctx2, `DELETE FROM negotiations WHERE job_id = $1`, jobID)
		pool.Exec(ctx2, `DELETE FROM jobs WHERE id = $1`, jobID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, clientID, workerID)
	})

	contractRepo := contract.NewRepository(pool)
	svc := NewService(pool, NewRepository(pool), contractRepo)

	rec, err := svc.Create(ctx, CreateParams{
		ActorID:      workerID,
		JobID:        jobID,
		ClientID:     clientID,
		WorkerID:     workerID,
		Message:      "I have shipped three similar projects before",
		ProposedRate: 85,
	})
	if err != nil {
		t.Fatalf("create negotiation: %v", err)
	}
	if rec.Kind != KindApplication || rec.Status != StatusPending {
		t.Fatalf("unexpected created record: %+v", rec)
	}

	if _, err := svc.StartDiscussion(ctx, rec.ID, clientID); err != nil {
		t.Fatalf("start discussion: %v", err)
	}
	if _, err := svc.SetAgreement(ctx, rec.ID, clientID, true); err != nil {
		t.Fatalf("client agreement: %v", err)
	}

	// Both sides now race the final agreement call. The client re-sends
	// agreed=true while the worker completes consent; exactly one contract
	// must exist afterwards.
	var wg sync.WaitGroup
	results := make([]AgreementResult, 2)
	errs := make([]error, 2)
	for i, actor := range []string{clientID, workerID} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			results[i], errs[i] = svc.SetAgreement(ctx, rec.ID, actor, true)
		}(i, actor)
	}
	wg.Wait()

	// Neither racer sees an error: the winner creates the contract and a
	// serialized loser recovers the winner's outcome from a fresh read. The
	// worker's call always completes consent, so it must observe the
	// contract either way.
	workerResult := results[1]
	for i, err := range errs {
		if err != nil {
			t.Fatalf("racer %d: unexpected error: %v", i, err)
		}
	}
	if workerResult.Record.ContractID == nil {
		t.Fatalf("worker's call completed consent but returned no contract id: %+v", workerResult.Record)
	}

	var contractCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM contracts WHERE negotiation_id = $1`, rec.ID).Scan(&contractCount); err != nil {
		t.Fatalf("count contracts: %v", err)
	}
	if contractCount != 1 {
		t.Fatalf("expected exactly 1 contract, got %d", contractCount)
	}

	final, err := svc.Get(ctx, rec.ID, workerID)
	if err != nil {
		t.Fatalf("final read: %v", err)
	}
	if final.Status != StatusBothAgreed || final.ContractID == nil {
		t.Fatalf("expected contracted both_agreed record, got %+v", final)
	}

	var linked string
	if err := pool.QueryRow(ctx, `SELECT id FROM contracts WHERE negotiation_id = $1`, rec.ID).Scan(&linked); err != nil {
		t.Fatalf("read contract: %v", err)
	}
	if linked != *final.ContractID {
		t.Fatalf("record points at %s but contract row is %s", *final.ContractID, linked)
	}

	// The contracted record is immutable: further agreement calls fail, and
	// withdrawal after contracting is rejected.
	if _, err := svc.SetAgreement(ctx, rec.ID, clientID, false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on contracted record, got %v", err)
	}

	// Outbox rows exist for the parties.
	var outCount int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'id' = $2`,
		TopicCreated, rec.ID).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 negotiation:created outbox row, got %d", outCount)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
