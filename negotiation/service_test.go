package negotiation

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"jobbridge/contract"
)

const (
	testClientID = "client-1"
	testWorkerID = "worker-1"
)

func baseRecord(status Status) Record {
	return Record{
		ID:           "n1",
		Kind:         KindApplication,
		JobID:        "j1",
		ClientID:     testClientID,
		WorkerID:     testWorkerID,
		Message:      "I have shipped three similar projects before",
		ProposedRate: 85,
		Status:       status,
	}
}

func newTestService(repo *fakeRepo, contracts *fakeContracts) (*Service, *fakePool) {
	pool := &fakePool{}
	if contracts == nil {
		contracts = &fakeContracts{}
	}
	svc := NewService(pool, repo, contracts).WithIDGenerator(func() string { return "generated-id" })
	return svc, pool
}

func TestCreate_WorkerActorOpensApplication(t *testing.T) {
	repo := &fakeRepo{}
	svc, pool := newTestService(repo, nil)

	created, err := svc.Create(context.Background(), CreateParams{
		ActorID:      testWorkerID,
		JobID:        "j1",
		ClientID:     testClientID,
		WorkerID:     testWorkerID,
		Message:      "I have shipped three similar projects before",
		ProposedRate: 85,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Kind != KindApplication {
		t.Fatalf("expected application, got %s", created.Kind)
	}
	if created.Status != StatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if pool.tx.countExec("INSERT INTO timeline_events") != 1 {
		t.Error("expected one timeline event")
	}
	if pool.tx.countExec("INSERT INTO outbox") != 1 {
		t.Error("expected one outbox row")
	}
}

func TestCreate_ClientActorOpensInvitation(t *testing.T) {
	repo := &fakeRepo{}
	svc, _ := newTestService(repo, nil)

	created, err := svc.Create(context.Background(), CreateParams{
		ActorID:      testClientID,
		JobID:        "j1",
		ClientID:     testClientID,
		WorkerID:     testWorkerID,
		Message:      "Inviting you to take on this engagement",
		ProposedRate: 90,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Kind != KindInvitation {
		t.Fatalf("expected invitation, got %s", created.Kind)
	}
}

func TestCreate_Validation(t *testing.T) {
	repo := &fakeRepo{}
	svc, _ := newTestService(repo, nil)

	_, err := svc.Create(context.Background(), CreateParams{
		ActorID: testWorkerID, JobID: "j1", ClientID: testClientID, WorkerID: testWorkerID,
		Message: "too short", ProposedRate: 85,
	})
	if !errors.Is(err, ErrMessageTooShort) {
		t.Fatalf("expected ErrMessageTooShort, got %v", err)
	}

	_, err = svc.Create(context.Background(), CreateParams{
		ActorID: testWorkerID, JobID: "j1", ClientID: testClientID, WorkerID: testWorkerID,
		Message: "I have shipped three similar projects before", ProposedRate: 0,
	})
	if !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}

	_, err = svc.Create(context.Background(), CreateParams{
		ActorID: "stranger", JobID: "j1", ClientID: testClientID, WorkerID: testWorkerID,
		Message: "I have shipped three similar projects before", ProposedRate: 85,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRespond_InitiatorCannotRespond(t *testing.T) {
	repo := &fakeRepo{record: baseRecord(StatusPending)}
	svc, _ := newTestService(repo, nil)

	// Application: the worker is the initiator.
	_, err := svc.Respond(context.Background(), "n1", testWorkerID, ActionAccept)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRespond_CounterpartyAccepts(t *testing.T) {
	repo := &fakeRepo{record: baseRecord(StatusPending)}
	svc, pool := newTestService(repo, nil)

	updated, err := svc.Respond(context.Background(), "n1", testClientID, ActionAccept)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", updated.Status)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestRespond_RejectIsTerminal(t *testing.T) {
	repo := &fakeRepo{record: baseRecord(StatusPending)}
	svc, _ := newTestService(repo, nil)

	updated, err := svc.Respond(context.Background(), "n1", testClientID, ActionReject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", updated.Status)
	}
	if !updated.Terminal() {
		t.Error("expected rejected to be terminal")
	}
}

func TestRespond_OnlyFromPending(t *testing.T) {
	repo := &fakeRepo{record: baseRecord(StatusInDiscussion)}
	svc, _ := newTestService(repo, nil)

	_, err := svc.Respond(context.Background(), "n1", testClientID, ActionAccept)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStartDiscussion_IdempotentNoOp(t *testing.T) {
	repo := &fakeRepo{record: baseRecord(StatusInDiscussion)}
	svc, pool := newTestService(repo, nil)

	rec, err := svc.StartDiscussion(context.Background(), "n1", testClientID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusInDiscussion {
		t.Fatalf("expected in_discussion, got %s", rec.Status)
	}
	if repo.statusUpdates != 0 {
		t.Error("expected no status write on idempotent call")
	}
	if pool.tx.committed {
		t.Error("expected no commit on no-op")
	}
}

func TestSetAgreement_FirstFlagOnly(t *testing.T) {
	repo := &fakeRepo{record: baseRecord(StatusInDiscussion)}
	svc, pool := newTestService(repo, nil)

	result, err := svc.SetAgreement(context.Background(), "n1", testClientID, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Record.Status != StatusClientAgreed {
		t.Fatalf("expected client_agreed, got %s", result.Record.Status)
	}
	if result.Contract != nil {
		t.Fatal("expected no contract on single-sided agreement")
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestSetAgreement_BothFlagsCreateContract(t *testing.T) {
	rec := baseRecord(StatusClientAgreed)
	rec.ClientAgreed = true
	contracts := &fakeContracts{}
	repo := &fakeRepo{record: rec}
	svc, pool := newTestService(repo, contracts)

	result, err := svc.SetAgreement(context.Background(), "n1", testWorkerID, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Contract == nil {
		t.Fatal("expected contract on mutual agreement")
	}
	if result.Contract.Status != contract.StatusActive {
		t.Fatalf("expected active contract, got %s", result.Contract.Status)
	}
	if result.Record.Status != StatusBothAgreed {
		t.Fatalf("expected both_agreed, got %s", result.Record.Status)
	}
	if result.Record.ContractID == nil || *result.Record.ContractID != result.Contract.ID {
		t.Fatalf("record not linked to contract: %+v", result.Record.ContractID)
	}
	if contracts.created.NegotiationID != "n1" {
		t.Fatalf("contract created for wrong negotiation: %+v", contracts.created)
	}
	if contracts.created.AgreedRate != rec.ProposedRate {
		t.Fatalf("expected agreed rate %v, got %v", rec.ProposedRate, contracts.created.AgreedRate)
	}
	if !pool.tx.committed {
		t.Error("expected single commit covering claim and insert")
	}
	// contract creation also fans out a contract:created event
	if pool.tx.countExec("INSERT INTO outbox") != 2 {
		t.Errorf("expected 2 outbox rows, got %d", pool.tx.countExec("INSERT INTO outbox"))
	}
}

func TestSetAgreement_WithdrawClearsOwnFlagOnly(t *testing.T) {
	rec := baseRecord(StatusClientAgreed)
	rec.ClientAgreed = true
	repo := &fakeRepo{record: rec}
	svc, _ := newTestService(repo, nil)

	result, err := svc.SetAgreement(context.Background(), "n1", testClientID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Record.ClientAgreed {
		t.Error("expected client flag cleared")
	}
	if result.Record.Status != StatusInDiscussion {
		t.Fatalf("expected clamp back to in_discussion, got %s", result.Record.Status)
	}
	if result.Contract != nil {
		t.Fatal("withdrawal must never create a contract")
	}
}

func TestSetAgreement_WithdrawWhenBothWouldBeTrueStillNoContract(t *testing.T) {
	rec := baseRecord(StatusWorkerAgreed)
	rec.WorkerAgreed = true
	contracts := &fakeContracts{}
	repo := &fakeRepo{record: rec}
	svc, _ := newTestService(repo, contracts)

	// Client sends agreed=false while worker's flag is set: only the client
	// flag is written, no contract path runs.
	result, err := svc.SetAgreement(context.Background(), "n1", testClientID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contracts.calls != 0 {
		t.Fatal("contract creation must not run on withdrawal")
	}
	if result.Record.Status != StatusWorkerAgreed {
		t.Fatalf("expected worker_agreed, got %s", result.Record.Status)
	}
}

func TestSetAgreement_LoserRecoversWinnersOutcome(t *testing.T) {
	rec := baseRecord(StatusWorkerAgreed)
	rec.WorkerAgreed = true

	winnerContract := "contract-won"
	winner := baseRecord(StatusBothAgreed)
	winner.ClientAgreed, winner.WorkerAgreed = true, true
	winner.ContractID = &winnerContract

	contracts := &fakeContracts{err: contract.ErrNegotiationClaimed}
	repo := &fakeRepo{record: rec, getByID: &winner}
	svc, pool := newTestService(repo, contracts)

	result, err := svc.SetAgreement(context.Background(), "n1", testClientID, true)
	if err != nil {
		t.Fatalf("race loss must not surface an error, got %v", err)
	}
	if result.Record.ContractID == nil || *result.Record.ContractID != winnerContract {
		t.Fatalf("expected winner's contract id, got %+v", result.Record.ContractID)
	}
	if pool.tx.committed {
		t.Error("loser's transaction must roll back")
	}
	if !pool.tx.rolled {
		t.Error("expected rollback")
	}
}

func TestSetAgreement_ClaimLostAfterInsert(t *testing.T) {
	rec := baseRecord(StatusWorkerAgreed)
	rec.WorkerAgreed = true

	winnerContract := "contract-won"
	winner := baseRecord(StatusBothAgreed)
	winner.ContractID = &winnerContract

	repo := &fakeRepo{record: rec, claimErr: ErrAlreadyContracted, getByID: &winner}
	svc, pool := newTestService(repo, &fakeContracts{})

	result, err := svc.SetAgreement(context.Background(), "n1", testClientID, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Record.ContractID == nil {
		t.Fatal("expected recovered record to carry the winner's contract")
	}
	if pool.tx.committed {
		t.Error("losing claim must not commit")
	}
}

func TestSetAgreement_Gates(t *testing.T) {
	repo := &fakeRepo{record: baseRecord(StatusPending)}
	svc, _ := newTestService(repo, nil)

	if _, err := svc.SetAgreement(context.Background(), "n1", testClientID, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from pending, got %v", err)
	}

	repo.record = baseRecord(StatusInDiscussion)
	if _, err := svc.SetAgreement(context.Background(), "n1", "stranger", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	contracted := baseRecord(StatusBothAgreed)
	id := "c1"
	contracted.ContractID = &id
	repo.record = contracted
	repo.getByID = &contracted
	if _, err := svc.SetAgreement(context.Background(), "n1", testClientID, false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition withdrawing on contracted record, got %v", err)
	}
}

func TestSetAgreement_AgreeOnContractedRecordReturnsWinner(t *testing.T) {
	winnerContract := "contract-won"
	contracted := baseRecord(StatusBothAgreed)
	contracted.ClientAgreed, contracted.WorkerAgreed = true, true
	contracted.ContractID = &winnerContract

	contracts := &fakeContracts{}
	repo := &fakeRepo{record: contracted, getByID: &contracted}
	svc, pool := newTestService(repo, contracts)

	// The serialized loser re-reads an already-contracted record. It must
	// observe the winner's contract id, not an error.
	result, err := svc.SetAgreement(context.Background(), "n1", testClientID, true)
	if err != nil {
		t.Fatalf("lost race must not surface an error, got %v", err)
	}
	if result.Record.ContractID == nil || *result.Record.ContractID != winnerContract {
		t.Fatalf("expected winner's contract id, got %+v", result.Record.ContractID)
	}
	if contracts.calls != 0 {
		t.Error("no second contract may be attempted")
	}
	if pool.tx.committed {
		t.Error("loser's transaction must not commit")
	}
}

func TestGetAndTimeline_RestrictedToParties(t *testing.T) {
	rec := baseRecord(StatusPending)
	repo := &fakeRepo{getByID: &rec}
	svc, _ := newTestService(repo, nil)

	if _, err := svc.Get(context.Background(), "n1", "stranger"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Timeline(context.Background(), "n1", "stranger"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "n1", testWorkerID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusFromFlags(t *testing.T) {
	cases := []struct {
		client, worker bool
		want           Status
	}{
		{false, false, StatusInDiscussion},
		{true, false, StatusClientAgreed},
		{false, true, StatusWorkerAgreed},
		{true, true, StatusBothAgreed},
	}
	for _, tc := range cases {
		if got := statusFromFlags(tc.client, tc.worker); got != tc.want {
			t.Errorf("statusFromFlags(%v, %v) = %s, want %s", tc.client, tc.worker, got, tc.want)
		}
	}
}

// fakes

type fakeRepo struct {
	record   Record
	getByID  *Record
	claimErr error

	statusUpdates int
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, rec Record) (Record, error) {
	return rec, nil
}

func (f *fakeRepo) GetByID(_ context.Context, _ string) (Record, error) {
	if f.getByID != nil {
		return *f.getByID, nil
	}
	return f.record, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, _ string) (Record, error) {
	return f.record, nil
}

func (f *fakeRepo) SetFlags(_ context.Context, _ pgx.Tx, _ string, clientAgreed, workerAgreed bool, status Status) (Record, error) {
	rec := f.record
	rec.ClientAgreed = clientAgreed
	rec.WorkerAgreed = workerAgreed
	rec.Status = status
	f.record = rec
	return rec, nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, _ string, status Status) (Record, error) {
	f.statusUpdates++
	rec := f.record
	rec.Status = status
	f.record = rec
	return rec, nil
}

func (f *fakeRepo) ClaimContract(_ context.Context, _ pgx.Tx, _ string, contractID string) (Record, error) {
	if f.claimErr != nil {
		return Record{}, f.claimErr
	}
	rec := f.record
	rec.ClientAgreed, rec.WorkerAgreed = true, true
	rec.Status = StatusBothAgreed
	rec.ContractID = &contractID
	f.record = rec
	return rec, nil
}

func (f *fakeRepo) ListForUser(_ context.Context, _ string, _ Filters) ([]Record, int, error) {
	return []Record{f.record}, 1, nil
}

func (f *fakeRepo) Timeline(_ context.Context, _ string) ([]TimelineEvent, error) {
	return nil, nil
}

type fakeContracts struct {
	created contract.Contract
	calls   int
	err     error
}

func (f *fakeContracts) CreateFromNegotiation(_ context.Context, _ pgx.Tx, params contract.CreateParams) (contract.Contract, error) {
	f.calls++
	if f.err != nil {
		return contract.Contract{}, f.err
	}
	f.created = contract.Contract{
		ID:            params.ID,
		NegotiationID: params.NegotiationID,
		JobID:         params.JobID,
		ClientID:      params.ClientID,
		WorkerID:      params.WorkerID,
		AgreedRate:    params.AgreedRate,
		Type:          params.Type,
		Status:        contract.StatusActive,
	}
	return f.created, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
	execSQL   []string
}

func (f *fakeTx) countExec(prefix string) int {
	n := 0
	for _, q := range f.execSQL {
		if len(q) >= len(prefix) && q[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, normalizeSQL(sql))
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn { return nil }

func normalizeSQL(q string) string {
	out := make([]byte, 0, len(q))
	space := true
	for i := 0; i < len(q); i++ {
		c := q[i]
		if c == '\n' || c == '\t' || c == ' ' {
			if !space {
				out = append(out, ' ')
				space = true
			}
			continue
		}
		out = append(out, c)
		space = false
	}
	return string(out)
}
