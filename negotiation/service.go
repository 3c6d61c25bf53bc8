package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"jobbridge/contract"
)

var (
	// ErrMessageTooShort signals the initiator message is under the minimum length.
	ErrMessageTooShort = fmt.Errorf("negotiation: message must be at least %d characters", MinMessageLen)
	// ErrInvalidRate signals a non-positive proposed rate.
	ErrInvalidRate = errors.New("negotiation: proposed rate must be positive")
	// ErrForbidden signals the actor is not a party to the record.
	ErrForbidden = errors.New("negotiation: actor is not a party to the record")
	// ErrInvalidTransition signals the record is not in a state that permits
	// the requested operation.
	ErrInvalidTransition = errors.New("negotiation: invalid transition")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ContractCreator is the slice of the contract repository the agreement
// coordinator needs: materialising the contract inside its own transaction.
type ContractCreator interface {
	CreateFromNegotiation(ctx context.Context, tx pgx.Tx, params contract.CreateParams) (contract.Contract, error)
}

// Service owns the negotiation state machine: record creation, the
// accept/reject short-circuit, discussion, and the mutual-consent agreement
// protocol that spawns exactly one contract per record.
type Service struct {
	pool      TxBeginner
	repo      Repository
	contracts ContractCreator
	idGen     func() string
	now       func() time.Time
}

func NewService(pool TxBeginner, repo Repository, contracts ContractCreator) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		contracts: contracts,
		idGen:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams carries the initiation request. Kind is derived from the
// initiating party: workers apply, clients invite.
type CreateParams struct {
	ActorID      string
	JobID        string
	ClientID     string
	WorkerID     string
	Message      string
	ProposedRate float64
}

// Create opens a new negotiation record in pending state.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.JobID == "" || params.ClientID == "" || params.WorkerID == "" {
		return Record{}, fmt.Errorf("negotiation: job and both party ids required")
	}
	if len(strings.TrimSpace(params.Message)) < MinMessageLen {
		return Record{}, ErrMessageTooShort
	}
	if params.ProposedRate <= 0 {
		return Record{}, ErrInvalidRate
	}

	var kind Kind
	switch params.ActorID {
	case params.WorkerID:
		kind = KindApplication
	case params.ClientID:
		kind = KindInvitation
	default:
		return Record{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Record{
		ID:           s.idGen(),
		Kind:         kind,
		JobID:        params.JobID,
		ClientID:     params.ClientID,
		WorkerID:     params.WorkerID,
		Message:      params.Message,
		ProposedRate: params.ProposedRate,
		Status:       StatusPending,
	}

	created, err := s.repo.Create(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"kind":          created.Kind,
		"job_id":        created.JobID,
		"proposed_rate": created.ProposedRate,
	}
	if err := insertTimelineEvent(ctx, tx, created.ID, "NEGOTIATION_CREATED", params.ActorID, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicCreated, partiesOf(created), recordSnapshot(created)); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("negotiation: commit create: %w", err)
	}
	return created, nil
}

// RespondAction is the short-circuit decision on a pending record.
type RespondAction string

const (
	ActionAccept RespondAction = "accept"
	ActionReject RespondAction = "reject"
)

// Respond applies the accept/reject short-circuit. Only the non-initiating
// party may respond, and only while the record is pending.
func (s *Service) Respond(ctx context.Context, recordID, actorID string, action RespondAction) (Record, error) {
	if action != ActionAccept && action != ActionReject {
		return Record{}, fmt.Errorf("negotiation: unknown respond action %q", action)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, recordID)
	if err != nil {
		return Record{}, err
	}

	party := rec.PartyOf(actorID)
	if party == PartyNone {
		return Record{}, ErrForbidden
	}
	if party == rec.Initiator() {
		return Record{}, fmt.Errorf("%w: initiator cannot respond to own record", ErrInvalidTransition)
	}
	if rec.Status != StatusPending {
		return Record{}, fmt.Errorf("%w: respond requires pending, record is %s", ErrInvalidTransition, rec.Status)
	}

	next := StatusAccepted
	if action == ActionReject {
		next = StatusRejected
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, recordID, next)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{"action": action, "status": updated.Status}
	if err := insertTimelineEvent(ctx, tx, updated.ID, "NEGOTIATION_RESPONDED", actorID, payload); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicResponded, partiesOf(updated), recordSnapshot(updated)); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("negotiation: commit respond: %w", err)
	}
	return updated, nil
}

// StartDiscussion moves a pending record into in_discussion. Calling it on a
// record already in discussion is an idempotent no-op.
func (s *Service) StartDiscussion(ctx context.Context, recordID, actorID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, recordID)
	if err != nil {
		return Record{}, err
	}
	if rec.PartyOf(actorID) == PartyNone {
		return Record{}, ErrForbidden
	}
	if rec.Status == StatusInDiscussion {
		return rec, nil
	}
	if rec.Status != StatusPending && rec.Status != StatusAccepted {
		return Record{}, fmt.Errorf("%w: cannot start discussion from %s", ErrInvalidTransition, rec.Status)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, recordID, StatusInDiscussion)
	if err != nil {
		return Record{}, err
	}

	if err := insertTimelineEvent(ctx, tx, updated.ID, "DISCUSSION_STARTED", actorID, map[string]any{"from": rec.Status}); err != nil {
		return Record{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicDiscussion, partiesOf(updated), recordSnapshot(updated)); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("negotiation: commit discussion: %w", err)
	}
	return updated, nil
}

// AgreementResult reports the record after a SetAgreement call and, when this
// call (or a concurrent one) completed mutual consent, the resulting contract.
type AgreementResult struct {
	Record   Record
	Contract *contract.Contract
}

// SetAgreement records one party's consent decision. Setting agreed=false
// only ever clears the actor's own flag. Setting agreed=true sets it, and
// when the counterparty's flag is already set this call must win a
// conditional claim on contract_id to create the contract; a concurrent
// second actor loses the claim and recovers by re-reading the record.
func (s *Service) SetAgreement(ctx context.Context, recordID, actorID string, agreed bool) (AgreementResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AgreementResult{}, fmt.Errorf("negotiation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, recordID)
	if err != nil {
		return AgreementResult{}, err
	}

	party := rec.PartyOf(actorID)
	if party == PartyNone {
		return AgreementResult{}, ErrForbidden
	}
	if rec.ContractID != nil || rec.Status == StatusBothAgreed {
		if agreed {
			// A concurrent call already completed consent. The caller sees
			// the winner's outcome, not an error.
			return s.recoverContracted(ctx, recordID)
		}
		return AgreementResult{}, fmt.Errorf("%w: record already contracted", ErrInvalidTransition)
	}
	switch rec.Status {
	case StatusAccepted, StatusInDiscussion, StatusClientAgreed, StatusWorkerAgreed:
		// agreement is open
	default:
		return AgreementResult{}, fmt.Errorf("%w: cannot set agreement from %s", ErrInvalidTransition, rec.Status)
	}

	clientAgreed, workerAgreed := rec.ClientAgreed, rec.WorkerAgreed
	if party == PartyClient {
		clientAgreed = agreed
	} else {
		workerAgreed = agreed
	}

	if !agreed || !(clientAgreed && workerAgreed) {
		// No contract this round: persist the flag change and the clamped status.
		updated, err := s.repo.SetFlags(ctx, tx, recordID, clientAgreed, workerAgreed, statusFromFlags(clientAgreed, workerAgreed))
		if err != nil {
			if errors.Is(err, ErrAlreadyContracted) {
				return s.recoverContracted(ctx, recordID)
			}
			return AgreementResult{}, err
		}

		eventType := "AGREEMENT_SET"
		if !agreed {
			eventType = "AGREEMENT_WITHDRAWN"
		}
		payload := map[string]any{"party": party, "agreed": agreed, "status": updated.Status}
		if err := insertTimelineEvent(ctx, tx, updated.ID, eventType, actorID, payload); err != nil {
			return AgreementResult{}, err
		}
		if err := enqueueOutbox(ctx, tx, TopicAgreement, partiesOf(updated), recordSnapshot(updated)); err != nil {
			return AgreementResult{}, err
		}

		if err := tx.Commit(ctx); err != nil {
			return AgreementResult{}, fmt.Errorf("negotiation: commit agreement: %w", err)
		}
		return AgreementResult{Record: updated}, nil
	}

	// Both flags are true: this call races to create the contract. The claim
	// and the insert commit or roll back as one unit.
	created, err := s.contracts.CreateFromNegotiation(ctx, tx, contract.CreateParams{
		ID:            s.idGen(),
		NegotiationID: rec.ID,
		JobID:         rec.JobID,
		ClientID:      rec.ClientID,
		WorkerID:      rec.WorkerID,
		AgreedRate:    rec.ProposedRate,
		Type:          contract.TypeFixedRate,
	})
	if err != nil {
		if errors.Is(err, contract.ErrNegotiationClaimed) {
			return s.recoverContracted(ctx, recordID)
		}
		return AgreementResult{}, err
	}

	claimed, err := s.repo.ClaimContract(ctx, tx, rec.ID, created.ID)
	if err != nil {
		if errors.Is(err, ErrAlreadyContracted) {
			return s.recoverContracted(ctx, recordID)
		}
		return AgreementResult{}, err
	}

	payload := map[string]any{
		"party":       party,
		"agreed":      true,
		"contract_id": created.ID,
		"agreed_rate": created.AgreedRate,
	}
	if err := insertTimelineEvent(ctx, tx, claimed.ID, "CONTRACT_CREATED", actorID, payload); err != nil {
		return AgreementResult{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicAgreement, partiesOf(claimed), recordSnapshot(claimed)); err != nil {
		return AgreementResult{}, err
	}
	if err := enqueueOutbox(ctx, tx, contract.TopicCreated, partiesOf(claimed), contract.Snapshot(created)); err != nil {
		return AgreementResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AgreementResult{}, fmt.Errorf("negotiation: commit contract claim: %w", err)
	}
	return AgreementResult{Record: claimed, Contract: &created}, nil
}

// recoverContracted handles the losing side of the claim race: the open
// transaction rolls back via the deferred Rollback and the caller gets the
// winner's outcome from a fresh read, not an error.
func (s *Service) recoverContracted(ctx context.Context, recordID string) (AgreementResult, error) {
	rec, err := s.repo.GetByID(ctx, recordID)
	if err != nil {
		return AgreementResult{}, err
	}
	return AgreementResult{Record: rec}, nil
}

// Get returns one record, restricted to its parties.
func (s *Service) Get(ctx context.Context, recordID, actorID string) (Record, error) {
	rec, err := s.repo.GetByID(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if rec.PartyOf(actorID) == PartyNone {
		return Record{}, ErrForbidden
	}
	return rec, nil
}

// ListForUser returns the records the user participates in.
func (s *Service) ListForUser(ctx context.Context, userID string, f Filters) ([]Record, int, error) {
	return s.repo.ListForUser(ctx, userID, f)
}

// Timeline returns the audit trail of a record, restricted to its parties.
func (s *Service) Timeline(ctx context.Context, recordID, actorID string) ([]TimelineEvent, error) {
	rec, err := s.repo.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.PartyOf(actorID) == PartyNone {
		return nil, ErrForbidden
	}
	return s.repo.Timeline(ctx, recordID)
}

func partiesOf(rec Record) []string {
	return []string{rec.ClientID, rec.WorkerID}
}
