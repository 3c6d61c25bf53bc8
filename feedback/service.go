package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"jobbridge/contract"
)

var (
	// ErrNotCompleted signals feedback was submitted before the contract completed.
	ErrNotCompleted = errors.New("feedback: contract is not completed")
	// ErrAlreadySubmitted signals this party already left feedback on the contract.
	ErrAlreadySubmitted = errors.New("feedback: already submitted")
	// ErrForbidden signals the actor is not a party to the contract.
	ErrForbidden = errors.New("feedback: actor is not a party to the contract")
	// ErrInvalidRating signals a rating outside the 1..5 scale.
	ErrInvalidRating = fmt.Errorf("feedback: rating must be between %d and %d", RatingMin, RatingMax)
	// ErrCommentTooShort signals a comment under the minimum length.
	ErrCommentTooShort = fmt.Errorf("feedback: comment must be at least %d characters", MinCommentLen)
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Contracts is the slice of the contract repository the recorder needs.
type Contracts interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.Contract, error)
}

// Store defines the data access required by the feedback service.
type Store interface {
	WriteReview(ctx context.Context, tx pgx.Tx, contractID, party string, rating int, comment string, at time.Time) (contract.Contract, error)
	RecomputeUserRating(ctx context.Context, tx pgx.Tx, userID string) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, negotiationID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, recipients []string, payload map[string]any) error
}

// Service records one review per party per completed contract and keeps the
// counterparty's aggregate rating current. Writing feedback never changes the
// contract's status.
type Service struct {
	pool      TxBeginner
	repo      Store
	contracts Contracts
	now       func() time.Time
}

func NewService(pool TxBeginner, repo Store, contracts Contracts) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		contracts: contracts,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitParams carries one review submission.
type SubmitParams struct {
	ContractID string
	ActorID    string
	Rating     int
	Comment    string
}

// Submit validates and records the acting party's review, then recomputes the
// reviewed party's aggregate rating in the same transaction.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Review, error) {
	if params.Rating < RatingMin || params.Rating > RatingMax {
		return Review{}, ErrInvalidRating
	}
	comment := strings.TrimSpace(params.Comment)
	if len(comment) < MinCommentLen {
		return Review{}, ErrCommentTooShort
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Review{}, fmt.Errorf("feedback: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, params.ContractID)
	if err != nil {
		return Review{}, err
	}

	party := c.PartyOf(params.ActorID)
	if party == contract.PartyNone {
		return Review{}, ErrForbidden
	}
	if c.Status != contract.StatusCompleted {
		return Review{}, ErrNotCompleted
	}

	var revieweeID string
	switch party {
	case contract.PartyClient:
		if c.ClientFeedback != nil {
			return Review{}, ErrAlreadySubmitted
		}
		revieweeID = c.WorkerID
	case contract.PartyWorker:
		if c.WorkerFeedback != nil {
			return Review{}, ErrAlreadySubmitted
		}
		revieweeID = c.ClientID
	}

	now := s.now().UTC()
	updated, err := s.repo.WriteReview(ctx, tx, c.ID, string(party), params.Rating, comment, now)
	if err != nil {
		return Review{}, err
	}

	if err := s.repo.RecomputeUserRating(ctx, tx, revieweeID); err != nil {
		return Review{}, err
	}

	payload := map[string]any{
		"contract_id": c.ID,
		"party":       party,
		"rating":      params.Rating,
	}
	if err := s.repo.AppendTimeline(ctx, tx, c.NegotiationID, "CONTRACT_FEEDBACK", params.ActorID, payload); err != nil {
		return Review{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, contract.TopicFeedback, []string{c.ClientID, c.WorkerID}, contract.Snapshot(updated)); err != nil {
		return Review{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Review{}, fmt.Errorf("feedback: commit: %w", err)
	}

	return Review{
		ContractID:  c.ID,
		ReviewerID:  params.ActorID,
		RevieweeID:  revieweeID,
		Party:       string(party),
		Rating:      params.Rating,
		Comment:     comment,
		SubmittedAt: now,
	}, nil
}
