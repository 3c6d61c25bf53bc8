package contract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrForbidden signals the actor is not a party to the contract, or is the
	// wrong party for the requested transition.
	ErrForbidden = errors.New("contract: actor may not perform this transition")
	// ErrInvalidTransition signals the contract is not in a state that permits
	// the requested transition.
	ErrInvalidTransition = errors.New("contract: invalid transition")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service enforces the work-execution lifecycle. Every transition is a
// role-gated conditional write; under a duplicate click or a racing cancel
// exactly one write lands and the other surfaces InvalidTransition.
type Service struct {
	pool TxBeginner
	repo Repository
	now  func() time.Time
}

func NewService(pool TxBeginner, repo Repository) *Service {
	return &Service{
		pool: pool,
		repo: repo,
		now:  time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StartWork moves active → in_progress. Worker only.
func (s *Service) StartWork(ctx context.Context, contractID, actorID string) (Contract, error) {
	return s.transition(ctx, contractID, actorID, transitionSpec{
		from:      []Status{StatusActive},
		to:        StatusInProgress,
		actor:     PartyWorker,
		eventType: "WORK_STARTED",
		stamps: func(now time.Time) map[string]any {
			return map[string]any{"start_date": now}
		},
	})
}

// CompleteWork moves in_progress → awaiting_client_confirmation. Worker only.
func (s *Service) CompleteWork(ctx context.Context, contractID, actorID string) (Contract, error) {
	return s.transition(ctx, contractID, actorID, transitionSpec{
		from:      []Status{StatusInProgress},
		to:        StatusAwaitingClientConf,
		actor:     PartyWorker,
		eventType: "WORK_COMPLETED",
		stamps: func(now time.Time) map[string]any {
			return map[string]any{"worker_completed_at": now}
		},
	})
}

// ConfirmCompletion moves awaiting_client_confirmation → completed. Client only.
func (s *Service) ConfirmCompletion(ctx context.Context, contractID, actorID string) (Contract, error) {
	return s.transition(ctx, contractID, actorID, transitionSpec{
		from:      []Status{StatusAwaitingClientConf},
		to:        StatusCompleted,
		actor:     PartyClient,
		eventType: "COMPLETION_CONFIRMED",
		stamps: func(now time.Time) map[string]any {
			return map[string]any{"client_confirmed_at": now, "completed_at": now}
		},
	})
}

// Cancel terminates an active or in-progress contract. Either party may
// cancel; whichever conditional write lands first wins against a racing
// completion.
func (s *Service) Cancel(ctx context.Context, contractID, actorID, reason string) (Contract, error) {
	var reasonPtr *string
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		reasonPtr = &trimmed
	}
	return s.transition(ctx, contractID, actorID, transitionSpec{
		from:      []Status{StatusActive, StatusInProgress},
		to:        StatusCancelled,
		actor:     PartyNone, // either party
		eventType: "CONTRACT_CANCELLED",
		stamps: func(now time.Time) map[string]any {
			return map[string]any{"cancelled_at": now, "cancel_reason": reasonPtr}
		},
	})
}

type transitionSpec struct {
	from      []Status
	to        Status
	actor     Party // PartyNone means either party
	eventType string
	stamps    func(now time.Time) map[string]any
}

func (s *Service) transition(ctx context.Context, contractID, actorID string, spec transitionSpec) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Contract{}, err
	}

	party := c.PartyOf(actorID)
	if party == PartyNone {
		return Contract{}, ErrForbidden
	}
	if spec.actor != PartyNone && party != spec.actor {
		return Contract{}, fmt.Errorf("%w: %s transition requires the %s", ErrForbidden, spec.to, spec.actor)
	}

	updated, err := s.repo.Transition(ctx, tx, contractID, spec.from, spec.to, spec.stamps(s.now().UTC()))
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return Contract{}, fmt.Errorf("%w: cannot move %s contract to %s", ErrInvalidTransition, c.Status, spec.to)
		}
		return Contract{}, err
	}

	payload := map[string]any{
		"contract_id": updated.ID,
		"from":        c.Status,
		"to":          updated.Status,
		"party":       party,
	}
	if err := insertTimelineEvent(ctx, tx, updated.NegotiationID, spec.eventType, actorID, payload); err != nil {
		return Contract{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicUpdated, []string{updated.ClientID, updated.WorkerID}, Snapshot(updated)); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit transition: %w", err)
	}
	return updated, nil
}

// Get returns one contract, restricted to its parties.
func (s *Service) Get(ctx context.Context, contractID, actorID string) (Contract, error) {
	c, err := s.repo.GetByID(ctx, contractID)
	if err != nil {
		return Contract{}, err
	}
	if c.PartyOf(actorID) == PartyNone {
		return Contract{}, ErrForbidden
	}
	return c, nil
}

// ListForUser returns the contracts the user participates in.
func (s *Service) ListForUser(ctx context.Context, userID string, f Filters) ([]Contract, int, error) {
	return s.repo.ListForUser(ctx, userID, f)
}
