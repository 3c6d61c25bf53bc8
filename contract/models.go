package contract

import "time"

// Status mirrors the contracts.status column. The lifecycle only moves
// forward; cancellation is the one terminal branch off the happy path.
type Status string

const (
	StatusActive              Status = "active"
	StatusInProgress          Status = "in_progress"
	StatusAwaitingClientConf  Status = "awaiting_client_confirmation"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
)

// Type classifies the engagement. Everything negotiated through a rate is
// fixed-rate today; the column exists so other engagement shapes can land
// without a schema change.
type Type string

const (
	TypeFixedRate Type = "fixed_rate"
	TypeHourly    Type = "hourly"
)

// Contract is the binding work agreement created once both parties consent.
// Exactly one contract exists per originating negotiation (unique claim on
// negotiation_id).
type Contract struct {
	ID            string
	NegotiationID string
	JobID         string
	ClientID      string
	WorkerID      string
	AgreedRate    float64
	Type          Type
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time

	StartDate         *time.Time
	WorkerCompletedAt *time.Time
	ClientConfirmedAt *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	CancelReason      *string

	ClientFeedback   *string
	WorkerFeedback   *string
	ClientRating     *int
	WorkerRating     *int
	ClientFeedbackAt *time.Time
	WorkerFeedbackAt *time.Time
}

// Party identifies which side of the contract an actor is on.
type Party string

const (
	PartyNone   Party = ""
	PartyClient Party = "client"
	PartyWorker Party = "worker"
)

// PartyOf returns which side of the contract the given user is on.
func (c Contract) PartyOf(userID string) Party {
	switch userID {
	case c.ClientID:
		return PartyClient
	case c.WorkerID:
		return PartyWorker
	default:
		return PartyNone
	}
}

// Terminal reports whether the contract can no longer change status.
func (c Contract) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusCancelled
}

// CreateParams enumerates the fields needed to materialise a contract from a
// mutually agreed negotiation, inside the caller's transaction.
type CreateParams struct {
	ID            string
	NegotiationID string
	JobID         string
	ClientID      string
	WorkerID      string
	AgreedRate    float64
	Type          Type
}

// Filters narrows and pages contract list queries.
type Filters struct {
	Status   Status
	Page     int
	PageSize int
}

// Outbox topics emitted by the contract lifecycle. Payloads are full
// contract snapshots.
const (
	TopicCreated  = "contract:created"
	TopicUpdated  = "contract:updated"
	TopicFeedback = "contract:feedback"
)
