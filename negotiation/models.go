package negotiation

import "time"

// Kind discriminates who initiated the record: workers apply, clients invite.
// Both kinds share the same state machine.
type Kind string

const (
	KindApplication Kind = "application"
	KindInvitation  Kind = "invitation"
)

// Status mirrors the negotiations.status column.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAccepted     Status = "accepted"
	StatusRejected     Status = "rejected"
	StatusInDiscussion Status = "in_discussion"
	StatusClientAgreed Status = "client_agreed"
	StatusWorkerAgreed Status = "worker_agreed"
	StatusBothAgreed   Status = "both_agreed"
	StatusCancelled    Status = "cancelled"
)

// Party identifies which side of the record an actor is on.
type Party string

const (
	PartyNone   Party = ""
	PartyClient Party = "client"
	PartyWorker Party = "worker"
)

// Record unifies applications and invitations into one negotiation entity.
// ContractID is set exactly once, when mutual agreement spawns a contract;
// after that the record is immutable except for display.
type Record struct {
	ID           string
	Kind         Kind
	JobID        string
	ClientID     string
	WorkerID     string
	Message      string
	ProposedRate float64
	Status       Status
	ClientAgreed bool
	WorkerAgreed bool
	ContractID   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TimelineEvent captures an immutable business event on a negotiation thread.
type TimelineEvent struct {
	ID            int64
	NegotiationID string
	Type          string
	ActorID       *string
	Payload       []byte
	CreatedAt     time.Time
}

// PartyOf returns which side of the record the given user is on.
func (r Record) PartyOf(userID string) Party {
	switch userID {
	case r.ClientID:
		return PartyClient
	case r.WorkerID:
		return PartyWorker
	default:
		return PartyNone
	}
}

// Initiator returns the party that created the record.
func (r Record) Initiator() Party {
	if r.Kind == KindInvitation {
		return PartyClient
	}
	return PartyWorker
}

// Terminal reports whether the record can no longer change.
func (r Record) Terminal() bool {
	switch r.Status {
	case StatusRejected, StatusCancelled, StatusBothAgreed:
		return true
	}
	return r.ContractID != nil
}

// statusFromFlags derives the agreement status from the two consent flags.
// The both-true status is normally written by the contract claim path.
func statusFromFlags(clientAgreed, workerAgreed bool) Status {
	switch {
	case clientAgreed && workerAgreed:
		return StatusBothAgreed
	case clientAgreed:
		return StatusClientAgreed
	case workerAgreed:
		return StatusWorkerAgreed
	default:
		return StatusInDiscussion
	}
}

// Filters narrows and pages list queries.
type Filters struct {
	Kind     Kind
	Status   Status
	JobID    string
	Page     int
	PageSize int
}

const (
	// MinMessageLen is the minimum initiator message length accepted on create.
	MinMessageLen = 20
)

// Outbox topics emitted by the negotiation service. Payloads are full record
// snapshots so duplicate or out-of-order delivery cannot corrupt a consumer.
const (
	TopicCreated    = "negotiation:created"
	TopicResponded  = "negotiation:responded"
	TopicDiscussion = "negotiation:discussion"
	TopicAgreement  = "negotiation:agreement"
)
