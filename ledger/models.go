package ledger

import "time"

// EventType classifies a transition attempt recorded in the audit log.
type EventType string

const (
	EventCreated            EventType = "created"
	EventPaid               EventType = "paid"
	EventReleased           EventType = "released"
	EventRefunded           EventType = "refunded"
	EventCancelled          EventType = "cancelled"
	EventDisputeOpened      EventType = "dispute_opened"
	EventDisputeResolved    EventType = "dispute_resolved"
	EventTransitionRejected EventType = "transition_rejected"
	// EventReleaseFailed records the compensating releasing -> paid move
	// after a gateway failure mid-release.
	EventReleaseFailed EventType = "release_failed"
	// EventClaimReaped records a stuck claim returned by the reaper.
	EventClaimReaped EventType = "claim_reaped"
)

// Actor identifies who attempted a transition.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorCustomer Actor = "customer"
	ActorPartner  Actor = "partner"
	ActorAdmin    Actor = "admin"
)

// Entry is one append-only audit row. Entries are never updated or deleted.
type Entry struct {
	ID            int64
	TransactionID string
	EventType     EventType
	Actor         Actor
	ActorID       string
	StatusBefore  string
	StatusAfter   string
	AmountCents   int64
	// ExternalEventID is the replay guard: a given non-empty value is
	// accepted at most once across the whole ledger.
	ExternalEventID *string
	Metadata        map[string]any
	CreatedAt       time.Time
}
