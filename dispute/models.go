package dispute

import "time"

// Status represents the lifecycle of a dispute record. It moves in
// lock-step with the owning transaction: resolved_customer pairs with a
// refunded transaction, resolved_partner with a released one.
type Status string

const (
	StatusOpen             Status = "open"
	StatusResolving        Status = "resolving"
	StatusResolvedCustomer Status = "resolved_customer"
	StatusResolvedPartner  Status = "resolved_partner"
)

// Resolution is the admin's requested outcome.
type Resolution string

const (
	ResolutionFullRefund       Resolution = "full_refund"
	ResolutionReleaseToPartner Resolution = "release_to_partner"
)

// Record mirrors the disputes table.
type Record struct {
	ID            string
	TransactionID string
	OpenedByRole  string
	OpenedByID    string
	Reason        string
	Description   string
	Status        Status
	Resolution    *string
	AdminNotes    *string
	ResolvedBy    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}
