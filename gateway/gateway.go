// Package gateway abstracts the external payment processor. Every call is a
// blocking network operation; callers must treat failure as "not yet done",
// never as "definitely not done", and pass idempotency keys accordingly.
package gateway

import (
	"context"
	"fmt"
)

// Metadata is attached to a hold for later reconciliation.
type Metadata map[string]string

// Hold is a manual-capture authorization created by the processor.
type Hold struct {
	// Ref is the processor-side reference used for capture/cancel/refund.
	Ref string
	// ClientToken is the client-facing confirmation token returned to the
	// caller of escrow creation.
	ClientToken string
}

// Adapter is the processor surface the engine consumes.
type Adapter interface {
	CreateHold(ctx context.Context, amountCents int64, currency string, md Metadata) (Hold, error)
	Capture(ctx context.Context, ref, idempotencyKey string) error
	Cancel(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref, idempotencyKey string) error
	Transfer(ctx context.Context, amountCents int64, destination, idempotencyKey string) error
}

// Error is a processor-reported failure. The message is never shown to end
// users; it is logged server-side only.
type Error struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: status %d code %q: %s", e.Op, e.Status, e.Code, e.Message)
}
