package settlement

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCaseNotFound is returned when no case exists for the given id or share token.
	ErrCaseNotFound = errors.New("settlement: case not found")
	// ErrAlreadyPaid signals a write that would regress a PAID case back to PENDING.
	ErrAlreadyPaid = errors.New("settlement: case already paid")
	// ErrCaseNotPaid guards contract writes against cases that have not completed payment.
	ErrCaseNotPaid = errors.New("settlement: case not paid")
	// ErrInvalidParams is returned for malformed settlement economics.
	ErrInvalidParams = errors.New("settlement: invalid case parameters")
	// ErrDuplicateCase signals an id or share-token collision on insert.
	ErrDuplicateCase = errors.New("settlement: duplicate case id or share token")
)

// Repository is the storage contract for cases. Both implementations must make
// every update atomic and conditional on current state: concurrent duplicate
// "mark paid" calls collapse into one effective transition, and a checkout
// initiated after payment completed never clobbers PAID back to PENDING.
type Repository interface {
	Create(ctx context.Context, c Case) (Case, error)
	Get(ctx context.Context, id string) (Case, error)
	GetByShareToken(ctx context.Context, token string) (Case, error)
	List(ctx context.Context) ([]Case, error)

	// AppendEvidence appends items in order. No de-duplication: repeated calls
	// with the same items append duplicates.
	AppendEvidence(ctx context.Context, id string, items []EvidenceItem) (Case, error)

	// MarkCheckoutPending records a new checkout session and moves the fee to
	// PENDING. Fails with ErrAlreadyPaid if the case already completed payment.
	MarkCheckoutPending(ctx context.Context, id, sessionID string) (Case, error)

	// MarkPaid completes payment exactly once. The bool reports whether this
	// call performed the transition; a duplicate delivery returns false with
	// the stored case untouched.
	MarkPaid(ctx context.Context, id, sessionID string, paidAt time.Time) (Case, bool, error)

	// SetContractURL records the rendered contract location. Only legal on a
	// PAID case; if the URL is already set the stored case is returned as-is.
	SetContractURL(ctx context.Context, id, url string) (Case, error)
}
