package settlement

import (
	"context"
	"fmt"
	"time"
)

// Service owns case creation, evidence attachment, and the lookup paths.
// Payment fields are mutated by the payment package, contract fields by the
// contract package; each goes through the same Repository contract.
type Service struct {
	repo        Repository
	idGenerator func() string
	tokenGen    func() (string, error)
	now         func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		idGenerator: NewCaseID,
		tokenGen:    NewShareToken,
		now:         time.Now,
	}
}

// CreateCase validates the settlement economics, generates the id and share
// token, and persists the new case in the OPEN/UNPAID state.
func (s *Service) CreateCase(ctx context.Context, params CreateParams) (Case, error) {
	if params.AmountCents < 0 {
		return Case{}, fmt.Errorf("%w: amount_cents must be non-negative", ErrInvalidParams)
	}
	if params.DownPaymentCents < 0 {
		return Case{}, fmt.Errorf("%w: down_payment_cents must be non-negative", ErrInvalidParams)
	}
	if params.Months < 0 {
		return Case{}, fmt.Errorf("%w: months must be non-negative", ErrInvalidParams)
	}
	if params.DownPct < 0 {
		return Case{}, fmt.Errorf("%w: down_pct must be non-negative", ErrInvalidParams)
	}

	token, err := s.tokenGen()
	if err != nil {
		return Case{}, err
	}

	c := Case{
		ID:               s.idGenerator(),
		CreatedAt:        s.now().UTC(),
		Status:           StatusOpen,
		AmountCents:      params.AmountCents,
		DownPaymentCents: params.DownPaymentCents,
		Months:           params.Months,
		DownPct:          params.DownPct,
		PaymentStatus:    PaymentUnpaid,
		ShareToken:       token,
	}

	created, err := s.repo.Create(ctx, c)
	if err != nil {
		return Case{}, fmt.Errorf("settlement: create case: %w", err)
	}
	return created, nil
}

// AttachEvidence appends items to the case.
//
// Idempotency is NOT guaranteed: repeated calls with the same items append
// duplicates. Callers that care must de-duplicate by item name.
func (s *Service) AttachEvidence(ctx context.Context, id string, items []EvidenceItem) (Case, error) {
	if len(items) == 0 {
		return s.repo.Get(ctx, id)
	}
	return s.repo.AppendEvidence(ctx, id, items)
}

// GetCase fetches a case by its primary identifier.
func (s *Service) GetCase(ctx context.Context, id string) (Case, error) {
	return s.repo.Get(ctx, id)
}

// LookupByShareToken resolves the counter-party view. The token is matched
// exactly via the store's secondary index; a token that matches no case, even
// a prefix of a real one, yields ErrCaseNotFound.
func (s *Service) LookupByShareToken(ctx context.Context, token string) (Case, error) {
	if token == "" {
		return Case{}, ErrCaseNotFound
	}
	return s.repo.GetByShareToken(ctx, token)
}

// ListCases returns a snapshot of all cases in insertion order.
func (s *Service) ListCases(ctx context.Context) ([]Case, error) {
	return s.repo.List(ctx)
}
