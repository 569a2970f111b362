package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"taptosettle/settlement"
)

// ContractFeeCents is the flat one-time contract-generation fee collected per
// case. Decoupled from the modeled settlement economics, which are rendered
// into the contract text but never collected here.
const ContractFeeCents = 500

const eventCheckoutCompleted = "checkout.session.completed"

// CaseStore is the slice of the settlement repository the reconciliation
// path needs.
type CaseStore interface {
	Get(ctx context.Context, id string) (settlement.Case, error)
	MarkCheckoutPending(ctx context.Context, id, sessionID string) (settlement.Case, error)
	MarkPaid(ctx context.Context, id, sessionID string, paidAt time.Time) (settlement.Case, bool, error)
}

// Service bridges the provider's two interaction styles: synchronous session
// creation and asynchronous, at-least-once, possibly duplicated event
// delivery.
type Service struct {
	store      CaseStore
	provider   Provider
	verifier   *SignatureVerifier
	publicHost string
	now        func() time.Time
}

func NewService(store CaseStore, provider Provider, verifier *SignatureVerifier, publicHost string) *Service {
	return &Service{
		store:      store,
		provider:   provider,
		verifier:   verifier,
		publicHost: publicHost,
		now:        time.Now,
	}
}

// InitiateCheckout creates a provider session for the contract fee and moves
// the case to PENDING. On provider failure the case is left unchanged. A case
// that already completed payment is never re-charged.
func (s *Service) InitiateCheckout(ctx context.Context, caseID string) (CheckoutSession, error) {
	c, err := s.store.Get(ctx, caseID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if c.PaymentStatus == settlement.PaymentPaid {
		return CheckoutSession{}, settlement.ErrAlreadyPaid
	}

	session, err := s.provider.CreateCheckoutSession(ctx, SessionParams{
		CaseID:      c.ID,
		AmountCents: ContractFeeCents,
		ProductName: "TapToSettle - Settlement Contract",
		Description: "Case " + c.ID,
		SuccessURL:  s.publicHost + "/checkout/success?caseId=" + c.ID,
		CancelURL:   s.publicHost + "/checkout/cancel?caseId=" + c.ID,
	})
	if err != nil {
		return CheckoutSession{}, err
	}

	if _, err := s.store.MarkCheckoutPending(ctx, c.ID, session.ID); err != nil {
		return CheckoutSession{}, err
	}
	return session, nil
}

type providerEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// HandleProviderEvent verifies and applies one provider event. rawBody must be
// the exact bytes the provider sent. Only signature failures are surfaced as
// client errors; unmappable payloads are acknowledged and logged, because
// non-2xx responses trigger redelivery storms. A storage failure is returned
// so the provider redelivers, which is safe: applying the completion twice is
// a no-op.
func (s *Service) HandleProviderEvent(ctx context.Context, rawBody []byte, signatureHeader string) error {
	if err := s.verifier.Verify(rawBody, signatureHeader); err != nil {
		return err
	}

	var event providerEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		log.Printf("payment: acknowledged undecodable provider event: %v", err)
		return nil
	}
	if event.Type != eventCheckoutCompleted {
		return nil
	}

	caseID := event.Data.Object.Metadata["caseId"]
	if caseID == "" {
		log.Printf("payment: acknowledged completion event %s without case metadata", event.ID)
		return nil
	}

	updated, applied, err := s.store.MarkPaid(ctx, caseID, event.Data.Object.ID, s.now().UTC())
	if err != nil {
		if errors.Is(err, settlement.ErrCaseNotFound) {
			log.Printf("payment: acknowledged completion event %s for unknown case %s", event.ID, caseID)
			return nil
		}
		return fmt.Errorf("payment: apply completion event %s: %w", event.ID, err)
	}
	if !applied {
		log.Printf("payment: duplicate completion event %s for case %s ignored", event.ID, updated.ID)
	}
	return nil
}
