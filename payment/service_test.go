package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"taptosettle/settlement"
)

type fakeProvider struct {
	session SessionParams
	calls   int
	err     error
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, params SessionParams) (CheckoutSession, error) {
	f.calls++
	f.session = params
	if f.err != nil {
		return CheckoutSession{}, f.err
	}
	return CheckoutSession{ID: fmt.Sprintf("cs_test_%d", f.calls), URL: "https://checkout.example/cs"}, nil
}

func newTestCase(t *testing.T, repo settlement.Repository) settlement.Case {
	t.Helper()
	token, err := settlement.NewShareToken()
	if err != nil {
		t.Fatalf("share token: %v", err)
	}
	c, err := repo.Create(context.Background(), settlement.Case{
		ID:            settlement.NewCaseID(),
		CreatedAt:     time.Now().UTC(),
		Status:        settlement.StatusOpen,
		AmountCents:   90000,
		PaymentStatus: settlement.PaymentUnpaid,
		ShareToken:    token,
	})
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return c
}

func completionEvent(caseID, sessionID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt_%s","type":"checkout.session.completed","data":{"object":{"id":"%s","metadata":{"caseId":"%s"}}}}`,
		sessionID, sessionID, caseID,
	))
}

func TestInitiateCheckout_SetsPending(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := newTestCase(t, repo)
	provider := &fakeProvider{}
	svc := NewService(repo, provider, NewSignatureVerifier("whsec_test"), "https://app.example")

	session, err := svc.InitiateCheckout(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("initiate checkout: %v", err)
	}
	if session.ID == "" || session.URL == "" {
		t.Fatalf("incomplete session: %+v", session)
	}

	if provider.session.AmountCents != ContractFeeCents {
		t.Errorf("expected fee %d, charged %d", ContractFeeCents, provider.session.AmountCents)
	}
	if provider.session.CaseID != c.ID {
		t.Errorf("expected case metadata %s, got %s", c.ID, provider.session.CaseID)
	}

	stored, err := repo.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PaymentStatus != settlement.PaymentPending {
		t.Errorf("expected PENDING, got %s", stored.PaymentStatus)
	}
	if stored.ProviderSessionID == nil || *stored.ProviderSessionID != session.ID {
		t.Errorf("session id not recorded: %+v", stored.ProviderSessionID)
	}
}

func TestInitiateCheckout_UnknownCase(t *testing.T) {
	svc := NewService(settlement.NewMemoryRepository(), &fakeProvider{}, NewSignatureVerifier("whsec_test"), "https://app.example")
	if _, err := svc.InitiateCheckout(context.Background(), "TTS-MISSING1"); !errors.Is(err, settlement.ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestInitiateCheckout_ProviderFailureLeavesStateUnchanged(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := newTestCase(t, repo)
	provider := &fakeProvider{err: fmt.Errorf("%w: provider returned 500", ErrProvider)}
	svc := NewService(repo, provider, NewSignatureVerifier("whsec_test"), "https://app.example")

	if _, err := svc.InitiateCheckout(context.Background(), c.ID); !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}

	stored, _ := repo.Get(context.Background(), c.ID)
	if stored.PaymentStatus != settlement.PaymentUnpaid || stored.ProviderSessionID != nil {
		t.Fatalf("state mutated on provider failure: %+v", stored)
	}
}

func TestInitiateCheckout_RefusesRechargingPaidCase(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := newTestCase(t, repo)
	provider := &fakeProvider{}
	svc := NewService(repo, provider, NewSignatureVerifier("whsec_test"), "https://app.example")

	if _, _, err := repo.MarkPaid(context.Background(), c.ID, "cs_done", time.Now()); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	if _, err := svc.InitiateCheckout(context.Background(), c.ID); !errors.Is(err, settlement.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
	if provider.calls != 0 {
		t.Fatalf("provider called for an already-paid case")
	}
}

func TestHandleProviderEvent_MarksPaid(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := newTestCase(t, repo)
	svc := NewService(repo, &fakeProvider{}, NewSignatureVerifier("whsec_test"), "https://app.example")

	body := completionEvent(c.ID, "cs_1")
	if err := svc.HandleProviderEvent(context.Background(), body, SignatureHeader("whsec_test", body, time.Now())); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	stored, _ := repo.Get(context.Background(), c.ID)
	if stored.PaymentStatus != settlement.PaymentPaid || stored.PaidAt == nil {
		t.Fatalf("expected PAID with paidAt, got %+v", stored)
	}
	if stored.ProviderSessionID == nil || *stored.ProviderSessionID != "cs_1" {
		t.Fatalf("session id not recorded from event: %+v", stored.ProviderSessionID)
	}
}

func TestHandleProviderEvent_DuplicateDeliveryIsNoOp(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := newTestCase(t, repo)
	svc := NewService(repo, &fakeProvider{}, NewSignatureVerifier("whsec_test"), "https://app.example")

	body := completionEvent(c.ID, "cs_1")
	header := SignatureHeader("whsec_test", body, time.Now())

	if err := svc.HandleProviderEvent(context.Background(), body, header); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first, _ := repo.Get(context.Background(), c.ID)

	if err := svc.HandleProviderEvent(context.Background(), body, header); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	second, _ := repo.Get(context.Background(), c.ID)

	if !second.PaidAt.Equal(*first.PaidAt) {
		t.Fatalf("paidAt changed on duplicate delivery: %v vs %v", second.PaidAt, first.PaidAt)
	}
}

func TestHandleProviderEvent_ConcurrentDuplicates(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := newTestCase(t, repo)
	svc := NewService(repo, &fakeProvider{}, NewSignatureVerifier("whsec_test"), "https://app.example")

	body := completionEvent(c.ID, "cs_1")
	header := SignatureHeader("whsec_test", body, time.Now())

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return svc.HandleProviderEvent(context.Background(), body, header)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent deliveries: %v", err)
	}

	stored, _ := repo.Get(context.Background(), c.ID)
	if stored.PaymentStatus != settlement.PaymentPaid || stored.PaidAt == nil {
		t.Fatalf("expected one effective PAID transition, got %+v", stored)
	}
}

func TestHandleProviderEvent_BadSignature(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := newTestCase(t, repo)
	svc := NewService(repo, &fakeProvider{}, NewSignatureVerifier("whsec_test"), "https://app.example")

	body := completionEvent(c.ID, "cs_1")
	err := svc.HandleProviderEvent(context.Background(), body, SignatureHeader("whsec_wrong", body, time.Now()))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	stored, _ := repo.Get(context.Background(), c.ID)
	if stored.PaymentStatus != settlement.PaymentUnpaid {
		t.Fatalf("forged event mutated payment status: %s", stored.PaymentStatus)
	}
}

func TestHandleProviderEvent_UnknownCaseAcknowledged(t *testing.T) {
	svc := NewService(settlement.NewMemoryRepository(), &fakeProvider{}, NewSignatureVerifier("whsec_test"), "https://app.example")

	body := completionEvent("TTS-MISSING1", "cs_1")
	if err := svc.HandleProviderEvent(context.Background(), body, SignatureHeader("whsec_test", body, time.Now())); err != nil {
		t.Fatalf("unknown case must be acknowledged, got %v", err)
	}
}

func TestHandleProviderEvent_IgnoresOtherEventKinds(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := newTestCase(t, repo)
	svc := NewService(repo, &fakeProvider{}, NewSignatureVerifier("whsec_test"), "https://app.example")

	body := []byte(fmt.Sprintf(
		`{"id":"evt_x","type":"checkout.session.expired","data":{"object":{"id":"cs_1","metadata":{"caseId":"%s"}}}}`, c.ID))
	if err := svc.HandleProviderEvent(context.Background(), body, SignatureHeader("whsec_test", body, time.Now())); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	stored, _ := repo.Get(context.Background(), c.ID)
	if stored.PaymentStatus != settlement.PaymentUnpaid {
		t.Fatalf("non-completion event mutated payment status: %s", stored.PaymentStatus)
	}
}
