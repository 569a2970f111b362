package contract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taptosettle/settlement"
)

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, settlement.Case) ([]byte, error) {
	return nil, errors.New("layout engine unavailable")
}

func seedCase(t *testing.T, repo settlement.Repository) settlement.Case {
	t.Helper()
	token, err := settlement.NewShareToken()
	if err != nil {
		t.Fatalf("share token: %v", err)
	}
	c, err := repo.Create(context.Background(), settlement.Case{
		ID:               settlement.NewCaseID(),
		CreatedAt:        time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		Status:           settlement.StatusOpen,
		AmountCents:      90000,
		DownPaymentCents: 20000,
		Months:           6,
		PaymentStatus:    settlement.PaymentUnpaid,
		ShareToken:       token,
	})
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return c
}

func TestIssueContract_PaymentRequired(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := seedCase(t, repo)
	svc := NewService(repo, TextRenderer{}, t.TempDir())

	_, err := svc.IssueContract(context.Background(), c.ID)
	var payErr *PaymentRequiredError
	if !errors.As(err, &payErr) {
		t.Fatalf("expected PaymentRequiredError, got %v", err)
	}
	if payErr.Status != settlement.PaymentUnpaid {
		t.Fatalf("expected UNPAID in error, got %s", payErr.Status)
	}

	stored, _ := repo.Get(context.Background(), c.ID)
	if stored.ContractURL != nil {
		t.Fatalf("contract url set despite gate: %q", *stored.ContractURL)
	}
}

func TestIssueContract_PendingStillBlocked(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := seedCase(t, repo)
	svc := NewService(repo, TextRenderer{}, t.TempDir())

	if _, err := repo.MarkCheckoutPending(context.Background(), c.ID, "cs_1"); err != nil {
		t.Fatalf("mark pending: %v", err)
	}

	_, err := svc.IssueContract(context.Background(), c.ID)
	var payErr *PaymentRequiredError
	if !errors.As(err, &payErr) || payErr.Status != settlement.PaymentPending {
		t.Fatalf("expected PaymentRequiredError with PENDING, got %v", err)
	}
}

func TestIssueContract_UnknownCase(t *testing.T) {
	svc := NewService(settlement.NewMemoryRepository(), TextRenderer{}, t.TempDir())
	if _, err := svc.IssueContract(context.Background(), "TTS-MISSING1"); !errors.Is(err, settlement.ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestIssueContract_WritesDeterministicArtifact(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := seedCase(t, repo)
	dir := t.TempDir()
	svc := NewService(repo, TextRenderer{}, dir)

	if _, _, err := repo.MarkPaid(context.Background(), c.ID, "cs_1", time.Now()); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	url, err := svc.IssueContract(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("issue contract: %v", err)
	}
	if url != "/contracts/"+c.ID+".pdf" {
		t.Fatalf("unexpected contract url %q", url)
	}

	data, err := os.ReadFile(filepath.Join(dir, c.ID+".pdf"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !strings.Contains(string(data), "Case ID: "+c.ID) {
		t.Fatalf("artifact missing case id")
	}

	// Re-issue returns the recorded location without re-rendering effects.
	again, err := svc.IssueContract(context.Background(), c.ID)
	if err != nil || again != url {
		t.Fatalf("re-issue: url=%q err=%v", again, err)
	}
}

func TestIssueContract_RenderFailureIsRetryable(t *testing.T) {
	repo := settlement.NewMemoryRepository()
	c := seedCase(t, repo)
	dir := t.TempDir()

	if _, _, err := repo.MarkPaid(context.Background(), c.ID, "cs_1", time.Now()); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	failing := NewService(repo, failingRenderer{}, dir)
	if _, err := failing.IssueContract(context.Background(), c.ID); !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}
	stored, _ := repo.Get(context.Background(), c.ID)
	if stored.ContractURL != nil {
		t.Fatalf("contract url set despite render failure")
	}

	// Retry with a working renderer succeeds.
	working := NewService(repo, TextRenderer{}, dir)
	if _, err := working.IssueContract(context.Background(), c.ID); err != nil {
		t.Fatalf("retry after render failure: %v", err)
	}
}
