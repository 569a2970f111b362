package contract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"taptosettle/settlement"
)

// ErrRender signals a failed render or artifact write. The contract location
// is left unset, so the operation is safely retryable.
var ErrRender = errors.New("contract: render failed")

// PaymentRequiredError blocks contract issuance until the fee is collected.
// It carries the current payment status so callers can show the right state.
type PaymentRequiredError struct {
	Status settlement.PaymentStatus
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("contract: payment required (payment status %s)", e.Status)
}

// CaseStore is the slice of the settlement repository the gate needs.
type CaseStore interface {
	Get(ctx context.Context, id string) (settlement.Case, error)
	SetContractURL(ctx context.Context, id, url string) (settlement.Case, error)
}

// Service authorizes contract generation and records the artifact location.
// Rendering itself is delegated; the artifact path is deterministic per case,
// so a retried render overwrites the same file.
type Service struct {
	store    CaseStore
	renderer Renderer
	dir      string
}

func NewService(store CaseStore, renderer Renderer, dir string) *Service {
	return &Service{
		store:    store,
		renderer: renderer,
		dir:      dir,
	}
}

// IssueContract renders and records the settlement contract for a PAID case.
func (s *Service) IssueContract(ctx context.Context, caseID string) (string, error) {
	c, err := s.store.Get(ctx, caseID)
	if err != nil {
		return "", err
	}
	if c.ContractURL != nil {
		return *c.ContractURL, nil
	}
	if c.PaymentStatus != settlement.PaymentPaid {
		return "", &PaymentRequiredError{Status: c.PaymentStatus}
	}

	doc, err := s.renderer.Render(ctx, c)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: prepare contracts dir: %v", ErrRender, err)
	}
	path := filepath.Join(s.dir, c.ID+".pdf")
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return "", fmt.Errorf("%w: write artifact: %v", ErrRender, err)
	}

	url := "/contracts/" + c.ID + ".pdf"
	updated, err := s.store.SetContractURL(ctx, c.ID, url)
	if err != nil {
		return "", err
	}
	return *updated.ContractURL, nil
}
