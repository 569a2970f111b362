package settlement

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is the in-memory reference implementation of Repository.
// A single mutex serializes every update, which satisfies the per-case
// atomic-conditional-update contract; the share-token index gives the same
// O(1) exact-match lookup as the unique index in the durable implementation.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*Case
	byToken map[string]string
	order   []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*Case),
		byToken: make(map[string]string),
	}
}

func (r *MemoryRepository) Create(_ context.Context, c Case) (Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[c.ID]; exists {
		return Case{}, ErrDuplicateCase
	}
	if _, exists := r.byToken[c.ShareToken]; exists {
		return Case{}, ErrDuplicateCase
	}

	stored := cloneCase(c)
	r.byID[c.ID] = &stored
	r.byToken[c.ShareToken] = c.ID
	r.order = append(r.order, c.ID)
	return cloneCase(stored), nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	return cloneCase(*c), nil
}

func (r *MemoryRepository) GetByShareToken(_ context.Context, token string) (Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byToken[token]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	return cloneCase(*r.byID[id]), nil
}

func (r *MemoryRepository) List(_ context.Context) ([]Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Case, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneCase(*r.byID[id]))
	}
	return out, nil
}

func (r *MemoryRepository) AppendEvidence(_ context.Context, id string, items []EvidenceItem) (Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	c.Evidence = append(c.Evidence, items...)
	return cloneCase(*c), nil
}

func (r *MemoryRepository) MarkCheckoutPending(_ context.Context, id, sessionID string) (Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	if c.PaymentStatus == PaymentPaid {
		return Case{}, ErrAlreadyPaid
	}
	session := sessionID
	c.PaymentStatus = PaymentPending
	c.ProviderSessionID = &session
	return cloneCase(*c), nil
}

func (r *MemoryRepository) MarkPaid(_ context.Context, id, sessionID string, paidAt time.Time) (Case, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return Case{}, false, ErrCaseNotFound
	}
	if c.PaymentStatus == PaymentPaid {
		return cloneCase(*c), false, nil
	}
	session := sessionID
	at := paidAt.UTC()
	c.PaymentStatus = PaymentPaid
	c.PaidAt = &at
	c.ProviderSessionID = &session
	return cloneCase(*c), true, nil
}

func (r *MemoryRepository) SetContractURL(_ context.Context, id, url string) (Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	if c.ContractURL != nil {
		return cloneCase(*c), nil
	}
	if c.PaymentStatus != PaymentPaid {
		return Case{}, ErrCaseNotPaid
	}
	u := url
	c.ContractURL = &u
	return cloneCase(*c), nil
}

func cloneCase(c Case) Case {
	out := c
	if c.Evidence != nil {
		out.Evidence = append([]EvidenceItem(nil), c.Evidence...)
	}
	if c.PaidAt != nil {
		at := *c.PaidAt
		out.PaidAt = &at
	}
	if c.ProviderSessionID != nil {
		s := *c.ProviderSessionID
		out.ProviderSessionID = &s
	}
	if c.ContractURL != nil {
		u := *c.ContractURL
		out.ContractURL = &u
	}
	return out
}
