package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const caseColumns = `id, created_at, status, amount_cents, down_payment_cents, months, down_pct,
       payment_status, paid_at, provider_session_id, share_token, contract_url`

// PGRepository implements Repository backed by PostgreSQL. Payment and
// contract transitions are conditional UPDATEs, so two concurrent writers
// racing over the same case collapse into one effective transition; the case
// timeline and outbox rows are written in the same transaction.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, c Case) (Case, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO cases (id, created_at, status, amount_cents, down_payment_cents, months, down_pct, payment_status, share_token)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + caseColumns

	created, err := scanCase(tx.QueryRow(ctx, insertSQL,
		c.ID, c.CreatedAt, c.Status, c.AmountCents, c.DownPaymentCents, c.Months, c.DownPct, c.PaymentStatus, c.ShareToken,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Case{}, ErrDuplicateCase
		}
		return Case{}, fmt.Errorf("settlement: insert case: %w", err)
	}

	if err := appendEvent(ctx, tx, created.ID, EventCaseCreated, map[string]any{
		"amount_cents":       created.AmountCents,
		"down_payment_cents": created.DownPaymentCents,
		"months":             created.Months,
	}); err != nil {
		return Case{}, err
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicCaseCreated, map[string]any{"case_id": created.ID}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("settlement: commit create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Case, error) {
	const selectSQL = `SELECT ` + caseColumns + ` FROM cases WHERE id = $1`

	c, err := scanCase(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("settlement: get case: %w", err)
	}
	if c.Evidence, err = r.loadEvidence(ctx, c.ID); err != nil {
		return Case{}, err
	}
	return c, nil
}

func (r *PGRepository) GetByShareToken(ctx context.Context, token string) (Case, error) {
	const selectSQL = `SELECT ` + caseColumns + ` FROM cases WHERE share_token = $1`

	c, err := scanCase(r.pool.QueryRow(ctx, selectSQL, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("settlement: get case by share token: %w", err)
	}
	if c.Evidence, err = r.loadEvidence(ctx, c.ID); err != nil {
		return Case{}, err
	}
	return c, nil
}

func (r *PGRepository) List(ctx context.Context) ([]Case, error) {
	const listSQL = `SELECT ` + caseColumns + ` FROM cases ORDER BY seq`

	rows, err := r.pool.Query(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("settlement: list cases: %w", err)
	}
	defer rows.Close()

	out := make([]Case, 0, 16)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan case: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate cases: %w", err)
	}

	for i := range out {
		if out[i].Evidence, err = r.loadEvidence(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PGRepository) AppendEvidence(ctx context.Context, id string, items []EvidenceItem) (Case, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the case row so concurrent appends get distinct positions.
	var exists string
	if err := tx.QueryRow(ctx, `SELECT id FROM cases WHERE id = $1 FOR UPDATE`, id).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("settlement: lock case: %w", err)
	}

	var next int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM evidence_items WHERE case_id = $1`, id).Scan(&next); err != nil {
		return Case{}, fmt.Errorf("settlement: next evidence position: %w", err)
	}

	names := make([]string, 0, len(items))
	for i, item := range items {
		const insertSQL = `
INSERT INTO evidence_items (case_id, position, name, storage_location, size_bytes, mime_type)
VALUES ($1, $2, $3, $4, $5, $6)
`
		if _, err := tx.Exec(ctx, insertSQL, id, next+i, item.Name, item.StorageLocation, item.SizeBytes, item.MimeType); err != nil {
			return Case{}, fmt.Errorf("settlement: insert evidence item: %w", err)
		}
		names = append(names, item.Name)
	}

	if err := appendEvent(ctx, tx, id, EventEvidenceAttached, map[string]any{"names": names}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("settlement: commit evidence: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *PGRepository) MarkCheckoutPending(ctx context.Context, id, sessionID string) (Case, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
UPDATE cases
SET payment_status = 'PENDING',
    provider_session_id = $2
WHERE id = $1 AND payment_status <> 'PAID'
RETURNING ` + caseColumns

	c, err := scanCase(tx.QueryRow(ctx, updateSQL, id, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, r.classifyGuardMiss(ctx, id, ErrAlreadyPaid)
		}
		return Case{}, fmt.Errorf("settlement: mark checkout pending: %w", err)
	}

	if err := appendEvent(ctx, tx, id, EventCheckoutPending, map[string]any{"session_id": sessionID}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("settlement: commit checkout pending: %w", err)
	}
	c.Evidence, err = r.loadEvidence(ctx, id)
	return c, err
}

func (r *PGRepository) MarkPaid(ctx context.Context, id, sessionID string, paidAt time.Time) (Case, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Case{}, false, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
UPDATE cases
SET payment_status = 'PAID',
    paid_at = $3,
    provider_session_id = $2
WHERE id = $1 AND payment_status <> 'PAID'
RETURNING ` + caseColumns

	c, err := scanCase(tx.QueryRow(ctx, updateSQL, id, sessionID, paidAt.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the case is unknown or a concurrent delivery already won.
			existing, getErr := r.Get(ctx, id)
			if getErr != nil {
				return Case{}, false, getErr
			}
			return existing, false, nil
		}
		return Case{}, false, fmt.Errorf("settlement: mark paid: %w", err)
	}

	if err := appendEvent(ctx, tx, id, EventPaymentCompleted, map[string]any{"session_id": sessionID}); err != nil {
		return Case{}, false, err
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicCasePaid, map[string]any{"case_id": id, "session_id": sessionID}); err != nil {
		return Case{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, false, fmt.Errorf("settlement: commit paid: %w", err)
	}
	c.Evidence, err = r.loadEvidence(ctx, id)
	return c, true, err
}

func (r *PGRepository) SetContractURL(ctx context.Context, id, url string) (Case, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
UPDATE cases
SET contract_url = $2
WHERE id = $1 AND payment_status = 'PAID' AND contract_url IS NULL
RETURNING ` + caseColumns

	c, err := scanCase(tx.QueryRow(ctx, updateSQL, id, url))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := r.Get(ctx, id)
			if getErr != nil {
				return Case{}, getErr
			}
			if existing.ContractURL != nil {
				return existing, nil
			}
			return Case{}, ErrCaseNotPaid
		}
		return Case{}, fmt.Errorf("settlement: set contract url: %w", err)
	}

	if err := appendEvent(ctx, tx, id, EventContractIssued, map[string]any{"contract_url": url}); err != nil {
		return Case{}, err
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicContractIssued, map[string]any{"case_id": id, "contract_url": url}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("settlement: commit contract url: %w", err)
	}
	c.Evidence, err = r.loadEvidence(ctx, id)
	return c, err
}

// classifyGuardMiss distinguishes "row missing" from "conditional guard
// rejected the update" after a zero-row conditional UPDATE.
func (r *PGRepository) classifyGuardMiss(ctx context.Context, id string, guardErr error) error {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM cases WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCaseNotFound
	}
	if err != nil {
		return fmt.Errorf("settlement: classify update miss: %w", err)
	}
	return guardErr
}

func (r *PGRepository) loadEvidence(ctx context.Context, id string) ([]EvidenceItem, error) {
	const selectSQL = `
SELECT name, storage_location, size_bytes, mime_type
FROM evidence_items
WHERE case_id = $1
ORDER BY position
`
	rows, err := r.pool.Query(ctx, selectSQL, id)
	if err != nil {
		return nil, fmt.Errorf("settlement: load evidence: %w", err)
	}
	defer rows.Close()

	var items []EvidenceItem
	for rows.Next() {
		var item EvidenceItem
		if err := rows.Scan(&item.Name, &item.StorageLocation, &item.SizeBytes, &item.MimeType); err != nil {
			return nil, fmt.Errorf("settlement: scan evidence item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate evidence: %w", err)
	}
	return items, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c         Case
		paidAt    *time.Time
		sessionID *string
		contract  *string
	)
	err := row.Scan(
		&c.ID,
		&c.CreatedAt,
		&c.Status,
		&c.AmountCents,
		&c.DownPaymentCents,
		&c.Months,
		&c.DownPct,
		&c.PaymentStatus,
		&paidAt,
		&sessionID,
		&c.ShareToken,
		&contract,
	)
	if err != nil {
		return Case{}, err
	}
	c.PaidAt = paidAt
	c.ProviderSessionID = sessionID
	c.ContractURL = contract
	return c, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, caseID, eventType string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("settlement: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO case_events (case_id, type, payload) VALUES ($1, $2, $3)`, caseID, eventType, payloadBytes); err != nil {
		return fmt.Errorf("settlement: insert case event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("settlement: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payloadBytes); err != nil {
		return fmt.Errorf("settlement: insert outbox message: %w", err)
	}
	return nil
}
