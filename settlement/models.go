package settlement

import "time"

// PaymentStatus tracks collection of the one-time contract-generation fee.
// It only moves forward: UNPAID -> PENDING -> PAID.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "UNPAID"
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
)

// Status is the case lifecycle tag. Evidence completeness is computed, not
// stored, so OPEN is the only stored value today.
type Status string

const (
	StatusOpen Status = "OPEN"
)

// Case is a single property-damage settlement transaction.
type Case struct {
	ID                string
	CreatedAt         time.Time
	Status            Status
	AmountCents       int64
	DownPaymentCents  int64
	Months            int
	DownPct           float64
	Evidence          []EvidenceItem
	PaymentStatus     PaymentStatus
	PaidAt            *time.Time
	ProviderSessionID *string
	ShareToken        string
	ContractURL       *string
}

// EvidenceItem is one captured file (photo or signature) owned by its case.
// Immutable once appended.
type EvidenceItem struct {
	Name            string
	StorageLocation string
	SizeBytes       int64
	MimeType        string
}

// CreateParams carries the settlement economics supplied at case creation.
// Amounts are cents; all values are immutable after creation.
type CreateParams struct {
	AmountCents      int64
	DownPaymentCents int64
	Months           int
	DownPct          float64
}

// Timeline event types recorded on each case transition.
const (
	EventCaseCreated      = "CASE_CREATED"
	EventEvidenceAttached = "EVIDENCE_ATTACHED"
	EventCheckoutPending  = "CHECKOUT_PENDING"
	EventPaymentCompleted = "PAYMENT_COMPLETED"
	EventContractIssued   = "CONTRACT_ISSUED"
)

// Outbox topics published alongside the transitions that matter downstream.
const (
	OutboxTopicCaseCreated    = "case.created"
	OutboxTopicCasePaid       = "case.paid"
	OutboxTopicContractIssued = "contract.issued"
)
