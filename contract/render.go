package contract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taptosettle/settlement"
)

// Renderer produces the contract document for a case snapshot. Implementations
// must be deterministic for the same snapshot; storage-level idempotency is
// handled by the gate (same case id, same output path).
type Renderer interface {
	Render(ctx context.Context, c settlement.Case) ([]byte, error)
}

// Evidence item names holding the two party signatures.
const (
	signatureAName = "sigA.png"
	signatureBName = "sigB.png"
)

// TextRenderer lays out the settlement document as deterministic text. The
// final PDF typesetting is an external collaborator concern; the document
// content (terms, schedule, disclaimer, signatures, evidence list) lives here.
type TextRenderer struct{}

func (TextRenderer) Render(_ context.Context, c settlement.Case) ([]byte, error) {
	return []byte(BuildDocument(c)), nil
}

// BuildDocument builds the full contract body. The payment schedule is
// anchored on the case creation time so re-rendering the same snapshot always
// produces the same bytes.
func BuildDocument(c settlement.Case) string {
	remaining := c.AmountCents - c.DownPaymentCents
	if remaining < 0 {
		remaining = 0
	}
	var monthly int64
	if c.Months > 0 {
		monthly = (remaining + int64(c.Months) - 1) / int64(c.Months)
	}

	var b strings.Builder
	b.WriteString("TapToSettle - Property Damage Settlement\n")
	fmt.Fprintf(&b, "Case ID: %s\n", c.ID)
	fmt.Fprintf(&b, "Created: %s\n", c.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString("\n")

	b.WriteString("Settlement Terms\n")
	fmt.Fprintf(&b, "Settlement Amount: %s\n", formatUSD(c.AmountCents))
	fmt.Fprintf(&b, "Down Payment: %s\n", formatUSD(c.DownPaymentCents))
	fmt.Fprintf(&b, "Remaining Balance: %s\n", formatUSD(remaining))
	fmt.Fprintf(&b, "Term: %d month(s)\n", c.Months)
	fmt.Fprintf(&b, "Estimated Monthly Payment: %s\n", formatUSD(monthly))
	b.WriteString("\n")

	b.WriteString("This settlement is for PROPERTY DAMAGE ONLY. Both parties affirm that no injuries or medical symptoms are known at the time of signing. TapToSettle is not insurance and does not provide legal advice.\n")
	b.WriteString("\n")

	b.WriteString("Payment Schedule\n")
	if c.Months > 0 {
		start := c.CreatedAt.UTC()
		for i := 1; i <= c.Months; i++ {
			due := start.AddDate(0, i, 0)
			fmt.Fprintf(&b, "Payment %d: %s due ~ %s\n", i, formatUSD(monthly), due.Format("Mon Jan 2 2006"))
		}
	} else {
		b.WriteString("No payment schedule (months not provided).\n")
	}
	b.WriteString("\n")

	b.WriteString("Signatures\n")
	fmt.Fprintf(&b, "Driver A Signature: %s\n", signatureLine(c, signatureAName))
	fmt.Fprintf(&b, "Driver B Signature: %s\n", signatureLine(c, signatureBName))
	b.WriteString("\n")

	b.WriteString("Evidence (Uploaded Files)\n")
	for _, item := range c.Evidence {
		fmt.Fprintf(&b, "- %s\n", item.Name)
	}
	return b.String()
}

func signatureLine(c settlement.Case, name string) string {
	for _, item := range c.Evidence {
		if item.Name == name {
			return item.StorageLocation
		}
	}
	return "(missing)"
}

func formatUSD(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
