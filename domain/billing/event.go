// Package billing provides payment event value types and pure resolution rules.
package billing

import (
	"strings"
	"time"

	"github.com/artpar/utter/domain/credit"
)

// EventStatus is the processing state of a recorded payment event.
type EventStatus string

const (
	StatusReceived  EventStatus = "received"
	StatusProcessed EventStatus = "processed"
	StatusIgnored   EventStatus = "ignored"
	StatusFailed    EventStatus = "failed"
)

// Settled reports whether the event needs no further processing.
func (s EventStatus) Settled() bool {
	return s == StatusProcessed || s == StatusIgnored
}

// EventCheckoutCompleted is the only event type that grants credits.
const EventCheckoutCompleted = "checkout.session.completed"

// Event is a recorded payment event (value type).
type Event struct {
	ID              string
	Provider        string
	ProviderEventID string
	Type            string
	Actor           string
	Status          EventStatus
	CreditsGranted  int64
	LedgerEventID   int64
	ErrorDetail     string
	Payload         []byte
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// CheckoutSession is the subset of a completed checkout needed to grant credits.
type CheckoutSession struct {
	ID                string
	ClientReferenceID string
	Metadata          map[string]string
	PaymentStatus     string
}

// ResolveActor returns the paying actor: metadata user_id, else client reference.
func (s CheckoutSession) ResolveActor() string {
	if v := strings.TrimSpace(s.Metadata["user_id"]); v != "" {
		return v
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

// PackFromMetadata resolves the pack named by metadata pack_id.
func (s CheckoutSession) PackFromMetadata(c *credit.Catalog) (credit.Pack, bool) {
	id := strings.TrimSpace(s.Metadata["pack_id"])
	if id == "" {
		return credit.Pack{}, false
	}
	return c.ByID(id)
}

// PackFromPrices resolves the first line-item price configured as a pack.
func PackFromPrices(c *credit.Catalog, priceIDs []string) (credit.Pack, bool) {
	for _, id := range priceIDs {
		if p, ok := c.ByPriceID(id); ok {
			return p, true
		}
	}
	return credit.Pack{}, false
}

// WebhookResult is returned to the payment processor.
type WebhookResult struct {
	Received  bool        `json:"received"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Status    EventStatus `json:"status,omitempty"`
}

// CheckoutRequest asks the processor for a hosted checkout page.
type CheckoutRequest struct {
	Actor      string
	Pack       credit.Pack
	SuccessURL string
	CancelURL  string
}

// ProviderEvent is a verified webhook delivery.
// Session is set only for checkout session events.
type ProviderEvent struct {
	ID      string
	Type    string
	Session *CheckoutSession
	Payload []byte
}
