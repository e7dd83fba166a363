package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent marks a body that verified but does not parse as a
// payment event. Redelivery cannot fix it, so the HTTP layer answers
// with a client error rather than a retryable status.
var ErrMalformedEvent = errors.New("malformed payment event")

// Payment event types delivered by the processor.
const (
	EventPaymentSucceeded         = "payment.succeeded"
	EventPaymentFailed            = "payment.failed"
	EventSubscriptionCreated      = "subscription.created"
	EventSubscriptionRenewed      = "subscription.renewed"
	EventSubscriptionCancelled    = "subscription.cancelled"
	EventSubscriptionExpired      = "subscription.expired"
	EventSubscriptionPaymentFault = "subscription.payment_failed"
)

// Event is the parsed webhook payload. It is ephemeral: nothing beyond
// the idempotency keys derived from it is persisted.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the transaction identity, the customer, and the
// purchased cart.
type EventData struct {
	TransactionID  string        `json:"transaction_id"`
	SubscriptionID string        `json:"subscription_id"`
	Customer       Customer      `json:"customer"`
	ProductCart    []CartItem    `json:"product_cart"`
	Status         string        `json:"status"`
	Metadata       EventMetadata `json:"metadata"`
}

// Customer identifies the payer. The processor-side id is optional and
// distinct from the internal account id carried in metadata.
type Customer struct {
	Email string `json:"email"`
	ID    string `json:"id"`
}

// CartItem is one purchased product line.
type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// EventMetadata carries values the checkout flow attached when the
// session was created, notably the internal account id.
type EventMetadata struct {
	UserID string `json:"user_id"`
}

// ParseEvent decodes a verified raw body into an Event.
func ParseEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return event, nil
}

// reference returns the external id that anchors idempotency keys for
// this event: the transaction id when present, else the subscription id.
func (data EventData) reference() string {
	if data.TransactionID != "" {
		return data.TransactionID
	}
	return data.SubscriptionID
}
