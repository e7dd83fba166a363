// Package webhook authenticates payment-processor events and routes
// them into ledger mutations. The dispatcher is stateless: redelivered
// events always re-run their handler, and duplicate suppression is the
// ledger's idempotency-key check.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/versecraft/creditledger/internal/catalog"
	"github.com/versecraft/creditledger/pkg/ledger"
)

// Ledger is the mutation surface the dispatcher drives.
type Ledger interface {
	Apply(ctx context.Context, accountID string, idempotencyKey string, kind ledger.EntryKind, creditType ledger.CreditType, signedAmount int64, metadataJSON string) (ledger.ApplyOutcome, error)
	Park(ctx context.Context, email string, idempotencyKey string, kind ledger.EntryKind, creditType ledger.CreditType, amount int64, metadataJSON string) (bool, error)
	ActivateSubscription(ctx context.Context, accountID string, subscription ledger.Subscription) error
	CloseSubscription(ctx context.Context, accountID string, status ledger.SubscriptionStatus) error
	RecordAudit(ctx context.Context, event ledger.AuditEvent) error
}

// AccountResolver maps event identity to an internal account.
type AccountResolver interface {
	Resolve(ctx context.Context, accountID string, email string) (ledger.Account, error)
}

// Dispatcher routes verified events to their handlers.
type Dispatcher struct {
	ledger   Ledger
	resolver AccountResolver
	catalog  *catalog.Catalog
	logger   *zap.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(ledgerService Ledger, resolver AccountResolver, productCatalog *catalog.Catalog, logger *zap.Logger) (*Dispatcher, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ledger.ErrInvalidServiceConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver is nil", ledger.ErrInvalidServiceConfig)
	}
	if productCatalog == nil {
		return nil, fmt.Errorf("%w: catalog is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{ledger: ledgerService, resolver: resolver, catalog: productCatalog, logger: logger}, nil
}

// Dispatch parses a verified raw body and runs the handler for its
// event type. Unknown types are acknowledged, not failed, so new
// processor event types never break delivery.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	event, err := ParseEvent(raw)
	if err != nil {
		return err
	}
	switch event.Type {
	case EventPaymentSucceeded:
		return dispatcher.handlePurchase(ctx, event)
	case EventSubscriptionCreated, EventSubscriptionRenewed:
		return dispatcher.handleSubscriptionActivated(ctx, event)
	case EventSubscriptionCancelled:
		return dispatcher.handleSubscriptionClosed(ctx, event, ledger.SubscriptionCancelled)
	case EventSubscriptionExpired:
		return dispatcher.handleSubscriptionClosed(ctx, event, ledger.SubscriptionExpired)
	case EventPaymentFailed, EventSubscriptionPaymentFault:
		return dispatcher.handlePaymentFailure(ctx, event)
	default:
		dispatcher.logger.Info("ignoring unknown event type", zap.String("eventType", event.Type))
		return nil
	}
}

// handlePurchase credits each cart line, or parks all lines when no
// account matches the event's identity. One unresolvable product id
// never loses the rest of the cart.
func (dispatcher *Dispatcher) handlePurchase(ctx context.Context, event Event) error {
	reference := event.Data.reference()
	if reference == "" {
		return fmt.Errorf("payment event %s has no transaction or subscription id", event.Type)
	}
	account, err := dispatcher.resolver.Resolve(ctx, event.Data.Metadata.UserID, event.Data.Customer.Email)
	parked := false
	if err != nil {
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return err
		}
		parked = true
	}
	for _, item := range event.Data.ProductCart {
		resolution := dispatcher.catalog.Resolve(item.ProductID)
		quantity := resolution.Quantity * lineMultiplier(item.Quantity)
		if quantity <= 0 {
			dispatcher.logger.Warn("skipping zero-quantity cart line",
				zap.String("productId", item.ProductID),
				zap.String("transactionId", reference),
				zap.Bool("fallback", resolution.Fallback))
			continue
		}
		key := reference + ":" + item.ProductID
		metadata := entryMetadata(event.Type, item.ProductID, reference)
		if parked {
			if _, err := dispatcher.ledger.Park(ctx, event.Data.Customer.Email, key, ledger.KindPurchase, resolution.CreditType, quantity, metadata); err != nil {
				return err
			}
			continue
		}
		if _, err := dispatcher.ledger.Apply(ctx, account.AccountID, key, ledger.KindPurchase, resolution.CreditType, quantity, metadata); err != nil {
			return err
		}
	}
	return nil
}

// handleSubscriptionActivated sets the plan on the account and grants
// the plan's monthly amounts, keyed per credit type so a redelivered
// renewal cannot double-grant.
func (dispatcher *Dispatcher) handleSubscriptionActivated(ctx context.Context, event Event) error {
	reference := event.Data.reference()
	if reference == "" {
		return fmt.Errorf("subscription event %s has no transaction or subscription id", event.Type)
	}
	planID := ""
	if len(event.Data.ProductCart) > 0 {
		planID = event.Data.ProductCart[0].ProductID
	}
	plan, found := dispatcher.catalog.ResolvePlan(planID)
	if !found {
		dispatcher.logger.Warn("subscription event references unknown plan",
			zap.String("planId", planID),
			zap.String("subscriptionId", reference))
		return nil
	}
	account, err := dispatcher.resolver.Resolve(ctx, event.Data.Metadata.UserID, event.Data.Customer.Email)
	if err != nil {
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return err
		}
		return dispatcher.parkPlanGrants(ctx, event, reference, plan)
	}
	subscription := ledger.Subscription{
		PlanID:        plan.ID,
		Status:        ledger.SubscriptionActive,
		MonthlyGrants: plan.MonthlyGrants,
	}
	if err := dispatcher.ledger.ActivateSubscription(ctx, account.AccountID, subscription); err != nil {
		return err
	}
	for _, creditType := range ledger.CreditTypes() {
		amount := plan.MonthlyGrants[creditType]
		if amount <= 0 {
			continue
		}
		key := reference + ":" + string(creditType)
		metadata := entryMetadata(event.Type, plan.ID, reference)
		if _, err := dispatcher.ledger.Apply(ctx, account.AccountID, key, ledger.KindSubscriptionRenewal, creditType, amount, metadata); err != nil {
			return err
		}
	}
	return nil
}

func (dispatcher *Dispatcher) parkPlanGrants(ctx context.Context, event Event, reference string, plan catalog.Plan) error {
	for _, creditType := range ledger.CreditTypes() {
		amount := plan.MonthlyGrants[creditType]
		if amount <= 0 {
			continue
		}
		key := reference + ":" + string(creditType)
		metadata := entryMetadata(event.Type, plan.ID, reference)
		if _, err := dispatcher.ledger.Park(ctx, event.Data.Customer.Email, key, ledger.KindSubscriptionRenewal, creditType, amount, metadata); err != nil {
			return err
		}
	}
	return nil
}

// handleSubscriptionClosed records the terminal status. A closure for
// an account that never existed here is logged and acknowledged.
func (dispatcher *Dispatcher) handleSubscriptionClosed(ctx context.Context, event Event, status ledger.SubscriptionStatus) error {
	account, err := dispatcher.resolver.Resolve(ctx, event.Data.Metadata.UserID, event.Data.Customer.Email)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			dispatcher.logger.Warn("subscription closure for unknown account",
				zap.String("email", event.Data.Customer.Email),
				zap.String("subscriptionId", event.Data.reference()),
				zap.String("status", string(status)))
			return nil
		}
		return err
	}
	return dispatcher.ledger.CloseSubscription(ctx, account.AccountID, status)
}

// handlePaymentFailure writes an audit record only. Balances are never
// touched on failure events.
func (dispatcher *Dispatcher) handlePaymentFailure(ctx context.Context, event Event) error {
	detail, err := json.Marshal(map[string]string{"status": event.Data.Status})
	if err != nil {
		return fmt.Errorf("encode failure detail: %w", err)
	}
	return dispatcher.ledger.RecordAudit(ctx, ledger.AuditEvent{
		Kind:          event.Type,
		AccountID:     event.Data.Metadata.UserID,
		Email:         event.Data.Customer.Email,
		TransactionID: event.Data.reference(),
		DetailJSON:    string(detail),
	})
}

func lineMultiplier(quantity int64) int64 {
	if quantity <= 0 {
		return 1
	}
	return quantity
}

func entryMetadata(eventType string, productID string, reference string) string {
	encoded, err := json.Marshal(map[string]string{
		"eventType":     eventType,
		"productId":     productID,
		"transactionId": reference,
	})
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
