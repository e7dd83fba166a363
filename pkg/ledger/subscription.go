package ledger

import (
	"context"
	"fmt"
	"strings"
)

// ActivateSubscription records the plan and monthly grant amounts on
// an account and marks it active. Grant crediting is a separate,
// idempotent Apply call so redelivered activation events cannot
// double-grant.
func (service *Service) ActivateSubscription(ctx context.Context, accountID string, subscription Subscription) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if strings.TrimSpace(subscription.PlanID) == "" {
		return fmt.Errorf("%w: plan id is required", ErrInvalidServiceConfig)
	}
	subscription.Status = SubscriptionActive
	return service.store.SetSubscription(ctx, accountID, subscription)
}

// CloseSubscription flips the subscription status without touching
// balances. Cancelled and expired are distinct values for audit.
func (service *Service) CloseSubscription(ctx context.Context, accountID string, status SubscriptionStatus) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if status != SubscriptionCancelled && status != SubscriptionExpired {
		return fmt.Errorf("%w: %q is not a terminal status", ErrInvalidSubscriptionStatus, status)
	}
	return service.store.SetSubscriptionStatus(ctx, accountID, status)
}
