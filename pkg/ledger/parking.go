package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Park holds a credit grant for an email that has no matching account
// yet. Parking is idempotent on (normalized email, idempotency key):
// a redelivered event returns parked=false without a second grant.
func (service *Service) Park(ctx context.Context, email string, idempotencyKey string, kind EntryKind, creditType CreditType, amount int64, metadataJSON string) (parked bool, err error) {
	operationError := func() error {
		normalized := NormalizeEmail(email)
		if normalized == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidEmail)
		}
		if strings.TrimSpace(idempotencyKey) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
		}
		if amount <= 0 || kind.Sign() < 0 {
			return fmt.Errorf("%w: only positive grants can be parked", ErrInvalidAmount)
		}
		grant := PendingGrant{
			GrantID:        service.idFn(),
			Email:          normalized,
			IdempotencyKey: idempotencyKey,
			Kind:           kind,
			CreditType:     creditType,
			Amount:         amount,
			Status:         PendingGrantPending,
			MetadataJSON:   normalizeMetadata(metadataJSON),
			CreatedUnixUTC: service.nowFn(),
		}
		insertError := service.store.InsertPendingGrant(ctx, grant)
		if errors.Is(insertError, ErrDuplicatePendingGrant) {
			return nil
		}
		if insertError != nil {
			return insertError
		}
		parked = true
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation:      operationPark,
		Email:          NormalizeEmail(email),
		Kind:           kind,
		CreditType:     creditType,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Status:         parkStatus(parked, operationError),
		Error:          operationError,
	})
	return parked, operationError
}

// Reconcile converts every unapplied pending grant for the email into
// ledger entries against the account, within one transaction. Invoked
// by the signup flow once the account exists; a second call is a
// no-op returning 0. Partial conversion is never observable.
func (service *Service) Reconcile(ctx context.Context, accountID string, email string) (int, error) {
	applied := 0
	operationError := func() error {
		if strings.TrimSpace(accountID) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
		}
		normalized := NormalizeEmail(email)
		if normalized == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidEmail)
		}
		return service.withConflictRetry(ctx, func() error {
			applied = 0
			return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
				if _, err := txStore.GetAccountForUpdate(ctx, accountID); err != nil {
					return err
				}
				grants, err := txStore.ListPendingGrants(ctx, normalized)
				if err != nil {
					return err
				}
				for _, grant := range grants {
					var outcome ApplyOutcome
					if err := service.applyInTx(ctx, txStore, accountID, grant.IdempotencyKey, grant.Kind, grant.CreditType, grant.Kind.Sign()*grant.Amount, grant.MetadataJSON, &outcome); err != nil {
						return err
					}
					if err := txStore.MarkPendingGrantApplied(ctx, grant.GrantID, service.nowFn()); err != nil {
						return err
					}
					applied++
				}
				return nil
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		AccountID: accountID,
		Email:     NormalizeEmail(email),
		Amount:    int64(applied),
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return applied, nil
}

func parkStatus(parked bool, err error) string {
	if err != nil {
		return operationStatusError
	}
	if !parked {
		return operationStatusDuplicate
	}
	return operationStatusOK
}
