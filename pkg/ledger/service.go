package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store. It is the only
// component permitted to change account balances.
type Service struct {
	store         Store
	nowFn         func() int64
	idFn          func() string
	logger        OperationLogger
	applyAttempts int
	retryBackoff  time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		nowFn:         now,
		idFn:          uuid.NewString,
		applyAttempts: defaultApplyAttempts,
		retryBackoff:  defaultRetryBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ApplyOutcome reports the ledger entry an Apply call resolved to.
// Duplicate marks an idempotent replay: the entry already existed and
// no balance was touched.
type ApplyOutcome struct {
	Entry     Entry
	Duplicate bool
}

// Apply adjusts one account balance by signedAmount and appends the
// matching ledger entry within a single transaction. A replayed
// (idempotencyKey, kind) pair returns the existing entry without
// re-applying. Negative adjustments that would drive the balance below
// zero fail with ErrInsufficientCredits and apply nothing.
func (service *Service) Apply(ctx context.Context, accountID string, idempotencyKey string, kind EntryKind, creditType CreditType, signedAmount int64, metadataJSON string) (ApplyOutcome, error) {
	var outcome ApplyOutcome
	operationError := func() error {
		if strings.TrimSpace(accountID) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
		}
		if strings.TrimSpace(idempotencyKey) == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
		}
		if _, err := ParseEntryKind(kind.String()); err != nil {
			return err
		}
		if _, err := ParseCreditType(creditType.String()); err != nil {
			return err
		}
		if signedAmount == 0 {
			return fmt.Errorf("%w: zero amount", ErrInvalidAmount)
		}
		if (signedAmount > 0) != (kind.Sign() > 0) {
			return fmt.Errorf("%w: %s with amount %d", ErrAmountKindMismatch, kind, signedAmount)
		}
		return service.withConflictRetry(ctx, func() error {
			return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
				return service.applyInTx(ctx, txStore, accountID, idempotencyKey, kind, creditType, signedAmount, metadataJSON, &outcome)
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:      operationApply,
		AccountID:      accountID,
		Kind:           kind,
		CreditType:     creditType,
		Amount:         signedAmount,
		IdempotencyKey: idempotencyKey,
		Status:         applyStatus(outcome, operationError),
		Error:          operationError,
	})
	return outcome, operationError
}

// applyInTx runs the mutation against an already-open transaction. The
// Reconcile path reuses it so parked grants convert atomically.
func (service *Service) applyInTx(ctx context.Context, txStore Store, accountID string, idempotencyKey string, kind EntryKind, creditType CreditType, signedAmount int64, metadataJSON string, outcome *ApplyOutcome) error {
	existing, found, err := txStore.FindEntry(ctx, idempotencyKey, kind)
	if err != nil {
		return err
	}
	if found {
		*outcome = ApplyOutcome{Entry: existing, Duplicate: true}
		return nil
	}
	account, err := txStore.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return err
	}
	updatedBalance := account.Balance(creditType) + signedAmount
	if updatedBalance < 0 {
		return ErrInsufficientCredits
	}
	entry := Entry{
		EntryID:        service.idFn(),
		AccountID:      account.AccountID,
		Kind:           kind,
		CreditType:     creditType,
		Amount:         absAmount(signedAmount),
		IdempotencyKey: idempotencyKey,
		MetadataJSON:   normalizeMetadata(metadataJSON),
		CreatedUnixUTC: service.nowFn(),
	}
	if err := txStore.UpdateBalance(ctx, account.AccountID, creditType, updatedBalance, entry.Summary()); err != nil {
		return err
	}
	if err := txStore.InsertEntry(ctx, entry); err != nil {
		// A concurrent writer won the key between FindEntry and here.
		// Abort the transaction; the retry resolves to the winner.
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return fmt.Errorf("%w: %v", ErrStoreConflict, err)
		}
		return err
	}
	*outcome = ApplyOutcome{Entry: entry}
	return nil
}

// Balances returns the per-type balance read model for one account.
func (service *Service) Balances(ctx context.Context, accountID string) (map[CreditType]int64, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	balances := make(map[CreditType]int64, len(CreditTypes()))
	for _, creditType := range CreditTypes() {
		balances[creditType] = account.Balance(creditType)
	}
	return balances, nil
}

// History lists ledger entries for an account, newest first, before a
// cutoff time. A zero cutoff means "now".
func (service *Service) History(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

// FindEntry looks an entry up by its idempotency key and kind.
func (service *Service) FindEntry(ctx context.Context, idempotencyKey string, kind EntryKind) (Entry, bool, error) {
	return service.store.FindEntry(ctx, idempotencyKey, kind)
}

// RecordAudit appends an audit record for the notification collaborator.
func (service *Service) RecordAudit(ctx context.Context, event AuditEvent) error {
	if strings.TrimSpace(event.Kind) == "" {
		return fmt.Errorf("%w: audit kind is required", ErrInvalidServiceConfig)
	}
	event.EventID = service.idFn()
	event.Email = NormalizeEmail(event.Email)
	event.DetailJSON = normalizeMetadata(event.DetailJSON)
	event.CreatedUnixUTC = service.nowFn()
	return service.store.InsertAuditEvent(ctx, event)
}

// AuditTrail lists audit records recorded at or after sinceUnixUTC.
func (service *Service) AuditTrail(ctx context.Context, sinceUnixUTC int64, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return service.store.ListAuditEvents(ctx, sinceUnixUTC, limit)
}

// withConflictRetry retries fn on transient store conflicts with a
// bounded backoff, then surfaces ErrLedgerUnavailable.
func (service *Service) withConflictRetry(ctx context.Context, fn func() error) error {
	backoff := service.retryBackoff
	var err error
	for attempt := 0; attempt < service.applyAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrStoreConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func applyStatus(outcome ApplyOutcome, err error) string {
	if err != nil {
		return operationStatusError
	}
	if outcome.Duplicate {
		return operationStatusDuplicate
	}
	return operationStatusOK
}

func absAmount(signedAmount int64) int64 {
	if signedAmount < 0 {
		return -signedAmount
	}
	return signedAmount
}

func normalizeMetadata(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return defaultMetadataJSON
	}
	return raw
}
