// Package jobguard wraps the ledger's reserve/refund protocol for
// generation jobs. A job deducts one credit before work starts and
// refunds it only when the job later fails for a reason other than
// insufficient credits.
package jobguard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/versecraft/creditledger/pkg/ledger"
)

const refundKeySuffix = ":refund"

// Ledger is the mutation surface the guard drives.
type Ledger interface {
	Apply(ctx context.Context, accountID string, idempotencyKey string, kind ledger.EntryKind, creditType ledger.CreditType, signedAmount int64, metadataJSON string) (ledger.ApplyOutcome, error)
	FindEntry(ctx context.Context, idempotencyKey string, kind ledger.EntryKind) (ledger.Entry, bool, error)
}

// Guard mediates job credit reservations.
type Guard struct {
	ledger Ledger
	logger *zap.Logger
}

// NewGuard wires a Guard.
func NewGuard(ledgerService Ledger, logger *zap.Logger) (*Guard, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{ledger: ledgerService, logger: logger}, nil
}

// Reserve deducts one credit for a job, keyed by the job id. A job must
// not start expensive work unless Reserve succeeds. Redelivery of the
// same job id is absorbed by the idempotency key; the duplicate is
// logged because a well-behaved worker reserves once.
func (guard *Guard) Reserve(ctx context.Context, accountID string, creditType ledger.CreditType, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id is empty", ledger.ErrInvalidIdempotencyKey)
	}
	outcome, err := guard.ledger.Apply(ctx, accountID, jobID, ledger.KindDeduction, creditType, -1, jobMetadata(jobID))
	if err != nil {
		return err
	}
	if outcome.Duplicate {
		guard.logger.Warn("job reserved more than once",
			zap.String("jobId", jobID),
			zap.String("accountId", accountID))
	}
	return nil
}

// Refund returns the reserved credit after a job fails. Refunding a job
// that never reserved is a no-op, and refunding twice credits only
// once; both cases indicate a caller bug and are logged as such.
func (guard *Guard) Refund(ctx context.Context, accountID string, creditType ledger.CreditType, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id is empty", ledger.ErrInvalidIdempotencyKey)
	}
	_, reserved, err := guard.ledger.FindEntry(ctx, jobID, ledger.KindDeduction)
	if err != nil {
		return err
	}
	if !reserved {
		guard.logger.Warn("refund requested for job that never reserved",
			zap.String("jobId", jobID),
			zap.String("accountId", accountID))
		return nil
	}
	outcome, err := guard.ledger.Apply(ctx, accountID, jobID+refundKeySuffix, ledger.KindRefund, creditType, 1, jobMetadata(jobID))
	if err != nil {
		return err
	}
	if outcome.Duplicate {
		guard.logger.Warn("job refunded more than once",
			zap.String("jobId", jobID),
			zap.String("accountId", accountID))
	}
	return nil
}

func jobMetadata(jobID string) string {
	return `{"jobId":"` + jobID + `"}`
}
