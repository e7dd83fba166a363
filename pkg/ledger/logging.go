package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      string
	Email          string
	Kind           EntryKind
	CreditType     CreditType
	Amount         int64
	IdempotencyKey string
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides entry/grant id generation.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.idFn = generate
		}
	}
}

// WithConflictRetry tunes how transient store conflicts are retried.
func WithConflictRetry(attempts int, backoff time.Duration) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.applyAttempts = attempts
		}
		if backoff > 0 {
			service.retryBackoff = backoff
		}
	}
}
