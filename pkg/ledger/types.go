package ledger

import (
	"context"
	"fmt"
	"strings"
)

// CreditType is one of the currencies tracked per account.
type CreditType string

const (
	CreditCoverArt   CreditType = "coverArt"
	CreditLyricVideo CreditType = "lyricVideo"
)

// CreditTypes lists every tracked credit type.
func CreditTypes() []CreditType {
	return []CreditType{CreditCoverArt, CreditLyricVideo}
}

// ParseCreditType validates a raw credit type string.
func ParseCreditType(raw string) (CreditType, error) {
	switch CreditType(strings.TrimSpace(raw)) {
	case CreditCoverArt:
		return CreditCoverArt, nil
	case CreditLyricVideo:
		return CreditLyricVideo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCreditType, raw)
}

// String returns the wire value.
func (creditType CreditType) String() string {
	return string(creditType)
}

// EntryKind enumerates ledger entry kinds. The sign of a mutation is
// implied by its kind; entry amounts are stored as positive integers.
type EntryKind string

const (
	KindPurchase            EntryKind = "purchase"
	KindSubscriptionRenewal EntryKind = "subscription_renewal"
	KindDeduction           EntryKind = "deduction"
	KindRefund              EntryKind = "refund"
)

// ParseEntryKind validates a raw entry kind string.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(strings.TrimSpace(raw)) {
	case KindPurchase:
		return KindPurchase, nil
	case KindSubscriptionRenewal:
		return KindSubscriptionRenewal, nil
	case KindDeduction:
		return KindDeduction, nil
	case KindRefund:
		return KindRefund, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the wire value.
func (kind EntryKind) String() string {
	return string(kind)
}

// Sign returns the balance direction implied by the kind.
func (kind EntryKind) Sign() int64 {
	if kind == KindDeduction {
		return -1
	}
	return 1
}

// SubscriptionStatus describes the lifecycle of a recurring plan.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// ParseSubscriptionStatus validates a raw subscription status string.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	switch SubscriptionStatus(strings.TrimSpace(raw)) {
	case SubscriptionActive:
		return SubscriptionActive, nil
	case SubscriptionCancelled:
		return SubscriptionCancelled, nil
	case SubscriptionExpired:
		return SubscriptionExpired, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionStatus, raw)
}

// String returns the wire value.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// Subscription is the recurring-plan state carried on an account.
type Subscription struct {
	PlanID        string
	Status        SubscriptionStatus
	MonthlyGrants map[CreditType]int64
}

// EntrySummary is the denormalized cache of an account's most recent
// ledger entry. Display only, never authoritative.
type EntrySummary struct {
	EntryID        string
	Kind           EntryKind
	CreditType     CreditType
	Amount         int64
	CreatedUnixUTC int64
}

// Account is the owner of per-type credit balances.
type Account struct {
	AccountID      string
	Email          string
	Balances       map[CreditType]int64
	Subscription   *Subscription
	LastEntry      *EntrySummary
	CreatedUnixUTC int64
}

// Balance returns the balance for one credit type (zero when unset).
func (account Account) Balance(creditType CreditType) int64 {
	return account.Balances[creditType]
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      string
	Kind           EntryKind
	CreditType     CreditType
	Amount         int64
	IdempotencyKey string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// SignedAmount returns the balance delta this entry applied.
func (entry Entry) SignedAmount() int64 {
	return entry.Kind.Sign() * entry.Amount
}

// Summary projects the entry into the account-level cache shape.
func (entry Entry) Summary() EntrySummary {
	return EntrySummary{
		EntryID:        entry.EntryID,
		Kind:           entry.Kind,
		CreditType:     entry.CreditType,
		Amount:         entry.Amount,
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}

// PendingGrantStatus tracks reconciliation of a parked grant.
type PendingGrantStatus string

const (
	PendingGrantPending PendingGrantStatus = "pending"
	PendingGrantApplied PendingGrantStatus = "applied"
)

// PendingGrant is a credit grant parked for an email with no matching
// account yet. Converted into a ledger entry by Reconcile.
type PendingGrant struct {
	GrantID        string
	Email          string
	IdempotencyKey string
	Kind           EntryKind
	CreditType     CreditType
	Amount         int64
	Status         PendingGrantStatus
	MetadataJSON   string
	CreatedUnixUTC int64
	AppliedUnixUTC int64
}

// AuditEvent records a payment failure or caller anomaly for the
// external notification collaborator. Never affects balances.
type AuditEvent struct {
	EventID        string
	Kind           string
	AccountID      string
	Email          string
	TransactionID  string
	DetailJSON     string
	CreatedUnixUTC int64
}

// NormalizeEmail lowercases and trims an email for secondary lookup.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID string) (Account, error)
	FindAccountsByEmail(ctx context.Context, email string) ([]Account, error)
	CreateAccount(ctx context.Context, account Account) error
	UpdateBalance(ctx context.Context, accountID string, creditType CreditType, balance int64, last EntrySummary) error
	SetSubscription(ctx context.Context, accountID string, subscription Subscription) error
	SetSubscriptionStatus(ctx context.Context, accountID string, status SubscriptionStatus) error

	FindEntry(ctx context.Context, idempotencyKey string, kind EntryKind) (Entry, bool, error)
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)

	InsertPendingGrant(ctx context.Context, grant PendingGrant) error
	ListPendingGrants(ctx context.Context, email string) ([]PendingGrant, error)
	MarkPendingGrantApplied(ctx context.Context, grantID string, appliedUnixUTC int64) error

	InsertAuditEvent(ctx context.Context, event AuditEvent) error
	ListAuditEvents(ctx context.Context, sinceUnixUTC int64, limit int) ([]AuditEvent, error)
}
