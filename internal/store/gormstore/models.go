package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balances live in their own
// rows so a mutation touches one (account, credit type) pair.
type Account struct {
	AccountID          string  `gorm:"type:uuid;primaryKey"`
	Email              string  `gorm:"not null"`
	EmailNormalized    string  `gorm:"not null;index:idx_accounts_email_normalized"`
	SubscriptionPlanID *string `gorm:""`
	SubscriptionStatus *string `gorm:""`
	MonthlyCoverArt    int64   `gorm:"not null;default:0"`
	MonthlyLyricVideo  int64   `gorm:"not null;default:0"`

	LastEntryID         *string    `gorm:""`
	LastEntryKind       *string    `gorm:""`
	LastEntryCreditType *string    `gorm:""`
	LastEntryAmount     *int64     `gorm:""`
	LastEntryCreatedAt  *time.Time `gorm:""`

	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CreditBalance mirrors the credit_balances table.
type CreditBalance struct {
	AccountID  string    `gorm:"primaryKey"`
	CreditType string    `gorm:"primaryKey"`
	Credits    int64     `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1"`
	Kind           string         `gorm:"not null;index:uniq_entry_key_kind,unique,priority:2"`
	CreditType     string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;index:uniq_entry_key_kind,unique,priority:1"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PendingGrant mirrors the pending_grants table.
type PendingGrant struct {
	GrantID         string         `gorm:"type:uuid;primaryKey"`
	EmailNormalized string         `gorm:"not null;index:uniq_pending_email_key,unique,priority:1"`
	IdempotencyKey  string         `gorm:"not null;index:uniq_pending_email_key,unique,priority:2"`
	Kind            string         `gorm:"not null"`
	CreditType      string         `gorm:"not null"`
	Amount          int64          `gorm:"not null"`
	Status          string         `gorm:"not null;index:idx_pending_status"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
	AppliedAt       *time.Time     `gorm:""`
}

func (PendingGrant) TableName() string { return "pending_grants" }

func (grant *PendingGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// AuditEvent mirrors the audit_events table.
type AuditEvent struct {
	EventID       string         `gorm:"type:uuid;primaryKey"`
	Kind          string         `gorm:"not null"`
	AccountID     *string        `gorm:""`
	Email         string         `gorm:""`
	TransactionID string         `gorm:""`
	Detail        datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_audit_created"`
}

func (AuditEvent) TableName() string { return "audit_events" }

func (event *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Models lists every table for schema migration.
func Models() []any {
	return []any{&Account{}, &CreditBalance{}, &LedgerEntry{}, &PendingGrant{}, &AuditEvent{}}
}
