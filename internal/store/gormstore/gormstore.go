package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/versecraft/creditledger/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryKeyKind    = "uniq_entry_key_kind"
	constraintPendingEmailKey = "uniq_pending_email_key"
	defaultMetadataJSON       = "{}"

	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteConstraintCode       = 19
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6

	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectBalance       = "balance"
	errorSubjectEntry         = "entry"
	errorSubjectPendingGrant  = "pending_grant"
	errorSubjectSubscription  = "subscription"
	errorSubjectAudit         = "audit"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodeUpdate           = "update"
	errorCodeConflict         = "conflict"
	errorCodeMarkApplied      = "mark_applied"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isSerializationFailure(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeConflict, ledger.ErrStoreConflict)
	}
	return err
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	return store.getAccount(ctx, accountID, false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (ledger.Account, error) {
	return store.getAccount(ctx, accountID, true)
}

func (store *Store) getAccount(ctx context.Context, accountID string, forUpdate bool) (ledger.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Where("account_id = ?", accountID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		if isSerializationFailure(err) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeConflict, ledger.ErrStoreConflict)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return store.assembleAccount(ctx, model)
}

func (store *Store) assembleAccount(ctx context.Context, model Account) (ledger.Account, error) {
	var balanceRows []CreditBalance
	err := store.db.WithContext(ctx).
		Where("account_id = ?", model.AccountID).
		Find(&balanceRows).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	account, err := mapAccount(model, balanceRows)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) FindAccountsByEmail(ctx context.Context, email string) ([]ledger.Account, error) {
	var models []Account
	err := store.db.WithContext(ctx).
		Where("email_normalized = ?", ledger.NormalizeEmail(email)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accounts := make([]ledger.Account, 0, len(models))
	for _, model := range models {
		account, err := store.assembleAccount(ctx, model)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	model := Account{
		AccountID:       account.AccountID,
		Email:           account.Email,
		EmailNormalized: ledger.NormalizeEmail(account.Email),
		CreatedAt:       time.Unix(account.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() || account.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if account.Subscription != nil {
		planID := account.Subscription.PlanID
		status := account.Subscription.Status.String()
		model.SubscriptionPlanID = &planID
		model.SubscriptionStatus = &status
		model.MonthlyCoverArt = account.Subscription.MonthlyGrants[ledger.CreditCoverArt]
		model.MonthlyLyricVideo = account.Subscription.MonthlyGrants[ledger.CreditLyricVideo]
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	for _, creditType := range ledger.CreditTypes() {
		row := CreditBalance{
			AccountID:  model.AccountID,
			CreditType: creditType.String(),
			Credits:    account.Balances[creditType],
		}
		if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
		}
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID string, creditType ledger.CreditType, balance int64, last ledger.EntrySummary) error {
	row := CreditBalance{
		AccountID:  accountID,
		CreditType: creditType.String(),
		Credits:    balance,
		UpdatedAt:  time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "credit_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"credits", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		if isSerializationFailure(err) {
			return wrapStoreError(errorSubjectBalance, errorCodeConflict, ledger.ErrStoreConflict)
		}
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}

	lastKind := last.Kind.String()
	lastCreditType := last.CreditType.String()
	lastCreatedAt := time.Unix(last.CreatedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"last_entry_id":          last.EntryID,
			"last_entry_kind":        lastKind,
			"last_entry_credit_type": lastCreditType,
			"last_entry_amount":      last.Amount,
			"last_entry_created_at":  lastCreatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetSubscription(ctx context.Context, accountID string, subscription ledger.Subscription) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"subscription_plan_id": subscription.PlanID,
			"subscription_status":  subscription.Status.String(),
			"monthly_cover_art":    subscription.MonthlyGrants[ledger.CreditCoverArt],
			"monthly_lyric_video":  subscription.MonthlyGrants[ledger.CreditLyricVideo],
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetSubscriptionStatus(ctx context.Context, accountID string, status ledger.SubscriptionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("subscription_status", status.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) FindEntry(ctx context.Context, idempotencyKey string, kind ledger.EntryKind) (ledger.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ? AND kind = ?", idempotencyKey, kind.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, false, nil
		}
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	model := LedgerEntry{
		EntryID:        entry.EntryID,
		AccountID:      entry.AccountID,
		Kind:           entry.Kind.String(),
		CreditType:     entry.CreditType.String(),
		Amount:         entry.Amount,
		IdempotencyKey: entry.IdempotencyKey,
		Metadata:       datatypesJSON(entry.MetadataJSON),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintEntryKeyKind) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if isSerializationFailure(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeConflict, ledger.ErrStoreConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) InsertPendingGrant(ctx context.Context, grant ledger.PendingGrant) error {
	model := PendingGrant{
		GrantID:         grant.GrantID,
		EmailNormalized: ledger.NormalizeEmail(grant.Email),
		IdempotencyKey:  grant.IdempotencyKey,
		Kind:            grant.Kind.String(),
		CreditType:      grant.CreditType.String(),
		Amount:          grant.Amount,
		Status:          string(grant.Status),
		Metadata:        datatypesJSON(grant.MetadataJSON),
		CreatedAt:       time.Unix(grant.CreatedUnixUTC, 0).UTC(),
	}
	if grant.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintPendingEmailKey) {
		return wrapStoreError(errorSubjectPendingGrant, errorCodeDuplicate, ledger.ErrDuplicatePendingGrant)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPendingGrant, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListPendingGrants(ctx context.Context, email string) ([]ledger.PendingGrant, error) {
	var rows []PendingGrant
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("email_normalized = ? AND status = ?", ledger.NormalizeEmail(email), string(ledger.PendingGrantPending)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPendingGrant, errorCodeList, err)
	}
	grants := make([]ledger.PendingGrant, 0, len(rows))
	for _, row := range rows {
		grant, err := mapPendingGrant(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPendingGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

func (store *Store) MarkPendingGrantApplied(ctx context.Context, grantID string, appliedUnixUTC int64) error {
	appliedAt := time.Unix(appliedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&PendingGrant{}).
		Where("grant_id = ? AND status = ?", grantID, string(ledger.PendingGrantPending)).
		Updates(map[string]interface{}{
			"status":     string(ledger.PendingGrantApplied),
			"applied_at": appliedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPendingGrant, errorCodeMarkApplied, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPendingGrant, errorCodeMarkApplied, ledger.ErrUnknownPendingGrant)
	}
	return nil
}

func (store *Store) InsertAuditEvent(ctx context.Context, event ledger.AuditEvent) error {
	var accountID *string
	if event.AccountID != "" {
		value := event.AccountID
		accountID = &value
	}
	model := AuditEvent{
		EventID:       event.EventID,
		Kind:          event.Kind,
		AccountID:     accountID,
		Email:         event.Email,
		TransactionID: event.TransactionID,
		Detail:        datatypesJSON(event.DetailJSON),
		CreatedAt:     time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	if event.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListAuditEvents(ctx context.Context, sinceUnixUTC int64, limit int) ([]ledger.AuditEvent, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var rows []AuditEvent
	err := store.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	events := make([]ledger.AuditEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, mapAuditEvent(row))
	}
	return events, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account, balanceRows []CreditBalance) (ledger.Account, error) {
	balances := make(map[ledger.CreditType]int64, len(balanceRows))
	for _, row := range balanceRows {
		creditType, err := ledger.ParseCreditType(row.CreditType)
		if err != nil {
			return ledger.Account{}, err
		}
		balances[creditType] = row.Credits
	}
	account := ledger.Account{
		AccountID:      model.AccountID,
		Email:          model.EmailNormalized,
		Balances:       balances,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
	if model.SubscriptionPlanID != nil && model.SubscriptionStatus != nil {
		status, err := ledger.ParseSubscriptionStatus(*model.SubscriptionStatus)
		if err != nil {
			return ledger.Account{}, err
		}
		account.Subscription = &ledger.Subscription{
			PlanID: *model.SubscriptionPlanID,
			Status: status,
			MonthlyGrants: map[ledger.CreditType]int64{
				ledger.CreditCoverArt:   model.MonthlyCoverArt,
				ledger.CreditLyricVideo: model.MonthlyLyricVideo,
			},
		}
	}
	if model.LastEntryID != nil && model.LastEntryKind != nil && model.LastEntryCreditType != nil && model.LastEntryAmount != nil {
		kind, err := ledger.ParseEntryKind(*model.LastEntryKind)
		if err != nil {
			return ledger.Account{}, err
		}
		creditType, err := ledger.ParseCreditType(*model.LastEntryCreditType)
		if err != nil {
			return ledger.Account{}, err
		}
		summary := ledger.EntrySummary{
			EntryID:    *model.LastEntryID,
			Kind:       kind,
			CreditType: creditType,
			Amount:     *model.LastEntryAmount,
		}
		if model.LastEntryCreatedAt != nil {
			summary.CreatedUnixUTC = model.LastEntryCreatedAt.Unix()
		}
		account.LastEntry = &summary
	}
	return account, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	creditType, err := ledger.ParseCreditType(row.CreditType)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		AccountID:      row.AccountID,
		Kind:           kind,
		CreditType:     creditType,
		Amount:         row.Amount,
		IdempotencyKey: row.IdempotencyKey,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapPendingGrant(row PendingGrant) (ledger.PendingGrant, error) {
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.PendingGrant{}, err
	}
	creditType, err := ledger.ParseCreditType(row.CreditType)
	if err != nil {
		return ledger.PendingGrant{}, err
	}
	grant := ledger.PendingGrant{
		GrantID:        row.GrantID,
		Email:          row.EmailNormalized,
		IdempotencyKey: row.IdempotencyKey,
		Kind:           kind,
		CreditType:     creditType,
		Amount:         row.Amount,
		Status:         ledger.PendingGrantStatus(row.Status),
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.AppliedAt != nil {
		grant.AppliedUnixUTC = row.AppliedAt.Unix()
	}
	return grant, nil
}

func mapAuditEvent(row AuditEvent) ledger.AuditEvent {
	event := ledger.AuditEvent{
		EventID:        row.EventID,
		Kind:           row.Kind,
		Email:          row.Email,
		TransactionID:  row.TransactionID,
		DetailJSON:     string(row.Detail),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.AccountID != nil {
		event.AccountID = *row.AccountID
	}
	return event
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
