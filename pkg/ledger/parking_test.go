package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestParkHoldsGrantForUnknownEmail(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	parked, err := service.Park(context.Background(), "A@X.com", "txn-1:prod_starter", KindPurchase, CreditCoverArt, 10, "{}")
	if err != nil {
		test.Fatalf("park: %v", err)
	}
	if !parked {
		test.Fatalf("expected grant to be parked")
	}
	if len(store.entries) != 0 {
		test.Fatalf("parking must not write ledger entries, got %d", len(store.entries))
	}
	grants, err := store.ListPendingGrants(context.Background(), "a@x.com")
	if err != nil {
		test.Fatalf("list grants: %v", err)
	}
	if len(grants) != 1 || grants[0].Amount != 10 || grants[0].CreditType != CreditCoverArt {
		test.Fatalf("unexpected grants: %+v", grants)
	}
	if grants[0].Email != "a@x.com" {
		test.Fatalf("expected normalized email, got %q", grants[0].Email)
	}
}

func TestParkIsIdempotentPerEmailAndKey(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	if _, err := service.Park(context.Background(), "a@x.com", "txn-1", KindPurchase, CreditCoverArt, 10, "{}"); err != nil {
		test.Fatalf("park: %v", err)
	}
	parked, err := service.Park(context.Background(), "a@x.com", "txn-1", KindPurchase, CreditCoverArt, 10, "{}")
	if err != nil {
		test.Fatalf("replayed park: %v", err)
	}
	if parked {
		test.Fatalf("replayed park must be a no-op")
	}
	if len(store.pendingGrants) != 1 {
		test.Fatalf("expected 1 pending grant, got %d", len(store.pendingGrants))
	}
}

func TestParkRejectsDeductions(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	_, err := service.Park(context.Background(), "a@x.com", "job-1", KindDeduction, CreditCoverArt, 1, "{}")
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestReconcileConvertsParkedGrants(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	if _, err := service.Park(context.Background(), "a@x.com", "txn-1:prod_starter", KindPurchase, CreditCoverArt, 10, "{}"); err != nil {
		test.Fatalf("park: %v", err)
	}
	account := store.addAccount("acc-1", "a@x.com")

	applied, err := service.Reconcile(context.Background(), account.AccountID, "a@x.com")
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if applied != 1 {
		test.Fatalf("expected 1 applied grant, got %d", applied)
	}
	if got := store.accounts[account.AccountID].Balances[CreditCoverArt]; got != 10 {
		test.Fatalf("expected balance 10, got %d", got)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected exactly one converted entry, got %d", len(store.entries))
	}
	grants, _ := store.ListPendingGrants(context.Background(), "a@x.com")
	if len(grants) != 0 {
		test.Fatalf("expected no unapplied grants, got %+v", grants)
	}
}

func TestReconcileIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	if _, err := service.Park(context.Background(), "a@x.com", "txn-1", KindPurchase, CreditCoverArt, 10, "{}"); err != nil {
		test.Fatalf("park: %v", err)
	}
	account := store.addAccount("acc-1", "a@x.com")

	if _, err := service.Reconcile(context.Background(), account.AccountID, "a@x.com"); err != nil {
		test.Fatalf("first reconcile: %v", err)
	}
	applied, err := service.Reconcile(context.Background(), account.AccountID, "a@x.com")
	if err != nil {
		test.Fatalf("second reconcile: %v", err)
	}
	if applied != 0 {
		test.Fatalf("second reconcile must be a no-op, applied %d", applied)
	}
	if got := store.accounts[account.AccountID].Balances[CreditCoverArt]; got != 10 {
		test.Fatalf("expected balance 10, got %d", got)
	}
}

func TestReconcileConvertsAllGrantsAtomically(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	if _, err := service.Park(context.Background(), "a@x.com", "txn-1", KindPurchase, CreditCoverArt, 10, "{}"); err != nil {
		test.Fatalf("park: %v", err)
	}
	if _, err := service.Park(context.Background(), "a@x.com", "txn-2", KindSubscriptionRenewal, CreditLyricVideo, 2, "{}"); err != nil {
		test.Fatalf("park: %v", err)
	}
	account := store.addAccount("acc-1", "a@x.com")

	applied, err := service.Reconcile(context.Background(), account.AccountID, "a@x.com")
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if applied != 2 {
		test.Fatalf("expected 2 applied grants, got %d", applied)
	}
	balances := store.accounts[account.AccountID].Balances
	if balances[CreditCoverArt] != 10 || balances[CreditLyricVideo] != 2 {
		test.Fatalf("unexpected balances: %v", balances)
	}
}

func TestReconcileLeavesNothingOnFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, WithConflictRetry(1, 1))
	if _, err := service.Park(context.Background(), "a@x.com", "txn-1", KindPurchase, CreditCoverArt, 10, "{}"); err != nil {
		test.Fatalf("park: %v", err)
	}
	if _, err := service.Park(context.Background(), "a@x.com", "txn-2", KindPurchase, CreditCoverArt, 5, "{}"); err != nil {
		test.Fatalf("park: %v", err)
	}
	account := store.addAccount("acc-1", "a@x.com")
	// Fail the second insert: the first converted grant must roll back.
	store.failOnInsertNumber = 2

	_, err := service.Reconcile(context.Background(), account.AccountID, "a@x.com")
	if err == nil {
		test.Fatalf("expected reconcile failure")
	}
	if got := store.accounts[account.AccountID].Balances[CreditCoverArt]; got != 0 {
		test.Fatalf("partial reconciliation observable: balance %d", got)
	}
	if len(store.entries) != 0 {
		test.Fatalf("partial reconciliation observable: %d entries", len(store.entries))
	}
	grants, _ := store.ListPendingGrants(context.Background(), "a@x.com")
	if len(grants) != 2 {
		test.Fatalf("expected both grants still pending, got %d", len(grants))
	}
}

func TestReconcileUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	_, err := service.Reconcile(context.Background(), "missing", "a@x.com")
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
