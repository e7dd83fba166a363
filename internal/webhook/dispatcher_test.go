package webhook_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/versecraft/creditledger/internal/catalog"
	"github.com/versecraft/creditledger/internal/webhook"
	"github.com/versecraft/creditledger/pkg/ledger"
)

func TestDispatchPurchaseCreditsEachCartLine(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, routedResolver("acc_1"))

	body := []byte(`{
		"type": "payment.succeeded",
		"data": {
			"transaction_id": "tx_1",
			"customer": {"email": "a@x.com"},
			"product_cart": [
				{"product_id": "prod_starter", "quantity": 1},
				{"product_id": "prod_video_single", "quantity": 2}
			],
			"status": "paid"
		}
	}`)
	if err := dispatcher.Dispatch(context.Background(), body); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}

	if len(fake.applies) != 2 {
		test.Fatalf("expected 2 applies, got %d", len(fake.applies))
	}
	first := fake.applies[0]
	if first.accountID != "acc_1" || first.key != "tx_1:prod_starter" || first.kind != ledger.KindPurchase || first.creditType != ledger.CreditCoverArt || first.amount != 10 {
		test.Fatalf("unexpected first apply: %+v", first)
	}
	second := fake.applies[1]
	if second.key != "tx_1:prod_video_single" || second.creditType != ledger.CreditLyricVideo || second.amount != 2 {
		test.Fatalf("unexpected second apply: %+v", second)
	}
	if len(fake.parks) != 0 {
		test.Fatalf("expected no parks, got %d", len(fake.parks))
	}
}

func TestDispatchPurchaseSkipsUnresolvableCartLine(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, routedResolver("acc_1"))

	body := []byte(`{
		"type": "payment.succeeded",
		"data": {
			"transaction_id": "tx_2",
			"customer": {"email": "a@x.com"},
			"product_cart": [
				{"product_id": "prod_mystery", "quantity": 1},
				{"product_id": "prod_starter", "quantity": 1}
			],
			"status": "paid"
		}
	}`)
	if err := dispatcher.Dispatch(context.Background(), body); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}

	if len(fake.applies) != 1 {
		test.Fatalf("expected 1 apply, got %d", len(fake.applies))
	}
	if fake.applies[0].key != "tx_2:prod_starter" {
		test.Fatalf("unexpected apply key %q", fake.applies[0].key)
	}
}

func TestDispatchPurchaseParksForUnknownEmail(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, unknownResolver())

	body := []byte(`{
		"type": "payment.succeeded",
		"data": {
			"transaction_id": "tx_3",
			"customer": {"email": "a@x.com"},
			"product_cart": [{"product_id": "prod_starter", "quantity": 1}],
			"status": "paid"
		}
	}`)
	if err := dispatcher.Dispatch(context.Background(), body); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}

	if len(fake.applies) != 0 {
		test.Fatalf("expected no applies, got %d", len(fake.applies))
	}
	if len(fake.parks) != 1 {
		test.Fatalf("expected 1 park, got %d", len(fake.parks))
	}
	park := fake.parks[0]
	if park.email != "a@x.com" || park.key != "tx_3:prod_starter" || park.creditType != ledger.CreditCoverArt || park.amount != 10 {
		test.Fatalf("unexpected park: %+v", park)
	}
}

func TestDispatchPrefersMetadataUserID(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	resolver := &fakeResolver{accountID: "acc_meta", expectID: "acc_meta"}
	dispatcher := mustNewDispatcher(test, fake, resolver)

	body := []byte(`{
		"type": "payment.succeeded",
		"data": {
			"transaction_id": "tx_4",
			"customer": {"email": "a@x.com"},
			"product_cart": [{"product_id": "prod_starter", "quantity": 1}],
			"status": "paid",
			"metadata": {"user_id": "acc_meta"}
		}
	}`)
	if err := dispatcher.Dispatch(context.Background(), body); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}
	if resolver.lastAccountID != "acc_meta" {
		test.Fatalf("expected resolver called with metadata user id, got %q", resolver.lastAccountID)
	}
	if len(fake.applies) != 1 || fake.applies[0].accountID != "acc_meta" {
		test.Fatalf("unexpected applies: %+v", fake.applies)
	}
}

func TestDispatchSubscriptionCreatedActivatesPlanAndGrants(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, routedResolver("acc_1"))

	body := []byte(`{
		"type": "subscription.created",
		"data": {
			"subscription_id": "sub_1",
			"customer": {"email": "a@x.com"},
			"product_cart": [{"product_id": "plan_creator", "quantity": 1}],
			"status": "active"
		}
	}`)
	if err := dispatcher.Dispatch(context.Background(), body); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}

	if len(fake.activations) != 1 {
		test.Fatalf("expected 1 activation, got %d", len(fake.activations))
	}
	activation := fake.activations[0]
	if activation.accountID != "acc_1" || activation.subscription.PlanID != "plan_creator" || activation.subscription.Status != ledger.SubscriptionActive {
		test.Fatalf("unexpected activation: %+v", activation)
	}
	if len(fake.applies) != 2 {
		test.Fatalf("expected 2 grants, got %d", len(fake.applies))
	}
	for _, apply := range fake.applies {
		if apply.kind != ledger.KindSubscriptionRenewal {
			test.Fatalf("expected subscription_renewal kind, got %q", apply.kind)
		}
	}
	if fake.applies[0].key != "sub_1:coverArt" || fake.applies[0].amount != 20 {
		test.Fatalf("unexpected coverArt grant: %+v", fake.applies[0])
	}
	if fake.applies[1].key != "sub_1:lyricVideo" || fake.applies[1].amount != 2 {
		test.Fatalf("unexpected lyricVideo grant: %+v", fake.applies[1])
	}
}

func TestDispatchSubscriptionRenewalParksForUnknownEmail(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, unknownResolver())

	body := []byte(`{
		"type": "subscription.renewed",
		"data": {
			"subscription_id": "sub_2",
			"customer": {"email": "b@x.com"},
			"product_cart": [{"product_id": "plan_pro", "quantity": 1}],
			"status": "active"
		}
	}`)
	if err := dispatcher.Dispatch(context.Background(), body); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}

	if len(fake.activations) != 0 {
		test.Fatalf("expected no activation, got %d", len(fake.activations))
	}
	if len(fake.parks) != 2 {
		test.Fatalf("expected 2 parks, got %d", len(fake.parks))
	}
	if fake.parks[0].key != "sub_2:coverArt" || fake.parks[0].amount != 50 {
		test.Fatalf("unexpected park: %+v", fake.parks[0])
	}
}

func TestDispatchSubscriptionUnknownPlanIsAcknowledged(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, routedResolver("acc_1"))

	body := []byte(`{
		"type": "subscription.created",
		"data": {
			"subscription_id": "sub_3",
			"customer": {"email": "a@x.com"},
			"product_cart": [{"product_id": "plan_unknown", "quantity": 1}],
			"status": "active"
		}
	}`)
	if err := dispatcher.Dispatch(context.Background(), body); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}
	if len(fake.applies)+len(fake.activations)+len(fake.parks) != 0 {
		test.Fatal("expected unknown plan to be a no-op")
	}
}

func TestDispatchSubscriptionClosureSetsDistinctStatuses(test *testing.T) {
	test.Parallel()

	cases := map[string]ledger.SubscriptionStatus{
		"subscription.cancelled": ledger.SubscriptionCancelled,
		"subscription.expired":   ledger.SubscriptionExpired,
	}
	for eventType, wantStatus := range cases {
		fake := newFakeLedger()
		dispatcher := mustNewDispatcher(test, fake, routedResolver("acc_1"))

		body := []byte(`{
			"type": "` + eventType + `",
			"data": {
				"subscription_id": "sub_4",
				"customer": {"email": "a@x.com"},
				"status": "closed"
			}
		}`)
		if err := dispatcher.Dispatch(context.Background(), body); err != nil {
			test.Fatalf("%s: Dispatch: %v", eventType, err)
		}
		if len(fake.closures) != 1 || fake.closures[0].status != wantStatus {
			test.Fatalf("%s: unexpected closures %+v", eventType, fake.closures)
		}
		if len(fake.applies) != 0 {
			test.Fatalf("%s: closure must grant nothing", eventType)
		}
	}
}

func TestDispatchSubscriptionClosureUnknownAccountIsAcknowledged(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, unknownResolver())

	body := []byte(`{
		"type": "subscription.cancelled",
		"data": {
			"subscription_id": "sub_5",
			"customer": {"email": "nobody@x.com"},
			"status": "closed"
		}
	}`)
	if err := dispatcher.Dispatch(context.Background(), body); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}
	if len(fake.closures) != 0 {
		test.Fatalf("expected no closure, got %+v", fake.closures)
	}
}

func TestDispatchPaymentFailureRecordsAuditOnly(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, routedResolver("acc_1"))

	body := []byte(`{
		"type": "payment.failed",
		"data": {
			"transaction_id": "tx_6",
			"customer": {"email": "a@x.com"},
			"status": "declined"
		}
	}`)
	if err := dispatcher.Dispatch(context.Background(), body); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}

	if len(fake.audits) != 1 {
		test.Fatalf("expected 1 audit event, got %d", len(fake.audits))
	}
	audit := fake.audits[0]
	if audit.Kind != "payment.failed" || audit.TransactionID != "tx_6" || audit.Email != "a@x.com" {
		test.Fatalf("unexpected audit event: %+v", audit)
	}
	if len(fake.applies)+len(fake.parks) != 0 {
		test.Fatal("failure events must never touch balances")
	}
}

func TestDispatchIgnoresUnknownEventType(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, routedResolver("acc_1"))

	if err := dispatcher.Dispatch(context.Background(), []byte(`{"type":"payout.created","data":{}}`)); err != nil {
		test.Fatalf("Dispatch: %v", err)
	}
	if len(fake.applies)+len(fake.parks)+len(fake.audits) != 0 {
		test.Fatal("unknown event type must be a no-op")
	}
}

func TestDispatchRejectsMalformedBody(test *testing.T) {
	test.Parallel()

	fake := newFakeLedger()
	dispatcher := mustNewDispatcher(test, fake, routedResolver("acc_1"))

	if err := dispatcher.Dispatch(context.Background(), []byte(`{"data":`)); err == nil {
		test.Fatal("expected parse error")
	}
	if err := dispatcher.Dispatch(context.Background(), []byte(`{"data":{}}`)); err == nil {
		test.Fatal("expected missing-type error")
	}
}

func mustNewDispatcher(test *testing.T, fake *fakeLedger, resolver webhook.AccountResolver) *webhook.Dispatcher {
	test.Helper()
	dispatcher, err := webhook.NewDispatcher(fake, resolver, catalog.Default(), zap.NewNop())
	if err != nil {
		test.Fatalf("NewDispatcher: %v", err)
	}
	return dispatcher
}

type applyCall struct {
	accountID  string
	key        string
	kind       ledger.EntryKind
	creditType ledger.CreditType
	amount     int64
}

type parkCall struct {
	email      string
	key        string
	kind       ledger.EntryKind
	creditType ledger.CreditType
	amount     int64
}

type activationCall struct {
	accountID    string
	subscription ledger.Subscription
}

type closureCall struct {
	accountID string
	status    ledger.SubscriptionStatus
}

type fakeLedger struct {
	applies     []applyCall
	parks       []parkCall
	activations []activationCall
	closures    []closureCall
	audits      []ledger.AuditEvent
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{}
}

func (fake *fakeLedger) Apply(_ context.Context, accountID string, key string, kind ledger.EntryKind, creditType ledger.CreditType, amount int64, _ string) (ledger.ApplyOutcome, error) {
	fake.applies = append(fake.applies, applyCall{accountID, key, kind, creditType, amount})
	return ledger.ApplyOutcome{}, nil
}

func (fake *fakeLedger) Park(_ context.Context, email string, key string, kind ledger.EntryKind, creditType ledger.CreditType, amount int64, _ string) (bool, error) {
	fake.parks = append(fake.parks, parkCall{email, key, kind, creditType, amount})
	return true, nil
}

func (fake *fakeLedger) ActivateSubscription(_ context.Context, accountID string, subscription ledger.Subscription) error {
	fake.activations = append(fake.activations, activationCall{accountID, subscription})
	return nil
}

func (fake *fakeLedger) CloseSubscription(_ context.Context, accountID string, status ledger.SubscriptionStatus) error {
	fake.closures = append(fake.closures, closureCall{accountID, status})
	return nil
}

func (fake *fakeLedger) RecordAudit(_ context.Context, event ledger.AuditEvent) error {
	fake.audits = append(fake.audits, event)
	return nil
}

type fakeResolver struct {
	accountID     string
	expectID      string
	notFound      bool
	lastAccountID string
}

func routedResolver(accountID string) *fakeResolver {
	return &fakeResolver{accountID: accountID}
}

func unknownResolver() *fakeResolver {
	return &fakeResolver{notFound: true}
}

func (fake *fakeResolver) Resolve(_ context.Context, accountID string, email string) (ledger.Account, error) {
	fake.lastAccountID = accountID
	if fake.notFound {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return ledger.Account{AccountID: fake.accountID, Email: email}, nil
}
