package ledger

import (
	"errors"
	"testing"
)

func TestParseCreditType(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"coverArt", "lyricVideo"} {
		if _, err := ParseCreditType(raw); err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
	}
	if _, err := ParseCreditType("stickers"); !errors.Is(err, ErrInvalidCreditType) {
		test.Fatalf("expected ErrInvalidCreditType, got %v", err)
	}
}

func TestEntryKindSign(test *testing.T) {
	test.Parallel()
	cases := map[EntryKind]int64{
		KindPurchase:            1,
		KindSubscriptionRenewal: 1,
		KindRefund:              1,
		KindDeduction:           -1,
	}
	for kind, want := range cases {
		if got := kind.Sign(); got != want {
			test.Fatalf("%s sign: expected %d, got %d", kind, want, got)
		}
	}
}

func TestParseEntryKindRejectsUnknown(test *testing.T) {
	test.Parallel()
	if _, err := ParseEntryKind("chargeback"); !errors.Is(err, ErrInvalidEntryKind) {
		test.Fatalf("expected ErrInvalidEntryKind, got %v", err)
	}
}

func TestNormalizeEmail(test *testing.T) {
	test.Parallel()
	if got := NormalizeEmail("  A@X.Com "); got != "a@x.com" {
		test.Fatalf("unexpected normalization: %q", got)
	}
}

func TestSignedAmount(test *testing.T) {
	test.Parallel()
	deduction := Entry{Kind: KindDeduction, Amount: 1}
	if deduction.SignedAmount() != -1 {
		test.Fatalf("deduction signed amount: %d", deduction.SignedAmount())
	}
	refund := Entry{Kind: KindRefund, Amount: 1}
	if refund.SignedAmount() != 1 {
		test.Fatalf("refund signed amount: %d", refund.SignedAmount())
	}
}

func TestOperationErrorCarriesSegments(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "entry", "duplicate", ErrDuplicateIdempotencyKey)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "entry" || operationError.Code() != "duplicate" {
		test.Fatalf("unexpected segments: %v", operationError)
	}
	if !errors.Is(wrapped, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected to unwrap to sentinel")
	}
	if WrapError("store", "entry", "duplicate", nil) != nil {
		test.Fatalf("wrapping nil must return nil")
	}
}
