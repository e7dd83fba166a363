package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/versecraft/creditledger/pkg/ledger"
)

func TestResolveKnownProduct(test *testing.T) {
	test.Parallel()
	resolution := Default().Resolve("prod_starter")
	if resolution.Fallback {
		test.Fatalf("expected catalog hit")
	}
	if resolution.CreditType != ledger.CreditCoverArt || resolution.Quantity != 10 {
		test.Fatalf("unexpected resolution: %+v", resolution)
	}
}

func TestResolveUnknownVideoProductFallsBack(test *testing.T) {
	test.Parallel()
	resolution := Default().Resolve("prod_lyric_VIDEO_mega")
	if !resolution.Fallback {
		test.Fatalf("expected fallback classification")
	}
	if resolution.CreditType != ledger.CreditLyricVideo {
		test.Fatalf("ids containing video must classify as lyricVideo, got %s", resolution.CreditType)
	}
	if resolution.Quantity != 0 {
		test.Fatalf("fallback quantity must be zero, got %d", resolution.Quantity)
	}
}

func TestResolveUnknownProductDefaultsToCoverArt(test *testing.T) {
	test.Parallel()
	resolution := Default().Resolve("prod_mystery")
	if !resolution.Fallback || resolution.CreditType != ledger.CreditCoverArt || resolution.Quantity != 0 {
		test.Fatalf("unexpected resolution: %+v", resolution)
	}
}

func TestResolvePlan(test *testing.T) {
	test.Parallel()
	plan, ok := Default().ResolvePlan("plan_creator")
	if !ok {
		test.Fatalf("expected plan_creator")
	}
	if plan.MonthlyGrants[ledger.CreditCoverArt] != 20 || plan.MonthlyGrants[ledger.CreditLyricVideo] != 2 {
		test.Fatalf("unexpected grants: %v", plan.MonthlyGrants)
	}
	if _, ok := Default().ResolvePlan("plan_missing"); ok {
		test.Fatalf("expected miss for unknown plan")
	}
}

func TestLoadFile(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "catalog.json")
	payload := `{
		"products": [{"product_id": "prod_custom", "credit_type": "lyricVideo", "credit_quantity": 3, "recurrence": "none"}],
		"plans": [{"plan_id": "plan_custom", "monthly_grants": {"coverArt": 5}}]
	}`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		test.Fatalf("write catalog: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	resolution := loaded.Resolve("prod_custom")
	if resolution.Fallback || resolution.CreditType != ledger.CreditLyricVideo || resolution.Quantity != 3 {
		test.Fatalf("unexpected resolution: %+v", resolution)
	}
	if _, ok := loaded.ResolvePlan("plan_custom"); !ok {
		test.Fatalf("expected plan_custom")
	}
}

func TestLoadFileRejectsUnknownCreditType(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "catalog.json")
	payload := `{"products": [{"product_id": "p", "credit_type": "stickers", "credit_quantity": 1}]}`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		test.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		test.Fatalf("expected credit-type validation failure")
	}
}
