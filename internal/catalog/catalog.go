// Package catalog resolves payment-processor product ids to credit
// grants. The catalog is defined at deploy time and read-only at
// runtime; everything downstream only ever sees (creditType, quantity)
// pairs, never raw product ids.
package catalog

import (
	"strings"

	"github.com/versecraft/creditledger/pkg/ledger"
)

// Recurrence marks whether a product grants once or monthly.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceMonthly Recurrence = "monthly"
)

// Product is a static catalog row.
type Product struct {
	ID         string            `json:"product_id"`
	CreditType ledger.CreditType `json:"credit_type"`
	Quantity   int64             `json:"credit_quantity"`
	Recurrence Recurrence        `json:"recurrence"`
}

// Plan maps a subscription plan id to its monthly grant amounts.
type Plan struct {
	ID            string                      `json:"plan_id"`
	MonthlyGrants map[ledger.CreditType]int64 `json:"monthly_grants"`
}

// Resolution is the outcome of a product lookup. Fallback marks a
// product id that was not in the catalog and got classified by
// heuristics; its quantity is always zero, which callers skip rather
// than treat as an error.
type Resolution struct {
	CreditType ledger.CreditType
	Quantity   int64
	Recurrence Recurrence
	Fallback   bool
}

// Catalog is an immutable product/plan lookup table.
type Catalog struct {
	products map[string]Product
	plans    map[string]Plan
}

// New builds a Catalog from static rows.
func New(products []Product, plans []Plan) *Catalog {
	productIndex := make(map[string]Product, len(products))
	for _, product := range products {
		productIndex[product.ID] = product
	}
	planIndex := make(map[string]Plan, len(plans))
	for _, plan := range plans {
		planIndex[plan.ID] = plan
	}
	return &Catalog{products: productIndex, plans: planIndex}
}

// Default returns the built-in deploy-time catalog.
func Default() *Catalog {
	return New(
		[]Product{
			{ID: "prod_starter", CreditType: ledger.CreditCoverArt, Quantity: 10, Recurrence: RecurrenceNone},
			{ID: "prod_cover_studio", CreditType: ledger.CreditCoverArt, Quantity: 25, Recurrence: RecurrenceNone},
			{ID: "prod_video_single", CreditType: ledger.CreditLyricVideo, Quantity: 1, Recurrence: RecurrenceNone},
			{ID: "prod_video_bundle", CreditType: ledger.CreditLyricVideo, Quantity: 5, Recurrence: RecurrenceNone},
		},
		[]Plan{
			{ID: "plan_creator", MonthlyGrants: map[ledger.CreditType]int64{ledger.CreditCoverArt: 20, ledger.CreditLyricVideo: 2}},
			{ID: "plan_pro", MonthlyGrants: map[ledger.CreditType]int64{ledger.CreditCoverArt: 50, ledger.CreditLyricVideo: 5}},
		},
	)
}

// Resolve maps a product id to its credit grant. Unknown ids fall back
// to substring classification with quantity zero: payment-processor
// catalogs evolve independently of this service, and granting zero
// keeps one bad id from losing the rest of a multi-item cart.
func (catalog *Catalog) Resolve(productID string) Resolution {
	if product, ok := catalog.products[productID]; ok {
		return Resolution{
			CreditType: product.CreditType,
			Quantity:   product.Quantity,
			Recurrence: product.Recurrence,
		}
	}
	creditType := ledger.CreditCoverArt
	if strings.Contains(strings.ToLower(productID), "video") {
		creditType = ledger.CreditLyricVideo
	}
	return Resolution{CreditType: creditType, Quantity: 0, Recurrence: RecurrenceNone, Fallback: true}
}

// ResolvePlan looks up the monthly grants for a subscription plan.
func (catalog *Catalog) ResolvePlan(planID string) (Plan, bool) {
	plan, ok := catalog.plans[planID]
	return plan, ok
}
