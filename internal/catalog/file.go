package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/versecraft/creditledger/pkg/ledger"
)

// catalogFile is the JSON shape of a deploy-time catalog override.
type catalogFile struct {
	Products []Product `json:"products"`
	Plans    []Plan    `json:"plans"`
}

// LoadFile reads a catalog definition from a JSON file.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var file catalogFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	for _, product := range file.Products {
		if _, err := ledger.ParseCreditType(product.CreditType.String()); err != nil {
			return nil, fmt.Errorf("catalog product %q: %w", product.ID, err)
		}
	}
	for _, plan := range file.Plans {
		for creditType := range plan.MonthlyGrants {
			if _, err := ledger.ParseCreditType(creditType.String()); err != nil {
				return nil, fmt.Errorf("catalog plan %q: %w", plan.ID, err)
			}
		}
	}
	return New(file.Products, file.Plans), nil
}
