// Package identity maps a payment event's customer identity to an
// internal account.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/versecraft/creditledger/pkg/ledger"
)

var (
	// ErrAmbiguousEmail marks an email matching more than one account.
	// That is a data error to surface, never to resolve silently.
	ErrAmbiguousEmail = errors.New("email matches multiple accounts")
	// ErrNoIdentity marks an event carrying neither account id nor email.
	ErrNoIdentity = errors.New("event carries no customer identity")
)

// Directory is the account lookup surface the resolver needs.
type Directory interface {
	GetAccount(ctx context.Context, accountID string) (ledger.Account, error)
	FindAccountsByEmail(ctx context.Context, email string) ([]ledger.Account, error)
}

// Resolver resolves customer identities against the account directory.
type Resolver struct {
	directory Directory
}

// NewResolver wires a Resolver.
func NewResolver(directory Directory) (*Resolver, error) {
	if directory == nil {
		return nil, fmt.Errorf("%w: directory dependency is nil", ledger.ErrInvalidServiceConfig)
	}
	return &Resolver{directory: directory}, nil
}

// Resolve returns the account for an event's customer identity. An
// explicit account id is authoritative: when present it is looked up
// directly with no email fallback. Otherwise the case-normalized email
// must match exactly one account. A miss returns
// ledger.ErrAccountNotFound, which callers route to parking.
func (resolver *Resolver) Resolve(ctx context.Context, accountID string, email string) (ledger.Account, error) {
	if strings.TrimSpace(accountID) != "" {
		return resolver.directory.GetAccount(ctx, accountID)
	}
	normalized := ledger.NormalizeEmail(email)
	if normalized == "" {
		return ledger.Account{}, ErrNoIdentity
	}
	matches, err := resolver.directory.FindAccountsByEmail(ctx, normalized)
	if err != nil {
		return ledger.Account{}, err
	}
	switch len(matches) {
	case 0:
		return ledger.Account{}, ledger.ErrAccountNotFound
	case 1:
		return matches[0], nil
	default:
		return ledger.Account{}, fmt.Errorf("%w: %s matches %d accounts", ErrAmbiguousEmail, normalized, len(matches))
	}
}
