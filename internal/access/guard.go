// Package access resolves who may run privileged raffle operations.
package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/logger"

	"nft-raffle/internal/models"
	"nft-raffle/internal/raffle"
)

// Setting keys under which role changes are stored.
const (
	KeyOperator      = "operator"
	KeyPayoutAddress = "payout_address"
)

const saveTimeout = 5 * time.Second

// SettingsStore persists role changes so they survive a restart.
type SettingsStore interface {
	SaveSetting(ctx context.Context, key, value string) error
}

// Guard holds the owner, the operator and the operator's payout address.
// The owner is fixed; the other two are changed only by the owner.
type Guard struct {
	mu       sync.RWMutex
	owner    models.Principal
	operator models.Principal
	payout   models.Principal // empty means the operator itself
	store    SettingsStore
}

// NewGuard returns a guard with payouts going to the operator.
func NewGuard(owner, operator models.Principal) (*Guard, error) {
	if owner.IsZero() || operator.IsZero() {
		return nil, fmt.Errorf("owner and operator are required: %w", raffle.ErrInvalidAddress)
	}
	return &Guard{owner: owner, operator: operator}, nil
}

// SetStore makes later role changes durable. Without a store they last
// until the process exits.
func (g *Guard) SetStore(s SettingsStore) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store = s
}

func (g *Guard) Owner() models.Principal {
	return g.owner
}

func (g *Guard) Operator() models.Principal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.operator
}

func (g *Guard) PayoutAddress() models.Principal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.payout.IsZero() {
		return g.operator
	}
	return g.payout
}

// SetOperator hands the operator role to addr.
func (g *Guard) SetOperator(caller, addr models.Principal) error {
	return g.set(caller, addr, KeyOperator, &g.operator)
}

// SetPayoutAddress redirects withdrawals to addr.
func (g *Guard) SetPayoutAddress(caller, addr models.Principal) error {
	return g.set(caller, addr, KeyPayoutAddress, &g.payout)
}

// set stores the new value first and applies it only if that succeeds.
func (g *Guard) set(caller, addr models.Principal, key string, field *models.Principal) error {
	if caller != g.owner {
		return raffle.ErrUnauthorized
	}
	if addr.IsZero() {
		return raffle.ErrInvalidAddress
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := g.store.SaveSetting(ctx, key, string(addr)); err != nil {
			return fmt.Errorf("%w: %s: %w", raffle.ErrPersistFailed, key, err)
		}
	}
	*field = addr
	logger.Infof("%s set to %s", key, addr)
	return nil
}

// Restore applies stored role settings over the configured ones. Unknown keys
// are ignored. An empty stored value rejects the whole set.
func (g *Guard) Restore(settings map[string]string) error {
	for _, key := range []string{KeyOperator, KeyPayoutAddress} {
		if v, ok := settings[key]; ok && v == "" {
			return fmt.Errorf("stored %s is empty: %w", key, raffle.ErrInvalidAddress)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := settings[KeyOperator]; ok {
		g.operator = models.Principal(v)
	}
	if v, ok := settings[KeyPayoutAddress]; ok {
		g.payout = models.Principal(v)
	}
	return nil
}
