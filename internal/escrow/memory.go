// Package escrow holds the pooled raffle funds.
//
// Both ledgers are all-or-nothing: a PayOut either moves the full amount or
// returns an error and changes nothing. A PayOut with a non-empty reference
// happens at most once; repeating it with the same recipient and amount is a
// no-op.
package escrow

import (
	"errors"
	"fmt"
	"sync"

	"nft-raffle/internal/models"
)

var (
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	ErrInvalidRecipient  = errors.New("escrow: invalid recipient")
	ErrOverflow          = errors.New("escrow: balance overflow")
	ErrRefConflict       = errors.New("escrow: reference already used for another payout")
)

// Memory is a process-local ledger.
type Memory struct {
	mu       sync.Mutex
	balance  models.Amount
	credited map[models.Principal]models.Amount
	refs     map[string]payoutRef
}

type payoutRef struct {
	To     models.Principal `json:"to"`
	Amount models.Amount    `json:"amount"`
}

func (p payoutRef) repeat(ref string, to models.Principal, amount models.Amount) error {
	if p.To != to || p.Amount != amount {
		return fmt.Errorf("%q paid %d to %s: %w", ref, p.Amount, p.To, ErrRefConflict)
	}
	return nil
}

func NewMemory() *Memory {
	return &Memory{
		credited: make(map[models.Principal]models.Amount),
		refs:     make(map[string]payoutRef),
	}
}

func (m *Memory) Deposit(from models.Principal, amount models.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balance+amount < m.balance {
		return ErrOverflow
	}
	m.balance += amount
	return nil
}

func (m *Memory) PayOut(ref string, to models.Principal, amount models.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to.IsZero() {
		return ErrInvalidRecipient
	}
	if done, ok := m.refs[ref]; ok && ref != "" {
		return done.repeat(ref, to, amount)
	}
	if amount > m.balance {
		return fmt.Errorf("pay %d from %d: %w", amount, m.balance, ErrInsufficientFunds)
	}
	m.balance -= amount
	m.credited[to] += amount
	if ref != "" {
		m.refs[ref] = payoutRef{To: to, Amount: amount}
	}
	return nil
}

func (m *Memory) Balance() (models.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

// Credited returns the total paid out to p.
func (m *Memory) Credited(p models.Principal) models.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credited[p]
}
