// Package credential issues prize credentials in memory.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nft-raffle/internal/models"
)

// ErrConflict means a round's credential was already issued to someone else.
var ErrConflict = errors.New("credential: round already has a credential for another holder")

// Memory hands out credential ids 1, 2, 3, ... and remembers their owners.
// Each round gets at most one credential; issuing it again returns the same id.
type Memory struct {
	mu      sync.Mutex
	owners  []models.Principal // owners[i] holds credential i+1
	byRound map[uint64]models.CredentialID
}

func NewMemory() *Memory {
	return &Memory{byRound: make(map[uint64]models.CredentialID)}
}

func (m *Memory) Issue(roundID uint64, to models.Principal) (models.CredentialID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byRound[roundID]; ok {
		if holder := m.owners[id-1]; holder != to {
			return 0, fmt.Errorf("round %d held by %s: %w", roundID, holder, ErrConflict)
		}
		return id, nil
	}
	m.owners = append(m.owners, to)
	id := models.CredentialID(len(m.owners))
	m.byRound[roundID] = id
	return id, nil
}

// OwnerOf returns who holds credential id.
func (m *Memory) OwnerOf(_ context.Context, id models.CredentialID) (models.Principal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || uint64(id) > uint64(len(m.owners)) {
		return "", false, nil
	}
	return m.owners[id-1], true, nil
}

// Issued reports how many credentials exist.
func (m *Memory) Issued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}
