package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"nft-raffle/internal/credential"
	"nft-raffle/internal/models"
)

// Credentials is a prize credential registry backed by an AUTOINCREMENT
// table, so ids are never reused even after rows are removed by hand. A
// round owns at most one row.
type Credentials struct {
	db *sql.DB
}

func NewCredentials(db *sql.DB) *Credentials {
	return &Credentials{db: db}
}

// Issue creates the credential for roundID, or returns the one it already has.
func (c *Credentials) Issue(roundID uint64, to models.Principal) (models.CredentialID, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := c.db.ExecContext(ctx,
		"INSERT INTO credentials (round_id, owner) VALUES (?, ?) ON CONFLICT(round_id) DO NOTHING",
		int64(roundID), string(to))
	if err != nil {
		return 0, fmt.Errorf("issue credential for round %d to %s: %w", roundID, to, err)
	}

	var (
		id    int64
		owner string
	)
	err = c.db.QueryRowContext(ctx, "SELECT id, owner FROM credentials WHERE round_id = ?", int64(roundID)).Scan(&id, &owner)
	if err != nil {
		return 0, fmt.Errorf("issue credential for round %d: %w", roundID, err)
	}
	if models.Principal(owner) != to {
		return 0, fmt.Errorf("round %d held by %s: %w", roundID, owner, credential.ErrConflict)
	}
	return models.CredentialID(id), nil
}

// OwnerOf returns who holds credential id.
func (c *Credentials) OwnerOf(ctx context.Context, id models.CredentialID) (models.Principal, bool, error) {
	var owner string
	err := c.db.QueryRowContext(ctx, "SELECT owner FROM credentials WHERE id = ?", int64(id)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credential %d: %w", id, err)
	}
	return models.Principal(owner), true, nil
}
