// Package randomness provides seed sources for the raffle draw.
//
// Crypto is the default. It gives values nobody can predict before the draw
// call, but whoever runs the draw chooses when to call it, so it is not a
// fair-draw guarantee against the operator. Plug a verifiable source in its
// place when that matters.
package randomness

import (
	crand "crypto/rand"
	"fmt"
)

// SeedSize is the number of bytes Crypto returns.
const SeedSize = 32

// Crypto reads fresh bytes from crypto/rand.
type Crypto struct{}

func (Crypto) Seed() ([]byte, error) {
	b := make([]byte, SeedSize)
	if _, err := crand.Read(b); err != nil {
		return nil, fmt.Errorf("read random seed: %w", err)
	}
	return b, nil
}

// Fixed always returns the same seed. Useful for replaying a draw.
type Fixed []byte

func (f Fixed) Seed() ([]byte, error) {
	out := make([]byte, len(f))
	copy(out, f)
	return out, nil
}
