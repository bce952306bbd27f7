package raffle

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"

	"nft-raffle/internal/models"
)

// winningTicket maps the draw inputs onto [0, ticketsSold).
// ticketsSold must be positive.
func winningTicket(roundID, ticketsSold uint64, now models.Timestamp, seed []byte) uint64 {
	h := sha256.New()
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, roundID)
	h.Write(b)
	binary.LittleEndian.PutUint64(b, ticketsSold)
	h.Write(b)
	binary.LittleEndian.PutUint64(b, uint64(now))
	h.Write(b)
	h.Write(seed)
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8]) % ticketsSold
}

// ticketCost returns count*price, or false on overflow.
func ticketCost(count uint64, price models.Amount) (models.Amount, bool) {
	hi, lo := bits.Mul64(count, uint64(price))
	if hi != 0 {
		return 0, false
	}
	return models.Amount(lo), true
}

// winnerShare returns floor(pool * 50 / 100).
func winnerShare(pool models.Amount) models.Amount {
	hi, lo := bits.Mul64(uint64(pool), rewardPercent)
	q, _ := bits.Div64(hi, lo, 100)
	return models.Amount(q)
}
