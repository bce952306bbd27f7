package models

import (
	"sort"
)

// Principal identifies a caller or a payout target
type Principal string

// IsZero reports whether p is the null address.
func (p Principal) IsZero() bool { return p == "" }

// Amount is an integer quantity of the escrowed currency.
type Amount uint64

// Timestamp is a logical clock reading in unix seconds.
type Timestamp int64

// CredentialID identifies a prize credential. Zero means none.
type CredentialID uint64

// Phase of a raffle round
type Phase string

const (
	PhaseIdle   Phase = "idle"
	PhaseActive Phase = "active"
	PhasePayout Phase = "payout"
)

// Purchase is one ticket batch: tickets [FirstTicket, FirstTicket+Count) belong to Buyer.
type Purchase struct {
	Buyer       Principal `json:"buyer"`
	FirstTicket uint64    `json:"first_ticket"`
	Count       uint64    `json:"count"`
}

// Round represents one raffle session
type Round struct {
	ID                uint64       `json:"id"`
	Phase             Phase        `json:"phase"`
	TicketPrice       Amount       `json:"ticket_price"`
	StartTime         Timestamp    `json:"start_time"`
	EndTime           Timestamp    `json:"end_time"`
	TicketsSold       uint64       `json:"tickets_sold"`
	PoolAmount        Amount       `json:"pool_amount"`
	WinningTicket     *uint64      `json:"winning_ticket,omitempty"` // nil until drawn
	Winner            Principal    `json:"winner,omitempty"`         // empty until paid
	Reward            Amount       `json:"reward"`
	Credential        CredentialID `json:"credential,omitempty"`
	CredentialPending bool         `json:"credential_pending,omitempty"`
	Purchases         []Purchase   `json:"purchases"`
}

// OwnerOf returns the buyer of ticket.
func (r Round) OwnerOf(ticket uint64) (Principal, bool) {
	if ticket >= r.TicketsSold {
		return "", false
	}
	// Purchases are contiguous and sorted by FirstTicket.
	i := sort.Search(len(r.Purchases), func(i int) bool {
		p := r.Purchases[i]
		return p.FirstTicket+p.Count > ticket
	})
	if i == len(r.Purchases) || r.Purchases[i].FirstTicket > ticket {
		return "", false
	}
	return r.Purchases[i].Buyer, true
}

// Clone returns a deep copy safe to hand out of the engine.
func (r Round) Clone() Round {
	c := r
	if r.WinningTicket != nil {
		t := *r.WinningTicket
		c.WinningTicket = &t
	}
	if r.Purchases != nil {
		c.Purchases = make([]Purchase, len(r.Purchases))
		copy(c.Purchases, r.Purchases)
	}
	return c
}
