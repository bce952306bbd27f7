package raffle

import (
	"fmt"

	"nft-raffle/internal/models"
)

// Restore loads a persisted archive into a fresh engine. Rounds must be
// ordered by id starting at 1; only the last may be outside the idle phase.
// Events must be ordered by seq starting at 1, so new events continue the
// sequence. The latest price change, if any, becomes the ticket price.
func (e *Engine) Restore(a models.Archive) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.rounds) != 0 || len(e.events) != 0 {
		return fmt.Errorf("%w: engine already has state", ErrRestore)
	}
	restored := make([]*models.Round, 0, len(a.Rounds))
	for i, r := range a.Rounds {
		if err := checkRound(r, uint64(i)+1, i == len(a.Rounds)-1); err != nil {
			return fmt.Errorf("%w: round %d: %v", ErrRestore, r.ID, err)
		}
		c := r.Clone()
		restored = append(restored, &c)
	}

	price := e.price
	for i, ev := range a.Events {
		if ev.Seq != uint64(i)+1 {
			return fmt.Errorf("%w: event %d has seq %d", ErrRestore, i+1, ev.Seq)
		}
		if ev.RoundID > uint64(len(restored)) {
			return fmt.Errorf("%w: event %d refers to unknown round %d", ErrRestore, ev.Seq, ev.RoundID)
		}
		if pc, ok := ev.Payload.(models.PriceChanged); ok {
			if pc.Price == 0 {
				return fmt.Errorf("%w: event %d sets a zero price", ErrRestore, ev.Seq)
			}
			price = pc.Price
		}
	}

	e.rounds = restored
	e.events = append([]models.Event(nil), a.Events...)
	e.price = price
	return nil
}

func checkRound(r models.Round, wantID uint64, last bool) error {
	if r.ID != wantID {
		return fmt.Errorf("expected id %d", wantID)
	}
	switch r.Phase {
	case models.PhaseIdle:
	case models.PhaseActive, models.PhasePayout:
		if !last {
			return fmt.Errorf("unsettled round is not the latest")
		}
	default:
		return fmt.Errorf("unknown phase %q", r.Phase)
	}
	if r.EndTime < r.StartTime {
		return fmt.Errorf("ends before it starts")
	}

	var next uint64
	for _, p := range r.Purchases {
		if p.FirstTicket != next || p.Count == 0 || p.Buyer.IsZero() {
			return fmt.Errorf("ticket ownership is not contiguous at %d", next)
		}
		if next+p.Count < next {
			return fmt.Errorf("ticket count overflows at %d", next)
		}
		next += p.Count
	}
	if next != r.TicketsSold {
		return fmt.Errorf("purchases cover %d tickets, sold %d", next, r.TicketsSold)
	}

	drawn := r.WinningTicket != nil
	if drawn && *r.WinningTicket >= r.TicketsSold {
		return fmt.Errorf("winning ticket out of range")
	}
	paid := !r.Winner.IsZero()
	cost, ok := ticketCost(r.TicketsSold, r.TicketPrice)
	if !ok {
		return fmt.Errorf("pool overflows")
	}

	switch {
	case r.Phase == models.PhaseActive && (drawn || paid),
		r.Phase == models.PhasePayout && (!drawn || paid),
		r.Phase == models.PhaseIdle && r.TicketsSold > 0 && (!drawn || !paid),
		r.Phase == models.PhaseIdle && r.TicketsSold == 0 && (drawn || paid):
		return fmt.Errorf("draw/payout fields do not match phase %s", r.Phase)
	case paid && !ownedBy(r, *r.WinningTicket, r.Winner):
		return fmt.Errorf("winner does not own the winning ticket")
	case !paid && r.PoolAmount != cost:
		return fmt.Errorf("pool %d does not match %d tickets at %d", r.PoolAmount, r.TicketsSold, r.TicketPrice)
	case paid && r.PoolAmount+r.Reward != cost:
		return fmt.Errorf("settled pool %d plus reward %d does not match sales", r.PoolAmount, r.Reward)
	}
	return nil
}

func ownedBy(r models.Round, ticket uint64, p models.Principal) bool {
	owner, ok := r.OwnerOf(ticket)
	return ok && owner == p
}
