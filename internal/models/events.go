package models

import (
	"encoding/json"
	"fmt"
)

// EventType names a committed raffle transition.
type EventType string

const (
	EventRoundStarted       EventType = "round.started"
	EventTicketsPurchased   EventType = "tickets.purchased"
	EventWinnerDrawn        EventType = "winner.drawn"
	EventWinnerPaid         EventType = "winner.paid"
	EventRemainderWithdrawn EventType = "remainder.withdrawn"
	EventCredentialIssued   EventType = "credential.issued"
	EventRoundClosed        EventType = "round.closed"
	EventPriceChanged       EventType = "price.changed"
)

// Event is one entry of the engine's append-only event log.
// Payload holds one of the typed payload structs below.
type Event struct {
	Seq     uint64    `json:"seq"`
	Type    EventType `json:"type"`
	RoundID uint64    `json:"round_id"`
	At      Timestamp `json:"at"`
	Payload any       `json:"payload"`
}

type RoundStarted struct {
	ID    uint64    `json:"id"`
	Start Timestamp `json:"start"`
	End   Timestamp `json:"end"`
}

type TicketsPurchased struct {
	Buyer       Principal `json:"buyer"`
	RoundID     uint64    `json:"round_id"`
	Count       uint64    `json:"count"`
	FirstTicket uint64    `json:"first_ticket"`
}

type WinnerDrawn struct {
	RoundID uint64 `json:"round_id"`
	Ticket  uint64 `json:"ticket"`
}

type WinnerPaid struct {
	Winner     Principal    `json:"winner"`
	Amount     Amount       `json:"amount"`
	RoundID    uint64       `json:"round_id"`
	Credential CredentialID `json:"credential"`
}

type RemainderWithdrawn struct {
	To     Principal `json:"to"`
	Amount Amount    `json:"amount"`
}

type CredentialIssued struct {
	RoundID    uint64       `json:"round_id"`
	Winner     Principal    `json:"winner"`
	Credential CredentialID `json:"credential"`
}

// RoundClosed settles an expired round that sold no tickets.
type RoundClosed struct {
	RoundID uint64 `json:"round_id"`
}

// PriceChanged sets the ticket price for rounds started afterwards.
type PriceChanged struct {
	Price Amount `json:"price"`
}

// DecodePayload rebuilds the typed payload of a journaled event.
func DecodePayload(typ EventType, raw []byte) (any, error) {
	switch typ {
	case EventRoundStarted:
		return decodeAs[RoundStarted](typ, raw)
	case EventTicketsPurchased:
		return decodeAs[TicketsPurchased](typ, raw)
	case EventWinnerDrawn:
		return decodeAs[WinnerDrawn](typ, raw)
	case EventWinnerPaid:
		return decodeAs[WinnerPaid](typ, raw)
	case EventRemainderWithdrawn:
		return decodeAs[RemainderWithdrawn](typ, raw)
	case EventCredentialIssued:
		return decodeAs[CredentialIssued](typ, raw)
	case EventRoundClosed:
		return decodeAs[RoundClosed](typ, raw)
	case EventPriceChanged:
		return decodeAs[PriceChanged](typ, raw)
	}
	return nil, fmt.Errorf("unknown event type %q", typ)
}

func decodeAs[T any](typ EventType, raw []byte) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return v, nil
}

// Archive is everything needed to rebuild an engine after a restart: the
// rounds ordered by id and the event log ordered by seq.
type Archive struct {
	Rounds []Round `json:"rounds"`
	Events []Event `json:"events"`
}
