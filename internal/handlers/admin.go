package handlers

import (
	"encoding/json"
	"net/http"

	tgmiddleware "nft-raffle/internal/middleware"
	"nft-raffle/internal/models"
)

type buyRequest struct {
	Count   uint64        `json:"count"`
	Payment models.Amount `json:"payment"`
}

type priceRequest struct {
	Price models.Amount `json:"price"`
}

type addressRequest struct {
	Address models.Principal `json:"address"`
}

func caller(r *http.Request) models.Principal {
	p, _ := tgmiddleware.PrincipalFrom(r.Context())
	return p
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) StartRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.engine.StartRound(caller(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

func (h *Handler) BuyTickets(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decode(w, r, &req) {
		return
	}
	purchase, err := h.engine.BuyTickets(caller(r), req.Count, req.Payment)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, purchase)
}

func (h *Handler) DrawWinner(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.engine.DrawWinner(caller(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"winning_ticket": ticket})
}

func (h *Handler) CloseEmptyRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.engine.CloseEmptyRound(caller(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// PayoutWinner reports a settled round even when only the credential failed.
func (h *Handler) PayoutWinner(w http.ResponseWriter, r *http.Request) {
	round, err := h.engine.PayoutWinner(caller(r))
	if err != nil {
		status := statusFor(err)
		if round.ID != 0 {
			writeJSON(w, status, map[string]any{"error": err.Error(), "round": round})
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (h *Handler) ReissueCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	credential, err := h.engine.ReissueCredential(caller(r), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credential": credential})
}

func (h *Handler) WithdrawRemainder(w http.ResponseWriter, r *http.Request) {
	amount, err := h.engine.WithdrawRemainder(caller(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"amount": amount, "to": h.guard.PayoutAddress()})
}

func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.SetTicketPrice(caller(r), req.Price); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket_price": req.Price})
}

func (h *Handler) SetOperator(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.guard.SetOperator(caller(r), req.Address); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operator": req.Address})
}

func (h *Handler) SetPayoutAddress(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.guard.SetPayoutAddress(caller(r), req.Address); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payout_address": req.Address})
}
