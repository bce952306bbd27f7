package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/logger"

	"nft-raffle/internal/access"
	tgmiddleware "nft-raffle/internal/middleware"
	"nft-raffle/internal/models"
	"nft-raffle/internal/raffle"
)

// CredentialLookup resolves a prize credential to its holder.
type CredentialLookup interface {
	OwnerOf(ctx context.Context, id models.CredentialID) (models.Principal, bool, error)
}

// Handler exposes the raffle engine over HTTP.
type Handler struct {
	engine      *raffle.Engine
	guard       *access.Guard
	credentials CredentialLookup
	auth        tgmiddleware.Auth
}

func New(engine *raffle.Engine, guard *access.Guard, credentials CredentialLookup, auth tgmiddleware.Auth) *Handler {
	return &Handler{engine: engine, guard: guard, credentials: credentials, auth: auth}
}

// Routes builds the router. Reads are public; every mutation needs a caller.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/price", h.GetPrice)
	r.Get("/rounds/current", h.GetCurrentRound)
	r.Get("/rounds/{id}", h.GetRound)
	r.Get("/rounds/{id}/tickets/{ticket}", h.GetTicketOwner)
	r.Get("/events", h.GetEvents)
	r.Get("/credentials/{id}", h.GetCredential)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Post("/rounds", h.StartRound)
		r.Post("/rounds/current/tickets", h.BuyTickets)
		r.Post("/rounds/current/draw", h.DrawWinner)
		r.Post("/rounds/current/close", h.CloseEmptyRound)
		r.Post("/rounds/current/payout", h.PayoutWinner)
		r.Post("/rounds/{id}/credential", h.ReissueCredential)
		r.Post("/withdraw", h.WithdrawRemainder)
		r.Put("/price", h.SetPrice)
		r.Put("/operator", h.SetOperator)
		r.Put("/payout-address", h.SetPayoutAddress)
	})
	return r
}

func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ticket_price": h.engine.TicketPrice()})
}

func (h *Handler) GetCurrentRound(w http.ResponseWriter, r *http.Request) {
	round, ok := h.engine.CurrentRound()
	if !ok {
		writeError(w, http.StatusNotFound, "no round has been started")
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// GetRound never 404s: absent rounds come back as found=false with a zero round.
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	round, found := h.engine.Round(id)
	writeJSON(w, http.StatusOK, map[string]any{"found": found, "round": round})
}

func (h *Handler) GetTicketOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	ticket, ok := uintParam(w, r, "ticket")
	if !ok {
		return
	}
	owner, found := h.engine.OwnerOf(id, ticket)
	if !found {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner})
}

func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = v
	}
	events := h.engine.Events(since)
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	owner, found, err := h.credentials.OwnerOf(r.Context(), models.CredentialID(id))
	if err != nil {
		logger.Errorf("Error looking up credential %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "credential lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credential": id, "owner": owner})
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, raffle.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, raffle.ErrInvalidPhase),
		errors.Is(err, raffle.ErrRoundExpired),
		errors.Is(err, raffle.ErrRoundNotExpired),
		errors.Is(err, raffle.ErrNoParticipants):
		return http.StatusConflict
	case errors.Is(err, raffle.ErrPaymentMismatch),
		errors.Is(err, raffle.ErrInvalidAddress),
		errors.Is(err, raffle.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, raffle.ErrRoundNotFound):
		return http.StatusNotFound
	case errors.Is(err, raffle.ErrPayoutFailed),
		errors.Is(err, raffle.ErrWithdrawFailed),
		errors.Is(err, raffle.ErrDepositFailed),
		errors.Is(err, raffle.ErrRandomnessUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, raffle.ErrPersistFailed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("raffle operation failed: %v", err)
	}
	writeError(w, status, err.Error())
}
