// Package handlers exposes the simulated token book over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/modules/custody"
	vaulthandlers "github.com/aristath/vault/internal/modules/vault/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// OwnerChecker decides who may mint
type OwnerChecker interface {
	IsOwner(addr domain.Address) bool
}

// Saver persists the book after an out-of-band balance change
type Saver interface {
	Save() error
}

// Handler handles custody HTTP requests
type Handler struct {
	book  *custody.Book
	owner OwnerChecker
	saver Saver
	log   zerolog.Logger
}

// NewHandler creates a custody handler. saver may be nil.
func NewHandler(book *custody.Book, owner OwnerChecker, saver Saver, log zerolog.Logger) *Handler {
	return &Handler{
		book:  book,
		owner: owner,
		saver: saver,
		log:   log.With().Str("handler", "custody").Logger(),
	}
}

// RegisterRoutes registers custody routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/custody", func(r chi.Router) {
		r.Get("/tokens", h.HandleGetTokens)
		r.Get("/accounts/{account}", h.HandleGetAccount)
		r.Post("/mint", h.HandleMint)
	})
}

type mintRequest struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// HandleGetTokens lists tokens with at least one holder
func (h *Handler) HandleGetTokens(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": h.book.Tokens()})
}

// HandleGetAccount returns every balance of an account
func (h *Handler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	balances := make(map[string]string)
	for token, amount := range h.book.Holdings(domain.Address(account)) {
		balances[string(token)] = amount.String()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":  account,
		"balances": balances,
	})
}

// HandleMint credits tokens out of thin air. Owner only.
func (h *Handler) HandleMint(w http.ResponseWriter, r *http.Request) {
	caller := domain.Address(r.Header.Get(vaulthandlers.CallerHeader))
	if caller == "" {
		h.writeError(w, http.StatusBadRequest, vaulthandlers.CallerHeader+" header is required")
		return
	}
	if !h.owner.IsOwner(caller) {
		h.writeError(w, http.StatusForbidden, domain.ErrNotOwner.Error())
		return
	}

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Token == "" || req.To == "" {
		h.writeError(w, http.StatusBadRequest, "token and to are required")
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil || amount.IsZero() {
		h.writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	h.book.Mint(domain.Token(req.Token), domain.Address(req.To), amount)
	h.log.Info().
		Str("token", req.Token).
		Str("to", req.To).
		Str("amount", amount.String()).
		Msg("Tokens minted")

	if h.saver != nil {
		if err := h.saver.Save(); err != nil {
			h.log.Error().Err(err).Msg("Failed to persist custody after mint")
		}
	}

	balance, _ := h.book.BalanceOf(r.Context(), domain.Token(req.Token), domain.Address(req.To))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":   req.Token,
		"to":      req.To,
		"minted":  amount.String(),
		"balance": balance.String(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
