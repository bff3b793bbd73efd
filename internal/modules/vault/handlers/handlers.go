// Package handlers provides HTTP handlers for vault operations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/modules/access"
	"github.com/aristath/vault/internal/modules/vault"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// CallerHeader carries the identity of the account making a request
const CallerHeader = "X-Vault-Caller"

// Handler handles vault HTTP requests
type Handler struct {
	engine *vault.Engine
	gate   *access.Gate
	log    zerolog.Logger
}

// NewHandler creates a new vault handler
func NewHandler(engine *vault.Engine, gate *access.Gate, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		gate:   gate,
		log:    log.With().Str("handler", "vault").Logger(),
	}
}

// Amounts cross the API as base-10 strings.

type depositRequest struct {
	Assets       string `json:"assets"`
	Receiver     string `json:"receiver"`
	MinSharesOut string `json:"min_shares_out"`
	Deadline     uint64 `json:"deadline"`
	ReferralCode string `json:"referral_code"`
}

type withdrawRequest struct {
	Shares       string `json:"shares"`
	Receiver     string `json:"receiver"`
	Owner        string `json:"owner"`
	MinAssetsOut string `json:"min_assets_out"`
	Deadline     uint64 `json:"deadline"`
}

type weightEntry struct {
	Source    string `json:"source"`
	WeightBps uint16 `json:"weight_bps"`
}

type rebalanceRequest struct {
	Weights           []weightEntry `json:"weights"`
	MinAssetsOutTotal string        `json:"min_assets_out_total"`
}

type minOutRequest struct {
	MinOut string `json:"min_out"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type whitelistRequest struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

// HandleGetVault returns metadata and the accounting summary
func (h *Handler) HandleGetVault(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.Summary(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	info := h.engine.Info()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":         info.Name,
		"symbol":       info.Symbol,
		"underlying":   info.Underlying,
		"share_token":  info.ShareToken,
		"account":      info.Account,
		"owner":        info.Owner,
		"paused":       summary.Paused,
		"total_assets": summary.TotalAssets.String(),
		"total_shares": summary.TotalShares.String(),
		"idle":         summary.Idle.String(),
		"reserved":     summary.Reserved.String(),
		"excess":       summary.Excess.String(),
		"sources":      sourcesJSON(summary.Sources),
	})
}

// HandleGetTotalAssets returns total managed assets
func (h *Handler) HandleGetTotalAssets(w http.ResponseWriter, r *http.Request) {
	total, err := h.engine.TotalAssets(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"total_assets": total.String()})
}

// HandleGetWeights returns the weight table
func (h *Handler) HandleGetWeights(w http.ResponseWriter, r *http.Request) {
	allocs := h.engine.CurrentWeights(r.Context())
	out := make([]weightEntry, len(allocs))
	for i, a := range allocs {
		out[i] = weightEntry{Source: string(a.Source), WeightBps: a.Weight}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"weights": out})
}

// HandleGetPoolWeight returns one source's weight
func (h *Handler) HandleGetPoolWeight(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	weight, err := h.engine.PoolWeight(r.Context(), domain.SourceID(source))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, weightEntry{Source: source, WeightBps: weight})
}

// HandleGetRewards returns claimable reward tokens
func (h *Handler) HandleGetRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.engine.GetClaimableRewards(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rewards": rewardsJSON(rewards)})
}

// HandleGetHolder returns a holder's shares and their current value
func (h *Handler) HandleGetHolder(w http.ResponseWriter, r *http.Request) {
	holder := domain.Address(chi.URLParam(r, "holder"))
	shares := h.engine.BalanceOf(r.Context(), holder)
	value, err := h.engine.PreviewWithdraw(r.Context(), shares)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"holder":      holder,
		"shares":      shares.String(),
		"assets":      value.String(),
		"whitelisted": h.gate.IsWhitelisted(holder),
	})
}

// HandlePreviewDeposit returns the shares a deposit would mint
func (h *Handler) HandlePreviewDeposit(w http.ResponseWriter, r *http.Request) {
	assets, err := parseAmount(r.URL.Query().Get("assets"), "assets")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := h.engine.PreviewDeposit(r.Context(), assets)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"assets": assets.String(), "shares": shares.String()})
}

// HandlePreviewWithdraw returns the assets owed for burning shares
func (h *Handler) HandlePreviewWithdraw(w http.ResponseWriter, r *http.Request) {
	shares, err := parseAmount(r.URL.Query().Get("shares"), "shares")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	assets, err := h.engine.PreviewWithdraw(r.Context(), shares)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String(), "assets": assets.String()})
}

// HandleDeposit deposits underlying for shares
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if !h.decode(w, r, &req) {
		return
	}
	assets, err := parseAmount(req.Assets, "assets")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minShares, err := parseOptionalAmount(req.MinSharesOut, "min_shares_out")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Deposit(r.Context(), caller, vault.DepositRequest{
		Assets:       assets,
		Receiver:     domain.Address(req.Receiver),
		MinSharesOut: minShares,
		Deadline:     req.Deadline,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"shares":   res.Shares.String(),
		"deployed": res.Deployed.String(),
		"idle":     res.Idle.String(),
	})
}

// HandleWithdraw burns shares for underlying
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	shares, err := parseAmount(req.Shares, "shares")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minAssets, err := parseOptionalAmount(req.MinAssetsOut, "min_assets_out")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.Withdraw(r.Context(), caller, vault.WithdrawRequest{
		Shares:       shares,
		Receiver:     domain.Address(req.Receiver),
		Owner:        domain.Address(req.Owner),
		MinAssetsOut: minAssets,
		Deadline:     req.Deadline,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	shortfalls := make([]map[string]string, 0, len(res.Shortfalls))
	for _, s := range res.Shortfalls {
		entry := map[string]string{
			"source":    string(s.Source),
			"requested": s.Requested.String(),
			"returned":  s.Returned.String(),
		}
		if s.Err != nil {
			entry["error"] = s.Err.Error()
		}
		shortfalls = append(shortfalls, entry)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"owed":       res.Owed.String(),
		"assets":     res.Assets.String(),
		"shortfalls": shortfalls,
	})
}

// HandleRebalance replaces the weights and redistributes every source
func (h *Handler) HandleRebalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req rebalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	minOut, err := parseOptionalAmount(req.MinAssetsOutTotal, "min_assets_out_total")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	allocs := make([]domain.Allocation, len(req.Weights))
	for i, e := range req.Weights {
		allocs[i] = domain.Allocation{Source: domain.SourceID(e.Source), Weight: e.WeightBps}
	}

	res, err := h.engine.UpdateWeightsAndRebalance(r.Context(), caller, allocs, minOut)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"evacuated":     res.Evacuated.String(),
		"redeployed":    res.Redeployed.String(),
		"residual_idle": res.Residual.String(),
	})
}

// HandleRedeposit sweeps idle underlying into the sources
func (h *Handler) HandleRedeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req minOutRequest
	if !h.decode(w, r, &req) {
		return
	}
	minOut, err := parseOptionalAmount(req.MinOut, "min_out")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.ReDepositIdle(r.Context(), caller, minOut)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"absorbed":      res.Absorbed.String(),
		"deployed":      res.Deployed.String(),
		"residual_idle": res.Residual.String(),
	})
}

// HandleHarvest claims and swaps rewards into idle
func (h *Handler) HandleHarvest(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req minOutRequest
	if !h.decode(w, r, &req) {
		return
	}
	minOut, err := parseOptionalAmount(req.MinOut, "min_out")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.engine.HarvestRewards(r.Context(), caller, minOut)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"claimed":  rewardsJSON(res.Claimed),
		"received": res.Received.String(),
	})
}

// HandleSweep moves a foreign token or underlying excess to the owner
func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	h.handleRecovery(w, r, h.engine.SweepFunds)
}

// HandleRescue is HandleSweep that also recovers vault-held shares
func (h *Handler) HandleRescue(w http.ResponseWriter, r *http.Request) {
	h.handleRecovery(w, r, h.engine.RescueFunds)
}

type recoveryFunc func(ctx context.Context, caller domain.Address, token domain.Token) (*vault.RecoveryResult, error)

func (h *Handler) handleRecovery(w http.ResponseWriter, r *http.Request, fn recoveryFunc) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	res, err := fn(r.Context(), caller, domain.Token(req.Token))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"token":  string(res.Token),
		"amount": res.Amount.String(),
		"to":     string(res.To),
	})
}

// HandlePause halts deposits, withdrawals, rebalances and harvests
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.gate.Pause(r.Context(), caller); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// HandleUnpause resumes normal operation
func (h *Handler) HandleUnpause(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.gate.Unpause(r.Context(), caller); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// HandleWhitelist toggles an address's deposit permission
func (h *Handler) HandleWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req whitelistRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.gate.SetWhitelisted(r.Context(), caller, domain.Address(req.Address), req.Allowed); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"address": req.Address, "allowed": req.Allowed})
}

// HandleGetWhitelist lists whitelisted addresses
func (h *Handler) HandleGetWhitelist(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"addresses": h.gate.Whitelist()})
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	caller := r.Header.Get(CallerHeader)
	if caller == "" {
		h.writeError(w, http.StatusBadRequest, CallerHeader+" header is required")
		return "", false
	}
	return domain.Address(caller), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseAmount(raw, field string) (domain.Amount, error) {
	if raw == "" {
		return domain.Zero, fmt.Errorf("%s is required", field)
	}
	v, err := domain.ParseAmount(raw)
	if err != nil {
		return domain.Zero, fmt.Errorf("invalid %s: %w", field, err)
	}
	return v, nil
}

func parseOptionalAmount(raw, field string) (domain.Amount, error) {
	if raw == "" {
		return domain.Zero, nil
	}
	return parseAmount(raw, field)
}

func sourcesJSON(balances []vault.SourceBalance) []map[string]interface{} {
	out := make([]map[string]interface{}, len(balances))
	for i, b := range balances {
		out[i] = map[string]interface{}{
			"source":      b.Source,
			"weight_bps":  b.WeightBps,
			"balance":     b.Balance.String(),
			"distributed": b.Distributed.String(),
		}
	}
	return out
}

func rewardsJSON(rewards []domain.RewardAmount) []map[string]string {
	out := make([]map[string]string, len(rewards))
	for i, r := range rewards {
		out[i] = map[string]string{"token": string(r.Token), "amount": r.Amount.String()}
	}
	return out
}

// StatusFor maps vault errors to HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotOwner), errors.Is(err, domain.ErrNotWhitelisted), errors.Is(err, domain.ErrShareOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrPaused), errors.Is(err, domain.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEngineBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUnknownSource), errors.Is(err, domain.ErrNoRewardSource):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSlippageExceeded),
		errors.Is(err, domain.ErrExpired),
		errors.Is(err, domain.ErrInvalidWeightSum),
		errors.Is(err, domain.ErrInsufficientShares),
		errors.Is(err, domain.ErrZeroAmount),
		errors.Is(err, domain.ErrProtectedAsset),
		errors.Is(err, domain.ErrUnknownToken),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrAmountOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Vault request failed")
	}
	h.writeError(w, status, err.Error())
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
