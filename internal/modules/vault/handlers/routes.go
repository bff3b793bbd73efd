package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all vault routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/vault", func(r chi.Router) {
		r.Get("/", h.HandleGetVault)
		r.Get("/assets", h.HandleGetTotalAssets)
		r.Get("/weights", h.HandleGetWeights)
		r.Get("/weights/{source}", h.HandleGetPoolWeight)
		r.Get("/rewards", h.HandleGetRewards)
		r.Get("/holders/{holder}", h.HandleGetHolder)
		r.Get("/whitelist", h.HandleGetWhitelist)
		r.Get("/preview/deposit", h.HandlePreviewDeposit)
		r.Get("/preview/withdraw", h.HandlePreviewWithdraw)

		r.Post("/deposit", h.HandleDeposit)
		r.Post("/withdraw", h.HandleWithdraw)
		r.Post("/rebalance", h.HandleRebalance)
		r.Post("/redeposit", h.HandleRedeposit)
		r.Post("/harvest", h.HandleHarvest)
		r.Post("/sweep", h.HandleSweep)
		r.Post("/rescue", h.HandleRescue)
		r.Post("/pause", h.HandlePause)
		r.Post("/unpause", h.HandleUnpause)
		r.Post("/whitelist", h.HandleWhitelist)
	})
}
