package handlers

import (
	"net/http"
	"strconv"

	"escrowd/internal/models"
	"escrowd/internal/repository"
	"escrowd/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// PayoutHandler exposes the claim-to-fiat surface: burn requests, payout
// listings, the token balance, and the admin fallbacks.
type PayoutHandler struct {
	burns   *services.BurnService
	payouts *services.PayoutService
}

func NewPayoutHandler(burns *services.BurnService, payouts *services.PayoutService) *PayoutHandler {
	return &PayoutHandler{burns: burns, payouts: payouts}
}

// ClaimPayout POST /payouts/claim
// Burns tokens for the USD amount; the payout is armed once the verification
// loop confirms the burn on chain.
func (h *PayoutHandler) ClaimPayout(c *gin.Context) {
	var req struct {
		AmountUSD    decimal.Decimal `json:"amount_usd" binding:"required"`
		BankDetailID string          `json:"bank_detail_id"`
	}
	if !bindJSON(c, &req) {
		return
	}

	record, err := h.burns.RequestBurn(c.Request.Context(), c.GetString("user_id"), req.AmountUSD, req.BankDetailID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusAccepted, gin.H{
		"burn":    record,
		"message": "burn submitted, payout will be armed after on-chain confirmation",
	})
}

// GetBalance GET /payouts/balance
func (h *PayoutHandler) GetBalance(c *gin.Context) {
	balance, err := h.burns.TokenBalance(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"balance_usd": balance})
}

// ListBurns GET /payouts/burns
func (h *PayoutHandler) ListBurns(c *gin.Context) {
	records, err := h.burns.History(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"burns": records})
}

// ListPayouts GET /payouts
// Users see their own payouts; admins may filter by any user.
func (h *PayoutHandler) ListPayouts(c *gin.Context) {
	filter := repository.PayoutFilter{
		UserID: c.GetString("user_id"),
		Status: models.PayoutStatus(c.Query("status")),
	}
	if c.GetString("role") == RoleAdmin {
		filter.UserID = c.Query("user_id")
	}
	if page, err := strconv.Atoi(c.Query("page")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		filter.Limit = limit
	}

	payouts, total, err := h.payouts.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"payouts": payouts, "total": total})
}

// GetPayout GET /payouts/:payoutID
func (h *PayoutHandler) GetPayout(c *gin.Context) {
	payout, err := h.payouts.Get(c.Request.Context(), c.Param("payoutID"))
	if err != nil {
		respondError(c, err)
		return
	}
	if c.GetString("role") != RoleAdmin && payout.UserID != c.GetString("user_id") {
		respondError(c, models.E(models.CodeForbidden, "payout %s belongs to another user", payout.ID))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"payout": payout})
}

// RetryPayout POST /payouts/:payoutID/retry (admin)
func (h *PayoutHandler) RetryPayout(c *gin.Context) {
	payout, err := h.payouts.Retry(c.Request.Context(), c.Param("payoutID"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"payout": payout})
}

// MarkComplete POST /payouts/:payoutID/mark_complete (admin)
func (h *PayoutHandler) MarkComplete(c *gin.Context) {
	var req struct {
		UTR string `json:"utr" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	payout, err := h.payouts.MarkComplete(c.Request.Context(), c.Param("payoutID"), req.UTR)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"payout": payout})
}
