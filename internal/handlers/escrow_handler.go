package handlers

import (
	"context"
	"net/http"

	"escrowd/internal/models"
	"escrowd/internal/services"

	"github.com/gin-gonic/gin"
)

// EscrowHandler exposes the escrow intents. Every route requires a bearer
// credential; the coordinator enforces per-order authorization on top.
type EscrowHandler struct {
	coordinator *services.EscrowCoordinator
}

func NewEscrowHandler(coordinator *services.EscrowCoordinator) *EscrowHandler {
	return &EscrowHandler{coordinator: coordinator}
}

// CreateEscrow POST /escrows
// Operator-triggered when the seller confirms an order. Idempotent per order.
func (h *EscrowHandler) CreateEscrow(c *gin.Context) {
	if c.GetString("role") != RoleAdmin {
		respondError(c, models.E(models.CodeForbidden, "only the operator creates escrows"))
		return
	}

	var req services.CreateEscrowRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.coordinator.CreateEscrow(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, gin.H{"order": order})
}

// ConfirmDelivery POST /escrows/:orderID/confirm_delivery (buyer)
func (h *EscrowHandler) ConfirmDelivery(c *gin.Context) {
	h.transition(c, h.coordinator.ConfirmDelivery)
}

// Release POST /escrows/:orderID/release (seller)
func (h *EscrowHandler) Release(c *gin.Context) {
	h.transition(c, h.coordinator.Release)
}

// Dispute POST /escrows/:orderID/dispute (buyer or seller)
func (h *EscrowHandler) Dispute(c *gin.Context) {
	h.transition(c, h.coordinator.Dispute)
}

// ClaimTimeout POST /escrows/:orderID/claim_timeout (seller)
func (h *EscrowHandler) ClaimTimeout(c *gin.Context) {
	h.transition(c, h.coordinator.ClaimTimeout)
}

// transition runs one user intent with the principal from the auth
// middleware.
func (h *EscrowHandler) transition(c *gin.Context, fn func(ctx context.Context, orderID, userID string) (*services.TransitionResult, error)) {
	result, err := fn(c.Request.Context(), c.Param("orderID"), c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, transitionStatus(result.Mined), gin.H{"transition": result})
}

// ResolveDispute POST /disputes/:orderID/resolve (admin)
func (h *EscrowHandler) ResolveDispute(c *gin.Context) {
	var req struct {
		WinnerID string `json:"winner_id" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.coordinator.ResolveDispute(c.Request.Context(), c.Param("orderID"), req.WinnerID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, transitionStatus(result.Mined), gin.H{"transition": result})
}

// GetEscrow GET /escrows/:orderID
// Returns the mirror with its tx log; ?live=true adds the chain truth.
func (h *EscrowHandler) GetEscrow(c *gin.Context) {
	orderID := c.Param("orderID")
	order, err := h.coordinator.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	userID := c.GetString("user_id")
	if c.GetString("role") != RoleAdmin && userID != order.BuyerID && userID != order.SellerID {
		respondError(c, models.E(models.CodeForbidden, "order %s belongs to other parties", orderID))
		return
	}

	body := gin.H{"order": order}
	if c.Query("live") == "true" && order.EscrowAddress != nil {
		state, err := h.coordinator.LiveState(c.Request.Context(), orderID)
		if err != nil {
			respondError(c, err)
			return
		}
		body["chain_state"] = state
	}
	respondOK(c, http.StatusOK, body)
}

// transitionStatus maps a submission result to the response code: 200 when
// mined, 202 when handed to the verification loop.
func transitionStatus(mined bool) int {
	if mined {
		return http.StatusOK
	}
	return http.StatusAccepted
}
