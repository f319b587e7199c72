package handlers

import (
	"errors"
	"net/http"

	"escrowd/internal/models"
	"escrowd/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// BankDetailHandler manages a user's payout destinations.
type BankDetailHandler struct {
	bankDetails repository.BankDetailRepository
}

func NewBankDetailHandler(bankDetails repository.BankDetailRepository) *BankDetailHandler {
	return &BankDetailHandler{bankDetails: bankDetails}
}

// Create POST /payouts/bank-details
func (h *BankDetailHandler) Create(c *gin.Context) {
	var req struct {
		HolderName    string `json:"holder_name" binding:"required"`
		AccountNumber string `json:"account_number" binding:"required"`
		RoutingCode   string `json:"routing_code" binding:"required"`
		BankName      string `json:"bank_name"`
		Kind          string `json:"kind"`
		IsDefault     bool   `json:"is_default"`
	}
	if !bindJSON(c, &req) {
		return
	}

	kind := models.BankAccountKind(req.Kind)
	if kind == "" {
		kind = models.BankAccountSavings
	}
	if kind != models.BankAccountSavings && kind != models.BankAccountCurrent {
		respondError(c, models.E(models.CodeBadInput, "kind must be savings or current"))
		return
	}

	detail := &models.BankDetail{
		ID:            uuid.New().String(),
		UserID:        c.GetString("user_id"),
		HolderName:    req.HolderName,
		AccountNumber: req.AccountNumber,
		RoutingCode:   req.RoutingCode,
		BankName:      req.BankName,
		Kind:          kind,
		IsDefault:     req.IsDefault,
		IsActive:      true,
	}
	if err := h.bankDetails.Create(c.Request.Context(), detail); err != nil {
		respondError(c, models.WrapErr(models.CodeInternal, err, "create bank detail"))
		return
	}
	respondOK(c, http.StatusCreated, gin.H{"bank_detail": detail})
}

// List GET /payouts/bank-details
func (h *BankDetailHandler) List(c *gin.Context) {
	details, err := h.bankDetails.ListByUser(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, models.WrapErr(models.CodeInternal, err, "list bank details"))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"bank_details": details})
}

// SetDefault PUT /payouts/bank-details/:detailID/default
func (h *BankDetailHandler) SetDefault(c *gin.Context) {
	err := h.bankDetails.SetDefault(c.Request.Context(), c.GetString("user_id"), c.Param("detailID"))
	if errors.Is(err, repository.ErrBankDetailNotFound) {
		respondError(c, models.E(models.CodeNotFound, "bank detail not found"))
		return
	}
	if err != nil {
		respondError(c, models.WrapErr(models.CodeInternal, err, "set default bank detail"))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"message": "default updated"})
}

// Delete DELETE /payouts/bank-details/:detailID
// Soft delete; the record stays for payouts that referenced it.
func (h *BankDetailHandler) Delete(c *gin.Context) {
	err := h.bankDetails.Deactivate(c.Request.Context(), c.GetString("user_id"), c.Param("detailID"))
	if errors.Is(err, repository.ErrBankDetailNotFound) {
		respondError(c, models.E(models.CodeNotFound, "bank detail not found"))
		return
	}
	if err != nil {
		respondError(c, models.WrapErr(models.CodeInternal, err, "deactivate bank detail"))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"message": "bank detail removed"})
}
