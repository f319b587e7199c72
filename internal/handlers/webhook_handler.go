package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"escrowd/internal/config"
	"escrowd/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebhookHandler absorbs the payments provider's payout notifications.
// Webhooks are unauthenticated by bearer token; when a webhook secret is
// configured the provider's HMAC signature header is enforced instead.
type WebhookHandler struct {
	payouts *services.PayoutService
	logger  *logrus.Logger
}

func NewWebhookHandler(payouts *services.PayoutService, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{payouts: payouts, logger: logger}
}

// providerWebhook mirrors the provider's nested event envelope.
type providerWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payout struct {
			Entity struct {
				ID            string `json:"id"`
				Status        string `json:"status"`
				UTR           string `json:"utr"`
				ReferenceID   string `json:"reference_id"`
				FailureReason string `json:"failure_reason"`
			} `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
}

// HandlePayoutWebhook POST /payouts/webhook
func (h *WebhookHandler) HandlePayoutWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable body"})
		return
	}

	if secret := config.AppConfig.Provider.WebhookSecret; secret != "" {
		signature := c.GetHeader("X-Razorpay-Signature")
		if !verifySignature(body, signature, secret) {
			h.logger.WithField("remote_addr", c.ClientIP()).Warn("webhook signature mismatch")
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid signature"})
			return
		}
	}

	var event providerWebhook
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "malformed webhook payload"})
		return
	}
	entity := event.Payload.Payout.Entity
	if entity.ID == "" && entity.ReferenceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "webhook carries no payout id"})
		return
	}

	err = h.payouts.HandleWebhook(c.Request.Context(), services.WebhookEvent{
		ProviderPayoutID: entity.ID,
		ReferenceID:      entity.ReferenceID,
		Status:           entity.Status,
		UTR:              entity.UTR,
		FailureReason:    entity.FailureReason,
	})
	if err != nil {
		// Always 200 for known-shape webhooks we cannot match, so the
		// provider does not retry forever; the mismatch is logged.
		h.logger.WithError(err).WithFields(logrus.Fields{
			"provider_payout_id": entity.ID,
			"reference_id":       entity.ReferenceID,
			"event":              event.Event,
		}).Warn("webhook not applied")
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func verifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
