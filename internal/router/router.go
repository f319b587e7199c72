package router

import (
	"net/http"
	"time"

	"escrowd/internal/app"
	"escrowd/internal/config"
	"escrowd/internal/handlers"
	"escrowd/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SetupRouter mounts the full HTTP surface on a gin engine.
func SetupRouter(container *app.ServiceContainer) *gin.Engine {
	r := gin.Default()
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())
	r.Use(middleware.RequestTimeout(time.Duration(config.AppConfig.Server.RequestTimeout) * time.Second))

	logger := logrus.New()
	auth := middleware.NewAuthMiddleware(logger)
	adminAuth := middleware.NewAdminAuthMiddleware(logger)

	escrowHandler := handlers.NewEscrowHandler(container.EscrowCoordinator)
	payoutHandler := handlers.NewPayoutHandler(container.BurnService, container.PayoutService)
	bankDetailHandler := handlers.NewBankDetailHandler(container.BankDetailRepo)
	webhookHandler := handlers.NewWebhookHandler(container.PayoutService, logger)

	// ============ Health ============
	r.GET("/ping", handlers.PingHandler)
	r.GET("/health", handlers.HealthHandler)

	// ============ Prometheus Metrics ============
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ Escrow Intents ============
	escrows := r.Group("/escrows")
	escrows.Use(auth.RequireAuth())
	{
		escrows.POST("", escrowHandler.CreateEscrow)
		escrows.GET("/:orderID", escrowHandler.GetEscrow)
		escrows.POST("/:orderID/confirm_delivery", escrowHandler.ConfirmDelivery)
		escrows.POST("/:orderID/release", escrowHandler.Release)
		escrows.POST("/:orderID/dispute", escrowHandler.Dispute)
		escrows.POST("/:orderID/claim_timeout", escrowHandler.ClaimTimeout)
	}

	// ============ Dispute Resolution (admin) ============
	disputes := r.Group("/disputes")
	disputes.Use(auth.RequireAuth(), adminAuth.RequireAdminAuth())
	{
		disputes.POST("/:orderID/resolve", escrowHandler.ResolveDispute)
	}

	// ============ Payouts ============
	// The provider webhook carries its own signature, not a bearer token.
	r.POST("/payouts/webhook", webhookHandler.HandlePayoutWebhook)

	payouts := r.Group("/payouts")
	payouts.Use(auth.RequireAuth())
	{
		payouts.POST("/claim", payoutHandler.ClaimPayout)
		payouts.GET("", payoutHandler.ListPayouts)
		payouts.GET("/balance", payoutHandler.GetBalance)
		payouts.GET("/burns", payoutHandler.ListBurns)
		payouts.GET("/:payoutID", payoutHandler.GetPayout)

		payouts.POST("/bank-details", bankDetailHandler.Create)
		payouts.GET("/bank-details", bankDetailHandler.List)
		payouts.PUT("/bank-details/:detailID/default", bankDetailHandler.SetDefault)
		payouts.DELETE("/bank-details/:detailID", bankDetailHandler.Delete)

		admin := payouts.Group("")
		admin.Use(adminAuth.RequireAdminAuth())
		{
			admin.POST("/:payoutID/retry", payoutHandler.RetryPayout)
			admin.POST("/:payoutID/mark_complete", payoutHandler.MarkComplete)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message": "Endpoint not found",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}
