package handlers

import (
	"net/http"

	"escrowd/internal/db"

	"github.com/gin-gonic/gin"
)

// PingHandler GET /ping
func PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// HealthHandler GET /health
// Reports database reachability alongside liveness.
func HealthHandler(c *gin.Context) {
	status := "ok"
	dbStatus := "ok"
	if sqlDB, err := db.DB.DB(); err != nil || sqlDB.Ping() != nil {
		status = "degraded"
		dbStatus = "unreachable"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"database": dbStatus,
		"service":  "escrowd",
	})
}
