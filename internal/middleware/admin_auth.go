package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminAuthMiddleware gates the arbitrator and payout-admin surface. It runs
// after RequireAuth, so the principal is already on the context.
type AdminAuthMiddleware struct {
	logger *logrus.Logger
}

func NewAdminAuthMiddleware(logger *logrus.Logger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{logger: logger}
}

// RequireAdminAuth rejects principals without the admin role.
func (a *AdminAuthMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		if role != "admin" {
			a.logger.WithFields(logrus.Fields{
				"path":    c.Request.URL.Path,
				"method":  c.Request.Method,
				"user_id": c.GetString("user_id"),
				"role":    role,
			}).Warn("admin auth failed - insufficient role")

			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "Admin access required",
				"code":    "FORBIDDEN",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
