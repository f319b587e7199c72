package handlers

import (
	"net/http"

	"escrowd/internal/models"

	"github.com/gin-gonic/gin"
)

// respondError translates a domain error into the API error envelope. Errors
// without a domain code surface as 500 INTERNAL without leaking internals.
func respondError(c *gin.Context, err error) {
	code := models.CodeOf(err)
	message := err.Error()
	if code == models.CodeInternal {
		message = "internal error"
	}
	c.JSON(models.HTTPStatus(code), gin.H{
		"success": false,
		"error":   message,
		"code":    string(code),
	})
}

// respondOK wraps a payload in the success envelope.
func respondOK(c *gin.Context, status int, data gin.H) {
	body := gin.H{"success": true}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(status, body)
}

// bindJSON binds the request body and reports BAD_INPUT on failure.
func bindJSON(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    string(models.CodeBadInput),
		})
		return false
	}
	return true
}
