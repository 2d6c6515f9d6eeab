package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"promptguard-backend/service"

	"github.com/gin-gonic/gin"
)

// VerifyHandler handles HTTP requests for prompt verification
type VerifyHandler struct {
	verificationService *service.VerificationService
}

// NewVerifyHandler creates a new verification handler
func NewVerifyHandler(verificationService *service.VerificationService) *VerifyHandler {
	return &VerifyHandler{
		verificationService: verificationService,
	}
}

// VerifyRequest represents the request body for prompt verification
type VerifyRequest struct {
	Prompt string `json:"prompt"`
}

// VerifyPrompt handles POST /api/verify. The response body is the
// VerificationResult itself: pipeline failures arrive as UNCERTAIN results
// with status 200, so only unusable wiring or a bad request produce an
// error status.
func (h *VerifyHandler) VerifyPrompt(c *gin.Context) {
	if h.verificationService == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Verification service not initialized",
		})
		return
	}

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	result, err := h.verificationService.Verify(c.Request.Context(), req.Prompt)
	if err != nil {
		if errors.Is(err, service.ErrEmptyPrompt) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": "Prompt cannot be empty",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("Error verifying prompt: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
