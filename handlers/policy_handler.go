package handlers

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"promptguard-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PolicyHandler handles HTTP requests for policy management
type PolicyHandler struct {
	policyService *service.PolicyIndexService
	maxFileSize   int64
	tempDir       string
}

// NewPolicyHandler creates a new policy handler
func NewPolicyHandler(policyService *service.PolicyIndexService) *PolicyHandler {
	return &PolicyHandler{
		policyService: policyService,
		maxFileSize:   10 * 1024 * 1024, // 10MB
		tempDir:       "temp",
	}
}

// AddPolicyTextRequest represents the request body for adding raw policy text
type AddPolicyTextRequest struct {
	PolicyText string `json:"policy_text"`
	PolicyName string `json:"policy_name"`
}

// AddPolicyText handles POST /api/policies/add-text. Ingestion failures are
// reported as success=false with status 200; the cause goes to the log.
func (h *PolicyHandler) AddPolicyText(c *gin.Context) {
	if h.policyService == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Policy service not initialized",
		})
		return
	}

	var req AddPolicyTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	name, err := h.policyService.AddText(c.Request.Context(), req.PolicyText, req.PolicyName)
	if err != nil {
		log.Printf("Error adding policy text: %v", err)
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": "Failed to add policy text",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Policy text added successfully",
		"data":    gin.H{"name": name},
	})
}

// AddPolicyFile handles POST /api/policies/add-file
func (h *PolicyHandler) AddPolicyFile(c *gin.Context) {
	if h.policyService == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Policy service not initialized",
		})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "File is required",
		})
		return
	}

	if fileHeader.Size > h.maxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": fmt.Sprintf("File size exceeds maximum of %d bytes", h.maxFileSize),
		})
		return
	}

	// Spool the upload to a temp file so the service reads it like any
	// other local document
	if err := os.MkdirAll(h.tempDir, 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("Error adding policy file: %v", err),
		})
		return
	}
	tempPath := filepath.Join(h.tempDir, fmt.Sprintf("%s_%s", uuid.New().String()[:8], filepath.Base(fileHeader.Filename)))
	if err := c.SaveUploadedFile(fileHeader, tempPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("Error adding policy file: %v", err),
		})
		return
	}
	defer os.Remove(tempPath)

	// The temp filename carries a random prefix, so the document name comes
	// from the form, falling back to the upload's own filename
	name := c.PostForm("policy_name")
	if name == "" {
		name = fileHeader.Filename
	}

	docName, err := h.policyService.AddDocument(c.Request.Context(), tempPath, name)
	if err != nil {
		log.Printf("Error adding policy file: %v", err)
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": "Failed to add policy file",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Policy file added successfully",
		"data":    gin.H{"name": docName},
	})
}

// ListPolicies handles GET /api/policies/list, returning the ordered document
// names as a bare array
func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	if h.policyService == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Policy service not initialized",
		})
		return
	}

	policies, err := h.policyService.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("Error listing policies: %v", err),
		})
		return
	}

	if policies == nil {
		policies = []string{}
	}
	c.JSON(http.StatusOK, policies)
}

// ClearPolicies handles DELETE /api/policies/clear
func (h *PolicyHandler) ClearPolicies(c *gin.Context) {
	if h.policyService == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Policy service not initialized",
		})
		return
	}

	if err := h.policyService.Clear(c.Request.Context()); err != nil {
		log.Printf("Error clearing policies: %v", err)
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"message": "Failed to clear policies",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Policies cleared successfully",
	})
}

// Health handles GET /health and GET /api/health
func (h *PolicyHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
