package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// modelCard is one entry of the static /v1/models listing.
type modelCard struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

// kiroModels is the static card list for the models the gateway proxies.
// Kiro exposes no model-listing endpoint, so the surface mirrors the models
// its agent API accepts.
var kiroModels = []modelCard{
	{Type: "model", ID: "claude-opus-4-6", DisplayName: "Claude Opus 4.6", CreatedAt: "2026-02-05T00:00:00Z"},
	{Type: "model", ID: "claude-opus-4-5", DisplayName: "Claude Opus 4.5", CreatedAt: "2025-11-24T00:00:00Z"},
	{Type: "model", ID: "claude-opus-4-1", DisplayName: "Claude Opus 4.1", CreatedAt: "2025-08-05T00:00:00Z"},
	{Type: "model", ID: "claude-sonnet-4-6", DisplayName: "Claude Sonnet 4.6", CreatedAt: "2026-02-17T00:00:00Z"},
	{Type: "model", ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", CreatedAt: "2025-09-29T00:00:00Z"},
	{Type: "model", ID: "claude-sonnet-4-20250514", DisplayName: "Claude Sonnet 4", CreatedAt: "2025-05-14T00:00:00Z"},
	{Type: "model", ID: "claude-3-7-sonnet-20250219", DisplayName: "Claude Sonnet 3.7", CreatedAt: "2025-02-19T00:00:00Z"},
	{Type: "model", ID: "claude-3-5-haiku-20241022", DisplayName: "Claude Haiku 3.5", CreatedAt: "2024-10-22T00:00:00Z"},
}

// ModelsHandler serves the static model listing.
type ModelsHandler struct{}

// NewModelsHandler creates a models handler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// List handles GET /v1/models in the Anthropic list shape.
func (h *ModelsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":     kiroModels,
		"has_more": false,
		"first_id": kiroModels[0].ID,
		"last_id":  kiroModels[len(kiroModels)-1].ID,
	})
}
