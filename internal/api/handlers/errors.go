// Package handlers provides the HTTP handlers for the KiroGate API server.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/KiroGateAPI/internal/allocator"
	"github.com/router-for-me/KiroGateAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroGateAPI/internal/store"
	"github.com/router-for-me/KiroGateAPI/internal/translator"
	"github.com/router-for-me/KiroGateAPI/internal/upstream"
)

// writeError renders an Anthropic-shaped error body with the given status.
func writeError(c *gin.Context, status int, message string) {
	c.Data(status, "application/json", translator.BuildAnthropicError(status, message))
}

// dispatchStatus maps an orchestrator failure onto the client-facing HTTP
// status and message: 403 empty pool, 422 validation, 400 malformed request,
// 502 upstream failure after retries.
func dispatchStatus(err error) (int, string) {
	if errors.Is(err, allocator.ErrNoCredentialAvailable) {
		return http.StatusForbidden, "No active credential is available for this request."
	}
	if errors.Is(err, translator.ErrNoMessages) {
		return http.StatusBadRequest, "Request contains no messages to send."
	}
	if errors.Is(err, upstream.ErrFirstTokenTimeout) {
		return http.StatusBadGateway, "Upstream produced no output before the first-token deadline."
	}
	if errors.Is(err, upstream.ErrStreamReadTimeout) {
		return http.StatusBadGateway, "Upstream stream stalled and was abandoned."
	}

	var validationErr *store.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, validationErr.Error()
	}

	var upErr *upstream.UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode, upErr.Message
	}

	var authErr *kiro.AuthError
	if errors.As(err, &authErr) {
		return http.StatusBadGateway, "Upstream authentication failed: " + authErr.Message
	}

	return http.StatusInternalServerError, "Internal server error."
}

// pathID parses the :id route parameter; a non-numeric value yields ok=false.
func pathID(c *gin.Context) (int64, bool) {
	n, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return n, err == nil && n > 0
}
