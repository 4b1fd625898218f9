package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/KiroGateAPI/internal/logging"
)

// defaultLogLimit bounds an unqualified recent-logs request.
const defaultLogLimit = 100

// LogsHandler serves the in-memory log buffer to operators.
type LogsHandler struct{}

// NewLogsHandler creates a logs handler.
func NewLogsHandler() *LogsHandler {
	return &LogsHandler{}
}

// Recent handles GET /admin/api/logs. The limit query parameter selects the
// n most recent entries; the buffer capacity is the effective ceiling.
func (h *LogsHandler) Recent(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "limit must be a positive integer.")
			return
		}
		limit = n
	}

	entries := logging.GlobalBuffer.GetRecentEntries(limit)
	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"count": len(entries),
	})
}
