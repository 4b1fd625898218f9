package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/KiroGateAPI/internal/api/middleware"
	"github.com/router-for-me/KiroGateAPI/internal/orchestrator"
	"github.com/router-for-me/KiroGateAPI/internal/util"
)

// maxRequestBody caps inbound message bodies. Large agentic conversations
// run to a few megabytes; anything past this is a malformed client.
const maxRequestBody = 64 << 20

// MessagesHandler serves the Anthropic-compatible message endpoints.
type MessagesHandler struct {
	orc *orchestrator.Orchestrator
}

// NewMessagesHandler creates a messages handler backed by the orchestrator.
func NewMessagesHandler(orc *orchestrator.Orchestrator) *MessagesHandler {
	return &MessagesHandler{orc: orc}
}

// Messages handles POST /v1/messages.
func (h *MessagesHandler) Messages(c *gin.Context) {
	h.serve(c, false)
}

// MessagesCC handles POST /cc/v1/messages: identical semantics, but streamed
// responses replay through the buffered mode that corrects input_tokens from
// the upstream context-usage event.
func (h *MessagesHandler) MessagesCC(c *gin.Context) {
	h.serve(c, true)
}

func (h *MessagesHandler) serve(c *gin.Context, buffered bool) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	userID := middleware.UserID(c)
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(c, http.StatusBadRequest, "model is required.")
		return
	}
	c.Set(middleware.CtxModel, model)
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("messages: user %d model %s body %s", userID, model, debugBody(body))
	}

	if !gjson.GetBytes(body, "stream").Bool() {
		h.collect(c, userID, body)
		return
	}
	h.stream(c, userID, body, buffered)
}

func (h *MessagesHandler) collect(c *gin.Context, userID int64, body []byte) {
	res, payload, err := h.orc.Collect(c.Request.Context(), userID, body)
	h.label(c, res, err == nil)
	if err != nil {
		if c.Request.Context().Err() != nil {
			return
		}
		status, message := dispatchStatus(err)
		writeError(c, status, message)
		return
	}

	c.Set(middleware.CtxInputTokens, gjson.GetBytes(payload, "usage.input_tokens").Int())
	c.Set(middleware.CtxOutputTokens, gjson.GetBytes(payload, "usage.output_tokens").Int())
	c.Data(http.StatusOK, "application/json", payload)
}

func (h *MessagesHandler) stream(c *gin.Context, userID int64, body []byte, buffered bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	wrote := false
	sink := func(sse string) error {
		if _, err := c.Writer.WriteString(sse); err != nil {
			return err
		}
		c.Writer.Flush()
		wrote = true
		return nil
	}

	res, err := h.orc.Stream(c.Request.Context(), userID, body, buffered, sink)
	h.label(c, res, err == nil)
	if err == nil {
		return
	}
	if c.Request.Context().Err() != nil {
		log.Debugf("messages: client disconnected mid-request: %v", err)
		return
	}
	if wrote {
		// The emitter already terminated the stream with an error event
		// and message_stop; the status line is long gone.
		return
	}
	status, message := dispatchStatus(err)
	writeError(c, status, message)
}

// CountTokens handles POST /v1/messages/count_tokens.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	count, err := h.orc.CountTokens(c.Request.Context(), middleware.UserID(c), body)
	if err != nil {
		status, message := dispatchStatus(err)
		writeError(c, status, message)
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": count})
}

// label attaches the served credential to the request context for the
// metrics middleware and bumps the upstream outcome counter.
func (h *MessagesHandler) label(c *gin.Context, res *orchestrator.Result, success bool) {
	if res == nil {
		return
	}
	c.Set(middleware.CtxCredentialKind, string(res.Kind))
	outcome := "success"
	if !success {
		outcome = "fail"
	}
	middleware.RecordUpstreamRequest(string(res.Kind), res.Model, outcome)
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		writeError(c, http.StatusBadRequest, "Failed to read request body.")
		return nil, false
	}
	if len(body) == 0 {
		writeError(c, http.StatusBadRequest, "Request body is required.")
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		writeError(c, http.StatusBadRequest, "Request body must be valid JSON.")
		return nil, false
	}
	return body, true
}

// maxDebugBody caps the redacted body excerpt written to the debug log.
const maxDebugBody = 2048

func debugBody(body []byte) string {
	redacted := util.RedactSensitiveJSON(body)
	if len(redacted) > maxDebugBody {
		return string(redacted[:maxDebugBody]) + "...(truncated)"
	}
	return string(redacted)
}
