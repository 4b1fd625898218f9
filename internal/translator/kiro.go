package translator

import (
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// systemPromptAck closes the synthetic history pair carrying the system
	// prompt; the upstream requires strict user/assistant alternation.
	systemPromptAck = "I will follow these instructions."

	// systemChunkedPolicy rides along with every system prompt so chunked
	// Write/Edit tool flows complete without meta commentary from the model.
	systemChunkedPolicy = "When the Write or Edit tool has content size limits, always comply silently. " +
		"Never suggest bypassing these limits via alternative tools. " +
		"Never ask the user whether to switch approaches. " +
		"Complete all chunked operations without commentary."

	// continueTurn stands in for the user turn when the conversation ends on
	// an assistant message or the current turn has no text.
	continueTurn = "Continue"

	emptyToolResultText = "(empty result)"
)

// ToolDescriptionMaxLength bounds toolSpecification description length; the
// upstream rejects longer ones, so they move into the system prompt as tool
// documentation. Zero disables the overflow.
var ToolDescriptionMaxLength = 10240

// ErrNoMessages reports a request whose message list is empty after merging,
// leaving nothing to send upstream.
var ErrNoMessages = errors.New("no messages to send")

// ExtractTextContent flattens an OpenAI message content field to plain text.
// Content arrives as a bare string, a list of typed parts, or a list mixing
// strings and objects; anything else yields the empty string.
func ExtractTextContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var b strings.Builder
		content.ForEach(func(_, item gjson.Result) bool {
			switch {
			case item.Type == gjson.String:
				b.WriteString(item.String())
			case item.Get("type").String() == "text":
				b.WriteString(item.Get("text").String())
			case item.Get("text").Exists():
				b.WriteString(item.Get("text").String())
			}
			return true
		})
		return b.String()
	}
	return ""
}

// MergeAdjacentMessages normalizes an OpenAI messages array for an upstream
// that rejects consecutive turns from the same role. Tool-role messages fold
// into user messages carrying tool_result blocks first, then adjacent
// same-role messages merge: string contents join with a newline, list
// contents concatenate, and mixed pairs normalize to a list. Assistant
// tool_calls concatenate as well, since dropping one leaves a toolResult
// referencing a toolUse the upstream never saw.
func MergeAdjacentMessages(messagesRaw string) string {
	messages := gjson.Parse(messagesRaw)
	if !messages.IsArray() {
		return "[]"
	}

	var processed []string
	var pendingResults []string
	flush := func() {
		if len(pendingResults) == 0 {
			return
		}
		msg := `{"role":"user","content":[]}`
		for _, result := range pendingResults {
			msg, _ = sjson.SetRaw(msg, "content.-1", result)
		}
		processed = append(processed, msg)
		pendingResults = pendingResults[:0]
	}

	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == "tool" {
			result := `{"type":"tool_result","tool_use_id":"","content":""}`
			result, _ = sjson.Set(result, "tool_use_id", msg.Get("tool_call_id").String())
			content := ExtractTextContent(msg.Get("content"))
			if content == "" {
				content = emptyToolResultText
			}
			result, _ = sjson.Set(result, "content", content)
			pendingResults = append(pendingResults, result)
			return true
		}
		flush()
		processed = append(processed, msg.Raw)
		return true
	})
	flush()

	out := "[]"
	var last string
	haveLast := false
	for _, raw := range processed {
		if !haveLast {
			last = raw
			haveLast = true
			continue
		}
		if gjson.Get(raw, "role").String() != gjson.Get(last, "role").String() {
			out, _ = sjson.SetRaw(out, "-1", last)
			last = raw
			continue
		}
		last = mergeMessagePair(last, raw)
	}
	if haveLast {
		out, _ = sjson.SetRaw(out, "-1", last)
	}
	return out
}

// mergeMessagePair folds next into last, both carrying the same role.
func mergeMessagePair(lastRaw, nextRaw string) string {
	lastContent := gjson.Get(lastRaw, "content")
	nextContent := gjson.Get(nextRaw, "content")

	merged := lastRaw
	switch {
	case lastContent.IsArray() && nextContent.IsArray():
		nextContent.ForEach(func(_, block gjson.Result) bool {
			merged, _ = sjson.SetRaw(merged, "content.-1", block.Raw)
			return true
		})
	case lastContent.IsArray():
		text := `{"type":"text","text":""}`
		text, _ = sjson.Set(text, "text", ExtractTextContent(nextContent))
		merged, _ = sjson.SetRaw(merged, "content.-1", text)
	case nextContent.IsArray():
		rebuilt := "[]"
		text := `{"type":"text","text":""}`
		text, _ = sjson.Set(text, "text", ExtractTextContent(lastContent))
		rebuilt, _ = sjson.SetRaw(rebuilt, "-1", text)
		nextContent.ForEach(func(_, block gjson.Result) bool {
			rebuilt, _ = sjson.SetRaw(rebuilt, "-1", block.Raw)
			return true
		})
		merged, _ = sjson.SetRaw(merged, "content", rebuilt)
	default:
		merged, _ = sjson.Set(merged, "content", ExtractTextContent(lastContent)+"\n"+ExtractTextContent(nextContent))
	}

	if gjson.Get(nextRaw, "role").String() == "assistant" {
		if calls := gjson.Get(nextRaw, "tool_calls"); calls.IsArray() {
			calls.ForEach(func(_, call gjson.Result) bool {
				merged, _ = sjson.SetRaw(merged, "tool_calls.-1", call.Raw)
				return true
			})
		}
	}
	return merged
}

// BuildKiroPayload assembles the codewhisperer conversationState body from an
// OpenAI-format request. The system prompt moves into a leading history pair
// acknowledged by the assistant, merged non-system messages alternate through
// history, and the final turn becomes currentMessage. A conversation ending
// on an assistant message is closed with a "Continue" user turn, as is an
// empty current turn. thinkingPrefix, when non-empty, lands at the head of
// the system text unless control tags are already present.
func BuildKiroPayload(openaiJSON []byte, conversationID, profileArn, thinkingPrefix string) ([]byte, error) {
	root := gjson.ParseBytes(openaiJSON)
	modelID := root.Get("model").String()

	tools, toolDoc := splitLongToolDescriptions(root.Get("tools"))

	var systemParts []string
	nonSystem := "[]"
	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, msg gjson.Result) bool {
			if msg.Get("role").String() == "system" {
				systemParts = append(systemParts, ExtractTextContent(msg.Get("content")))
				return true
			}
			nonSystem, _ = sjson.SetRaw(nonSystem, "-1", msg.Raw)
			return true
		})
	}
	systemPrompt := strings.TrimSpace(strings.Join(systemParts, "\n"))
	if toolDoc != "" {
		if systemPrompt != "" {
			systemPrompt += toolDoc
		} else {
			systemPrompt = strings.TrimSpace(toolDoc)
		}
	}

	merged := gjson.Parse(MergeAdjacentMessages(nonSystem)).Array()
	if len(merged) == 0 {
		return nil, ErrNoMessages
	}

	history := "[]"
	historyLen := 0
	appendHistory := func(entry string) {
		history, _ = sjson.SetRaw(history, "-1", entry)
		historyLen++
	}

	systemContent := ""
	if systemPrompt != "" {
		systemContent = systemPrompt + "\n" + systemChunkedPolicy
		if thinkingPrefix != "" && !HasThinkingTags(systemContent) {
			systemContent = thinkingPrefix + "\n" + systemContent
		}
	} else if thinkingPrefix != "" {
		systemContent = thinkingPrefix
	}
	if systemContent != "" {
		entry := `{"userInputMessage":{"content":"","modelId":"","origin":"AI_EDITOR"}}`
		entry, _ = sjson.Set(entry, "userInputMessage.content", systemContent)
		entry, _ = sjson.Set(entry, "userInputMessage.modelId", modelID)
		appendHistory(entry)
		ack, _ := sjson.Set(`{"assistantResponseMessage":{"content":""}}`, "assistantResponseMessage.content", systemPromptAck)
		appendHistory(ack)
	}

	for _, msg := range merged[:len(merged)-1] {
		switch msg.Get("role").String() {
		case "user":
			entry := `{"userInputMessage":{"content":"","modelId":"","origin":"AI_EDITOR"}}`
			entry, _ = sjson.Set(entry, "userInputMessage.content", ExtractTextContent(msg.Get("content")))
			entry, _ = sjson.Set(entry, "userInputMessage.modelId", modelID)
			if results := extractKiroToolResults(msg.Get("content")); results != "" {
				entry, _ = sjson.SetRaw(entry, "userInputMessage.userInputMessageContext.toolResults", results)
			}
			appendHistory(entry)
		case "assistant":
			entry := `{"assistantResponseMessage":{"content":""}}`
			entry, _ = sjson.Set(entry, "assistantResponseMessage.content", ExtractTextContent(msg.Get("content")))
			if uses := extractKiroToolUses(msg); uses != "" {
				entry, _ = sjson.SetRaw(entry, "assistantResponseMessage.toolUses", uses)
			}
			appendHistory(entry)
		}
	}

	current := merged[len(merged)-1]
	currentContent := ExtractTextContent(current.Get("content"))
	if current.Get("role").String() == "assistant" {
		entry := `{"assistantResponseMessage":{"content":""}}`
		entry, _ = sjson.Set(entry, "assistantResponseMessage.content", currentContent)
		appendHistory(entry)
		currentContent = continueTurn
	}
	if currentContent == "" {
		currentContent = continueTurn
	}

	userInput := `{"content":"","modelId":"","origin":"AI_EDITOR"}`
	userInput, _ = sjson.Set(userInput, "content", currentContent)
	userInput, _ = sjson.Set(userInput, "modelId", modelID)

	context := "{}"
	hasContext := false
	if len(tools) > 0 {
		toolsList := "[]"
		toolCount := 0
		for _, tool := range tools {
			if gjson.Get(tool, "type").String() != "function" {
				continue
			}
			spec := `{"toolSpecification":{"name":"","description":"","inputSchema":{"json":{}}}}`
			spec, _ = sjson.Set(spec, "toolSpecification.name", gjson.Get(tool, "function.name").String())
			spec, _ = sjson.Set(spec, "toolSpecification.description", gjson.Get(tool, "function.description").String())
			if params := gjson.Get(tool, "function.parameters"); params.IsObject() {
				spec, _ = sjson.SetRaw(spec, "toolSpecification.inputSchema.json", params.Raw)
			}
			toolsList, _ = sjson.SetRaw(toolsList, "-1", spec)
			toolCount++
		}
		if toolCount > 0 {
			context, _ = sjson.SetRaw(context, "tools", toolsList)
			hasContext = true
		}
	}
	if results := extractKiroToolResults(current.Get("content")); results != "" {
		context, _ = sjson.SetRaw(context, "toolResults", results)
		hasContext = true
	}
	if hasContext {
		userInput, _ = sjson.SetRaw(userInput, "userInputMessageContext", context)
	}

	payload := `{"conversationState":{"chatTriggerType":"MANUAL","conversationId":"","currentMessage":{"userInputMessage":{}}}}`
	payload, _ = sjson.Set(payload, "conversationState.conversationId", conversationID)
	payload, _ = sjson.SetRaw(payload, "conversationState.currentMessage.userInputMessage", userInput)
	if historyLen > 0 {
		payload, _ = sjson.SetRaw(payload, "conversationState.history", history)
	}
	if profileArn != "" {
		payload, _ = sjson.Set(payload, "profileArn", profileArn)
	}
	return []byte(payload), nil
}

// extractKiroToolResults renders the tool_result blocks of a message content
// list as a codewhisperer toolResults array, or "" when there are none.
func extractKiroToolResults(content gjson.Result) string {
	if !content.IsArray() {
		return ""
	}
	out := "[]"
	count := 0
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "tool_result" {
			return true
		}
		result := `{"content":[{"text":""}],"status":"success","toolUseId":""}`
		result, _ = sjson.Set(result, "content.0.text", ExtractTextContent(item.Get("content")))
		result, _ = sjson.Set(result, "toolUseId", item.Get("tool_use_id").String())
		out, _ = sjson.SetRaw(out, "-1", result)
		count++
		return true
	})
	if count == 0 {
		return ""
	}
	return out
}

// extractKiroToolUses renders an assistant message's tool calls, whether they
// arrive as tool_calls entries or inline tool_use content blocks, as a
// codewhisperer toolUses array, or "" when there are none.
func extractKiroToolUses(msg gjson.Result) string {
	out := "[]"
	count := 0
	appendUse := func(name, id string, input gjson.Result) {
		use := `{"name":"","input":{},"toolUseId":""}`
		use, _ = sjson.Set(use, "name", name)
		if input.IsObject() {
			use, _ = sjson.SetRaw(use, "input", input.Raw)
		}
		use, _ = sjson.Set(use, "toolUseId", id)
		out, _ = sjson.SetRaw(out, "-1", use)
		count++
	}

	if calls := msg.Get("tool_calls"); calls.IsArray() {
		calls.ForEach(func(_, call gjson.Result) bool {
			args := gjson.Parse(call.Get("function.arguments").String())
			appendUse(call.Get("function.name").String(), call.Get("id").String(), args)
			return true
		})
	}
	if content := msg.Get("content"); content.IsArray() {
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "tool_use" {
				appendUse(item.Get("name").String(), item.Get("id").String(), item.Get("input"))
			}
			return true
		})
	}
	if count == 0 {
		return ""
	}
	return out
}

// splitLongToolDescriptions moves descriptions past ToolDescriptionMaxLength
// into a tool-documentation section destined for the system prompt, leaving a
// pointer in the tool itself.
func splitLongToolDescriptions(tools gjson.Result) ([]string, string) {
	if !tools.IsArray() {
		return nil, ""
	}
	var kept []string
	var docParts []string
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			kept = append(kept, tool.Raw)
			return true
		}
		description := tool.Get("function.description").String()
		if ToolDescriptionMaxLength <= 0 || len(description) <= ToolDescriptionMaxLength {
			kept = append(kept, tool.Raw)
			return true
		}
		name := tool.Get("function.name").String()
		log.Debugf("tool %q description is %d chars, moving to system prompt", name, len(description))
		docParts = append(docParts, "## Tool: "+name+"\n\n"+description)
		replaced, _ := sjson.Set(tool.Raw, "function.description",
			"[Full documentation in system prompt under '## Tool: "+name+"']")
		kept = append(kept, replaced)
		return true
	})
	if len(docParts) == 0 {
		return kept, ""
	}
	doc := "\n\n---\n" +
		"# Tool Documentation\n" +
		"The following tools have detailed documentation that couldn't fit in the tool definition.\n\n" +
		strings.Join(docParts, "\n\n---\n\n")
	return kept, doc
}
