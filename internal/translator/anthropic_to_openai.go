// Package translator converts between the Anthropic Messages wire format, the
// OpenAI Chat Completions wire format, and the codewhisperer conversationState
// payload consumed by the Kiro upstream. All converters operate on raw JSON
// with gjson/sjson so unknown fields survive round trips without a schema
// change, and each direction is a pure function of its input.
package translator

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultThinkingBudget is the max_thinking_length advertised when the client
// enables thinking without a budget_tokens value.
const DefaultThinkingBudget = 200000

const thinkingModeTag = "<thinking_mode>"

// permissiveObjectSchema replaces tool schemas too malformed to repair.
const permissiveObjectSchema = `{"type":"object","properties":{},"required":[],"additionalProperties":true}`

// ThinkingEnabled reports whether the request asks for extended thinking.
// Thinking is on by default; only an explicit disable turns it off.
func ThinkingEnabled(rawJSON []byte) bool {
	thinking := gjson.GetBytes(rawJSON, "thinking")
	if !thinking.Exists() {
		return true
	}
	switch thinking.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.JSON:
		if enabled := thinking.Get("enabled"); enabled.Exists() {
			return enabled.Bool()
		}
		return thinking.Get("type").String() != "disabled"
	}
	return true
}

// ThinkingBudget returns the max_thinking_length value for the control tags,
// falling back to DefaultThinkingBudget when the request carries none.
func ThinkingBudget(rawJSON []byte) int {
	if budget := gjson.GetBytes(rawJSON, "thinking.budget_tokens"); budget.Int() > 0 {
		return int(budget.Int())
	}
	return DefaultThinkingBudget
}

// ThinkingPrefix renders the XML control tags prepended to the system prompt
// when thinking is enabled.
func ThinkingPrefix(budget int) string {
	return fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", budget)
}

// HasThinkingTags reports whether the text already carries control tags, so a
// request that passed through the converter twice is not tagged twice.
func HasThinkingTags(text string) bool {
	return strings.Contains(text, thinkingModeTag)
}

// ConvertAnthropicRequestToOpenAI parses and transforms an Anthropic Messages
// API request into OpenAI Chat Completions format. It flattens message content
// arrays into role+content pairs, splits tool_result blocks into tool-role
// messages, maps tool declarations and tool_choice, and renames stop_sequences
// to stop. The thinking config is never sent upstream; when thinking is
// enabled the XML control tags are prepended to the system prompt instead.
func ConvertAnthropicRequestToOpenAI(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)

	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	if stream := root.Get("stream"); stream.Exists() {
		out, _ = sjson.Set(out, "stream", stream.Bool())
	}
	if stop := root.Get("stop_sequences"); stop.IsArray() {
		out, _ = sjson.SetRaw(out, "stop", stop.Raw)
	}

	systemText := extractSystemText(root.Get("system"))
	if ThinkingEnabled(rawJSON) && !HasThinkingTags(systemText) {
		prefix := ThinkingPrefix(ThinkingBudget(rawJSON))
		if systemText == "" {
			systemText = prefix
		} else {
			systemText = prefix + "\n" + systemText
		}
	}
	if systemText != "" {
		msg := `{"role":"system","content":""}`
		msg, _ = sjson.Set(msg, "content", systemText)
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
	}

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			out = appendOpenAIMessage(out, message)
			return true
		})
	}

	// Tool declarations, minus server-side tools the upstream cannot run.
	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			if strings.HasPrefix(tool.Get("type").String(), "web_search") {
				return true
			}
			fn := `{"type":"function","function":{"name":""}}`
			fn, _ = sjson.Set(fn, "function.name", tool.Get("name").String())
			if desc := tool.Get("description"); desc.Exists() {
				fn, _ = sjson.Set(fn, "function.description", desc.String())
			}
			fn, _ = sjson.SetRaw(fn, "function.parameters", normalizeToolSchema(tool.Get("input_schema")))
			out, _ = sjson.SetRaw(out, "tools.-1", fn)
			return true
		})
	}

	if toolChoice := root.Get("tool_choice"); toolChoice.Exists() {
		switch toolChoice.Get("type").String() {
		case "auto":
			out, _ = sjson.Set(out, "tool_choice", "auto")
		case "any":
			out, _ = sjson.Set(out, "tool_choice", "required")
		case "none":
			out, _ = sjson.Set(out, "tool_choice", "none")
		case "tool":
			choice := `{"type":"function","function":{"name":""}}`
			choice, _ = sjson.Set(choice, "function.name", toolChoice.Get("name").String())
			out, _ = sjson.SetRaw(out, "tool_choice", choice)
		}
	}

	return []byte(out)
}

// appendOpenAIMessage converts one Anthropic message and appends the result to
// the messages array. tool_result blocks split out into their own tool-role
// messages placed before the text that accompanies them, mirroring how OpenAI
// clients send follow-ups after a tool round trip.
func appendOpenAIMessage(out string, message gjson.Result) string {
	role := message.Get("role").String()
	content := message.Get("content")

	if content.Type == gjson.String {
		msg := `{"role":"","content":""}`
		msg, _ = sjson.Set(msg, "role", role)
		msg, _ = sjson.Set(msg, "content", content.String())
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
		return out
	}
	if !content.IsArray() {
		return out
	}

	var textParts []string
	var imageParts []string
	var toolCalls []string
	sawToolResult := false

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "thinking":
			// Prior-turn reasoning survives as tagged text so the model keeps
			// its train of thought across turns.
			if thinkingText := block.Get("thinking").String(); thinkingText != "" {
				textParts = append(textParts, "<thinking>"+thinkingText+"</thinking>")
			}
		case "image":
			if part := convertImageBlock(block); part != "" {
				imageParts = append(imageParts, part)
			}
		case "tool_use":
			call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "id", block.Get("id").String())
			call, _ = sjson.Set(call, "function.name", block.Get("name").String())
			args := "{}"
			if input := block.Get("input"); input.IsObject() {
				args = input.Raw
			}
			call, _ = sjson.Set(call, "function.arguments", args)
			toolCalls = append(toolCalls, call)
		case "tool_result":
			sawToolResult = true
			msg := `{"role":"tool","tool_call_id":"","content":""}`
			msg, _ = sjson.Set(msg, "tool_call_id", block.Get("tool_use_id").String())
			msg, _ = sjson.Set(msg, "content", extractToolResultText(block.Get("content")))
			out, _ = sjson.SetRaw(out, "messages.-1", msg)
		}
		return true
	})

	if role == "assistant" {
		msg := `{"role":"assistant","content":""}`
		msg, _ = sjson.Set(msg, "content", strings.Join(textParts, "\n"))
		for _, call := range toolCalls {
			msg, _ = sjson.SetRaw(msg, "tool_calls.-1", call)
		}
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
		return out
	}

	switch {
	case len(imageParts) > 0:
		msg := `{"role":"user","content":[]}`
		for _, text := range textParts {
			part := `{"type":"text","text":""}`
			part, _ = sjson.Set(part, "text", text)
			msg, _ = sjson.SetRaw(msg, "content.-1", part)
		}
		for _, part := range imageParts {
			msg, _ = sjson.SetRaw(msg, "content.-1", part)
		}
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
	case len(textParts) > 0 || !sawToolResult:
		msg := `{"role":"user","content":""}`
		msg, _ = sjson.Set(msg, "content", strings.Join(textParts, "\n"))
		out, _ = sjson.SetRaw(out, "messages.-1", msg)
	}
	return out
}

// convertImageBlock renders an Anthropic image block as an OpenAI image_url
// part. Base64 sources become data URLs; unknown source types are dropped.
func convertImageBlock(block gjson.Result) string {
	source := block.Get("source")
	switch source.Get("type").String() {
	case "base64":
		mediaType := source.Get("media_type").String()
		if mediaType == "" {
			mediaType = "image/png"
		}
		part := `{"type":"image_url","image_url":{"url":""}}`
		part, _ = sjson.Set(part, "image_url.url", "data:"+mediaType+";base64,"+source.Get("data").String())
		return part
	case "url":
		part := `{"type":"image_url","image_url":{"url":""}}`
		part, _ = sjson.Set(part, "image_url.url", source.Get("url").String())
		return part
	}
	return ""
}

// extractSystemText flattens the Anthropic system field, which is either a
// plain string or a list of text blocks.
func extractSystemText(system gjson.Result) string {
	if system.Type == gjson.String {
		return system.String()
	}
	if system.IsArray() {
		var parts []string
		system.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

// extractToolResultText flattens a tool_result content field to plain text.
func extractToolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, item gjson.Result) bool {
			switch {
			case item.Type == gjson.String:
				parts = append(parts, item.String())
			case item.Get("type").String() == "text":
				parts = append(parts, item.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	if content.Exists() {
		return content.Raw
	}
	return ""
}

// normalizeToolSchema repairs the type problems MCP tool definitions commonly
// ship with (required: null, properties: null) which the upstream rejects as
// an improperly formed request. A schema that is not an object at all degrades
// to a permissive object schema instead of failing the request.
func normalizeToolSchema(schema gjson.Result) string {
	if !schema.IsObject() {
		return permissiveObjectSchema
	}

	out := schema.Raw
	if t := schema.Get("type"); t.Type != gjson.String || t.String() == "" {
		out, _ = sjson.Set(out, "type", "object")
	}
	if props := schema.Get("properties"); !props.IsObject() {
		out, _ = sjson.SetRaw(out, "properties", "{}")
	}
	required := []string{}
	if req := schema.Get("required"); req.IsArray() {
		req.ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String {
				required = append(required, v.String())
			}
			return true
		})
	}
	out, _ = sjson.Set(out, "required", required)
	if ap := schema.Get("additionalProperties"); ap.Type != gjson.True && ap.Type != gjson.False && !ap.IsObject() {
		out, _ = sjson.Set(out, "additionalProperties", true)
	}
	return out
}
