package translator

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// azureScrubFields are top-level request keys the Azure-hosted Anthropic
// endpoint rejects.
var azureScrubFields = []string{"context_management", "betas", "anthropic_beta"}

// azureBuiltinToolTypes are the server-side tool types Azure accepts as bare
// {type, name} declarations.
var azureBuiltinToolTypes = map[string]bool{
	"bash_20250124":        true,
	"bash_20241022":        true,
	"text_editor_20250124": true,
	"text_editor_20250429": true,
	"text_editor_20250728": true,
	"text_editor_20241022": true,
	"web_search_20250305":  true,
	"computer_20241022":    true,
}

// ScrubForAzure rewrites an Anthropic request so the Azure-hosted endpoint
// accepts it: unsupported top-level fields are removed, thinking blocks
// without a signature degrade to <previous_thinking> text, redacted_thinking
// survives only with data, empty messages are dropped except a trailing
// assistant turn, and tool declarations are normalized back to the
// {name, description, input_schema} shape. Thinking is disabled outright when
// the last assistant turn does not open with a signed thinking block, since
// the endpoint rejects such conversations. Scrubbing an already scrubbed
// request changes nothing.
func ScrubForAzure(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := string(rawJSON)
	for _, field := range azureScrubFields {
		out, _ = sjson.Delete(out, field)
	}

	thinkingEnabled := root.Get("thinking.type").String() == "enabled"
	messages := root.Get("messages")

	if thinkingEnabled && messages.IsArray() {
		arr := messages.Array()
		for i := len(arr) - 1; i >= 0; i-- {
			if arr[i].Get("role").String() != "assistant" {
				continue
			}
			first := arr[i].Get("content.0")
			if first.Get("type").String() != "thinking" || first.Get("signature").String() == "" {
				thinkingEnabled = false
				out, _ = sjson.Delete(out, "thinking")
			}
			break
		}
	}

	if messages.IsArray() {
		arr := messages.Array()
		rebuilt := "[]"
		for i, msg := range arr {
			cleaned, empty := scrubAzureMessage(msg, thinkingEnabled)
			if empty && !(msg.Get("role").String() == "assistant" && i == len(arr)-1) {
				continue
			}
			rebuilt, _ = sjson.SetRaw(rebuilt, "-1", cleaned)
		}
		out, _ = sjson.SetRaw(out, "messages", rebuilt)
	}

	if tools := root.Get("tools"); tools.IsArray() {
		rebuilt := "[]"
		tools.ForEach(func(_, tool gjson.Result) bool {
			if cleaned := scrubAzureTool(tool); cleaned != "" {
				rebuilt, _ = sjson.SetRaw(rebuilt, "-1", cleaned)
			}
			return true
		})
		out, _ = sjson.SetRaw(out, "tools", rebuilt)
	}

	return []byte(out)
}

// scrubAzureMessage cleans the thinking blocks out of one message and reports
// whether the cleaned message ended up with no content.
func scrubAzureMessage(msg gjson.Result, thinkingEnabled bool) (string, bool) {
	content := msg.Get("content")
	if content.Type == gjson.String {
		return msg.Raw, strings.TrimSpace(content.String()) == ""
	}
	if !content.IsArray() {
		return msg.Raw, !content.Exists() || content.Type == gjson.Null
	}

	rebuilt := "[]"
	kept := 0
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "thinking":
			if !thinkingEnabled {
				return true
			}
			if block.Get("signature").String() != "" {
				rebuilt, _ = sjson.SetRaw(rebuilt, "-1", block.Raw)
				kept++
				return true
			}
			// The endpoint rejects unsigned thinking blocks; the content
			// itself is still worth keeping for the model.
			text := `{"type":"text","text":""}`
			text, _ = sjson.Set(text, "text", "<previous_thinking>"+block.Get("thinking").String()+"</previous_thinking>")
			rebuilt, _ = sjson.SetRaw(rebuilt, "-1", text)
			kept++
		case "redacted_thinking":
			if thinkingEnabled && block.Get("data").String() != "" {
				rebuilt, _ = sjson.SetRaw(rebuilt, "-1", block.Raw)
				kept++
			}
		default:
			rebuilt, _ = sjson.SetRaw(rebuilt, "-1", block.Raw)
			kept++
		}
		return true
	})

	cleaned, _ := sjson.SetRaw(msg.Raw, "content", rebuilt)
	return cleaned, kept == 0
}

// scrubAzureTool normalizes one tool declaration, whatever dialect it arrived
// in, to the shape Azure accepts. An empty return drops the tool.
func scrubAzureTool(tool gjson.Result) string {
	if !tool.IsObject() {
		return ""
	}
	toolType := tool.Get("type").String()

	if azureBuiltinToolTypes[toolType] {
		out, _ := sjson.Set("{}", "type", toolType)
		if name := tool.Get("name"); name.Exists() {
			out, _ = sjson.Set(out, "name", name.String())
		}
		return out
	}

	if toolType == "custom" {
		out := "{}"
		for _, field := range []string{"name", "description", "input_schema"} {
			if v := tool.Get("custom." + field); v.Exists() {
				out, _ = sjson.SetRaw(out, field, v.Raw)
			} else if v := tool.Get(field); v.Exists() {
				out, _ = sjson.SetRaw(out, field, v.Raw)
			}
		}
		if gjson.Get(out, "name").String() == "" {
			return ""
		}
		return out
	}

	if toolType == "function" || tool.Get("function").Exists() {
		fn := tool.Get("function")
		out := "{}"
		if v := fn.Get("name"); v.Exists() {
			out, _ = sjson.Set(out, "name", v.String())
		}
		if v := fn.Get("description"); v.Exists() {
			out, _ = sjson.Set(out, "description", v.String())
		}
		if v := fn.Get("parameters"); v.Exists() {
			out, _ = sjson.SetRaw(out, "input_schema", v.Raw)
		}
		if gjson.Get(out, "name").String() == "" {
			if name := tool.Get("name"); name.Exists() {
				out, _ = sjson.Set(out, "name", name.String())
			}
		}
		if gjson.Get(out, "name").String() == "" {
			return ""
		}
		return out
	}

	if toolType == "" && tool.Get("name").Exists() {
		out, _ := sjson.Set("{}", "name", tool.Get("name").String())
		if v := tool.Get("description"); v.Exists() {
			out, _ = sjson.Set(out, "description", v.String())
		}
		if v := tool.Get("input_schema"); v.Exists() {
			out, _ = sjson.SetRaw(out, "input_schema", v.Raw)
		} else if v := tool.Get("parameters"); v.Exists() {
			out, _ = sjson.SetRaw(out, "input_schema", v.Raw)
		}
		return out
	}

	return ""
}
