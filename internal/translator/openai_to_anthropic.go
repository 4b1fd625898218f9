package translator

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/KiroGateAPI/internal/thinking"
)

var (
	dataTag  = []byte("data:")
	doneTag  = []byte("[DONE]")
	pingSSE  = "event: ping\ndata: {\"type\": \"ping\"}\n\n"
	blockEnd = `{"type":"content_block_stop","index":0}`
)

// FormatSSE renders one Anthropic server-sent event block.
func FormatSSE(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

// NewMessageID returns a fresh Anthropic-style message identifier.
func NewMessageID() string {
	u, _ := uuid.NewRandom()
	return "msg_" + strings.ReplaceAll(u.String(), "-", "")
}

// NewToolCallID returns a tool_use identifier for upstreams that omit one.
func NewToolCallID() string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var b strings.Builder
	for i := 0; i < 24; i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		b.WriteByte(letters[n.Int64()])
	}
	return "toolu_" + b.String()
}

// OpenAIStreamState carries the incremental context needed to reshape an
// OpenAI Chat Completions SSE stream into an Anthropic Messages event stream.
// One state serves one upstream response; the zero value is not usable, call
// NewOpenAIStreamState.
type OpenAIStreamState struct {
	MessageID string
	Model     string

	// Thinking, when set, splits assistant text into reasoning and visible
	// segments before block assignment. Left nil the text passes through.
	Thinking *thinking.Parser

	started   bool
	done      bool
	curType   string
	curIndex  int
	nextIndex int
	// openTool is the OpenAI tool_calls index bound to the open tool_use
	// block, so a new upstream index forces a block transition.
	openTool     int
	finishReason string

	promptTokens     int64
	completionTokens int64
	usageSeen        bool
}

// NewOpenAIStreamState returns a stream state for one upstream response.
func NewOpenAIStreamState(model string, thinkingParser *thinking.Parser) *OpenAIStreamState {
	return &OpenAIStreamState{
		MessageID: NewMessageID(),
		Model:     model,
		Thinking:  thinkingParser,
		curType:   "",
		openTool:  -1,
	}
}

// ConvertOpenAIChunkToAnthropic consumes one SSE line from an OpenAI-format
// upstream and returns zero or more fully rendered Anthropic SSE events.
// The first content-bearing chunk produces message_start and a ping; text,
// reasoning_content and tool_calls deltas open, continue and close content
// blocks as the upstream alternates between them; the [DONE] marker emits the
// closing message_delta and message_stop. Lines without a data prefix and
// chunks with no usable delta produce nothing.
func ConvertOpenAIChunkToAnthropic(line []byte, state *OpenAIStreamState) []string {
	if state.done || !bytes.HasPrefix(line, dataTag) {
		return nil
	}
	payload := bytes.TrimSpace(line[len(dataTag):])
	if bytes.Equal(payload, doneTag) {
		return state.finish()
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil
	}

	var out []string

	if usage := root.Get("usage"); usage.IsObject() {
		state.promptTokens = usage.Get("prompt_tokens").Int()
		state.completionTokens = usage.Get("completion_tokens").Int()
		state.usageSeen = true
	}

	choice := root.Get("choices.0")
	if !choice.Exists() {
		return out
	}
	if model := root.Get("model"); model.Exists() && state.Model == "" {
		state.Model = model.String()
	}

	delta := choice.Get("delta")

	if reasoning := delta.Get("reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
		state.ensureStarted(&out)
		state.ensureBlock("thinking", &out)
		event := `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":""}}`
		event, _ = sjson.Set(event, "index", state.curIndex)
		event, _ = sjson.Set(event, "delta.thinking", reasoning.String())
		out = append(out, FormatSSE("content_block_delta", event))
	}

	if text := delta.Get("content"); text.Exists() && text.String() != "" {
		state.ensureStarted(&out)
		if state.Thinking != nil {
			for _, seg := range state.Thinking.Feed(text.String()) {
				state.emitSegment(seg, &out)
			}
		} else {
			state.emitText(text.String(), &out)
		}
	}

	if toolCalls := delta.Get("tool_calls"); toolCalls.IsArray() {
		toolCalls.ForEach(func(_, call gjson.Result) bool {
			state.ensureStarted(&out)
			index := int(call.Get("index").Int())
			if state.curType != "tool_use" || state.openTool != index {
				state.closeBlock(&out)
				id := call.Get("id").String()
				if id == "" {
					id = NewToolCallID()
				}
				start := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
				start, _ = sjson.Set(start, "index", state.nextIndex)
				start, _ = sjson.Set(start, "content_block.id", id)
				start, _ = sjson.Set(start, "content_block.name", call.Get("function.name").String())
				out = append(out, FormatSSE("content_block_start", start))
				state.curType = "tool_use"
				state.curIndex = state.nextIndex
				state.nextIndex++
				state.openTool = index
			}
			if args := call.Get("function.arguments"); args.Exists() && args.String() != "" {
				event := `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
				event, _ = sjson.Set(event, "index", state.curIndex)
				event, _ = sjson.Set(event, "delta.partial_json", args.String())
				out = append(out, FormatSSE("content_block_delta", event))
			}
			return true
		})
	}

	if finish := choice.Get("finish_reason"); finish.Exists() && finish.String() != "" {
		state.finishReason = finish.String()
	}

	return out
}

// Done closes the stream when the upstream ended without a [DONE] marker.
func (s *OpenAIStreamState) Done() []string {
	return s.finish()
}

func (s *OpenAIStreamState) finish() []string {
	if s.done {
		return nil
	}
	var out []string
	s.ensureStarted(&out)
	if s.Thinking != nil {
		for _, seg := range s.Thinking.Flush() {
			s.emitSegment(seg, &out)
		}
	}
	s.closeBlock(&out)

	stopReason := mapOpenAIFinishReasonToAnthropic(s.finishReason)
	delta := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"output_tokens":0}}`
	delta, _ = sjson.Set(delta, "delta.stop_reason", stopReason)
	if s.usageSeen {
		delta, _ = sjson.Set(delta, "usage.output_tokens", s.completionTokens)
		delta, _ = sjson.Set(delta, "usage.input_tokens", s.promptTokens)
	}
	out = append(out, FormatSSE("message_delta", delta))
	out = append(out, FormatSSE("message_stop", `{"type":"message_stop"}`))
	s.done = true
	return out
}

// ensureStarted emits message_start and the initial ping exactly once.
func (s *OpenAIStreamState) ensureStarted(out *[]string) {
	if s.started {
		return
	}
	s.started = true
	start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	start, _ = sjson.Set(start, "message.id", s.MessageID)
	start, _ = sjson.Set(start, "message.model", s.Model)
	*out = append(*out, FormatSSE("message_start", start))
	*out = append(*out, pingSSE)
}

// ensureBlock opens a content block of the wanted type, closing the current
// one when the type differs.
func (s *OpenAIStreamState) ensureBlock(blockType string, out *[]string) {
	if s.curType == blockType {
		return
	}
	s.closeBlock(out)
	var block string
	switch blockType {
	case "thinking":
		block = `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`
	default:
		block = `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
	}
	block, _ = sjson.Set(block, "index", s.nextIndex)
	*out = append(*out, FormatSSE("content_block_start", block))
	s.curType = blockType
	s.curIndex = s.nextIndex
	s.nextIndex++
}

// closeBlock emits content_block_stop for the open block, if any.
func (s *OpenAIStreamState) closeBlock(out *[]string) {
	if s.curType == "" {
		return
	}
	stop, _ := sjson.Set(blockEnd, "index", s.curIndex)
	*out = append(*out, FormatSSE("content_block_stop", stop))
	s.curType = ""
	s.openTool = -1
}

func (s *OpenAIStreamState) emitText(text string, out *[]string) {
	s.ensureBlock("text", out)
	event := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
	event, _ = sjson.Set(event, "index", s.curIndex)
	event, _ = sjson.Set(event, "delta.text", text)
	*out = append(*out, FormatSSE("content_block_delta", event))
}

func (s *OpenAIStreamState) emitSegment(seg thinking.Segment, out *[]string) {
	if seg.Content == "" {
		return
	}
	if seg.Type == thinking.SegmentThinking {
		s.ensureBlock("thinking", out)
		event := `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":""}}`
		event, _ = sjson.Set(event, "index", s.curIndex)
		event, _ = sjson.Set(event, "delta.thinking", seg.Content)
		*out = append(*out, FormatSSE("content_block_delta", event))
		return
	}
	s.emitText(seg.Content, out)
}

// mapOpenAIFinishReasonToAnthropic maps OpenAI finish reasons to Anthropic
// stop reasons.
func mapOpenAIFinishReasonToAnthropic(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ConvertOpenAIResponseToAnthropic converts a complete non-streaming OpenAI
// chat.completion body into an Anthropic Messages body. Reasoning content is
// surfaced as a leading thinking block; when thinkingEnabled is set, inline
// <thinking> tags in the assistant text are split out the same way the
// streaming path does it.
func ConvertOpenAIResponseToAnthropic(rawJSON []byte, thinkingEnabled bool) []byte {
	root := gjson.ParseBytes(rawJSON)
	choice := root.Get("choices.0")
	message := choice.Get("message")

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	id := root.Get("id").String()
	if id == "" {
		id = NewMessageID()
	}
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	var thinkingText, visibleText string
	if reasoning := message.Get("reasoning_content"); reasoning.String() != "" {
		thinkingText = reasoning.String()
	} else if reasoning := message.Get("reasoning"); reasoning.String() != "" {
		thinkingText = reasoning.String()
	}
	text := message.Get("content").String()
	if thinkingEnabled && text != "" {
		parser := thinking.NewParser()
		segments := parser.Feed(text)
		segments = append(segments, parser.Flush()...)
		for _, seg := range segments {
			if seg.Type == thinking.SegmentThinking {
				thinkingText += seg.Content
			} else {
				visibleText += seg.Content
			}
		}
	} else {
		visibleText = text
	}

	if thinkingText != "" {
		block := `{"type":"thinking","thinking":"","signature":""}`
		block, _ = sjson.Set(block, "thinking", thinkingText)
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}
	if visibleText != "" {
		block := `{"type":"text","text":""}`
		block, _ = sjson.Set(block, "text", visibleText)
		out, _ = sjson.SetRaw(out, "content.-1", block)
	}

	hasToolCalls := false
	if toolCalls := message.Get("tool_calls"); toolCalls.IsArray() {
		toolCalls.ForEach(func(_, call gjson.Result) bool {
			hasToolCalls = true
			id := call.Get("id").String()
			if id == "" {
				id = NewToolCallID()
			}
			block := `{"type":"tool_use","id":"","name":"","input":{}}`
			block, _ = sjson.Set(block, "id", id)
			block, _ = sjson.Set(block, "name", call.Get("function.name").String())
			args := call.Get("function.arguments").String()
			if gjson.Valid(args) && gjson.Parse(args).IsObject() {
				block, _ = sjson.SetRaw(block, "input", args)
			}
			out, _ = sjson.SetRaw(out, "content.-1", block)
			return true
		})
	}

	stopReason := mapOpenAIFinishReasonToAnthropic(choice.Get("finish_reason").String())
	if hasToolCalls {
		stopReason = "tool_use"
	}
	out, _ = sjson.Set(out, "stop_reason", stopReason)

	if usage := root.Get("usage"); usage.IsObject() {
		out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("prompt_tokens").Int())
		out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("completion_tokens").Int())
	}
	return []byte(out)
}

// AnthropicErrorType maps an upstream HTTP status to the Anthropic error type
// vocabulary.
func AnthropicErrorType(status int) string {
	switch status {
	case 400, 422:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 404:
		return "not_found_error"
	case 413:
		return "request_too_large"
	case 429:
		return "rate_limit_error"
	case 503:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// BuildAnthropicError renders an Anthropic-format error body.
func BuildAnthropicError(status int, message string) []byte {
	out := `{"type":"error","error":{"type":"","message":""}}`
	out, _ = sjson.Set(out, "error.type", AnthropicErrorType(status))
	out, _ = sjson.Set(out, "error.message", message)
	return []byte(out)
}

// ExtractUpstreamErrorMessage digs a human-readable message out of an
// upstream error body, which may nest it under error.message, error.reason,
// message or reason. A reason distinct from the message is appended so the
// operator sees both. Unparseable bodies return their raw text.
func ExtractUpstreamErrorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	root := gjson.ParseBytes(trimmed)
	if !root.IsObject() {
		return string(trimmed)
	}
	message := root.Get("error.message").String()
	if message == "" {
		message = root.Get("message").String()
	}
	reason := root.Get("error.reason").String()
	if reason == "" {
		reason = root.Get("reason").String()
	}
	switch {
	case message == "" && reason == "":
		return string(trimmed)
	case message == "":
		return reason
	case reason != "" && reason != message:
		return message + " (reason: " + reason + ")"
	default:
		return message
	}
}
