package upstream

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/KiroGateAPI/internal/translator"
)

// EventKind classifies a normalized upstream event.
type EventKind int

const (
	// KindText is a fragment of assistant text, thinking tags included.
	KindText EventKind = iota
	// KindThinking is reasoning content from the dedicated upstream channel.
	KindThinking
	// KindToolUse is one complete tool invocation.
	KindToolUse
	// KindUsage carries token accounting, in whichever fields were reported.
	KindUsage
	// KindDone marks the end of the stream.
	KindDone
	// KindError is a failure the upstream reported inside a 200 stream.
	KindError
)

// StreamEvent is the normalized form every upstream frame decodes into.
// Only the fields named by Kind are meaningful.
type StreamEvent struct {
	Kind EventKind

	Text         string
	Tool         *ToolCall
	InputTokens  int64
	OutputTokens int64
	ContextPct   float64
	StopReason   string
	Err          error
}

// ToolCall is one tool invocation with its arguments as raw JSON text.
type ToolCall struct {
	ID    string
	Name  string
	Input string
}

// pendingTool accumulates a toolUseEvent invocation across frames: the first
// frame names it, input arrives as string fragments, stop closes it.
type pendingTool struct {
	id    string
	name  string
	input strings.Builder
}

// eventDecoder turns frames into StreamEvents. It is stateful: tool
// invocations span frames and duplicates are suppressed by id.
type eventDecoder struct {
	seen       map[string]bool
	pending    *pendingTool
	stopReason string
}

func newEventDecoder() *eventDecoder {
	return &eventDecoder{seen: make(map[string]bool)}
}

// decode normalizes one frame. A payload that does not parse as a JSON
// object is logged and skipped; framing already guaranteed its boundaries.
func (d *eventDecoder) decode(fr *frame) []StreamEvent {
	if fr == nil || len(fr.Payload) == 0 {
		return nil
	}
	if !gjson.ValidBytes(fr.Payload) {
		log.Debugf("kiro stream: skipping unparseable %q payload (%d bytes)", fr.EventType, len(fr.Payload))
		return nil
	}
	root := gjson.ParseBytes(fr.Payload)
	if !root.IsObject() {
		log.Debugf("kiro stream: skipping non-object %q payload", fr.EventType)
		return nil
	}

	if ev, failed := d.detectError(fr.EventType, root); failed {
		return []StreamEvent{ev}
	}

	// stop reasons ride along on several event shapes
	d.noteStopReason(root)

	switch fr.EventType {
	case "followupPromptEvent":
		log.Debug("kiro stream: ignoring followup prompt event")
		return nil
	case "invalidStateEvent":
		log.Warnf("kiro stream: invalid state event: %s", root.Get("reason").String())
		return nil
	case "meteringEvent":
		d.logMetering(root)
		return nil
	case "messageStopEvent", "message_stop":
		d.noteStopReason(root.Get("messageStopEvent"))
		return nil
	case "assistantResponseEvent":
		return d.decodeAssistantResponse(root)
	case "reasoningContentEvent":
		return d.decodeReasoning(root)
	case "toolUseEvent":
		return d.decodeToolUse(root)
	case "messageMetadataEvent", "metadataEvent":
		return d.decodeMetadata(fr.EventType, root)
	case "contextUsageEvent":
		return d.decodeContextUsage(root)
	case "usageEvent", "usage", "metricsEvent", "supplementaryWebLinksEvent":
		return d.decodeUsage(fr.EventType, root)
	default:
		return d.decodeUnknown(fr.EventType, root)
	}
}

// finish flushes the open tool invocation, if any, and closes the stream
// with the stop reason collected along the way. The upstream normally closes
// invocations with stop=true; a stream that ends without it still yields the
// buffered call.
func (d *eventDecoder) finish() []StreamEvent {
	var out []StreamEvent
	if ev, ok := d.completePending(); ok {
		out = append(out, ev)
	}
	return append(out, StreamEvent{Kind: KindDone, StopReason: d.stopReason})
}

// detectError recognizes the three failure shapes the upstream mixes into a
// 200 stream: AWS modeled exceptions with _type, generic error payloads, and
// error-typed frames.
func (d *eventDecoder) detectError(eventType string, root gjson.Result) (StreamEvent, bool) {
	if awsType := root.Get("_type").String(); awsType != "" {
		msg := root.Get("message").String()
		if msg == "" {
			msg = awsType
		}
		return StreamEvent{Kind: KindError, Err: fmt.Errorf("kiro api error: %s: %s", shortAWSType(awsType), msg)}, true
	}

	if t := root.Get("type").String(); t == "error" || t == "exception" {
		msg := root.Get("message").String()
		if msg == "" {
			msg = root.Get("error.message").String()
		}
		if msg == "" {
			msg = "unknown upstream error"
		}
		return StreamEvent{Kind: KindError, Err: fmt.Errorf("kiro api error: %s", msg)}, true
	}

	switch eventType {
	case "error", "exception", "internalServerException":
		msg := translator.ExtractUpstreamErrorMessage([]byte(root.Raw))
		if msg == "" {
			msg = eventType
		}
		return StreamEvent{Kind: KindError, Err: fmt.Errorf("kiro api error: %s", msg)}, true
	}
	return StreamEvent{}, false
}

// shortAWSType trims the namespace off an AWS exception type, keeping just
// ValidationException and friends.
func shortAWSType(t string) string {
	if idx := strings.LastIndexByte(t, '#'); idx >= 0 && idx+1 < len(t) {
		return t[idx+1:]
	}
	return t
}

func (d *eventDecoder) noteStopReason(scope gjson.Result) {
	if !scope.IsObject() {
		return
	}
	if sr := scope.Get("stop_reason").String(); sr != "" {
		d.stopReason = sr
	}
	if sr := scope.Get("stopReason").String(); sr != "" {
		d.stopReason = sr
	}
}

func (d *eventDecoder) decodeAssistantResponse(root gjson.Result) []StreamEvent {
	nested := root.Get("assistantResponseEvent")
	d.noteStopReason(nested)

	var out []StreamEvent
	content := nested.Get("content").String()
	if content == "" {
		content = root.Get("content").String()
	}
	if content != "" {
		out = append(out, StreamEvent{Kind: KindText, Text: content})
	}

	appendUses := func(uses gjson.Result) {
		if !uses.IsArray() {
			return
		}
		uses.ForEach(func(_, use gjson.Result) bool {
			id := use.Get("toolUseId").String()
			if id != "" && d.seen[id] {
				log.Debugf("kiro stream: skipping duplicate tool use %s", id)
				return true
			}
			if id == "" {
				id = translator.NewToolCallID()
			} else {
				d.seen[id] = true
			}
			input := "{}"
			if in := use.Get("input"); in.IsObject() {
				input = in.Raw
			}
			out = append(out, StreamEvent{Kind: KindToolUse, Tool: &ToolCall{ID: id, Name: use.Get("name").String(), Input: input}})
			return true
		})
	}
	appendUses(nested.Get("toolUses"))
	appendUses(root.Get("toolUses"))
	return out
}

func (d *eventDecoder) decodeReasoning(root gjson.Result) []StreamEvent {
	text := root.Get("reasoningContentEvent.text").String()
	if text == "" {
		text = root.Get("text").String()
	}
	if text == "" {
		return nil
	}
	return []StreamEvent{{Kind: KindThinking, Text: text}}
}

// decodeToolUse handles the fragmented tool protocol. A new toolUseId before
// the previous stop implicitly completes the previous invocation.
func (d *eventDecoder) decodeToolUse(root gjson.Result) []StreamEvent {
	obj := root.Get("toolUseEvent")
	if !obj.IsObject() {
		obj = root
	}
	id := obj.Get("toolUseId").String()

	var out []StreamEvent
	if d.pending != nil && id != "" && d.pending.id != id {
		if ev, ok := d.completePending(); ok {
			out = append(out, ev)
		}
	}
	if d.pending == nil {
		if id == "" {
			// fragment with no open invocation, nothing to attach it to
			return out
		}
		if d.seen[id] {
			return out
		}
		d.pending = &pendingTool{id: id}
	}
	if name := obj.Get("name").String(); name != "" {
		d.pending.name = name
	}
	if input := obj.Get("input"); input.Exists() {
		d.pending.input.WriteString(input.String())
	}
	if obj.Get("stop").Bool() {
		if ev, ok := d.completePending(); ok {
			out = append(out, ev)
		}
	}
	return out
}

// completePending closes the buffered invocation. Arguments that never became
// valid JSON degrade to an empty object rather than poisoning the response.
func (d *eventDecoder) completePending() (StreamEvent, bool) {
	p := d.pending
	d.pending = nil
	if p == nil || p.name == "" {
		return StreamEvent{}, false
	}
	if d.seen[p.id] {
		return StreamEvent{}, false
	}
	d.seen[p.id] = true

	input := strings.TrimSpace(p.input.String())
	if input == "" {
		input = "{}"
	} else if !gjson.Valid(input) {
		log.Warnf("kiro stream: tool %s arguments are not valid JSON, degrading to empty object", p.name)
		input = "{}"
	}
	id := p.id
	if id == "" {
		id = translator.NewToolCallID()
	}
	return StreamEvent{Kind: KindToolUse, Tool: &ToolCall{ID: id, Name: p.name, Input: input}}, true
}

func (d *eventDecoder) decodeMetadata(eventType string, root gjson.Result) []StreamEvent {
	meta := root.Get(eventType)
	if !meta.IsObject() {
		meta = root
	}
	ev := StreamEvent{Kind: KindUsage}
	if usage := meta.Get("tokenUsage"); usage.IsObject() {
		ev.InputTokens = usage.Get("uncachedInputTokens").Int() + usage.Get("cacheReadInputTokens").Int()
		ev.OutputTokens = usage.Get("outputTokens").Int()
	}
	if pct := meta.Get("contextUsagePercentage"); pct.Exists() {
		ev.ContextPct = pct.Float()
	}
	if ev.InputTokens == 0 && ev.OutputTokens == 0 && ev.ContextPct == 0 {
		return nil
	}
	return []StreamEvent{ev}
}

func (d *eventDecoder) decodeContextUsage(root gjson.Result) []StreamEvent {
	pct := root.Get("contextUsageEvent.contextUsagePercentage")
	if !pct.Exists() {
		pct = root.Get("contextUsagePercentage")
	}
	if !pct.Exists() {
		pct = root.Get("context_usage_percentage")
	}
	if !pct.Exists() || pct.Float() <= 0 {
		return nil
	}
	return []StreamEvent{{Kind: KindUsage, ContextPct: pct.Float()}}
}

func (d *eventDecoder) decodeUsage(eventType string, root gjson.Result) []StreamEvent {
	scope := root.Get(eventType)
	if !scope.IsObject() {
		scope = root
	}
	ev := StreamEvent{Kind: KindUsage}
	ev.InputTokens = scope.Get("inputTokens").Int()
	ev.OutputTokens = scope.Get("outputTokens").Int()
	if usage := scope.Get("usage"); usage.IsObject() {
		if ev.InputTokens == 0 {
			ev.InputTokens = usage.Get("input_tokens").Int()
		}
		if ev.OutputTokens == 0 {
			ev.OutputTokens = usage.Get("output_tokens").Int()
		}
	}
	if pct := scope.Get("contextUsagePercentage"); pct.Exists() {
		ev.ContextPct = pct.Float()
	}
	if ev.InputTokens == 0 && ev.OutputTokens == 0 && ev.ContextPct == 0 {
		return nil
	}
	return []StreamEvent{ev}
}

// decodeUnknown probes unrecognized event types for the accounting fields
// some upstream builds report without a proper event-type header.
func (d *eventDecoder) decodeUnknown(eventType string, root gjson.Result) []StreamEvent {
	ev := StreamEvent{Kind: KindUsage}
	if pct := root.Get("contextUsagePercentage"); pct.Exists() {
		ev.ContextPct = pct.Float()
	}
	ev.InputTokens = root.Get("inputTokens").Int()
	ev.OutputTokens = root.Get("outputTokens").Int()
	if ev.InputTokens == 0 && ev.OutputTokens == 0 && ev.ContextPct == 0 {
		log.Debugf("kiro stream: ignoring unhandled event %q", eventType)
		return nil
	}
	return []StreamEvent{ev}
}

func (d *eventDecoder) logMetering(root gjson.Result) {
	usage := root.Get("meteringEvent.usage")
	if !usage.Exists() {
		usage = root.Get("usage")
	}
	if usage.Type == gjson.Number {
		log.Debugf("kiro stream: metering %.4f credits", usage.Float())
	}
}

// Bracket notation is the plain-text fallback some model builds emit when the
// native tool channel fails: [Called name with args: {...}].
const (
	bracketCallPrefix = "[Called "
	bracketArgsMarker = " with args: "
)

// parseBracketToolCalls recovers tool invocations from bracket notation in
// the accumulated assistant text. The argument object is brace-matched so
// nested braces and quoted strings survive.
func parseBracketToolCalls(text string) []ToolCall {
	var calls []ToolCall
	for i := 0; i < len(text); {
		idx := strings.Index(text[i:], bracketCallPrefix)
		if idx < 0 {
			break
		}
		start := i + idx
		rest := text[start+len(bracketCallPrefix):]

		argsAt := strings.Index(rest, bracketArgsMarker)
		if argsAt < 0 {
			i = start + len(bracketCallPrefix)
			continue
		}
		name := strings.TrimSpace(rest[:argsAt])
		if name == "" || strings.ContainsAny(name, "[]{}\n") {
			i = start + len(bracketCallPrefix)
			continue
		}

		jsonPart := rest[argsAt+len(bracketArgsMarker):]
		obj, n := matchJSONObject(jsonPart)
		if n == 0 || n >= len(jsonPart) || jsonPart[n] != ']' {
			i = start + len(bracketCallPrefix)
			continue
		}

		calls = append(calls, ToolCall{ID: translator.NewToolCallID(), Name: name, Input: obj})
		i = start + len(bracketCallPrefix) + argsAt + len(bracketArgsMarker) + n + 1
	}
	return calls
}

// matchJSONObject returns the balanced JSON object at the head of s and the
// number of bytes it spans, or ("", 0) when there is none.
func matchJSONObject(s string) (string, int) {
	if s == "" || s[0] != '{' {
		return "", 0
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[:i+1]
				if !gjson.Valid(candidate) {
					return "", 0
				}
				return candidate, i + 1
			}
		}
	}
	return "", 0
}

// dedupeKey canonicalizes a call for duplicate detection. Upstream dedupe is
// by toolUseId, but bracket-rescued calls carry fresh ids, so equality falls
// back to name plus argument JSON with sorted keys.
func dedupeKey(name, input string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(input), &obj); err == nil {
		if canon, err2 := json.Marshal(obj); err2 == nil {
			return name + "\x00" + string(canon)
		}
	}
	return name + "\x00" + input
}
