package upstream

import (
	"math"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// contextWindow is the window size the upstream's context-usage percentage
// is measured against.
const contextWindow = 200000

// contextWindowTokens converts a context-usage percentage into an absolute
// token count.
func contextWindowTokens(pct float64) int64 {
	return int64(math.Round(pct * contextWindow / 100))
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// sharedCodec loads the cl100k_base encoding once. The exact Claude
// vocabulary is not public; cl100k_base tracks it closely enough for
// accounting estimates.
func sharedCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warnf("tokenizer unavailable, falling back to byte estimate: %v", err)
			return
		}
		codec = c
	})
	return codec
}

// countTextTokens approximates the token count of text, with a
// four-bytes-per-token fallback when the tokenizer cannot load.
func countTextTokens(text string) int64 {
	if text == "" {
		return 0
	}
	if enc := sharedCodec(); enc != nil {
		if n, err := enc.Count(text); err == nil {
			return int64(n)
		}
	}
	n := int64(len(text) / 4)
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateInputTokens approximates the prompt size of an Anthropic request:
// the system prompt, every message's text and tool traffic, and the tool
// declarations. It backs message_start when the upstream has not reported
// usage yet, and count_tokens when it never does.
func EstimateInputTokens(anthropicReq []byte) int64 {
	root := gjson.ParseBytes(anthropicReq)
	segments := make([]string, 0, 16)

	collectSystemSegments(root.Get("system"), &segments)
	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			collectMessageSegments(message, &segments)
			return true
		})
	}
	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			collectToolSegments(tool, &segments)
			return true
		})
	}

	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0
	}
	return countTextTokens(joined)
}

func collectSystemSegments(system gjson.Result, segments *[]string) {
	switch {
	case system.Type == gjson.String:
		appendSegment(segments, system.String())
	case system.IsArray():
		system.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				appendSegment(segments, block.Get("text").String())
			}
			return true
		})
	}
}

func collectMessageSegments(message gjson.Result, segments *[]string) {
	content := message.Get("content")
	if content.Type == gjson.String {
		appendSegment(segments, content.String())
		return
	}
	if !content.IsArray() {
		return
	}
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			appendSegment(segments, block.Get("text").String())
		case "thinking":
			appendSegment(segments, block.Get("thinking").String())
		case "tool_use":
			appendSegment(segments, block.Get("name").String())
			if input := block.Get("input"); input.IsObject() {
				appendSegment(segments, input.Raw)
			}
		case "tool_result":
			collectToolResultSegments(block.Get("content"), segments)
		}
		return true
	})
}

func collectToolResultSegments(content gjson.Result, segments *[]string) {
	switch {
	case content.Type == gjson.String:
		appendSegment(segments, content.String())
	case content.IsArray():
		content.ForEach(func(_, item gjson.Result) bool {
			switch {
			case item.Type == gjson.String:
				appendSegment(segments, item.String())
			case item.Get("type").String() == "text":
				appendSegment(segments, item.Get("text").String())
			}
			return true
		})
	}
}

func collectToolSegments(tool gjson.Result, segments *[]string) {
	appendSegment(segments, tool.Get("name").String())
	appendSegment(segments, tool.Get("description").String())
	if schema := tool.Get("input_schema"); schema.IsObject() {
		appendSegment(segments, schema.Raw)
	}
}

func appendSegment(segments *[]string, s string) {
	if s != "" {
		*segments = append(*segments, s)
	}
}
