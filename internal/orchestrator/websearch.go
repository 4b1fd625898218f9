package orchestrator

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/KiroGateAPI/internal/translator"
	"github.com/router-for-me/KiroGateAPI/internal/upstream"
	"github.com/router-for-me/KiroGateAPI/internal/util"
)

// searchQueryPrefix is what Claude Code prepends to the user turn when it
// invokes its web_search server tool; the query follows it verbatim.
const searchQueryPrefix = "Perform a web search for the query: "

// searchTextChunkSize is the delta size used when streaming the summary text.
const searchTextChunkSize = 100

// mcpTimeout bounds the single search call against the Kiro MCP endpoint.
const mcpTimeout = 30 * time.Second

// WantsWebSearch reports whether a request short-circuits to the search
// path: the tool list holds exactly one tool and it is named web_search.
func WantsWebSearch(body []byte) bool {
	tools := gjson.GetBytes(body, "tools")
	if !tools.IsArray() {
		return false
	}
	arr := tools.Array()
	if len(arr) != 1 {
		return false
	}
	if name := arr[0].Get("name"); name.Exists() {
		return name.String() == "web_search"
	}
	return arr[0].Get("function.name").String() == "web_search"
}

// extractSearchQuery pulls the query out of the last user turn, stripping
// the Claude Code invocation prefix when present.
func extractSearchQuery(body []byte) string {
	messages := gjson.GetBytes(body, "messages").Array()
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Get("role").String() != "user" {
			continue
		}

		var text string
		content := msg.Get("content")
		if content.Type == gjson.String {
			text = content.String()
		} else if content.IsArray() {
			for _, block := range content.Array() {
				if block.Get("type").String() == "text" {
					text = block.Get("text").String()
					break
				}
			}
		}
		if text == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(text, searchQueryPrefix))
	}
	return ""
}

// searchSource is the slice of the auth manager the searcher needs.
type searchSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	QHost() string
}

// searchResult is one entry from the MCP tool response.
type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearcher serves web_search tool requests against the Kiro MCP endpoint
// and synthesizes the Anthropic server_tool_use event sequence.
type WebSearcher struct {
	client *http.Client
}

// NewWebSearcher builds a searcher routing through the configured proxy.
func NewWebSearcher(proxyURL string) *WebSearcher {
	return &WebSearcher{
		client: util.SetProxy(proxyURL, &http.Client{Timeout: mcpTimeout}),
	}
}

// Serve performs the search and writes the full SSE sequence to sink. It
// writes nothing before the MCP call succeeds, so a returned error always
// leaves the sink clean for the HTTP layer to report.
func (w *WebSearcher) Serve(ctx context.Context, src searchSource, body []byte, sink upstream.EventSink) error {
	query := extractSearchQuery(body)
	if query == "" {
		return &upstream.UpstreamError{StatusCode: http.StatusBadRequest, Message: "Failed to extract search query"}
	}
	log.Infof("websearch: query %q", query)

	toolUseID := "srvtoolu_" + randomID(lowerHex, 32)
	results, err := w.callMCP(ctx, src, query)
	if err != nil {
		return &upstream.UpstreamError{
			StatusCode: http.StatusBadGateway,
			Message:    fmt.Sprintf("Failed to perform web search: %v", err),
		}
	}
	log.Infof("websearch: %d results for %q", len(results), query)

	model := gjson.GetBytes(body, "model").String()
	inputTokens := upstream.EstimateInputTokens(body)
	return writeSearchEvents(sink, model, query, toolUseID, results, inputTokens)
}

// callMCP issues the JSON-RPC tools/call and decodes the embedded result
// payload. The MCP response nests the real result as a JSON string inside
// result.content[0].text.
func (w *WebSearcher) callMCP(ctx context.Context, src searchSource, query string) ([]searchResult, error) {
	token, err := src.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := `{"id":"","jsonrpc":"2.0","method":"tools/call","params":{"name":"web_search","arguments":{"query":""}}}`
	payload, _ = sjson.Set(payload, "id", mcpRequestID())
	payload, _ = sjson.Set(payload, "params.arguments.query", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, src.QHost()+"/mcp", bytes.NewReader([]byte(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MCP API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	inner := gjson.GetBytes(raw, "result.content.0")
	if inner.Get("type").String() != "text" {
		return nil, nil
	}
	data := gjson.Parse(inner.Get("text").String())

	var results []searchResult
	data.Get("results").ForEach(func(_, item gjson.Result) bool {
		results = append(results, searchResult{
			Title:   item.Get("title").String(),
			URL:     item.Get("url").String(),
			Snippet: item.Get("snippet").String(),
		})
		return true
	})
	return results, nil
}

// mcpRequestID mimics the IDE's request id shape:
// web_search_tooluse_{22 mixed alnum}_{ms timestamp}_{8 lower alnum}.
func mcpRequestID() string {
	return fmt.Sprintf("web_search_tooluse_%s_%d_%s",
		randomID(mixedAlnum, 22), time.Now().UnixMilli(), randomID(lowerAlnum, 8))
}

const (
	mixedAlnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"
	lowerHex   = "0123456789abcdef"
)

func randomID(charset string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		r, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		b.WriteByte(charset[r.Int64()])
	}
	return b.String()
}

// searchSummary renders the numbered result list that becomes the assistant
// text block.
func searchSummary(query string, results []searchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here are the search results for \"%s\":\n\n", query)

	if len(results) == 0 {
		b.WriteString("No results found.\n")
	} else {
		for i, r := range results {
			fmt.Fprintf(&b, "%d. **%s**\n", i+1, r.Title)
			if r.Snippet != "" {
				snippet := []rune(r.Snippet)
				if len(snippet) > 200 {
					fmt.Fprintf(&b, "   %s...\n", string(snippet[:200]))
				} else {
					fmt.Fprintf(&b, "   %s\n", r.Snippet)
				}
			}
			fmt.Fprintf(&b, "   Source: %s\n\n", r.URL)
		}
	}

	b.WriteString("\nPlease note that these are web search results and may not be fully accurate or up-to-date.")
	return b.String()
}

// writeSearchEvents emits the fixed three-block sequence: server_tool_use
// with the query, the web_search_tool_result payload, then the text summary
// chunked like a live stream.
func writeSearchEvents(sink upstream.EventSink, model, query, toolUseID string, results []searchResult, inputTokens int64) error {
	start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}`
	start, _ = sjson.Set(start, "message.id", translator.NewMessageID())
	start, _ = sjson.Set(start, "message.model", model)
	start, _ = sjson.Set(start, "message.usage.input_tokens", inputTokens)
	if err := sink(translator.FormatSSE("message_start", start)); err != nil {
		return err
	}

	block := `{"type":"content_block_start","index":0,"content_block":{"id":"","type":"server_tool_use","name":"web_search","input":{}}}`
	block, _ = sjson.Set(block, "content_block.id", toolUseID)
	if err := sink(translator.FormatSSE("content_block_start", block)); err != nil {
		return err
	}

	queryJSON, _ := sjson.Set(`{"query":""}`, "query", query)
	delta := `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
	delta, _ = sjson.Set(delta, "delta.partial_json", queryJSON)
	if err := sink(translator.FormatSSE("content_block_delta", delta)); err != nil {
		return err
	}
	if err := sink(translator.FormatSSE("content_block_stop", `{"type":"content_block_stop","index":0}`)); err != nil {
		return err
	}

	resultBlock := `{"type":"content_block_start","index":1,"content_block":{"type":"web_search_tool_result","tool_use_id":"","content":[]}}`
	resultBlock, _ = sjson.Set(resultBlock, "content_block.tool_use_id", toolUseID)
	for _, r := range results {
		entry := `{"type":"web_search_result","title":"","url":"","encrypted_content":"","page_age":null}`
		entry, _ = sjson.Set(entry, "title", r.Title)
		entry, _ = sjson.Set(entry, "url", r.URL)
		entry, _ = sjson.Set(entry, "encrypted_content", r.Snippet)
		resultBlock, _ = sjson.SetRaw(resultBlock, "content_block.content.-1", entry)
	}
	if err := sink(translator.FormatSSE("content_block_start", resultBlock)); err != nil {
		return err
	}
	if err := sink(translator.FormatSSE("content_block_stop", `{"type":"content_block_stop","index":1}`)); err != nil {
		return err
	}

	if err := sink(translator.FormatSSE("content_block_start",
		`{"type":"content_block_start","index":2,"content_block":{"type":"text","text":""}}`)); err != nil {
		return err
	}
	summary := searchSummary(query, results)
	runes := []rune(summary)
	for i := 0; i < len(runes); i += searchTextChunkSize {
		end := i + searchTextChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk := `{"type":"content_block_delta","index":2,"delta":{"type":"text_delta","text":""}}`
		chunk, _ = sjson.Set(chunk, "delta.text", string(runes[i:end]))
		if err := sink(translator.FormatSSE("content_block_delta", chunk)); err != nil {
			return err
		}
	}
	if err := sink(translator.FormatSSE("content_block_stop", `{"type":"content_block_stop","index":2}`)); err != nil {
		return err
	}

	outputTokens := (len(runes) + 3) / 4
	final := `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":0}}`
	final, _ = sjson.Set(final, "usage.output_tokens", outputTokens)
	if err := sink(translator.FormatSSE("message_delta", final)); err != nil {
		return err
	}
	return sink(translator.FormatSSE("message_stop", `{"type":"message_stop"}`))
}
