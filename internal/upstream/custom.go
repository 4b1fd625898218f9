package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/KiroGateAPI/internal/thinking"
	"github.com/router-for-me/KiroGateAPI/internal/translator"
	"github.com/router-for-me/KiroGateAPI/internal/util"
)

const (
	anthropicVersion = "2023-06-01"

	// maxRetryAfter caps how long a 429 Retry-After is honored before the
	// request fails instead of parking a client connection.
	maxRetryAfter = 5 * time.Second
)

// CustomTarget is the dispatch view of a stored custom account, with the API
// key already decrypted.
type CustomTarget struct {
	APIBase  string
	APIKey   string
	Format   string // "openai" or "claude"
	Provider string // "azure" switches on request scrubbing and headers
	Model    string // overrides the request model for openai-format targets
}

// Callbacks report the dispatch outcome to the credential's counters. Each
// dispatch settles exactly one of them, exactly once.
type Callbacks struct {
	OnSuccess func()
	OnFail    func()
}

func (cb Callbacks) settle(success bool) {
	if success {
		if cb.OnSuccess != nil {
			cb.OnSuccess()
		}
		return
	}
	if cb.OnFail != nil {
		cb.OnFail()
	}
}

// CustomClient dispatches requests to user-registered third-party endpoints
// in whichever dialect the account is configured for.
type CustomClient struct {
	client *http.Client
}

// NewCustomClient builds the shared dispatcher client. As with the Kiro
// client, deadlines come from the request context.
func NewCustomClient(proxyURL string) *CustomClient {
	return &CustomClient{client: util.SetProxy(proxyURL, &http.Client{})}
}

// Stream dispatches a streaming request and forwards Anthropic SSE to sink.
// openai-format targets stream through the chunk translator; claude-format
// targets pass through with events re-chunked on SSE boundaries. Nothing is
// written to sink until the upstream has answered 200, so an error return
// means the sink is clean.
func (c *CustomClient) Stream(ctx context.Context, target *CustomTarget, req *Request, sink EventSink, cb Callbacks) (err error) {
	success := false
	defer func() { cb.settle(success) }()

	if target.Format == "claude" {
		err = c.streamClaude(ctx, target, req, sink)
	} else {
		err = c.streamOpenAI(ctx, target, req, sink)
	}
	success = err == nil
	return err
}

// Collect dispatches a non-streaming request and returns the Anthropic
// response body.
func (c *CustomClient) Collect(ctx context.Context, target *CustomTarget, req *Request, cb Callbacks) (body []byte, err error) {
	success := false
	defer func() { cb.settle(success) }()

	if target.Format == "claude" {
		body, err = c.collectClaude(ctx, target, req)
	} else {
		body, err = c.collectOpenAI(ctx, target, req)
	}
	success = err == nil
	return body, err
}

func (c *CustomClient) streamOpenAI(ctx context.Context, target *CustomTarget, req *Request, sink EventSink) error {
	payload, err := c.openaiPayload(target, req, true)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, openaiEndpoint(target.APIBase), openaiHeaders(target), payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Close() }()

	var parser *thinking.Parser
	if req.Thinking {
		parser = thinking.NewParser()
	}
	state := translator.NewOpenAIStreamState(req.Model, parser)

	r := bufio.NewReader(resp)
	for {
		line, readErr := r.ReadBytes('\n')
		for _, event := range translator.ConvertOpenAIChunkToAnthropic(bytes.TrimRight(line, "\r\n"), state) {
			if err := sink(event); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Warnf("custom api: stream read ended early: %v", readErr)
			}
			break
		}
	}
	// Upstreams that hang up without [DONE] still get a closed message.
	for _, event := range state.Done() {
		if err := sink(event); err != nil {
			return err
		}
	}
	return nil
}

func (c *CustomClient) collectOpenAI(ctx context.Context, target *CustomTarget, req *Request) ([]byte, error) {
	payload, err := c.openaiPayload(target, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, openaiEndpoint(target.APIBase), openaiHeaders(target), payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Close() }()

	raw, err := io.ReadAll(resp)
	if err != nil {
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Message: fmt.Sprintf("custom api response: %v", err)}
	}
	body := translator.ConvertOpenAIResponseToAnthropic(raw, req.Thinking)
	// The client asked for its model name, not the account's override.
	out, _ := sjson.SetBytes(body, "model", req.Model)
	return out, nil
}

func (c *CustomClient) streamClaude(ctx context.Context, target *CustomTarget, req *Request, sink EventSink) error {
	payload, err := c.claudePayload(target, req, true)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, claudeEndpoint(target.APIBase), claudeHeaders(target), payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Close() }()

	// Passthrough, re-chunked so every write to the client is one complete
	// SSE event regardless of how the upstream packed its network writes.
	r := bufio.NewReader(resp)
	var event strings.Builder
	flush := func() error {
		if strings.TrimSpace(event.String()) == "" {
			event.Reset()
			return nil
		}
		out := event.String()
		event.Reset()
		return sink(strings.TrimRight(out, "\n") + "\n\n")
	}
	for {
		line, readErr := r.ReadString('\n')
		if line != "" {
			if strings.TrimRight(line, "\r\n") == "" {
				if err := flush(); err != nil {
					return err
				}
			} else {
				event.WriteString(strings.TrimRight(line, "\r\n") + "\n")
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Warnf("custom api: claude stream ended early: %v", readErr)
			}
			break
		}
	}
	return flush()
}

func (c *CustomClient) collectClaude(ctx context.Context, target *CustomTarget, req *Request) ([]byte, error) {
	payload, err := c.claudePayload(target, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, claudeEndpoint(target.APIBase), claudeHeaders(target), payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Close() }()

	raw, err := io.ReadAll(resp)
	if err != nil {
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Message: fmt.Sprintf("custom api response: %v", err)}
	}
	return raw, nil
}

// openaiPayload translates the Anthropic request for an openai-format
// target, applying the account's model override and the stream flag.
func (c *CustomClient) openaiPayload(target *CustomTarget, req *Request, stream bool) ([]byte, error) {
	body := translator.ConvertAnthropicRequestToOpenAI(req.Anthropic)
	out := string(body)
	if target.Model != "" {
		out, _ = sjson.Set(out, "model", target.Model)
	}
	out, _ = sjson.Set(out, "stream", stream)
	return []byte(out), nil
}

// claudePayload prepares the passthrough body, scrubbed for Azure-hosted
// endpoints when the account says so.
func (c *CustomClient) claudePayload(target *CustomTarget, req *Request, stream bool) ([]byte, error) {
	body := req.Anthropic
	if target.Provider == "azure" {
		body = translator.ScrubForAzure(body)
	}
	out, _ := sjson.SetBytes(body, "stream", stream)
	return out, nil
}

// do POSTs the payload, honoring one 429 retry, and returns the response
// body on 200. Any other outcome is an UpstreamError carrying 502, since a
// failing user-registered endpoint is a gateway problem from the client's
// point of view.
func (c *CustomClient) do(ctx context.Context, url string, headers map[string]string, payload []byte) (io.ReadCloser, error) {
	retried := false
	for {
		resp, err := c.post(ctx, url, headers, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Message: fmt.Sprintf("custom api request failed: %v", err)}
		}
		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests && !retried {
			retried = true
			delay := retryAfterDelay(resp.Header.Get("Retry-After"))
			log.Warnf("custom api: 429 from %s, retrying once in %s", url, delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		message := translator.ExtractUpstreamErrorMessage(errBody)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		log.Errorf("custom api: %s returned %d: %s", url, resp.StatusCode, message)
		if resp.StatusCode == http.StatusTooManyRequests {
			message = "Rate limited by the upstream API. Try again later. " + message
		}
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Message: message}
	}
}

func (c *CustomClient) post(ctx context.Context, url string, headers map[string]string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}

// retryAfterDelay parses a Retry-After value in seconds, capped so a client
// connection is never parked longer than maxRetryAfter.
func retryAfterDelay(header string) time.Duration {
	delay := maxRetryAfter
	if header != "" {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(header), 64); err == nil && secs >= 0 {
			delay = time.Duration(secs * float64(time.Second))
		}
	}
	if delay > maxRetryAfter {
		delay = maxRetryAfter
	}
	return delay
}

// openaiEndpoint resolves the chat completions URL. Azure deployment URLs
// arrive complete and pass through untouched; everything else gets the /v1
// segment normalized in.
func openaiEndpoint(apiBase string) string {
	if strings.Contains(apiBase, "/deployments/") {
		return apiBase
	}
	base := strings.TrimRight(apiBase, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/chat/completions"
}

// claudeEndpoint resolves the Messages URL, tolerating bases that already
// end in /v1.
func claudeEndpoint(apiBase string) string {
	base := strings.TrimRight(apiBase, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

func openaiHeaders(target *CustomTarget) map[string]string {
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + target.APIKey,
	}
	if target.Provider == "azure" {
		// Azure OpenAI expects api-key; the Bearer form stays for
		// gateways that proxy Azure behind a standard surface.
		headers["api-key"] = target.APIKey
	}
	return headers
}

func claudeHeaders(target *CustomTarget) map[string]string {
	return map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         target.APIKey,
		"anthropic-version": anthropicVersion,
	}
}
