// Package upstream talks to the model providers behind the gateway: the Kiro
// CodeWhisperer streaming API with its AWS event-stream framing, and
// user-registered custom endpoints speaking the OpenAI or Anthropic dialect.
// Every entry point consumes a translated request and produces Anthropic
// wire-format output, so handlers never see a provider's native shape.
package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateAPI/internal/translator"
	"github.com/router-for-me/KiroGateAPI/internal/util"
)

// TokenSource supplies the bearer token and regional endpoint for one Kiro
// credential, and drops the cached token when the upstream rejects it.
// *kiro.Manager implements it.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	APIHost() string
	Invalidate()
}

const (
	assistantResponsePath = "/generateAssistantResponse"
	amazonQStreamingPath  = "/SendMessageStreaming"
	amazonQModelPrefix    = "amazonq-"

	sdkAgentPrefix      = "aws-sdk-js/1.0.7"
	kiroIDEVersion      = "KiroIDE-0.1.25"
	fallbackMachineHash = "0000000000000000"

	errorBodyLimit = 1 << 20
)

// UpstreamError is a rejected upstream exchange, carrying the status the
// gateway should surface. MonthlyLimit marks the quota-exhausted rejection
// that should retire the credential until the next cycle.
type UpstreamError struct {
	StatusCode   int
	Message      string
	MonthlyLimit bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
}

// KiroClient sends translated requests to the CodeWhisperer streaming API
// and decodes the framed response. One client is shared across requests.
type KiroClient struct {
	client *http.Client

	macOnce sync.Once
	macHash string
}

// NewKiroClient builds the shared client. No timeout is set on the
// http.Client itself; the per-request context carries the deadline so long
// streams are not cut mid-flight.
func NewKiroClient(proxyURL string) *KiroClient {
	return &KiroClient{client: util.SetProxy(proxyURL, &http.Client{})}
}

// open POSTs the payload and returns the decompressed response body. A 403,
// or a 400 naming an improperly formed request, is retried once after
// dropping the cached access token; both are how the upstream reports a
// token that died before its recorded expiry.
func (c *KiroClient) open(ctx context.Context, src TokenSource, model string, payload []byte) (io.ReadCloser, error) {
	body, retryable, err := c.send(ctx, src, model, payload)
	if err == nil || !retryable {
		return body, err
	}
	log.Debug("kiro upstream rejected the access token, refreshing and retrying once")
	src.Invalidate()
	body, _, err = c.send(ctx, src, model, payload)
	return body, err
}

func (c *KiroClient) send(ctx context.Context, src TokenSource, model string, payload []byte) (io.ReadCloser, bool, error) {
	token, err := src.GetAccessToken(ctx)
	if err != nil {
		// AuthError passes through untouched so the orchestrator can
		// classify it.
		return nil, false, err
	}

	endpoint := src.APIHost() + assistantResponsePath
	if strings.HasPrefix(strings.ToLower(model), amazonQModelPrefix) {
		endpoint = src.APIHost() + amazonQStreamingPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build kiro request: %w", err)
	}
	c.applyHeaders(req, token)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, &UpstreamError{StatusCode: http.StatusBadGateway, Message: fmt.Sprintf("kiro request failed: %v", err)}
	}

	if resp.StatusCode == http.StatusOK {
		body, err := decompressedBody(resp)
		if err != nil {
			_ = resp.Body.Close()
			return nil, false, &UpstreamError{StatusCode: http.StatusBadGateway, Message: fmt.Sprintf("kiro response body: %v", err)}
		}
		return body, false, nil
	}

	defer func() { _ = resp.Body.Close() }()
	errBody := readErrorBody(resp)
	upErr := classifyKiroError(resp.StatusCode, errBody)
	log.Warnf("kiro upstream returned %d: %s", resp.StatusCode, util.MaskToken(upErr.Message))

	retryable := resp.StatusCode == http.StatusForbidden ||
		(resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(upErr.Message), "improperly formed request"))
	return nil, retryable, upErr
}

// applyHeaders stamps the request with the identity the upstream expects
// from the desktop IDE build.
func (c *KiroClient) applyHeaders(req *http.Request, token string) {
	suffix := fmt.Sprintf("%s-%s", kiroIDEVersion, c.machineHash())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("%s %s", sdkAgentPrefix, suffix))
	req.Header.Set("user-agent", fmt.Sprintf("%s ua/2.1 os/cli lang/go api/codewhispererstreaming#1.0.7 m/E %s", sdkAgentPrefix, suffix))
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
}

// machineHash derives a stable per-host identifier from the first real MAC
// address, with a fixed fallback when none is readable.
func (c *KiroClient) machineHash() string {
	c.macOnce.Do(func() {
		c.macHash = fallbackMachineHash
		interfaces, err := net.Interfaces()
		if err != nil {
			return
		}
		for _, iface := range interfaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addr := iface.HardwareAddr.String()
			if addr == "" {
				continue
			}
			sum := sha256.Sum256([]byte(addr))
			c.macHash = hex.EncodeToString(sum[:])
			return
		}
	})
	return c.macHash
}

// decompressedBody unwraps the response per Content-Encoding. Advertising
// Accept-Encoding ourselves disables the transport's automatic gzip
// handling, so both encodings are decoded here.
func decompressedBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		return &layeredBody{Reader: zr, closers: []io.Closer{zr, resp.Body}}, nil
	case "br":
		return &layeredBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	default:
		return resp.Body, nil
	}
}

type layeredBody struct {
	io.Reader
	closers []io.Closer
}

func (b *layeredBody) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func readErrorBody(resp *http.Response) []byte {
	body, err := decompressedBody(resp)
	if err != nil {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(body, errorBodyLimit))
	return data
}

// classifyKiroError maps an upstream rejection onto the status and message
// the gateway surfaces. The upstream's own status is kept except where a
// known body marker calls for a client-correctable 400.
func classifyKiroError(status int, body []byte) *UpstreamError {
	message := translator.ExtractUpstreamErrorMessage(body)
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(status)
	}
	raw := strings.ToLower(string(body))
	switch {
	case strings.Contains(raw, "monthly_request_count"):
		return &UpstreamError{StatusCode: status, Message: message, MonthlyLimit: true}
	case strings.Contains(raw, "content_length_exceeds_threshold"):
		return &UpstreamError{StatusCode: http.StatusBadRequest, Message: "Context window is full. Reduce conversation history, system prompt, or tools."}
	case strings.Contains(strings.ToLower(message), "input is too long"):
		return &UpstreamError{StatusCode: http.StatusBadRequest, Message: "Input is too long. Reduce the size of your messages."}
	default:
		return &UpstreamError{StatusCode: status, Message: message}
	}
}

// Request is one exchange against an upstream, already translated to the
// provider payload where that applies.
type Request struct {
	// Model is the client-visible model name, echoed into responses.
	Model string
	// Payload is the provider-native request body.
	Payload []byte
	// Anthropic is the original client request, used for token estimation
	// fallbacks.
	Anthropic []byte
	// Thinking splits <thinking> tags out of assistant text when set.
	Thinking bool

	FirstTokenTimeout time.Duration
	ReadTimeout       time.Duration
	PingInterval      time.Duration
}

const (
	defaultFirstTokenTimeout = 30 * time.Second
	defaultReadTimeout       = 60 * time.Second
	defaultPingInterval      = 25 * time.Second
)

func (r *Request) firstTokenTimeout() time.Duration {
	if r.FirstTokenTimeout > 0 {
		return r.FirstTokenTimeout
	}
	return defaultFirstTokenTimeout
}

func (r *Request) readTimeout() time.Duration {
	if r.ReadTimeout > 0 {
		return r.ReadTimeout
	}
	return defaultReadTimeout
}

func (r *Request) pingInterval() time.Duration {
	if r.PingInterval > 0 {
		return r.PingInterval
	}
	return defaultPingInterval
}
