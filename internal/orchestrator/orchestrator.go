// Package orchestrator executes one proxied request end to end: credential
// allocation, upstream dispatch, a single re-allocation when the failure is
// attributable to the credential rather than the request, and the counter
// settlement for whichever credential served the attempt.
package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/KiroGateAPI/internal/allocator"
	"github.com/router-for-me/KiroGateAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroGateAPI/internal/store"
	"github.com/router-for-me/KiroGateAPI/internal/translator"
	"github.com/router-for-me/KiroGateAPI/internal/upstream"
)

// settleTimeout bounds the detached store writes that record a request
// outcome; they must land even when the request context is already dead.
const settleTimeout = 5 * time.Second

// Options carries the streaming knobs from config.
type Options struct {
	FirstTokenTimeout time.Duration
	StreamReadTimeout time.Duration
	PingInterval      time.Duration
	ProxyURL          string
}

// kiroDispatcher is the slice of upstream.KiroClient the orchestrator uses.
type kiroDispatcher interface {
	Stream(ctx context.Context, src upstream.TokenSource, req *upstream.Request, sink upstream.EventSink) error
	StreamBuffered(ctx context.Context, src upstream.TokenSource, req *upstream.Request, sink upstream.EventSink) error
	Collect(ctx context.Context, src upstream.TokenSource, req *upstream.Request) ([]byte, error)
	CountTokens(ctx context.Context, src upstream.TokenSource, req *upstream.Request) (int64, error)
}

// customDispatcher is the slice of upstream.CustomClient the orchestrator uses.
type customDispatcher interface {
	Stream(ctx context.Context, target *upstream.CustomTarget, req *upstream.Request, sink upstream.EventSink, cb upstream.Callbacks) error
	Collect(ctx context.Context, target *upstream.CustomTarget, req *upstream.Request, cb upstream.Callbacks) ([]byte, error)
}

// Orchestrator routes authenticated requests to the credential pool.
type Orchestrator struct {
	store    *store.Store
	alloc    *allocator.Allocator
	cache    *kiro.Cache
	kiro     kiroDispatcher
	custom   customDispatcher
	searcher *WebSearcher
	opts     Options
}

// New builds an orchestrator with live upstream clients.
func New(s *store.Store, alloc *allocator.Allocator, cache *kiro.Cache, opts Options) *Orchestrator {
	return &Orchestrator{
		store:    s,
		alloc:    alloc,
		cache:    cache,
		kiro:     upstream.NewKiroClient(opts.ProxyURL),
		custom:   upstream.NewCustomClient(opts.ProxyURL),
		searcher: NewWebSearcher(opts.ProxyURL),
		opts:     opts,
	}
}

// Result names the credential that served (or last attempted) a request.
type Result struct {
	Kind  store.CredentialKind
	ID    int64
	Model string
}

// sinkGuard wraps the client sink and remembers whether anything was
// written. Once output reached the client a re-allocation is off the table;
// the stream must terminate with whatever the failing attempt emitted.
type sinkGuard struct {
	sink  upstream.EventSink
	wrote atomic.Bool
}

func (g *sinkGuard) write(sse string) error {
	g.wrote.Store(true)
	return g.sink(sse)
}

func (g *sinkGuard) dirty() bool { return g.wrote.Load() }

// Stream serves a streaming request, writing Anthropic SSE to sink. buffered
// selects the /cc replay mode for Kiro credentials. The returned Result is
// non-nil whenever an allocation was made, even on error.
func (o *Orchestrator) Stream(ctx context.Context, userID int64, body []byte, buffered bool, sink upstream.EventSink) (*Result, error) {
	model := gjson.GetBytes(body, "model").String()
	guard := &sinkGuard{sink: sink}

	var (
		res     *Result
		lastErr error
	)
	for attempt := 0; attempt < 2; attempt++ {
		alloc, err := o.alloc.Allocate(ctx, userID, model)
		if err != nil {
			return res, err
		}
		res = &Result{Kind: alloc.Kind, ID: alloc.ID(), Model: model}

		err = o.dispatchStream(ctx, alloc, model, body, buffered, guard)
		if err == nil {
			if alloc.Kind == store.KindKiro {
				o.recordOutcome(store.KindKiro, alloc.Token.ID, true)
			}
			return res, nil
		}
		lastErr = err

		retry := o.noteFailure(ctx, alloc, err)
		if !retry || guard.dirty() || ctx.Err() != nil {
			return res, err
		}
		log.Warnf("orchestrator: user %d retrying after %s %d failed: %v",
			userID, alloc.Kind, alloc.ID(), err)
	}
	return res, lastErr
}

// Collect serves a non-streaming request and returns the assembled Anthropic
// response body.
func (o *Orchestrator) Collect(ctx context.Context, userID int64, body []byte) (*Result, []byte, error) {
	model := gjson.GetBytes(body, "model").String()

	var (
		res     *Result
		payload []byte
		lastErr error
	)
	for attempt := 0; attempt < 2; attempt++ {
		alloc, err := o.alloc.Allocate(ctx, userID, model)
		if err != nil {
			return res, nil, err
		}
		res = &Result{Kind: alloc.Kind, ID: alloc.ID(), Model: model}

		payload, err = o.dispatchCollect(ctx, alloc, model, body)
		if err == nil {
			if alloc.Kind == store.KindKiro {
				o.recordOutcome(store.KindKiro, alloc.Token.ID, true)
			}
			return res, payload, nil
		}
		lastErr = err

		retry := o.noteFailure(ctx, alloc, err)
		if !retry || ctx.Err() != nil {
			return res, nil, err
		}
		log.Warnf("orchestrator: user %d retrying after %s %d failed: %v",
			userID, alloc.Kind, alloc.ID(), err)
	}
	return res, nil, lastErr
}

// CountTokens resolves the billable input token count. A Kiro credential runs
// the short upstream probe; a custom account, or any allocation failure,
// falls back to the local estimate so the endpoint never needs a credential.
func (o *Orchestrator) CountTokens(ctx context.Context, userID int64, body []byte) (int64, error) {
	model := gjson.GetBytes(body, "model").String()

	alloc, err := o.alloc.Allocate(ctx, userID, model)
	if err != nil {
		if !errors.Is(err, allocator.ErrNoCredentialAvailable) {
			return 0, err
		}
		log.Debugf("orchestrator: user %d count_tokens with empty pool, estimating locally", userID)
		return upstream.EstimateInputTokens(body), nil
	}
	if alloc.Kind != store.KindKiro {
		return upstream.EstimateInputTokens(body), nil
	}

	req, err := o.kiroRequest(alloc, model, body)
	if err != nil {
		return 0, err
	}
	count, err := o.kiro.CountTokens(ctx, alloc.Manager, req)
	if err != nil {
		log.Debugf("orchestrator: count_tokens probe on token %d failed, estimating locally: %v",
			alloc.Token.ID, err)
		return upstream.EstimateInputTokens(body), nil
	}
	return count, nil
}

func (o *Orchestrator) dispatchStream(ctx context.Context, alloc *allocator.Allocation, model string, body []byte, buffered bool, guard *sinkGuard) error {
	if alloc.Kind == store.KindCustom {
		target, err := o.customTarget(ctx, alloc.Account)
		if err != nil {
			return err
		}
		req := o.customRequest(model, body)
		return o.custom.Stream(ctx, target, req, guard.write, o.customCallbacks(alloc.Account.ID))
	}

	if WantsWebSearch(body) {
		err := o.searcher.Serve(ctx, alloc.Manager, body, guard.write)
		if err != nil {
			return err
		}
		return nil
	}

	req, err := o.kiroRequest(alloc, model, body)
	if err != nil {
		return err
	}
	if buffered {
		return o.kiro.StreamBuffered(ctx, alloc.Manager, req, guard.write)
	}
	return o.kiro.Stream(ctx, alloc.Manager, req, guard.write)
}

func (o *Orchestrator) dispatchCollect(ctx context.Context, alloc *allocator.Allocation, model string, body []byte) ([]byte, error) {
	if alloc.Kind == store.KindCustom {
		target, err := o.customTarget(ctx, alloc.Account)
		if err != nil {
			return nil, err
		}
		req := o.customRequest(model, body)
		return o.custom.Collect(ctx, target, req, o.customCallbacks(alloc.Account.ID))
	}

	req, err := o.kiroRequest(alloc, model, body)
	if err != nil {
		return nil, err
	}
	return o.kiro.Collect(ctx, alloc.Manager, req)
}

// kiroRequest translates the Anthropic body into the Kiro exchange payload.
func (o *Orchestrator) kiroRequest(alloc *allocator.Allocation, model string, body []byte) (*upstream.Request, error) {
	openaiJSON := translator.ConvertAnthropicRequestToOpenAI(body)
	thinking := translator.ThinkingEnabled(body)
	prefix := ""
	if thinking {
		prefix = translator.ThinkingPrefix(translator.ThinkingBudget(body))
	}
	payload, err := translator.BuildKiroPayload(openaiJSON, uuid.NewString(), alloc.Manager.ProfileArn(), prefix)
	if err != nil {
		return nil, err
	}
	return &upstream.Request{
		Model:             model,
		Payload:           payload,
		Anthropic:         body,
		Thinking:          thinking,
		FirstTokenTimeout: o.opts.FirstTokenTimeout,
		ReadTimeout:       o.opts.StreamReadTimeout,
		PingInterval:      o.opts.PingInterval,
	}, nil
}

func (o *Orchestrator) customRequest(model string, body []byte) *upstream.Request {
	return &upstream.Request{
		Model:             model,
		Anthropic:         body,
		Thinking:          translator.ThinkingEnabled(body),
		FirstTokenTimeout: o.opts.FirstTokenTimeout,
		ReadTimeout:       o.opts.StreamReadTimeout,
		PingInterval:      o.opts.PingInterval,
	}
}

// customTarget resolves the decrypted key for a custom account.
func (o *Orchestrator) customTarget(ctx context.Context, acct *store.CustomAccount) (*upstream.CustomTarget, error) {
	key, err := o.store.GetCustomAccountKey(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return &upstream.CustomTarget{
		APIBase:  acct.APIBase,
		APIKey:   key,
		Format:   string(acct.Format),
		Provider: acct.Provider,
		Model:    acct.Model,
	}, nil
}

// customCallbacks routes the dispatcher's exactly-once settlement into the
// store counters.
func (o *Orchestrator) customCallbacks(id int64) upstream.Callbacks {
	return upstream.Callbacks{
		OnSuccess: func() { o.recordOutcome(store.KindCustom, id, true) },
		OnFail:    func() { o.recordOutcome(store.KindCustom, id, false) },
	}
}

// noteFailure settles the failed attempt against its credential, applies
// status side effects, and reports whether one more allocation is worth
// trying. Custom failures are terminal: the dispatcher already retried its
// single 429 and settled the counter through its callbacks.
func (o *Orchestrator) noteFailure(ctx context.Context, alloc *allocator.Allocation, err error) bool {
	if alloc.Kind == store.KindCustom {
		return false
	}
	o.recordOutcome(store.KindKiro, alloc.Token.ID, false)

	var authErr *kiro.AuthError
	if errors.As(err, &authErr) {
		switch authErr.Class {
		case kiro.ClassInvalid, kiro.ClassExpired:
			o.flagToken(alloc.Token, store.TokenStatusInvalid, authErr.Message)
			return true
		case kiro.ClassTransient:
			return true
		}
		return false
	}

	var upErr *upstream.UpstreamError
	if errors.As(err, &upErr) && upErr.MonthlyLimit {
		o.flagToken(alloc.Token, store.TokenStatusExpired, "monthly request limit reached")
		return true
	}

	return errors.Is(err, upstream.ErrFirstTokenTimeout)
}

// flagToken updates a token's lifecycle status and evicts its manager so a
// re-registered token starts from a clean refresh state.
func (o *Orchestrator) flagToken(token *store.KiroToken, status store.TokenStatus, note string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := o.store.SetTokenStatus(ctx, token.ID, status, note); err != nil {
		log.Errorf("orchestrator: mark token %d %s: %v", token.ID, status, err)
		return
	}
	o.cache.Remove(token.TokenHash)
	log.Warnf("orchestrator: token %d marked %s: %s", token.ID, status, note)
}

// recordOutcome increments the credential's success or fail counter on a
// detached context so the settlement survives client disconnects.
func (o *Orchestrator) recordOutcome(kind store.CredentialKind, id int64, success bool) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	var err error
	if success {
		err = o.store.IncrementSuccess(ctx, kind, id)
	} else {
		err = o.store.IncrementFail(ctx, kind, id)
	}
	if err != nil {
		log.Errorf("orchestrator: record outcome for %s %d: %v", kind, id, err)
	}
}
