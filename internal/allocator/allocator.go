// Package allocator draws the credential that serves a request: one of the
// user's active Kiro tokens or custom API accounts. Pro+ models are
// restricted to upgraded tokens and accounts explicitly bound to the model;
// everything else draws uniformly across the whole pool.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroGateAPI/internal/store"
)

// ErrNoCredentialAvailable is returned when the user has no active Kiro token
// and no active custom account. Handlers map it to HTTP 403.
var ErrNoCredentialAvailable = errors.New("allocator: no credential available")

// proPlusModels names models that require an upgraded token by exact match.
// The substring rules in RequiresProPlus cover the rest of each family.
var proPlusModels = map[string]struct{}{
	"claude-opus-4":     {},
	"claude-opus-4-1":   {},
	"claude-opus-4-5":   {},
	"claude-opus-4-6":   {},
	"claude-sonnet-4-6": {},
}

// RequiresProPlus reports whether a model may only be served by a Pro+
// credential: a member of the exact set, any opus-class name, or sonnet 4.6
// in either dotted or dashed spelling.
func RequiresProPlus(model string) bool {
	if model == "" {
		return false
	}
	if _, ok := proPlusModels[model]; ok {
		return true
	}
	lower := strings.ToLower(model)
	if strings.Contains(lower, "opus") {
		return true
	}
	if strings.Contains(lower, "sonnet") && (strings.Contains(lower, "4-6") || strings.Contains(lower, "4.6")) {
		return true
	}
	return false
}

// Allocation is the outcome of a draw. Kind selects which credential pointer
// is set; Manager accompanies Kiro tokens only.
type Allocation struct {
	Kind    store.CredentialKind
	Token   *store.KiroToken
	Account *store.CustomAccount
	Manager *kiro.Manager
}

// ID returns the chosen credential's row id regardless of kind.
func (a *Allocation) ID() int64 {
	if a.Kind == store.KindKiro {
		return a.Token.ID
	}
	return a.Account.ID
}

// Allocator owns the draw logic. The rand source is guarded because requests
// allocate concurrently.
type Allocator struct {
	store      *store.Store
	cache      *kiro.Cache
	profileArn string

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds an Allocator over the store and the process-wide auth manager
// cache. profileArn is the fallback ARN handed to newly constructed managers;
// refreshes overwrite it with the account's own ARN.
func New(s *store.Store, cache *kiro.Cache, profileArn string) *Allocator {
	return &Allocator{
		store:      s,
		cache:      cache,
		profileArn: profileArn,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Allocate picks a credential for one request. Pro+ models draw from the
// upgraded sub-pools when any exist and silently fall back to the full pool
// when none do; an entirely empty pool is ErrNoCredentialAvailable.
func (a *Allocator) Allocate(ctx context.Context, userID int64, model string) (*Allocation, error) {
	tokens, err := a.store.GetActiveKiroTokensByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("allocator: list kiro tokens: %w", err)
	}
	accounts, err := a.store.GetActiveCustomAccountsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("allocator: list custom accounts: %w", err)
	}

	if RequiresProPlus(model) {
		proTokens := make([]*store.KiroToken, 0, len(tokens))
		for _, t := range tokens {
			if t.OpusEnabled {
				proTokens = append(proTokens, t)
			}
		}
		proAccounts := make([]*store.CustomAccount, 0, len(accounts))
		for _, acct := range accounts {
			if accountMatchesModel(acct, model) {
				proAccounts = append(proAccounts, acct)
			}
		}

		log.Debugf("allocator: user %d model %s: %d/%d pro+ tokens, %d/%d bound accounts",
			userID, model, len(proTokens), len(tokens), len(proAccounts), len(accounts))

		if len(proTokens)+len(proAccounts) > 0 {
			return a.drawProPlus(ctx, userID, proTokens, proAccounts)
		}
		log.Warnf("allocator: user %d has no pro+ credential for %s, falling back to full pool", userID, model)
	}

	if len(tokens)+len(accounts) == 0 {
		return nil, ErrNoCredentialAvailable
	}
	return a.drawUniform(ctx, userID, tokens, accounts)
}

// drawProPlus sub-draws each non-empty pool, then combines the finalists with
// a fair coin when both pools produced one.
func (a *Allocator) drawProPlus(ctx context.Context, userID int64, tokens []*store.KiroToken, accounts []*store.CustomAccount) (*Allocation, error) {
	useToken := len(tokens) > 0
	if useToken && len(accounts) > 0 {
		useToken = a.coin()
	}

	if useToken {
		picked := a.weightedPick(tokens)
		log.Infof("allocator: user %d pro+ draw chose kiro token %d", userID, picked.ID)
		return a.allocateToken(ctx, picked)
	}

	picked := accounts[a.intn(len(accounts))]
	log.Infof("allocator: user %d pro+ draw chose custom account %d", userID, picked.ID)
	return &Allocation{Kind: store.KindCustom, Account: picked}, nil
}

// drawUniform treats tokens and accounts as one unlabeled pool.
func (a *Allocator) drawUniform(ctx context.Context, userID int64, tokens []*store.KiroToken, accounts []*store.CustomAccount) (*Allocation, error) {
	total := len(tokens) + len(accounts)
	i := a.intn(total)
	if i < len(tokens) {
		picked := tokens[i]
		log.Infof("allocator: user %d chose kiro token %d from %d candidates", userID, picked.ID, total)
		return a.allocateToken(ctx, picked)
	}

	picked := accounts[i-len(tokens)]
	log.Infof("allocator: user %d chose custom account %d from %d candidates", userID, picked.ID, total)
	return &Allocation{Kind: store.KindCustom, Account: picked}, nil
}

// allocateToken resolves the decrypted credentials and attaches the shared
// auth manager for the token.
func (a *Allocator) allocateToken(ctx context.Context, token *store.KiroToken) (*Allocation, error) {
	creds, err := a.store.GetTokenCredentials(ctx, token.ID)
	if err != nil {
		return nil, fmt.Errorf("allocator: credentials for token %d: %w", token.ID, err)
	}

	manager := a.cache.GetOrCreate(kiro.Credentials{
		RefreshToken: creds.RefreshToken,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Region:       creds.Region,
		ProfileArn:   a.profileArn,
	})
	return &Allocation{Kind: store.KindKiro, Token: token, Manager: manager}, nil
}

// tokenWeight is the draw weight of a Kiro token. A net-failing token keeps
// weight 1 so it is never starved entirely.
func tokenWeight(t *store.KiroToken) int64 {
	w := t.SuccessCount - t.FailCount
	if w < 1 {
		return 1
	}
	return w
}

func (a *Allocator) weightedPick(tokens []*store.KiroToken) *store.KiroToken {
	if len(tokens) == 1 {
		return tokens[0]
	}

	var total int64
	for _, t := range tokens {
		total += tokenWeight(t)
	}

	r := a.int63n(total)
	for _, t := range tokens {
		r -= tokenWeight(t)
		if r < 0 {
			return t
		}
	}
	return tokens[len(tokens)-1]
}

// accountMatchesModel reports whether the account's comma-separated model
// binding names the model exactly. An empty binding matches nothing.
func accountMatchesModel(account *store.CustomAccount, model string) bool {
	raw := strings.TrimSpace(account.Model)
	if raw == "" {
		return false
	}
	for _, bound := range strings.Split(raw, ",") {
		if strings.TrimSpace(bound) == model {
			return true
		}
	}
	return false
}

func (a *Allocator) intn(n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Intn(n)
}

func (a *Allocator) int63n(n int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Int63n(n)
}

func (a *Allocator) coin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Intn(2) == 0
}
