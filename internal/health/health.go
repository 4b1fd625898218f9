// Package health runs the periodic liveness probe over stored Kiro tokens.
package health

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/router-for-me/KiroGateAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroGateAPI/internal/crypto"
	"github.com/router-for-me/KiroGateAPI/internal/store"
)

const (
	defaultInterval = 30 * time.Minute

	// checkTimeout bounds a single token's refresh attempt.
	checkTimeout = 30 * time.Second

	// maxParallelChecks keeps a large token pool from stampeding the
	// auth endpoints in one burst.
	maxParallelChecks = 4
)

// Summary tallies one check cycle.
type Summary struct {
	Checked   int
	Valid     int
	Invalid   int
	Transient int
}

type outcome int

const (
	outcomeValid outcome = iota
	outcomeTransient
	outcomeInvalid
)

// Checker revalidates every active Kiro token on a fixed cadence by forcing
// an access-token refresh through the shared manager cache. A passing probe
// therefore also primes the token the allocator will hand out next.
type Checker struct {
	store      *store.Store
	cache      *kiro.Cache
	profileArn string
	interval   time.Duration

	// probe performs one refresh attempt; tests swap it out.
	probe func(ctx context.Context, m *kiro.Manager) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New builds a checker. A non-positive interval falls back to the default
// thirty minutes.
func New(s *store.Store, cache *kiro.Cache, profileArn string, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Checker{
		store:      s,
		cache:      cache,
		profileArn: profileArn,
		interval:   interval,
		probe: func(ctx context.Context, m *kiro.Manager) error {
			_, err := m.GetAccessToken(ctx)
			return err
		},
	}
}

// Start launches the background loop. Starting a running checker is a no-op.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		log.Warn("token health checker already running")
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	interval := c.interval
	c.mu.Unlock()

	go c.loop(ctx, interval)
	log.Infof("token health checker started, interval %s", interval)
}

// SetInterval applies a new cadence. A running checker restarts its loop so
// the next cycle uses the new interval.
func (c *Checker) SetInterval(d time.Duration) {
	if d <= 0 {
		d = defaultInterval
	}
	c.mu.Lock()
	if c.interval == d {
		c.mu.Unlock()
		return
	}
	c.interval = d
	running := c.running
	c.mu.Unlock()

	if running {
		c.Stop()
		c.Start()
	}
}

// Stop halts the loop. A cycle in progress is abandoned; individual probes
// end on their own timeouts.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	log.Info("token health checker stopped")
}

func (c *Checker) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every active token once and returns the tally. Probes for
// different tokens run in parallel up to maxParallelChecks.
func (c *Checker) CheckAll(ctx context.Context) Summary {
	tokens, err := c.store.ListActiveTokens(ctx)
	if err != nil {
		log.Errorf("health check: listing active tokens: %v", err)
		return Summary{}
	}
	if len(tokens) == 0 {
		log.Debug("health check: no active tokens")
		return Summary{}
	}

	log.Infof("health check: probing %d active tokens", len(tokens))

	var (
		tallyMu sync.Mutex
		summary = Summary{Checked: len(tokens)}
	)
	var group errgroup.Group
	group.SetLimit(maxParallelChecks)
	for _, t := range tokens {
		id := t.ID
		group.Go(func() error {
			out := c.checkToken(ctx, id)
			tallyMu.Lock()
			switch out {
			case outcomeValid:
				summary.Valid++
			case outcomeInvalid:
				summary.Invalid++
			default:
				summary.Transient++
			}
			tallyMu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	log.Infof("health check: cycle complete, %d valid, %d invalid, %d transient",
		summary.Valid, summary.Invalid, summary.Transient)
	return summary
}

func (c *Checker) checkToken(ctx context.Context, id int64) outcome {
	creds, err := c.store.GetTokenCredentials(ctx, id)
	if err != nil {
		// Row deleted mid-cycle or ciphertext unreadable. Status stays as is.
		log.Warnf("health check: token %d credentials unavailable: %v", id, err)
		return outcomeTransient
	}

	manager := c.cache.GetOrCreate(kiro.Credentials{
		RefreshToken: creds.RefreshToken,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Region:       creds.Region,
		ProfileArn:   c.profileArn,
	})

	probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.probe(probeCtx, manager); err != nil {
		note := truncateNote(err.Error())
		if recErr := c.store.RecordHealthCheck(ctx, id, false, note); recErr != nil {
			log.Errorf("health check: token %d record failure: %v", id, recErr)
		}
		if kiro.Classification(err) == kiro.ClassTransient {
			log.Warnf("health check: token %d transient failure: %v", id, err)
			return outcomeTransient
		}
		log.Warnf("health check: token %d invalidated: %v", id, err)
		if stErr := c.store.SetTokenStatus(ctx, id, store.TokenStatusInvalid, note); stErr != nil {
			log.Errorf("health check: token %d status update: %v", id, stErr)
		}
		c.cache.Remove(crypto.TokenHash(creds.RefreshToken))
		return outcomeInvalid
	}

	if err := c.store.RecordHealthCheck(ctx, id, true, ""); err != nil {
		log.Errorf("health check: token %d record success: %v", id, err)
	}
	return outcomeValid
}

func truncateNote(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
