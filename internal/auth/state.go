// Package auth holds process-wide authentication state that is never
// persisted: the single-use OAuth login state registry consumed by the web
// login frontend.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// stateTTL bounds how long an issued login state stays redeemable.
	stateTTL = 10 * time.Minute
	// sweepInterval is the janitor pause between expiry sweeps.
	sweepInterval = time.Minute
)

// StateRegistry issues and redeems single-use OAuth state values. Entries
// expire after ten minutes; a janitor goroutine sweeps what callers never
// redeem.
type StateRegistry struct {
	mu     sync.Mutex
	states map[string]time.Time
}

// NewStateRegistry returns an empty registry.
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{states: make(map[string]time.Time)}
}

// Issue creates a new state value and records its creation time.
func (r *StateRegistry) Issue() string {
	state := uuid.NewString()
	r.mu.Lock()
	r.states[state] = time.Now()
	r.mu.Unlock()
	return state
}

// Consume redeems a state value. It returns true exactly once per issued
// state, and false for unknown or expired values.
func (r *StateRegistry) Consume(state string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	created, ok := r.states[state]
	if !ok {
		return false
	}
	delete(r.states, state)
	return time.Since(created) <= stateTTL
}

// Len reports the number of outstanding states.
func (r *StateRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// Start runs the expiry janitor until ctx is cancelled.
func (r *StateRegistry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := r.sweep(); removed > 0 {
					log.Debugf("oauth state janitor removed %d expired entries", removed)
				}
			}
		}
	}()
}

func (r *StateRegistry) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for state, created := range r.states {
		if time.Since(created) > stateTTL {
			delete(r.states, state)
			removed++
		}
	}
	return removed
}
