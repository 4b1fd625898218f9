package kiro

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateAPI/internal/crypto"
	"github.com/router-for-me/KiroGateAPI/internal/util"
)

// Cache is the process-wide registry of live Managers, keyed by the stable
// digest of each refresh token. A manager stays registered until the owning
// token row is deleted or leaves the active state; there is no size bound.
type Cache struct {
	proxyURL string

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewCache returns an empty cache. proxyURL is handed to every Manager it
// constructs.
func NewCache(proxyURL string) *Cache {
	return &Cache{
		proxyURL: proxyURL,
		managers: make(map[string]*Manager),
	}
}

// GetOrCreate returns the Manager for a credential bundle, constructing and
// registering one the first time the token is seen.
func (c *Cache) GetOrCreate(creds Credentials) *Manager {
	key := crypto.TokenHash(creds.RefreshToken)

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.managers[key]; ok {
		return m
	}

	m := NewManager(creds, c.proxyURL)
	c.managers[key] = m
	log.Debugf("auth manager created for %s (%s, %s), cache size %d",
		util.MaskToken(creds.RefreshToken), m.Dialect(), m.Region(), len(c.managers))
	return m
}

// Remove drops the manager for a token hash. Called when the owning row is
// deleted or marked invalid so a re-added token starts clean.
func (c *Cache) Remove(tokenHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.managers[tokenHash]; !ok {
		return false
	}
	delete(c.managers, tokenHash)
	return true
}

// Size reports the number of live managers.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.managers)
}
