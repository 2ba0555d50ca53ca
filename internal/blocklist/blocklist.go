// Package blocklist keeps the admin-maintained domain blocklist in memory.
// The cache is refreshed on every write and consulted on every federation
// entry and exit point; readers never block on a refresh, so a reader may see
// state at most one write-refresh cycle old.
package blocklist

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/db"
)

type Cache struct {
	db db.DB

	mu      sync.RWMutex
	domains map[string]struct{}
}

func New(d db.DB) *Cache {
	return &Cache{
		db:      d,
		domains: map[string]struct{}{},
	}
}

// Refresh re-reads the persisted blocklist into the cache.
func (c *Cache) Refresh(ctx context.Context) error {
	domains, err := c.db.GetBlockedDomains(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		next[strings.ToLower(d)] = struct{}{}
	}

	c.mu.Lock()
	c.domains = next
	c.mu.Unlock()
	return nil
}

// Blocked reports whether the domain, or any parent domain of it, is on the
// blocklist.
func (c *Cache) Blocked(domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	c.mu.RLock()
	defer c.mu.RUnlock()

	for domain != "" {
		if _, ok := c.domains[domain]; ok {
			return true
		}
		_, rest, found := strings.Cut(domain, ".")
		if !found {
			break
		}
		domain = rest
	}
	return false
}

// BlockedURL applies Blocked to the host of the given url.
func (c *Cache) BlockedURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	return c.Blocked(u.Hostname())
}

// Add persists a domain block and refreshes the cache before returning, so
// the block is live for the next federation operation.
func (c *Cache) Add(ctx context.Context, domain string) error {
	if err := c.db.AddBlockedDomain(ctx, domain); err != nil {
		return err
	}
	log.Info().Str("domain", domain).Msg("blocked domain")
	return c.Refresh(ctx)
}

// Remove lifts a domain block and refreshes the cache.
func (c *Cache) Remove(ctx context.Context, domain string) error {
	if err := c.db.RemoveBlockedDomain(ctx, domain); err != nil {
		return err
	}
	log.Info().Str("domain", domain).Msg("unblocked domain")
	return c.Refresh(ctx)
}
