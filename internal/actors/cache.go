// Package actors caches remote actor documents: public key, inbox and
// identity metadata. Actors are fetched lazily on first reference and
// refreshed once their cache entry outlives the TTL.
package actors

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"codeberg.org/gruf/go-mutexes"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/blocklist"
	"github.com/sidereusnuntius/agora/internal/client"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
)

var ErrBlockedDomain = errors.New("domain is blocked")

type Cache struct {
	db     db.DB
	client *client.HttpClient
	blocks *blocklist.Cache
	cfg    *config.Configuration
	locks  *mutexes.MutexMap
}

func New(d db.DB, c *client.HttpClient, blocks *blocklist.Cache, cfg *config.Configuration) *Cache {
	locks := mutexes.MutexMap{}
	return &Cache{
		db:     d,
		client: c,
		blocks: blocks,
		cfg:    cfg,
		locks:  &locks,
	}
}

// Cached returns the stored actor regardless of freshness. Verification
// paths that already hold a signed request use this to avoid a network
// round-trip.
func (c *Cache) Cached(ctx context.Context, apID string) (domain.RemoteActor, error) {
	return c.db.GetRemoteActor(ctx, apID)
}

// FetchOrGet returns the cached actor when its entry is within the TTL, and
// otherwise fetches, validates and upserts the actor document. Concurrent
// calls for one apID collapse onto a single fetch.
func (c *Cache) FetchOrGet(ctx context.Context, apID string) (domain.RemoteActor, error) {
	actor, err := c.db.GetRemoteActor(ctx, apID)
	if err == nil && time.Since(actor.FetchedAt) < c.cfg.ActorCacheTTL {
		return actor, nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return domain.RemoteActor{}, err
	}

	unlock := c.locks.Lock(apID)
	defer unlock()

	// Whoever held the lock before us may have fetched already.
	actor, err = c.db.GetRemoteActor(ctx, apID)
	if err == nil && time.Since(actor.FetchedAt) < c.cfg.ActorCacheTTL {
		return actor, nil
	}

	fetched, fetchErr := c.fetch(ctx, apID)
	if fetchErr != nil {
		// A stale cached copy beats no copy when the remote is unreachable.
		if err == nil {
			log.Warn().Err(fetchErr).Str("actor", apID).Msg("refresh failed, serving stale actor")
			return actor, nil
		}
		return domain.RemoteActor{}, fetchErr
	}
	return fetched, nil
}

// Refresh unconditionally re-fetches the actor document, used when a remote
// instance tells us its actor changed.
func (c *Cache) Refresh(ctx context.Context, apID string) error {
	unlock := c.locks.Lock(apID)
	defer unlock()

	_, err := c.fetch(ctx, apID)
	return err
}

func (c *Cache) fetch(ctx context.Context, apID string) (domain.RemoteActor, error) {
	iri, err := url.Parse(apID)
	if err != nil {
		return domain.RemoteActor{}, err
	}
	if c.blocks.BlockedURL(iri) {
		return domain.RemoteActor{}, ErrBlockedDomain
	}

	raw, err := c.client.Get(ctx, iri)
	if err != nil {
		return domain.RemoteActor{}, err
	}

	actor, err := parseActorDocument(raw, iri)
	if err != nil {
		return domain.RemoteActor{}, err
	}

	stored, err := c.db.UpsertRemoteActor(ctx, actor)
	if err != nil {
		return domain.RemoteActor{}, err
	}

	log.Debug().Str("actor", apID).Msg("fetched remote actor")
	return stored, nil
}

// ResolveKeyOwner maps a signature keyId to its owning actor. The key id
// convention is <actor>#main-key; the fragment is dropped before resolution.
func (c *Cache) ResolveKeyOwner(ctx context.Context, keyID string) (domain.RemoteActor, error) {
	owner, _, _ := strings.Cut(keyID, "#")
	return c.FetchOrGet(ctx, owner)
}

// CleanupStale sweeps remote actors whose last fetch is older than the
// configured max age.
func (c *Cache) CleanupStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-c.cfg.ActorMaxAge)
	n, err := c.db.DeleteStaleRemoteActors(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("swept stale remote actors")
	}
	return n, nil
}
