// Package gateway is the federation engine's surface toward the rest of the
// application: "deliver this activity to these inboxes", "follow that remote
// actor", "is this domain blocked". Collaborators hand it plain identifiers;
// queue payloads never reference mutable application state.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mikestefanello/backlite"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/actors"
	"github.com/sidereusnuntius/agora/internal/blocklist"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/delivery"
	"github.com/sidereusnuntius/agora/internal/domain"
)

type Gateway struct {
	db     db.DB
	queue  *delivery.Queue
	actors *actors.Cache
	blocks *blocklist.Cache
	tasks  *backlite.Client
	cfg    *config.Configuration
}

// New wires the gateway and starts the background task queues (actor refresh
// and the stale-actor sweep).
func New(ctx context.Context, d db.DB, queue *delivery.Queue, a *actors.Cache, blocks *blocklist.Cache, tasks *backlite.Client, cfg *config.Configuration) *Gateway {
	g := &Gateway{
		db:     d,
		queue:  queue,
		actors: a,
		blocks: blocks,
		tasks:  tasks,
		cfg:    cfg,
	}

	g.tasks.Register(backlite.NewQueue[RefreshActorTask](g.refreshActor()))
	g.tasks.Register(backlite.NewQueue[CleanupTask](g.cleanupStale()))
	g.tasks.Start(ctx)

	if _, err := g.tasks.Add(CleanupTask{}).Ctx(ctx).Wait(cfg.ActorCleanupInterval).Save(); err != nil {
		log.Error().Err(err).Msg("failed to schedule stale-actor sweep")
	}

	log.Info().Msg("started task queue")
	return g
}

func (g *Gateway) refreshActor() func(context.Context, RefreshActorTask) error {
	return func(ctx context.Context, task RefreshActorTask) error {
		log.Debug().Str("iri", task.IRI).Msg("refreshing remote actor")
		err := g.actors.Refresh(ctx, task.IRI)
		if errors.Is(err, actors.ErrBlockedDomain) {
			return nil
		}
		return err
	}
}

func (g *Gateway) cleanupStale() func(context.Context, CleanupTask) error {
	return func(ctx context.Context, task CleanupTask) error {
		if _, err := g.actors.CleanupStale(ctx); err != nil {
			return err
		}
		_, err := backlite.FromContext(ctx).Add(CleanupTask{}).Wait(g.cfg.ActorCleanupInterval).Save()
		return err
	}
}

// RefreshActorAsync queues a background re-fetch of a remote actor document.
func (g *Gateway) RefreshActorAsync(iri string) {
	if _, err := g.tasks.Add(RefreshActorTask{IRI: iri}).Save(); err != nil {
		log.Error().Err(err).Str("iri", iri).Msg("failed to enqueue actor refresh")
	}
}

// DeliverToInboxes enqueues one delivery job per inbox, all signed by the
// given local actor. Enqueue failures for one inbox never stop the rest.
func (g *Gateway) DeliverToInboxes(ctx context.Context, activity map[string]any, inboxes []string, actorURI string) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return err
	}

	for _, inbox := range inboxes {
		if err := g.queue.Enqueue(ctx, payload, inbox, actorURI); err != nil {
			log.Error().Err(err).Str("inbox", inbox).Msg("delivery enqueue failed")
		}
	}
	return nil
}

// DeliverToFollowers fans an activity out to every accepted follower of the
// actor. Followers on the same instance that advertise a shared inbox
// collapse into one delivery.
func (g *Gateway) DeliverToFollowers(ctx context.Context, actor *domain.LocalActor, activity map[string]any) error {
	followers, err := g.db.GetFollowerURIs(ctx, actor.ApID.String())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}

	seen := map[string]struct{}{}
	var inboxes []string
	for _, follower := range followers {
		remote, err := g.actors.Cached(ctx, follower)
		if err != nil {
			log.Warn().Err(err).Str("follower", follower).Msg("skipping follower with no cached actor")
			continue
		}
		inbox := remote.BestInbox()
		if _, dup := seen[inbox]; dup {
			continue
		}
		seen[inbox] = struct{}{}
		inboxes = append(inboxes, inbox)
	}

	return g.DeliverToInboxes(ctx, activity, inboxes, actor.ApID.String())
}

// FollowRemoteActor records a pending outbound follow and delivers the
// Follow activity. The follow becomes accepted when the remote side's Accept
// arrives at the inbox.
func (g *Gateway) FollowRemoteActor(ctx context.Context, local *domain.LocalActor, remoteIRI string) error {
	remote, err := g.actors.FetchOrGet(ctx, remoteIRI)
	if err != nil {
		return err
	}

	followID := g.cfg.Url.JoinPath("follows", uuid.NewString()).String()
	_, err = g.db.UpsertFollow(ctx, domain.Follow{
		ActivityIRI: followID,
		FollowerURI: local.ApID.String(),
		FolloweeURI: remote.ApID,
	})
	if err != nil {
		return err
	}

	follow := g.NewFollow(followID, local.ApID.String(), remote.ApID)
	return g.DeliverToInboxes(ctx, follow, []string{remote.Inbox}, local.ApID.String())
}

// Accept answers an inbound follow with an Accept delivered back to the
// follower's inbox, and marks the follow accepted locally.
func (g *Gateway) Accept(ctx context.Context, followee *domain.LocalActor, followActivity map[string]any, followerInbox string) error {
	activityIRI := stringField(followActivity, "id")
	err := g.db.AcceptFollowByActivityIRI(ctx, activityIRI, time.Now())
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	// A redelivered Follow matches no pending row; the origin evidently
	// missed the first Accept, so it goes out again either way.

	accept := g.NewAccept(followee.ApID.String(), followActivity)
	return g.DeliverToInboxes(ctx, accept, []string{followerInbox}, followee.ApID.String())
}

// Blocked exposes the domain-block decision to collaborators.
func (g *Gateway) Blocked(domain string) bool {
	return g.blocks.Blocked(domain)
}

// CachedActor exposes the actor cache to collaborators that only need
// metadata (inbox url, public key) for an actor they already reference.
func (g *Gateway) CachedActor(ctx context.Context, apID string) (domain.RemoteActor, error) {
	return g.actors.Cached(ctx, apID)
}
