package db

import (
	"context"
	"time"

	"github.com/sidereusnuntius/agora/internal/domain"
)

type Social interface {
	// UpsertFollow records a follow keyed on (follower, followee); replaying
	// the same Follow keeps the original row and activity id.
	UpsertFollow(ctx context.Context, f domain.Follow) (domain.Follow, error)
	GetFollow(ctx context.Context, followerURI, followeeURI string) (domain.Follow, error)
	// AcceptFollowByActivityIRI marks the follow created by the given
	// activity as accepted; ErrNotFound means no pending follow matched.
	AcceptFollowByActivityIRI(ctx context.Context, activityIRI string, at time.Time) error
	// DeleteFollowByActivityIRI removes the follow created by the given
	// activity, but only if it belongs to the given follower.
	DeleteFollowByActivityIRI(ctx context.Context, activityIRI, followerURI string) error
	// GetFollowerURIs lists the remote actors following the given local actor.
	GetFollowerURIs(ctx context.Context, followeeURI string) ([]string, error)

	// CreateLike and CreateAnnounce are idempotent on their natural key; a
	// replayed activity inserts nothing and reports false.
	CreateLike(ctx context.Context, objectIRI, actorURI string) (bool, error)
	DeleteLike(ctx context.Context, objectIRI, actorURI string) error
	CountLikes(ctx context.Context, objectIRI string) (int64, error)
	CreateAnnounce(ctx context.Context, objectIRI, actorURI string) (bool, error)
	DeleteAnnounce(ctx context.Context, objectIRI, actorURI string) error

	// CreateRemoteObject is idempotent on ap_id; redelivery of the same
	// Create inserts nothing and reports false.
	CreateRemoteObject(ctx context.Context, obj domain.RemoteObject) (bool, error)
	GetRemoteObject(ctx context.Context, apID string) (domain.RemoteObject, error)
	UpdateRemoteObject(ctx context.Context, obj domain.RemoteObject) error
	// SoftDeleteRemoteObject tombstones the object and reports whether a live
	// row was affected.
	SoftDeleteRemoteObject(ctx context.Context, apID string) (bool, error)

	// MoveActorRefs repoints follows, likes, announces and objects from a
	// remote actor's old ap_id to its new one. Rows the new identity already
	// holds swallow their old duplicates.
	MoveActorRefs(ctx context.Context, oldURI, newURI string) error

	CreateReport(ctx context.Context, r domain.Report) (bool, error)
}
