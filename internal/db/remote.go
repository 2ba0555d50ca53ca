package db

import (
	"context"
	"time"

	"github.com/sidereusnuntius/agora/internal/domain"
)

type RemoteActors interface {
	GetRemoteActor(ctx context.Context, apID string) (domain.RemoteActor, error)
	// UpsertRemoteActor inserts the actor or refreshes an existing row keyed
	// on ap_id, and returns the stored record. A duplicate-insert race
	// resolves to a read after the conflict.
	UpsertRemoteActor(ctx context.Context, actor domain.RemoteActor) (domain.RemoteActor, error)
	// MoveRemoteActor rewrites the actor row's ap_id from old to new. If the
	// new identity is already cached the old row is dropped instead, and
	// ErrNotFound means the old identity was never cached.
	MoveRemoteActor(ctx context.Context, oldApID, newApID string) error
	// DeleteStaleRemoteActors removes actors not fetched since the cutoff and
	// returns how many were swept.
	DeleteStaleRemoteActors(ctx context.Context, cutoff time.Time) (int64, error)
}
