package db

import (
	"context"

	"github.com/sidereusnuntius/agora/internal/domain"
)

type Actors interface {
	GetLocalActorByURI(ctx context.Context, apID string) (domain.LocalActor, error)
	GetLocalActorByName(ctx context.Context, kind domain.ActorKind, name string) (domain.LocalActor, error)
	CreateLocalActor(ctx context.Context, actor domain.LocalActor) (int64, error)
	// SetActorKeysIfEmpty stores a keypair only when the actor has none yet.
	// It reports whether the write happened, so concurrent generation for the
	// same actor converges on one winner.
	SetActorKeysIfEmpty(ctx context.Context, id int64, publicKeyPem string, encryptedPrivateKey []byte) (bool, error)
	// SetActorKeys replaces the keypair unconditionally (rotation).
	SetActorKeys(ctx context.Context, id int64, publicKeyPem string, encryptedPrivateKey []byte) error
}
