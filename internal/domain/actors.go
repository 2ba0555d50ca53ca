package domain

import (
	"net/url"
	"time"
)

// ActorKind distinguishes the three kinds of local actors a forum node
// publishes. Each one owns its own keypair and inbox.
type ActorKind string

const (
	ActorSite  ActorKind = "site"
	ActorUser  ActorKind = "user"
	ActorBoard ActorKind = "board"
)

// LocalActor is a federated identity owned by this instance: the site itself,
// a user, or a board. The private key is only ever stored encrypted; the
// plaintext key exists transiently in memory while signing.
type LocalActor struct {
	ID                  int64
	Kind                ActorKind
	Name                string
	DisplayName         string
	Summary             string
	ApID                *url.URL
	PublicKeyPem        string
	EncryptedPrivateKey []byte
	// AutoAcceptFollows mirrors the actor's follow policy; when true an
	// inbound Follow is answered with an Accept without review.
	AutoAcceptFollows bool
	CreatedAt         time.Time
}

// KeyID returns the identifier under which the actor's public key is
// published in its actor document.
func (a *LocalActor) KeyID() string {
	return a.ApID.String() + "#main-key"
}

// HasKeys reports whether a keypair has been generated for the actor.
func (a *LocalActor) HasKeys() bool {
	return a.PublicKeyPem != "" && len(a.EncryptedPrivateKey) > 0
}

// RemoteActor is the cached representation of an actor on another instance.
// ApID is the sole identity key; (Username, Domain) is unique as well.
type RemoteActor struct {
	ID           int64
	ApID         string
	Username     string
	Domain       string
	DisplayName  string
	PublicKeyPem string
	Inbox        string
	SharedInbox  string
	// Kind is the remote actor's advertised type (Person, Group, Service...).
	Kind      string
	FetchedAt time.Time
}

// BestInbox returns the shared inbox when the actor advertises one, so that
// fan-out to many followers on one host collapses into a single delivery.
func (a *RemoteActor) BestInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}
