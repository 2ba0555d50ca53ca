package domain

import "time"

// Follow records follow state between two actors, in either direction: a
// remote actor following a local one, or a local user following a remote
// actor. AcceptedAt is nil while the follow is pending. ActivityIRI is the
// originating Follow activity's id, kept for idempotent Undo matching.
type Follow struct {
	ID          int64
	ActivityIRI string
	FollowerURI string
	FolloweeURI string
	AcceptedAt  *time.Time
	CreatedAt   time.Time
}

// Like is a like attributed to a remote actor on an object known to this
// instance. Unique per (ObjectIRI, ActorURI).
type Like struct {
	ID        int64
	ObjectIRI string
	ActorURI  string
	CreatedAt time.Time
}

// Announce is a boost/forward of an object by a remote actor. Unique per
// (ObjectIRI, ActorURI).
type Announce struct {
	ID        int64
	ObjectIRI string
	ActorURI  string
	CreatedAt time.Time
}

// ObjectKind enumerates the remote object types the inbox accepts.
type ObjectKind string

const (
	ObjectNote     ObjectKind = "Note"
	ObjectArticle  ObjectKind = "Article"
	ObjectQuestion ObjectKind = "Question"
)

// RemoteObject is a note, article or question authored on another instance
// and delivered here. Content is stored sanitized. Deletion is soft; the row
// is kept with Deleted set.
type RemoteObject struct {
	ID           int64
	ApID         string
	Kind         ObjectKind
	AttributedTo string
	InReplyTo    string
	Name         string
	Content      string
	Deleted      bool
	Published    time.Time
	FetchedAt    time.Time
}

// Report is a moderation report created from an inbound Flag activity; the
// signing remote actor is the implicit reporter.
type Report struct {
	ID          int64
	ActivityIRI string
	ActorURI    string
	ObjectIRI   string
	Content     string
	CreatedAt   time.Time
}
