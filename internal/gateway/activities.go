package gateway

import (
	"github.com/google/uuid"
)

const activityContext = "https://www.w3.org/ns/activitystreams"

// newActivityID mints an id for a locally created activity under the
// instance's namespace.
func (g *Gateway) newActivityID() string {
	return g.cfg.Url.JoinPath("activities", uuid.NewString()).String()
}

func (g *Gateway) newActivity(typ, actor string) map[string]any {
	return map[string]any{
		"@context": activityContext,
		"id":       g.newActivityID(),
		"type":     typ,
		"actor":    actor,
	}
}

// NewAccept builds an Accept for a received activity. The original activity
// is repeated in the object property, the way Mastodon and friends expect.
func (g *Gateway) NewAccept(actor string, object map[string]any) map[string]any {
	accept := g.newActivity("Accept", actor)
	accept["object"] = object
	accept["to"] = []string{stringField(object, "actor")}
	return accept
}

// NewFollow builds an outbound Follow of a remote actor.
func (g *Gateway) NewFollow(id, follower, followee string) map[string]any {
	return map[string]any{
		"@context": activityContext,
		"id":       id,
		"type":     "Follow",
		"actor":    follower,
		"object":   followee,
		"to":       []string{followee},
	}
}

// NewUndo wraps a previously sent activity for retraction.
func (g *Gateway) NewUndo(actor string, object map[string]any) map[string]any {
	undo := g.newActivity("Undo", actor)
	undo["object"] = object
	return undo
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
