package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
)

// actorTypes maps local actor kinds to the vocabulary types other software
// expects to see.
var actorTypes = map[domain.ActorKind]string{
	domain.ActorSite:  "Application",
	domain.ActorUser:  "Person",
	domain.ActorBoard: "Group",
}

// ActorDocument serves an actor's federation document. Browsers asking for
// HTML are redirected to the front-end; federated software negotiates the
// JSON representation via the Accept header.
func ActorDocument(h *Handler, kind domain.ActorKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serveActor(w, r, kind, chi.URLParam(r, "name"))
	}
}

// SiteActor serves the instance actor's document.
func SiteActor(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serveActor(w, r, domain.ActorSite, h.Config.Name)
	}
}

func (h *Handler) serveActor(w http.ResponseWriter, r *http.Request, kind domain.ActorKind, name string) {
	if !wantsActivityJSON(r) {
		http.Redirect(w, r, h.Config.Url.String(), http.StatusSeeOther)
		return
	}

	if err := h.verifier.VerifyGet(r); err != nil {
		http.Error(w, "", http.StatusUnauthorized)
		return
	}

	actor, err := h.db.GetLocalActorByName(r.Context(), kind, name)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "", http.StatusNotFound)
			return
		}
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	// Actors created before their first federated interaction may not have
	// a keypair yet; it is minted on first serve.
	if err := h.keys.EnsureKeypair(r.Context(), &actor); err != nil {
		log.Error().Err(err).Str("actor", actor.ApID.String()).Msg("failed to ensure actor keypair")
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	apID := actor.ApID.String()
	doc := map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                apID,
		"type":              actorTypes[kind],
		"preferredUsername": actor.Name,
		"name":              actor.DisplayName,
		"summary":           actor.Summary,
		"inbox":             apID + "/inbox",
		"outbox":            apID + "/outbox",
		"endpoints": map[string]any{
			"sharedInbox": h.Config.Url.JoinPath("inbox").String(),
		},
		"publicKey": map[string]any{
			"id":           actor.KeyID(),
			"owner":        apID,
			"publicKeyPem": actor.PublicKeyPem,
		},
	}

	w.Header().Set("Content-Type", "application/activity+json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Error().Err(err).Msg("unable to marshal actor document")
	}
}

func wantsActivityJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/activity+json") ||
		strings.Contains(accept, "application/ld+json") ||
		strings.Contains(accept, "application/json")
}
