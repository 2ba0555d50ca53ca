// Package wellknown serves the stateless discovery endpoints other instances
// use to resolve identities on this one. These paths stay unsigned even in
// authorized-fetch mode, since a stranger must be able to discover an actor
// before it can sign anything.
package wellknown

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
)

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebfingerLink `json:"links"`
}

func Mount(d db.DB, cfg *config.Configuration, r chi.Router) {
	r.Route("/.well-known/", func(r chi.Router) {
		r.Get("/webfinger", WebfingerEndpoint(d, cfg))
		r.Get("/nodeinfo", NodeinfoIndex(cfg))
	})
	r.Get("/nodeinfo/2.0", NodeinfoDocument(cfg))
}

func WebfingerEndpoint(d db.DB, cfg *config.Configuration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Query().Get("resource")
		uri, err := url.Parse(strings.Replace(resource, "acct:", "acct://", 1))
		if err != nil {
			http.Error(w, "failed to parse resource", http.StatusBadRequest)
			return
		}

		name := uri.User.Username()
		if uri.Host != "" && uri.Host != cfg.Domain {
			http.Error(w, "", http.StatusNotFound)
			return
		}

		actor, err := resolveName(r, d, cfg, name)
		if err != nil {
			http.Error(w, "", handleErr(err))
			return
		}

		res := WebfingerResponse{
			Subject: "acct:" + name + "@" + cfg.Domain,
			Links: []WebfingerLink{
				{Rel: "self", Type: "application/activity+json", Href: actor.ApID.String()},
			},
		}

		w.Header().Set("Content-Type", "application/jrd+json")
		if err = json.NewEncoder(w).Encode(res); err != nil {
			log.Error().Err(err).Msg("unable to marshal webfinger response")
			http.Error(w, "", http.StatusInternalServerError)
		}
	}
}

// resolveName maps a webfinger account name to a local actor. User names win
// over board names; the instance name resolves to the site actor.
func resolveName(r *http.Request, d db.DB, cfg *config.Configuration, name string) (domain.LocalActor, error) {
	actor, err := d.GetLocalActorByName(r.Context(), domain.ActorUser, name)
	if err == nil || !errors.Is(err, db.ErrNotFound) {
		return actor, err
	}
	actor, err = d.GetLocalActorByName(r.Context(), domain.ActorBoard, name)
	if err == nil || !errors.Is(err, db.ErrNotFound) {
		return actor, err
	}
	return d.GetLocalActorByName(r.Context(), domain.ActorSite, name)
}

func handleErr(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
