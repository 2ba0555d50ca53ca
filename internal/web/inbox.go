package web

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
	"github.com/sidereusnuntius/agora/internal/inbox"
)

var acceptedContentTypes = map[string]bool{
	"application/activity+json": true,
	"application/ld+json":       true,
	"application/json":          true,
}

// SharedInbox receives activities addressed to any actor on this instance.
// Remote servers use it to collapse fan-out to many local followers into one
// request.
func SharedInbox(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.receive(w, r)
	}
}

// ActorInbox receives activities for one local actor. Unknown actors 404
// before any body is read.
func ActorInbox(h *Handler, kind domain.ActorKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if kind == domain.ActorSite {
			name = h.Config.Name
		}

		if _, err := h.db.GetLocalActorByName(r.Context(), kind, name); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				http.Error(w, "", http.StatusNotFound)
				return
			}
			http.Error(w, "", http.StatusInternalServerError)
			return
		}

		h.receive(w, r)
	}
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	if !acceptedContentTypes[strings.TrimSpace(ct)] {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxPayloadSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	signer, err := h.verifier.VerifyInbound(r, body)
	if err != nil {
		http.Error(w, "", http.StatusUnauthorized)
		return
	}

	if err := h.processor.Process(r.Context(), body, signer); err != nil {
		if errors.Is(err, inbox.ErrUnauthorized) {
			http.Error(w, "", http.StatusForbidden)
			return
		}
		log.Error().Err(err).Str("signer", signer.ApID).Msg("inbox processing failed")
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
