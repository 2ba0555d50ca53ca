package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/db"
)

// AdminMiddleware guards the operator endpoints with the configured bearer
// token. With no token configured the endpoints do not exist.
func AdminMiddleware(h *Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.Config.AdminToken == "" {
				http.Error(w, "", http.StatusNotFound)
				return
			}

			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(h.Config.AdminToken)) != 1 {
				http.Error(w, "", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type deliveryJobView struct {
	ID        int64      `json:"id"`
	InboxURL  string     `json:"inbox_url"`
	ActorURI  string     `json:"actor_uri"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FailedDeliveries lists jobs that exhausted the retry budget and await an
// operator decision.
func FailedDeliveries(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := h.queue.Failed(r.Context(), 100)
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}

		views := make([]deliveryJobView, 0, len(jobs))
		for _, job := range jobs {
			views = append(views, deliveryJobView{
				ID:        job.ID,
				InboxURL:  job.InboxURL,
				ActorURI:  job.ActorURI,
				Status:    job.Status.String(),
				Attempts:  job.Attempts,
				LastError: job.LastError,
				CreatedAt: job.CreatedAt,
				UpdatedAt: job.UpdatedAt,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			log.Error().Err(err).Msg("unable to marshal failed deliveries")
		}
	}
}

func RetryDelivery(h *Handler) http.HandlerFunc {
	return jobAction(h, h.queue.Retry)
}

func AbandonDelivery(h *Handler) http.HandlerFunc {
	return jobAction(h, h.queue.Abandon)
}

func jobAction(h *Handler, action func(ctx context.Context, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}

		if err := action(r.Context(), id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				http.Error(w, "", http.StatusNotFound)
				return
			}
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ListBlocks(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domains, err := h.db.GetBlockedDomains(r.Context())
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(domains); err != nil {
			log.Error().Err(err).Msg("unable to marshal blocklist")
		}
	}
}

func AddBlock(h *Handler) http.HandlerFunc {
	return blockAction(h, h.blocks.Add)
}

func RemoveBlock(h *Handler) http.HandlerFunc {
	return blockAction(h, h.blocks.Remove)
}

func blockAction(h *Handler, action func(ctx context.Context, domain string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.ToLower(chi.URLParam(r, "domain"))
		if name == "" {
			http.Error(w, "missing domain", http.StatusBadRequest)
			return
		}

		if err := action(r.Context(), name); err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
