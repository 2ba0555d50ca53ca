// Package delivery is the durable outbound side of federation: a job store
// with at-least-once semantics and a background worker that signs and posts
// queued activities, retrying on a fixed backoff schedule.
package delivery

import (
	"context"
	"net/url"

	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/blocklist"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
)

// Queue enqueues delivery jobs and exposes the operator actions on failed
// ones. Enqueue is fire-and-forget from the caller's point of view: transient
// delivery problems surface through the job's state, never synchronously.
type Queue struct {
	db     db.DB
	blocks *blocklist.Cache
	cfg    *config.Configuration
}

func NewQueue(d db.DB, blocks *blocklist.Cache, cfg *config.Configuration) *Queue {
	return &Queue{
		db:     d,
		blocks: blocks,
		cfg:    cfg,
	}
}

// Enqueue upserts a pending job for the destination. A queued job for the
// same (inbox, signer) pair absorbs the new payload instead of growing the
// queue; a job already out for delivery does not, so nothing enqueued here
// is ever lost to an in-flight attempt. Blocked destinations are dropped
// here, silently for the caller, logged for audit.
func (q *Queue) Enqueue(ctx context.Context, activityJSON []byte, inboxURL, actorURI string) error {
	inbox, err := url.Parse(inboxURL)
	if err != nil {
		return err
	}

	if q.blocks.BlockedURL(inbox) {
		log.Info().Str("inbox", inboxURL).Msg("dropping delivery to blocked domain")
		return nil
	}

	id, err := q.db.UpsertDeliveryJob(ctx, activityJSON, inboxURL, actorURI)
	if err != nil {
		return err
	}

	log.Debug().Int64("job", id).Str("inbox", inboxURL).Msg("enqueued delivery")
	return nil
}

// Retry resets a terminally failed job so the worker picks it up again with
// a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	if err := q.db.RetryDeliveryJob(ctx, id); err != nil {
		return err
	}
	log.Info().Int64("job", id).Msg("operator retried delivery job")
	return nil
}

// Abandon marks a job as given up. The row is kept for audit.
func (q *Queue) Abandon(ctx context.Context, id int64) error {
	if err := q.db.AbandonDeliveryJob(ctx, id, "abandoned by operator"); err != nil {
		return err
	}
	log.Info().Int64("job", id).Msg("operator abandoned delivery job")
	return nil
}

// Failed lists terminally failed jobs awaiting operator action.
func (q *Queue) Failed(ctx context.Context, limit int) ([]domain.DeliveryJob, error) {
	return q.db.ListDeliveryJobs(ctx, domain.JobFailed, limit)
}
