package db

import (
	"context"
	"time"

	"github.com/sidereusnuntius/agora/internal/domain"
)

type Deliveries interface {
	// UpsertDeliveryJob enqueues a delivery. If a pending or failed job
	// already targets the same (inbox, actor) pair the payload replaces it in
	// place; at most one such job ever exists per pair. An inflight job is
	// left alone, since its claimed payload is already out for delivery, and
	// the new activity gets its own row.
	UpsertDeliveryJob(ctx context.Context, activityJSON []byte, inboxURL, actorURI string) (int64, error)
	// ClaimDeliveryJobs atomically transitions up to limit due jobs to
	// inflight with the given lease expiry and returns them. Two workers can
	// never claim the same job.
	ClaimDeliveryJobs(ctx context.Context, limit int, now, leaseUntil time.Time) ([]domain.DeliveryJob, error)
	// ReclaimExpiredJobs reverts inflight jobs whose lease ran out back to
	// pending, so a crashed worker's claims are never stuck.
	ReclaimExpiredJobs(ctx context.Context, now time.Time) (int64, error)

	MarkJobDelivered(ctx context.Context, id int64, at time.Time) error
	// MarkJobRetry records a failed attempt and schedules the next one. It
	// only applies to a job still inflight; a job abandoned or superseded by
	// a newer one for the same pair while leased drops the outcome.
	MarkJobRetry(ctx context.Context, id int64, attempts int, lastError string, nextRetryAt time.Time) error
	// MarkJobFailed records a failed attempt that exhausted the retry budget;
	// the job then waits for an operator. Same inflight guard as MarkJobRetry.
	MarkJobFailed(ctx context.Context, id int64, attempts int, lastError string) error

	// RetryDeliveryJob and AbandonDeliveryJob are the operator actions on a
	// terminally failed job.
	RetryDeliveryJob(ctx context.Context, id int64) error
	AbandonDeliveryJob(ctx context.Context, id int64, reason string) error

	GetDeliveryJob(ctx context.Context, id int64) (domain.DeliveryJob, error)
	ListDeliveryJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.DeliveryJob, error)
}
