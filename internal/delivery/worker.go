package delivery

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/blocklist"
	"github.com/sidereusnuntius/agora/internal/client"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
	"github.com/sidereusnuntius/agora/internal/keys"
	"github.com/sourcegraph/conc/pool"
)

// Worker drains the delivery queue on a fixed poll interval. Claims go
// through a conditional status transition with a lease, so several worker
// instances can share one job store without double-sending, and a crashed
// worker's claims return to the queue when the lease runs out.
type Worker struct {
	db     db.DB
	client *client.HttpClient
	keys   *keys.Store
	blocks *blocklist.Cache
	cfg    *config.Configuration

	stop chan struct{}
	done chan struct{}
}

func NewWorker(d db.DB, c *client.HttpClient, ks *keys.Store, blocks *blocklist.Cache, cfg *config.Configuration) *Worker {
	return &Worker{
		db:     d,
		client: c,
		keys:   ks,
		blocks: blocks,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the poll loop. One batch runs immediately so deliveries
// enqueued before startup do not wait a full interval.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
	log.Info().Dur("interval", w.cfg.DeliveryPollInterval).Msg("started delivery worker")
}

// Stop halts the poll loop and blocks until in-flight deliveries finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
	log.Info().Msg("delivery worker drained")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.DeliveryPollInterval)
	defer ticker.Stop()

	w.runBatch(ctx)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runBatch(ctx)
		}
	}
}

func (w *Worker) runBatch(ctx context.Context) {
	now := time.Now()

	if n, err := w.db.ReclaimExpiredJobs(ctx, now); err != nil {
		log.Error().Err(err).Msg("failed to reclaim expired delivery leases")
	} else if n > 0 {
		log.Warn().Int64("count", n).Msg("reclaimed delivery jobs with expired leases")
	}

	jobs, err := w.db.ClaimDeliveryJobs(ctx, w.cfg.DeliveryBatchSize, now, now.Add(w.cfg.DeliveryLease))
	if err != nil {
		log.Error().Err(err).Msg("failed to claim delivery batch")
		return
	}
	if len(jobs) == 0 {
		return
	}

	log.Debug().Int("count", len(jobs)).Msg("processing delivery batch")

	p := pool.New().WithMaxGoroutines(w.cfg.DeliveryConcurrency)
	for _, job := range jobs {
		p.Go(func() {
			w.deliver(ctx, job)
		})
	}
	p.Wait()
}

func (w *Worker) deliver(ctx context.Context, job domain.DeliveryJob) {
	inbox, err := url.Parse(job.InboxURL)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	// The blocklist may have changed since the job was enqueued; a domain
	// blocked at dispatch time is dropped without a network call.
	if w.blocks.BlockedURL(inbox) {
		log.Info().Int64("job", job.ID).Str("inbox", job.InboxURL).
			Msg("dropping claimed delivery, domain now blocked")
		if err := w.db.AbandonDeliveryJob(ctx, job.ID, "domain blocked"); err != nil {
			log.Error().Err(err).Int64("job", job.ID).Msg("failed to abandon blocked delivery")
		}
		return
	}

	actor, err := w.db.GetLocalActorByURI(ctx, job.ActorURI)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	key, err := w.keys.PrivateKey(ctx, &actor)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	if err := w.client.Post(ctx, inbox, job.ActivityJSON, key, actor.KeyID()); err != nil {
		w.fail(ctx, job, err)
		return
	}

	if err := w.db.MarkJobDelivered(ctx, job.ID, time.Now()); err != nil {
		log.Error().Err(err).Int64("job", job.ID).Msg("failed to mark job delivered")
		return
	}
	log.Debug().Int64("job", job.ID).Str("inbox", job.InboxURL).Msg("delivered activity")
}

// fail records the attempt and either schedules the next retry on the
// backoff schedule or, when the budget is spent, parks the job in the failed
// state for an operator.
func (w *Worker) fail(ctx context.Context, job domain.DeliveryJob, cause error) {
	attempts := job.Attempts + 1

	if attempts >= w.cfg.DeliveryMaxAttempts {
		log.Warn().Err(cause).Int64("job", job.ID).Str("inbox", job.InboxURL).
			Int("attempts", attempts).Msg("delivery failed permanently")
		if err := w.db.MarkJobFailed(ctx, job.ID, attempts, cause.Error()); err != nil {
			log.Error().Err(err).Int64("job", job.ID).Msg("failed to mark job failed")
		}
		return
	}

	delay := w.cfg.Backoff(attempts)
	next := time.Now().Add(delay)
	log.Info().Err(cause).Int64("job", job.ID).Str("inbox", job.InboxURL).
		Int("attempt", attempts).Dur("retry_in", delay).Msg("delivery failed, will retry")

	if err := w.db.MarkJobRetry(ctx, job.ID, attempts, cause.Error(), next); err != nil {
		log.Error().Err(err).Int64("job", job.ID).Msg("failed to schedule retry")
	}
}
