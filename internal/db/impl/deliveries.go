package impl

import (
	"context"
	"database/sql"
	"time"

	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
)

const deliveryJobColumns = `id, activity_json, inbox_url, actor_uri, status,
	attempts, last_error, next_retry_at, lease_expires_at, delivered_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeliveryJob(row rowScanner) (domain.DeliveryJob, error) {
	var j domain.DeliveryJob
	var nextRetry, lease, delivered sql.NullInt64
	var created, updated int64

	err := row.Scan(&j.ID, &j.ActivityJSON, &j.InboxURL, &j.ActorURI,
		&j.Status, &j.Attempts, &j.LastError, &nextRetry, &lease, &delivered,
		&created, &updated)
	if err != nil {
		return j, err
	}

	j.NextRetryAt = unixPtr(nextRetry)
	j.LeaseExpiresAt = unixPtr(lease)
	j.DeliveredAt = unixPtr(delivered)
	j.CreatedAt = time.Unix(created, 0)
	j.UpdatedAt = time.Unix(updated, 0)
	return j, nil
}

func (d *dbImpl) UpsertDeliveryJob(ctx context.Context, activityJSON []byte, inboxURL, actorURI string) (int64, error) {
	var id int64
	now := time.Now().Unix()

	// The update-then-insert runs in one transaction; SQLite's single writer
	// makes the pair atomic, and the partial unique index backstops it.
	// Inflight jobs are never merged into: the worker delivers the payload it
	// claimed, so rewriting a leased row would lose this activity.
	err := d.WithTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE delivery_jobs SET activity_json = ?, updated_at = ?
			 WHERE inbox_url = ? AND actor_uri = ? AND status IN (?, ?)`,
			activityJSON, now, inboxURL, actorURI,
			domain.JobPending, domain.JobFailed)
		if err != nil {
			return err
		}

		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n > 0 {
			return tx.QueryRowContext(ctx,
				`SELECT id FROM delivery_jobs
				 WHERE inbox_url = ? AND actor_uri = ? AND status IN (?, ?)`,
				inboxURL, actorURI,
				domain.JobPending, domain.JobFailed).Scan(&id)
		}

		res, err = tx.ExecContext(ctx,
			`INSERT INTO delivery_jobs
				(activity_json, inbox_url, actor_uri, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			activityJSON, inboxURL, actorURI, domain.JobPending, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})

	return id, err
}

func (d *dbImpl) ClaimDeliveryJobs(ctx context.Context, limit int, now, leaseUntil time.Time) ([]domain.DeliveryJob, error) {
	var jobs []domain.DeliveryJob

	err := d.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+deliveryJobColumns+` FROM delivery_jobs
			 WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
			 ORDER BY id LIMIT ?`,
			domain.JobPending, now.Unix(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanDeliveryJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		lease := leaseUntil.Unix()
		for i := range jobs {
			// Guard on status again so two workers racing on the same batch
			// can never both take a job.
			res, err := tx.ExecContext(ctx,
				`UPDATE delivery_jobs
				 SET status = ?, lease_expires_at = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				domain.JobInflight, lease, now.Unix(), jobs[i].ID, domain.JobPending)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				jobs[i].ID = 0
				continue
			}
			jobs[i].Status = domain.JobInflight
			t := time.Unix(lease, 0)
			jobs[i].LeaseExpiresAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	claimed := jobs[:0]
	for _, j := range jobs {
		if j.ID != 0 {
			claimed = append(claimed, j)
		}
	}
	return claimed, nil
}

// dropSupersededJob deletes an inflight job whose destination already has a
// newer pending or failed job. The newer activity replaced this one while it
// was leased, so putting it back in the queue would both collide with the
// dedup index and deliver out of order.
func dropSupersededJob(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM delivery_jobs
		 WHERE id = ? AND status = ? AND EXISTS (
			SELECT 1 FROM delivery_jobs d2
			WHERE d2.inbox_url = delivery_jobs.inbox_url
			  AND d2.actor_uri = delivery_jobs.actor_uri
			  AND d2.id <> delivery_jobs.id
			  AND d2.status IN (?, ?))`,
		id, domain.JobInflight, domain.JobPending, domain.JobFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *dbImpl) ReclaimExpiredJobs(ctx context.Context, now time.Time) (int64, error) {
	var reclaimed int64
	err := d.WithTx(func(tx *sql.Tx) error {
		// Destinations that picked up a newer job while this one was leased
		// keep the newer payload only.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM delivery_jobs
			 WHERE status = ? AND lease_expires_at <= ? AND EXISTS (
				SELECT 1 FROM delivery_jobs d2
				WHERE d2.inbox_url = delivery_jobs.inbox_url
				  AND d2.actor_uri = delivery_jobs.actor_uri
				  AND d2.id <> delivery_jobs.id
				  AND d2.status IN (?, ?))`,
			domain.JobInflight, now.Unix(),
			domain.JobPending, domain.JobFailed); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE delivery_jobs
			 SET status = ?, lease_expires_at = NULL, updated_at = ?
			 WHERE status = ? AND lease_expires_at <= ?`,
			domain.JobPending, now.Unix(), domain.JobInflight, now.Unix())
		if err != nil {
			return err
		}
		reclaimed, err = res.RowsAffected()
		return err
	})
	return reclaimed, d.HandleError(err)
}

func (d *dbImpl) MarkJobDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE delivery_jobs
		 SET status = ?, delivered_at = ?, lease_expires_at = NULL,
		     next_retry_at = NULL, last_error = '', updated_at = ?
		 WHERE id = ?`,
		domain.JobDelivered, at.Unix(), at.Unix(), id)
	return d.HandleError(err)
}

// MarkJobRetry records a failed attempt and schedules the next one. The
// status guard keeps it from reviving a job an operator abandoned or the
// reclaimer already handled; either way the outcome is stale and dropped.
func (d *dbImpl) MarkJobRetry(ctx context.Context, id int64, attempts int, lastError string, nextRetryAt time.Time) error {
	return d.HandleError(d.WithTx(func(tx *sql.Tx) error {
		if dropped, err := dropSupersededJob(ctx, tx, id); err != nil || dropped {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE delivery_jobs
			 SET status = ?, attempts = ?, last_error = ?, next_retry_at = ?,
			     lease_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			domain.JobPending, attempts, lastError, nextRetryAt.Unix(),
			time.Now().Unix(), id, domain.JobInflight)
		return err
	}))
}

func (d *dbImpl) MarkJobFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	return d.HandleError(d.WithTx(func(tx *sql.Tx) error {
		if dropped, err := dropSupersededJob(ctx, tx, id); err != nil || dropped {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE delivery_jobs
			 SET status = ?, attempts = ?, last_error = ?, next_retry_at = NULL,
			     lease_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			domain.JobFailed, attempts, lastError, time.Now().Unix(), id,
			domain.JobInflight)
		return err
	}))
}

func (d *dbImpl) RetryDeliveryJob(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE delivery_jobs
		 SET status = ?, attempts = 0, next_retry_at = NULL,
		     last_error = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.JobPending, time.Now().Unix(), id, domain.JobFailed)
	if err != nil {
		return d.HandleError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (d *dbImpl) AbandonDeliveryJob(ctx context.Context, id int64, reason string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE delivery_jobs
		 SET status = ?, last_error = ?, next_retry_at = NULL,
		     lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		domain.JobAbandoned, reason, time.Now().Unix(), id,
		domain.JobPending, domain.JobInflight, domain.JobFailed)
	if err != nil {
		return d.HandleError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (d *dbImpl) GetDeliveryJob(ctx context.Context, id int64) (domain.DeliveryJob, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+deliveryJobColumns+` FROM delivery_jobs WHERE id = ?`, id)
	j, err := scanDeliveryJob(row)
	return j, d.HandleError(err)
}

func (d *dbImpl) ListDeliveryJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.DeliveryJob, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+deliveryJobColumns+` FROM delivery_jobs
		 WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		j, err := scanDeliveryJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
