package impl

import (
	"context"
	"database/sql"
	"time"

	"github.com/sidereusnuntius/agora/internal/domain"
)

const remoteActorColumns = `id, ap_id, username, domain, display_name,
	public_key_pem, inbox, shared_inbox, kind, fetched_at`

func scanRemoteActor(row *sql.Row) (domain.RemoteActor, error) {
	var a domain.RemoteActor
	var fetched int64

	err := row.Scan(&a.ID, &a.ApID, &a.Username, &a.Domain, &a.DisplayName,
		&a.PublicKeyPem, &a.Inbox, &a.SharedInbox, &a.Kind, &fetched)
	if err != nil {
		return a, err
	}
	a.FetchedAt = time.Unix(fetched, 0)
	return a, nil
}

func (d *dbImpl) GetRemoteActor(ctx context.Context, apID string) (domain.RemoteActor, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+remoteActorColumns+` FROM remote_actors WHERE ap_id = ?`, apID)
	a, err := scanRemoteActor(row)
	return a, d.HandleError(err)
}

func (d *dbImpl) UpsertRemoteActor(ctx context.Context, actor domain.RemoteActor) (domain.RemoteActor, error) {
	fetched := actor.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO remote_actors
			(ap_id, username, domain, display_name, public_key_pem, inbox,
			 shared_inbox, kind, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ap_id) DO UPDATE SET
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			public_key_pem = excluded.public_key_pem,
			inbox = excluded.inbox,
			shared_inbox = excluded.shared_inbox,
			kind = excluded.kind,
			fetched_at = excluded.fetched_at`,
		actor.ApID, actor.Username, actor.Domain, actor.DisplayName,
		actor.PublicKeyPem, actor.Inbox, actor.SharedInbox, actor.Kind,
		fetched.Unix())
	if err != nil {
		// A concurrent insert of the same (username, domain) pair loses the
		// race; resolve to whatever won.
		if stored, readErr := d.GetRemoteActor(ctx, actor.ApID); readErr == nil {
			return stored, nil
		}
		return domain.RemoteActor{}, d.HandleError(err)
	}

	return d.GetRemoteActor(ctx, actor.ApID)
}

// MoveRemoteActor repoints a cached actor at its new identity. When the new
// identity is already cached, the old row is simply dropped; the cached copy
// of the destination is at least as fresh as anything a rename could carry
// over.
func (d *dbImpl) MoveRemoteActor(ctx context.Context, oldApID, newApID string) error {
	err := d.WithTx(func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM remote_actors WHERE ap_id = ?`, newApID).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM remote_actors WHERE ap_id = ?`, oldApID)
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE remote_actors SET ap_id = ? WHERE ap_id = ?`, newApID, oldApID)
		if err != nil {
			return err
		}
		if rows, err := res.RowsAffected(); err != nil {
			return err
		} else if rows == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	return d.HandleError(err)
}

func (d *dbImpl) DeleteStaleRemoteActors(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM remote_actors WHERE fetched_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, d.HandleError(err)
	}
	return res.RowsAffected()
}
