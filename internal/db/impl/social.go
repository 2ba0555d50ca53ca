package impl

import (
	"context"
	"database/sql"
	"time"

	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
)

func (d *dbImpl) UpsertFollow(ctx context.Context, f domain.Follow) (domain.Follow, error) {
	// A replayed Follow keeps the original row; DO NOTHING preserves the
	// first activity id and accepted state.
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO follows (activity_iri, follower_uri, followee_uri, accepted_at, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (follower_uri, followee_uri) DO NOTHING`,
		f.ActivityIRI, f.FollowerURI, f.FolloweeURI, nullUnix(f.AcceptedAt),
		time.Now().Unix())
	if err != nil {
		return domain.Follow{}, d.HandleError(err)
	}
	return d.GetFollow(ctx, f.FollowerURI, f.FolloweeURI)
}

func (d *dbImpl) GetFollow(ctx context.Context, followerURI, followeeURI string) (domain.Follow, error) {
	var f domain.Follow
	var accepted sql.NullInt64
	var created int64

	err := d.db.QueryRowContext(ctx,
		`SELECT id, activity_iri, follower_uri, followee_uri, accepted_at, created_at
		 FROM follows WHERE follower_uri = ? AND followee_uri = ?`,
		followerURI, followeeURI).
		Scan(&f.ID, &f.ActivityIRI, &f.FollowerURI, &f.FolloweeURI, &accepted, &created)
	if err != nil {
		return f, d.HandleError(err)
	}
	f.AcceptedAt = unixPtr(accepted)
	f.CreatedAt = time.Unix(created, 0)
	return f, nil
}

func (d *dbImpl) AcceptFollowByActivityIRI(ctx context.Context, activityIRI string, at time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE follows SET accepted_at = ? WHERE activity_iri = ? AND accepted_at IS NULL`,
		at.Unix(), activityIRI)
	if err != nil {
		return d.HandleError(err)
	}
	// Replayed Accepts match no pending row; callers absorb ErrNotFound.
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (d *dbImpl) DeleteFollowByActivityIRI(ctx context.Context, activityIRI, followerURI string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM follows WHERE activity_iri = ? AND follower_uri = ?`,
		activityIRI, followerURI)
	return d.HandleError(err)
}

func (d *dbImpl) GetFollowerURIs(ctx context.Context, followeeURI string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT follower_uri FROM follows
		 WHERE followee_uri = ? AND accepted_at IS NOT NULL`,
		followeeURI)
	if err != nil {
		return nil, d.HandleError(err)
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

func (d *dbImpl) CreateLike(ctx context.Context, objectIRI, actorURI string) (bool, error) {
	return d.insertPair(ctx, "likes", objectIRI, actorURI)
}

func (d *dbImpl) DeleteLike(ctx context.Context, objectIRI, actorURI string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM likes WHERE object_iri = ? AND actor_uri = ?`, objectIRI, actorURI)
	return d.HandleError(err)
}

func (d *dbImpl) CountLikes(ctx context.Context, objectIRI string) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM likes WHERE object_iri = ?`, objectIRI).Scan(&n)
	return n, d.HandleError(err)
}

func (d *dbImpl) CreateAnnounce(ctx context.Context, objectIRI, actorURI string) (bool, error) {
	return d.insertPair(ctx, "announces", objectIRI, actorURI)
}

func (d *dbImpl) DeleteAnnounce(ctx context.Context, objectIRI, actorURI string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM announces WHERE object_iri = ? AND actor_uri = ?`, objectIRI, actorURI)
	return d.HandleError(err)
}

// insertPair inserts into one of the (object_iri, actor_uri) keyed tables,
// reporting false when the pair was already present. The unique constraint is
// the sole concurrency control; two racing inserts resolve to one row.
func (d *dbImpl) insertPair(ctx context.Context, table, objectIRI, actorURI string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO `+table+` (object_iri, actor_uri, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (object_iri, actor_uri) DO NOTHING`,
		objectIRI, actorURI, time.Now().Unix())
	if err != nil {
		return false, d.HandleError(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *dbImpl) CreateRemoteObject(ctx context.Context, obj domain.RemoteObject) (bool, error) {
	published := obj.Published
	if published.IsZero() {
		published = time.Now()
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO remote_objects
			(ap_id, kind, attributed_to, in_reply_to, name, content, published, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ap_id) DO NOTHING`,
		obj.ApID, obj.Kind, obj.AttributedTo, obj.InReplyTo, obj.Name,
		obj.Content, published.Unix(), time.Now().Unix())
	if err != nil {
		return false, d.HandleError(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *dbImpl) GetRemoteObject(ctx context.Context, apID string) (domain.RemoteObject, error) {
	var o domain.RemoteObject
	var published, fetched int64

	err := d.db.QueryRowContext(ctx,
		`SELECT id, ap_id, kind, attributed_to, in_reply_to, name, content,
		        deleted, published, fetched_at
		 FROM remote_objects WHERE ap_id = ?`, apID).
		Scan(&o.ID, &o.ApID, &o.Kind, &o.AttributedTo, &o.InReplyTo, &o.Name,
			&o.Content, &o.Deleted, &published, &fetched)
	if err != nil {
		return o, d.HandleError(err)
	}
	o.Published = time.Unix(published, 0)
	o.FetchedAt = time.Unix(fetched, 0)
	return o, nil
}

func (d *dbImpl) UpdateRemoteObject(ctx context.Context, obj domain.RemoteObject) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE remote_objects SET name = ?, content = ?, fetched_at = ?
		 WHERE ap_id = ? AND deleted = 0`,
		obj.Name, obj.Content, time.Now().Unix(), obj.ApID)
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

func (d *dbImpl) SoftDeleteRemoteObject(ctx context.Context, apID string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE remote_objects SET deleted = 1, content = '', name = ''
		 WHERE ap_id = ? AND deleted = 0`, apID)
	if err != nil {
		return false, d.HandleError(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MoveActorRefs rewrites every reference to a renamed actor. Where the new
// identity already holds an equivalent row, OR IGNORE leaves the old one in
// place and the follow-up DELETE discards it as a duplicate.
func (d *dbImpl) MoveActorRefs(ctx context.Context, oldURI, newURI string) error {
	return d.WithTx(func(tx *sql.Tx) error {
		for _, pair := range [][2]string{
			{`UPDATE OR IGNORE follows SET follower_uri = ? WHERE follower_uri = ?`,
				`DELETE FROM follows WHERE follower_uri = ?`},
			{`UPDATE OR IGNORE follows SET followee_uri = ? WHERE followee_uri = ?`,
				`DELETE FROM follows WHERE followee_uri = ?`},
			{`UPDATE OR IGNORE likes SET actor_uri = ? WHERE actor_uri = ?`,
				`DELETE FROM likes WHERE actor_uri = ?`},
			{`UPDATE OR IGNORE announces SET actor_uri = ? WHERE actor_uri = ?`,
				`DELETE FROM announces WHERE actor_uri = ?`},
		} {
			if _, err := tx.ExecContext(ctx, pair[0], newURI, oldURI); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, pair[1], oldURI); err != nil {
				return err
			}
		}
		// No unique constraint involves attributed_to.
		_, err := tx.ExecContext(ctx,
			`UPDATE remote_objects SET attributed_to = ? WHERE attributed_to = ?`,
			newURI, oldURI)
		return err
	})
}

func (d *dbImpl) CreateReport(ctx context.Context, r domain.Report) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO reports (activity_iri, actor_uri, object_iri, content, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (activity_iri) DO NOTHING`,
		r.ActivityIRI, r.ActorURI, r.ObjectIRI, r.Content, time.Now().Unix())
	if err != nil {
		return false, d.HandleError(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
