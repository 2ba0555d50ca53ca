package impl

import (
	"context"
	"database/sql"
	"net/url"
	"time"

	"github.com/sidereusnuntius/agora/internal/domain"
)

const localActorColumns = `id, kind, name, display_name, summary, ap_id,
	public_key_pem, encrypted_private_key, auto_accept_follows, created_at`

func scanLocalActor(row *sql.Row) (domain.LocalActor, error) {
	var a domain.LocalActor
	var apID string
	var key []byte
	var created int64

	err := row.Scan(&a.ID, &a.Kind, &a.Name, &a.DisplayName, &a.Summary,
		&apID, &a.PublicKeyPem, &key, &a.AutoAcceptFollows, &created)
	if err != nil {
		return a, err
	}

	a.ApID, err = url.Parse(apID)
	if err != nil {
		return a, err
	}
	a.EncryptedPrivateKey = key
	a.CreatedAt = time.Unix(created, 0)
	return a, nil
}

func (d *dbImpl) GetLocalActorByURI(ctx context.Context, apID string) (domain.LocalActor, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+localActorColumns+` FROM local_actors WHERE ap_id = ?`, apID)
	a, err := scanLocalActor(row)
	return a, d.HandleError(err)
}

func (d *dbImpl) GetLocalActorByName(ctx context.Context, kind domain.ActorKind, name string) (domain.LocalActor, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+localActorColumns+` FROM local_actors WHERE kind = ? AND name = ?`, kind, name)
	a, err := scanLocalActor(row)
	return a, d.HandleError(err)
}

func (d *dbImpl) CreateLocalActor(ctx context.Context, actor domain.LocalActor) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO local_actors
			(kind, name, display_name, summary, ap_id, public_key_pem,
			 encrypted_private_key, auto_accept_follows, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		actor.Kind, actor.Name, actor.DisplayName, actor.Summary,
		actor.ApID.String(), actor.PublicKeyPem, actor.EncryptedPrivateKey,
		actor.AutoAcceptFollows, time.Now().Unix())
	if err != nil {
		return 0, d.HandleError(err)
	}
	return res.LastInsertId()
}

func (d *dbImpl) SetActorKeysIfEmpty(ctx context.Context, id int64, publicKeyPem string, encryptedPrivateKey []byte) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE local_actors SET public_key_pem = ?, encrypted_private_key = ?
		 WHERE id = ? AND public_key_pem = ''`,
		publicKeyPem, encryptedPrivateKey, id)
	if err != nil {
		return false, d.HandleError(err)
	}
	n, err := res.RowsAffected()
	return n > 0, d.HandleError(err)
}

func (d *dbImpl) SetActorKeys(ctx context.Context, id int64, publicKeyPem string, encryptedPrivateKey []byte) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE local_actors SET public_key_pem = ?, encrypted_private_key = ? WHERE id = ?`,
		publicKeyPem, encryptedPrivateKey, id)
	return d.HandleError(err)
}
