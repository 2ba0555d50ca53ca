// Package keys owns the keypair lifecycle of local actors: generation on
// first use, rotation, and access to the decrypted signing key. Private keys
// only ever touch the database encrypted by the vault.
package keys

import (
	"context"
	"crypto/rsa"

	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
	"github.com/sidereusnuntius/agora/internal/vault"
)

type Store struct {
	db    db.DB
	vault *vault.Vault
	size  int
}

func New(d db.DB, v *vault.Vault, rsaKeySize int) *Store {
	return &Store{
		db:    d,
		vault: v,
		size:  rsaKeySize,
	}
}

// EnsureKeypair generates and persists a keypair for the actor if it has
// none, and fills in the key fields on the passed actor. Concurrent calls
// for the same actor converge on one stored keypair: the write is
// conditional on the keys still being absent, and losers re-read the winner.
func (s *Store) EnsureKeypair(ctx context.Context, actor *domain.LocalActor) error {
	if actor.HasKeys() {
		return nil
	}

	pub, priv, err := generateKeysPem(s.size)
	if err != nil {
		return err
	}

	encrypted, err := s.vault.Encrypt([]byte(priv))
	if err != nil {
		return err
	}

	written, err := s.db.SetActorKeysIfEmpty(ctx, actor.ID, pub, encrypted)
	if err != nil {
		return err
	}

	if !written {
		// Someone else generated first; take theirs.
		stored, err := s.db.GetLocalActorByURI(ctx, actor.ApID.String())
		if err != nil {
			return err
		}
		actor.PublicKeyPem = stored.PublicKeyPem
		actor.EncryptedPrivateKey = stored.EncryptedPrivateKey
		return nil
	}

	log.Info().Str("actor", actor.ApID.String()).Msg("generated keypair")
	actor.PublicKeyPem = pub
	actor.EncryptedPrivateKey = encrypted
	return nil
}

// Rotate unconditionally replaces the actor's keypair. Signatures made with
// the prior key become unverifiable immediately.
func (s *Store) Rotate(ctx context.Context, actor *domain.LocalActor) error {
	pub, priv, err := generateKeysPem(s.size)
	if err != nil {
		return err
	}

	encrypted, err := s.vault.Encrypt([]byte(priv))
	if err != nil {
		return err
	}

	if err := s.db.SetActorKeys(ctx, actor.ID, pub, encrypted); err != nil {
		return err
	}

	log.Info().Str("actor", actor.ApID.String()).Msg("rotated keypair")
	actor.PublicKeyPem = pub
	actor.EncryptedPrivateKey = encrypted
	return nil
}

// PrivateKey decrypts and parses the actor's signing key. The plaintext key
// lives only in the returned value.
func (s *Store) PrivateKey(ctx context.Context, actor *domain.LocalActor) (*rsa.PrivateKey, error) {
	if err := s.EnsureKeypair(ctx, actor); err != nil {
		return nil, err
	}

	plaintext, err := s.vault.Decrypt(actor.EncryptedPrivateKey)
	if err != nil {
		return nil, err
	}

	return ParsePrivateKeyPem(string(plaintext))
}
