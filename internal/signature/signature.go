// Package signature authenticates inbound federation requests. Verification
// failures are reported to the remote caller as one generic error, whatever
// actually went wrong; the specific reason and the requester address only go
// to the log, so probing clients learn nothing about which check failed.
package signature

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/actors"
	"github.com/sidereusnuntius/agora/internal/blocklist"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/domain"
	"github.com/sidereusnuntius/agora/internal/keys"
)

// ErrVerification is the only error callers surface to remote parties.
var ErrVerification = errors.New("signature verification failed")

type Verifier struct {
	actors *actors.Cache
	blocks *blocklist.Cache
	cfg    *config.Configuration
}

func New(a *actors.Cache, blocks *blocklist.Cache, cfg *config.Configuration) *Verifier {
	return &Verifier{
		actors: a,
		blocks: blocks,
		cfg:    cfg,
	}
}

// VerifyInbound authenticates a signed POST to an inbox. It checks the Date
// header against the replay window, the Digest header against the actual
// body, resolves the signature's keyId to a remote actor (fetching it if
// needed), and verifies the signature itself. On success it returns the
// actor whose key signed the request.
func (v *Verifier) VerifyInbound(r *http.Request, body []byte) (domain.RemoteActor, error) {
	if err := v.checkDate(r); err != nil {
		return reject(r, err)
	}
	if err := checkDigest(r, body); err != nil {
		return reject(r, err)
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return reject(r, err)
	}

	keyID := verifier.KeyId()
	keyURL, err := url.Parse(keyID)
	if err != nil || !keyURL.IsAbs() {
		return reject(r, errors.New("unparseable keyId "+keyID))
	}

	if v.blocks.Blocked(keyURL.Hostname()) {
		return reject(r, errors.New("signature from blocked domain "+keyURL.Hostname()))
	}

	actor, err := v.actors.ResolveKeyOwner(r.Context(), keyID)
	if err != nil {
		return reject(r, err)
	}

	pubKey, err := keys.ParsePublicKeyPem(actor.PublicKeyPem)
	if err != nil {
		return reject(r, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return reject(r, err)
	}

	return actor, nil
}

// VerifyGet enforces authorized-fetch mode on GET requests for federation
// documents. Discovery endpoints stay open: remote instances cannot sign a
// webfinger lookup for an actor they have not resolved yet.
func (v *Verifier) VerifyGet(r *http.Request) error {
	if !v.cfg.AuthorizedFetch {
		return nil
	}
	if exemptPath(r.URL.Path) {
		return nil
	}

	if err := v.checkDate(r); err != nil {
		_, err = reject(r, err)
		return err
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		_, err = reject(r, err)
		return err
	}

	actor, err := v.actors.ResolveKeyOwner(r.Context(), verifier.KeyId())
	if err != nil {
		_, err = reject(r, err)
		return err
	}

	pubKey, err := keys.ParsePublicKeyPem(actor.PublicKeyPem)
	if err != nil {
		_, err = reject(r, err)
		return err
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		_, err = reject(r, err)
		return err
	}
	return nil
}

func exemptPath(path string) bool {
	return strings.HasPrefix(path, "/.well-known/") || path == "/nodeinfo/2.0"
}

// checkDate bounds the age of the signed Date header. Signatures cover the
// date, so replaying a captured request only works inside this window.
func (v *Verifier) checkDate(r *http.Request) error {
	raw := r.Header.Get("Date")
	if raw == "" {
		return errors.New("missing Date header")
	}

	date, err := http.ParseTime(raw)
	if err != nil {
		return errors.New("unparseable Date header " + raw)
	}

	age := time.Since(date)
	if age > v.cfg.SignatureMaxAge || age < -v.cfg.SignatureMaxAge {
		return errors.New("Date header outside accepted window: " + raw)
	}
	return nil
}

// checkDigest confirms the Digest header the signature covers actually
// matches the delivered body.
func checkDigest(r *http.Request, body []byte) error {
	raw := r.Header.Get("Digest")
	if raw == "" {
		return errors.New("missing Digest header")
	}

	algo, value, found := strings.Cut(raw, "=")
	if !found || !strings.EqualFold(algo, "SHA-256") {
		return errors.New("unsupported digest " + raw)
	}

	sum := sha256.Sum256(body)
	expected := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(value)) != 1 {
		return errors.New("digest mismatch")
	}
	return nil
}

// reject logs the real reason with the requester address and returns the
// generic error.
func reject(r *http.Request, reason error) (domain.RemoteActor, error) {
	log.Info().
		Err(reason).
		Str("remote_addr", r.RemoteAddr).
		Str("path", r.URL.Path).
		Msg("rejected federation request")
	return domain.RemoteActor{}, ErrVerification
}
