// Package client is the outbound half of federation: an http client that
// signs every request, refuses private and loopback destinations, and bounds
// timeouts, body sizes and redirects so one bad host cannot stall a worker.
package client

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/rs/zerolog/log"
	"github.com/sidereusnuntius/agora/internal/config"
)

const userAgent = "agora/1.0 (ActivityPub)"

var prefs = []httpsig.Algorithm{httpsig.RSA_SHA256}
var getHeaders = []string{httpsig.RequestTarget, "host", "date"}
var postHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// HttpClient is used by the instance actor itself for dereferencing remote
// documents; deliveries on behalf of a particular local actor pass that
// actor's key to Post.
type HttpClient struct {
	client       *http.Client
	maxBody      int64
	allowPrivate bool

	key      crypto.PrivateKey
	keyID    string
	getMutex sync.Mutex
	get      httpsig.Signer
}

// New builds the client around the instance actor's signing key.
func New(cfg *config.Configuration, key crypto.PrivateKey, keyID string) (*HttpClient, error) {
	getSigner, _, err := httpsig.NewSigner(prefs, httpsig.DigestSha256, getHeaders, httpsig.Signature, 3600)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout: cfg.ConnectTimeout,
		Control: dialControl(cfg.AllowPrivateNetworks),
	}

	httpClient := &http.Client{
		Timeout: cfg.ReceiveTimeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: cfg.ConnectTimeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return checkURL(req.URL, cfg.AllowPrivateNetworks)
		},
	}

	return &HttpClient{
		client:       httpClient,
		maxBody:      cfg.MaxPayloadSize,
		allowPrivate: cfg.AllowPrivateNetworks,
		key:          key,
		keyID:        keyID,
		get:          getSigner,
	}, nil
}

// Get dereferences an IRI with a signed GET and returns the response body,
// capped at the configured payload size.
func (c *HttpClient) Get(ctx context.Context, iri *url.URL) ([]byte, error) {
	if err := checkURL(iri, c.allowPrivate); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	c.getMutex.Lock()
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	err = c.get.SignRequest(c.key, c.keyID, req, nil)
	c.getMutex.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("error while signing request")
		return nil, err
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", iri.Host, c.maxBody)
	}

	if res.StatusCode >= http.StatusBadRequest {
		log.Error().Str("status", res.Status).Str("iri", iri.String()).Msg("fetch error")
		return nil, fmt.Errorf("%d %s", res.StatusCode, res.Status)
	}

	return body, nil
}

// Post delivers an activity to a remote inbox, signed with the given actor's
// key. A non-2xx response is an error; the delivery worker decides whether
// to retry.
func (c *HttpClient) Post(ctx context.Context, inbox *url.URL, body []byte, key crypto.PrivateKey, keyID string) error {
	if err := checkURL(inbox, c.allowPrivate); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	// Post signers are per-call: each delivery may sign as a different actor.
	signer, _, err := httpsig.NewSigner(prefs, httpsig.DigestSha256, postHeaders, httpsig.Signature, 3600)
	if err != nil {
		return err
	}
	if err = signer.SignRequest(key, keyID, req, body); err != nil {
		return err
	}

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		response, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		log.Debug().Int("code", res.StatusCode).Bytes("response", response).
			Str("inbox", inbox.String()).Msg("delivery rejected")
		return fmt.Errorf("error %d: %s", res.StatusCode, res.Status)
	}
	return nil
}
