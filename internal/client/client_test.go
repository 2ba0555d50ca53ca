package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/sidereusnuntius/agora/internal/config"
)

var ctx = context.Background()

func testConfig(allowPrivate bool) *config.Configuration {
	return &config.Configuration{
		MaxPayloadSize:       262144,
		ConnectTimeout:       2 * time.Second,
		ReceiveTimeout:       5 * time.Second,
		MaxRedirects:         3,
		AllowPrivateNetworks: allowPrivate,
	}
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestPostSignsVerifiably(t *testing.T) {
	key := testKey(t)
	keyID := "https://local.test/users/alice#main-key"

	var sawKeyID string
	var verifyErr error
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifier, err := httpsig.NewVerifier(r)
		if err != nil {
			verifyErr = err
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sawKeyID = verifier.KeyId()
		if err := verifier.Verify(&key.PublicKey, httpsig.RSA_SHA256); err != nil {
			verifyErr = err
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c, err := New(testConfig(true), key, keyID)
	if err != nil {
		t.Fatal(err)
	}

	inbox, _ := url.Parse(server.URL + "/inbox")
	if err := c.Post(ctx, inbox, []byte(`{"type":"Like"}`), key, keyID); err != nil {
		t.Fatalf("post failed: %v (verify: %v)", err, verifyErr)
	}
	if sawKeyID != keyID {
		t.Errorf("expected keyId %q, got %q", keyID, sawKeyID)
	}
}

func TestPostRejectedResponseIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "go away", http.StatusBadGateway)
	}))
	defer server.Close()

	key := testKey(t)
	c, err := New(testConfig(true), key, "https://local.test/actor#main-key")
	if err != nil {
		t.Fatal(err)
	}

	inbox, _ := url.Parse(server.URL + "/inbox")
	err = c.Post(ctx, inbox, []byte(`{}`), key, "https://local.test/actor#main-key")
	if err == nil {
		t.Error("non-2xx response did not produce an error")
	}
}

func TestGetCapsResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer server.Close()

	cfg := testConfig(true)
	cfg.MaxPayloadSize = 1024
	key := testKey(t)
	c, err := New(cfg, key, "https://local.test/actor#main-key")
	if err != nil {
		t.Fatal(err)
	}

	iri, _ := url.Parse(server.URL + "/big")
	if _, err := c.Get(ctx, iri); err == nil {
		t.Error("oversized response was not rejected")
	}
}

func TestCheckURLRejectsForbiddenTargets(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"plain http", "http://remote.example/inbox"},
		{"loopback", "https://127.0.0.1/inbox"},
		{"private", "https://10.0.0.8/inbox"},
		{"link local", "https://169.254.0.1/inbox"},
		{"unspecified", "https://0.0.0.0/inbox"},
		{"no host", "https:///inbox"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			u, err := url.Parse(c.url)
			if err != nil {
				t.Fatal(err)
			}
			if err := checkURL(u, false); err == nil {
				t.Errorf("checkURL(%q) allowed a forbidden target", c.url)
			}
		})
	}

	ok, _ := url.Parse("https://remote.example/inbox")
	if err := checkURL(ok, false); err != nil {
		t.Errorf("public https target rejected: %v", err)
	}
}

func TestDialControlBlocksPrivateResolution(t *testing.T) {
	// The control hook sees the resolved address, so a public hostname that
	// resolves to loopback is still refused.
	control := dialControl(false)
	if err := control("tcp", "127.0.0.1:443", nil); err == nil {
		t.Error("loopback dial allowed")
	}
	if err := control("tcp", "192.168.1.10:443", nil); err == nil {
		t.Error("private dial allowed")
	}
	if err := control("tcp", "93.184.216.34:443", nil); err != nil {
		t.Errorf("public dial refused: %v", err)
	}

	allow := dialControl(true)
	if err := allow("tcp", "127.0.0.1:443", nil); err != nil {
		t.Errorf("dev mode refused loopback: %v", err)
	}
}
