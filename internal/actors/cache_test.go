package actors

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-migrate/migrate"
	"github.com/golang-migrate/migrate/database/sqlite3"
	_ "github.com/golang-migrate/migrate/source/file"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sidereusnuntius/agora/internal/blocklist"
	"github.com/sidereusnuntius/agora/internal/client"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	dbimpl "github.com/sidereusnuntius/agora/internal/db/impl"
)

var (
	testDB db.DB
	ctx    = context.Background()
)

func TestMain(m *testing.M) {
	d, err := sql.Open("sqlite3", "file:actortest?mode=memory&cache=shared")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open connection: %s", err)
		return
	}

	driver, err := sqlite3.WithInstance(d, &sqlite3.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create driver: %s", err)
		return
	}

	mig, err := migrate.NewWithDatabaseInstance("file://../../migrations", "actortest", driver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create database object: %s", err)
		return
	}

	if err = mig.Up(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %s", err)
		return
	}

	testDB = dbimpl.New(d)
	code := m.Run()
	d.Close()
	os.Exit(code)
}

func testConfig() *config.Configuration {
	cfg := &config.Configuration{
		Name:                 "agora",
		Domain:               "local.test",
		ActorCacheTTL:        24 * time.Hour,
		ActorMaxAge:          90 * 24 * time.Hour,
		MaxPayloadSize:       262144,
		ConnectTimeout:       2 * time.Second,
		ReceiveTimeout:       5 * time.Second,
		MaxRedirects:         3,
		AllowPrivateNetworks: true,
		BackoffSchedule:      []time.Duration{time.Minute},
		RootSecret:           "actor-test-secret",
	}
	if err := cfg.Finalize(); err != nil {
		panic(err)
	}
	return cfg
}

func testPem(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// actorServer serves actor documents and counts fetches.
func actorServer(t *testing.T, pubPem string, fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		base := "http://" + r.Host
		segments := strings.Split(r.URL.Path, "/")
		doc := map[string]any{
			"@context":          "https://www.w3.org/ns/activitystreams",
			"id":                base + r.URL.Path,
			"type":              "Person",
			"preferredUsername": segments[len(segments)-1],
			"inbox":             base + r.URL.Path + "/inbox",
			"endpoints":         map[string]any{"sharedInbox": base + "/inbox"},
			"publicKey": map[string]any{
				"id":           base + r.URL.Path + "#main-key",
				"owner":        base + r.URL.Path,
				"publicKeyPem": pubPem,
			},
		}
		w.Header().Set("Content-Type", "application/activity+json")
		json.NewEncoder(w).Encode(doc)
	}))
	return server
}

func newCache(t *testing.T, cfg *config.Configuration) (*Cache, *blocklist.Cache) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	httpClient, err := client.New(cfg, key, "https://local.test/actor#main-key")
	if err != nil {
		t.Fatal(err)
	}
	blocks := blocklist.New(testDB)
	if err := blocks.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	return New(testDB, httpClient, blocks, cfg), blocks
}

func TestFetchOrGetCachesWithinTTL(t *testing.T) {
	cfg := testConfig()
	cache, _ := newCache(t, cfg)

	var fetches atomic.Int64
	server := actorServer(t, testPem(t), &fetches)
	defer server.Close()

	apID := server.URL + "/users/cached"

	actor, err := cache.FetchOrGet(ctx, apID)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if actor.ApID != apID {
		t.Errorf("expected ap_id %s, got %s", apID, actor.ApID)
	}
	if actor.Username != "cached" {
		t.Errorf("expected username from document, got %q", actor.Username)
	}
	if actor.SharedInbox == "" {
		t.Error("shared inbox not captured")
	}

	// Within the TTL the cache answers without a network call.
	if _, err := cache.FetchOrGet(ctx, apID); err != nil {
		t.Fatal(err)
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}

	// Refresh always goes to the network.
	if err := cache.Refresh(ctx, apID); err != nil {
		t.Fatal(err)
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("expected 2 fetches after refresh, got %d", n)
	}
}

func TestFetchOrGetRefetchesExpired(t *testing.T) {
	cfg := testConfig()
	cfg.ActorCacheTTL = time.Nanosecond
	cache, _ := newCache(t, cfg)

	var fetches atomic.Int64
	server := actorServer(t, testPem(t), &fetches)
	defer server.Close()

	apID := server.URL + "/users/expiring"

	if _, err := cache.FetchOrGet(ctx, apID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := cache.FetchOrGet(ctx, apID); err != nil {
		t.Fatal(err)
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("expected an expired entry to refetch, got %d fetches", n)
	}
}

func TestFetchOrGetServesStaleOnError(t *testing.T) {
	cfg := testConfig()
	cfg.ActorCacheTTL = time.Nanosecond
	cache, _ := newCache(t, cfg)

	var fetches atomic.Int64
	server := actorServer(t, testPem(t), &fetches)

	apID := server.URL + "/users/stale"
	if _, err := cache.FetchOrGet(ctx, apID); err != nil {
		t.Fatal(err)
	}

	// Origin goes away; the stale copy still serves.
	server.Close()
	time.Sleep(time.Millisecond)

	actor, err := cache.FetchOrGet(ctx, apID)
	if err != nil {
		t.Fatalf("stale fallback failed: %v", err)
	}
	if actor.ApID != apID {
		t.Errorf("wrong actor from stale fallback: %s", actor.ApID)
	}
}

func TestFetchRejectsMismatchedDocumentID(t *testing.T) {
	cfg := testConfig()
	cache, _ := newCache(t, cfg)
	pubPem := testPem(t)

	// The document claims an id on a different host than it was fetched from.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"id":    "https://somewhere-else.example/users/impostor",
			"type":  "Person",
			"inbox": "https://somewhere-else.example/inbox",
			"publicKey": map[string]any{
				"publicKeyPem": pubPem,
			},
		}
		json.NewEncoder(w).Encode(doc)
	}))
	defer server.Close()

	if _, err := cache.FetchOrGet(ctx, server.URL+"/users/impostor"); err == nil {
		t.Error("document with foreign id accepted")
	}
}

func TestFetchBlockedDomain(t *testing.T) {
	cfg := testConfig()
	cache, blocks := newCache(t, cfg)

	if err := blocks.Add(ctx, "walled.example"); err != nil {
		t.Fatal(err)
	}
	defer blocks.Remove(ctx, "walled.example")

	_, err := cache.FetchOrGet(ctx, "https://walled.example/users/nobody")
	if !errors.Is(err, ErrBlockedDomain) {
		t.Errorf("expected ErrBlockedDomain, got %v", err)
	}
}

func TestResolveKeyOwnerStripsFragment(t *testing.T) {
	cfg := testConfig()
	cache, _ := newCache(t, cfg)

	var fetches atomic.Int64
	server := actorServer(t, testPem(t), &fetches)
	defer server.Close()

	apID := server.URL + "/users/keyowner"
	actor, err := cache.ResolveKeyOwner(ctx, apID+"#main-key")
	if err != nil {
		t.Fatal(err)
	}
	if actor.ApID != apID {
		t.Errorf("expected owner %s, got %s", apID, actor.ApID)
	}
}
