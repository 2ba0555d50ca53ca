package web

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/go-chi/chi/v5"
	"github.com/golang-migrate/migrate"
	"github.com/golang-migrate/migrate/database/sqlite3"
	_ "github.com/golang-migrate/migrate/source/file"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mikestefanello/backlite"
	"github.com/sidereusnuntius/agora/internal/actors"
	"github.com/sidereusnuntius/agora/internal/blocklist"
	"github.com/sidereusnuntius/agora/internal/client"
	"github.com/sidereusnuntius/agora/internal/config"
	"github.com/sidereusnuntius/agora/internal/db"
	dbimpl "github.com/sidereusnuntius/agora/internal/db/impl"
	"github.com/sidereusnuntius/agora/internal/delivery"
	"github.com/sidereusnuntius/agora/internal/domain"
	"github.com/sidereusnuntius/agora/internal/gateway"
	"github.com/sidereusnuntius/agora/internal/inbox"
	"github.com/sidereusnuntius/agora/internal/keys"
	"github.com/sidereusnuntius/agora/internal/signature"
	"github.com/sidereusnuntius/agora/internal/vault"
)

var (
	testDB  db.DB
	testCfg *config.Configuration
	blocks  *blocklist.Cache
	router  chi.Router
	ctx     = context.Background()
)

func TestMain(m *testing.M) {
	d, err := sql.Open("sqlite3", "file:webtest?mode=memory&cache=shared")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open connection: %s", err)
		return
	}

	driver, err := sqlite3.WithInstance(d, &sqlite3.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create driver: %s", err)
		return
	}

	mig, err := migrate.NewWithDatabaseInstance("file://../../migrations", "webtest", driver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create database object: %s", err)
		return
	}

	if err = mig.Up(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %s", err)
		return
	}

	testDB = dbimpl.New(d)

	taskDB, err := sql.Open("sqlite3", "file:webtasks?mode=memory&cache=shared")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open task db: %s", err)
		return
	}

	if err := setup(taskDB); err != nil {
		fmt.Fprintf(os.Stderr, "failed to wire handler: %s", err)
		return
	}

	code := m.Run()
	taskDB.Close()
	d.Close()
	os.Exit(code)
}

func setup(taskDB *sql.DB) error {
	testCfg = &config.Configuration{
		Name:                 "agora",
		Domain:               "local.test",
		Https:                true,
		SignatureMaxAge:      30 * time.Second,
		ActorCacheTTL:        24 * time.Hour,
		ActorCleanupInterval: time.Hour,
		ActorMaxAge:          90 * 24 * time.Hour,
		MaxPayloadSize:       4096,
		MaxContentLength:     65536,
		ConnectTimeout:       2 * time.Second,
		ReceiveTimeout:       5 * time.Second,
		MaxRedirects:         3,
		AllowPrivateNetworks: true,
		AutoAcceptFollows:    true,
		RsaKeySize:           1024,
		BackoffSchedule:      []time.Duration{time.Minute},
		RootSecret:           "web-test-secret",
	}
	if err := testCfg.Finalize(); err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return err
	}
	httpClient, err := client.New(testCfg, key, "https://local.test/actor#main-key")
	if err != nil {
		return err
	}

	v, err := vault.New(testCfg.RootSecret, vault.ContextFederation)
	if err != nil {
		return err
	}
	ks := keys.New(testDB, v, testCfg.RsaKeySize)

	blocks = blocklist.New(testDB)
	if err := blocks.Refresh(ctx); err != nil {
		return err
	}

	cache := actors.New(testDB, httpClient, blocks, testCfg)
	verifier := signature.New(cache, blocks, testCfg)
	queue := delivery.NewQueue(testDB, blocks, testCfg)

	tasks, err := backlite.NewClient(backlite.ClientConfig{
		DB:              taskDB,
		NumWorkers:      1,
		ReleaseAfter:    time.Minute,
		CleanupInterval: time.Hour,
	})
	if err != nil {
		return err
	}
	if err := tasks.Install(); err != nil {
		return err
	}

	gw := gateway.New(ctx, testDB, queue, cache, blocks, tasks, testCfg)
	processor := inbox.New(testDB, gw, testCfg)

	handler := New(testCfg, testDB, verifier, processor, queue, blocks, ks)
	router = chi.NewRouter()
	handler.Mount(router)
	return nil
}

func publicPem(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func seedSigner(t *testing.T, name string) (domain.RemoteActor, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	actor, err := testDB.UpsertRemoteActor(ctx, domain.RemoteActor{
		ApID:         "https://remote.example/users/" + name,
		Username:     name,
		Domain:       "remote.example",
		PublicKeyPem: publicPem(t, key),
		Inbox:        "https://remote.example/users/" + name + "/inbox",
		Kind:         "Person",
		FetchedAt:    time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return actor, key
}

func signedInboxPost(t *testing.T, path string, key *rsa.PrivateKey, keyID string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://local.test"+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		3600,
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.SignRequest(key, keyID, req, body); err != nil {
		t.Fatal(err)
	}
	return req
}

func do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInboxRejectsWrongContentType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://local.test/inbox", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")

	if w := do(req); w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", w.Code)
	}
}

func TestInboxRejectsOversizedBody(t *testing.T) {
	signer, key := seedSigner(t, "bigmouth")
	body := []byte(`{"pad":"` + strings.Repeat("x", int(testCfg.MaxPayloadSize)) + `"}`)
	req := signedInboxPost(t, "/inbox", key, signer.ApID+"#main-key", body)

	if w := do(req); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestInboxRejectsUnsignedRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://local.test/inbox", strings.NewReader(`{"type":"Like"}`))
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if w := do(req); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestInboxAcceptsSignedActivity(t *testing.T) {
	signer, key := seedSigner(t, "wellbehaved")
	body := []byte(`{"id":"https://remote.example/activities/like1","type":"Like","actor":"` +
		signer.ApID + `","object":"https://local.test/objects/1"}`)
	req := signedInboxPost(t, "/inbox", key, signer.ApID+"#main-key", body)

	if w := do(req); w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestInboxForbidsUnauthorizedDelete(t *testing.T) {
	objectID := "https://remote.example/notes/protected"
	if _, err := testDB.CreateRemoteObject(ctx, domain.RemoteObject{
		ApID:         objectID,
		Kind:         domain.ObjectNote,
		AttributedTo: "https://remote.example/users/rightful-owner",
		Content:      "not yours",
		Published:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	signer, key := seedSigner(t, "trespasser")
	body := []byte(`{"id":"https://remote.example/activities/del1","type":"Delete","actor":"` +
		signer.ApID + `","object":"` + objectID + `"}`)
	req := signedInboxPost(t, "/inbox", key, signer.ApID+"#main-key", body)

	if w := do(req); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestActorInboxUnknownActor(t *testing.T) {
	signer, key := seedSigner(t, "knocking")
	body := []byte(`{"type":"Like","actor":"` + signer.ApID + `","object":"x"}`)
	req := signedInboxPost(t, "/users/ghost/inbox", key, signer.ApID+"#main-key", body)

	if w := do(req); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func makeBoard(t *testing.T, name string) domain.LocalActor {
	t.Helper()
	apID, _ := url.Parse("https://local.test/boards/" + name)
	actor := domain.LocalActor{Kind: domain.ActorBoard, Name: name, ApID: apID, DisplayName: name}
	id, err := testDB.CreateLocalActor(ctx, actor)
	if err != nil {
		t.Fatal(err)
	}
	actor.ID = id
	return actor
}

func TestActorDocument(t *testing.T) {
	board := makeBoard(t, "documents")

	req := httptest.NewRequest(http.MethodGet, "https://local.test/boards/documents", nil)
	req.Header.Set("Accept", "application/activity+json")
	w := do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/activity+json" {
		t.Errorf("wrong content type %q", ct)
	}

	var doc struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Inbox     string `json:"inbox"`
		PublicKey struct {
			ID           string `json:"id"`
			PublicKeyPem string `json:"publicKeyPem"`
		} `json:"publicKey"`
		Endpoints struct {
			SharedInbox string `json:"sharedInbox"`
		} `json:"endpoints"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.ID != board.ApID.String() {
		t.Errorf("wrong id %q", doc.ID)
	}
	if doc.Type != "Group" {
		t.Errorf("board served as %q", doc.Type)
	}
	if doc.Inbox != board.ApID.String()+"/inbox" {
		t.Errorf("wrong inbox %q", doc.Inbox)
	}
	if doc.Endpoints.SharedInbox != "https://local.test/inbox" {
		t.Errorf("wrong shared inbox %q", doc.Endpoints.SharedInbox)
	}
	// The keypair is minted on first serve.
	if !strings.Contains(doc.PublicKey.PublicKeyPem, "BEGIN PUBLIC KEY") {
		t.Errorf("no public key in document: %q", doc.PublicKey.PublicKeyPem)
	}
	if doc.PublicKey.ID != board.ApID.String()+"#main-key" {
		t.Errorf("wrong key id %q", doc.PublicKey.ID)
	}
}

func TestActorDocumentRedirectsBrowsers(t *testing.T) {
	makeBoard(t, "browsable")

	req := httptest.NewRequest(http.MethodGet, "https://local.test/boards/browsable", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := do(req)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != testCfg.Url.String() {
		t.Errorf("redirected to %q", loc)
	}
}

func TestActorDocumentNotFound(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://local.test/users/nobody-here", nil)
	req.Header.Set("Accept", "application/activity+json")
	if w := do(req); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	listBlocks := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "https://local.test/admin/blocks", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return do(req)
	}

	t.Run("hidden without configured token", func(t *testing.T) {
		testCfg.AdminToken = ""
		if w := listBlocks("anything"); w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	testCfg.AdminToken = "sesame"
	defer func() { testCfg.AdminToken = "" }()

	t.Run("wrong token", func(t *testing.T) {
		if w := listBlocks("guess"); w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("blocklist management", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "https://local.test/admin/blocks/Spam.example", nil)
		req.Header.Set("Authorization", "Bearer sesame")
		if w := do(req); w.Code != http.StatusNoContent {
			t.Fatalf("add block: expected 204, got %d", w.Code)
		}
		if !blocks.Blocked("spam.example") {
			t.Error("added block not effective")
		}

		w := listBlocks("sesame")
		if w.Code != http.StatusOK {
			t.Fatalf("list blocks: expected 200, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "spam.example") {
			t.Errorf("listing misses the block: %s", w.Body.String())
		}

		req = httptest.NewRequest(http.MethodDelete, "https://local.test/admin/blocks/spam.example", nil)
		req.Header.Set("Authorization", "Bearer sesame")
		if w := do(req); w.Code != http.StatusNoContent {
			t.Fatalf("remove block: expected 204, got %d", w.Code)
		}
		if blocks.Blocked("spam.example") {
			t.Error("removed block still effective")
		}
	})

	t.Run("delivery job actions", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "https://local.test/admin/deliveries/not-a-number/retry", nil)
		req.Header.Set("Authorization", "Bearer sesame")
		if w := do(req); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad id, got %d", w.Code)
		}

		req = httptest.NewRequest(http.MethodPost, "https://local.test/admin/deliveries/987654/retry", nil)
		req.Header.Set("Authorization", "Bearer sesame")
		if w := do(req); w.Code != http.StatusNotFound {
			t.Errorf("expected 404 for unknown job, got %d", w.Code)
		}

		req = httptest.NewRequest(http.MethodGet, "https://local.test/admin/deliveries/failed", nil)
		req.Header.Set("Authorization", "Bearer sesame")
		w := do(req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("expected empty listing, got %s", w.Body.String())
		}
	})
}
