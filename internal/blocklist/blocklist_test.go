package blocklist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"testing"

	"github.com/golang-migrate/migrate"
	"github.com/golang-migrate/migrate/database/sqlite3"
	_ "github.com/golang-migrate/migrate/source/file"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sidereusnuntius/agora/internal/db"
	dbimpl "github.com/sidereusnuntius/agora/internal/db/impl"
)

var (
	testDB db.DB
	ctx    = context.Background()
)

func TestMain(m *testing.M) {
	d, err := sql.Open("sqlite3", "file:blocktest?mode=memory&cache=shared")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open connection: %s", err)
		return
	}

	driver, err := sqlite3.WithInstance(d, &sqlite3.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create driver: %s", err)
		return
	}

	mig, err := migrate.NewWithDatabaseInstance("file://../../migrations", "blocktest", driver)
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

func TestBlockedWalksParentDomains(t *testing.T) {
	cache := New(testDB)
	if err := cache.Add(ctx, "blocked.example"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		domain  string
		blocked bool
	}{
		{"blocked.example", true},
		{"BLOCKED.example", true},
		{"sub.blocked.example", true},
		{"deep.sub.blocked.example", true},
		{"blocked.example.", true},
		{"notblocked.example", false},
		{"example", false},
		{"otherblocked.example", false},
		{"", false},
	}

	for _, c := range cases {
		if got := cache.Blocked(c.domain); got != c.blocked {
			t.Errorf("Blocked(%q) = %v, want %v", c.domain, got, c.blocked)
		}
	}
}

func TestBlockedURL(t *testing.T) {
	cache := New(testDB)
	if err := cache.Add(ctx, "badhost.example"); err != nil {
		t.Fatal(err)
	}

	u, _ := url.Parse("https://sub.badhost.example:8443/inbox")
	if !cache.BlockedURL(u) {
		t.Error("url on blocked domain not recognized")
	}
	if cache.BlockedURL(nil) {
		t.Error("nil url reported as blocked")
	}
}

func TestWritesRefreshTheCache(t *testing.T) {
	cache := New(testDB)

	if cache.Blocked("late.example") {
		t.Fatal("domain blocked before being added")
	}

	if err := cache.Add(ctx, "late.example"); err != nil {
		t.Fatal(err)
	}
	if !cache.Blocked("late.example") {
		t.Error("block not visible after Add")
	}

	if err := cache.Remove(ctx, "late.example"); err != nil {
		t.Fatal(err)
	}
	if cache.Blocked("late.example") {
		t.Error("block still visible after Remove")
	}
}

func TestRefreshPicksUpExternalWrites(t *testing.T) {
	cache := New(testDB)

	// A write that bypassed this cache instance is invisible until Refresh.
	if err := testDB.AddBlockedDomain(ctx, "external.example"); err != nil {
		t.Fatal(err)
	}
	if cache.Blocked("external.example") {
		t.Fatal("cache saw a write it never refreshed on")
	}

	if err := cache.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if !cache.Blocked("external.example") {
		t.Error("refresh missed the persisted block")
	}
}
