package impl

import (
	"errors"
	"testing"
	"time"

	"github.com/sidereusnuntius/agora/internal/db"
	"github.com/sidereusnuntius/agora/internal/domain"
)

func TestUpsertFollowKeepsOriginal(t *testing.T) {
	follower := "https://remote.example/users/carol"
	followee := "https://local.example/boards/general"

	first, err := testDB.UpsertFollow(ctx, domain.Follow{
		ActivityIRI: "https://remote.example/activities/1",
		FollowerURI: follower,
		FolloweeURI: followee,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A redelivered Follow with a fresh activity id must not replace the
	// original row.
	second, err := testDB.UpsertFollow(ctx, domain.Follow{
		ActivityIRI: "https://remote.example/activities/2",
		FollowerURI: follower,
		FolloweeURI: followee,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.ActivityIRI != first.ActivityIRI {
		t.Errorf("replay replaced the follow: %+v vs %+v", first, second)
	}

	// Pending follows do not count as followers.
	uris, err := testDB.GetFollowerURIs(ctx, followee)
	if err != nil {
		t.Fatal(err)
	}
	for _, uri := range uris {
		if uri == follower {
			t.Error("pending follow listed as follower")
		}
	}

	if err := testDB.AcceptFollowByActivityIRI(ctx, first.ActivityIRI, time.Now()); err != nil {
		t.Fatal(err)
	}
	uris, err = testDB.GetFollowerURIs(ctx, followee)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, uri := range uris {
		if uri == follower {
			found = true
		}
	}
	if !found {
		t.Error("accepted follow missing from followers")
	}

	// Undo from the wrong follower must not remove it.
	if err := testDB.DeleteFollowByActivityIRI(ctx, first.ActivityIRI, "https://evil.example/users/mallory"); err != nil {
		t.Fatal(err)
	}
	if _, err := testDB.GetFollow(ctx, follower, followee); err != nil {
		t.Errorf("follow removed by wrong follower: %v", err)
	}

	if err := testDB.DeleteFollowByActivityIRI(ctx, first.ActivityIRI, follower); err != nil {
		t.Fatal(err)
	}
	if _, err := testDB.GetFollow(ctx, follower, followee); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound after undo, got %v", err)
	}
}

func TestLikesAreIdempotent(t *testing.T) {
	object := "https://local.example/articles/55"
	actor := "https://remote.example/users/dave"

	inserted, err := testDB.CreateLike(ctx, object, actor)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("first like reported as duplicate")
	}

	inserted, err = testDB.CreateLike(ctx, object, actor)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("replayed like inserted a second row")
	}

	n, err := testDB.CountLikes(ctx, object)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 like, got %d", n)
	}

	if err := testDB.DeleteLike(ctx, object, actor); err != nil {
		t.Fatal(err)
	}
	n, err = testDB.CountLikes(ctx, object)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 likes after undo, got %d", n)
	}
}

func TestRemoteObjectLifecycle(t *testing.T) {
	apID := "https://remote.example/notes/42"

	inserted, err := testDB.CreateRemoteObject(ctx, domain.RemoteObject{
		ApID:         apID,
		Kind:         domain.ObjectNote,
		AttributedTo: "https://remote.example/users/erin",
		Content:      "<p>hello</p>",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first create reported as duplicate")
	}

	inserted, err = testDB.CreateRemoteObject(ctx, domain.RemoteObject{
		ApID:         apID,
		Kind:         domain.ObjectNote,
		AttributedTo: "https://remote.example/users/erin",
		Content:      "<p>redelivered</p>",
	})
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("redelivery inserted a second row")
	}

	obj, err := testDB.GetRemoteObject(ctx, apID)
	if err != nil {
		t.Fatal(err)
	}
	if obj.Content != "<p>hello</p>" {
		t.Errorf("redelivery overwrote content: %q", obj.Content)
	}

	obj.Content = "<p>edited</p>"
	if err := testDB.UpdateRemoteObject(ctx, obj); err != nil {
		t.Fatal(err)
	}

	deleted, err := testDB.SoftDeleteRemoteObject(ctx, apID)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Error("soft delete affected no row")
	}

	// Redelivered Delete is a no-op.
	deleted, err = testDB.SoftDeleteRemoteObject(ctx, apID)
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Error("second delete affected a row")
	}

	obj, err = testDB.GetRemoteObject(ctx, apID)
	if err != nil {
		t.Fatal(err)
	}
	if !obj.Deleted || obj.Content != "" {
		t.Errorf("tombstone kept content: %+v", obj)
	}

	// Updates do not resurrect tombstones.
	if err := testDB.UpdateRemoteObject(ctx, obj); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound updating deleted object, got %v", err)
	}
}

func TestMoveActorRefs(t *testing.T) {
	oldURI := "https://old.example/users/frank"
	newURI := "https://new.example/users/frank"
	followee := "https://local.example/users/grace"

	if _, err := testDB.UpsertFollow(ctx, domain.Follow{
		ActivityIRI: "https://old.example/activities/follow-1",
		FollowerURI: oldURI,
		FolloweeURI: followee,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := testDB.CreateLike(ctx, "https://local.example/articles/9", oldURI); err != nil {
		t.Fatal(err)
	}

	if err := testDB.MoveActorRefs(ctx, oldURI, newURI); err != nil {
		t.Fatal(err)
	}

	if _, err := testDB.GetFollow(ctx, oldURI, followee); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("follow still attached to old identity: %v", err)
	}
	if _, err := testDB.GetFollow(ctx, newURI, followee); err != nil {
		t.Errorf("follow not moved to new identity: %v", err)
	}

	// Moved pairs keep their idempotency key under the new identity.
	inserted, err := testDB.CreateLike(ctx, "https://local.example/articles/9", newURI)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("moved like lost its natural key")
	}
}

func TestMoveActorRefsMergesDuplicates(t *testing.T) {
	oldURI := "https://old.example/users/oscar"
	newURI := "https://new.example/users/oscar"
	followee := "https://local.example/boards/meta"
	object := "https://local.example/articles/77"

	// Both identities already interacted with the same targets, as happens
	// when activities keep arriving from the new identity before the Move.
	if _, err := testDB.UpsertFollow(ctx, domain.Follow{
		ActivityIRI: "https://old.example/activities/follow-7",
		FollowerURI: oldURI,
		FolloweeURI: followee,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := testDB.UpsertFollow(ctx, domain.Follow{
		ActivityIRI: "https://new.example/activities/follow-8",
		FollowerURI: newURI,
		FolloweeURI: followee,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := testDB.CreateLike(ctx, object, oldURI); err != nil {
		t.Fatal(err)
	}
	if _, err := testDB.CreateLike(ctx, object, newURI); err != nil {
		t.Fatal(err)
	}

	if err := testDB.MoveActorRefs(ctx, oldURI, newURI); err != nil {
		t.Fatalf("move with duplicate refs: %v", err)
	}

	if _, err := testDB.GetFollow(ctx, oldURI, followee); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("duplicate follow left under old identity: %v", err)
	}
	if _, err := testDB.GetFollow(ctx, newURI, followee); err != nil {
		t.Errorf("follow missing under new identity: %v", err)
	}

	n, err := testDB.CountLikes(ctx, object)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected the duplicate like to collapse to 1, got %d", n)
	}
}

func TestCreateReportIdempotent(t *testing.T) {
	report := domain.Report{
		ActivityIRI: "https://remote.example/activities/flag-1",
		ActorURI:    "https://remote.example/users/heidi",
		ObjectIRI:   "https://local.example/articles/3",
		Content:     "spam",
	}

	created, err := testDB.CreateReport(ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first flag reported as duplicate")
	}

	created, err = testDB.CreateReport(ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("redelivered flag created a second report")
	}
}
