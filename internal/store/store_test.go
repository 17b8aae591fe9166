package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedConversation(t *testing.T, db *DB, id string, members ...string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := db.EnsureConversation(ctx, id, t0); err != nil {
		t.Fatal(err)
	}
	for _, m := range members {
		if _, err := db.AddParticipant(ctx, model.Participant{ConversationID: id, UserID: m, JoinedAt: t0}); err != nil {
			t.Fatal(err)
		}
	}
}

func insertMessage(t *testing.T, db *DB, id, conv, sender string, at time.Time) {
	t.Helper()
	m := model.Message{ID: id, ConversationID: conv, SenderID: sender, Body: id, Kind: model.KindText, CreatedAt: at, UpdatedAt: at}
	if _, err := db.InsertMessage(context.Background(), m); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + calls)", result.Version)
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	db := testDB(t)

	result, err := db.MigrateTo(1)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.Version != 1 {
		t.Fatalf("down result = %+v, want changed at version 1", result)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'calls'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("calls table should be dropped at version 1")
	}

	result, err = db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.Version != 2 {
		t.Errorf("up result = %+v, want changed at version 2", result)
	}
}

func TestEnsureConversationIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, created, err := db.EnsureConversation(ctx, "c1", t0)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first ensure should create")
	}
	c, created, err := db.EnsureConversation(ctx, "c1", t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second ensure should not create")
	}
	if !c.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want %v", c.CreatedAt, t0)
	}
}

func TestInsertMessageAdvancesLastMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "me", "bob")

	insertMessage(t, db, "m2", "c1", "bob", t0.Add(2*time.Second))
	// An older message arriving late must not move the pointer back.
	insertMessage(t, db, "m1", "c1", "bob", t0.Add(time.Second))

	c, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageID != "m2" {
		t.Errorf("last_message_id = %q, want m2", c.LastMessageID)
	}
}

func TestInsertMessageRequiresConversation(t *testing.T) {
	db := testDB(t)
	m := model.Message{ID: "m1", ConversationID: "missing", SenderID: "me", Body: "x", Kind: model.KindText, CreatedAt: t0, UpdatedAt: t0}
	if _, err := db.InsertMessage(context.Background(), m); err == nil {
		t.Fatal("expected foreign key failure")
	}
	if _, err := db.GetMessage(context.Background(), "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessage error = %v, want ErrNotFound", err)
	}
}

func TestRecentMessagesNewestFirstWithIDTieBreak(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "me")

	insertMessage(t, db, "a", "c1", "me", t0)
	insertMessage(t, db, "c", "c1", "me", t0.Add(time.Second))
	insertMessage(t, db, "b", "c1", "me", t0.Add(time.Second))
	insertMessage(t, db, "d", "c1", "me", t0.Add(2*time.Second))

	msgs, err := db.RecentMessages(context.Background(), "c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	want := []string{"d", "c", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestReadStatusesIgnoreDuplicates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "me", "bob")
	insertMessage(t, db, "m1", "c1", "bob", t0)
	insertMessage(t, db, "m2", "c1", "bob", t0.Add(time.Second))

	rows := []model.ReadStatus{{MessageID: "m1", ReaderID: "me", CreatedAt: t0}}
	inserted, err := db.InsertReadStatuses(ctx, rows)
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 1 {
		t.Fatalf("inserted %d, want 1", len(inserted))
	}

	rows = append(rows, model.ReadStatus{MessageID: "m2", ReaderID: "me", CreatedAt: t0})
	inserted, err = db.InsertReadStatuses(ctx, rows)
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 1 || inserted[0].MessageID != "m2" {
		t.Fatalf("inserted = %+v, want only m2", inserted)
	}

	read, err := db.ReadMessageIDs(ctx, "c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if len(read) != 2 {
		t.Errorf("read ids = %v, want 2", read)
	}
	others, err := db.MessageIDsFromOthers(ctx, "c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if len(others) != 2 {
		t.Errorf("ids from others = %v, want 2", others)
	}
}

func TestSetMessageReadReportsChange(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "me")
	insertMessage(t, db, "m1", "c1", "bob", t0)

	m, changed, err := db.SetMessageRead(ctx, "m1", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !changed || !m.IsRead {
		t.Errorf("first mark: changed=%v is_read=%v", changed, m.IsRead)
	}
	_, changed, err = db.SetMessageRead(ctx, "m1", t0.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("second mark should not change")
	}
}

func TestConversationsForUser(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "quiet", "me", "carol")
	seedConversation(t, db, "busy", "me", "bob")
	seedConversation(t, db, "foreign", "bob", "carol")
	insertMessage(t, db, "m1", "busy", "bob", t0.Add(time.Minute))

	got, err := db.ConversationsFor(ctx, "me")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d conversations, want 2", len(got))
	}
	if got[0].Conversation.ID != "busy" {
		t.Errorf("first = %q, want busy", got[0].Conversation.ID)
	}
	if got[0].LastMessage == nil || got[0].LastMessage.ID != "m1" {
		t.Errorf("last message = %+v, want m1", got[0].LastMessage)
	}
	if len(got[0].OtherIDs) != 1 || got[0].OtherIDs[0] != "bob" {
		t.Errorf("others = %v, want [bob]", got[0].OtherIDs)
	}
	if got[1].LastMessage != nil {
		t.Errorf("quiet conversation should have no last message")
	}
}

func TestProfilesUpsertKeepsExistingFields(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertProfile(ctx, model.Profile{ID: "bob", DisplayName: "Bob", AvatarRef: "a.png"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertProfile(ctx, model.Profile{ID: "bob", LastActiveAt: t0}); err != nil {
		t.Fatal(err)
	}

	got, err := db.Profiles(ctx, []string{"bob", "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["ghost"]; ok {
		t.Error("missing profile should be absent")
	}
	p := got["bob"]
	if p.DisplayName != "Bob" || p.AvatarRef != "a.png" || !p.LastActiveAt.Equal(t0) {
		t.Errorf("profile = %+v", p)
	}
}

func TestReadStatusesSkipOwnAndUnknownMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "me", "bob")
	insertMessage(t, db, "m1", "c1", "bob", t0)
	insertMessage(t, db, "own", "c1", "me", t0.Add(time.Second))

	inserted, err := db.InsertReadStatuses(ctx, []model.ReadStatus{
		{MessageID: "own", ReaderID: "me", CreatedAt: t0},
		{MessageID: "nope", ReaderID: "me", CreatedAt: t0},
		{MessageID: "m1", ReaderID: "me", CreatedAt: t0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 1 || inserted[0].MessageID != "m1" {
		t.Fatalf("inserted = %+v, want only m1", inserted)
	}

	read, err := db.ReadMessageIDs(ctx, "c1", "me")
	if err != nil {
		t.Fatal(err)
	}
	if len(read) != 1 || read[0] != "m1" {
		t.Errorf("read = %v, want [m1]", read)
	}
}

func TestCallInsertAndUpdate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "me", "bob")

	c := model.Call{ID: "k1", ConversationID: "c1", CallerID: "me", CalleeID: "bob", Kind: model.CallAudio, Status: model.CallPending, StartedAt: t0}
	if err := db.InsertCall(ctx, c); err != nil {
		t.Fatal(err)
	}

	ended := t0.Add(90 * time.Second)
	dur := 75
	got, err := db.UpdateCall(ctx, "k1", model.CallPatch{Status: model.CallEnded, EndedAt: &ended, DurationSeconds: &dur})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.CallEnded || got.DurationSeconds != 75 {
		t.Errorf("call = %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v, want %v", got.EndedAt, ended)
	}

	if _, err := db.UpdateCall(ctx, "missing", model.CallPatch{Status: model.CallEnded}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing call error = %v, want ErrNotFound", err)
	}
}

func TestCallUpdateGuardedByStoredStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "me", "bob")

	c := model.Call{ID: "k1", ConversationID: "c1", CallerID: "me", CalleeID: "bob", Kind: model.CallAudio, Status: model.CallPending, StartedAt: t0}
	if err := db.InsertCall(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateCall(ctx, "k1", model.CallPatch{From: model.CallPending, Status: model.CallRejected}); err != nil {
		t.Fatal(err)
	}

	ended := t0.Add(time.Minute)
	dur := 0
	_, err := db.UpdateCall(ctx, "k1", model.CallPatch{From: model.CallPending, Status: model.CallEnded, EndedAt: &ended, DurationSeconds: &dur})
	var it *model.InvalidTransition
	if !errors.As(err, &it) || it.From != model.CallRejected {
		t.Fatalf("err = %v, want InvalidTransition from rejected", err)
	}
	got, err := db.GetCall(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.CallRejected || got.EndedAt != nil {
		t.Errorf("call = %+v, want untouched rejection", got)
	}

	if _, err := db.UpdateCall(ctx, "missing", model.CallPatch{From: model.CallPending, Status: model.CallEnded}); !errors.Is(err, ErrNotFound) {
		t.Errorf("guarded update of missing call error = %v, want ErrNotFound", err)
	}
}
