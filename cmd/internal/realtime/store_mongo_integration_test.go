package realtime

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Integration tests are enabled when PULSE_MONGO_URL is set.

func mustOpenTestMongo(t *testing.T) *mongo.Database {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PULSE_MONGO_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PULSE_MONGO_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(raw))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("ping mongo: %v", err)
	}

	db := client.Database("pulse_it_" + strings.ReplaceAll(NewSessionID(), "-", "")[:12])
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return db
}

func TestMongoStore_CreateDedupeFindDelete(t *testing.T) {
	t.Parallel()

	db := mustOpenTestMongo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := NewMongoStore(ctx, db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	now := time.Now().UTC()
	first, err := store.Create(ctx, NewMessage{SenderID: "a", ReceiverID: "b", Body: "hi", ClientMsgID: "temp-1", Now: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dup, err := store.Create(ctx, NewMessage{SenderID: "a", ReceiverID: "b", Body: "hi", ClientMsgID: "temp-1", Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("create dup: %v", err)
	}
	if !dup.Duplicated || dup.Message.ID != first.Message.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Message.ID, dup)
	}
	if !dup.Message.CreatedAt.Equal(first.Message.CreatedAt) {
		t.Fatalf("created_at drift: %v vs %v", dup.Message.CreatedAt, first.Message.CreatedAt)
	}

	reply, err := store.Create(ctx, NewMessage{SenderID: "b", ReceiverID: "a", Body: "yo", Now: now.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("create reply: %v", err)
	}

	conv, err := store.FindBetween(ctx, "b", "a")
	if err != nil {
		t.Fatalf("find between: %v", err)
	}
	if len(conv) != 2 || conv[0].ID != first.Message.ID || conv[1].ID != reply.Message.ID {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	ok, err := store.DeleteByID(ctx, first.Message.ID)
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if _, err := store.FindByID(ctx, first.Message.ID); !errors.Is(err, errStoreNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMongoStore_Exists_StringAndObjectIDs(t *testing.T) {
	t.Parallel()

	db := mustOpenTestMongo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := NewMongoStore(ctx, db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	oid := primitive.NewObjectID()
	if _, err := db.Collection(mongoUsersCollection).InsertMany(ctx, []any{
		bson.M{"_id": oid, "username": "legacy"},
		bson.M{"_id": "plain-id", "username": "plain"},
	}); err != nil {
		t.Fatalf("seed users: %v", err)
	}

	for _, id := range []string{oid.Hex(), "plain-id"} {
		if ok, err := store.Exists(ctx, id); err != nil || !ok {
			t.Fatalf("%s: %v %v", id, ok, err)
		}
	}
	if ok, err := store.Exists(ctx, primitive.NewObjectID().Hex()); err != nil || ok {
		t.Fatalf("unknown id: %v %v", ok, err)
	}
}

func TestMongoStore_ListUsers_SkipsSelfAndPassword(t *testing.T) {
	t.Parallel()

	db := mustOpenTestMongo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := NewMongoStore(ctx, db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	self := primitive.NewObjectID()
	other := primitive.NewObjectID()
	if _, err := db.Collection(mongoUsersCollection).InsertMany(ctx, []any{
		bson.M{"_id": self, "username": "me", "password": "hash"},
		bson.M{"_id": other, "username": "bob", "password": "hash"},
		bson.M{"_id": "plain-id", "username": "carol"},
	}); err != nil {
		t.Fatalf("seed users: %v", err)
	}

	got, err := store.ListUsers(ctx, self.Hex())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != other.Hex() || got[0].Username != "bob" || got[1].ID != "plain-id" {
		t.Fatalf("users=%+v", got)
	}
}
