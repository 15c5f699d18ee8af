package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	v1 "pulse/shared/contracts/realtime/v1"
)

const (
	mongoMessagesCollection = "messages"
	mongoUsersCollection    = "users"
)

// MongoStore is a MessageStore and UserDirectory backed by MongoDB.
//
// Ownership model:
// - MongoStore does NOT own the client; the caller disconnects it.
//
// Idempotency:
//   - A unique partial index on (sender_id, client_msg_id) rejects a repeated
//     client_msg_id; Create then returns the stored document as a duplicate.
type MongoStore struct {
	db       *mongo.Database
	messages *mongo.Collection
	users    *mongo.Collection
}

type mongoMessage struct {
	ID            string    `bson:"_id"`
	ClientMsgID   string    `bson:"client_msg_id,omitempty"`
	SenderID      string    `bson:"sender_id"`
	ReceiverID    string    `bson:"receiver_id"`
	Body          string    `bson:"body"`
	AttachmentRef string    `bson:"attachment_ref,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
	Seen          bool      `bson:"seen"`
}

func (m mongoMessage) toV1() v1.Message {
	return v1.Message{
		ID:            m.ID,
		ClientMsgID:   m.ClientMsgID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Body:          m.Body,
		AttachmentRef: m.AttachmentRef,
		CreatedAt:     m.CreatedAt.UTC(),
		Seen:          m.Seen,
	}
}

// NewMongoStore constructs a store over db and ensures its indexes exist.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("realtime: nil mongo database")
	}
	s := &MongoStore{
		db:       db,
		messages: db.Collection(mongoMessagesCollection),
		users:    db.Collection(mongoUsersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().
				SetName("uq_messages_sender_client_msg").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_msg_id": bson.M{"$type": "string"}}),
		},
		{
			Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("idx_messages_pair_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

// Ping checks the primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Create inserts a message, returning the existing document for a repeated (sender_id, client_msg_id).
func (s *MongoStore) Create(ctx context.Context, in NewMessage) (CreateResult, error) {
	if err := in.validate(); err != nil {
		return CreateResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	// Mongo stores milliseconds; keep the returned value equal to what a later read yields.
	now = now.Truncate(time.Millisecond)

	if in.ClientMsgID != "" {
		if existing, err := s.findByClientMsgID(ctx, in.SenderID, in.ClientMsgID); err == nil {
			return CreateResult{Message: existing, Duplicated: true}, nil
		} else if !errors.Is(err, errStoreNotFound) {
			return CreateResult{}, err
		}
	}

	id := in.ID
	if id == "" {
		var err error
		if id, err = NewMessageID(now); err != nil {
			return CreateResult{}, err
		}
	}

	doc := mongoMessage{
		ID:            id,
		ClientMsgID:   in.ClientMsgID,
		SenderID:      in.SenderID,
		ReceiverID:    in.ReceiverID,
		Body:          in.Body,
		AttachmentRef: in.AttachmentRef,
		CreatedAt:     now,
	}

	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) && in.ClientMsgID != "" {
			existing, ferr := s.findByClientMsgID(ctx, in.SenderID, in.ClientMsgID)
			if ferr == nil {
				return CreateResult{Message: existing, Duplicated: true}, nil
			}
		}
		return CreateResult{}, fmt.Errorf("insert message: %w", err)
	}
	return CreateResult{Message: doc.toV1()}, nil
}

func (s *MongoStore) findByClientMsgID(ctx context.Context, senderID, clientMsgID string) (v1.Message, error) {
	return s.findOne(ctx, bson.M{"sender_id": senderID, "client_msg_id": clientMsgID})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (v1.Message, error) {
	var doc mongoMessage
	if err := s.messages.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return v1.Message{}, errStoreNotFound
		}
		return v1.Message{}, err
	}
	return doc.toV1(), nil
}

// FindByID returns the message with id, or errStoreNotFound.
func (s *MongoStore) FindByID(ctx context.Context, id string) (v1.Message, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// DeleteByID removes the message with id.
func (s *MongoStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	res, err := s.messages.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// FindBetween returns both directions of the (a, b) conversation ordered by created_at ASC.
func (s *MongoStore) FindBetween(ctx context.Context, a, b string) ([]v1.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender_id": a, "receiver_id": b},
		bson.M{"sender_id": b, "receiver_id": a},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]v1.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toV1())
	}
	return out, nil
}

// Exists implements UserDirectory over the users collection.
// User ids may be stored as ObjectIDs or plain strings.
func (s *MongoStore) Exists(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, nil
	}

	ids := bson.A{userID}
	if oid, err := primitive.ObjectIDFromHex(userID); err == nil {
		ids = append(ids, oid)
	}

	n, err := s.users.CountDocuments(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type mongoUser struct {
	ID       any    `bson:"_id"`
	Username string `bson:"username"`
}

// ListUsers implements UserLister over the users collection. The password
// field is projected away before documents leave the server.
func (s *MongoStore) ListUsers(ctx context.Context, excludeID string) ([]v1.UserSummary, error) {
	excludeID = strings.TrimSpace(excludeID)
	ids := bson.A{excludeID}
	if oid, err := primitive.ObjectIDFromHex(excludeID); err == nil {
		ids = append(ids, oid)
	}

	opts := options.Find().
		SetProjection(bson.M{"password": 0}).
		SetSort(bson.D{{Key: "username", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$nin": ids}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []mongoUser
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]v1.UserSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, v1.UserSummary{ID: mongoIDString(d.ID), Username: d.Username})
	}
	return out, nil
}

func mongoIDString(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
