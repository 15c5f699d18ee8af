package realtime

import (
	"context"
	"errors"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

// errStoreNotFound is returned by stores when a message id is unknown.
// Delivery maps it to ErrNotFound.
var errStoreNotFound = errors.New("realtime: message not found")

// MessageStore persists and queries direct messages.
//
// Requirements:
//   - Idempotency per (sender_id, client_msg_id) when client_msg_id is set
//   - FindBetween returns both directions of a pair ordered by created_at ASC, id ASC
//   - DeleteByID reports whether a row was removed
type MessageStore interface {
	Create(ctx context.Context, in NewMessage) (CreateResult, error)
	FindByID(ctx context.Context, id string) (v1.Message, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	FindBetween(ctx context.Context, a, b string) ([]v1.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// UserDirectory answers whether an identity belongs to an existing user.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// UserLister lists known users for a contact sidebar, skipping excludeID.
// Results are ordered by username, then id.
type UserLister interface {
	ListUsers(ctx context.Context, excludeID string) ([]v1.UserSummary, error)
}

// NewMessage describes a message create request.
type NewMessage struct {
	ID            string
	ClientMsgID   string
	SenderID      string
	ReceiverID    string
	Body          string
	AttachmentRef string
	Now           time.Time
}

// CreateResult is the create operation result.
type CreateResult struct {
	Message    v1.Message
	Duplicated bool
}

func (in NewMessage) validate() error {
	if in.SenderID == "" || in.ReceiverID == "" {
		return errors.New("realtime: missing participant")
	}
	return nil
}

func (in NewMessage) toMessage(id string, now time.Time) v1.Message {
	return v1.Message{
		ID:            id,
		ClientMsgID:   in.ClientMsgID,
		SenderID:      in.SenderID,
		ReceiverID:    in.ReceiverID,
		Body:          in.Body,
		AttachmentRef: in.AttachmentRef,
		CreatedAt:     now,
	}
}
