// Package v1 defines the pulse realtime protocol v1 contract.
//
// It is shared between the server and Go clients so the wire protocol stays authoritative
// in one place. Event names are camelCase to match the browser client.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated during the handshake.
const Subprotocol = "pulse.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeAddUser announces the connection's user identity (client -> server).
	TypeAddUser = "addUser"
	// TypeOnlineUsers carries the full set of reachable identities (server -> all clients).
	TypeOnlineUsers = "getOnlineUsers"

	// TypeSendMessage requests sending a direct message (client -> server).
	TypeSendMessage = "sendMessage"
	// TypeNewMessage delivers a persisted message (server -> receiver and sender).
	TypeNewMessage = "newMessage"

	// TypeDeleteMessage requests deletion of an own message (client -> server).
	TypeDeleteMessage = "deleteMessage"
	// TypeMessageDeleted notifies that a message was removed (server -> client).
	TypeMessageDeleted = "messageDeleted"

	// TypeTyping and TypeStopTyping are relayed, never persisted.
	TypeTyping     = "typing"
	TypeStopTyping = "stopTyping"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAddUser,
		TypeOnlineUsers,
		TypeSendMessage,
		TypeNewMessage,
		TypeDeleteMessage,
		TypeMessageDeleted,
		TypeTyping,
		TypeStopTyping,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: b}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}

// ---- Model ----

// Message is the persisted direct message as seen on the wire.
type Message struct {
	ID            string    `json:"id"`
	ClientMsgID   string    `json:"clientMsgId,omitempty"`
	SenderID      string    `json:"senderId"`
	ReceiverID    string    `json:"receiverId"`
	Body          string    `json:"body"`
	AttachmentRef string    `json:"attachmentRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Seen          bool      `json:"seen"`
}

// Peer returns the other participant of m from self's point of view.
func (m Message) Peer(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// ---- Payloads ----

// AddUserPayload announces the identity bound to the connection.
type AddUserPayload struct {
	UserID string `json:"userId"`
}

// OnlineUsersPayload is the full, sorted set of reachable identities.
type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

// SendMessagePayload requests a new direct message.
// ClientMsgID carries the optimistic temp id so the echo can be reconciled.
type SendMessagePayload struct {
	ReceiverID    string    `json:"receiverId"`
	Body          string    `json:"body"`
	AttachmentRef string    `json:"attachmentRef,omitempty"`
	ClientMsgID   string    `json:"clientMsgId,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

// DeleteMessagePayload requests removal of a message owned by the caller.
type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

// MessageDeletedPayload notifies the other participant of a removal.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// TypingPayload is {from, to} outbound and {from} when relayed to the recipient.
type TypingPayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// ErrorPayload is a generic error response payload.
// Ref echoes the request envelope id or clientMsgId the error relates to.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// UserSummary is one sidebar contact. Credentials are never part of it.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}
