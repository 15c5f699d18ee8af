package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	v1 "pulse/shared/contracts/realtime/v1"
)

// SendInput describes one send request.
type SendInput struct {
	SenderID      string
	ReceiverID    string
	Body          string
	AttachmentRef string

	// ClientMsgID is the sender's optimistic temp id. A repeated value from the
	// same sender returns the already persisted message without pushing again.
	ClientMsgID string
}

// Delivery persists messages and pushes them to the participants' live connections.
//
// Persistence is the durability boundary: nothing is pushed unless the store write
// succeeded. Pushes are best-effort; an absent or saturated connection is not an error.
type Delivery struct {
	log     *slog.Logger
	store   MessageStore
	users   UserDirectory
	conns   ConnectionResolver
	events  EventPublisher
	metrics *Metrics
	now     func() time.Time

	queueSize int
	queue     *eventQueue
}

// DeliveryOption configures a Delivery.
type DeliveryOption func(*Delivery)

// WithEventPublisher sets the lifecycle event publisher (default: none).
// Events are handed to it from a background queue, never from the caller's goroutine.
func WithEventPublisher(p EventPublisher) DeliveryOption {
	return func(d *Delivery) {
		if p != nil {
			d.events = p
		}
	}
}

// WithEventQueueSize bounds the pending lifecycle events; extra events are dropped.
func WithEventQueueSize(n int) DeliveryOption {
	return func(d *Delivery) { d.queueSize = n }
}

// WithMetrics attaches prometheus series.
func WithMetrics(m *Metrics) DeliveryOption {
	return func(d *Delivery) { d.metrics = m }
}

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) DeliveryOption {
	return func(d *Delivery) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDelivery wires the delivery channel to its collaborators.
func NewDelivery(log *slog.Logger, store MessageStore, users UserDirectory, conns ConnectionResolver, opts ...DeliveryOption) *Delivery {
	if log == nil {
		log = slog.Default()
	}
	d := &Delivery{
		log:    log,
		store:  store,
		users:  users,
		conns:  conns,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.events != nil {
		d.queue = newEventQueue(log, d.events, d.queueSize, eventPublishTimeout)
	}
	return d
}

// Close flushes queued lifecycle events, waiting at most until ctx is done.
func (d *Delivery) Close(ctx context.Context) error {
	if d.queue == nil {
		return nil
	}
	return d.queue.close(ctx)
}

// Send validates, persists, and pushes one message.
func (d *Delivery) Send(ctx context.Context, in SendInput) (v1.Message, error) {
	const op = "delivery.send"

	in.SenderID = strings.TrimSpace(in.SenderID)
	in.ReceiverID = strings.TrimSpace(in.ReceiverID)
	in.AttachmentRef = strings.TrimSpace(in.AttachmentRef)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)

	if in.SenderID == "" || in.ReceiverID == "" {
		return v1.Message{}, opErr(op, ErrInvalidParticipant, nil)
	}
	if strings.TrimSpace(in.Body) == "" && in.AttachmentRef == "" {
		return v1.Message{}, opErr(op, ErrEmptyMessage, nil)
	}
	if utf8.RuneCountInString(in.Body) > maxMessageChars {
		return v1.Message{}, opErr(op, ErrMessageTooLong, nil)
	}

	for _, uid := range []string{in.SenderID, in.ReceiverID} {
		ok, err := d.users.Exists(ctx, uid)
		if err != nil {
			return v1.Message{}, opErr(op, ErrPersistence, err)
		}
		if !ok {
			return v1.Message{}, opErr(op, ErrInvalidParticipant, nil)
		}
	}

	now := d.now().UTC().Truncate(time.Millisecond)
	id, err := NewMessageID(now)
	if err != nil {
		return v1.Message{}, opErr(op, ErrPersistence, err)
	}

	res, err := d.store.Create(ctx, NewMessage{
		ID:            id,
		ClientMsgID:   in.ClientMsgID,
		SenderID:      in.SenderID,
		ReceiverID:    in.ReceiverID,
		Body:          in.Body,
		AttachmentRef: in.AttachmentRef,
		Now:           now,
	})
	if err != nil {
		d.log.Error("delivery.send.persist_fail", "sender_id", in.SenderID, "receiver_id", in.ReceiverID, "err", err)
		return v1.Message{}, opErr(op, ErrPersistence, err)
	}

	msg := res.Message
	if res.Duplicated {
		// The receiver already has it; re-echo to the sender so a retrying client can reconcile.
		if c, ok := d.conns.Resolve(msg.SenderID); ok {
			d.metrics.push(v1.TypeNewMessage, c.PushEvent(v1.TypeNewMessage, msg, d.now().UTC()))
		}
		d.log.Debug("delivery.send.duplicate", "message_id", msg.ID, "client_msg_id", in.ClientMsgID)
		return msg, nil
	}

	d.pushMessage(msg)
	d.metrics.messageSent()
	d.publish(MessageEvent{Type: EventMessageCreated, Message: msg, RequestedBy: msg.SenderID, At: now})

	d.log.Debug("delivery.send.ok", "message_id", msg.ID, "sender_id", msg.SenderID, "receiver_id", msg.ReceiverID)
	return msg, nil
}

// pushMessage delivers newMessage to the receiver and, on a different handle, to the sender.
func (d *Delivery) pushMessage(msg v1.Message) {
	env, err := v1.NewEnvelope(v1.TypeNewMessage, NewEnvelopeID(), d.now().UTC(), msg)
	if err != nil {
		d.log.Error("delivery.encode.fail", "err", err)
		return
	}

	recv, hasRecv := d.conns.Resolve(msg.ReceiverID)
	if hasRecv {
		d.metrics.push(v1.TypeNewMessage, recv.Push(env))
	}

	sender, hasSender := d.conns.Resolve(msg.SenderID)
	if hasSender && (!hasRecv || sender.SessionID != recv.SessionID) {
		d.metrics.push(v1.TypeNewMessage, sender.Push(env))
	}
}

// Delete removes a message owned by requesterID and notifies the other participant.
// It returns the removed message.
func (d *Delivery) Delete(ctx context.Context, messageID, requesterID string) (v1.Message, error) {
	const op = "delivery.delete"

	messageID = strings.TrimSpace(messageID)
	requesterID = strings.TrimSpace(requesterID)
	if messageID == "" {
		return v1.Message{}, opErr(op, ErrNotFound, nil)
	}

	msg, err := d.store.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, errStoreNotFound) {
			return v1.Message{}, opErr(op, ErrNotFound, nil)
		}
		return v1.Message{}, opErr(op, ErrPersistence, err)
	}
	if msg.SenderID != requesterID {
		return v1.Message{}, opErr(op, ErrForbidden, nil)
	}

	removed, err := d.store.DeleteByID(ctx, messageID)
	if err != nil {
		return v1.Message{}, opErr(op, ErrPersistence, err)
	}
	if !removed {
		// Lost a race with a concurrent delete.
		return v1.Message{}, opErr(op, ErrNotFound, nil)
	}

	if c, ok := d.conns.Resolve(msg.ReceiverID); ok {
		ok := c.PushEvent(v1.TypeMessageDeleted, v1.MessageDeletedPayload{
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
		}, d.now().UTC())
		d.metrics.push(v1.TypeMessageDeleted, ok)
	}

	d.metrics.messageDeleted()
	d.publish(MessageEvent{Type: EventMessageDeleted, Message: msg, RequestedBy: requesterID, At: d.now().UTC()})

	d.log.Debug("delivery.delete.ok", "message_id", msg.ID, "sender_id", msg.SenderID)
	return msg, nil
}

// FetchConversation returns every message between a and b, oldest first.
func (d *Delivery) FetchConversation(ctx context.Context, a, b string) ([]v1.Message, error) {
	const op = "delivery.fetch"

	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return nil, opErr(op, ErrInvalidParticipant, nil)
	}

	msgs, err := d.store.FindBetween(ctx, a, b)
	if err != nil {
		return nil, opErr(op, ErrPersistence, err)
	}
	sortMessages(msgs)
	return msgs, nil
}

// Ping reports whether the message store is reachable.
func (d *Delivery) Ping(ctx context.Context) error {
	return d.store.Ping(ctx)
}

func (d *Delivery) publish(ev MessageEvent) {
	if d.queue == nil {
		return
	}
	if !d.queue.offer(ev) {
		d.log.Warn("delivery.event.dropped", "type", ev.Type, "message_id", ev.Message.ID)
	}
}
