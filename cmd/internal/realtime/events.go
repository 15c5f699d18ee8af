package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

// Message lifecycle event types published after persistence.
const (
	EventMessageCreated = "message.created"
	EventMessageDeleted = "message.deleted"
)

// MessageEvent describes one persisted change to a message.
type MessageEvent struct {
	Type        string     `json:"type"`
	Message     v1.Message `json:"message"`
	RequestedBy string     `json:"requestedBy,omitempty"`
	At          time.Time  `json:"at"`
}

// EventPublisher receives lifecycle events. Publishing is best-effort: an error is
// logged by the caller and never fails the operation that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, ev MessageEvent) error
}

const (
	defaultEventQueueSize = 256
	eventPublishTimeout   = 2 * time.Second
)

// eventQueue hands events to a publisher on its own goroutine so a slow broker
// never holds up Send or Delete. A full queue drops the event.
type eventQueue struct {
	log     *slog.Logger
	next    EventPublisher
	timeout time.Duration

	ch   chan MessageEvent
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newEventQueue(log *slog.Logger, next EventPublisher, size int, timeout time.Duration) *eventQueue {
	if size <= 0 {
		size = defaultEventQueueSize
	}
	if timeout <= 0 {
		timeout = eventPublishTimeout
	}
	q := &eventQueue{
		log:     log,
		next:    next,
		timeout: timeout,
		ch:      make(chan MessageEvent, size),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// offer enqueues ev without blocking. It reports false when the queue is full or closed.
func (q *eventQueue) offer(ev MessageEvent) bool {
	select {
	case <-q.stop:
		return false
	default:
	}
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for {
		select {
		case ev := <-q.ch:
			q.publish(ev)
		case <-q.stop:
			for {
				select {
				case ev := <-q.ch:
					q.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (q *eventQueue) publish(ev MessageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if err := q.next.Publish(ctx, ev); err != nil {
		q.log.Warn("delivery.event.publish_fail", "type", ev.Type, "message_id", ev.Message.ID, "err", err)
	}
}

// close stops accepting events and waits for the backlog to drain or ctx to end.
func (q *eventQueue) close(ctx context.Context) error {
	q.once.Do(func() { close(q.stop) })
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
