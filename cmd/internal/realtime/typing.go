package realtime

import (
	"strings"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

// TypingRelay forwards ephemeral typing signals to the recipient's live connection.
// Nothing is persisted and nothing is validated beyond identity shape; a missing
// recipient is a silent no-op. Debounce and expiry are owned by the clients.
type TypingRelay struct {
	conns   ConnectionResolver
	metrics *Metrics
	now     func() time.Time
}

// NewTypingRelay constructs a relay over conns. metrics may be nil.
func NewTypingRelay(conns ConnectionResolver, metrics *Metrics) *TypingRelay {
	return &TypingRelay{
		conns:   conns,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NotifyTyping tells to that from started typing.
func (t *TypingRelay) NotifyTyping(from, to string) bool {
	return t.relay(v1.TypeTyping, from, to)
}

// NotifyStopTyping tells to that from stopped typing.
func (t *TypingRelay) NotifyStopTyping(from, to string) bool {
	return t.relay(v1.TypeStopTyping, from, to)
}

func (t *TypingRelay) relay(typ, from, to string) bool {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" || len(from) > maxIdentityLen || len(to) > maxIdentityLen {
		return false
	}

	c, ok := t.conns.Resolve(to)
	if !ok {
		return false
	}

	// The recipient only learns who is typing.
	pushed := c.PushEvent(typ, v1.TypingPayload{From: from}, t.now())
	t.metrics.push(typ, pushed)
	if pushed {
		t.metrics.typing()
	}
	return pushed
}
