package realtime

import (
	"log/slog"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

// PresenceBroadcaster pushes the full online set to every live connection.
// Fan-out is O(connections) per registry mutation and never blocks: a client
// with a full send queue misses that snapshot and catches up on the next one.
type PresenceBroadcaster struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewPresenceBroadcaster constructs a broadcaster. metrics may be nil.
func NewPresenceBroadcaster(log *slog.Logger, metrics *Metrics) *PresenceBroadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &PresenceBroadcaster{
		log:     log,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PresenceChanged implements PresenceListener.
func (p *PresenceBroadcaster) PresenceChanged(online []string, conns []*Client) {
	p.metrics.setOnline(len(online))

	env, err := v1.NewEnvelope(v1.TypeOnlineUsers, NewEnvelopeID(), p.now(), v1.OnlineUsersPayload{UserIDs: online})
	if err != nil {
		p.log.Error("presence.encode.fail", "err", err)
		return
	}

	dropped := 0
	for _, c := range conns {
		ok := c.Push(env)
		p.metrics.push(v1.TypeOnlineUsers, ok)
		if !ok {
			dropped++
		}
	}

	if dropped > 0 {
		p.log.Warn("presence.broadcast.dropped", "dropped", dropped, "conns", len(conns))
	}
}
