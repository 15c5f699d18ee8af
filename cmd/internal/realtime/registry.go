package realtime

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ConnectionResolver is the read side of the registry used by delivery and typing.
type ConnectionResolver interface {
	Resolve(userID string) (*Client, bool)
}

// ConnectionRegistry maps user identities to their single live connection.
type ConnectionRegistry interface {
	ConnectionResolver
	Attach(c *Client)
	Register(userID string, c *Client)
	RemoveConnectionsFor(c *Client) []string
	OnlineUsers() []string
}

// PresenceListener is notified after every registry mutation.
// It is called with the registry lock held, so it must not call back into the registry.
type PresenceListener interface {
	PresenceChanged(online []string, conns []*Client)
}

// Registry is the in-process connection registry.
//
// Design notes:
// - One entry per user identity; a later Register for the same identity replaces the handle.
// - Removal is keyed by connection (SessionID), so every identity bound to a closed socket is dropped.
// - Live connections that have not announced an identity yet are tracked too, so presence reaches them.
// - Single-process only: a multi-node deployment needs a shared presence store instead.
type Registry struct {
	log      *slog.Logger
	listener PresenceListener

	mu     sync.RWMutex
	byUser map[string]*Client
	conns  map[string]*Client // SessionID -> client
}

// NewRegistry constructs an empty registry. listener may be nil.
func NewRegistry(log *slog.Logger, listener PresenceListener) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		listener: listener,
		byUser:   make(map[string]*Client),
		conns:    make(map[string]*Client),
	}
}

// Attach records a live connection that has not registered an identity yet.
func (r *Registry) Attach(c *Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.conns[c.SessionID] = c
	r.mu.Unlock()
}

// Register binds userID to c, replacing any previous handle for that identity.
// The replaced connection stops receiving pushes and loses its identity, so its
// later sends are refused until it announces again.
func (r *Registry) Register(userID string, c *Client) {
	userID = strings.TrimSpace(userID)
	if userID == "" || c == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[userID]; ok && prev.SessionID != c.SessionID {
		r.log.Info("registry.replace", "user_id", userID, "prev_session", prev.SessionID, "session", c.SessionID)
		prev.setUserID("")
	}

	// A connection speaks for one identity: drop any other identity it announced before.
	for uid, existing := range r.byUser {
		if uid != userID && existing.SessionID == c.SessionID {
			delete(r.byUser, uid)
		}
	}

	r.byUser[userID] = c
	r.conns[c.SessionID] = c
	c.setUserID(userID)

	r.log.Debug("registry.register", "user_id", userID, "session", c.SessionID)
	r.notifyLocked()
}

// Resolve returns the live connection for userID, if any.
func (r *Registry) Resolve(userID string) (*Client, bool) {
	r.mu.RLock()
	c, ok := r.byUser[userID]
	r.mu.RUnlock()
	return c, ok
}

// RemoveConnectionsFor drops every entry whose handle is c and returns the removed identities.
// Presence is broadcast only when at least one identity went offline.
func (r *Registry) RemoveConnectionsFor(c *Client) []string {
	if c == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, c.SessionID)

	var removed []string
	for uid, existing := range r.byUser {
		if existing.SessionID == c.SessionID {
			delete(r.byUser, uid)
			removed = append(removed, uid)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	sort.Strings(removed)

	r.log.Debug("registry.remove", "session", c.SessionID, "user_ids", removed)
	r.notifyLocked()
	return removed
}

// OnlineUsers returns the sorted set of reachable identities.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// Connections returns the number of live sockets, registered or not.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) onlineLocked() []string {
	out := make([]string, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) notifyLocked() {
	if r.listener == nil {
		return
	}
	conns := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.listener.PresenceChanged(r.onlineLocked(), conns)
}
