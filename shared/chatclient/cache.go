// Package chatclient is the Go client for the pulse realtime protocol.
//
// Cache holds one ordered conversation per peer and reconciles optimistic local
// sends with the authoritative messages pushed or returned by the server.
package chatclient

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "pulse/shared/contracts/realtime/v1"
)

// Status is the delivery state of a cache entry.
type Status int

const (
	// StatusSent means the entry carries the persisted message.
	StatusSent Status = iota
	// StatusSending means the optimistic entry awaits confirmation.
	StatusSending
	// StatusFailed means the send was rejected; the entry stays so the user can retry or discard.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusFailed:
		return "failed"
	default:
		return "sent"
	}
}

// Draft is the user-entered content of a new message.
type Draft struct {
	Body          string
	AttachmentRef string
}

// Entry is one message in a peer's conversation.
type Entry struct {
	// TempID is set for locally originated entries and survives reconciliation.
	TempID  string
	Message v1.Message
	Status  Status
}

// optimistic reports whether the entry still carries its placeholder id.
func (e Entry) optimistic() bool {
	return e.TempID != "" && e.Message.ID == e.TempID
}

// Cache is safe for concurrent use.
type Cache struct {
	self  string
	clock Clock

	mu    sync.Mutex
	peers map[string][]Entry
}

// NewCache creates an empty cache for the user selfID.
func NewCache(selfID string, clock Clock) *Cache {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Cache{self: selfID, clock: clock, peers: make(map[string][]Entry)}
}

// NewTempID returns a placeholder id of the form temp-<unix ms>-<random>.
func NewTempID(now time.Time) string {
	return fmt.Sprintf("temp-%d-%s", now.UnixMilli(), strings.SplitN(uuid.NewString(), "-", 2)[0])
}

// OptimisticSend appends a locally tagged message to peerID's conversation.
func (c *Cache) OptimisticSend(peerID string, draft Draft) Entry {
	now := c.clock.Now().UTC().Truncate(time.Millisecond)
	tempID := NewTempID(now)

	e := Entry{
		TempID: tempID,
		Status: StatusSending,
		Message: v1.Message{
			ID:            tempID,
			ClientMsgID:   tempID,
			SenderID:      c.self,
			ReceiverID:    peerID,
			Body:          draft.Body,
			AttachmentRef: draft.AttachmentRef,
			CreatedAt:     now,
		},
	}

	c.mu.Lock()
	c.peers[peerID] = append(c.peers[peerID], e)
	c.mu.Unlock()
	return e
}

// Reconcile replaces the optimistic entry tempID with msg, keeping its position.
// It reports false, and changes nothing, when the entry is gone.
func (c *Cache) Reconcile(peerID, tempID string, msg v1.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.peers[peerID]
	idx := -1
	for i, e := range seq {
		if e.TempID == tempID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	// A push for the same message may already sit elsewhere in the sequence.
	for i := len(seq) - 1; i >= 0; i-- {
		if i != idx && seq[i].Message.ID == msg.ID {
			seq = append(seq[:i], seq[i+1:]...)
			if i < idx {
				idx--
			}
		}
	}

	seq[idx].Message = mergeContent(seq[idx].Message, msg)
	seq[idx].Status = StatusSent
	c.peers[peerID] = seq
	return true
}

// MarkFailed flags an unconfirmed optimistic entry as failed.
func (c *Cache) MarkFailed(peerID, tempID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.peers[peerID]
	for i := range seq {
		if seq[i].TempID == tempID && seq[i].optimistic() {
			seq[i].Status = StatusFailed
			return true
		}
	}
	return false
}

// resend flips a failed entry back to sending.
func (c *Cache) resend(peerID, tempID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.peers[peerID]
	for i := range seq {
		if seq[i].TempID == tempID && seq[i].Status == StatusFailed {
			seq[i].Status = StatusSending
			return seq[i], true
		}
	}
	return Entry{}, false
}

// MergeIncoming adds a pushed message, collapsing it onto an existing entry with the
// same id, or onto an optimistic entry it confirms (same clientMsgId, or same sender
// and createdAt). The existing entry keeps its position and takes the incoming content.
// It reports whether a new entry was appended.
func (c *Cache) MergeIncoming(peerID string, msg v1.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.peers[peerID]
	if i := indexOf(seq, msg); i >= 0 {
		seq[i].Message = mergeContent(seq[i].Message, msg)
		seq[i].Status = StatusSent
		return false
	}

	c.peers[peerID] = append(seq, Entry{Message: msg, Status: StatusSent})
	return true
}

// Evict removes the entry with messageID (persisted or temp id) from peerID's conversation.
func (c *Cache) Evict(peerID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(peerID, messageID)
}

// EvictAny removes messageID from whichever conversation holds it.
func (c *Cache) EvictAny(messageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for peer := range c.peers {
		if c.evictLocked(peer, messageID) {
			return peer, true
		}
	}
	return "", false
}

func (c *Cache) evictLocked(peerID, messageID string) bool {
	seq := c.peers[peerID]
	for i, e := range seq {
		if e.Message.ID == messageID || e.TempID == messageID {
			c.peers[peerID] = append(seq[:i], seq[i+1:]...)
			return true
		}
	}
	return false
}

// Load replaces peerID's conversation with fetched history. Optimistic entries that
// the history does not confirm stay at the tail so a failed send never disappears.
func (c *Cache) Load(peerID string, msgs []v1.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.peers[peerID]
	next := make([]Entry, 0, len(msgs)+len(prev))
	for _, m := range msgs {
		if indexOf(next, m) >= 0 {
			continue
		}
		e := Entry{Message: m, Status: StatusSent}
		for _, p := range prev {
			if p.TempID != "" && (p.Message.ID == m.ID || (m.ClientMsgID != "" && m.ClientMsgID == p.TempID)) {
				e.TempID = p.TempID
				break
			}
		}
		next = append(next, e)
	}

	for _, p := range prev {
		if !p.optimistic() {
			continue
		}
		if slices.ContainsFunc(next, func(e Entry) bool { return e.TempID == p.TempID }) {
			continue
		}
		next = append(next, p)
	}
	c.peers[peerID] = next
}

// Messages returns a copy of peerID's conversation in arrival order.
func (c *Cache) Messages(peerID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.peers[peerID]
	out := make([]Entry, len(seq))
	copy(out, seq)
	return out
}

// Clear drops peerID's conversation.
func (c *Cache) Clear(peerID string) {
	c.mu.Lock()
	delete(c.peers, peerID)
	c.mu.Unlock()
}

// indexOf finds the entry msg duplicates.
func indexOf(seq []Entry, msg v1.Message) int {
	for i, e := range seq {
		if e.Message.ID == msg.ID {
			return i
		}
	}
	if msg.ClientMsgID != "" {
		for i, e := range seq {
			if e.optimistic() && e.TempID == msg.ClientMsgID {
				return i
			}
		}
	}
	// Without an echoed temp id, fall back to the first optimistic entry from the same sender and millisecond.
	for i, e := range seq {
		if e.optimistic() && e.Message.SenderID == msg.SenderID && e.Message.CreatedAt.Equal(msg.CreatedAt) {
			return i
		}
	}
	return -1
}

// mergeContent applies incoming over existing. An incoming message without an
// attachment keeps the existing one.
func mergeContent(existing, incoming v1.Message) v1.Message {
	out := incoming
	if out.AttachmentRef == "" {
		out.AttachmentRef = existing.AttachmentRef
	}
	return out
}
