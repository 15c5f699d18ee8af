package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

const (
	memMaxMessages = 100_000
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It supports:
//   - Create: idempotent on (sender, client_msg_id)
//   - FindBetween: both directions of a pair, ordered by created_at then id
type InMemoryStore struct {
	mu     sync.Mutex
	byID   map[string]v1.Message
	order  []string             // insertion order, bounded by memMaxMessages
	dedupe map[dedupeKey]string // (sender, client_msg_id) -> id
}

type dedupeKey struct {
	sender      string
	clientMsgID string
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]v1.Message),
		order:  make([]string, 0, 256),
		dedupe: make(map[dedupeKey]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Ping always succeeds for the in-memory store.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Create persists a message, returning the existing one for a repeated client_msg_id.
func (s *InMemoryStore) Create(ctx context.Context, in NewMessage) (CreateResult, error) {
	if err := in.validate(); err != nil {
		return CreateResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey{sender: in.SenderID, clientMsgID: in.ClientMsgID}
	if in.ClientMsgID != "" {
		if id, ok := s.dedupe[key]; ok {
			if existing, ok := s.byID[id]; ok {
				return CreateResult{Message: existing, Duplicated: true}, nil
			}
		}
	}

	id := in.ID
	if id == "" {
		var err error
		if id, err = NewMessageID(now); err != nil {
			return CreateResult{}, err
		}
	}

	msg := in.toMessage(id, now)
	s.byID[id] = msg
	s.order = append(s.order, id)
	if in.ClientMsgID != "" {
		s.dedupe[key] = id
	}

	// Bound memory to avoid unbounded growth in dev.
	if len(s.order) > memMaxMessages {
		for _, old := range s.order[:len(s.order)-memMaxMessages] {
			s.forgetLocked(old)
		}
		s.order = append([]string(nil), s.order[len(s.order)-memMaxMessages:]...)
	}

	return CreateResult{Message: msg}, nil
}

// FindByID returns the message with id, or errStoreNotFound.
func (s *InMemoryStore) FindByID(ctx context.Context, id string) (v1.Message, error) {
	if err := ctx.Err(); err != nil {
		return v1.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return v1.Message{}, errStoreNotFound
	}
	return m, nil
}

// DeleteByID removes the message with id.
func (s *InMemoryStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return false, nil
	}
	s.forgetLocked(id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// FindBetween returns the conversation between a and b in ascending created_at order.
func (s *InMemoryStore) FindBetween(ctx context.Context, a, b string) ([]v1.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]v1.Message, 0, 32)
	for _, id := range s.order {
		m := s.byID[id]
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	sortMessages(out)
	return out, nil
}

func (s *InMemoryStore) forgetLocked(id string) {
	m, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if m.ClientMsgID != "" {
		delete(s.dedupe, dedupeKey{sender: m.SenderID, clientMsgID: m.ClientMsgID})
	}
}

func sortMessages(msgs []v1.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// InMemoryUsers is a static user directory for dev and tests.
// With no users seeded every non-blank identity exists.
type InMemoryUsers struct {
	mu    sync.RWMutex
	users map[string]struct{}
}

// NewInMemoryUsers seeds the directory with ids.
func NewInMemoryUsers(ids ...string) *InMemoryUsers {
	u := &InMemoryUsers{users: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		u.Add(id)
	}
	return u
}

// Add registers id as an existing user.
func (u *InMemoryUsers) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	u.mu.Lock()
	u.users[id] = struct{}{}
	u.mu.Unlock()
}

// Exists implements UserDirectory.
func (u *InMemoryUsers) Exists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(userID) == "" {
		return false, nil
	}

	u.mu.RLock()
	defer u.mu.RUnlock()
	if len(u.users) == 0 {
		return true, nil
	}
	_, ok := u.users[userID]
	return ok, nil
}

// ListUsers implements UserLister. An open directory knows nobody and lists nothing.
func (u *InMemoryUsers) ListUsers(ctx context.Context, excludeID string) ([]v1.UserSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	excludeID = strings.TrimSpace(excludeID)

	u.mu.RLock()
	out := make([]v1.UserSummary, 0, len(u.users))
	for id := range u.users {
		if id != excludeID {
			out = append(out, v1.UserSummary{ID: id})
		}
	}
	u.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
