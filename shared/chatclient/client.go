package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	v1 "pulse/shared/contracts/realtime/v1"
)

// Options configures Dial.
type Options struct {
	// Token is sent as a bearer token on the handshake and REST calls.
	Token string

	// Origin is sent on the handshake when set.
	Origin string

	Log          *slog.Logger
	Clock        Clock
	HTTPClient   *http.Client
	TypingWindow time.Duration

	// EventBuffer sizes the Events channel (default 64). Events are dropped when it is full.
	EventBuffer int
}

// Client is one realtime session plus the local conversation state it maintains.
type Client struct {
	self    string
	baseURL string
	token   string
	log     *slog.Logger
	clock   Clock
	http    *http.Client

	conn *websocket.Conn

	cache    *Cache
	debounce *TypingDebouncer
	typing   *TypingTracker

	events chan v1.Envelope

	mu      sync.RWMutex
	online  []string
	pending map[string]string // temp id -> peer
}

// Dial connects to baseURL (http or https), announces selfID and returns the client.
// Call Run to start processing pushes.
func Dial(ctx context.Context, baseURL, selfID string, opts Options) (*Client, error) {
	selfID = strings.TrimSpace(selfID)
	if selfID == "" {
		return nil, errors.New("chatclient: empty user id")
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	wsURL, err := socketURL(baseURL)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	if opts.Token != "" {
		h.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.Origin != "" {
		h.Set("Origin", opts.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("chatclient: dial: %w", err)
	}

	c := &Client{
		self:     selfID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    opts.Token,
		log:      opts.Log,
		clock:    opts.Clock,
		http:     opts.HTTPClient,
		conn:     conn,
		cache:    NewCache(selfID, opts.Clock),
		debounce: NewTypingDebouncer(opts.Clock, opts.TypingWindow),
		typing:   NewTypingTracker(opts.Clock, opts.TypingWindow),
		events:   make(chan v1.Envelope, opts.EventBuffer),
		pending:  make(map[string]string),
	}

	if err := c.write(ctx, v1.TypeAddUser, v1.AddUserPayload{UserID: selfID}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "announce failed")
		return nil, err
	}
	return c, nil
}

func socketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("chatclient: base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Self returns the announced identity.
func (c *Client) Self() string { return c.self }

// Cache exposes the conversation cache.
func (c *Client) Cache() *Cache { return c.cache }

// Events delivers every inbound envelope after it was applied to local state.
func (c *Client) Events() <-chan v1.Envelope { return c.events }

// Online returns the last presence snapshot.
func (c *Client) Online() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.online)
}

// IsTyping reports whether peerID is typing to this client.
func (c *Client) IsTyping(peerID string) bool { return c.typing.IsTyping(peerID) }

// Run reads pushes until ctx ends or the connection closes. It also emits
// stopTyping for peers whose typing window lapsed. Events is closed on return.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		t := time.NewTicker(250 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := c.FlushTyping(ctx); err != nil && ctx.Err() == nil {
					c.log.Debug("chatclient.typing.flush.fail", "err", err)
				}
			}
		}
	}()

	for {
		var env v1.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		c.apply(env)

		select {
		case c.events <- env:
		default:
			c.log.Debug("chatclient.event.dropped", "type", env.Type)
		}
	}
}

func (c *Client) apply(env v1.Envelope) {
	switch env.Type {
	case v1.TypeOnlineUsers:
		var p v1.OnlineUsersPayload
		if err := env.Decode(&p); err == nil {
			c.mu.Lock()
			c.online = p.UserIDs
			c.mu.Unlock()
		}

	case v1.TypeNewMessage:
		var msg v1.Message
		if err := env.Decode(&msg); err != nil {
			return
		}
		peer := msg.Peer(c.self)
		if msg.SenderID == c.self && msg.ClientMsgID != "" {
			c.mu.Lock()
			delete(c.pending, msg.ClientMsgID)
			c.mu.Unlock()
			if c.cache.Reconcile(peer, msg.ClientMsgID, msg) {
				return
			}
		}
		c.cache.MergeIncoming(peer, msg)

	case v1.TypeMessageDeleted:
		var p v1.MessageDeletedPayload
		if err := env.Decode(&p); err == nil {
			c.cache.EvictAny(p.MessageID)
		}

	case v1.TypeTyping, v1.TypeStopTyping:
		var p v1.TypingPayload
		if err := env.Decode(&p); err != nil || p.From == "" {
			return
		}
		if env.Type == v1.TypeTyping {
			c.typing.Typing(p.From)
		} else {
			c.typing.Stop(p.From)
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil || p.Ref == "" {
			return
		}
		c.mu.Lock()
		peer, ok := c.pending[p.Ref]
		delete(c.pending, p.Ref)
		c.mu.Unlock()
		if ok {
			c.cache.MarkFailed(peer, p.Ref)
			c.log.Info("chatclient.send.rejected", "temp_id", p.Ref, "code", p.Code)
		}
	}
}

// Send appends an optimistic entry and sends it. The entry is marked failed when the
// write fails here or the server answers with an error for its temp id.
func (c *Client) Send(ctx context.Context, peerID string, draft Draft) (Entry, error) {
	if c.debounce.Stop(peerID) {
		_ = c.write(ctx, v1.TypeStopTyping, v1.TypingPayload{To: peerID})
	}

	e := c.cache.OptimisticSend(peerID, draft)

	c.mu.Lock()
	c.pending[e.TempID] = peerID
	c.mu.Unlock()

	err := c.write(ctx, v1.TypeSendMessage, v1.SendMessagePayload{
		ReceiverID:    peerID,
		Body:          draft.Body,
		AttachmentRef: draft.AttachmentRef,
		ClientMsgID:   e.TempID,
		CreatedAt:     e.Message.CreatedAt,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, e.TempID)
		c.mu.Unlock()
		c.cache.MarkFailed(peerID, e.TempID)
		e.Status = StatusFailed
		return e, err
	}
	return e, nil
}

// Retry resends a failed entry under its original temp id.
func (c *Client) Retry(ctx context.Context, peerID, tempID string) error {
	e, ok := c.cache.resend(peerID, tempID)
	if !ok {
		return fmt.Errorf("chatclient: no failed entry %q", tempID)
	}

	c.mu.Lock()
	c.pending[tempID] = peerID
	c.mu.Unlock()

	err := c.write(ctx, v1.TypeSendMessage, v1.SendMessagePayload{
		ReceiverID:    peerID,
		Body:          e.Message.Body,
		AttachmentRef: e.Message.AttachmentRef,
		ClientMsgID:   tempID,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, tempID)
		c.mu.Unlock()
		c.cache.MarkFailed(peerID, tempID)
	}
	return err
}

// Delete requests removal of an own message.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	return c.write(ctx, v1.TypeDeleteMessage, v1.DeleteMessagePayload{MessageID: messageID})
}

// Keystroke notes local input for peerID and emits typing when due.
func (c *Client) Keystroke(ctx context.Context, peerID string) error {
	if !c.debounce.Keystroke(peerID) {
		return nil
	}
	return c.write(ctx, v1.TypeTyping, v1.TypingPayload{To: peerID})
}

// FlushTyping emits stopTyping for peers whose typing window lapsed.
func (c *Client) FlushTyping(ctx context.Context) error {
	var errs []error
	for _, peer := range c.debounce.Expired() {
		if err := c.write(ctx, v1.TypeStopTyping, v1.TypingPayload{To: peer}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// History fetches the conversation with peerID over REST and loads it into the cache.
func (c *Client) History(ctx context.Context, peerID string) ([]Entry, error) {
	endpoint := c.baseURL + "/api/messages/get/" + url.PathEscape(c.self) + "/" + url.PathEscape(peerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chatclient: history: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var msgs []v1.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("chatclient: history decode: %w", err)
	}
	c.cache.Load(peerID, msgs)
	return c.cache.Messages(peerID), nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Client) write(ctx context.Context, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, uuid.NewString(), c.clock.Now().UTC(), payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, c.conn, env)
}
