package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	v1 "pulse/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Browsers always send Origin, so the allowlist is enforced for them.
	// Native clients (CLI, smoke tool) may omit it unless PULSE_WS_ORIGIN_REQUIRED=true.
	wsDefaultOriginRequired = false
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// IdentityVerifier resolves an access token to the user identity it was issued for.
type IdentityVerifier interface {
	VerifyAccessToken(token string, now time.Time) (string, error)
}

// WSGateway is the WebSocket entrypoint for pulse realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, and heartbeats,
// binds connections to identities in the Registry, and routes validated envelopes
// to Delivery and TypingRelay.
type WSGateway struct {
	log      *slog.Logger
	reg      *Registry
	delivery *Delivery
	typing   *TypingRelay
	verifier IdentityVerifier
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	storeTimeout    time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithIdentityVerifier requires a verified access token on the handshake.
// addUser must then announce the same identity.
func WithIdentityVerifier(v IdentityVerifier) GatewayOption {
	return func(g *WSGateway) { g.verifier = v }
}

// WithGatewayMetrics attaches the connection gauge.
func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway. Settings come from PULSE_WS_* environment variables.
func NewWSGateway(log *slog.Logger, reg *Registry, delivery *Delivery, typing *TypingRelay, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, reg: reg, delivery: delivery, typing: typing}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	// NOTE: InsecureSkipVerify disables coder/websocket's same-host origin check. Dev only.
	g.devInsecure = envBoolWS("PULSE_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PULSE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PULSE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PULSE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PULSE_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.storeTimeout = envDurationWS("PULSE_WS_STORE_TIMEOUT", storeTimeout)

	g.sendQueueSize = envIntWS("PULSE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PULSE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PULSE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PULSE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PULSE_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// wsSession is the per-connection state owned by the read loop.
type wsSession struct {
	client   *Client
	verified string // identity proven by the handshake token, "" when auth is off
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	verified, err := g.verifyHandshake(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewSessionID(), g.sendQueueSize)
	sess := &wsSession{client: client, verified: verified}
	sessionID := client.SessionID

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.reg.Attach(client)
	g.metrics.connOpened()
	g.log.Info("ws.open", "session_id", sessionID, "verified_user", verified, "conns", g.reg.Connections())

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The registry entry is removed before client.Close so no push targets a dead session for long.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			removed := g.reg.RemoveConnectionsFor(client)
			g.metrics.connClosed()
			g.log.Info("ws.close", "session_id", sessionID, "user_ids", removed, "reason", reason)

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	// lastSeen is touched by every inbound frame and every answered ping.
	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, &lastSeen, shutdown)
	}()

readLoop:
	for {
		// The session ctx bounds the read; liveness is the heartbeat's job.
		env, err := readEnvelope(ctx, conn)
		lastSeen.Store(time.Now().UnixNano())

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(client, "rate_limited", "too many events", env.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error(), env.ID)
			continue readLoop
		}

		g.dispatch(ctx, sess, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// heartbeat pings the peer every heartbeatEvery. The session ends after wsMaxPingFailures
// consecutive failures, or when neither a frame nor a pong arrived within readIdleTimeout.
func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, lastSeen *atomic.Int64, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err == nil {
				failures = 0
				lastSeen.Store(time.Now().UnixNano())
				continue
			}

			if idle := time.Since(time.Unix(0, lastSeen.Load())); idle > g.readIdleTimeout {
				g.log.Info("ws.idle.timeout", "session_id", client.SessionID, "idle", idle.String())
				shutdown(websocket.StatusGoingAway, "idle timeout")
				return
			}

			failures++
			g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
			if failures >= wsMaxPingFailures {
				shutdown(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (g *WSGateway) dispatch(ctx context.Context, sess *wsSession, env v1.Envelope) {
	client := sess.client

	if env.Type == v1.TypeAddUser {
		g.onAddUser(sess, env)
		return
	}

	switch env.Type {
	case v1.TypeSendMessage, v1.TypeDeleteMessage, v1.TypeTyping, v1.TypeStopTyping:
		if client.UserID() == "" {
			g.trySendError(client, "not_registered", "announce identity with addUser first", env.ID)
			return
		}
	default:
		g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), env.ID)
		return
	}

	switch env.Type {
	case v1.TypeSendMessage:
		g.onSendMessage(ctx, client, env)
	case v1.TypeDeleteMessage:
		g.onDeleteMessage(ctx, client, env)
	case v1.TypeTyping, v1.TypeStopTyping:
		g.onTyping(client, env)
	}
}

// ---- handlers ----

func (g *WSGateway) onAddUser(sess *wsSession, env v1.Envelope) {
	var p v1.AddUserPayload
	if err := env.Decode(&p); err != nil {
		g.trySendError(sess.client, "bad_payload", err.Error(), env.ID)
		return
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" || len(userID) > maxIdentityLen {
		g.trySendError(sess.client, "bad_payload", "invalid userId", env.ID)
		return
	}
	if sess.verified != "" && userID != sess.verified {
		g.log.Info("ws.add_user.mismatch", "session_id", sess.client.SessionID, "verified_user", sess.verified, "user_id", userID)
		g.trySendError(sess.client, "identity_mismatch", "userId does not match access token", env.ID)
		return
	}

	g.reg.Register(userID, sess.client)
}

func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		g.trySendError(client, "bad_payload", err.Error(), env.ID)
		return
	}

	ref := p.ClientMsgID
	if ref == "" {
		ref = env.ID
	}

	sctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	_, err := g.delivery.Send(sctx, SendInput{
		SenderID:      client.UserID(),
		ReceiverID:    p.ReceiverID,
		Body:          p.Body,
		AttachmentRef: p.AttachmentRef,
		ClientMsgID:   p.ClientMsgID,
	})
	if err != nil {
		g.log.Info("ws.send.fail", "session_id", client.SessionID, "user_id", client.UserID(), "err", err)
		g.trySendError(client, ErrorCode(err), err.Error(), ref)
	}
}

func (g *WSGateway) onDeleteMessage(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.DeleteMessagePayload
	if err := env.Decode(&p); err != nil {
		g.trySendError(client, "bad_payload", err.Error(), env.ID)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	msg, err := g.delivery.Delete(dctx, p.MessageID, client.UserID())
	if err != nil {
		g.trySendError(client, ErrorCode(err), err.Error(), p.MessageID)
		return
	}

	// Confirm to the requester unless Delete already pushed to this very connection.
	if recv, ok := g.reg.Resolve(msg.ReceiverID); ok && recv.SessionID == client.SessionID {
		return
	}
	client.PushEvent(v1.TypeMessageDeleted, v1.MessageDeletedPayload{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
	}, time.Now().UTC())
}

func (g *WSGateway) onTyping(client *Client, env v1.Envelope) {
	var p v1.TypingPayload
	if err := env.Decode(&p); err != nil {
		g.trySendError(client, "bad_payload", err.Error(), env.ID)
		return
	}

	// from is always the connection's own identity.
	from := client.UserID()
	if env.Type == v1.TypeTyping {
		g.typing.NotifyTyping(from, p.To)
		return
	}
	g.typing.NotifyStopTyping(from, p.To)
}

// ---- handshake ----

func (g *WSGateway) verifyHandshake(r *http.Request) (string, error) {
	if g.verifier == nil {
		return "", nil
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		return "", errors.New("missing access token")
	}

	userID, err := g.verifier.VerifyAccessToken(token, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("token without subject")
	}
	return userID, nil
}

func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg, ref string) {
	_ = client.PushEvent(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, Ref: ref}, time.Now().UTC())
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if originAllowed(origin, g.allowedOrigins) {
		return nil
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originAllowed matches origin against the allowlist by full origin or by host.
// "*" allows every origin.
func originAllowed(origin string, allowed []string) bool {
	originHost := originHostOnly(origin)
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", a == origin:
			return true
		case originHost != "" && originHost == originHostOnly(a):
			return true
		}
	}
	return false
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into host patterns for websocket.Accept,
// so the library's own origin check agrees with enforceOrigin.
func deriveOriginPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}
