package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "pulse/shared/contracts/realtime/v1"
)

type stubVerifier map[string]string // token -> user id

func (s stubVerifier) VerifyAccessToken(token string, _ time.Time) (string, error) {
	uid, ok := s[token]
	if !ok {
		return "", errors.New("invalid token")
	}
	return uid, nil
}

type gatewayFixture struct {
	reg      *Registry
	delivery *Delivery
	server   *httptest.Server
}

func newGatewayFixture(t *testing.T, opts ...GatewayOption) gatewayFixture {
	t.Helper()
	t.Setenv("PULSE_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("PULSE_WS_ALLOWED_ORIGINS", "http://localhost")

	log := discardLogger()
	reg := NewRegistry(log, NewPresenceBroadcaster(log, nil))
	delivery := NewDelivery(log, NewInMemoryStore(), NewInMemoryUsers("1", "2"), reg)
	gw := NewWSGateway(log, reg, delivery, NewTypingRelay(reg, nil), opts...)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return gatewayFixture{reg: reg, delivery: delivery, server: ts}
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDialWS(t *testing.T, baseHTTPURL, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "", token)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(), time.Now().UTC(), payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// readOnlineUntil reads presence snapshots until one equals want.
func readOnlineUntil(t *testing.T, conn *websocket.Conn, want []string) {
	t.Helper()
	for i := 0; i < 6; i++ {
		env := readUntilType(t, conn, v1.TypeOnlineUsers, 6)
		var p v1.OnlineUsersPayload
		if err := env.Decode(&p); err != nil {
			t.Fatalf("decode online users: %v", err)
		}
		if slices.Equal(p.UserIDs, want) {
			return
		}
	}
	t.Fatalf("never saw online users %v", want)
}

func addUser(t *testing.T, conn *websocket.Conn, uid string) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.TypeAddUser, v1.AddUserPayload{UserID: uid})
}

func TestWSGateway_EndToEnd_SendEchoFetch(t *testing.T) {
	f := newGatewayFixture(t)

	a := mustDialWS(t, f.server.URL, "")
	addUser(t, a, "1")
	readOnlineUntil(t, a, []string{"1"})

	b := mustDialWS(t, f.server.URL, "")
	addUser(t, b, "2")
	readOnlineUntil(t, b, []string{"1", "2"})
	readOnlineUntil(t, a, []string{"1", "2"})

	writeEnvelopeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "2", Body: "hello", ClientMsgID: "temp-1"})

	var got [2]v1.Message
	for i, conn := range []*websocket.Conn{b, a} {
		env := readUntilType(t, conn, v1.TypeNewMessage, 4)
		if err := env.Decode(&got[i]); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got[i].SenderID != "1" || got[i].ReceiverID != "2" || got[i].Body != "hello" {
			t.Fatalf("unexpected push %+v", got[i])
		}
	}
	if got[0].ID != got[1].ID || got[1].ClientMsgID != "temp-1" {
		t.Fatalf("receiver and echo differ: %+v vs %+v", got[0], got[1])
	}

	conv, err := f.delivery.FetchConversation(context.Background(), "1", "2")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(conv) != 1 || conv[0].ID != got[0].ID {
		t.Fatalf("conversation=%+v", conv)
	}
}

func TestWSGateway_TypingAndDelete(t *testing.T) {
	f := newGatewayFixture(t)

	a := mustDialWS(t, f.server.URL, "")
	addUser(t, a, "1")
	readOnlineUntil(t, a, []string{"1"})
	b := mustDialWS(t, f.server.URL, "")
	addUser(t, b, "2")
	readOnlineUntil(t, b, []string{"1", "2"})

	// from is taken from the connection, not the payload.
	writeEnvelopeWS(t, a, v1.TypeTyping, v1.TypingPayload{From: "spoofed", To: "2"})
	env := readUntilType(t, b, v1.TypeTyping, 4)
	var tp v1.TypingPayload
	if err := env.Decode(&tp); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if tp.From != "1" {
		t.Fatalf("typing from=%q", tp.From)
	}
	writeEnvelopeWS(t, a, v1.TypeStopTyping, v1.TypingPayload{To: "2"})
	_ = readUntilType(t, b, v1.TypeStopTyping, 4)

	writeEnvelopeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "2", Body: "delete me"})
	var msg v1.Message
	if err := readUntilType(t, b, v1.TypeNewMessage, 4).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// The receiver may not delete it.
	writeEnvelopeWS(t, b, v1.TypeDeleteMessage, v1.DeleteMessagePayload{MessageID: msg.ID})
	var ep v1.ErrorPayload
	if err := readUntilType(t, b, v1.TypeError, 4).Decode(&ep); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if ep.Code != "forbidden" || ep.Ref != msg.ID {
		t.Fatalf("unexpected error %+v", ep)
	}

	writeEnvelopeWS(t, a, v1.TypeDeleteMessage, v1.DeleteMessagePayload{MessageID: msg.ID})
	for _, conn := range []*websocket.Conn{b, a} {
		var dp v1.MessageDeletedPayload
		if err := readUntilType(t, conn, v1.TypeMessageDeleted, 4).Decode(&dp); err != nil {
			t.Fatalf("decode deleted: %v", err)
		}
		if dp.MessageID != msg.ID || dp.SenderID != "1" {
			t.Fatalf("unexpected deletion %+v", dp)
		}
	}
}

func TestWSGateway_NotRegisteredAndValidationErrors(t *testing.T) {
	f := newGatewayFixture(t)

	a := mustDialWS(t, f.server.URL, "")
	writeEnvelopeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "2", Body: "hi"})

	var ep v1.ErrorPayload
	if err := readUntilType(t, a, v1.TypeError, 4).Decode(&ep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ep.Code != "not_registered" {
		t.Fatalf("code=%q", ep.Code)
	}

	addUser(t, a, "1")
	readOnlineUntil(t, a, []string{"1"})

	writeEnvelopeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "2", Body: "   ", ClientMsgID: "temp-9"})
	if err := readUntilType(t, a, v1.TypeError, 4).Decode(&ep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ep.Code != "empty_message" || ep.Ref != "temp-9" {
		t.Fatalf("unexpected error %+v", ep)
	}

	writeEnvelopeWS(t, a, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "nobody", Body: "hi"})
	if err := readUntilType(t, a, v1.TypeError, 4).Decode(&ep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ep.Code != "invalid_participant" {
		t.Fatalf("unexpected error %+v", ep)
	}
}

func TestWSGateway_ReplacedSocketIsNotRegistered(t *testing.T) {
	f := newGatewayFixture(t)

	stale := mustDialWS(t, f.server.URL, "")
	addUser(t, stale, "1")
	readOnlineUntil(t, stale, []string{"1"})

	fresh := mustDialWS(t, f.server.URL, "")
	addUser(t, fresh, "1")
	readOnlineUntil(t, fresh, []string{"1"})

	writeEnvelopeWS(t, stale, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "2", Body: "from the old tab"})
	var ep v1.ErrorPayload
	if err := readUntilType(t, stale, v1.TypeError, 6).Decode(&ep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ep.Code != "not_registered" {
		t.Fatalf("stale socket must be refused, got %+v", ep)
	}

	conv, err := f.delivery.FetchConversation(context.Background(), "1", "2")
	if err != nil || len(conv) != 0 {
		t.Fatalf("nothing should be stored: %+v %v", conv, err)
	}
}

func TestWSGateway_CloseRemovesRegistration(t *testing.T) {
	f := newGatewayFixture(t)

	a := mustDialWS(t, f.server.URL, "")
	addUser(t, a, "1")
	readOnlineUntil(t, a, []string{"1"})

	b := mustDialWS(t, f.server.URL, "")
	addUser(t, b, "2")
	readOnlineUntil(t, a, []string{"1", "2"})

	_ = b.Close(websocket.StatusNormalClosure, "bye")
	readOnlineUntil(t, a, []string{"1"})

	if _, ok := f.reg.Resolve("2"); ok {
		t.Fatalf("2 should be offline after close")
	}
}

func TestWSGateway_IdleListenerAnsweringPingsStaysRegistered(t *testing.T) {
	t.Setenv("PULSE_WS_READ_IDLE_TIMEOUT", "1s")
	t.Setenv("PULSE_WS_HEARTBEAT_INTERVAL", "200ms")
	t.Setenv("PULSE_WS_HEARTBEAT_TIMEOUT", "500ms")
	f := newGatewayFixture(t)

	conn := mustDialWS(t, f.server.URL, "")
	addUser(t, conn, "2")
	readOnlineUntil(t, conn, []string{"2"})

	// Keep a read in flight so pings are answered; never send another frame.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	time.Sleep(2 * time.Second)
	if _, ok := f.reg.Resolve("2"); !ok {
		t.Fatalf("idle connection with a healthy heartbeat was dropped")
	}
}

func TestWSGateway_SilentPeerIsDroppedAfterIdleTimeout(t *testing.T) {
	t.Setenv("PULSE_WS_READ_IDLE_TIMEOUT", "300ms")
	t.Setenv("PULSE_WS_HEARTBEAT_INTERVAL", "100ms")
	t.Setenv("PULSE_WS_HEARTBEAT_TIMEOUT", "100ms")
	f := newGatewayFixture(t)

	conn := mustDialWS(t, f.server.URL, "")
	addUser(t, conn, "2")
	readOnlineUntil(t, conn, []string{"2"})

	// No read in flight: pings go unanswered.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := f.reg.Resolve("2"); !ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("unresponsive connection was never pruned")
}

func TestWSGateway_Auth(t *testing.T) {
	verifier := stubVerifier{"tok-1": "1"}
	f := newGatewayFixture(t, WithIdentityVerifier(verifier))

	for _, token := range []string{"", "bogus"} {
		_, resp, err := dialWS(t, f.server.URL, "", token)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("token %q: expected handshake failure", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %v", token, resp)
		}
	}

	a := mustDialWS(t, f.server.URL, "tok-1")
	addUser(t, a, "2")

	var ep v1.ErrorPayload
	if err := readUntilType(t, a, v1.TypeError, 4).Decode(&ep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ep.Code != "identity_mismatch" {
		t.Fatalf("code=%q", ep.Code)
	}

	addUser(t, a, "1")
	readOnlineUntil(t, a, []string{"1"})
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	f := newGatewayFixture(t)

	_, resp, err := dialWS(t, f.server.URL, "http://evil.example", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got resp=%v err=%v", resp, err)
	}
}

func TestOriginHelpers(t *testing.T) {
	t.Parallel()

	allowed := []string{"http://localhost:5173", "https://chat.example.com"}
	cases := map[string]bool{
		"http://localhost:5173":    true,
		"http://localhost:3000":    true, // host match ignores port
		"https://chat.example.com": true,
		"https://evil.example.com": false,
	}
	for origin, want := range cases {
		if got := originAllowed(origin, allowed); got != want {
			t.Fatalf("originAllowed(%q)=%v want %v", origin, got, want)
		}
	}

	if got := deriveOriginPatterns([]string{"http://b.test", "http://a.test:80", "http://b.test:8080"}); !slices.Equal(got, []string{"a.test", "b.test"}) {
		t.Fatalf("patterns=%v", got)
	}
	if got := deriveOriginPatterns([]string{"*"}); !slices.Equal(got, []string{"*"}) {
		t.Fatalf("wildcard patterns=%v", got)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"":             "",
	}
	for in, want := range cases {
		if got := bearerToken(in); got != want {
			t.Fatalf("bearerToken(%q)=%q want %q", in, got, want)
		}
	}
}
