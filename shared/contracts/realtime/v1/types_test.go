package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeSendMessage}},
		{name: "missing version", env: Envelope{Type: TypeTyping}, wantErr: "missing field: v"},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeTyping}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version, Type: " "}, wantErr: "missing field: type"},
		{name: "unknown type", env: Envelope{V: Version, Type: "message.send"}, wantErr: "unknown type"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestNewEnvelope_WireShape(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(TypeOnlineUsers, "e1", ts, OnlineUsersPayload{UserIDs: []string{"1", "2"}})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"v":"v1","type":"getOnlineUsers","id":"e1","ts":"2026-03-01T12:00:00Z","payload":{"userIds":["1","2"]}}`
	if string(raw) != want {
		t.Fatalf("wire shape\n got=%s\nwant=%s", raw, want)
	}

	var p OnlineUsersPayload
	if err := env.Decode(&p); err != nil || len(p.UserIDs) != 2 {
		t.Fatalf("decode: %+v %v", p, err)
	}
}

func TestEnvelope_DecodeMissingPayload(t *testing.T) {
	t.Parallel()

	var p TypingPayload
	if err := (Envelope{V: Version, Type: TypeTyping}).Decode(&p); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestTypingPayload_RelayedFormOmitsTo(t *testing.T) {
	t.Parallel()

	raw, _ := json.Marshal(TypingPayload{From: "A"})
	if string(raw) != `{"from":"A"}` {
		t.Fatalf("got %s", raw)
	}
}

func TestMessage_Peer(t *testing.T) {
	t.Parallel()

	m := Message{SenderID: "A", ReceiverID: "B"}
	if m.Peer("A") != "B" || m.Peer("B") != "A" {
		t.Fatalf("peer mismatch: %q %q", m.Peer("A"), m.Peer("B"))
	}
}
