// Package main provides a CI-friendly smoke test for a running pulse server.
//
// It validates:
//   - handshake, subprotocol and identity announcement for two users
//   - presence fan-out of the online set
//   - typing relay
//   - send -> sender echo reconciled against the optimistic entry
//   - push of the same message to the receiver
//   - REST history fetch
//   - delete -> messageDeleted on both sides
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"pulse/shared/chatclient"
	v1 "pulse/shared/contracts/realtime/v1"
)

type smokeClient struct {
	name string
	c    *chatclient.Client
	errs chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL (http/https)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "1", "User id for the first client")
		userB   = flag.String("b", "2", "User id for the second client")
		tokenA  = flag.String("token-a", "", "Bearer token for the first client")
		tokenB  = flag.String("token-b", "", "Bearer token for the second client")
		text    = flag.String("text", "hello pulse 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := mustConnect(root, *userA, *baseURL, *origin, *tokenA, *timeout)
	defer a.c.Close()
	a.mustSeeOnline(*timeout, *userA)

	b := mustConnect(root, *userB, *baseURL, *origin, *tokenB, *timeout)
	defer b.c.Close()
	b.mustSeeOnline(*timeout, *userA, *userB)
	a.mustSeeOnline(*timeout, *userA, *userB)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", *userA, *userB, *origin)
	}

	if err := b.c.Keystroke(root, *userA); err != nil {
		fatalf("keystroke (%s): %v", b.name, err)
	}
	a.mustReadUntilType(*timeout, v1.TypeTyping, nil)

	entry, err := a.c.Send(root, *userB, chatclient.Draft{Body: *text})
	if err != nil {
		fatalf("send (%s): %v", a.name, err)
	}

	echo := a.mustReadUntilType(*timeout, v1.TypeNewMessage, skipPresence)
	pushed := b.mustReadUntilType(*timeout, v1.TypeNewMessage, skipPresence)
	msgID := mustAssertSame(echo, pushed, entry.TempID, *userA, *text)

	if got := a.c.Cache().Messages(*userB); len(got) != 1 || got[0].Message.ID != msgID || got[0].Status != chatclient.StatusSent {
		fatalf("sender cache not reconciled (%s): %+v", a.name, got)
	}

	hist, err := b.c.History(root, *userA)
	if err != nil {
		fatalf("history (%s): %v", b.name, err)
	}
	if !slices.ContainsFunc(hist, func(e chatclient.Entry) bool { return e.Message.ID == msgID }) {
		fatalf("history missing expected message (%s)", b.name)
	}

	if err := a.c.Delete(root, msgID); err != nil {
		fatalf("delete (%s): %v", a.name, err)
	}
	skip := map[string]struct{}{v1.TypeOnlineUsers: {}, v1.TypeTyping: {}, v1.TypeStopTyping: {}}
	a.mustReadUntilType(*timeout, v1.TypeMessageDeleted, skip)
	b.mustReadUntilType(*timeout, v1.TypeMessageDeleted, skip)

	fmt.Printf("OK: A=%s B=%s message_id=%s\n", *userA, *userB, msgID)
}

var skipPresence = map[string]struct{}{
	v1.TypeOnlineUsers: {},
	v1.TypeTyping:      {},
	v1.TypeStopTyping:  {},
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, userID, baseURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	c, err := chatclient.Dial(ctx, baseURL, userID, chatclient.Options{Token: token, Origin: origin})
	if err != nil {
		fatalf("connect %s: %v", userID, err)
	}

	sc := &smokeClient{name: userID, c: c, errs: make(chan error, 1)}
	go func() { sc.errs <- c.Run(parent) }()
	return sc
}

func (s *smokeClient) mustSeeOnline(stepTimeout time.Duration, want ...string) {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		env := s.mustReadUntilType(time.Until(deadline), v1.TypeOnlineUsers, skipPresence)
		var p v1.OnlineUsersPayload
		if err := env.Decode(&p); err != nil {
			fatalf("decode online users (%s): %v", s.name, err)
		}
		if slices.Equal(p.UserIDs, want) {
			return
		}
	}
	fatalf("online set never became %v (%s)", want, s.name)
}

func (s *smokeClient) mustReadUntilType(stepTimeout time.Duration, wantType string, skipTypes map[string]struct{}) v1.Envelope {
	timer := time.NewTimer(stepTimeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			fatalf("timeout waiting for %q (%s)", wantType, s.name)
		case err := <-s.errs:
			fatalf("connection closed while waiting for %q (%s): %v", wantType, s.name, err)
		case env, ok := <-s.c.Events():
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, s.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("server error (%s): code=%q msg=%q", s.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", s.name, env.Type, wantType)
		}
	}
}

func mustAssertSame(echo, pushed v1.Envelope, clientMsgID, sender, text string) string {
	var mine, theirs v1.Message
	if err := echo.Decode(&mine); err != nil {
		fatalf("decode echo: %v", err)
	}
	if err := pushed.Decode(&theirs); err != nil {
		fatalf("decode push: %v", err)
	}
	if strings.TrimSpace(mine.ID) == "" || mine.ID != theirs.ID {
		fatalf("echo/push id mismatch: %q vs %q", mine.ID, theirs.ID)
	}
	if mine.ClientMsgID != clientMsgID {
		fatalf("echo client_msg_id mismatch: got=%q want=%q", mine.ClientMsgID, clientMsgID)
	}
	if theirs.SenderID != sender || theirs.Body != text {
		fatalf("push content mismatch: %+v", theirs)
	}
	if theirs.CreatedAt.IsZero() {
		fatalf("push created_at missing/zero")
	}
	return mine.ID
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
