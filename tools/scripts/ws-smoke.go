// Package main is a CI-friendly smoke test for a running whisper server.
//
// It logs two friends in over HTTP, connects both over websocket and checks:
//   - subprotocol selection and the initial users_status push
//   - join_chat -> chat_history
//   - private_message fan-out to the other participant
//   - idempotent resend by client_msg_id
//   - load_more with a cursor
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "whisper/shared/contracts/chat/v1"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

type loginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "alice", "First username")
		passA   = flag.String("pass-a", "", "First password")
		userB   = flag.String("user-b", "bob", "Second username (must be a mutual friend)")
		passB   = flag.String("pass-b", "", "Second password")
		text    = flag.String("text", "hello **whisper** :wave:", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := websocketURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *baseURL, wsURL, *origin, *userA, *passA, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *baseURL, wsURL, *origin, *userB, *passB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustJoin(root, a, b.userID, *timeout)
	mustJoin(root, b, a.userID, *timeout)

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	mustSend(root, a, b.userID, clientMsgID, *text, *timeout)

	got := mustReadMessage(root, b, clientMsgID, *timeout)
	if got.Sender != a.userID || got.Content != *text {
		fatalf("fan-out mismatch: sender=%q content=%q", got.Sender, got.Content)
	}
	if *verbose {
		fmt.Printf("B received html=%q\n", got.HTML)
	}
	_ = mustReadMessage(root, a, clientMsgID, *timeout)

	// Resend: only A gets a confirmation.
	mustSend(root, a, b.userID, clientMsgID, *text, *timeout)
	_ = mustReadMessage(root, a, clientMsgID, *timeout)
	mustAssertNoType(root, b, v1.TypePrivateMessage, 1200*time.Millisecond)

	write(root, b.conn, v1.TypeLoadMore, v1.LoadMorePayload{
		TargetUserID:    a.userID,
		BeforeMessageID: got.ID,
		Limit:           10,
	}, *timeout)
	more := b.mustReadUntilType(root, v1.TypeMoreHistory, *timeout)
	var mp v1.MoreHistoryPayload
	mustUnmarshal(more.Payload, &mp)
	for _, m := range mp.Messages {
		if m.ID == got.ID {
			fatalf("load_more returned the cursor message itself")
		}
	}

	fmt.Printf("OK: A=%s B=%s message_id=%s older=%d\n", a.userID, b.userID, got.ID, len(mp.Messages))
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws"
	return u.String(), nil
}

func login(ctx context.Context, baseURL, username, password string) loginResponse {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		fatalf("login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("login %s: %v", username, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fatalf("login %s: status %d", username, resp.StatusCode)
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("login %s: decode: %v", username, err)
	}
	return out
}

func mustConnect(parent context.Context, name, baseURL, wsURL, origin, username, password string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	lr := login(ctx, baseURL, username, password)

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+lr.Token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: lr.User.ID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	c.mustReadUntilType(parent, v1.TypeUsersStatus, stepTimeout)
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)
		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, target string, stepTimeout time.Duration) {
	write(parent, c.conn, v1.TypeJoinChat, v1.JoinChatPayload{TargetUserID: target}, stepTimeout)
	env := c.mustReadUntilType(parent, v1.TypeChatHistory, stepTimeout)

	var p v1.ChatHistoryPayload
	mustUnmarshal(env.Payload, &p)
	if p.TargetUserID != target {
		fatalf("chat_history target mismatch (%s): got=%q want=%q", c.name, p.TargetUserID, target)
	}
}

func mustSend(parent context.Context, c *smokeClient, target, clientMsgID, text string, stepTimeout time.Duration) {
	write(parent, c.conn, v1.TypePrivateMessage, v1.SendPayload{
		TargetUserID: target,
		Content:      text,
		Type:         "text",
		ClientMsgID:  clientMsgID,
	}, stepTimeout)
}

func mustReadMessage(parent context.Context, c *smokeClient, id string, stepTimeout time.Duration) v1.Message {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		env := c.mustReadUntilType(parent, v1.TypePrivateMessage, time.Until(deadline))
		var p v1.PrivateMessagePayload
		mustUnmarshal(env.Payload, &p)
		if p.ClientMsgID == id {
			return p.Message
		}
	}
	fatalf("timeout waiting for message %s (%s)", id, c.name)
	return v1.Message{}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, typ string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", typ, c.name)
		case err := <-c.errCh:
			fatalf("read error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				mustUnmarshal(env.Payload, &p)
				fatalf("server error (%s): %s: %s", c.name, p.Code, p.Message)
			}
			if env.Type == typ {
				return env
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, typ string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			if env.Type == typ {
				fatalf("unexpected %s (%s)", typ, c.name)
			}
		}
	}
}

func write(parent context.Context, conn *websocket.Conn, typ string, payload any, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", typ, err)
	}
}

func mustUnmarshal(raw json.RawMessage, dst any) {
	if err := json.Unmarshal(raw, dst); err != nil {
		fatalf("unmarshal payload: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
