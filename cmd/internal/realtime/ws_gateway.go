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
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"whisper/cmd/internal/auth"
	"whisper/cmd/internal/chat"
	"whisper/cmd/internal/chatstore"
	"whisper/cmd/internal/friends"
	v1 "whisper/shared/contracts/chat/v1"
)

// Authenticator verifies the token presented on upgrade.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Claims, error)
}

// ChatService is the session layer the gateway drives.
type ChatService interface {
	JoinConversation(ctx context.Context, userID, targetID string) (chat.History, error)
	LoadMore(ctx context.Context, userID, targetID, beforeID string, limit int) (chat.History, error)
	SendMessage(ctx context.Context, in chat.SendInput) (chat.Sent, error)
}

// FriendDirectory is the part of the friend graph presence needs.
type FriendDirectory interface {
	Friends(ctx context.Context, userID string) ([]friends.User, error)
	UpdateStatus(ctx context.Context, userID string, status friends.Status, at time.Time) error
}

// WSGateway is the websocket entrypoint for chat.
//
// It enforces origin policy, token auth, subprotocol selection, rate limits
// and heartbeats, and routes validated envelopes to the chat service.
type WSGateway struct {
	log     *slog.Logger
	cfg     Config
	hub     *Hub
	bus     Bus
	auth    Authenticator
	chat    ChatService
	friends FriendDirectory
	metrics *Metrics
	now     func() time.Time

	// Derived for websocket.Accept, which authorizes same-host origins on
	// its own but needs host patterns for cross-origin requests.
	originPatterns []string
}

type GatewayOption func(*WSGateway)

func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *WSGateway) {
		if l != nil {
			g.log = l
		}
	}
}

func WithHub(h *Hub) GatewayOption {
	return func(g *WSGateway) {
		if h != nil {
			g.hub = h
		}
	}
}

// WithBus replaces the default LocalBus.
func WithBus(b Bus) GatewayOption {
	return func(g *WSGateway) {
		if b != nil {
			g.bus = b
		}
	}
}

func WithMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway. Call Start before serving.
func NewWSGateway(cfg Config, authn Authenticator, svc ChatService, dir FriendDirectory, opts ...GatewayOption) (*WSGateway, error) {
	if authn == nil || svc == nil || dir == nil {
		return nil, errors.New("realtime: authenticator, chat service and friend directory are required")
	}
	g := &WSGateway{
		log:     slog.Default(),
		cfg:     cfg.withDefaults(),
		auth:    authn,
		chat:    svc,
		friends: dir,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.hub == nil {
		g.hub = NewHub(g.log)
	}
	if g.bus == nil {
		g.bus = NewLocalBus()
	}
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	return g, nil
}

// Start connects the bus to the local hub.
func (g *WSGateway) Start(ctx context.Context) error {
	return g.bus.StartForwarder(ctx, func(ev Event) { g.hub.Deliver(ev) })
}

// Hub exposes the presence registry, e.g. for HTTP friend lists.
func (g *WSGateway) Hub() *Hub { return g.hub }

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state owned by the read loop.
type session struct {
	client *Client
	log    *slog.Logger
	// Conversation whose room this session is in, if any.
	joined string
}

// HandleWS upgrades an HTTP request and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	claims, err := g.auth.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Server read/write timeouts would otherwise cut the socket; liveness is
	// the heartbeat's job.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
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

	sessionID, err := NewSessionID(g.now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(claims.UserID, sessionID, g.cfg.SendQueueSize)
	sess := &session{
		client: client,
		log:    g.log.With("session_id", sessionID, "user_id", claims.UserID),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.metrics.sessionOpened()
	defer g.metrics.sessionClosed()
	sess.log.Info("ws.session.open")

	if g.hub.Connect(client) {
		g.announce(ctx, claims.UserID, friends.StatusOnline)
	}
	g.sendUsersStatus(ctx, client)

	var closeOnce sync.Once
	// shutdown is idempotent and never closes client.Send: the session
	// leaves its room before the client is closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if sess.joined != "" {
				g.hub.Leave(sess.joined, sessionID)
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

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
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					sess.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					sess.log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

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
				g.trySendError(client, v1.CodeBadEnvelope, "invalid JSON")
				continue readLoop
			default:
				sess.log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(g.now()) {
			g.metrics.event(env.Type, v1.CodeRateLimited)
			g.trySendError(client, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.metrics.event("invalid", v1.CodeBadEnvelope)
			g.trySendError(client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoinChat:
			err = g.onJoinChat(ctx, sess, env)
		case v1.TypeLoadMore:
			err = g.onLoadMore(ctx, sess, env)
		case v1.TypePrivateMessage:
			err = g.onPrivateMessage(ctx, sess, env)
		}
		if err != nil {
			code, msg := errorCode(err)
			if code == v1.CodeOperationFailed {
				sess.log.Warn("ws.event.fail", "type", env.Type, "err", err)
			}
			g.metrics.event(env.Type, code)
			g.trySendError(client, code, msg)
			continue readLoop
		}
		g.metrics.event(env.Type, "ok")
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	if g.hub.Disconnect(client) {
		// The request context is gone by now.
		offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
		g.announce(offCtx, claims.UserID, friends.StatusOffline)
		offCancel()
	}
	sess.log.Info("ws.session.close")
}

// ---- handlers ----

func (g *WSGateway) onJoinChat(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.JoinChatPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	target := strings.TrimSpace(p.TargetUserID)

	hist, err := g.chat.JoinConversation(ctx, sess.client.UserID, target)
	if err != nil {
		return err
	}

	// One open chat per session: switching chats leaves the previous room.
	if sess.joined != hist.ConversationID {
		if sess.joined != "" {
			g.hub.Leave(sess.joined, sess.client.SessionID)
		}
		g.hub.Join(hist.ConversationID, sess.client)
		sess.joined = hist.ConversationID
	}

	g.enqueue(sess, newEnvelope(v1.TypeChatHistory, v1.ChatHistoryPayload{
		TargetUserID:   target,
		ConversationID: hist.ConversationID,
		Messages:       wireMessages(hist.Messages),
		HasMore:        hist.HasMore,
		FirstMessageID: hist.FirstMessageID,
	}, g.now()))
	return nil
}

func (g *WSGateway) onLoadMore(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.LoadMorePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	target := strings.TrimSpace(p.TargetUserID)
	if sess.joined == "" || sess.joined != chatstore.ConversationID(sess.client.UserID, target) {
		return &wsError{code: v1.CodeNotJoined, msg: "join the chat first"}
	}

	hist, err := g.chat.LoadMore(ctx, sess.client.UserID, target, p.BeforeMessageID, p.Limit)
	if err != nil {
		return err
	}
	g.enqueue(sess, newEnvelope(v1.TypeMoreHistory, v1.MoreHistoryPayload{
		TargetUserID:   target,
		Messages:       wireMessages(hist.Messages),
		HasMore:        hist.HasMore,
		FirstMessageID: hist.FirstMessageID,
	}, g.now()))
	return nil
}

func (g *WSGateway) onPrivateMessage(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.SendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	target := strings.TrimSpace(p.TargetUserID)

	sent, err := g.chat.SendMessage(ctx, chat.SendInput{
		SenderID:    sess.client.UserID,
		TargetID:    target,
		Content:     p.Content,
		Type:        chatstore.MessageType(p.Type),
		FileName:    p.FileName,
		FileSize:    p.FileSize,
		ClientMsgID: p.ClientMsgID,
	})
	if err != nil {
		return err
	}

	conv := chatstore.ConversationID(sess.client.UserID, target)
	msg := wireMessage(sent.Message)
	if msg.ConversationID == "" {
		msg.ConversationID = conv
	}
	out := newEnvelope(v1.TypePrivateMessage, v1.PrivateMessagePayload{
		Message:     msg,
		ClientMsgID: p.ClientMsgID,
	}, g.now())

	// A retried send is confirmed to the sender only.
	if sent.Duplicated {
		g.enqueue(sess, out)
		return nil
	}
	g.publish(ctx, Event{Kind: EventRoom, Target: conv, Envelope: out})
	if sess.joined != conv {
		g.enqueue(sess, out)
	}
	return nil
}

// ---- presence ----

// announce records a status change and pushes fresh friend lists to the
// user's online friends. Failures are logged and otherwise ignored.
func (g *WSGateway) announce(ctx context.Context, userID string, status friends.Status) {
	if err := g.friends.UpdateStatus(ctx, userID, status, g.now()); err != nil {
		g.log.Warn("ws.presence.update.fail", "user_id", userID, "status", status, "err", err)
	}
	list, err := g.friends.Friends(ctx, userID)
	if err != nil {
		g.log.Warn("ws.presence.friends.fail", "user_id", userID, "err", err)
		return
	}
	for _, f := range list {
		if !g.online(f) {
			continue
		}
		env, err := g.usersStatus(ctx, f.ID)
		if err != nil {
			g.log.Warn("ws.presence.push.fail", "user_id", f.ID, "err", err)
			continue
		}
		g.publish(ctx, Event{Kind: EventUser, Target: f.ID, Envelope: env})
	}
}

func (g *WSGateway) sendUsersStatus(ctx context.Context, c *Client) {
	env, err := g.usersStatus(ctx, c.UserID)
	if err != nil {
		g.log.Warn("ws.presence.push.fail", "user_id", c.UserID, "err", err)
		return
	}
	c.offer(env)
}

func (g *WSGateway) usersStatus(ctx context.Context, userID string) (v1.Envelope, error) {
	list, err := g.friends.Friends(ctx, userID)
	if err != nil {
		return v1.Envelope{}, err
	}
	users := make([]v1.UserStatus, 0, len(list))
	for _, u := range list {
		status := friends.StatusOffline
		if g.online(u) {
			status = friends.StatusOnline
		}
		users = append(users, v1.UserStatus{
			ID:        u.ID,
			Username:  u.Username,
			Nickname:  u.Nickname,
			AvatarURL: u.AvatarURL,
			Status:    string(status),
		})
	}
	return newEnvelope(v1.TypeUsersStatus, v1.UsersStatusPayload{Users: users}, g.now()), nil
}

func (g *WSGateway) online(u friends.User) bool {
	if g.hub.IsOnline(u.ID) {
		return true
	}
	return g.cfg.SharedPresence && u.Status == friends.StatusOnline
}

// ---- send helpers ----

// publish fans ev out through the bus, falling back to local delivery.
func (g *WSGateway) publish(ctx context.Context, ev Event) {
	if err := g.bus.Publish(ctx, ev); err != nil {
		g.log.Warn("ws.bus.publish.fail", "kind", ev.Kind, "target", ev.Target, "err", err)
		g.hub.Deliver(ev)
	}
}

func (g *WSGateway) enqueue(sess *session, env v1.Envelope) {
	if !sess.client.offer(env) {
		sess.log.Info("ws.enqueue.drop", "type", env.Type)
	}
}

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	client.offer(newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, g.now()))
}

type wsError struct {
	code string
	msg  string
}

func (e *wsError) Error() string { return e.code + ": " + e.msg }

func errorCode(err error) (string, string) {
	var we *wsError
	switch {
	case errors.As(err, &we):
		return we.code, we.msg
	case errors.Is(err, chat.ErrNotFriends):
		return v1.CodeNotFriends, "you can only chat with friends"
	case errors.Is(err, chatstore.ErrCursorNotFound):
		return v1.CodeCursorNotFound, "message not found in this conversation"
	case errors.Is(err, chat.ErrInvalidMessage):
		return v1.CodeInvalidPayload, err.Error()
	default:
		return v1.CodeOperationFailed, "operation failed"
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &wsError{code: v1.CodeInvalidPayload, msg: "invalid payload"}
	}
	return nil
}

func wireMessage(m chat.View) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.SenderID,
		Content:        m.Content,
		HTML:           m.HTML,
		EmojiOnly:      m.EmojiOnly,
		Type:           string(m.Type),
		FileName:       m.FileName,
		FileSize:       m.FileSize,
		Timestamp:      m.Timestamp,
	}
}

func wireMessages(in []chat.View) []v1.Message {
	out := make([]v1.Message, 0, len(in))
	for _, m := range in {
		out = append(out, wireMessage(m))
	}
	return out
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: raw,
	}
}

var errBadJSON = errors.New("realtime: bad json")

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
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
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

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
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

// deriveOriginPatternsFromAllowedOrigins keeps only the hosts of the
// allowlist; websocket.Accept matches them with filepath.Match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	var out []string
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
