package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"whisper/cmd/internal/friends"
	"whisper/cmd/internal/ids"
	"whisper/cmd/security/password"
)

// Presence reports live connection state, which overrides the stored status.
type Presence interface {
	IsOnline(userID string) bool
}

// Handler wires the account endpoints to the friend graph.
type Handler struct {
	log       *slog.Logger
	cfg       Config
	graph     friends.Graph
	passwords password.Config
	tokens    *TokenManager
	presence  Presence
	throttle  *loginThrottle
	now       func() time.Time

	dummyHash string
}

// HandlerOption configures optional dependencies.
type HandlerOption func(*Handler)

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithPresence makes /api/users report live online status.
func WithPresence(p Presence) HandlerOption {
	return func(h *Handler) { h.presence = p }
}

func withClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler constructs the account endpoints.
func NewHandler(cfg Config, graph friends.Graph, passwords password.Config, tokens *TokenManager, opts ...HandlerOption) (*Handler, error) {
	if graph == nil {
		return nil, errors.New("auth: nil friend graph")
	}
	if tokens == nil {
		return nil, errors.New("auth: nil token manager")
	}
	cfg = cfg.withDefaults()
	h := &Handler{
		log:       slog.Default(),
		cfg:       cfg,
		graph:     graph,
		passwords: passwords,
		tokens:    tokens,
		throttle:  newLoginThrottle(cfg),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	// Used to keep unknown-user logins as slow as real ones.
	if hash, err := passwords.Hash(strings.Repeat("x", max(passwords.Policy.MinLength, 16))); err == nil {
		h.dummyHash = hash
	}
	return h, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/register", h.handleRegister)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.Handle("/api/users", h.tokens.RequireUser(http.HandlerFunc(h.handleUsers)))
	mux.Handle("/api/users/me", h.tokens.RequireUser(http.HandlerFunc(h.handleMe)))
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	User      friends.Profile `json:"user"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.cfg.AllowRegistration {
		writeError(w, http.StatusForbidden, "registration_closed", "registration is disabled")
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
		return
	}
	username := strings.TrimSpace(req.Username)
	if !validUsername(username) {
		writeError(w, http.StatusBadRequest, "invalid_username", "username must be 3-32 letters, digits, '.', '-' or '_'")
		return
	}
	if err := h.passwords.ValidateFor(username, req.Password); err != nil {
		writeError(w, http.StatusBadRequest, passwordErrorCode(err), err.Error())
		return
	}

	hash, err := h.passwords.Hash(req.Password)
	if err != nil {
		h.log.Error("auth.register.hash.fail", "err", err)
		writeServerError(w)
		return
	}
	now := h.now()
	id, err := ids.NewULID(now)
	if err != nil {
		h.log.Error("auth.register.id.fail", "err", err)
		writeServerError(w)
		return
	}

	u, err := h.graph.CreateUser(r.Context(), friends.CreateUserInput{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Email:        strings.TrimSpace(req.Email),
		Nickname:     strings.TrimSpace(req.Nickname),
		Now:          now,
	})
	if err != nil {
		switch {
		case friends.IsConflict(err):
			writeError(w, http.StatusConflict, "username_taken", "username already exists")
		case errors.Is(err, friends.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		default:
			h.log.Error("auth.register.fail", "err", err)
			writeServerError(w)
		}
		return
	}

	h.log.Info("auth.register.ok", "user_id", u.ID)
	h.writeToken(w, http.StatusCreated, u)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
		return
	}
	username := friends.NormalizeUsername(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "username and password are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)

	if blocked, retry := h.throttle.check(ip, username, now); blocked {
		h.log.Warn("auth.login.rate_limited", "ip", ip, "retry_after", retry)
		writeRateLimited(w, retry)
		return
	}

	u, err := h.graph.UserByUsername(ctx, username)
	if err != nil {
		if !friends.IsNotFound(err) {
			h.log.Error("auth.login.lookup.fail", "err", err)
			writeServerError(w)
			return
		}
		if h.dummyHash != "" {
			_, _ = h.passwords.Verify(h.dummyHash, req.Password)
		}
		h.throttle.fail(ip, username, now)
		writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
		return
	}

	ok, err := h.passwords.Verify(u.PasswordHash, req.Password)
	if err != nil || !ok {
		if err != nil {
			h.log.Warn("auth.login.hash.refused", "user_id", u.ID, "scheme", password.SchemeOf(u.PasswordHash), "err", err)
		}
		h.throttle.fail(ip, username, now)
		writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "invalid credentials")
		return
	}
	h.throttle.succeed(username)

	if h.passwords.NeedsRehash(u.PasswordHash) {
		h.log.Warn("auth.login.legacy_hash", "user_id", u.ID, "scheme", password.SchemeOf(u.PasswordHash))
	}
	if err := h.graph.TouchLogin(ctx, u.ID, now); err != nil {
		h.log.Warn("auth.login.touch.fail", "user_id", u.ID, "err", err)
	} else {
		u.LastLoginAt = &now
		u.Status = friends.StatusOnline
	}

	h.log.Info("auth.login.ok", "user_id", u.ID)
	h.writeToken(w, http.StatusOK, u)
}

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, _ := UserFromContext(r.Context())

	list, err := h.graph.Friends(r.Context(), claims.UserID)
	if err != nil {
		h.writeLookupError(w, "auth.users.fail", err)
		return
	}
	out := make([]friends.Profile, 0, len(list))
	for _, u := range list {
		out = append(out, h.profile(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	claims, _ := UserFromContext(r.Context())

	u, err := h.graph.UserByID(r.Context(), claims.UserID)
	if err != nil {
		h.writeLookupError(w, "auth.me.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, h.profile(u))
}

// Profiles returns the friends of userID with live status, for transports
// that push friend lists.
func (h *Handler) Profiles(ctx context.Context, userID string) ([]friends.Profile, error) {
	list, err := h.graph.Friends(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]friends.Profile, 0, len(list))
	for _, u := range list {
		out = append(out, h.profile(u))
	}
	return out, nil
}

func (h *Handler) profile(u friends.User) friends.Profile {
	p := u.Profile()
	if h.presence != nil {
		p.Status = friends.StatusOffline
		if h.presence.IsOnline(u.ID) {
			p.Status = friends.StatusOnline
		}
	}
	return p
}

func (h *Handler) writeToken(w http.ResponseWriter, status int, u friends.User) {
	tok, exp, err := h.tokens.Issue(u)
	if err != nil {
		h.log.Error("auth.token.issue.fail", "err", err)
		writeServerError(w)
		return
	}
	writeJSON(w, status, tokenResponse{Token: tok, ExpiresAt: exp, User: u.Profile()})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, event string, err error) {
	if friends.IsNotFound(err) {
		writeError(w, http.StatusUnauthorized, "not_found", "user not found")
		return
	}
	h.log.Error(event, "err", err)
	writeServerError(w)
}

func validUsername(s string) bool {
	n := utf8.RuneCountInString(s)
	if n < 3 || n > 32 {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return true
}

func passwordErrorCode(err error) string {
	switch {
	case errors.Is(err, password.ErrPasswordTooShort):
		return "password_too_short"
	case errors.Is(err, password.ErrPasswordTooLong):
		return "password_too_long"
	case errors.Is(err, password.ErrWeakPassword):
		return "weak_password"
	default:
		return "invalid_password"
	}
}
