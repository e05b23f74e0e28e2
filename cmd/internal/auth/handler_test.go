package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whisper/cmd/internal/friends"
	"whisper/cmd/security/password"
)

type staticPresence map[string]bool

func (p staticPresence) IsOnline(id string) bool { return p[id] }

type testEnv struct {
	srv      *httptest.Server
	graph    *friends.JSONGraph
	pw       password.Config
	tokens   *TokenManager
	presence staticPresence
}

func cheapPasswords() password.Config {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	pw := cheapPasswords()

	aliceHash, err := pw.Hash("correct horse battery")
	require.NoError(t, err)
	bobHash, err := pw.Hash("bob password 99")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, friends.SaveUsersFile(path, []friends.User{
		{ID: "1001", Username: "alice", PasswordHash: aliceHash, Role: "user", Friends: []string{"1002", "1003"}},
		{ID: "1002", Username: "bob", PasswordHash: bobHash, Role: "user", Friends: []string{"1001"}},
		{ID: "1003", Username: "Carol", PasswordHash: bobHash, Role: "user"},
	}))
	g, err := friends.OpenJSONGraph(path)
	require.NoError(t, err)

	tokens, err := NewTokenManager(testSecret, time.Hour, "")
	require.NoError(t, err)

	env := &testEnv{graph: g, pw: pw, tokens: tokens, presence: staticPresence{"1003": true}}
	h, err := NewHandler(cfg, g, pw, tokens,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPresence(env.presence),
	)
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestLogin_OK(t *testing.T) {
	env := newTestEnv(t, Config{AllowRegistration: true})

	resp := env.post(t, "/api/auth/login", loginRequest{Username: "ALICE", Password: "correct horse battery"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[tokenResponse](t, resp)
	require.Equal(t, "1001", out.User.ID)
	require.Equal(t, friends.StatusOnline, out.User.Status)

	c, err := env.tokens.Parse(out.Token)
	require.NoError(t, err)
	require.Equal(t, "1001", c.UserID)

	u, err := env.graph.UserByID(context.Background(), "1001")
	require.NoError(t, err)
	require.NotNil(t, u.LastLoginAt)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t, Config{})

	for _, req := range []loginRequest{
		{Username: "alice", Password: "wrong password"},
		{Username: "nobody", Password: "whatever123"},
	} {
		resp := env.post(t, "/api/auth/login", req)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, "invalid_credentials", decode[errorBody](t, resp).Error.Code)
	}

	resp := env.post(t, "/api/auth/login", loginRequest{Username: "alice"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_Lockout(t *testing.T) {
	env := newTestEnv(t, Config{
		LoginIPMax:            100,
		LockoutShortThreshold: 2,
		LockoutShortDuration:  time.Minute,
	})

	for i := 0; i < 2; i++ {
		resp := env.post(t, "/api/auth/login", loginRequest{Username: "alice", Password: "nope nope"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := env.post(t, "/api/auth/login", loginRequest{Username: "alice", Password: "correct horse battery"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, Config{AllowRegistration: true})

	resp := env.post(t, "/api/auth/register", registerRequest{Username: "dave", Password: "a much longer secret"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[tokenResponse](t, resp)
	require.Equal(t, "dave", out.User.Username)
	require.Len(t, out.User.ID, 26)

	u, err := env.graph.UserByUsername(context.Background(), "dave")
	require.NoError(t, err)
	require.Equal(t, password.SchemeArgon2id, password.SchemeOf(u.PasswordHash))

	resp = env.post(t, "/api/auth/register", registerRequest{Username: "Dave", Password: "another long secret"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "username_taken", decode[errorBody](t, resp).Error.Code)

	resp = env.post(t, "/api/auth/register", registerRequest{Username: "x", Password: "a much longer secret"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_username", decode[errorBody](t, resp).Error.Code)

	resp = env.post(t, "/api/auth/register", registerRequest{Username: "erin", Password: "short"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "password_too_short", decode[errorBody](t, resp).Error.Code)
}

func TestRegister_Disabled(t *testing.T) {
	env := newTestEnv(t, Config{AllowRegistration: false})
	resp := env.post(t, "/api/auth/register", registerRequest{Username: "dave", Password: "a much longer secret"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUsers_ListsFriendsWithPresence(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.get(t, "/api/users", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, _, err := env.tokens.Issue(friends.User{ID: "1001", Username: "alice"})
	require.NoError(t, err)

	resp = env.get(t, "/api/users", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]friends.Profile](t, resp)
	require.Len(t, list, 2)
	require.Equal(t, "bob", list[0].Username)
	require.Equal(t, friends.StatusOffline, list[0].Status)
	require.Equal(t, "Carol", list[1].Username)
	require.Equal(t, friends.StatusOnline, list[1].Status)

	resp = env.get(t, "/api/users/me", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "alice", decode[friends.Profile](t, resp).Username)
}
