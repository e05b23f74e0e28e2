package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "--log-format", "json"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeLegacyChat(t *testing.T, dir, conv string, n int) {
	t.Helper()
	type msg struct {
		ID        string `json:"id"`
		Sender    string `json:"sender"`
		Content   string `json:"content"`
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
	}
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]msg, n)
	for i := range msgs {
		msgs[i] = msg{
			ID:        fmt.Sprintf("%d", base.Add(time.Duration(i)*time.Second).UnixMilli()),
			Sender:    "1001",
			Content:   fmt.Sprintf("hello %d", i),
			Type:      "text",
			Timestamp: base.Add(time.Duration(i) * time.Second).Format("2006-01-02T15:04:05.000"),
		}
	}
	raw, err := json.Marshal(map[string]any{"messages": msgs})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, conv+".json"), raw, 0o644))
}

func TestMigrateChats(t *testing.T) {
	dataDir := t.TempDir()
	chats := filepath.Join(dataDir, "chats")
	writeLegacyChat(t, chats, "1001_1002", 25)
	writeLegacyChat(t, chats, "1001_1003", 3)

	out, err := runCtl(t, "migrate-chats", "--data-dir", dataDir, "--chunk", "10")
	require.NoError(t, err)
	require.Contains(t, out, "1001_1002: 25 messages in 3 shards")
	require.Contains(t, out, "1001_1003: 3 messages in 1 shards")
	require.Contains(t, out, "migrated=2 skipped=0 messages=28")

	for _, conv := range []string{"1001_1002", "1001_1003"} {
		_, err := os.Stat(filepath.Join(chats, conv+".json.migrated"))
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(chats, conv+".json"))
		require.True(t, os.IsNotExist(err))
	}

	// Nothing left to migrate.
	out, err = runCtl(t, "migrate-chats", "--chats-dir", chats)
	require.NoError(t, err)
	require.Contains(t, out, "migrated=0")
}

func TestMigrateChats_FailsOnCorruptHistory(t *testing.T) {
	chats := filepath.Join(t.TempDir(), "chats")
	require.NoError(t, os.MkdirAll(chats, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(chats, "1001_1002.json"), []byte(`{"messages":[`), 0o644))

	_, err := runCtl(t, "migrate-chats", "--chats-dir", chats)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(chats, "1001_1002.json"))
	require.NoError(t, statErr, "legacy file must be left in place")
}

func TestMigrateChats_RejectsBadChunk(t *testing.T) {
	_, err := runCtl(t, "migrate-chats", "--chats-dir", t.TempDir(), "--chunk", "0")
	require.ErrorContains(t, err, "--chunk")
}

const usersExport = `{
  "users": [
    {"id": "1001", "username": "alice", "password": "hunter22", "friends": ["1002"]},
    {"id": "1002", "username": "bob", "password": "hunter22", "friends": ["1001", "9999"]}
  ]
}`

func TestImportUsers_SQLite(t *testing.T) {
	dir := t.TempDir()
	users := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(users, []byte(usersExport), 0o644))
	db := filepath.Join(dir, "db", "chatapp.sqlite")

	out, err := runCtl(t, "import-users", "--users", users, "--target", "sqlite", "--sqlite-path", db)
	require.NoError(t, err)
	require.Contains(t, out, "imported users=2 friendships=2 dangling=1")

	out, err = runCtl(t, "import-users", "--users", users, "--target", "sqlite", "--sqlite-path", db)
	require.NoError(t, err)
	require.Contains(t, out, "skipped")
}

func TestImportUsers_Validation(t *testing.T) {
	t.Setenv("WHISPER_TARGET", "")
	t.Setenv("WHISPER_DATABASE_URL", "")

	_, err := runCtl(t, "import-users", "--target", "mongo")
	require.ErrorContains(t, err, "--target")

	_, err = runCtl(t, "import-users", "--target", "postgres")
	require.ErrorContains(t, err, "--database-url")
}

func TestImportUsers_TargetFromEnv(t *testing.T) {
	dir := t.TempDir()
	users := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(users, []byte(usersExport), 0o644))

	t.Setenv("WHISPER_TARGET", "sqlite")
	t.Setenv("WHISPER_SQLITE_PATH", filepath.Join(dir, "env.sqlite"))
	t.Setenv("WHISPER_USERS_FILE", users)

	out, err := runCtl(t, "import-users")
	require.NoError(t, err)
	require.Contains(t, out, "imported users=2")
}
