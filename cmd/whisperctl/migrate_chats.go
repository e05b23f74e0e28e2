package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"whisper/cmd/internal/chatstore"
)

func newMigrateChatsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate-chats",
		Short: "Convert legacy single-file chat histories into shards",
		Long: "Splits every <conversation>.json under the chats directory into shards of --chunk\n" +
			"messages and writes the shard index. Each result is re-read and compared before the\n" +
			"legacy file is renamed to .json.migrated. Exits non-zero if any conversation fails.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrateChats(cmd.Context(), v, cmd)
		},
	}

	f := cmd.Flags()
	f.String(flagDataDir, "data", "Data directory; chats are read from <data-dir>/chats")
	f.String(flagChatsDir, "", "Chats directory, overrides <data-dir>/chats")
	f.Int(flagChunk, chatstore.DefaultMigrationChunkSize, "Messages per shard")
	f.Int(flagParallel, 4, "Conversations migrated at once")
	_ = v.BindEnv(flagChunk, "WHISPER_MIGRATION_CHUNK")
	return cmd
}

func migrateChats(ctx context.Context, v *viper.Viper, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dir := v.GetString(flagChatsDir)
	if dir == "" {
		dir = filepath.Join(v.GetString(flagDataDir), "chats")
	}
	chunk := v.GetInt(flagChunk)
	if chunk <= 0 {
		return fmt.Errorf("--chunk must be positive, got %d", chunk)
	}

	m := chatstore.NewMigrator(dir,
		chatstore.WithChunkSize(chunk),
		chatstore.WithMigratorLogger(cmdLogger(cmd, v)),
	)
	results, err := m.MigrateAll(ctx, v.GetInt(flagParallel))
	printMigrationSummary(cmd.OutOrStdout(), results)
	if err != nil {
		return fmt.Errorf("migration incomplete: %w", err)
	}
	return nil
}

func printMigrationSummary(w io.Writer, results []chatstore.MigrationResult) {
	var migrated, skipped, messages int
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.Shards > 0:
			migrated++
			messages += r.Messages
			_, _ = fmt.Fprintf(w, "%s: %d messages in %d shards\n", r.ConversationID, r.Messages, r.Shards)
		}
	}
	_, _ = fmt.Fprintf(w, "migrated=%d skipped=%d messages=%d\n", migrated, skipped, messages)
}
