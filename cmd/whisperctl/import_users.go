package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"whisper/cmd/internal/app"
	"whisper/cmd/internal/friends"
)

const (
	targetPostgres = "postgres"
	targetSQLite   = "sqlite"
)

func newImportUsersCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-users",
		Short: "Seed a database friend graph from a users.json export",
		Long: "Copies users and friendships from a users.json export into Postgres or SQLite in one\n" +
			"transaction. A destination that already has users is left untouched, so the command\n" +
			"is safe to re-run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := cmdLogger(cmd, v)
			res, err := importUsers(cmd.Context(), v, log)
			if err != nil {
				return err
			}
			if res.Skipped {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "skipped: destination already has users")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported users=%d friendships=%d dangling=%d\n",
				res.Users, res.Friendships, res.Dangling)
			return nil
		},
	}

	f := cmd.Flags()
	f.String(flagUsers, "data/users.json", "Path of the users.json export")
	f.String(flagTarget, "", "Destination backend: postgres or sqlite")
	f.String(flagDatabaseURL, "", "Postgres connection URL (target postgres)")
	f.String(flagDBSchema, "whisper", "Postgres schema (target postgres)")
	f.String(flagSQLitePath, "data/db/chatapp.sqlite", "SQLite database file (target sqlite)")
	_ = v.BindEnv(flagUsers, "WHISPER_USERS_FILE")
	return cmd
}

func importUsers(ctx context.Context, v *viper.Viper, log *slog.Logger) (friends.ImportResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path := v.GetString(flagUsers)

	switch target := v.GetString(flagTarget); target {
	case targetPostgres:
		url := v.GetString(flagDatabaseURL)
		if url == "" {
			return friends.ImportResult{}, errors.New("--database-url is required for target postgres")
		}
		pool, err := app.NewDBPool(ctx, app.Config{DatabaseURL: url, DBMaxConns: 2})
		if err != nil {
			return friends.ImportResult{}, fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		g, err := friends.NewPostgresGraph(pool, friends.WithSchema(v.GetString(flagDBSchema)))
		if err != nil {
			return friends.ImportResult{}, err
		}
		if err := g.EnsureSchema(ctx); err != nil {
			return friends.ImportResult{}, err
		}
		return friends.ImportUsersFile(ctx, g, path, log)

	case targetSQLite:
		db, err := app.OpenSQLite(v.GetString(flagSQLitePath))
		if err != nil {
			return friends.ImportResult{}, err
		}
		defer func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}()

		g, err := friends.NewGormGraph(ctx, db)
		if err != nil {
			return friends.ImportResult{}, err
		}
		return friends.ImportUsersFile(ctx, g, path, log)

	default:
		return friends.ImportResult{}, fmt.Errorf("--target must be %s or %s, got %q", targetPostgres, targetSQLite, target)
	}
}
