package main

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"whisper/cmd/internal/app"
)

// Flag names. Each one is also read from WHISPER_<NAME> with dashes as
// underscores, e.g. --database-url from WHISPER_DATABASE_URL.
const (
	flagLogLevel    = "log-level"
	flagLogFormat   = "log-format"
	flagUsers       = "users"
	flagTarget      = "target"
	flagDatabaseURL = "database-url"
	flagDBSchema    = "db-schema"
	flagSQLitePath  = "sqlite-path"
	flagDataDir     = "data-dir"
	flagChatsDir    = "chats-dir"
	flagChunk       = "chunk"
	flagParallel    = "parallel"
)

// newRootCmd builds the command tree on its own viper instance so tests can
// run commands side by side.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WHISPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "whisperctl",
		Short:         "Administrative tasks for a whisper deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Bind the running command's flags (inherited ones included) so
		// explicit flags win over WHISPER_* env.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	root.PersistentFlags().String(flagLogLevel, "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().String(flagLogFormat, "pretty", "Log format: pretty or json")

	root.AddCommand(
		newImportUsersCmd(v),
		newMigrateChatsCmd(v),
	)
	return root
}

func cmdLogger(cmd *cobra.Command, v *viper.Viper) *slog.Logger {
	return app.NewLoggerTo(cmd.ErrOrStderr(), v.GetString(flagLogLevel), v.GetString(flagLogFormat))
}
