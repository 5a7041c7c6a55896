package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/systemshift/oaksearch/internal/server/config"
	"github.com/systemshift/oaksearch/pkg/client"
)

// RootCmd is the root command. Connection flags can also be set through
// OAKSEARCH_URL, OAKSEARCH_USER and OAKSEARCH_PASSWORD.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "oaksearch",
		Short:        "oaksearch drives the content seeder, query runner and index definitions of an oaksearch server.",
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("url", "http://localhost:8080", "Server base URL")
	flags.String("user", "admin", "User to authenticate as")
	flags.String("password", "admin", "Password of the user")
	flags.Duration("poll-interval", time.Second, "Interval between reindex status checks")
	flags.Uint("poll-attempts", 86400, "Reindex status checks before giving up")
	viper.BindPFlags(flags)
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(
		ensureContentCmd(),
		queryCmd(),
		indexCmd(),
	)
	return cmd
}

func newClient() *client.Client {
	return client.New(viper.GetString("url"),
		client.WithBasicAuth(viper.GetString("user"), viper.GetString("password")),
		client.WithReindexPolling(viper.GetDuration("poll-interval"), viper.GetUint("poll-attempts")),
	)
}
