package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sw33tLie/dockopt/internal/utils"
	"github.com/sw33tLie/dockopt/pkg/optimizer"
	"github.com/sw33tLie/dockopt/pkg/storage"
)

func newOptimizerClient(cmd *cobra.Command) (*optimizer.Client, error) {
	proxy, _ := cmd.Flags().GetString("proxy")
	timeout, err := time.ParseDuration(viper.GetString("server.timeout"))
	if err != nil {
		utils.Log.Warnf("Bad server.timeout %q, using %s", viper.GetString("server.timeout"), optimizer.DefaultTimeout)
		timeout = optimizer.DefaultTimeout
	}
	return optimizer.NewClient(optimizer.Options{
		BaseURL: viper.GetString("server.url"),
		Timeout: timeout,
		Proxy:   proxy,
		Logger:  utils.Log,

		MaxResponseBytes: viper.GetInt64("server.max_response_bytes"),
	})
}

// githubToken prefers the --token flag, then github.token, then GITHUB_TOKEN.
func githubToken(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("token"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	if t := viper.GetString("github.token"); t != "" {
		return t
	}
	return os.Getenv("GITHUB_TOKEN")
}

// openHistory opens the publish history. History is best-effort, so a nil DB
// is returned (and logged) when it cannot be opened.
func openHistory(cmd *cobra.Command) *storage.DB {
	if off, _ := cmd.Flags().GetBool("no-history"); off {
		return nil
	}
	path, err := utils.ResolveHistoryPath(viper.GetString("history.dbpath"))
	if err != nil {
		utils.Log.Warnf("Publish history disabled: %v", err)
		return nil
	}
	db, err := storage.Open(path)
	if err != nil {
		utils.Log.Warnf("Publish history disabled: %v", err)
		return nil
	}
	return db
}

type recorder interface {
	RecordPublish(ctx context.Context, e storage.PublishEvent) error
}

// historyRecorder returns a nil interface, not a typed nil, when db is nil.
func historyRecorder(db *storage.DB) recorder {
	if db == nil {
		return nil
	}
	return db
}
