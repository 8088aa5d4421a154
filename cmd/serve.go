package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sw33tLie/dockopt/internal/server"
	"github.com/sw33tLie/dockopt/pkg/push"
	"github.com/sw33tLie/dockopt/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local session API for the browser UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")
		user, _ := cmd.Flags().GetString("user")
		pass, _ := cmd.Flags().GetString("pass")

		client, err := newOptimizerClient(cmd)
		if err != nil {
			return err
		}
		history := openHistory(cmd)
		if history != nil {
			defer history.Close()
		}

		token := githubToken(cmd)
		pusher := push.New(client, push.Options{
			Token:           token,
			ReferencePrefix: viper.GetString("publish.reference_prefix"),
			Recorder:        historyRecorder(history),
		})

		srv := server.New(session.New(client, token), pusher, client, server.Options{
			History:       history,
			ReviewBaseURL: viper.GetString("review.base_url"),
			Username:      user,
			Password:      pass,
		})
		return srv.Start(listenAddr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "127.0.0.1:7000", "HTTP listen address")
	serveCmd.Flags().String("user", "", "Basic auth username")
	serveCmd.Flags().String("pass", "", "Basic auth password")
	serveCmd.Flags().StringP("token", "t", "", "GitHub token (default from github.token or GITHUB_TOKEN)")
}
