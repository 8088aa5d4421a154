package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sw33tLie/dockopt/internal/utils"
	"github.com/sw33tLie/dockopt/pkg/repourl"
	"github.com/sw33tLie/dockopt/pkg/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent publish outcomes (default 50)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		repo, _ := cmd.Flags().GetString("repo")
		kind, _ := cmd.Flags().GetString("kind")
		failed, _ := cmd.Flags().GetBool("failed")
		since, _ := cmd.Flags().GetDuration("since")

		if repo != "" {
			parsed, err := repourl.Parse(repo)
			if err != nil {
				return err
			}
			repo = parsed.URL()
		}

		db, err := openHistoryStrict()
		if err != nil {
			return err
		}
		defer db.Close()

		opts := storage.ListOptions{RepositoryURL: repo, Kind: kind, Limit: limit, FailedOnly: failed}
		if since > 0 {
			opts.Since = time.Now().Add(-since)
		}
		events, err := db.ListEvents(context.Background(), opts)
		if err != nil {
			return err
		}
		for _, e := range events {
			ts := e.OccurredAt.Local().Format("2006-01-02 15:04:05")
			outcome := e.Reference
			if !e.Succeeded() {
				outcome = "FAILED: " + e.Error
			} else if outcome == "" {
				outcome = e.Message
			}
			fmt.Printf("%s  %-7s  %s  %s  %s\n", ts, e.Kind, e.RepositoryURL, strings.Join(e.Paths, ","), outcome)
		}
		return nil
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints statistics about recorded publishes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openHistoryStrict()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(context.Background())
		if err != nil {
			return err
		}

		if len(stats) == 0 {
			fmt.Println("No publishes recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "KIND\tTOTAL\tWITH PR\tFAILED\t")

		var total, withLink, failed int
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t\n", s.Kind, s.Total, s.WithLink, s.Failed)
			total += s.Total
			withLink += s.WithLink
			failed += s.Failed
		}

		fmt.Fprintln(w, " \t \t \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t\n", total, withLink, failed)

		w.Flush()

		return nil
	},
}

// openHistoryStrict opens an existing history database for reading.
func openHistoryStrict() (*storage.DB, error) {
	path, err := utils.ResolveHistoryPath(viper.GetString("history.dbpath"))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("history database not found: %s", path)
	}
	return storage.Open(path)
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.Flags().Int("limit", 50, "Number of recent events to show")
	historyCmd.Flags().String("repo", "", "Only show events for this repository URL")
	historyCmd.Flags().String("kind", "", "Only show events of this kind: bulk, path or consent")
	historyCmd.Flags().Bool("failed", false, "Only show failed publishes")
	historyCmd.Flags().Duration("since", 0, "Only show events newer than this (e.g. 24h)")
}
