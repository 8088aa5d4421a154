package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/sw33tLie/dockopt/internal/utils"
	"github.com/sw33tLie/dockopt/pkg/failures"
	"github.com/sw33tLie/dockopt/pkg/push"
	"github.com/sw33tLie/dockopt/pkg/session"
)

var scanCmd = &cobra.Command{
	Use:   "scan <repository-url>",
	Short: "Discover and analyze the Dockerfiles of a repository",
	Long: `Discover the Dockerfiles of a repository and analyze them.

A repository with a single Dockerfile is analyzed right away. With several,
the discovered paths are listed and --analyze picks which ones to optimize.
--push publishes the results as a pull request.`,
	Example: `  dockopt scan https://github.com/acme/shop
  dockopt scan https://github.com/acme/shop --analyze all --push all
  dockopt scan https://github.com/acme/shop --analyze api/Dockerfile --push api/Dockerfile`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		analyze, _ := cmd.Flags().GetString("analyze")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		pushTarget, _ := cmd.Flags().GetString("push")
		printContent, _ := cmd.Flags().GetBool("print")

		client, err := newOptimizerClient(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		sess := session.New(client, githubToken(cmd))

		disc, err := sess.Scan(ctx, session.ScanTarget{RepositoryURL: args[0], RequestedPath: path})
		if err != nil {
			return fmt.Errorf("scan failed: %s", failures.UserMessage(err))
		}

		fmt.Printf("Found %d Dockerfile(s) in %s\n", len(disc.Paths), disc.RepositoryURL)
		for _, p := range disc.Paths {
			fmt.Println("  " + p)
		}

		targets, err := selectPaths(disc, analyze)
		if err != nil {
			return err
		}
		if failed := analyzePaths(ctx, sess, targets, concurrency); failed > 0 {
			utils.Log.Warnf("%d of %d analyses failed", failed, len(targets))
		}

		for _, rec := range sess.Records() {
			printRecord(rec, printContent)
		}

		if pushTarget == "" {
			return nil
		}
		return publish(cmd, client, sess, pushTarget)
	},
}

// selectPaths resolves the --analyze value against the discovery.
func selectPaths(disc session.DiscoveryResult, analyze string) ([]string, error) {
	analyze = strings.TrimSpace(analyze)
	if analyze == "" {
		return nil, nil
	}
	if analyze == "all" {
		return disc.Paths, nil
	}
	var out []string
	for _, p := range strings.Split(analyze, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !disc.Contains(p) {
			return nil, fmt.Errorf("%s was not discovered in %s", p, disc.RepositoryURL)
		}
		out = append(out, p)
	}
	return out, nil
}

// analyzePaths analyzes paths concurrently and returns the number of failures.
// Paths already cached by the scan are skipped.
func analyzePaths(ctx context.Context, sess *session.Session, paths []string, concurrency int) int {
	if concurrency < 1 {
		concurrency = 1
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(concurrency)

	for _, p := range paths {
		if _, ok := sess.Get(p); ok {
			continue
		}
		path := p
		g.Go(func() error {
			utils.Log.Infof("Analyzing %s", path)
			if _, err := sess.Analyze(ctx, path); err != nil {
				utils.Log.Errorf("Analysis of %s failed: %s", path, failures.UserMessage(err))
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

func printRecord(rec session.OptimizationRecord, printContent bool) {
	fmt.Printf("\n== %s\n", rec.Path)
	findings := rec.Report.Findings()
	if len(findings) == 0 {
		fmt.Println("No findings.")
	}
	for _, f := range findings {
		fmt.Println("  " + f)
	}
	if rec.OptimizedContent == "" {
		fmt.Println("No optimized Dockerfile was returned.")
		return
	}
	if printContent {
		fmt.Println()
		fmt.Println(rec.OptimizedContent)
	}
}

func publish(cmd *cobra.Command, client push.PublishClient, sess *session.Session, target string) error {
	history := openHistory(cmd)
	if history != nil {
		defer history.Close()
	}
	coordinator := push.New(client, push.Options{
		Token:           githubToken(cmd),
		ReferencePrefix: viper.GetString("publish.reference_prefix"),
		Recorder:        historyRecorder(history),
	})

	var (
		res push.Result
		err error
	)
	if target == "all" {
		res, err = coordinator.PushAll(cmd.Context(), sess.Records())
	} else {
		rec, ok := sess.Get(target)
		if !ok {
			return fmt.Errorf("%s has not been analyzed", target)
		}
		res, err = coordinator.PushPath(cmd.Context(), rec)
	}
	if err != nil {
		return fmt.Errorf("publish failed: %s", failures.UserMessage(err))
	}

	if res.Reference != "" {
		fmt.Printf("\nPull request: %s\n", res.Reference)
	} else {
		fmt.Printf("\n%s\n", res.Message)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringP("path", "p", "", "Analyze only this Dockerfile path")
	scanCmd.Flags().StringP("analyze", "a", "", "Dockerfiles to analyze: all, or a comma separated list of paths")
	scanCmd.Flags().IntP("concurrency", "c", 3, "Number of analyses to run at once")
	scanCmd.Flags().String("push", "", "Publish a pull request: all, or a single analyzed path")
	scanCmd.Flags().StringP("token", "t", "", "GitHub token (default from github.token or GITHUB_TOKEN)")
	scanCmd.Flags().Bool("print", false, "Print the optimized Dockerfiles")
}
