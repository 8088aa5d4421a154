package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sw33tLie/dockopt/pkg/consent"
	"github.com/sw33tLie/dockopt/pkg/failures"
	"github.com/sw33tLie/dockopt/pkg/optimizer"
	"github.com/sw33tLie/dockopt/pkg/push"
	"github.com/sw33tLie/dockopt/pkg/session"
)

var (
	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"})
	removedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"})
	hunkStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"})
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Review optimizations through consent links",
}

var consentShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a pending review and its diff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newOptimizerClient(cmd)
		if err != nil {
			return err
		}
		wf := consent.New(client, args[0], nil)
		rec, err := wf.Load(cmd.Context())
		if err != nil {
			return loadError(err)
		}
		printConsent(rec)
		return nil
	},
}

var consentApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending review and open its pull request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")
		client, err := newOptimizerClient(cmd)
		if err != nil {
			return err
		}
		history := openHistory(cmd)
		if history != nil {
			defer history.Close()
		}

		wf := consent.New(client, args[0], historyRecorder(history))
		rec, err := wf.Load(cmd.Context())
		if err != nil {
			return loadError(err)
		}
		if !quiet {
			printConsent(rec)
		}
		if rec.Status == consent.StatusApproved {
			fmt.Println("Already approved.")
			return nil
		}

		link, err := wf.Approve(cmd.Context())
		if err != nil {
			return fmt.Errorf("approval failed: %s", failures.UserMessage(err))
		}
		fmt.Printf("Pull request: %s\n", link)
		return nil
	},
}

var consentRequestCmd = &cobra.Command{
	Use:   "request <repository-url>",
	Short: "Analyze one Dockerfile and queue it for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		client, err := newOptimizerClient(cmd)
		if err != nil {
			return err
		}

		sess := session.New(client, githubToken(cmd))
		if _, err := sess.Scan(cmd.Context(), session.ScanTarget{RepositoryURL: args[0], RequestedPath: path}); err != nil {
			return fmt.Errorf("scan failed: %s", failures.UserMessage(err))
		}
		rec, ok := sess.Active()
		if !ok {
			return fmt.Errorf("%s holds several Dockerfiles, pick one with --path", args[0])
		}
		if rec.OptimizedContent == "" {
			return fmt.Errorf("no optimization was returned for %s", rec.Path)
		}

		id, err := client.RegisterConsent(cmd.Context(), optimizer.ConsentRequest{
			URL:              rec.RepositoryURL,
			Path:             rec.Path,
			OriginalContent:  rec.Report.OriginalContent(),
			OptimizedContent: rec.OptimizedContent,
			PRTitle:          push.Title(rec.Path),
			CommitMessage:    push.CommitMessage(rec.Path),
		})
		if err != nil {
			return fmt.Errorf("could not queue review: %s", failures.UserMessage(err))
		}
		fmt.Println(reviewLink(id))
		return nil
	},
}

func reviewLink(id string) string {
	base := strings.TrimRight(viper.GetString("review.base_url"), "/")
	if base == "" {
		return id
	}
	return base + "/" + id
}

func loadError(err error) error {
	return fmt.Errorf("consent link expired or invalid: %s", failures.UserMessage(err))
}

func printConsent(rec consent.Record) {
	fmt.Println(headerStyle.Render("Consent " + rec.ID))
	fmt.Printf("Repository: %s\n", rec.RepositoryURL)
	fmt.Printf("Path:       %s\n", rec.Path)
	fmt.Printf("Status:     %s\n", rec.Status)
	if rec.PublishReference != "" {
		fmt.Printf("PR:         %s\n", rec.PublishReference)
	}

	diff, err := consent.Diff(rec)
	if err != nil {
		fmt.Printf("Could not render diff: %v\n", err)
		return
	}
	if diff == "" {
		fmt.Println("\nNo changes.")
		return
	}
	added, removed := consent.DiffStats(diff)
	fmt.Printf("\n%s %s\n\n", addedStyle.Render(fmt.Sprintf("+%d", added)), removedStyle.Render(fmt.Sprintf("-%d", removed)))
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		fmt.Println(colorize(line))
	}
}

func colorize(line string) string {
	switch {
	case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		return headerStyle.Render(line)
	case strings.HasPrefix(line, "@@"):
		return hunkStyle.Render(line)
	case strings.HasPrefix(line, "+"):
		return addedStyle.Render(line)
	case strings.HasPrefix(line, "-"):
		return removedStyle.Render(line)
	default:
		return line
	}
}

func init() {
	rootCmd.AddCommand(consentCmd)
	consentCmd.AddCommand(consentShowCmd)
	consentCmd.AddCommand(consentApproveCmd)
	consentCmd.AddCommand(consentRequestCmd)

	consentApproveCmd.Flags().BoolP("quiet", "q", false, "Do not print the record before approving")
	consentRequestCmd.Flags().StringP("path", "p", "", "Dockerfile path to review")
	consentRequestCmd.Flags().StringP("token", "t", "", "GitHub token (default from github.token or GITHUB_TOKEN)")
}
