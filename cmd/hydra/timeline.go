package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hydradev/hydra/internal/timeline"
)

var timelineCmd = &cobra.Command{
	Use:   "timeline [issue]",
	Short: "Show per-issue stage timelines from the event log",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		r, err := newRuntime(false)
		if err != nil {
			fatalf("%v", err)
		}
		defer r.close()
		if r.log == nil {
			fatalf("no event log configured")
		}

		history, err := r.log.Load(time.Time{}, limit)
		if err != nil {
			fatalf("failed to load event log: %v", err)
		}

		builder := timeline.NewBuilder()
		if len(args) == 1 {
			var issue int
			if _, err := fmt.Sscanf(args[0], "%d", &issue); err != nil {
				fatalf("bad issue number %q", args[0])
			}
			tl, ok := builder.BuildIssue(history, issue)
			if !ok {
				fatalf("no events for issue #%d", issue)
			}
			printTimeline(tl, true)
			return
		}

		for _, tl := range builder.BuildAll(history) {
			printTimeline(tl, false)
			fmt.Println()
		}
	},
}

func printTimeline(tl timeline.IssueTimeline, verbose bool) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s", bold(fmt.Sprintf("#%d", tl.IssueNumber)))
	if tl.Title != "" {
		fmt.Printf(" %s", tl.Title)
	}
	fmt.Printf("  [current: %s]\n", tl.CurrentStage)
	if tl.PRNumber > 0 {
		fmt.Printf("  PR #%d %s (%s)\n", tl.PRNumber, tl.PRURL, tl.Branch)
	}

	for _, st := range tl.Stages {
		fmt.Printf("  %s %-10s %s", stageMark(st.Status), st.Name, st.Status)
		if st.DurationSeconds > 0 {
			fmt.Printf(" (%.0fs)", st.DurationSeconds)
		}
		fmt.Println()
		if cause := st.Metadata["escalation_cause"]; cause != "" {
			fmt.Printf("      escalated: %s\n", cause)
		}
		if verbose {
			for _, line := range st.TranscriptPreview {
				fmt.Printf("      | %s\n", line)
			}
		}
	}
	if tl.TotalDurationSeconds > 0 {
		fmt.Printf("  total: %.0fs\n", tl.TotalDurationSeconds)
	}
}

func stageMark(status string) string {
	switch status {
	case timeline.StatusDone:
		return color.GreenString("✓")
	case timeline.StatusFailed:
		return color.RedString("✗")
	default:
		return color.YellowString("…")
	}
}

func init() {
	timelineCmd.Flags().Int("limit", 10000, "maximum events to load from the log")
	rootCmd.AddCommand(timelineCmd)
}
