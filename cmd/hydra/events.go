package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hydradev/hydra/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent pipeline events from the event log",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		issue, _ := cmd.Flags().GetInt("issue")
		sinceStr, _ := cmd.Flags().GetString("since")
		follow, _ := cmd.Flags().GetBool("follow")

		var since time.Time
		if sinceStr != "" {
			d, err := time.ParseDuration(sinceStr)
			if err != nil {
				fatalf("bad --since duration %q", sinceStr)
			}
			since = time.Now().UTC().Add(-d)
		}

		r, err := newRuntime(false)
		if err != nil {
			fatalf("%v", err)
		}
		defer r.close()
		if r.log == nil {
			fatalf("no event log configured")
		}

		history, err := r.log.Load(since, limit)
		if err != nil {
			fatalf("failed to load event log: %v", err)
		}

		var lastID int64
		for _, e := range history {
			if issue > 0 && e.IssueNumber() != issue {
				continue
			}
			printEvent(e)
			lastID = e.ID
		}

		if follow {
			followEvents(r, issue, lastID)
		}
	},
}

// followEvents polls the journal for events newer than the last printed
// ID. Polling keeps the command independent of the pipeline process; the
// journal file is the only shared surface.
func followEvents(r *runtime, issue int, lastID int64) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			return
		case <-ticker.C:
		}
		history, err := r.log.Load(time.Time{}, 0)
		if err != nil {
			continue
		}
		for _, e := range history {
			if e.ID <= lastID {
				continue
			}
			if issue > 0 && e.IssueNumber() != issue {
				lastID = e.ID
				continue
			}
			printEvent(e)
			lastID = e.ID
		}
	}
}

func printEvent(e events.Event) {
	ts := e.Timestamp.Format("15:04:05")
	label := eventColor(e.Type)(string(e.Type))

	var parts []string
	if n := e.IssueNumber(); n > 0 {
		parts = append(parts, fmt.Sprintf("#%d", n))
	} else if pr := e.PRNumber(); pr > 0 {
		parts = append(parts, fmt.Sprintf("PR #%d", pr))
	}
	for _, key := range []string{
		events.KeyStatus, events.KeyError, events.KeyCause, events.KeyLine,
	} {
		if v := e.Data[key]; v != "" {
			parts = append(parts, v)
		}
	}

	fmt.Printf("%s %-22s %s\n", color.HiBlackString(ts), label, strings.Join(parts, "  "))
}

func eventColor(t events.EventType) func(format string, a ...interface{}) string {
	s := string(t)
	switch {
	case strings.HasSuffix(s, "_failed") || t == events.EventTypeQuotaExhausted:
		return color.RedString
	case strings.HasSuffix(s, "_completed") || t == events.EventTypeMergeCompleted ||
		t == events.EventTypeReviewPassed || t == events.EventTypeTriageReady:
		return color.GreenString
	case t == events.EventTypeHITLEscalated || t == events.EventTypeTriageBlocked:
		return color.YellowString
	case t == events.EventTypeTranscriptLine:
		return color.HiBlackString
	default:
		return color.CyanString
	}
}

func init() {
	eventsCmd.Flags().Int("limit", 200, "maximum events to show")
	eventsCmd.Flags().Int("issue", 0, "only events for this issue")
	eventsCmd.Flags().String("since", "", "only events newer than this duration (e.g. 2h)")
	eventsCmd.Flags().Bool("follow", false, "keep polling the event log for new events")
	rootCmd.AddCommand(eventsCmd)
}
