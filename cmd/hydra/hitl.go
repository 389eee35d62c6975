package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hydradev/hydra/internal/hitl"
)

var hitlCmd = &cobra.Command{
	Use:   "hitl",
	Short: "Interactive console for human-in-the-loop corrections",
	Long: `Open the correction console for issues escalated to human review.

Commands inside the console:
  list                 show issues waiting for a correction
  show <issue>         show an issue's escalation cause and discussion
  correct <issue> ...  queue correction text for an issue
  skip <issue>         discard a queued correction
  process              run all queued corrections
  quit                 exit`,
	Run: func(cmd *cobra.Command, args []string) {
		r, err := newRuntime(true)
		if err != nil {
			fatalf("%v", err)
		}
		defer r.close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		controller := hitl.New(r.svc, r.store, r.wts, r.agent, r.bus,
			r.cfg.Labels, r.cfg.HITL.MaxConcurrent, r.logger)
		controller.Command = r.command()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			controller.Stop()
			cancel()
			r.agent.Tracker().KillAll()
		}()

		if err := hitlConsole(ctx, r, controller); err != nil {
			fatalf("%v", err)
		}
	},
}

func hitlConsole(ctx context.Context, r *runtime, controller *hitl.Controller) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.CyanString("hitl> "),
		HistoryFile:     ".hydra/hitl_history",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("failed to open console: %w", err)
	}
	defer rl.Close()

	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Println("Hydra correction console. Type 'list' to see escalated issues.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return nil

		case "list":
			n, err := r.svc.CountByLabel(ctx, r.cfg.Labels.HITL)
			if err != nil {
				fmt.Printf("failed to count escalated issues: %v\n", err)
				continue
			}
			fmt.Printf("%d issue(s) waiting for correction\n", n)
			for _, issue := range controller.Pending() {
				fmt.Printf("  #%d %s\n", issue, yellow("correction queued"))
			}
			for _, issue := range controller.Active() {
				fmt.Printf("  #%d %s\n", issue, yellow("running"))
			}

		case "show":
			issue, ok := parseIssueArg(fields)
			if !ok {
				continue
			}
			iss, err := r.svc.GetIssue(ctx, issue)
			if err != nil {
				fmt.Printf("failed to fetch issue: %v\n", err)
				continue
			}
			fmt.Printf("#%d %s\n", iss.Number, iss.Title)
			if _, cause, ok, _ := r.store.GetEscalation(ctx, issue); ok {
				fmt.Printf("escalation cause: %s\n", cause)
			}

		case "correct":
			issue, ok := parseIssueArg(fields)
			if !ok {
				continue
			}
			after := line[strings.Index(line, fields[1])+len(fields[1]):]
			text := strings.TrimSpace(after)
			if text == "" {
				fmt.Println("usage: correct <issue> <guidance text>")
				continue
			}
			controller.SubmitCorrection(issue, text)
			fmt.Printf("queued correction for #%d\n", issue)

		case "skip":
			if issue, ok := parseIssueArg(fields); ok {
				controller.SkipIssue(issue)
				fmt.Printf("discarded correction for #%d\n", issue)
			}

		case "process":
			results := controller.ProcessCorrections(ctx)
			for _, res := range results {
				if res.Success {
					fmt.Printf("%s #%d corrected, routed to %s\n",
						green("✓"), res.IssueNumber, res.RoutedTo)
				} else {
					fmt.Printf("%s #%d failed: %s\n",
						color.RedString("✗"), res.IssueNumber, res.Error)
				}
			}
			if len(results) == 0 {
				fmt.Println("nothing queued")
			}

		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func parseIssueArg(fields []string) (int, bool) {
	if len(fields) < 2 {
		fmt.Println("issue number required")
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(fields[1], "#"))
	if err != nil || n <= 0 {
		fmt.Printf("bad issue number %q\n", fields[1])
		return 0, false
	}
	return n, true
}

func init() {
	rootCmd.AddCommand(hitlCmd)
}
