package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hydradev/hydra/internal/escalation"
	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/stages"
	"github.com/hydradev/hydra/internal/state"
)

var runStages string

var runCmd = &cobra.Command{
	Use:   "run --issue N",
	Short: "Run the pipeline for one issue",
	Long: `Run the pipeline stages for a single issue: triage, plan, implement,
and review, in order. A stage failure escalates the issue to HITL and stops.

Stages can be restricted with --stages, e.g. --stages plan,implement.

The run is interruptible: Ctrl+C kills any live agent process (including its
children, via process-group signaling) before exiting.`,
	Run: func(cmd *cobra.Command, args []string) {
		issue, _ := cmd.Flags().GetInt("issue")
		if issue <= 0 {
			fatalf("--issue is required")
		}

		r, err := newRuntime(true)
		if err != nil {
			fatalf("%v", err)
		}
		defer r.close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "\nInterrupted, terminating agent processes...")
			cancel()
			r.agent.Tracker().KillAll()
		}()

		if err := runPipeline(ctx, r, issue, parseStageList(runStages)); err != nil {
			fatalf("%v", err)
		}
	},
}

// quotaPause reports whether a recorded quota reset time is still in the
// future. Unparsable or absent records never block a run.
func quotaPause(ctx context.Context, r *runtime) (time.Time, bool) {
	v, err := r.store.GetKV(ctx, state.KeyPausedUntil)
	if err != nil || v == "" {
		return time.Time{}, false
	}
	until, err := time.Parse(time.RFC3339, v)
	if err != nil || !until.After(time.Now().UTC()) {
		return time.Time{}, false
	}
	return until, true
}

func parseStageList(s string) map[string]bool {
	out := make(map[string]bool)
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out[name] = true
		}
	}
	return out
}

func runPipeline(ctx context.Context, r *runtime, issue int, only map[string]bool) error {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	if until, paused := quotaPause(ctx, r); paused {
		return fmt.Errorf("agent quota exhausted, paused until %s", until.Format(time.RFC3339))
	}

	deps := &stages.Deps{
		Bus:         r.bus,
		Svc:         r.svc,
		Store:       r.store,
		Worktrees:   r.wts,
		Agent:       r.agent,
		Labels:      r.cfg.Labels,
		Logger:      r.logger,
		Command:     r.command(),
		RepoDir:     r.cfg.Repo.Path,
		TestCommand: r.cfg.Stages.TestCommand,
		BaseBranch:  r.cfg.Repo.BaseBranch,
	}
	esc := escalation.New(r.svc, r.store, r.bus, r.cfg.Labels, r.logger)

	enabled := func(name string) bool { return len(only) == 0 || only[name] }

	if enabled(events.StageTriage) {
		t, err := stages.NewTriage(deps)
		if err != nil {
			return err
		}
		result, err := t.Run(ctx, issue)
		if err != nil {
			return err
		}
		if !result.Ready {
			fmt.Printf("%s issue #%d stays in triage:\n", red("✗"), issue)
			for _, reason := range result.Reasons {
				fmt.Printf("  - %s\n", reason)
			}
			return nil
		}
		fmt.Printf("%s issue #%d ready for planning\n", green("✓"), issue)
	}

	if enabled(events.StagePlan) {
		p, err := stages.NewPlanner(deps)
		if err != nil {
			return err
		}
		p.DiscoverIssues = r.cfg.Stages.DiscoverIssues
		result, err := p.Run(ctx, issue)
		if err != nil {
			return err
		}
		if !result.Success {
			fmt.Printf("%s planning failed: %s\n", red("✗"), result.Error)
			return esc.Escalate(ctx, escalation.Request{
				Issue:         issue,
				Cause:         "planning failed: " + result.Error,
				OriginLabel:   r.cfg.Labels.Plan,
				CurrentLabels: []string{r.cfg.Labels.Plan},
				Comment:       "Planning failed: " + result.Error,
			})
		}
		fmt.Printf("%s plan: %s\n", green("✓"), result.Summary)
		for _, ni := range result.NewIssues {
			if n, err := r.svc.CreateIssue(ctx, ni.Title, ni.Body, []string{ni.Label}); err == nil {
				fmt.Printf("  filed follow-up issue #%d: %s\n", n, ni.Title)
			}
		}
	}

	if enabled(events.StageImplement) {
		im, err := stages.NewImplementer(deps)
		if err != nil {
			return err
		}
		result, err := im.Run(ctx, issue)
		if err != nil {
			return err
		}
		if !result.Success {
			fmt.Printf("%s implementation failed: %s\n", red("✗"), result.Error)
			return esc.Escalate(ctx, escalation.Request{
				Issue:         issue,
				Cause:         "implementation failed: " + result.Error,
				OriginLabel:   r.cfg.Labels.Implement,
				CurrentLabels: []string{r.cfg.Labels.Implement},
				Comment:       "Implementation failed: " + result.Error,
			})
		}
		fmt.Printf("%s implemented on %s (%d commits, tests passing)\n",
			green("✓"), result.Branch, result.Commits)
	}

	if enabled(events.StageReview) {
		j, err := stages.NewJudge(deps)
		if err != nil {
			return err
		}
		result, err := j.Run(ctx, issue)
		if err != nil {
			return err
		}
		switch {
		case result.Skipped:
			fmt.Println("review skipped: no criteria file")
		case result.AllCriteriaPass:
			fmt.Printf("%s all %d acceptance criteria pass\n", green("✓"), len(result.Criteria))
		default:
			fmt.Printf("%s review failed", red("✗"))
			if result.Error != "" {
				fmt.Printf(": %s", result.Error)
			}
			fmt.Println()
			for _, c := range result.Criteria {
				mark := green("✓")
				if !c.Pass {
					mark = red("✗")
				}
				fmt.Printf("  %s AC-%d %s\n", mark, c.CriterionID, c.Reasoning)
			}
			return esc.Escalate(ctx, escalation.Request{
				Issue:       issue,
				Cause:       "review failed: acceptance criteria not met",
				OriginLabel: r.cfg.Labels.Implement,
				Comment:     "Verification failed; see the judge report.",
			})
		}
	}

	// Summarization is best-effort and never blocks the pipeline.
	if r.cfg.Stages.SummarizerEnabled {
		if data, err := os.ReadFile(deps.TranscriptPath(issue)); err == nil {
			s, err := stages.NewSummarizer(deps, true)
			if err == nil {
				s.Run(ctx, issue, events.StageImplement, string(data))
			}
		}
	}
	return nil
}

func init() {
	runCmd.Flags().Int("issue", 0, "issue number to run the pipeline for")
	runCmd.Flags().StringVar(&runStages, "stages", "", "comma-separated stage subset (triage,plan,implement,review)")
	rootCmd.AddCommand(runCmd)
}
