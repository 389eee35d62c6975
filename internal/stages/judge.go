package stages

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydradev/hydra/internal/agent"
	"github.com/hydradev/hydra/internal/events"
	"github.com/hydradev/hydra/internal/state"
)

// Judge transcript markers and grammar. Criterion verdicts follow a strict
// line grammar so the parser's failure modes stay enumerable.
const (
	judgeInstructionsReady  = "READY"
	judgeInstructionsRefine = "NEEDS_REFINEMENT"
	judgeInstructionsPrefix = "INSTRUCTIONS:"
	judgeFeedbackPrefix     = "FEEDBACK:"
	rewrittenStartMarker    = "INSTRUCTIONS_START"
	rewrittenEndMarker      = "INSTRUCTIONS_END"

	// instructionsHeading separates acceptance criteria from human
	// verification instructions inside a criteria file.
	instructionsHeading = "## Verification Instructions"
)

// criterionLine matches "AC-3: PASS — reasoning". The separator accepts an
// em dash, a hyphen, or nothing: models are not reliable about punctuation.
var criterionLine = regexp.MustCompile(`(?m)^\s*AC-(\d+):\s*(PASS|FAIL)\s*(?:[—–-]+\s*)?(.*)$`)

// CriterionResult is one acceptance criterion's verdict.
type CriterionResult struct {
	CriterionID int    `json:"criterion_id"`
	Pass        bool   `json:"pass"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// JudgeResult is the outcome of one verification run.
type JudgeResult struct {
	IssueNumber          int               `json:"issue_number"`
	Skipped              bool              `json:"skipped,omitempty"`
	AllCriteriaPass      bool              `json:"all_criteria_pass"`
	Criteria             []CriterionResult `json:"criteria_results,omitempty"`
	InstructionsQuality  string            `json:"instructions_quality,omitempty"`
	InstructionsFeedback string            `json:"instructions_feedback,omitempty"`
	Refined              bool              `json:"refined,omitempty"`
	Error                string            `json:"error,omitempty"`
	DurationSeconds      float64           `json:"duration_seconds"`
}

// Judge verifies an implementation against the issue's acceptance criteria
// file. Issues without a criteria file are skipped, not failed: not every
// issue has formal criteria.
type Judge struct {
	deps *Deps
	// Timeout bounds each individual evaluation call
	Timeout time.Duration
}

// NewJudge creates a verification judge.
func NewJudge(deps *Deps) (*Judge, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	return &Judge{
		deps:    deps,
		Timeout: 10 * time.Minute,
	}, nil
}

// Run verifies one issue. The report is written to disk on every path,
// including outright evaluation failure.
func (j *Judge) Run(ctx context.Context, issue int) (*JudgeResult, error) {
	start := time.Now()
	result := &JudgeResult{IssueNumber: issue}
	defer func() { result.DurationSeconds = seconds(time.Since(start)) }()

	criteriaPath := j.deps.artifactPath(VerificationDir, fmt.Sprintf("issue-%d.md", issue))
	criteria, err := os.ReadFile(criteriaPath)
	if err != nil {
		if os.IsNotExist(err) {
			result.Skipped = true
			j.deps.Logger.Info("no criteria file, skipping verification", zap.Int("issue", issue))
			return result, nil
		}
		result.Error = fmt.Sprintf("failed to read criteria file: %v", err)
		j.finish(ctx, result)
		return result, nil
	}

	j.deps.publish(events.StageStarted(events.EventTypeReviewStarted, issue, events.StageReview))

	diff, err := j.diff(ctx, issue)
	if err != nil {
		result.Error = fmt.Sprintf("failed to compute diff: %v", err)
		j.finish(ctx, result)
		return result, nil
	}
	diff = truncateTail(diff, judgeDiffMaxChars, 0)

	// Step 1: per-criterion verdicts against the diff.
	if err := j.evaluateCriteria(ctx, issue, string(criteria), diff, result); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.Error = err.Error()
		j.finish(ctx, result)
		return result, nil
	}

	// Step 2: independent instructions-quality evaluation.
	if err := j.evaluateInstructions(ctx, issue, string(criteria), result); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.Error = err.Error()
		j.finish(ctx, result)
		return result, nil
	}

	// Step 3: one refinement round at most. A second NEEDS_REFINEMENT
	// verdict stands; looping until READY never converges in practice.
	if result.InstructionsQuality == judgeInstructionsRefine {
		refined, err := j.refineInstructions(ctx, issue, string(criteria), result.InstructionsFeedback)
		if err != nil {
			j.deps.Logger.Warn("instructions refinement failed",
				zap.Int("issue", issue), zap.Error(err))
		} else if refined != "" {
			spliced := spliceInstructions(string(criteria), refined)
			if werr := j.deps.writeArtifact(criteriaPath, spliced); werr != nil {
				j.deps.Logger.Warn("failed to write refined criteria file",
					zap.Int("issue", issue), zap.Error(werr))
			} else {
				result.Refined = true
				if rerr := j.evaluateInstructions(ctx, issue, spliced, result); rerr != nil {
					j.deps.Logger.Warn("re-evaluation after refinement failed",
						zap.Int("issue", issue), zap.Error(rerr))
				}
			}
		}
	}

	j.finish(ctx, result)
	return result, nil
}

// finish writes the report and publishes the terminal review event.
func (j *Judge) finish(ctx context.Context, result *JudgeResult) {
	if err := j.writeReport(result); err != nil {
		j.deps.Logger.Warn("failed to write judge report",
			zap.Int("issue", result.IssueNumber), zap.Error(err))
	}
	if j.deps.Store != nil {
		if _, err := j.deps.Store.IncrementCounter(ctx, state.CounterReviews, 1); err != nil {
			j.deps.Logger.Warn("failed to increment counter", zap.Error(err))
		}
		if result.AllCriteriaPass && !result.Refined {
			_, _ = j.deps.Store.IncrementCounter(ctx, state.CounterFirstPassApprovals, 1)
		}
	}

	if result.Error != "" {
		j.deps.publish(events.StageFailed(events.EventTypeReviewFailed,
			result.IssueNumber, events.StageReview, result.Error))
		return
	}
	if result.AllCriteriaPass {
		j.deps.publish(events.StageDone(events.EventTypeReviewPassed,
			result.IssueNumber, events.StageReview, map[string]string{
				events.KeyVerdict: "passed",
				events.KeyStatus:  events.StatusPassed,
			}))
		return
	}
	j.deps.publish(events.StageFailed(events.EventTypeReviewFailed,
		result.IssueNumber, events.StageReview, "one or more acceptance criteria failed"))
}

func (j *Judge) evaluateCriteria(ctx context.Context, issue int, criteria, diff string, result *JudgeResult) error {
	var b strings.Builder
	b.WriteString("You are the verification judge of an autonomous engineering pipeline.\n")
	b.WriteString("Evaluate each numbered acceptance criterion below against the diff.\n\n")
	b.WriteString("Acceptance criteria:\n")
	b.WriteString(criteria)
	b.WriteString("\n\nDiff:\n")
	b.WriteString(diff)
	b.WriteString("\n\nFor each criterion output exactly one line:\n")
	b.WriteString("AC-<n>: PASS — <evidence>   or   AC-<n>: FAIL — <evidence>\n")

	transcript, err := j.stream(ctx, issue, b.String())
	if err != nil {
		return err
	}

	result.Criteria = parseCriteria(transcript)
	if len(result.Criteria) == 0 {
		return fmt.Errorf("no criterion verdicts found in judge output")
	}
	result.AllCriteriaPass = true
	for _, c := range result.Criteria {
		if !c.Pass {
			result.AllCriteriaPass = false
		}
	}
	return nil
}

func (j *Judge) evaluateInstructions(ctx context.Context, issue int, criteria string, result *JudgeResult) error {
	var b strings.Builder
	b.WriteString("Evaluate ONLY the quality of the human verification instructions below:\n")
	b.WriteString("could a reviewer unfamiliar with the change follow them to verify it?\n\n")
	b.WriteString(criteria)
	b.WriteString("\n\nOutput exactly:\n")
	b.WriteString(judgeInstructionsPrefix + " READY   or   " + judgeInstructionsPrefix + " NEEDS_REFINEMENT\n")
	b.WriteString(judgeFeedbackPrefix + " <one line of feedback>\n")

	transcript, err := j.stream(ctx, issue, b.String())
	if err != nil {
		return err
	}

	verdict := strings.ToUpper(extractPrefixedLine(transcript, judgeInstructionsPrefix))
	switch {
	case strings.Contains(verdict, judgeInstructionsRefine):
		result.InstructionsQuality = judgeInstructionsRefine
	case strings.Contains(verdict, judgeInstructionsReady):
		result.InstructionsQuality = judgeInstructionsReady
	default:
		// Unparsable quality verdicts default to ready: refinement is an
		// improvement pass, not a gate.
		result.InstructionsQuality = judgeInstructionsReady
	}
	result.InstructionsFeedback = extractPrefixedLine(transcript, judgeFeedbackPrefix)
	return nil
}

func (j *Judge) refineInstructions(ctx context.Context, issue int, criteria, feedback string) (string, error) {
	var b strings.Builder
	b.WriteString("Rewrite the human verification instructions below to address this feedback:\n")
	b.WriteString(feedback)
	b.WriteString("\n\nCurrent content:\n")
	b.WriteString(criteria)
	b.WriteString("\n\nOutput ONLY the rewritten instructions between markers:\n")
	b.WriteString(rewrittenStartMarker + "\n<instructions>\n" + rewrittenEndMarker + "\n")

	transcript, err := j.stream(ctx, issue, b.String())
	if err != nil {
		return "", err
	}
	return extractBlock(transcript, rewrittenStartMarker, rewrittenEndMarker), nil
}

// stream runs one read-only judge call.
func (j *Judge) stream(ctx context.Context, issue int, prompt string) (string, error) {
	cmd := j.deps.Command
	cmd.DisallowedTools = []string{"Write", "Edit", "MultiEdit", "NotebookEdit", "Bash"}
	return j.deps.Agent.Stream(ctx, agent.Request{
		Command: cmd,
		Prompt:  prompt,
		Dir:     j.deps.RepoDir,
		Timeout: j.Timeout,
		Issue:   issue,
		Stage:   events.StageReview,
	})
}

// diff returns the merged diff for the issue's branch, via the injected
// Diff func when set, else git against the base branch.
func (j *Judge) diff(ctx context.Context, issue int) (string, error) {
	if j.deps.Diff != nil {
		return j.deps.Diff(ctx, issue)
	}
	cmd := exec.CommandContext(ctx, "git", "diff",
		j.deps.BaseBranch+"...hydra/issue-"+strconv.Itoa(issue))
	cmd.Dir = j.deps.RepoDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff failed: %w", err)
	}
	return string(out), nil
}

func (j *Judge) writeReport(result *JudgeResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Verification report for issue #%d\n\n", result.IssueNumber)
	if result.Error != "" {
		fmt.Fprintf(&b, "Evaluation failed: %s\n", result.Error)
	}
	if len(result.Criteria) > 0 {
		b.WriteString("## Criteria\n\n")
		for _, c := range result.Criteria {
			verdict := "FAIL"
			if c.Pass {
				verdict = "PASS"
			}
			fmt.Fprintf(&b, "- AC-%d: %s", c.CriterionID, verdict)
			if c.Reasoning != "" {
				fmt.Fprintf(&b, " — %s", c.Reasoning)
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "\nAll criteria pass: %v\n", result.AllCriteriaPass)
	}
	if result.InstructionsQuality != "" {
		fmt.Fprintf(&b, "\n## Instructions quality\n\n%s", result.InstructionsQuality)
		if result.Refined {
			b.WriteString(" (after one refinement round)")
		}
		b.WriteString("\n")
		if result.InstructionsFeedback != "" {
			fmt.Fprintf(&b, "\nFeedback: %s\n", result.InstructionsFeedback)
		}
	}

	path := j.deps.artifactPath(VerificationDir, fmt.Sprintf("issue-%d-judge.md", result.IssueNumber))
	return j.deps.writeArtifact(path, b.String())
}

// parseCriteria extracts criterion verdicts via the strict line grammar.
func parseCriteria(transcript string) []CriterionResult {
	var out []CriterionResult
	seen := make(map[int]bool)
	for _, m := range criterionLine.FindAllStringSubmatch(transcript, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, CriterionResult{
			CriterionID: id,
			Pass:        m[2] == "PASS",
			Reasoning:   strings.TrimSpace(m[3]),
		})
	}
	return out
}

// spliceInstructions replaces everything under the verification
// instructions heading with the rewritten block. A file without the heading
// gets the block appended under a new heading.
func spliceInstructions(criteria, rewritten string) string {
	idx := strings.Index(criteria, instructionsHeading)
	if idx < 0 {
		return strings.TrimRight(criteria, "\n") + "\n\n" +
			instructionsHeading + "\n\n" + rewritten + "\n"
	}
	return criteria[:idx] + instructionsHeading + "\n\n" + rewritten + "\n"
}
