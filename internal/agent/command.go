// Package agent spawns the external coding-agent CLI and streams its
// output. It is the single choke point for model access in the pipeline:
// every stage runner builds a prompt and calls Runner.Stream, which handles
// incremental parsing, transcript events, quota-exhaustion detection,
// timeouts, and cooperative termination.
package agent

import (
	"strconv"
	"strings"
)

// Command describes one invocation of the coding-agent CLI.
type Command struct {
	// Binary is the agent CLI executable (default "claude")
	Binary string
	// Model overrides the default model when non-empty
	Model string
	// MaxBudgetUSD caps spend for the run (0 = no cap)
	MaxBudgetUSD float64
	// OutputFormat selects "text" or "stream-json" output
	OutputFormat string
	// BypassPermissions runs the agent without permission prompts.
	// Only safe inside an isolated worktree.
	BypassPermissions bool
	// DisallowedTools lists tool names the agent may not use
	// (e.g. Write,Edit for read-only planning runs)
	DisallowedTools []string
}

// DefaultBinary is the agent CLI looked up on PATH when none is configured.
const DefaultBinary = "claude"

// Args builds the CLI argument vector. The prompt itself is not an
// argument; it is written to the process's stdin.
func (c Command) Args() []string {
	args := []string{"-p"}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if c.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(c.MaxBudgetUSD, 'f', -1, 64))
	}
	if c.OutputFormat != "" {
		args = append(args, "--output-format", c.OutputFormat)
	}
	if c.BypassPermissions {
		args = append(args, "--permission-mode", "bypassPermissions")
	}
	if len(c.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(c.DisallowedTools, ","))
	}
	return args
}

// BinaryOrDefault returns the configured binary or the default.
func (c Command) BinaryOrDefault() string {
	if c.Binary != "" {
		return c.Binary
	}
	return DefaultBinary
}
