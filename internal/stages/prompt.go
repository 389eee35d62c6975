package stages

import (
	"fmt"
	"strings"

	"github.com/hydradev/hydra/internal/gh"
)

// Per-stage caps on issue discussion included in prompts. Long unbroken
// comment bodies are also hard-wrapped so no single line exceeds the char
// cap: downstream tooling chokes on unsplittable lines.
const (
	planDiscussionMaxChars      = 8000
	planDiscussionMaxLines      = 120
	implementDiscussionMaxChars = 12000
	implementDiscussionMaxLines = 200
	judgeDiffMaxChars           = 40000
	maxPromptLineChars          = 2000
)

// truncateTail keeps at most maxLines lines and maxChars characters,
// dropping from the end. Used for issue discussion where the opening
// context matters most.
func truncateTail(s string, maxChars, maxLines int) string {
	if maxLines > 0 {
		lines := strings.Split(s, "\n")
		if len(lines) > maxLines {
			s = strings.Join(lines[:maxLines], "\n") + "\n[... truncated ...]"
		}
	}
	if maxChars > 0 && len(s) > maxChars {
		s = s[:maxChars] + "\n[... truncated ...]"
	}
	return s
}

// truncateFront keeps at most maxChars characters, dropping from the front.
// Used for transcripts, where the tail (most recent decisions and errors)
// is more valuable than the beginning.
func truncateFront(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := s[len(s)-maxChars:]
	// Cut on a line boundary so the first kept line isn't half a line.
	if idx := strings.IndexByte(cut, '\n'); idx >= 0 {
		cut = cut[idx+1:]
	}
	return "[... earlier transcript truncated ...]\n" + cut
}

// hardWrap splits any line longer than width into width-sized pieces.
func hardWrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		for len(line) > width {
			out = append(out, line[:width])
			line = line[width:]
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// formatDiscussion renders issue comments for inclusion in a prompt,
// bounded by the stage's caps.
func formatDiscussion(comments []gh.Comment, maxChars, maxLines int) string {
	if len(comments) == 0 {
		return "(no discussion)"
	}
	var b strings.Builder
	for _, c := range comments {
		fmt.Fprintf(&b, "%s: %s\n", c.Author, c.Body)
	}
	return truncateTail(hardWrap(b.String(), maxPromptLineChars), maxChars, maxLines)
}

// issueHeader renders the common issue preamble for stage prompts.
func issueHeader(iss *gh.Issue) string {
	return fmt.Sprintf("Issue #%d: %s\n\n%s", iss.Number, iss.Title, iss.Body)
}
