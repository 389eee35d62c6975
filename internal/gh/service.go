// Package gh defines the narrow issue/PR/label/comment surface the pipeline
// consumes, plus a GitHub REST implementation. The pipeline core never
// talks to GitHub directly; everything goes through the Service interface
// so tests (and the dashboard) can substitute fakes.
package gh

import (
	"context"
	"time"
)

// Issue is the subset of a GitHub issue the pipeline reads.
type Issue struct {
	Number int
	Title  string
	Body   string
	Labels []string
	State  string
}

// Comment is one discussion entry on an issue or PR.
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Service is the issue/PR/label/comment collaborator. PR numbers share the
// issue number space, so label and comment operations accept either.
type Service interface {
	// GetIssue fetches an issue by number.
	GetIssue(ctx context.Context, number int) (*Issue, error)

	// ListComments returns the discussion on an issue or PR, oldest first.
	ListComments(ctx context.Context, number int) ([]Comment, error)

	// AddLabels adds labels to an issue or PR.
	AddLabels(ctx context.Context, number int, labels ...string) error

	// RemoveLabel removes one label from an issue or PR. Removing a label
	// that is not present is not an error.
	RemoveLabel(ctx context.Context, number int, label string) error

	// CreateComment posts a comment on an issue or PR.
	CreateComment(ctx context.Context, number int, body string) error

	// CreateIssue files a new issue and returns its number.
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)

	// CountByLabel returns the number of open issues carrying the label.
	CountByLabel(ctx context.Context, label string) (int, error)

	// FindIssueByLabel returns the number of the oldest open issue with
	// the label, or 0 when none exists.
	FindIssueByLabel(ctx context.Context, label string) (int, error)

	// PushBranch pushes a local branch from the given checkout to origin.
	PushBranch(ctx context.Context, dir, branch string) error
}
