// Package ghtest provides an in-memory gh.Service for tests.
package ghtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hydradev/hydra/internal/gh"
)

// FakeService is an in-memory gh.Service. All mutations are recorded so
// tests can assert on the exact sequence of label and comment operations.
type FakeService struct {
	mu sync.Mutex

	Issues   map[int]*gh.Issue
	Comments map[int][]gh.Comment
	NextNum  int

	// Pushed records PushBranch calls as "dir|branch"
	Pushed []string
	// Ops records every mutating call in order, e.g. "add_label 4 hydra-hitl"
	Ops []string

	// Fail, when set, makes the named methods return an error
	Fail map[string]error
}

// NewFakeService creates an empty fake.
func NewFakeService() *FakeService {
	return &FakeService{
		Issues:   make(map[int]*gh.Issue),
		Comments: make(map[int][]gh.Comment),
		NextNum:  100,
		Fail:     make(map[string]error),
	}
}

// AddIssue seeds an issue.
func (f *FakeService) AddIssue(iss *gh.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Issues[iss.Number] = iss
}

func (f *FakeService) failure(method string) error {
	return f.Fail[method]
}

func (f *FakeService) record(format string, args ...interface{}) {
	f.Ops = append(f.Ops, fmt.Sprintf(format, args...))
}

func (f *FakeService) GetIssue(_ context.Context, number int) (*gh.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("get_issue"); err != nil {
		return nil, err
	}
	iss, ok := f.Issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	cp := *iss
	cp.Labels = append([]string(nil), iss.Labels...)
	return &cp, nil
}

func (f *FakeService) ListComments(_ context.Context, number int) ([]gh.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("list_comments"); err != nil {
		return nil, err
	}
	return append([]gh.Comment(nil), f.Comments[number]...), nil
}

func (f *FakeService) AddLabels(_ context.Context, number int, labels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("add_labels"); err != nil {
		return err
	}
	for _, l := range labels {
		f.record("add_label %d %s", number, l)
		if iss, ok := f.Issues[number]; ok && !iss.HasLabel(l) {
			iss.Labels = append(iss.Labels, l)
		}
	}
	return nil
}

func (f *FakeService) RemoveLabel(_ context.Context, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("remove_label"); err != nil {
		return err
	}
	f.record("remove_label %d %s", number, label)
	if iss, ok := f.Issues[number]; ok {
		kept := iss.Labels[:0]
		for _, l := range iss.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		iss.Labels = kept
	}
	return nil
}

func (f *FakeService) CreateComment(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("create_comment"); err != nil {
		return err
	}
	f.record("comment %d", number)
	f.Comments[number] = append(f.Comments[number], gh.Comment{Author: "hydra", Body: body})
	return nil
}

func (f *FakeService) CreateIssue(_ context.Context, title, body string, labels []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("create_issue"); err != nil {
		return 0, err
	}
	f.NextNum++
	num := f.NextNum
	f.Issues[num] = &gh.Issue{
		Number: num,
		Title:  title,
		Body:   body,
		Labels: append([]string(nil), labels...),
		State:  "open",
	}
	f.record("create_issue %d", num)
	return num, nil
}

func (f *FakeService) CountByLabel(_ context.Context, label string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("count_by_label"); err != nil {
		return 0, err
	}
	n := 0
	for _, iss := range f.Issues {
		if iss.State == "open" && iss.HasLabel(label) {
			n++
		}
	}
	return n, nil
}

func (f *FakeService) FindIssueByLabel(_ context.Context, label string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("find_issue_by_label"); err != nil {
		return 0, err
	}
	best := 0
	for num, iss := range f.Issues {
		if iss.State == "open" && iss.HasLabel(label) {
			if best == 0 || num < best {
				best = num
			}
		}
	}
	return best, nil
}

func (f *FakeService) PushBranch(_ context.Context, dir, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("push_branch"); err != nil {
		return err
	}
	f.Pushed = append(f.Pushed, dir+"|"+branch)
	f.record("push %s", branch)
	return nil
}

// CommentBodies returns all comment bodies posted on an issue.
func (f *FakeService) CommentBodies(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Comments[number] {
		out = append(out, c.Body)
	}
	return out
}
