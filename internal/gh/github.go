package gh

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// githubService implements Service against the GitHub REST API.
type githubService struct {
	client  *github.Client
	owner   string
	repo    string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Options configures the GitHub service.
type Options struct {
	// Owner and Repo identify the repository the pipeline operates on
	Owner string
	Repo  string
	// Token is a GitHub access token; empty uses unauthenticated access
	// (useful only in tests against a local stub)
	Token string
	// BaseURL overrides the API endpoint (GitHub Enterprise, test stubs)
	BaseURL string
	// RequestsPerSecond throttles API calls; 0 uses a conservative default
	RequestsPerSecond float64
}

// NewGitHub creates a Service backed by the GitHub REST API. Calls are
// throttled client-side so bursty stages (escalation label swaps, metrics
// label counts) stay inside secondary rate limits.
func NewGitHub(opts Options, logger *zap.Logger) (Service, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := github.NewClient(http.DefaultClient)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base URL: %w", err)
		}
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}

	return &githubService{
		client:  client,
		owner:   opts.Owner,
		repo:    opts.Repo,
		limiter: rate.NewLimiter(rate.Limit(rps), 5),
		logger:  logger.Named("github"),
	}, nil
}

func (s *githubService) wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

func (s *githubService) GetIssue(ctx context.Context, number int) (*Issue, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	iss, _, err := s.client.Issues.Get(ctx, s.owner, s.repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue #%d: %w", number, err)
	}

	labels := make([]string, 0, len(iss.Labels))
	for _, l := range iss.Labels {
		labels = append(labels, l.GetName())
	}
	return &Issue{
		Number: iss.GetNumber(),
		Title:  iss.GetTitle(),
		Body:   iss.GetBody(),
		Labels: labels,
		State:  iss.GetState(),
	}, nil
}

func (s *githubService) ListComments(ctx context.Context, number int) ([]Comment, error) {
	var out []Comment
	opt := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		comments, resp, err := s.client.Issues.ListComments(ctx, s.owner, s.repo, number, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to list comments on #%d: %w", number, err)
		}
		for _, c := range comments {
			out = append(out, Comment{
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func (s *githubService) AddLabels(ctx context.Context, number int, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, _, err := s.client.Issues.AddLabelsToIssue(ctx, s.owner, s.repo, number, labels)
	if err != nil {
		return fmt.Errorf("failed to add labels %v to #%d: %w", labels, number, err)
	}
	return nil
}

func (s *githubService) RemoveLabel(ctx context.Context, number int, label string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	resp, err := s.client.Issues.RemoveLabelForIssue(ctx, s.owner, s.repo, number, label)
	if err != nil {
		// Removing an absent label is a no-op, not a failure.
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to remove label %q from #%d: %w", label, number, err)
	}
	return nil
}

func (s *githubService) CreateComment(ctx context.Context, number int, body string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, _, err := s.client.Issues.CreateComment(ctx, s.owner, s.repo, number,
		&github.IssueComment{Body: github.String(body)})
	if err != nil {
		return fmt.Errorf("failed to comment on #%d: %w", number, err)
	}
	return nil
}

func (s *githubService) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	req := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	iss, _, err := s.client.Issues.Create(ctx, s.owner, s.repo, req)
	if err != nil {
		return 0, fmt.Errorf("failed to create issue %q: %w", title, err)
	}
	s.logger.Info("created issue",
		zap.Int("number", iss.GetNumber()),
		zap.String("title", title))
	return iss.GetNumber(), nil
}

func (s *githubService) CountByLabel(ctx context.Context, label string) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`repo:%s/%s is:issue is:open label:"%s"`, s.owner, s.repo, label)
	res, _, err := s.client.Search.Issues(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count issues with label %q: %w", label, err)
	}
	return res.GetTotal(), nil
}

func (s *githubService) FindIssueByLabel(ctx context.Context, label string) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`repo:%s/%s is:issue is:open label:"%s"`, s.owner, s.repo, label)
	res, _, err := s.client.Search.Issues(ctx, query, &github.SearchOptions{
		Sort:        "created",
		Order:       "asc",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find issue with label %q: %w", label, err)
	}
	if len(res.Issues) == 0 {
		return 0, nil
	}
	return res.Issues[0].GetNumber(), nil
}

func (s *githubService) PushBranch(ctx context.Context, dir, branch string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "push", "origin", branch)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to push branch %s: %w: %s",
			branch, err, strings.TrimSpace(string(out)))
	}
	return nil
}
