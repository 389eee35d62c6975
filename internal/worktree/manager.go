// Package worktree manages isolated, branch-scoped git worktrees for
// implementation and correction runs. Each issue gets its own worktree and
// branch so failed runs never dirty the main checkout.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worktree is one isolated workspace bound to an issue.
type Worktree struct {
	Issue     int
	Path      string
	Branch    string
	CreatedAt time.Time
}

// Manager handles worktree lifecycle. Failed correction runs keep their
// worktree for inspection; only callers decide when to destroy.
type Manager interface {
	// Create makes a worktree and branch for the issue. Creating a
	// worktree for an issue that already has one returns the existing one.
	Create(ctx context.Context, issue int) (*Worktree, error)

	// Get returns the worktree for an issue, if one exists.
	Get(issue int) (*Worktree, bool)

	// Destroy removes the issue's worktree and deletes its branch.
	// Destroying a nonexistent worktree is a no-op.
	Destroy(ctx context.Context, issue int) error

	// CommitsAhead counts commits on the worktree branch not on the base
	// branch. The implementation agent's success gate requires >= 1.
	CommitsAhead(ctx context.Context, wt *Worktree) (int, error)
}

// Config holds git manager configuration.
type Config struct {
	// Root is the directory worktrees are created under
	Root string
	// ParentRepo is the path to the main checkout
	ParentRepo string
	// BaseBranch is the branch worktrees fork from
	BaseBranch string
}

type gitManager struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	worktrees map[int]*Worktree
}

// NewGitManager creates a git-backed worktree manager.
func NewGitManager(cfg Config, logger *zap.Logger) Manager {
	if cfg.Root == "" {
		cfg.Root = ".hydra/worktrees"
	}
	if cfg.ParentRepo == "" {
		cfg.ParentRepo = "."
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gitManager{
		cfg:       cfg,
		logger:    logger.Named("worktree"),
		worktrees: make(map[int]*Worktree),
	}
}

// BranchName returns the branch used for an issue's worktree.
func BranchName(issue int) string {
	return fmt.Sprintf("hydra/issue-%d", issue)
}

func (m *gitManager) Create(ctx context.Context, issue int) (*Worktree, error) {
	m.mu.Lock()
	if wt, ok := m.worktrees[issue]; ok {
		m.mu.Unlock()
		return wt, nil
	}
	m.mu.Unlock()

	if err := os.MkdirAll(m.cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree root: %w", err)
	}

	branch := BranchName(issue)
	path, err := filepath.Abs(filepath.Join(m.cfg.Root, fmt.Sprintf("issue-%d", issue)))
	if err != nil {
		return nil, err
	}

	// -B: a stale branch from a previous failed run is reset rather than
	// failing creation; the old attempt's commits are superseded anyway.
	if out, err := m.git(ctx, m.cfg.ParentRepo,
		"worktree", "add", "-B", branch, path, m.cfg.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to create worktree for #%d: %w: %s", issue, err, out)
	}

	wt := &Worktree{
		Issue:     issue,
		Path:      path,
		Branch:    branch,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.worktrees[issue] = wt
	m.mu.Unlock()

	m.logger.Info("created worktree",
		zap.Int("issue", issue),
		zap.String("path", path),
		zap.String("branch", branch))
	return wt, nil
}

func (m *gitManager) Get(issue int) (*Worktree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.worktrees[issue]
	return wt, ok
}

func (m *gitManager) Destroy(ctx context.Context, issue int) error {
	m.mu.Lock()
	wt, ok := m.worktrees[issue]
	delete(m.worktrees, issue)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if out, err := m.git(ctx, m.cfg.ParentRepo,
		"worktree", "remove", "--force", wt.Path); err != nil {
		return fmt.Errorf("failed to remove worktree for #%d: %w: %s", issue, err, out)
	}
	// Branch deletion is best-effort: the branch may already be merged
	// and pruned, or pushed and still wanted remotely.
	if out, err := m.git(ctx, m.cfg.ParentRepo, "branch", "-D", wt.Branch); err != nil {
		m.logger.Debug("failed to delete worktree branch",
			zap.String("branch", wt.Branch),
			zap.String("output", out))
	}

	m.logger.Info("destroyed worktree",
		zap.Int("issue", issue),
		zap.String("path", wt.Path))
	return nil
}

func (m *gitManager) CommitsAhead(ctx context.Context, wt *Worktree) (int, error) {
	out, err := m.git(ctx, wt.Path,
		"rev-list", "--count", m.cfg.BaseBranch+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("failed to count commits ahead for #%d: %w: %s", wt.Issue, err, out)
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%d", &n); err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return n, nil
}

func (m *gitManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
