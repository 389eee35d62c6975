package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/hydradev/hydra/internal/config"
	"github.com/hydradev/hydra/internal/state"
)

// minAgentVersion is the oldest agent CLI known to support --output-format
// stream-json and --disallowedTools.
const minAgentVersion = "v1.0.0"

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check hydra installation and environment health",
	Long: `Run health checks to diagnose common configuration and environment issues.

Checks:
- Agent CLI present on PATH and new enough
- Git repository and base branch
- GitHub token configured
- State database accessible
- Event log directory writable

Exit codes:
  0 - all checks passed
  1 - one or more checks failed`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fatalf("%v", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		failures := 0
		check := func(name string, err error) {
			if err != nil {
				failures++
				fmt.Printf("%s %s: %v\n", red("✗"), name, err)
			} else {
				fmt.Printf("%s %s\n", green("✓"), name)
			}
		}

		check("agent CLI on PATH", checkAgentBinary(cfg.Agent.Binary))
		if warn := checkAgentVersion(cfg.Agent.Binary); warn != "" {
			fmt.Printf("%s agent version: %s\n", yellow("!"), warn)
		}
		check("git repository", checkGitRepo(cfg.Repo.Path, cfg.Repo.BaseBranch))
		check("github token", checkToken(cfg))
		check("state database", checkStateDB(cfg.StatePath))
		check("event log directory", checkLogDir(cfg.Events.LogPath))

		if failures > 0 {
			fmt.Printf("\n%d check(s) failed\n", failures)
			os.Exit(1)
		}
		fmt.Println("\nAll checks passed")
	},
}

func checkAgentBinary(binary string) error {
	if binary == "" {
		binary = "claude"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%s not found on PATH", binary)
	}
	return nil
}

// checkAgentVersion returns a warning string, never a failure: version
// output formats vary across agent CLIs.
func checkAgentVersion(binary string) string {
	if binary == "" {
		binary = "claude"
	}
	out, err := exec.Command(binary, "--version").Output()
	if err != nil {
		return "could not determine version"
	}
	version := parseVersion(string(out))
	if version == "" {
		return fmt.Sprintf("unrecognized version output %q", strings.TrimSpace(string(out)))
	}
	if semver.Compare(version, minAgentVersion) < 0 {
		return fmt.Sprintf("agent CLI %s is older than the supported minimum %s",
			version, minAgentVersion)
	}
	return ""
}

// parseVersion extracts the first semver-looking token from version output.
func parseVersion(out string) string {
	for _, field := range strings.Fields(out) {
		candidate := field
		if !strings.HasPrefix(candidate, "v") {
			candidate = "v" + candidate
		}
		if semver.IsValid(candidate) {
			return candidate
		}
	}
	return ""
}

func checkGitRepo(path, baseBranch string) error {
	cmd := exec.Command("git", "rev-parse", "--verify", baseBranch)
	cmd.Dir = path
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("base branch %s not found: %s", baseBranch,
			strings.TrimSpace(string(out)))
	}
	return nil
}

func checkToken(cfg config.Config) error {
	if cfg.GitHub.Token == "" {
		return fmt.Errorf("no token set (hydra.yaml github.token, HYDRA_GITHUB_TOKEN, or GITHUB_TOKEN)")
	}
	return nil
}

func checkStateDB(path string) error {
	store, err := state.Open(path)
	if err != nil {
		return err
	}
	return store.Close()
}

func checkLogDir(logPath string) error {
	if logPath == "" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(logPath), 0o755)
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
