// Package gitops drives the git binary and the GitHub CLI for branch,
// worktree, commit and PR operations. Every argument reaches the
// subprocess as a discrete argv entry; nothing is ever interpolated
// into a shell string, so branch names and commit messages survive
// byte-for-byte whatever they contain.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type GitOps struct {
	// dataDir hosts worktrees, keeping them inside the user's home so
	// they pass path validation.
	dataDir string
}

func New(dataDir string) *GitOps {
	return &GitOps{dataDir: dataDir}
}

// run executes git in dir with discrete args and returns trimmed
// combined output.
func (g *GitOps) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s: %w: %s", args[0], err, output)
	}
	return output, nil
}

func (g *GitOps) IsGitRepo(ctx context.Context, dir string) bool {
	out, err := g.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func (g *GitOps) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

type BranchErrKind string

const (
	BranchErrExists BranchErrKind = "branch_exists"
	BranchErrDirty  BranchErrKind = "dirty"
	BranchErrOther  BranchErrKind = "other"
)

type BranchError struct {
	Kind BranchErrKind
	Msg  string
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// CreateBranch creates name from base (or HEAD) and checks it out.
func (g *GitOps) CreateBranch(ctx context.Context, dir, name, base string) error {
	args := []string{"checkout", "-b", name}
	if base != "" {
		args = append(args, base)
	}
	out, err := g.run(ctx, dir, args...)
	if err == nil {
		return nil
	}
	switch {
	case strings.Contains(out, "already exists"):
		return &BranchError{Kind: BranchErrExists, Msg: out}
	case strings.Contains(out, "would be overwritten"), strings.Contains(out, "local changes"):
		return &BranchError{Kind: BranchErrDirty, Msg: out}
	default:
		return &BranchError{Kind: BranchErrOther, Msg: out}
	}
}

func (g *GitOps) Checkout(ctx context.Context, dir, name string) error {
	_, err := g.run(ctx, dir, "checkout", name)
	return err
}

type CommitResult struct {
	Hash         string
	FilesChanged int
	NoChanges    bool
}

// Commit stages everything and commits with the given message. A clean
// tree is reported via NoChanges, not an error; it is a benign
// terminal for chunks that only touched ignored files.
func (g *GitOps) Commit(ctx context.Context, dir, message string) (*CommitResult, error) {
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return nil, err
	}

	status, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if status == "" {
		return &CommitResult{NoChanges: true}, nil
	}

	if _, err := g.run(ctx, dir, "commit", "-m", message); err != nil {
		return nil, err
	}

	hash, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	filesChanged := 0
	shown, err := g.run(ctx, dir, "show", "--name-only", "--format=", "HEAD")
	if err == nil && shown != "" {
		filesChanged = len(strings.Split(shown, "\n"))
	}

	log.Info().
		Str("dir", dir).
		Str("hash", hash).
		Int("files_changed", filesChanged).
		Msg("committed chunk changes")

	return &CommitResult{Hash: hash, FilesChanged: filesChanged}, nil
}

// ResetHard discards uncommitted changes, restoring the worktree to the
// last commit. Untracked files are removed too so a failed chunk leaves
// no residue.
func (g *GitOps) ResetHard(ctx context.Context, dir string) error {
	if _, err := g.run(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := g.run(ctx, dir, "clean", "-fd")
	return err
}

func (g *GitOps) PushBranch(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "push", "--set-upstream", "origin", branch)
	return err
}

// GenerateBranchName slugifies a spec title into a deterministic,
// bounded ref name.
func GenerateBranchName(specTitle string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(specTitle) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "spec"
	}
	return "specwright/" + slug
}

// worktreesRoot is where spec worktrees live, under the data dir.
func (g *GitOps) worktreesRoot() string {
	return filepath.Join(g.dataDir, "worktrees")
}

// CreateWorktree adds a worktree for the spec on the given branch. The
// path embeds the spec id and a creation timestamp so repeated runs
// never collide.
func (g *GitOps) CreateWorktree(ctx context.Context, projectDir, specID, branch string) (string, error) {
	if err := os.MkdirAll(g.worktreesRoot(), 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktrees dir: %w", err)
	}
	path := filepath.Join(g.worktreesRoot(), fmt.Sprintf("%s-%d", specID, time.Now().Unix()))

	// -B reuses the branch if an earlier worktree for it was removed
	out, err := g.run(ctx, projectDir, "worktree", "add", "-B", branch, path)
	if err != nil {
		return "", fmt.Errorf("failed to create worktree: %w: %s", err, out)
	}

	log.Info().
		Str("spec_id", specID).
		Str("branch", branch).
		Str("path", path).
		Msg("created worktree")

	return path, nil
}

// RemoveWorktree detaches and deletes a worktree, pruning git's
// metadata afterwards.
func (g *GitOps) RemoveWorktree(ctx context.Context, projectDir, path string) error {
	if _, err := g.run(ctx, projectDir, "worktree", "remove", "--force", path); err != nil {
		// the directory may already be gone; prune and clean up manually
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree: %w", err)
		}
	}
	_, _ = g.run(ctx, projectDir, "worktree", "prune")
	return nil
}

type PullRequest struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// GHAvailable reports whether the GitHub CLI is installed and
// authenticated. Absence soft-degrades push/PR, it never fails a run.
func (g *GitOps) GHAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("gh"); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "gh", "auth", "status")
	return cmd.Run() == nil
}

// OpenPR creates a pull request via the GitHub CLI and returns its URL
// and number.
func (g *GitOps) OpenPR(ctx context.Context, dir, title, body, base string) (*PullRequest, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--title", title, "--body", body, "--base", base)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return nil, fmt.Errorf("gh pr create: %w: %s", err, output)
	}

	// gh prints the PR URL as the last line
	lines := strings.Split(output, "\n")
	url := strings.TrimSpace(lines[len(lines)-1])
	number := 0
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		if n, parseErr := strconv.Atoi(url[idx+1:]); parseErr == nil {
			number = n
		}
	}
	return &PullRequest{URL: url, Number: number}, nil
}

// PRMerged reports whether the PR for the given branch is merged.
func (g *GitOps) PRMerged(ctx context.Context, dir string, number int) bool {
	cmd := exec.CommandContext(ctx, "gh", "pr", "view", strconv.Itoa(number), "--json", "state", "--jq", ".state")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return err == nil && strings.TrimSpace(string(out)) == "MERGED"
}
