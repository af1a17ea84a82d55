package gitops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sensitiveSubtrees are home subdirectories no user-provided path may
// resolve into.
var sensitiveSubtrees = []string{
	".ssh",
	".gnupg",
	".aws",
	".azure",
	".config",
	".kube",
	".docker",
	".password-store",
	".gradle",
	".netrc",
}

// ValidatePath resolves a user-provided path (project directory,
// worktree path) and rejects anything outside the user's home or inside
// a sensitive subtree. Symlinks are resolved before comparison.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// validate the deepest existing ancestor so a
			// to-be-created path can't escape via symlinks
			resolved, err = resolveExistingAncestor(abs)
			if err != nil {
				return fmt.Errorf("invalid path: %w", err)
			}
		} else {
			return fmt.Errorf("invalid path: %w", err)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}
	home, err = filepath.EvalSymlinks(home)
	if err != nil {
		return fmt.Errorf("cannot resolve home directory: %w", err)
	}

	rel, err := filepath.Rel(home, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside the home directory", path)
	}

	for _, denied := range sensitiveSubtrees {
		if rel == denied || strings.HasPrefix(rel, denied+string(filepath.Separator)) {
			return fmt.Errorf("path %s is inside a protected directory (%s)", path, denied)
		}
	}
	return nil
}

func resolveExistingAncestor(abs string) (string, error) {
	dir := abs
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		tail = append(tail, filepath.Base(dir))
		dir = parent
	}
}
