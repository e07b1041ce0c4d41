package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"

	"github.com/seantiz/relay/internal/fsutil"
	"github.com/seantiz/relay/internal/model"
)

// Compile-time interface satisfaction check.
var _ Hub = (*LocalHub)(nil)

// LocalHub keeps repos as directories under a root, with the same
// revisions/ and refs/ layout as MinIOHub.
type LocalHub struct {
	root string
}

// NewLocalHub returns a hub rooted at root.
func NewLocalHub(root string) *LocalHub {
	return &LocalHub{root: root}
}

func (h *LocalHub) repoDir(repo string) string {
	return filepath.Join(h.root, filepath.FromSlash(repo))
}

// EnsureRepo creates the repo directory.
func (h *LocalHub) EnsureRepo(_ context.Context, repo string) error {
	if err := os.MkdirAll(h.repoDir(repo), 0o755); err != nil {
		return fmt.Errorf("create repo %s: %w", repo, err)
	}
	return nil
}

// UploadFolder copies dir into a new revision and moves the branch ref.
func (h *LocalHub) UploadFolder(_ context.Context, repo, branch, dir string) error {
	rev := strings.ToLower(model.NewID())
	dst := filepath.Join(h.repoDir(repo), revisionsPrefix, rev)
	if err := copy.Copy(dir, dst); err != nil {
		return fmt.Errorf("copy revision: %w", err)
	}
	ref := filepath.Join(h.repoDir(repo), refsPrefix, filepath.FromSlash(branch))
	if err := fsutil.WriteFileAtomic(ref, []byte(rev), 0o644); err != nil {
		return fmt.Errorf("update ref %s: %w", branch, err)
	}
	return nil
}

// ResolveRevision reads the branch ref file.
func (h *LocalHub) ResolveRevision(_ context.Context, repo, branch string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.repoDir(repo), refsPrefix, filepath.FromSlash(branch)))
	if err != nil {
		return "", fmt.Errorf("read ref %s: %w", branch, err)
	}
	rev := strings.TrimSpace(string(data))
	if rev == "" {
		return "", fmt.Errorf("ref %s is empty", branch)
	}
	return rev, nil
}

// RevisionDir returns where a revision's files are stored.
func (h *LocalHub) RevisionDir(repo, rev string) string {
	return filepath.Join(h.repoDir(repo), revisionsPrefix, rev)
}
