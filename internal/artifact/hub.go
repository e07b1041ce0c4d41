package artifact

import "context"

// Hub is a remote store of versioned model folders.
type Hub interface {
	// EnsureRepo creates repo if it does not exist. It is idempotent.
	EnsureRepo(ctx context.Context, repo string) error

	// UploadFolder publishes the contents of dir as a new revision and points
	// branch at it.
	UploadFolder(ctx context.Context, repo, branch, dir string) error

	// ResolveRevision returns the revision branch currently points at.
	ResolveRevision(ctx context.Context, repo, branch string) (string, error)
}

const (
	revisionsPrefix = "revisions"
	refsPrefix      = "refs"
)
