package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/relay/internal/model"
)

// Credentials authenticate against an object store hub.
type Credentials struct {
	AccessKey string
	SecretKey string
	Secure    bool
}

// Compile-time interface satisfaction check.
var _ Hub = (*MinIOHub)(nil)

// MinIOHub stores each repo as a bucket. Revisions live under
// revisions/<rev>/ and branch heads under refs/<branch>.
type MinIOHub struct {
	client *minio.Client
}

// NewMinIOHub returns a hub for the S3-compatible endpoint host:port.
func NewMinIOHub(endpoint string, creds Credentials) (*MinIOHub, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	return newMinIOHub(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: creds.Secure,
	})
}

func newMinIOHub(endpoint string, opts *minio.Options) (*MinIOHub, error) {
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOHub{client: client}, nil
}

// EnsureRepo creates the repo's bucket unless it already exists.
func (h *MinIOHub) EnsureRepo(ctx context.Context, repo string) error {
	bucket := bucketName(repo)
	exists, err := h.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := h.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// UploadFolder puts every file of dir under a fresh revision prefix, then
// moves the branch ref to it.
func (h *MinIOHub) UploadFolder(ctx context.Context, repo, branch, dir string) error {
	bucket := bucketName(repo)
	rev := strings.ToLower(model.NewID())
	prefix := path.Join(revisionsPrefix, rev)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		object := path.Join(prefix, filepath.ToSlash(rel))
		if _, err := h.client.FPutObject(ctx, bucket, object, p, minio.PutObjectOptions{}); err != nil {
			return fmt.Errorf("put %s: %w", object, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload folder: %w", err)
	}

	ref := []byte(rev)
	_, err = h.client.PutObject(ctx, bucket, path.Join(refsPrefix, branch), bytes.NewReader(ref), int64(len(ref)),
		minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return fmt.Errorf("update ref %s: %w", branch, err)
	}
	return nil
}

// ResolveRevision reads the branch ref object.
func (h *MinIOHub) ResolveRevision(ctx context.Context, repo, branch string) (string, error) {
	obj, err := h.client.GetObject(ctx, bucketName(repo), path.Join(refsPrefix, branch), minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("get ref %s: %w", branch, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("read ref %s: %w", branch, err)
	}
	rev := strings.TrimSpace(string(data))
	if rev == "" {
		return "", fmt.Errorf("ref %s is empty", branch)
	}
	return rev, nil
}

var invalidBucketChars = regexp.MustCompile(`[^a-z0-9.-]+`)

// bucketName maps a repo id such as "Org/My_Model" onto a valid bucket name.
func bucketName(repo string) string {
	b := invalidBucketChars.ReplaceAllString(strings.ToLower(repo), "-")
	b = strings.Trim(b, "-.")
	for len(b) < 3 {
		b += "-0"
	}
	if len(b) > 63 {
		b = strings.TrimRight(b[:63], "-.")
	}
	return b
}
