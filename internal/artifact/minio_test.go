package artifact

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves the path-style S3 calls MinIOHub makes: HEAD/PUT bucket and
// PUT/GET object. HEAD bucket always answers 404 so a second create hits the
// "already owned" branch.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	creates int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: make(map[string]bool), objects: make(map[string][]byte)}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case key == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusNotFound)
	case key == "" && r.Method == http.MethodPut:
		f.creates++
		if f.buckets[bucket] {
			writeS3Error(w, http.StatusConflict, "BucketAlreadyOwnedByYou", bucket)
			return
		}
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case key != "" && r.Method == http.MethodPut:
		if !f.buckets[bucket] {
			writeS3Error(w, http.StatusNotFound, "NoSuchBucket", bucket)
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.objects[bucket+"/"+key] = data
		w.Header().Set("ETag", etag(data))
		w.WriteHeader(http.StatusOK)
	case key != "" && r.Method == http.MethodGet:
		data, ok := f.objects[bucket+"/"+key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", bucket)
			return
		}
		w.Header().Set("ETag", etag(data))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		writeS3Error(w, http.StatusNotImplemented, "NotImplemented", bucket)
	}
}

func (f *fakeS3) object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	return data, ok
}

func (f *fakeS3) stats() (creates int, buckets []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for b := range f.buckets {
		buckets = append(buckets, b)
	}
	return f.creates, buckets
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func writeS3Error(w http.ResponseWriter, status int, code, bucket string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+
		`<Error><Code>%s</Code><Message>%s</Message><BucketName>%s</BucketName>`+
		`<Resource>/%s</Resource><RequestId>test</RequestId></Error>`, code, code, bucket, bucket)
}

func newTestMinIOHub(t *testing.T) (*MinIOHub, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	ts := httptest.NewTLSServer(fake)
	t.Cleanup(ts.Close)

	hub, err := newMinIOHub(ts.Listener.Addr().String(), &minio.Options{
		Creds:     credentials.NewStaticV4("access", "secret", ""),
		Secure:    true,
		Region:    "us-east-1",
		Transport: ts.Client().Transport,
	})
	require.NoError(t, err)
	return hub, fake
}

func TestMinIOHubEnsureRepoIdempotent(t *testing.T) {
	hub, fake := newTestMinIOHub(t)
	ctx := context.Background()

	require.NoError(t, hub.EnsureRepo(ctx, "Org/My_Model"))
	require.NoError(t, hub.EnsureRepo(ctx, "Org/My_Model"), "already owned bucket is not an error")
	creates, buckets := fake.stats()
	assert.Equal(t, 2, creates)
	assert.Equal(t, []string{"org-my-model"}, buckets)
}

func TestMinIOHubSync(t *testing.T) {
	hub, fake := newTestMinIOHub(t)
	runRoot, stepDir := newRun(t)
	s := NewSyncer(hub, testLogger())

	rev, err := s.SyncStep(context.Background(), stepDir, runRoot, "org/model", "main", false)
	require.NoError(t, err)
	require.NotEmpty(t, rev)

	ref, ok := fake.object("org-model", "refs/main")
	require.True(t, ok, "branch ref written")
	assert.Equal(t, rev, string(ref))

	prefix := path.Join(revisionsPrefix, rev)
	for _, key := range []string{"ckpt/weights.bin", "ckpt/shards/0.bin", "state.json", "events.log"} {
		_, ok := fake.object("org-model", path.Join(prefix, key))
		assert.True(t, ok, "missing object %s", key)
	}
	data, _ := fake.object("org-model", path.Join(prefix, "ckpt/weights.bin"))
	assert.Equal(t, "weights", string(data))

	got, err := hub.ResolveRevision(context.Background(), "org/model", "main")
	require.NoError(t, err)
	assert.Equal(t, rev, got)

	m, err := ReadMarker(runRoot)
	require.NoError(t, err)
	assert.Equal(t, rev, m.Revision)
}

func TestMinIOHubResolveMissingRef(t *testing.T) {
	hub, _ := newTestMinIOHub(t)
	_, err := hub.ResolveRevision(context.Background(), "org/model", "main")
	assert.Error(t, err)
}
