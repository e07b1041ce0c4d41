package artifact

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Factory builds a hub from its endpoint URL.
type Factory func(u *url.URL) (Hub, error)

// Registry maps URL schemes to hub factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty hub registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry registers the built-in hubs: s3:// and minio:// for MinIO
// compatible object stores, file:// for a local directory.
func DefaultRegistry(creds Credentials) *Registry {
	r := NewRegistry()
	objectStore := func(u *url.URL) (Hub, error) {
		return NewMinIOHub(u.Host, creds)
	}
	r.Register("s3", objectStore)
	r.Register("minio", objectStore)
	r.Register("file", func(u *url.URL) (Hub, error) {
		if u.Path == "" {
			return nil, fmt.Errorf("file hub url %q has no path", u.String())
		}
		return NewLocalHub(u.Path), nil
	})
	return r
}

// Register adds a factory for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = f
}

// Resolve parses rawURL and builds the hub registered for its scheme.
func (r *Registry) Resolve(rawURL string) (Hub, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}

	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no hub registered for scheme %q", u.Scheme)
	}
	return f(u)
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
