// Package storage reads source audio and writes finished dubbed tracks
// through URI-addressed backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
)

// AllowedSchemes is the whitelist of allowed URI schemes
var AllowedSchemes = []string{"https", "http", "s3", "file"}

// ErrReadOnly is returned by backends that cannot write.
var ErrReadOnly = errors.New("storage backend is read-only")

// Storage is the interface for all storage backends
type Storage interface {
	// Get opens the object at uri for reading
	Get(ctx context.Context, uri string) (io.ReadCloser, error)

	// Put writes data to uri, replacing any existing object
	Put(ctx context.Context, uri string, data io.Reader) error

	// Delete removes the object at uri; a missing object is not an error
	Delete(ctx context.Context, uri string) error

	// Exists reports whether an object exists at uri
	Exists(ctx context.Context, uri string) (bool, error)
}

// ParseURI parses a URI and returns scheme and path
func ParseURI(uri string) (scheme string, path string, err error) {
	if uri == "" {
		return "", "", fmt.Errorf("URI cannot be empty")
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid URI: %w", err)
	}

	if parsed.Scheme == "" {
		return "", "", fmt.Errorf("URI must have a scheme (e.g., https://, s3://)")
	}

	if parsed.Scheme == "file" {
		return parsed.Scheme, parsed.Path, nil
	}

	path = parsed.Host
	if parsed.Path != "" {
		path = path + parsed.Path
	}

	return parsed.Scheme, path, nil
}

// IsAllowedScheme checks if a URI scheme is in the whitelist
func IsAllowedScheme(scheme string) bool {
	for _, allowed := range AllowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

// Router dispatches each call to the backend registered for the URI's scheme.
type Router struct {
	mu       sync.RWMutex
	backends map[string]Storage
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{backends: make(map[string]Storage)}
}

// Register routes the given schemes to backend.
func (r *Router) Register(backend Storage, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.backends[s] = backend
	}
}

func (r *Router) backend(uri string) (Storage, error) {
	scheme, _, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if !IsAllowedScheme(scheme) {
		return nil, fmt.Errorf("scheme %s:// is not allowed", scheme)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("no storage backend configured for %s://", scheme)
	}
	return b, nil
}

// Get implements Storage.
func (r *Router) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	b, err := r.backend(uri)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, uri)
}

// Put implements Storage.
func (r *Router) Put(ctx context.Context, uri string, data io.Reader) error {
	b, err := r.backend(uri)
	if err != nil {
		return err
	}
	return b.Put(ctx, uri, data)
}

// Delete implements Storage.
func (r *Router) Delete(ctx context.Context, uri string) error {
	b, err := r.backend(uri)
	if err != nil {
		return err
	}
	return b.Delete(ctx, uri)
}

// Exists implements Storage.
func (r *Router) Exists(ctx context.Context, uri string) (bool, error) {
	b, err := r.backend(uri)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, uri)
}
