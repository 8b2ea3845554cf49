package mock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"storyreel/internal/store"
)

// MockStore is an in-memory Store implementation for unit tests. Objects
// live in a map keyed by path; per-method Func hooks override the default
// behavior when set.
type MockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	digests map[string]string

	ExistsFunc    func(ctx context.Context, path string) (bool, error)
	DigestFunc    func(ctx context.Context, path string) (string, error)
	DownloadFunc  func(ctx context.Context, path, local string) error
	UploadFunc    func(ctx context.Context, local, path, contentType string) error
	CopyFunc      func(ctx context.Context, src, dst string) error
	SignedURLFunc func(ctx context.Context, path string, ttl time.Duration) (string, error)
	PublishFunc   func(ctx context.Context, path string) (string, error)

	// Call tracking for verification
	CopyCalls    [][2]string
	UploadCalls  []string
	PublishCalls []string
}

// NewMockStore creates an empty mock store
func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string][]byte),
		digests: make(map[string]string),
	}
}

// Put seeds an object with content and an optional digest
func (m *MockStore) Put(path string, content []byte, digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = content
	if digest != "" {
		m.digests[path] = digest
	}
}

// Has reports whether path was stored
func (m *MockStore) Has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok
}

func (m *MockStore) Exists(ctx context.Context, path string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, path)
	}
	return m.Has(path), nil
}

func (m *MockStore) Digest(ctx context.Context, path string) (string, error) {
	if m.DigestFunc != nil {
		return m.DigestFunc(ctx, path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; !ok {
		return "", &store.Error{Kind: store.KindNotFound, Path: path, Err: fmt.Errorf("no such object")}
	}
	if d, ok := m.digests[path]; ok {
		return d, nil
	}
	return fmt.Sprintf("md5-%s", path), nil
}

func (m *MockStore) Download(ctx context.Context, path, local string) error {
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, path, local)
	}
	m.mu.Lock()
	content, ok := m.objects[path]
	m.mu.Unlock()
	if !ok {
		return &store.Error{Kind: store.KindNotFound, Path: path, Err: fmt.Errorf("no such object")}
	}
	return os.WriteFile(local, content, 0o644)
}

func (m *MockStore) Upload(ctx context.Context, local, path, contentType string) error {
	if m.UploadFunc != nil {
		return m.UploadFunc(ctx, local, path, contentType)
	}
	content, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = content
	m.UploadCalls = append(m.UploadCalls, path)
	return nil
}

func (m *MockStore) Copy(ctx context.Context, src, dst string) error {
	if m.CopyFunc != nil {
		return m.CopyFunc(ctx, src, dst)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[src]
	if !ok {
		return &store.Error{Kind: store.KindNotFound, Path: src, Err: fmt.Errorf("no such object")}
	}
	m.objects[dst] = content
	m.CopyCalls = append(m.CopyCalls, [2]string{src, dst})
	return nil
}

func (m *MockStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if m.SignedURLFunc != nil {
		return m.SignedURLFunc(ctx, path, ttl)
	}
	if !m.Has(path) {
		return "", &store.Error{Kind: store.KindNotFound, Path: path, Err: fmt.Errorf("no such object")}
	}
	return fmt.Sprintf("https://signed.example.com/%s?ttl=%d", path, int(ttl.Seconds())), nil
}

func (m *MockStore) Publish(ctx context.Context, path string) (string, error) {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalls = append(m.PublishCalls, path)
	return fmt.Sprintf("https://public.example.com/%s", path), nil
}
