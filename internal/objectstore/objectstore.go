// Package objectstore stores artifact image bytes by key.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("object not found")

// Store is a key/value blob store with public URLs.
type Store interface {
	// Put writes data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// URL is the public address of key.
	URL(key string) string
}

// =============================================================================
// In-Memory Store
// =============================================================================

type object struct {
	data        []byte
	contentType string
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]object
	baseURL string
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store whose URLs are baseURL + "/" + key.
func NewMemory(baseURL string) *Memory {
	return &Memory{
		objects: make(map[string]object),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) URL(key string) string {
	return m.baseURL + "/" + key
}

// ContentType returns the stored content type of key.
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}

// Keys lists stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
