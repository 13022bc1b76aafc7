package blob

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process object store for tests and local runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	// FailFetch, when set, is consulted before every Fetch.
	FailFetch func(bucket, key string, r ByteRange) error
}

type memObject struct {
	data     []byte
	modified time.Time
}

var (
	_ Fetcher = (*Memory)(nil)
	_ Lister  = (*Memory)(nil)
)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

// Put stores data under bucket/key.
func (m *Memory) Put(bucket, key string, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = memObject{data: slices.Clone(data), modified: modified.UTC()}
}

// Fetch returns the bytes of r, truncated at the end of the object.
func (m *Memory) Fetch(_ context.Context, bucket, key string, r ByteRange) ([]byte, error) {
	if m.FailFetch != nil {
		if err := m.FailFetch(bucket, key, r); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	size := int64(len(obj.data))
	if r.Start >= size {
		return []byte{}, nil
	}
	end := size
	if r.End >= 0 {
		end = min(r.End+1, size)
	}
	return slices.Clone(obj.data[r.Start:end]), nil
}

// List calls fn for objects under prefix in key order.
func (m *Memory) List(_ context.Context, bucket, prefix string, fn func(Object) error) error {
	m.mu.RLock()
	var objs []Object
	for k, o := range m.objects {
		key, found := strings.CutPrefix(k, bucket+"/")
		if !found || !strings.HasPrefix(key, prefix) {
			continue
		}
		objs = append(objs, Object{Key: key, Size: int64(len(o.data)), LastModified: o.modified})
	}
	m.mu.RUnlock()

	slices.SortFunc(objs, func(a, b Object) int { return cmp.Compare(a.Key, b.Key) })
	for _, o := range objs {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}
