package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
	version     int64
}

// MemoryStore is an in-process ObjectStore for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
	version int64
	now     func() time.Time
}

func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "memory"
	}
	return &MemoryStore{bucket: bucket, objects: map[string]memoryObject{}, now: time.Now}
}

func (m *MemoryStore) Bucket() string { return m.bucket }

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, _ int64, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.objects[key]
	if opts.IfNoneMatch && exists {
		return fmt.Errorf("put object: %w", ErrPreconditionFailed)
	}
	if opts.IfMatch != "" && (!exists || etag(current.version) != opts.IfMatch) {
		return fmt.Errorf("put object: %w", ErrPreconditionFailed)
	}
	m.version++
	m.objects[key] = memoryObject{
		data:        data,
		contentType: opts.ContentType,
		metadata:    lowerKeys(opts.Metadata),
		modified:    m.now().UTC(),
		version:     m.version,
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("get object: %w", ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), memoryInfo(key, obj), nil
}

func (m *MemoryStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("stat object: %w", ErrNotFound)
	}
	return memoryInfo(key, obj), nil
}

// List returns objects under prefix in key order.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			info := memoryInfo(key, obj)
			info.Metadata = nil
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) DeleteMany(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.objects, key)
	}
	return nil
}

func (m *MemoryStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(m.now().Add(expiry).Unix(), 10))
	return "memory://" + m.bucket + "/" + key + "?" + q.Encode(), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func memoryInfo(key string, obj memoryObject) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		ContentType:  obj.contentType,
		ETag:         etag(obj.version),
		Metadata:     maps.Clone(obj.metadata),
	}
}

func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}
