package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const backendName = "memory"

type object struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// Backend is an in-memory implementation of the simplemedia.ObjectStore interface
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[string]object),
		now:     time.Now,
	}
}

// SetClock overrides the clock used for LastModified.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func storageErr(op, key string, err error) error {
	return &simplemedia.StorageError{Backend: backendName, Key: key, Op: op, Err: err}
}

// Put reads the whole stream before publishing it, so a failed read leaves nothing behind.
func (b *Backend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return storageErr("put", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return storageErr("put", key, fmt.Errorf("read %d bytes, expected %d", len(data), size))
	}
	if err := ctx.Err(); err != nil {
		return storageErr("put", key, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[key] = object{data: data, contentType: contentType, lastModified: b.now()}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[key]
	if !exists {
		return nil, storageErr("get", key, simplemedia.ErrObjectNotFound)
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete is idempotent.
func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, key)
	return nil
}

func (b *Backend) Stat(ctx context.Context, key string) (*simplemedia.ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[key]
	if !exists {
		return nil, storageErr("stat", key, simplemedia.ErrObjectNotFound)
	}
	return &simplemedia.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.lastModified,
	}, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]simplemedia.ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var infos []simplemedia.ObjectInfo
	for key, obj := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, simplemedia.ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.lastModified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
