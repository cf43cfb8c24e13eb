package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tendant/simple-media/pkg/simplemedia"
)

const (
	backendName = "fs"
	tempPrefix  = ".put-"
)

// Backend is a filesystem implementation of the simplemedia.ObjectStore interface
type Backend struct {
	baseDir string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing files
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{baseDir: filepath.Clean(config.BaseDir)}, nil
}

func storageErr(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("%w: %v", simplemedia.ErrObjectNotFound, err)
	}
	return &simplemedia.StorageError{Backend: backendName, Key: key, Op: op, Err: err}
}

// path resolves key under baseDir and rejects keys escaping it.
func (b *Backend) path(key string) (string, error) {
	p := filepath.Join(b.baseDir, filepath.FromSlash(key))
	if p == b.baseDir || !strings.HasPrefix(p, b.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return p, nil
}

// Put writes to a temporary file in the target directory and renames it into
// place, so readers never observe a partial object.
func (b *Backend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	filePath, err := b.path(key)
	if err != nil {
		return storageErr("put", key, err)
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return storageErr("put", key, fmt.Errorf("failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return storageErr("put", key, fmt.Errorf("failed to create file: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return storageErr("put", key, fmt.Errorf("failed to write file: %w", err))
	}
	if size >= 0 && n != size {
		return storageErr("put", key, fmt.Errorf("wrote %d bytes, expected %d", n, size))
	}
	if err := tmp.Sync(); err != nil {
		return storageErr("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr("put", key, err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return storageErr("put", key, fmt.Errorf("failed to publish file: %w", err))
	}
	committed = true
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := b.path(key)
	if err != nil {
		return nil, storageErr("get", key, err)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	return file, nil
}

// Delete removes the file and prunes empty directories. Missing files are not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	filePath, err := b.path(key)
	if err != nil {
		return storageErr("delete", key, err)
	}

	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return storageErr("delete", key, fmt.Errorf("failed to delete file: %w", err))
	}

	b.cleanupEmptyDirectories(filepath.Dir(filePath))
	return nil
}

// Stat detects the content type from the file's leading bytes since the
// filesystem keeps no metadata of its own.
func (b *Backend) Stat(ctx context.Context, key string) (*simplemedia.ObjectInfo, error) {
	filePath, err := b.path(key)
	if err != nil {
		return nil, storageErr("stat", key, err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, storageErr("stat", key, err)
	}

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(filePath); err == nil {
		contentType = mtype.String()
	}

	return &simplemedia.ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		ContentType:  contentType,
		LastModified: info.ModTime(),
	}, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]simplemedia.ObjectInfo, error) {
	var infos []simplemedia.ObjectInfo
	err := filepath.WalkDir(b.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		infos = append(infos, simplemedia.ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, storageErr("list", prefix, err)
	}
	return infos, nil
}

// RemoveStale deletes temporary files left by Puts that never finished and
// were last written before cutoff. It returns how many were removed.
func (b *Backend) RemoveStale(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int
	err := filepath.WalkDir(b.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		b.cleanupEmptyDirectories(filepath.Dir(p))
		return nil
	})
	if err != nil {
		return removed, storageErr("remove stale", tempPrefix, err)
	}
	return removed, nil
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir || !strings.HasPrefix(dir, b.baseDir) {
		return
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
