package storj

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"storj.io/uplink"
)

const (
	backendName       = "storj"
	contentTypeHeader = "content-type"
)

// Config options for the Storj backend
type Config struct {
	// AccessGrant is the serialized Storj access grant
	AccessGrant string
	// Bucket is the bucket name where objects will be stored
	Bucket string
}

// Backend is a Storj implementation of the simplemedia.ObjectStore interface
type Backend struct {
	project *uplink.Project
	bucket  string
}

// New parses the access grant, opens the project and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.AccessGrant == "" {
		return nil, errors.New("access grant is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	access, err := uplink.ParseAccess(cfg.AccessGrant)
	if err != nil {
		return nil, fmt.Errorf("parse access grant: %w", err)
	}

	project, err := uplink.OpenProject(ctx, access)
	if err != nil {
		return nil, fmt.Errorf("open project: %w", err)
	}

	if _, err := project.EnsureBucket(ctx, cfg.Bucket); err != nil {
		project.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	return &Backend{project: project, bucket: cfg.Bucket}, nil
}

// Close closes the Storj project connection
func (b *Backend) Close() error {
	if b.project != nil {
		return b.project.Close()
	}
	return nil
}

func storageErr(op, key string, err error) error {
	if errors.Is(err, uplink.ErrObjectNotFound) {
		err = fmt.Errorf("%w: %v", simplemedia.ErrObjectNotFound, err)
	}
	return &simplemedia.StorageError{Backend: backendName, Key: key, Op: op, Err: err}
}

// Put streams into a pending upload. The object only becomes visible on
// Commit; any failure aborts it.
func (b *Backend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	upload, err := b.project.UploadObject(ctx, b.bucket, key, nil)
	if err != nil {
		return storageErr("put", key, fmt.Errorf("initiate upload: %w", err))
	}

	if err := upload.SetCustomMetadata(ctx, uplink.CustomMetadata{contentTypeHeader: contentType}); err != nil {
		_ = upload.Abort()
		return storageErr("put", key, fmt.Errorf("set metadata: %w", err))
	}

	n, err := io.Copy(upload, r)
	if err != nil {
		_ = upload.Abort()
		return storageErr("put", key, fmt.Errorf("write data: %w", err))
	}
	if size >= 0 && n != size {
		_ = upload.Abort()
		return storageErr("put", key, fmt.Errorf("wrote %d bytes, expected %d", n, size))
	}

	if err := upload.Commit(); err != nil {
		return storageErr("put", key, fmt.Errorf("commit upload: %w", err))
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	download, err := b.project.DownloadObject(ctx, b.bucket, key, nil)
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	return download, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.project.DeleteObject(ctx, b.bucket, key); err != nil {
		if errors.Is(err, uplink.ErrObjectNotFound) {
			return nil
		}
		return storageErr("delete", key, err)
	}
	return nil
}

func (b *Backend) Stat(ctx context.Context, key string) (*simplemedia.ObjectInfo, error) {
	obj, err := b.project.StatObject(ctx, b.bucket, key)
	if err != nil {
		return nil, storageErr("stat", key, err)
	}
	return toInfo(obj), nil
}

// List walks the objects below prefix. Storj only filters on whole path
// segments, so the trailing partial segment is matched here.
func (b *Backend) List(ctx context.Context, prefix string) ([]simplemedia.ObjectInfo, error) {
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
	}

	it := b.project.ListObjects(ctx, b.bucket, &uplink.ListObjectsOptions{
		Prefix:    dir,
		Recursive: true,
		System:    true,
		Custom:    true,
	})

	var infos []simplemedia.ObjectInfo
	for it.Next() {
		obj := it.Item()
		if obj.IsPrefix || !strings.HasPrefix(obj.Key, prefix) {
			continue
		}
		infos = append(infos, *toInfo(obj))
	}
	if err := it.Err(); err != nil {
		return nil, storageErr("list", prefix, err)
	}
	return infos, nil
}

func toInfo(obj *uplink.Object) *simplemedia.ObjectInfo {
	return &simplemedia.ObjectInfo{
		Key:          obj.Key,
		Size:         obj.System.ContentLength,
		ContentType:  obj.Custom[contentTypeHeader],
		LastModified: obj.System.Created,
	}
}
