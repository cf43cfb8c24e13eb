package simplemedia

import (
	"context"
	"io"
	"mime/multipart"
	"time"

	"github.com/google/uuid"
)

// ObjectStore is the external, non-transactional blob store.
//
// Implementations report every failure as *StorageError. Missing objects
// wrap ErrObjectNotFound.
type ObjectStore interface {
	// Put writes the object in one logical operation. A failed Put leaves no
	// partially visible object behind.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get opens a lazy stream of the object's bytes.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// Stat returns the object's metadata.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Store is the relational store holding owners and media rows.
type Store interface {
	// Begin opens a transaction bound to ctx.
	Begin(ctx context.Context) (Tx, error)

	// GetMedia returns a committed media row.
	GetMedia(ctx context.Context, id uuid.UUID) (*Media, error)

	// MediaKeyExists reports whether a committed media row references key.
	MediaKeyExists(ctx context.Context, key string) (bool, error)

	// ChapterAccount returns the account owning the chapter's comic.
	ChapterAccount(ctx context.Context, chapterID uuid.UUID) (uuid.UUID, error)

	// MediaAccount returns the account owning the media row's owner.
	MediaAccount(ctx context.Context, mediaID uuid.UUID) (uuid.UUID, error)
}

// StaleCleaner is implemented by object stores that can leave temporary
// files behind when a process dies in the middle of a Put.
type StaleCleaner interface {
	// RemoveStale deletes temporary files last modified before cutoff and
	// returns how many were removed.
	RemoveStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Tx is one relational transaction. Constraint violations surface as
// KindConflict (uniqueness) or KindNotFound (missing owner).
type Tx interface {
	CreatePage(ctx context.Context, page *Page) error
	CreatePost(ctx context.Context, post *Post) error
	SetAccountAvatar(ctx context.Context, accountID uuid.UUID, storageKey string, updatedAt time.Time) error
	CreateMedia(ctx context.Context, media *Media) error
	DeleteMedia(ctx context.Context, id uuid.UUID) (*Media, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PartReader yields multipart parts in arrival order. *multipart.Reader
// satisfies it.
type PartReader interface {
	NextPart() (*multipart.Part, error)
}

// Builder accumulates scalar fields for one upload target and validates
// them once in Build.
type Builder interface {
	// Set binds a text field. It reports false for names the target does not use.
	Set(name, value string) (bool, error)

	// Build validates the collected fields.
	Build() (Entity, error)
}

// Entity is a validated owner ready to be written inside a transaction.
type Entity interface {
	OwnerType() string

	// Persist inserts or updates the owner row and returns its id. It may
	// fill owner-specific fields of media before the media row is written.
	Persist(ctx context.Context, tx Tx, media *Media) (uuid.UUID, error)
}
