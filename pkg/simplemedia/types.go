package simplemedia

import (
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

// Owner types recorded on media rows.
const (
	OwnerPage    = "page"
	OwnerAccount = "account"
	OwnerPost    = "post"
)

// Media is the metadata row describing one stored object.
type Media struct {
	ID           uuid.UUID `json:"id"`
	OwnerType    string    `json:"owner_type"`
	OwnerID      uuid.UUID `json:"owner_id"`
	StorageKey   string    `json:"storage_key"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	Checksum     string    `json:"checksum"`
	FileName     string    `json:"file_name,omitempty"`
	DisplayOrder null.Int  `json:"display_order"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account is the owner of profile images and posts.
type Account struct {
	ID        uuid.UUID
	Username  string
	AvatarKey null.String
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comic groups chapters.
type Comic struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Title     string
	CreatedAt time.Time
}

// Chapter holds ordered pages.
type Chapter struct {
	ID        uuid.UUID
	ComicID   uuid.UUID
	Number    int64
	Title     string
	CreatedAt time.Time
}

// Page is a chapter page. (ChapterID, Number) is unique.
type Page struct {
	ID        uuid.UUID
	ChapterID uuid.UUID
	Number    int64
	CreatedAt time.Time
}

// Post is an account post carrying one image.
type Post struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	Title       string
	Description null.String
	CreatedAt   time.Time
}

// ObjectInfo describes an object held by an ObjectStore.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}
