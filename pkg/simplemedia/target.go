package simplemedia

import (
	"context"
	"errors"
	"mime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/tendant/simple-media/pkg/validator"
)

// DefaultFileField is the form name of the binary part.
const DefaultFileField = "image"

// DefaultImageTypes is the allow-list shared by every image upload.
var DefaultImageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Target describes one upload surface: which binary part to stage, which
// content types it accepts and how its scalar fields become an Entity.
type Target struct {
	Name         string
	FileField    string
	AllowedTypes []string
	NewBuilder   func() Builder
}

func (t Target) fileField() string {
	if t.FileField == "" {
		return DefaultFileField
	}
	return t.FileField
}

// accept normalizes the declared content type and checks it against the allow-list.
func (t Target) accept(declared string) (string, bool) {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return "", false
	}
	allowed := t.AllowedTypes
	if len(allowed) == 0 {
		allowed = DefaultImageTypes
	}
	for _, a := range allowed {
		if strings.EqualFold(a, mediaType) {
			return mediaType, true
		}
	}
	return mediaType, false
}

// WithAllowedTypes returns a copy of t restricted to types.
func (t Target) WithAllowedTypes(types []string) Target {
	if len(types) > 0 {
		t.AllowedTypes = types
	}
	return t
}

func buildError(op string, err error) error {
	var verr *validator.ValidationError
	if errors.As(err, &verr) {
		return &Error{Kind: KindBadRequest, Op: op, Message: "invalid fields: " + verr.Error(), Err: err}
	}
	return Internal(op, err)
}

func parseInt(field, value string) (null.Int, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return null.Int{}, BadRequestf("set "+field, "%s must be an integer", field)
	}
	return null.IntFrom(n), nil
}

// ChapterPageTarget publishes a new page of chapterID. Field "number" is required.
func ChapterPageTarget(chapterID uuid.UUID) Target {
	return Target{
		Name:         "chapter_page",
		FileField:    DefaultFileField,
		AllowedTypes: DefaultImageTypes,
		NewBuilder: func() Builder {
			return &pageBuilder{ChapterID: chapterID}
		},
	}
}

type pageBuilder struct {
	ChapterID uuid.UUID `form:"chapter_id" validate:"required"`
	Number    null.Int  `form:"number" validate:"required,min=1"`
}

func (b *pageBuilder) Set(name, value string) (bool, error) {
	switch name {
	case "number":
		n, err := parseInt(name, value)
		if err != nil {
			return true, err
		}
		b.Number = n
		return true, nil
	}
	return false, nil
}

func (b *pageBuilder) Build() (Entity, error) {
	if err := validator.Validate(b); err != nil {
		return nil, buildError("build page", err)
	}
	return &pageEntity{chapterID: b.ChapterID, number: b.Number.Int64}, nil
}

type pageEntity struct {
	chapterID uuid.UUID
	number    int64
}

func (e *pageEntity) OwnerType() string { return OwnerPage }

func (e *pageEntity) Persist(ctx context.Context, tx Tx, media *Media) (uuid.UUID, error) {
	page := &Page{
		ID:        uuid.New(),
		ChapterID: e.chapterID,
		Number:    e.number,
		CreatedAt: media.CreatedAt,
	}
	if err := tx.CreatePage(ctx, page); err != nil {
		return uuid.Nil, err
	}
	media.DisplayOrder = null.IntFrom(e.number)
	return page.ID, nil
}

// AvatarTarget replaces the profile image of accountID.
func AvatarTarget(accountID uuid.UUID) Target {
	return Target{
		Name:         "profile_image",
		FileField:    DefaultFileField,
		AllowedTypes: DefaultImageTypes,
		NewBuilder: func() Builder {
			return &avatarBuilder{AccountID: accountID}
		},
	}
}

type avatarBuilder struct {
	AccountID uuid.UUID `form:"account_id" validate:"required"`
}

func (b *avatarBuilder) Set(name, value string) (bool, error) {
	return false, nil
}

func (b *avatarBuilder) Build() (Entity, error) {
	if err := validator.Validate(b); err != nil {
		return nil, buildError("build avatar", err)
	}
	return &avatarEntity{accountID: b.AccountID}, nil
}

type avatarEntity struct {
	accountID uuid.UUID
}

func (e *avatarEntity) OwnerType() string { return OwnerAccount }

func (e *avatarEntity) Persist(ctx context.Context, tx Tx, media *Media) (uuid.UUID, error) {
	if err := tx.SetAccountAvatar(ctx, e.accountID, media.StorageKey, media.CreatedAt); err != nil {
		return uuid.Nil, err
	}
	return e.accountID, nil
}

// PostImageTarget creates a post by accountID. Field "title" is required;
// "description" and "display_order" are optional.
func PostImageTarget(accountID uuid.UUID) Target {
	return Target{
		Name:         "post_image",
		FileField:    DefaultFileField,
		AllowedTypes: DefaultImageTypes,
		NewBuilder: func() Builder {
			return &postBuilder{AccountID: accountID}
		},
	}
}

type postBuilder struct {
	AccountID    uuid.UUID   `form:"account_id" validate:"required"`
	Title        null.String `form:"title" validate:"required,max=200"`
	Description  null.String `form:"description" validate:"omitnil,max=2000"`
	DisplayOrder null.Int    `form:"display_order" validate:"omitnil,min=0"`
}

func (b *postBuilder) Set(name, value string) (bool, error) {
	switch name {
	case "title":
		b.Title = null.StringFrom(strings.TrimSpace(value))
	case "description":
		b.Description = null.StringFrom(value)
	case "display_order":
		n, err := parseInt(name, value)
		if err != nil {
			return true, err
		}
		b.DisplayOrder = n
	default:
		return false, nil
	}
	return true, nil
}

func (b *postBuilder) Build() (Entity, error) {
	if err := validator.Validate(b); err != nil {
		return nil, buildError("build post", err)
	}
	return &postEntity{
		post: Post{
			AccountID:   b.AccountID,
			Title:       b.Title.String,
			Description: b.Description,
		},
		displayOrder: b.DisplayOrder,
	}, nil
}

type postEntity struct {
	post         Post
	displayOrder null.Int
}

func (e *postEntity) OwnerType() string { return OwnerPost }

func (e *postEntity) Persist(ctx context.Context, tx Tx, media *Media) (uuid.UUID, error) {
	post := e.post
	post.ID = uuid.New()
	post.CreatedAt = media.CreatedAt
	if err := tx.CreatePost(ctx, &post); err != nil {
		return uuid.Nil, err
	}
	media.DisplayOrder = e.displayOrder
	return post.ID, nil
}
