package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "media.db")
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	ctx := context.Background()
	store, err := sqlite.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

func seedChapter(t *testing.T, store *sqlite.Store) (*simplemedia.Account, *simplemedia.Chapter) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	account := &simplemedia.Account{ID: uuid.New(), Username: "artist-" + uuid.NewString()[:8], CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateAccount(ctx, account))
	comic := &simplemedia.Comic{ID: uuid.New(), AccountID: account.ID, Title: "Comic", CreatedAt: now}
	require.NoError(t, store.CreateComic(ctx, comic))
	chapter := &simplemedia.Chapter{ID: uuid.New(), ComicID: comic.ID, Number: 1, Title: "One", CreatedAt: now}
	require.NoError(t, store.CreateChapter(ctx, chapter))
	return account, chapter
}

func newMedia(ownerType string, ownerID uuid.UUID) *simplemedia.Media {
	id := uuid.New()
	return &simplemedia.Media{
		ID:           id,
		OwnerType:    ownerType,
		OwnerID:      ownerID,
		StorageKey:   "media/" + ownerType + "/" + id.String(),
		ContentType:  "image/png",
		SizeBytes:    3,
		Checksum:     "abc",
		FileName:     "a.png",
		DisplayOrder: null.IntFrom(1),
		CreatedAt:    time.Now().UTC(),
	}
}

func TestStore_CreateAndGetMedia(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, chapter := seedChapter(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	page := &simplemedia.Page{ID: uuid.New(), ChapterID: chapter.ID, Number: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, tx.CreatePage(ctx, page))
	media := newMedia(simplemedia.OwnerPage, page.ID)
	require.NoError(t, tx.CreateMedia(ctx, media))

	// Uncommitted rows are not visible outside the transaction.
	exists, err := store.MediaKeyExists(ctx, media.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tx.Commit(ctx))

	got, err := store.GetMedia(ctx, media.ID)
	require.NoError(t, err)
	assert.Equal(t, media.ID, got.ID)
	assert.Equal(t, media.OwnerID, got.OwnerID)
	assert.Equal(t, media.StorageKey, got.StorageKey)
	assert.Equal(t, media.ContentType, got.ContentType)
	assert.Equal(t, media.SizeBytes, got.SizeBytes)
	assert.Equal(t, null.IntFrom(1), got.DisplayOrder)
	assert.WithinDuration(t, media.CreatedAt, got.CreatedAt, time.Second)

	exists, err = store.MediaKeyExists(ctx, media.StorageKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_GetMediaNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetMedia(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindNotFound, simplemedia.KindOf(err))
	assert.ErrorIs(t, err, simplemedia.ErrMediaNotFound)
}

func TestStore_DuplicatePageIsConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, chapter := seedChapter(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreatePage(ctx, &simplemedia.Page{ID: uuid.New(), ChapterID: chapter.ID, Number: 1, CreatedAt: time.Now().UTC()}))
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	err = tx.CreatePage(ctx, &simplemedia.Page{ID: uuid.New(), ChapterID: chapter.ID, Number: 1, CreatedAt: time.Now().UTC()})
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindConflict, simplemedia.KindOf(err))
	require.NoError(t, tx.Rollback(ctx))

	n, err := store.CountPages(ctx, chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_MissingOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	err = tx.CreatePage(ctx, &simplemedia.Page{ID: uuid.New(), ChapterID: uuid.New(), Number: 1, CreatedAt: time.Now().UTC()})
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindNotFound, simplemedia.KindOf(err))
	assert.ErrorIs(t, err, simplemedia.ErrOwnerNotFound)

	err = tx.SetAccountAvatar(ctx, uuid.New(), "media/account/x", time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, simplemedia.ErrOwnerNotFound)
}

func TestStore_RollbackDiscardsRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	account, _ := seedChapter(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	post := &simplemedia.Post{ID: uuid.New(), AccountID: account.ID, Title: "Hello", Description: null.StringFrom("d"), CreatedAt: time.Now().UTC()}
	require.NoError(t, tx.CreatePost(ctx, post))
	media := newMedia(simplemedia.OwnerPost, post.ID)
	require.NoError(t, tx.CreateMedia(ctx, media))
	require.NoError(t, tx.Rollback(ctx))

	// A second rollback is a no-op.
	require.NoError(t, tx.Rollback(ctx))

	_, err = store.GetMedia(ctx, media.ID)
	assert.ErrorIs(t, err, simplemedia.ErrMediaNotFound)
}

func TestStore_DeleteMediaClearsAvatar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	account, _ := seedChapter(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	media := newMedia(simplemedia.OwnerAccount, account.ID)
	media.DisplayOrder = null.Int{}
	require.NoError(t, tx.SetAccountAvatar(ctx, account.ID, media.StorageKey, time.Now().UTC()))
	require.NoError(t, tx.CreateMedia(ctx, media))
	require.NoError(t, tx.Commit(ctx))

	got, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, null.StringFrom(media.StorageKey), got.AvatarKey)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	deleted, err := tx.DeleteMedia(ctx, media.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StorageKey, deleted.StorageKey)
	assert.False(t, deleted.DisplayOrder.Valid)
	require.NoError(t, tx.Commit(ctx))

	got, err = store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, got.AvatarKey.Valid)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.DeleteMedia(ctx, media.ID)
	assert.ErrorIs(t, err, simplemedia.ErrMediaNotFound)
	require.NoError(t, tx.Rollback(ctx))
}

func TestStore_ListMedia(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	account, _ := seedChapter(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	post := &simplemedia.Post{ID: uuid.New(), AccountID: account.ID, Title: "Hello", CreatedAt: time.Now().UTC()}
	require.NoError(t, tx.CreatePost(ctx, post))
	second := newMedia(simplemedia.OwnerPost, post.ID)
	second.DisplayOrder = null.IntFrom(2)
	first := newMedia(simplemedia.OwnerPost, post.ID)
	first.DisplayOrder = null.IntFrom(0)
	require.NoError(t, tx.CreateMedia(ctx, second))
	require.NoError(t, tx.CreateMedia(ctx, first))
	require.NoError(t, tx.Commit(ctx))

	list, err := store.ListMedia(ctx, simplemedia.OwnerPost, post.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestStore_ChapterAndMediaAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	account, chapter := seedChapter(t, store)

	owner, err := store.ChapterAccount(ctx, chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, owner)

	_, err = store.ChapterAccount(ctx, uuid.New())
	assert.Equal(t, simplemedia.KindNotFound, simplemedia.KindOf(err))
	assert.ErrorIs(t, err, simplemedia.ErrOwnerNotFound)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	page := &simplemedia.Page{ID: uuid.New(), ChapterID: chapter.ID, Number: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, tx.CreatePage(ctx, page))
	post := &simplemedia.Post{ID: uuid.New(), AccountID: account.ID, Title: "Hello", CreatedAt: time.Now().UTC()}
	require.NoError(t, tx.CreatePost(ctx, post))
	pageMedia := newMedia(simplemedia.OwnerPage, page.ID)
	postMedia := newMedia(simplemedia.OwnerPost, post.ID)
	avatar := newMedia(simplemedia.OwnerAccount, account.ID)
	for _, m := range []*simplemedia.Media{pageMedia, postMedia, avatar} {
		require.NoError(t, tx.CreateMedia(ctx, m))
	}
	require.NoError(t, tx.Commit(ctx))

	for _, m := range []*simplemedia.Media{pageMedia, postMedia, avatar} {
		owner, err := store.MediaAccount(ctx, m.ID)
		require.NoError(t, err, m.OwnerType)
		assert.Equal(t, account.ID, owner, m.OwnerType)
	}

	_, err = store.MediaAccount(ctx, uuid.New())
	assert.ErrorIs(t, err, simplemedia.ErrMediaNotFound)
}
