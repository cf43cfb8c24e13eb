package simplemedia_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/sqlite"
	"github.com/tendant/simple-media/pkg/simplemedia/staging"
	"github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
)

// countingStore counts transactions opened against the wrapped store.
type countingStore struct {
	simplemedia.Store
	begins atomic.Int32
}

func (s *countingStore) Begin(ctx context.Context) (simplemedia.Tx, error) {
	s.begins.Add(1)
	return s.Store.Begin(ctx)
}

// faultyObjects wraps the memory backend with injectable PUT failures.
// When release is set the first Put closes held and blocks until release
// is closed or its context ends.
type faultyObjects struct {
	*memory.Backend
	putErr  error
	puts    atomic.Int32
	held    chan struct{}
	release chan struct{}
}

func (o *faultyObjects) holdFirstPut() {
	o.held = make(chan struct{})
	o.release = make(chan struct{})
}

func (o *faultyObjects) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if o.puts.Add(1) == 1 && o.release != nil {
		close(o.held)
		select {
		case <-o.release:
		case <-ctx.Done():
			return &simplemedia.StorageError{Backend: "faulty", Key: key, Op: "put", Err: ctx.Err()}
		}
	}
	if o.putErr != nil {
		return &simplemedia.StorageError{Backend: "faulty", Key: key, Op: "put", Err: o.putErr}
	}
	return o.Backend.Put(ctx, key, r, size, contentType)
}

type fixture struct {
	pipeline *simplemedia.Pipeline
	db       *sqlite.Store
	store    *countingStore
	objects  *faultyObjects
	stageDir string
	account  *simplemedia.Account
	chapter  *simplemedia.Chapter
}

func newFixture(t *testing.T, options ...simplemedia.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "media.db") + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sqlite.Open(ctx, dsn, sqlite.WithBusyTimeout(30*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	now := time.Now().UTC()
	account := &simplemedia.Account{ID: uuid.New(), Username: "artist", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.CreateAccount(ctx, account))
	comic := &simplemedia.Comic{ID: uuid.New(), AccountID: account.ID, Title: "Comic", CreatedAt: now}
	require.NoError(t, db.CreateComic(ctx, comic))
	chapter := &simplemedia.Chapter{ID: uuid.New(), ComicID: comic.ID, Number: 1, Title: "One", CreatedAt: now}
	require.NoError(t, db.CreateChapter(ctx, chapter))

	f := &fixture{
		db:       db,
		store:    &countingStore{Store: db},
		objects:  &faultyObjects{Backend: memory.New()},
		stageDir: t.TempDir(),
		account:  account,
		chapter:  chapter,
	}

	opts := append([]simplemedia.Option{
		simplemedia.WithStore(f.store),
		simplemedia.WithObjectStore(f.objects),
		simplemedia.WithStager(&staging.Stager{Dir: f.stageDir}),
		simplemedia.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, options...)
	f.pipeline, err = simplemedia.New(opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) publishPage(t *testing.T, number string, file simplemedia.FormFile) (*simplemedia.Media, error) {
	t.Helper()
	parts := simplemedia.NewMultipartReader(t, [][2]string{{"number", number}}, file)
	return f.pipeline.Publish(context.Background(), parts, simplemedia.ChapterPageTarget(f.chapter.ID))
}

// publishAsync starts a page upload and reports its result on the returned channel.
func (f *fixture) publishAsync(ctx context.Context, t *testing.T, number string, file simplemedia.FormFile) <-chan error {
	t.Helper()
	parts := simplemedia.NewMultipartReader(t, [][2]string{{"number", number}}, file)
	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Publish(ctx, parts, simplemedia.ChapterPageTarget(f.chapter.ID))
		done <- err
	}()
	return done
}

func assertStageEmpty(t *testing.T, f *fixture) {
	t.Helper()
	entries, err := filepath.Glob(filepath.Join(f.stageDir, "*"))
	require.NoError(t, err)
	assert.Empty(t, entries, "staged file is released")
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := simplemedia.New(simplemedia.WithObjectStore(memory.New()))
	assert.Error(t, err)

	_, err = simplemedia.New(simplemedia.WithStore(&countingStore{}))
	assert.Error(t, err)

	_, err = simplemedia.New(
		simplemedia.WithStore(&countingStore{}),
		simplemedia.WithObjectStore(memory.New()),
		simplemedia.WithPutTimeout(0))
	assert.Error(t, err)
}

func TestPipeline_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := simplemedia.PNGBytes(2048)

	media, err := f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "p1.png", ContentType: "image/png", Data: data})
	require.NoError(t, err)
	assert.Equal(t, simplemedia.OwnerPage, media.OwnerType)
	assert.Equal(t, "image/png", media.ContentType)
	assert.EqualValues(t, len(data), media.SizeBytes)
	assert.Equal(t, null.IntFrom(1), media.DisplayOrder)
	assert.Contains(t, media.StorageKey, "media/page/")

	got, err := f.pipeline.GetMedia(ctx, media.ID)
	require.NoError(t, err)
	assert.Equal(t, media.StorageKey, got.StorageKey)
	assert.Equal(t, media.OwnerID, got.OwnerID)
	assert.Equal(t, media.Checksum, got.Checksum)

	opened, rc, err := f.pipeline.OpenMedia(ctx, media.ID)
	require.NoError(t, err)
	assert.Equal(t, media.ID, opened.ID)
	assert.Equal(t, data, readAll(t, rc))

	info, err := f.objects.Stat(ctx, media.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, "image/png", info.ContentType)

	assertStageEmpty(t, f)
}

func TestPipeline_DisallowedTypeTouchesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "doc.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.7")})
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindBadRequest, simplemedia.KindOf(err))
	assert.Zero(t, f.store.begins.Load())
	assert.Zero(t, f.objects.puts.Load())
}

func TestPipeline_Oversize(t *testing.T) {
	f := newFixture(t, simplemedia.WithStager(&staging.Stager{MaxBytes: 1024}))

	_, err := f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "big.png", ContentType: "image/png", Data: simplemedia.PNGBytes(4096)})
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindPayloadTooLarge, simplemedia.KindOf(err))
	assert.Equal(t, 413, simplemedia.KindOf(err).HTTPStatus())
	assert.Zero(t, f.store.begins.Load())
	assert.Zero(t, f.objects.puts.Load())
}

func TestPipeline_PutFailureLeavesNoRows(t *testing.T) {
	f := newFixture(t)
	f.objects.putErr = errors.New("connection refused")
	ctx := context.Background()

	_, err := f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: simplemedia.PNGBytes(64)})
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindStorage, simplemedia.KindOf(err))
	assert.Equal(t, 502, simplemedia.KindOf(err).HTTPStatus())

	n, err := f.db.CountPages(ctx, f.chapter.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.objects.Len())
	assertStageEmpty(t, f)

	// The page number is free again once the store recovers.
	f.objects.putErr = nil
	_, err = f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: simplemedia.PNGBytes(64)})
	require.NoError(t, err)
}

func TestPipeline_DuplicatePageIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original := simplemedia.PNGBytes(128)

	first, err := f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "first.png", ContentType: "image/png", Data: original})
	require.NoError(t, err)
	putsBefore := f.objects.puts.Load()

	_, err = f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: []byte{1, 2, 3}})
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindConflict, simplemedia.KindOf(err))
	assert.Equal(t, 409, simplemedia.KindOf(err).HTTPStatus())

	assert.Equal(t, putsBefore, f.objects.puts.Load(), "no object is written")
	assert.Equal(t, 1, f.objects.Len())
	assertStageEmpty(t, f)

	_, rc, err := f.pipeline.OpenMedia(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, original, readAll(t, rc))

	n, err := f.db.CountPages(ctx, f.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPipeline_CancelDuringPut(t *testing.T) {
	f := newFixture(t)
	f.objects.holdFirstPut()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := f.publishAsync(ctx, t, "1", simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: simplemedia.PNGBytes(256)})
	<-f.objects.held
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("publish did not return after cancellation")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	n, err := f.db.CountPages(context.Background(), f.chapter.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.objects.Len())
	assertStageEmpty(t, f)
}

func TestPipeline_ConcurrentUploadsWaitForWriteLock(t *testing.T) {
	f := newFixture(t)
	f.objects.holdFirstPut()
	ctx := context.Background()

	first := f.publishAsync(ctx, t, "1", simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: simplemedia.PNGBytes(256)})
	<-f.objects.held

	// The first upload holds its transaction open across the PUT.
	second := f.publishAsync(ctx, t, "2", simplemedia.FormFile{Field: "image", FileName: "b.png", ContentType: "image/png", Data: simplemedia.PNGBytes(256)})
	time.Sleep(200 * time.Millisecond)
	close(f.objects.release)

	for _, ch := range []<-chan error{first, second} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(20 * time.Second):
			t.Fatal("upload did not finish")
		}
	}

	n, err := f.db.CountPages(ctx, f.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.objects.Len())
	assertStageEmpty(t, f)
}

func TestPipeline_AuthorizeOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.pipeline.AuthorizeChapter(ctx, f.account.ID, f.chapter.ID))
	err := f.pipeline.AuthorizeChapter(ctx, uuid.New(), f.chapter.ID)
	assert.Equal(t, simplemedia.KindNotFound, simplemedia.KindOf(err))

	media, err := f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: simplemedia.PNGBytes(64)})
	require.NoError(t, err)
	require.NoError(t, f.pipeline.AuthorizeMedia(ctx, f.account.ID, media.ID))
	err = f.pipeline.AuthorizeMedia(ctx, uuid.New(), media.ID)
	assert.Equal(t, simplemedia.KindNotFound, simplemedia.KindOf(err))
	assert.ErrorIs(t, err, simplemedia.ErrMediaNotFound)
}

func TestPipeline_OneMebibyteJPEG(t *testing.T) {
	f := newFixture(t)
	data := simplemedia.JPEGBytes(1 << 20)

	media, err := f.publishPage(t, "2", simplemedia.FormFile{Field: "image", FileName: "big.jpg", ContentType: "image/jpeg", Data: data})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", media.ContentType)
	assert.EqualValues(t, 1048576, media.SizeBytes)

	_, rc, err := f.pipeline.OpenMedia(context.Background(), media.ID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, readAll(t, rc)))
}

func TestPipeline_MissingOwner(t *testing.T) {
	f := newFixture(t)
	parts := simplemedia.NewMultipartReader(t, [][2]string{{"number", "1"}},
		simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: simplemedia.PNGBytes(16)})

	_, err := f.pipeline.Publish(context.Background(), parts, simplemedia.ChapterPageTarget(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindNotFound, simplemedia.KindOf(err))
	assert.Zero(t, f.objects.puts.Load())
}

func TestPipeline_Avatar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parts := simplemedia.NewMultipartReader(t, nil,
		simplemedia.FormFile{Field: "image", FileName: "me.png", ContentType: "image/png", Data: simplemedia.PNGBytes(32)})

	media, err := f.pipeline.Publish(ctx, parts, simplemedia.AvatarTarget(f.account.ID))
	require.NoError(t, err)
	assert.Equal(t, simplemedia.OwnerAccount, media.OwnerType)
	assert.Equal(t, f.account.ID, media.OwnerID)
	assert.False(t, media.DisplayOrder.Valid)

	account, err := f.db.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, null.StringFrom(media.StorageKey), account.AvatarKey)
}

func TestPipeline_PostImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parts := simplemedia.NewMultipartReader(t,
		[][2]string{{"title", " Launch day "}, {"description", "first post"}, {"display_order", "4"}},
		simplemedia.FormFile{Field: "image", FileName: "post.webp", ContentType: "image/webp", Data: []byte("RIFF0000WEBPVP8 ")})

	media, err := f.pipeline.Publish(ctx, parts, simplemedia.PostImageTarget(f.account.ID))
	require.NoError(t, err)
	assert.Equal(t, simplemedia.OwnerPost, media.OwnerType)
	assert.Equal(t, "image/webp", media.ContentType)
	assert.Equal(t, null.IntFrom(4), media.DisplayOrder)

	list, err := f.db.ListMedia(ctx, simplemedia.OwnerPost, media.OwnerID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, media.ID, list[0].ID)
}

func TestPipeline_AllowedTypesOption(t *testing.T) {
	f := newFixture(t, simplemedia.WithAllowedTypes([]string{"image/png"}))

	_, err := f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "a.gif", ContentType: "image/gif", Data: []byte("GIF89a")})
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindBadRequest, simplemedia.KindOf(err))
}

func TestPipeline_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	parts := simplemedia.NewMultipartReader(t, [][2]string{{"number", "1"}},
		simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: simplemedia.PNGBytes(16)})
	_, err := f.pipeline.Publish(ctx, parts, simplemedia.ChapterPageTarget(f.chapter.ID))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.store.begins.Load())
	assert.Zero(t, f.objects.Len())
}

func TestPipeline_DeleteMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	media, err := f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: simplemedia.PNGBytes(16)})
	require.NoError(t, err)

	require.NoError(t, f.pipeline.DeleteMedia(ctx, media.ID))
	assert.Zero(t, f.objects.Len())

	_, err = f.pipeline.GetMedia(ctx, media.ID)
	assert.Equal(t, simplemedia.KindNotFound, simplemedia.KindOf(err))

	err = f.pipeline.DeleteMedia(ctx, media.ID)
	assert.Equal(t, simplemedia.KindNotFound, simplemedia.KindOf(err))

	// Deleting an object that is already gone succeeds.
	require.NoError(t, f.objects.Delete(ctx, media.StorageKey))
	require.NoError(t, f.objects.Delete(ctx, media.StorageKey))
}

func TestPipeline_OpenMissingObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	media, err := f.publishPage(t, "1", simplemedia.FormFile{Field: "image", FileName: "a.png", ContentType: "image/png", Data: simplemedia.PNGBytes(16)})
	require.NoError(t, err)
	require.NoError(t, f.objects.Backend.Delete(ctx, media.StorageKey))

	_, _, err = f.pipeline.OpenMedia(ctx, media.ID)
	require.Error(t, err)
	assert.Equal(t, simplemedia.KindStorage, simplemedia.KindOf(err))
	assert.ErrorIs(t, err, simplemedia.ErrObjectNotFound)
}
