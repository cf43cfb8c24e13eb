package simplemedia

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/staging"
)

// DefaultPutTimeout bounds a single object PUT.
const DefaultPutTimeout = 2 * time.Minute

// Pipeline publishes uploads and serves the committed results.
type Pipeline struct {
	store         Store
	objects       ObjectStore
	stager        *staging.Stager
	keys          objectkey.Generator
	logger        *slog.Logger
	putTimeout    time.Duration
	maxFieldBytes int64
	allowedTypes  []string
	now           func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithStore sets the relational store
func WithStore(store Store) Option {
	return func(p *Pipeline) {
		p.store = store
	}
}

// WithObjectStore sets the object store
func WithObjectStore(objects ObjectStore) Option {
	return func(p *Pipeline) {
		p.objects = objects
	}
}

// WithStager sets where and up to what size uploads are staged
func WithStager(stager *staging.Stager) Option {
	return func(p *Pipeline) {
		p.stager = stager
	}
}

// WithKeyGenerator sets the storage key strategy
func WithKeyGenerator(keys objectkey.Generator) Option {
	return func(p *Pipeline) {
		p.keys = keys
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithPutTimeout sets the deadline for one object PUT
func WithPutTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.putTimeout = d
	}
}

// WithMaxFieldBytes caps text fields
func WithMaxFieldBytes(n int64) Option {
	return func(p *Pipeline) {
		p.maxFieldBytes = n
	}
}

// WithAllowedTypes overrides the allow-list of every target
func WithAllowedTypes(types []string) Option {
	return func(p *Pipeline) {
		p.allowedTypes = types
	}
}

// WithClock sets the time source for created_at
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a Pipeline. A store and an object store are required.
func New(options ...Option) (*Pipeline, error) {
	p := &Pipeline{
		stager:        &staging.Stager{MaxBytes: staging.DefaultMaxBytes},
		keys:          objectkey.NewRecommendedGenerator(),
		logger:        slog.Default(),
		putTimeout:    DefaultPutTimeout,
		maxFieldBytes: DefaultMaxFieldBytes,
		now:           func() time.Time { return time.Now().UTC() },
	}

	for _, option := range options {
		option(p)
	}

	if p.store == nil {
		return nil, errors.New("store is required")
	}
	if p.objects == nil {
		return nil, errors.New("object store is required")
	}
	if p.putTimeout <= 0 {
		return nil, errors.New("put timeout must be positive")
	}

	return p, nil
}

// Collector returns the field collector configured for this pipeline.
func (p *Pipeline) Collector() *Collector {
	return &Collector{
		Stager:        p.stager,
		MaxFieldBytes: p.maxFieldBytes,
		Logger:        p.logger,
	}
}

// Publish collects the upload, writes owner and media rows, stores the object
// and commits. On any failure nothing is visible to readers.
func (p *Pipeline) Publish(ctx context.Context, parts PartReader, target Target) (*Media, error) {
	target = target.WithAllowedTypes(p.allowedTypes)

	collected, err := p.Collector().Collect(ctx, parts, target)
	if err != nil {
		p.logger.InfoContext(ctx, "upload rejected", "target", target.Name, "kind", KindOf(err), "error", err)
		return nil, err
	}
	defer collected.Close()

	return p.publish(ctx, collected)
}

func (p *Pipeline) publish(ctx context.Context, collected *Collected) (*Media, error) {
	payload := collected.Payload
	id := uuid.New()
	media := &Media{
		ID:        id,
		OwnerType: collected.Entity.OwnerType(),
		StorageKey: p.keys.GenerateKey(id, &objectkey.KeyMetadata{
			OwnerType: collected.Entity.OwnerType(),
			FileName:  payload.FileName,
		}),
		ContentType: payload.ContentType,
		SizeBytes:   payload.Size,
		Checksum:    payload.Checksum,
		FileName:    payload.FileName,
		CreatedAt:   p.now(),
	}

	pub := &publication{
		store:      p.store,
		objects:    p.objects,
		logger:     p.logger,
		putTimeout: p.putTimeout,
		entity:     collected.Entity,
		payload:    payload,
		media:      media,
	}
	return pub.run(ctx)
}

// GetMedia returns a committed media row.
func (p *Pipeline) GetMedia(ctx context.Context, id uuid.UUID) (*Media, error) {
	media, err := p.store.GetMedia(ctx, id)
	if err != nil {
		return nil, classify("get media", err)
	}
	return media, nil
}

// OpenMedia returns the media row and a stream of its object.
func (p *Pipeline) OpenMedia(ctx context.Context, id uuid.UUID) (*Media, io.ReadCloser, error) {
	media, err := p.GetMedia(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := p.objects.Get(ctx, media.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return media, rc, nil
}

// AuthorizeChapter fails with NotFound unless accountID owns the chapter.
// Chapters of other accounts are reported as missing.
func (p *Pipeline) AuthorizeChapter(ctx context.Context, accountID, chapterID uuid.UUID) error {
	owner, err := p.store.ChapterAccount(ctx, chapterID)
	if err != nil {
		return classify("authorize chapter", err)
	}
	if owner != accountID {
		return NotFound("authorize chapter", ErrOwnerNotFound)
	}
	return nil
}

// AuthorizeMedia fails with NotFound unless accountID owns the media row.
func (p *Pipeline) AuthorizeMedia(ctx context.Context, accountID, mediaID uuid.UUID) error {
	owner, err := p.store.MediaAccount(ctx, mediaID)
	if err != nil {
		return classify("authorize media", err)
	}
	if owner != accountID {
		return NotFound("authorize media", ErrMediaNotFound)
	}
	return nil
}

// DeleteMedia removes the row first and the object after the commit. A
// failed object delete leaves an unreferenced object for the Sweeper.
func (p *Pipeline) DeleteMedia(ctx context.Context, id uuid.UUID) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}

	media, err := tx.DeleteMedia(ctx, id)
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return classify("delete media", err)
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return Internal("commit", err)
	}

	if err := p.objects.Delete(ctx, media.StorageKey); err != nil {
		p.logger.WarnContext(ctx, "object delete failed, leaving it to the sweeper",
			"media_id", id, "storage_key", media.StorageKey, "error", err)
		return nil
	}

	p.logger.InfoContext(ctx, "media deleted", "media_id", id, "storage_key", media.StorageKey)
	return nil
}

// Sweeper returns a reconciliation sweeper over this pipeline's stores.
func (p *Pipeline) Sweeper(grace time.Duration) *Sweeper {
	return &Sweeper{
		Store:   p.store,
		Objects: p.objects,
		Prefix:  objectkey.Prefix,
		Grace:   grace,
		Logger:  p.logger,
		Now:     p.now,
	}
}
