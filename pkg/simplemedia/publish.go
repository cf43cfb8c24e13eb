package simplemedia

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia/staging"
)

// pubState tracks how far a publication got, and so what undoing it takes.
//
//	staged -> metadataWritten -> objectWritten -> committed
//	   \            \                  \
//	    rolledBack   rolledBack         compensated | orphaned
type pubState int

const (
	stateStaged pubState = iota
	stateMetadataWritten
	stateObjectWritten
	stateCommitted
	stateRolledBack
	stateCompensated
	stateOrphaned
)

func (s pubState) String() string {
	switch s {
	case stateStaged:
		return "staged"
	case stateMetadataWritten:
		return "metadata_written"
	case stateObjectWritten:
		return "object_written"
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled_back"
	case stateCompensated:
		return "compensated"
	case stateOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// cleanupTimeout bounds rollback and compensating deletes, which run on a
// context detached from the request.
const cleanupTimeout = 30 * time.Second

// publication drives one staged upload through the relational transaction
// and the object PUT. The transaction stays open across the PUT: rows are
// written first because they can be rolled back, and the PUT gates the commit.
type publication struct {
	store      Store
	objects    ObjectStore
	logger     *slog.Logger
	putTimeout time.Duration

	entity  Entity
	payload *staging.Payload
	media   *Media

	tx    Tx
	state pubState
}

func (pub *publication) run(ctx context.Context) (*Media, error) {
	for {
		var err error
		switch pub.state {
		case stateStaged:
			err = pub.writeMetadata(ctx)
		case stateMetadataWritten:
			err = pub.writeObject(ctx)
		case stateObjectWritten:
			err = pub.commit(ctx)
		case stateCommitted:
			return pub.media, nil
		default:
			return nil, Internal("publish", errors.New("publication already failed"))
		}
		if err != nil {
			return nil, pub.fail(ctx, err)
		}
	}
}

func (pub *publication) writeMetadata(ctx context.Context) error {
	tx, err := pub.store.Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	pub.tx = tx

	ownerID, err := pub.entity.Persist(ctx, tx, pub.media)
	if err != nil {
		return classify("write owner", err)
	}
	pub.media.OwnerID = ownerID

	if err := tx.CreateMedia(ctx, pub.media); err != nil {
		return classify("write media", err)
	}

	pub.state = stateMetadataWritten
	return nil
}

func (pub *publication) writeObject(ctx context.Context) error {
	if err := pub.payload.Rewind(); err != nil {
		return Internal("put object", err)
	}

	putCtx, cancel := context.WithTimeout(ctx, pub.putTimeout)
	defer cancel()

	err := pub.objects.Put(putCtx, pub.media.StorageKey, pub.payload, pub.payload.Size, pub.media.ContentType)
	if err != nil {
		var se *StorageError
		if !errors.As(err, &se) {
			err = &StorageError{Backend: "unknown", Key: pub.media.StorageKey, Op: "put", Err: err}
		}
		return err
	}

	pub.state = stateObjectWritten
	return nil
}

func (pub *publication) commit(ctx context.Context) error {
	if err := pub.tx.Commit(ctx); err != nil {
		return Internal("commit", err)
	}
	pub.state = stateCommitted
	pub.logger.InfoContext(ctx, "media published",
		"media_id", pub.media.ID,
		"owner_type", pub.media.OwnerType,
		"owner_id", pub.media.OwnerID,
		"storage_key", pub.media.StorageKey,
		"size_bytes", pub.media.SizeBytes)
	return nil
}

// fail undoes whatever the current state requires and returns cause. Cleanup
// runs on a detached context so a cancelled request still releases its
// transaction.
func (pub *publication) fail(ctx context.Context, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	from := pub.state
	switch from {
	case stateStaged, stateMetadataWritten:
		pub.rollback(cleanupCtx)
		pub.state = stateRolledBack

	case stateObjectWritten:
		// The object is stored but its rows never committed.
		pub.rollback(cleanupCtx)
		if err := pub.objects.Delete(cleanupCtx, pub.media.StorageKey); err != nil {
			pub.state = stateOrphaned
			pub.logger.ErrorContext(ctx, "orphaned object after failed commit",
				"storage_key", pub.media.StorageKey, "error", err)
		} else {
			pub.state = stateCompensated
		}
	}

	pub.logger.WarnContext(ctx, "media publish failed",
		"media_id", pub.media.ID,
		"from_state", from.String(),
		"to_state", pub.state.String(),
		"kind", KindOf(cause),
		"error", cause)
	return cause
}

func (pub *publication) rollback(ctx context.Context) {
	if pub.tx == nil {
		return
	}
	if err := pub.tx.Rollback(ctx); err != nil {
		pub.logger.ErrorContext(ctx, "rollback failed", "media_id", pub.media.ID, "error", err)
	}
}
