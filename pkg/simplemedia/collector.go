package simplemedia

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tendant/simple-media/pkg/simplemedia/staging"
)

// DefaultMaxFieldBytes caps a single text part.
const DefaultMaxFieldBytes = 64 << 10

// Collected is the outcome of collecting one upload: a validated owner and
// the staged binary part. Close releases the staged file.
type Collected struct {
	Entity  Entity
	Payload *staging.Payload
}

func (c *Collected) Close() error {
	if c == nil || c.Payload == nil {
		return nil
	}
	return c.Payload.Close()
}

// Collector splits a multipart stream into scalar fields and one staged payload.
type Collector struct {
	Stager        *staging.Stager
	MaxFieldBytes int64
	Logger        *slog.Logger
}

// Collect consumes parts in arrival order. The declared content type of the
// binary part is checked before any of its bytes are staged. On failure the
// staged file, if any, is already released.
func (c *Collector) Collect(ctx context.Context, parts PartReader, target Target) (_ *Collected, err error) {
	const op = "collect"

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stager := c.Stager
	if stager == nil {
		stager = &staging.Stager{}
	}
	maxField := c.MaxFieldBytes
	if maxField <= 0 {
		maxField = DefaultMaxFieldBytes
	}

	builder := target.NewBuilder()
	var payload *staging.Payload
	defer func() {
		if err != nil && payload != nil {
			payload.Close()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, Internal(op, err)
		}

		part, err := parts.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if tooLarge(err) {
				return nil, PayloadTooLarge(op, err)
			}
			return nil, &Error{Kind: KindBadRequest, Op: op, Message: "malformed multipart body", Err: err}
		}

		name := part.FormName()
		switch {
		case name == target.fileField():
			if payload != nil {
				part.Close()
				return nil, BadRequestf(op, "more than one %q part", name)
			}
			contentType, ok := target.accept(part.Header.Get("Content-Type"))
			if !ok {
				part.Close()
				return nil, BadRequestf(op, "content type %q is not allowed", part.Header.Get("Content-Type"))
			}
			payload, err = stager.Stage(ctx, part, staging.PartInfo{
				FileName:    part.FileName(),
				ContentType: contentType,
			})
			part.Close()
			if err != nil {
				return nil, stageError(op, err)
			}
			if payload.DetectedType != contentType {
				logger.DebugContext(ctx, "declared content type differs from detected",
					"target", target.Name, "declared", contentType, "detected", payload.DetectedType)
			}

		case name == "" || part.FileName() != "":
			logger.DebugContext(ctx, "ignoring unexpected file part", "target", target.Name, "field", name)
			part.Close()

		default:
			value, err := readField(part, maxField)
			part.Close()
			if err != nil {
				return nil, &Error{Kind: KindBadRequest, Op: op, Message: "field " + name + " is too long or unreadable", Err: err}
			}
			known, err := builder.Set(name, value)
			if err != nil {
				return nil, err
			}
			if !known {
				logger.DebugContext(ctx, "ignoring unknown field", "target", target.Name, "field", name)
			}
		}
	}

	if payload == nil {
		return nil, BadRequestf(op, "missing %q part", target.fileField())
	}

	entity, err := builder.Build()
	if err != nil {
		return nil, err
	}

	return &Collected{Entity: entity, Payload: payload}, nil
}

var errFieldTooLong = errors.New("field too long")

func readField(r io.Reader, limit int64) (string, error) {
	var sb strings.Builder
	n, err := io.Copy(&sb, io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}
	if n > limit {
		return "", errFieldTooLong
	}
	return sb.String(), nil
}

// tooLarge reports whether the request body limit was hit.
func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func stageError(op string, err error) error {
	switch {
	case errors.Is(err, staging.ErrPayloadTooLarge), tooLarge(err):
		return PayloadTooLarge(op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Internal(op, err)
	default:
		return &Error{Kind: KindInternal, Op: op, Message: "staging failed", Err: err}
	}
}
