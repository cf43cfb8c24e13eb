// Package staging captures one upload part in a bounded temporary file so it
// can be measured, hashed and replayed to the object store.
package staging

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zeebo/blake3"
)

const (
	chunkSize = 32 * 1024
	sniffLen  = 512

	// DefaultMaxBytes is the upload ceiling used when none is configured.
	DefaultMaxBytes int64 = 10 << 20
)

// ErrPayloadTooLarge is returned once the staged byte count exceeds the ceiling.
var ErrPayloadTooLarge = errors.New("payload too large")

// Stager writes parts to temporary files under Dir.
type Stager struct {
	// Dir holds the temporary files. Empty means os.TempDir().
	Dir string
	// MaxBytes is the inclusive size ceiling. Zero means DefaultMaxBytes.
	MaxBytes int64
}

// PartInfo is what the request declared about the part.
type PartInfo struct {
	FileName    string
	ContentType string
}

// Payload is a finalized staged part. It owns its temporary file until Close.
type Payload struct {
	PartInfo
	Size         int64
	Checksum     string
	DetectedType string

	file      *os.File
	closeOnce sync.Once
	closeErr  error
}

// Stage copies r into a new temporary file chunk by chunk. Reading stops as
// soon as the running count passes the ceiling; the file is then removed and
// ErrPayloadTooLarge returned. The context is checked between chunks.
func (s *Stager) Stage(ctx context.Context, r io.Reader, info PartInfo) (_ *Payload, err error) {
	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}

	f, err := os.CreateTemp(s.Dir, "simplemedia-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	p := &Payload{PartInfo: info, file: f}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	hash := blake3.New()
	head := make([]byte, 0, sniffLen)
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			p.Size += int64(n)
			if p.Size > limit {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, limit)
			}
			chunk := buf[:n]
			if room := sniffLen - len(head); room > 0 {
				head = append(head, chunk[:min(room, n)]...)
			}
			if _, err := f.Write(chunk); err != nil {
				return nil, fmt.Errorf("write staging file: %w", err)
			}
			hash.Write(chunk)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("read part: %w", rerr)
		}
	}

	p.Checksum = hex.EncodeToString(hash.Sum(nil))
	p.DetectedType = mimetype.Detect(head).String()
	if err := p.Rewind(); err != nil {
		return nil, err
	}
	return p, nil
}

// Rewind positions the payload at its first byte.
func (p *Payload) Rewind() error {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind staging file: %w", err)
	}
	return nil
}

func (p *Payload) Read(b []byte) (int, error) {
	return p.file.Read(b)
}

func (p *Payload) Seek(offset int64, whence int) (int64, error) {
	return p.file.Seek(offset, whence)
}

func (p *Payload) ReadAt(b []byte, off int64) (int, error) {
	return p.file.ReadAt(b, off)
}

// Path returns the temporary file location.
func (p *Payload) Path() string {
	return p.file.Name()
}

// Close releases and unlinks the temporary file. It is safe to call more than once.
func (p *Payload) Close() error {
	p.closeOnce.Do(func() {
		name := p.file.Name()
		closeErr := p.file.Close()
		removeErr := os.Remove(name)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			p.closeErr = removeErr
			return
		}
		p.closeErr = closeErr
	})
	return p.closeErr
}
