package objectkey

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix is the root of every key the generators produce.
const Prefix = "media/"

// Generator defines the interface for storage key generation strategies
type Generator interface {
	// GenerateKey creates a fresh, unique key for one media object
	GenerateKey(mediaID uuid.UUID, metadata *KeyMetadata) string
}

// KeyMetadata contains information that influences key generation
type KeyMetadata struct {
	OwnerType string
	FileName  string
}

// FlatGenerator stores every object directly under its owner type.
// media/{owner}/{id}[_filename]
type FlatGenerator struct{}

func NewFlatGenerator() *FlatGenerator {
	return &FlatGenerator{}
}

func (g *FlatGenerator) GenerateKey(mediaID uuid.UUID, metadata *KeyMetadata) string {
	return Prefix + ownerDir(metadata) + "/" + leaf(mediaID.String(), metadata)
}

// ShardedGenerator provides Git-style sharded storage.
// media/{owner}/ab/cd1234ef5678[_filename]
type ShardedGenerator struct {
	// ShardLength controls how many characters to use for sharding (default: 2)
	ShardLength int
}

func NewShardedGenerator() *ShardedGenerator {
	return &ShardedGenerator{
		ShardLength: 2,
	}
}

func (g *ShardedGenerator) GenerateKey(mediaID uuid.UUID, metadata *KeyMetadata) string {
	id := strings.ReplaceAll(mediaID.String(), "-", "")

	shard := g.ShardLength
	if shard <= 0 || shard >= len(id) {
		shard = 2
	}

	return fmt.Sprintf("%s%s/%s/%s", Prefix, ownerDir(metadata), id[:shard], leaf(id[shard:], metadata))
}

// FuncGenerator allows callers to provide their own key generation function
type FuncGenerator func(mediaID uuid.UUID, metadata *KeyMetadata) string

func (f FuncGenerator) GenerateKey(mediaID uuid.UUID, metadata *KeyMetadata) string {
	return f(mediaID, metadata)
}

func ownerDir(metadata *KeyMetadata) string {
	if metadata == nil || metadata.OwnerType == "" {
		return "misc"
	}
	return sanitizePathComponent(metadata.OwnerType)
}

func leaf(id string, metadata *KeyMetadata) string {
	if metadata == nil || metadata.FileName == "" {
		return id
	}
	name := sanitizeFilename(metadata.FileName)
	if name == "" {
		return id
	}
	return id + "_" + name
}

var filenameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	" ", "_",
)

// sanitizeFilename drops any client-supplied directory and replaces characters
// that are unsafe in object keys or file paths.
func sanitizeFilename(filename string) string {
	if i := strings.LastIndexAny(filename, "/\\"); i >= 0 {
		filename = filename[i+1:]
	}
	filename = strings.TrimLeft(filename, ".")
	if len(filename) > 128 {
		filename = filename[len(filename)-128:]
	}
	return filenameReplacer.Replace(filename)
}

func sanitizePathComponent(component string) string {
	return strings.ToLower(filenameReplacer.Replace(component))
}

// NewRecommendedGenerator returns the recommended generator for new installations
func NewRecommendedGenerator() Generator {
	return NewShardedGenerator()
}
