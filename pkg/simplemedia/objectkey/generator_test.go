package objectkey

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestFlatGenerator(t *testing.T) {
	gen := NewFlatGenerator()
	mediaID := uuid.MustParse("987fcdeb-51a2-43d1-9f12-345678901234")

	tests := []struct {
		name     string
		metadata *KeyMetadata
		expected string
	}{
		{
			name:     "without metadata",
			metadata: nil,
			expected: "media/misc/987fcdeb-51a2-43d1-9f12-345678901234",
		},
		{
			name:     "with owner and filename",
			metadata: &KeyMetadata{OwnerType: "page", FileName: "a.png"},
			expected: "media/page/987fcdeb-51a2-43d1-9f12-345678901234_a.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, gen.GenerateKey(mediaID, tt.metadata))
		})
	}
}

func TestShardedGenerator(t *testing.T) {
	gen := NewShardedGenerator()
	mediaID := uuid.MustParse("987fcdeb-51a2-43d1-9f12-345678901234")

	tests := []struct {
		name     string
		metadata *KeyMetadata
		contains []string
	}{
		{
			name:     "page without filename",
			metadata: &KeyMetadata{OwnerType: "page"},
			contains: []string{"media/page/98/7fcdeb51a243d19f12345678901234"},
		},
		{
			name:     "post with filename",
			metadata: &KeyMetadata{OwnerType: "post", FileName: "cover photo.jpg"},
			contains: []string{"media/post/98/", "_cover_photo.jpg"},
		},
		{
			name:     "filename with directories",
			metadata: &KeyMetadata{OwnerType: "account", FileName: "../../etc/passwd"},
			contains: []string{"media/account/98/", "_passwd"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := gen.GenerateKey(mediaID, tt.metadata)
			for _, part := range tt.contains {
				assert.Contains(t, key, part)
			}
			assert.NotContains(t, key, "..")
			assert.True(t, strings.HasPrefix(key, Prefix))
		})
	}
}

func TestShardedGeneratorShardLength(t *testing.T) {
	gen := &ShardedGenerator{ShardLength: 3}
	key := gen.GenerateKey(uuid.MustParse("987fcdeb-51a2-43d1-9f12-345678901234"), &KeyMetadata{OwnerType: "page"})
	assert.Equal(t, "media/page/987/fcdeb51a243d19f12345678901234", key)
}

func TestGeneratedKeysAreUnique(t *testing.T) {
	gen := NewRecommendedGenerator()
	meta := &KeyMetadata{OwnerType: "page", FileName: "a.png"}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key := gen.GenerateKey(uuid.New(), meta)
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

func TestFuncGenerator(t *testing.T) {
	gen := FuncGenerator(func(mediaID uuid.UUID, metadata *KeyMetadata) string {
		return "custom/" + mediaID.String()
	})
	id := uuid.New()
	assert.Equal(t, "custom/"+id.String(), gen.GenerateKey(id, nil))
}
