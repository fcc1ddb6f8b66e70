package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"satchel/internal/server/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *storage.FileSystemStore) {
	t.Helper()
	blobs := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, blobs.EnsureDir())
	s := NewStore(blobs)
	s.now = func() time.Time { return testNow }
	return s, blobs
}

func sampleMetadata(slug string) *UploadMetadata {
	taken := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	expires := testNow.Add(30 * 24 * time.Hour)
	return &UploadMetadata{
		Slug:      slug,
		Title:     "Wedding",
		CreatedAt: testNow,
		ExpiresAt: &expires,
		Files: []FileEntry{
			{Key: UploadPrefix(slug) + "a.jpg", Name: "a.jpg", Size: 10, Type: "image/jpeg", TakenAt: &taken},
			{Key: UploadPrefix(slug) + "raw/b.cr2", Name: "raw/b.cr2", Size: 20, Type: "image/x-canon-cr2"},
		},
		Downloads: 1,
		DownloadHistory: []DownloadEvent{
			{Timestamp: testNow, Type: DownloadAll, IP: "10.0.0.1", UserAgent: "curl"},
		},
		PreviewImageKey: UploadPrefix(slug) + "a.jpg",
		Ratings:         map[string]bool{UploadPrefix(slug) + "a.jpg": true},
		RatingsEnabled:  true,
	}
}

func TestStore_SaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	meta := sampleMetadata("roundtrip")
	require.NoError(t, s.Save(ctx, meta))

	got, err := s.Get(ctx, "roundtrip")
	require.NoError(t, err)
	assert.Equal(t, meta, got)
	assert.Equal(t, testNow, got.UpdatedAt)
}

func TestStore_Get(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Get(ctx, "missing-slug")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, slug := range []string{"", "a", "../etc", "has space", "slash/slug"} {
		_, err := s.Get(ctx, slug)
		assert.ErrorIs(t, err, ErrInvalidSlug, "slug %q", slug)
	}
}

func TestStore_SaveRejectsForeignKeys(t *testing.T) {
	s, _ := newTestStore(t)

	meta := sampleMetadata("owner")
	meta.Files = append(meta.Files, FileEntry{Key: "uploads/other/c.jpg", Name: "c.jpg"})

	err := s.Save(context.Background(), meta)
	var keyErr *InvalidFileKeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "uploads/other/c.jpg", keyErr.Key)
}

func TestStore_Create(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Create(ctx, sampleMetadata("fresh")))
	assert.ErrorIs(t, s.Create(ctx, sampleMetadata("fresh")), ErrExists)
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("applies the mutation", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Save(ctx, sampleMetadata("upd")))

		updated, err := s.Update(ctx, "upd", func(m *UploadMetadata) error {
			m.RecordDownload(DownloadEvent{Timestamp: testNow, Type: DownloadSingle})
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Downloads)

		got, err := s.Get(ctx, "upd")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Downloads)
		assert.Len(t, got.DownloadHistory, 2)
	})

	t.Run("retries after a concurrent write", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Save(ctx, sampleMetadata("race")))

		calls := 0
		updated, err := s.Update(ctx, "race", func(m *UploadMetadata) error {
			calls++
			if calls == 1 {
				other := sampleMetadata("race")
				other.Title = "renamed elsewhere"
				require.NoError(t, s.Save(ctx, other))
			}
			m.Downloads++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, "renamed elsewhere", updated.Title, "retry must see the concurrent write")
	})

	t.Run("gives up after repeated conflicts", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Save(ctx, sampleMetadata("hot")))

		calls := 0
		_, err := s.Update(ctx, "hot", func(m *UploadMetadata) error {
			calls++
			other := sampleMetadata("hot")
			other.Downloads = 100 + calls
			require.NoError(t, s.Save(ctx, other))
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, maxUpdateAttempts, calls)
	})

	t.Run("mutation error aborts", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.NoError(t, s.Save(ctx, sampleMetadata("abort")))

		boom := errors.New("boom")
		_, err := s.Update(ctx, "abort", func(m *UploadMetadata) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("missing document", func(t *testing.T) {
		s, _ := newTestStore(t)

		_, err := s.Update(ctx, "nobody", func(m *UploadMetadata) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent increments are never lost", func(t *testing.T) {
		s, _ := newTestStore(t)
		meta := sampleMetadata("counter")
		meta.Downloads = 0
		meta.DownloadHistory = nil
		require.NoError(t, s.Save(ctx, meta))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "counter", func(m *UploadMetadata) error {
					m.Downloads++
					return nil
				})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, succeeded, got.Downloads)
		assert.Positive(t, succeeded)
	})
}

func TestStore_ListAndOrphans(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t)

	for _, slug := range []string{"bravo", "alpha"} {
		require.NoError(t, s.Save(ctx, sampleMetadata(slug)))
		_, err := blobs.Put(ctx, UploadPrefix(slug)+"a.jpg", []byte("x"), storage.PutOptions{})
		require.NoError(t, err)
	}
	_, err := blobs.Put(ctx, UploadPrefix("ghost")+"a.jpg", []byte("x"), storage.PutOptions{})
	require.NoError(t, err)
	_, err = blobs.Put(ctx, "metadata/notes.txt", []byte("x"), storage.PutOptions{})
	require.NoError(t, err)

	slugs, err := s.ListSlugs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo"}, slugs)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Slug)
	assert.Equal(t, "bravo", all[1].Slug)

	orphans, err := s.ListOrphanedUploadFolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, orphans)

	require.NoError(t, s.Delete(ctx, "alpha"))
	orphans, err = s.ListOrphanedUploadFolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "ghost"}, orphans)
}

func TestUploadMetadata_Expiry(t *testing.T) {
	retention := 7 * 24 * time.Hour
	past := testNow.Add(-24 * time.Hour)

	tests := []struct {
		name    string
		meta    UploadMetadata
		expired bool
	}{
		{"explicit expiry in the past", UploadMetadata{ExpiresAt: &past}, true},
		{"gallery never expires", UploadMetadata{ExpiresAt: &past, Gallery: true}, false},
		{"falls back to createdAt", UploadMetadata{CreatedAt: testNow.Add(-8 * 24 * time.Hour)}, true},
		{"within retention", UploadMetadata{CreatedAt: testNow.Add(-time.Hour)}, false},
		{"no timestamps", UploadMetadata{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, tt.meta.IsExpired(testNow, retention))
		})
	}
}

func TestUploadMetadata_RemoveFile(t *testing.T) {
	meta := sampleMetadata("rm")
	key := UploadPrefix("rm") + "a.jpg"
	meta.BackgroundImageKey = key

	assert.True(t, meta.RemoveFile(key))
	assert.Len(t, meta.Files, 1)
	assert.Empty(t, meta.PreviewImageKey)
	assert.Empty(t, meta.BackgroundImageKey)
	assert.NotContains(t, meta.Ratings, key)

	assert.False(t, meta.RemoveFile(key))
}

func TestUploadMetadata_ToggleRating(t *testing.T) {
	var meta UploadMetadata

	assert.True(t, meta.ToggleRating("k"))
	assert.True(t, meta.Ratings["k"])
	assert.False(t, meta.ToggleRating("k"))
	assert.NotContains(t, meta.Ratings, "k")
}
