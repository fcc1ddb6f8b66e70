package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"satchel/internal/server/storage"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound    = errors.New("metadata not found")
	ErrExists      = errors.New("slug already exists")
	ErrConflict    = errors.New("metadata changed concurrently")
	ErrInvalidSlug = errors.New("invalid slug")
)

const (
	maxUpdateAttempts = 5
	listConcurrency   = 8
)

// Store reads and writes metadata documents in the blob store.
type Store struct {
	blobs storage.Store
	now   func() time.Time
}

// NewStore creates a metadata store on top of blobs.
func NewStore(blobs storage.Store) *Store {
	return &Store{blobs: blobs, now: time.Now}
}

// Get loads the document of slug.
func (s *Store) Get(ctx context.Context, slug string) (*UploadMetadata, error) {
	meta, _, err := s.get(ctx, slug)
	return meta, err
}

func (s *Store) get(ctx context.Context, slug string) (*UploadMetadata, string, error) {
	if !ValidSlug(slug) {
		return nil, "", ErrInvalidSlug
	}

	body, info, err := s.blobs.GetStream(ctx, MetadataKey(slug))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to read metadata for %s: %w", slug, err)
	}
	defer body.Close()

	var meta UploadMetadata
	if err := json.NewDecoder(body).Decode(&meta); err != nil {
		return nil, "", fmt.Errorf("failed to decode metadata for %s: %w", slug, err)
	}
	return &meta, info.ETag, nil
}

// Save writes meta unconditionally. The last writer wins; use Update when
// other writers may touch the same document.
func (s *Store) Save(ctx context.Context, meta *UploadMetadata) error {
	_, err := s.put(ctx, meta, storage.PutOptions{})
	return err
}

// Create writes a new document and fails with ErrExists if the slug is taken.
func (s *Store) Create(ctx context.Context, meta *UploadMetadata) error {
	_, err := s.put(ctx, meta, storage.PutOptions{IfNoneMatch: true})
	if errors.Is(err, storage.ErrPreconditionFailed) {
		return ErrExists
	}
	return err
}

func (s *Store) put(ctx context.Context, meta *UploadMetadata, opts storage.PutOptions) (string, error) {
	if !ValidSlug(meta.Slug) {
		return "", ErrInvalidSlug
	}
	if err := meta.validateKeys(); err != nil {
		return "", err
	}

	meta.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata for %s: %w", meta.Slug, err)
	}

	opts.ContentType = "application/json"
	etag, err := s.blobs.Put(ctx, MetadataKey(meta.Slug), data, opts)
	if err != nil {
		return "", fmt.Errorf("failed to write metadata for %s: %w", meta.Slug, err)
	}
	return etag, nil
}

// Update applies fn to the current document and writes it back only if
// nobody else wrote in between. On a lost race the document is re-read and
// fn applied again, up to a fixed number of attempts. An error from fn
// aborts the update and is returned as is.
func (s *Store) Update(ctx context.Context, slug string, fn func(*UploadMetadata) error) (*UploadMetadata, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		meta, etag, err := s.get(ctx, slug)
		if err != nil {
			return nil, err
		}
		if err := fn(meta); err != nil {
			return nil, err
		}
		meta.Slug = slug

		_, err = s.put(ctx, meta, storage.PutOptions{IfMatch: etag})
		if err == nil {
			return meta, nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, err
		}

		slog.Debug("metadata update conflict, retrying", "slug", slug, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update %s: %w", slug, ErrConflict)
}

// Delete removes the document of slug. A missing document is not an error.
func (s *Store) Delete(ctx context.Context, slug string) error {
	if !ValidSlug(slug) {
		return ErrInvalidSlug
	}
	if err := s.blobs.Delete(ctx, MetadataKey(slug)); err != nil {
		return fmt.Errorf("failed to delete metadata for %s: %w", slug, err)
	}
	return nil
}

// ListSlugs returns the slugs of every stored document, sorted.
func (s *Store) ListSlugs(ctx context.Context) ([]string, error) {
	objects, err := s.blobs.List(ctx, metadataPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}

	slugs := make([]string, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, metadataPrefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		slugs = append(slugs, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(slugs)
	return slugs, nil
}

// ListAll loads every document. Documents that vanish or fail to decode
// while listing are logged and skipped.
func (s *Store) ListAll(ctx context.Context) ([]*UploadMetadata, error) {
	slugs, err := s.ListSlugs(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		metas = make([]*UploadMetadata, 0, len(slugs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for _, slug := range slugs {
		g.Go(func() error {
			meta, err := s.Get(gctx, slug)
			if err != nil {
				if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidSlug) {
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("skipping unreadable metadata", "slug", slug, "error", err)
				return nil
			}
			mu.Lock()
			metas = append(metas, meta)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].Slug < metas[j].Slug })
	return metas, nil
}

// ListOrphanedUploadFolders returns upload folders that have no metadata
// document, typically left behind by an upload that died before its
// metadata was saved.
func (s *Store) ListOrphanedUploadFolders(ctx context.Context) ([]string, error) {
	folders, err := s.blobs.ListFolders(ctx, uploadsPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload folders: %w", err)
	}
	slugs, err := s.ListSlugs(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		known[slug] = true
	}

	var orphans []string
	for _, folder := range folders {
		if !known[folder] {
			orphans = append(orphans, folder)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}
