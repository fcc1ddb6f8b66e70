package service

import (
	"context"
	"fmt"
	"log/slog"

	"satchel/internal/server/database"
	"satchel/internal/server/lifecycle"
	"satchel/internal/server/metadata"
)

const topUploadsLimit = 10

// Stats summarizes stored uploads and, when an event log is configured,
// served downloads.
type Stats struct {
	Uploads     int                  `json:"uploads"`
	Galleries   int                  `json:"galleries"`
	Files       int                  `json:"files"`
	StoredBytes int64                `json:"storedBytes"`
	Downloads   int                  `json:"downloads"`
	Events      *database.Stats      `json:"events,omitempty"`
	Top         []database.SlugStats `json:"top,omitempty"`
}

// DeleteUpload removes an upload with all its files, its cached archive
// and its download log.
func (s *UploadService) DeleteUpload(ctx context.Context, slug string) error {
	meta, err := load(ctx, s.metas, slug)
	if err != nil {
		return err
	}

	if err := lifecycle.Purge(ctx, s.blobs, s.metas, slug); err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}

	lifecycle.PurgeEvents(ctx, s.events, slug)

	slog.Info("upload deleted", "slug", slug, "files", len(meta.Files))
	return nil
}

// DeleteFile removes one file from an upload. The metadata is updated
// first so no download picks the file up once its object is gone.
func (s *UploadService) DeleteFile(ctx context.Context, slug, key string) error {
	if key == "" {
		return ErrMissingParameter
	}
	if !metadata.ValidSlug(slug) {
		return ErrInvalidSlug
	}

	_, err := s.metas.Update(ctx, slug, func(m *metadata.UploadMetadata) error {
		if !m.RemoveFile(key) {
			return ErrFileNotFound
		}
		return nil
	})
	if err != nil {
		return mapMetadataError(err)
	}

	if err := s.blobs.Delete(ctx, key); err != nil {
		slog.Error("failed to delete file object", "slug", slug, "key", key, "error", err)
	}
	if err := s.builder.Invalidate(ctx, slug); err != nil {
		slog.Error("failed to invalidate cached archive", "slug", slug, "error", err)
	}

	slog.Info("file deleted", "slug", slug, "key", key)
	return nil
}

// GetStats returns aggregate server statistics.
func (s *UploadService) GetStats(ctx context.Context) (*Stats, error) {
	metas, err := s.metas.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, m := range metas {
		stats.Uploads++
		if m.Gallery {
			stats.Galleries++
		}
		stats.Files += len(m.Files)
		stats.Downloads += m.Downloads
		for _, f := range m.Files {
			stats.StoredBytes += f.Size
		}
	}

	if s.events == nil {
		return stats, nil
	}

	events, err := s.events.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	stats.Events = events

	top, err := s.events.TopUploads(ctx, topUploadsLimit)
	if err != nil {
		return nil, err
	}
	stats.Top = top
	return stats, nil
}
