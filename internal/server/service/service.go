package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"satchel/internal/server/database"
	"satchel/internal/server/metadata"

	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors for the service layer.
var (
	ErrInvalidSlug      = errors.New("invalid upload id")
	ErrNotFound         = errors.New("upload not found")
	ErrExpired          = errors.New("upload has expired")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrRateLimited      = errors.New("too many requests")
	ErrMissingParameter = errors.New("missing required parameter")
	ErrFileNotFound     = errors.New("file not found")
	ErrNoFiles          = errors.New("no files in upload")
	ErrFileTooLarge     = errors.New("upload exceeds maximum allowed size")
	ErrRatingsDisabled  = errors.New("ratings are disabled for this upload")
	ErrBusy             = errors.New("upload is being modified, try again")
)

// RateLimitError is returned when a client exceeded its quota.
type RateLimitError struct {
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests, retry after %ds", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// EventLog is the durable download log. *database.Repository implements it.
type EventLog interface {
	RecordDownload(ctx context.Context, ev *database.DownloadEvent) error
	GetStats(ctx context.Context) (*database.Stats, error)
	TopUploads(ctx context.Context, limit int) ([]database.SlugStats, error)
	DeleteEventsForSlug(ctx context.Context, slug string) (int64, error)
}

// loadActive fetches the metadata of slug and rejects expired uploads.
func loadActive(ctx context.Context, metas *metadata.Store, slug string, now time.Time, retention time.Duration) (*metadata.UploadMetadata, error) {
	meta, err := load(ctx, metas, slug)
	if err != nil {
		return nil, err
	}
	if meta.IsExpired(now, retention) {
		return nil, ErrExpired
	}
	return meta, nil
}

func load(ctx context.Context, metas *metadata.Store, slug string) (*metadata.UploadMetadata, error) {
	if !metadata.ValidSlug(slug) {
		return nil, ErrInvalidSlug
	}
	meta, err := metas.Get(ctx, slug)
	if err != nil {
		return nil, mapMetadataError(err)
	}
	return meta, nil
}

func mapMetadataError(err error) error {
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, metadata.ErrInvalidSlug):
		return ErrInvalidSlug
	case errors.Is(err, metadata.ErrConflict):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

// checkPassword verifies password against the upload's hash, if it has one.
func checkPassword(meta *metadata.UploadMetadata, password string) error {
	if meta.PasswordHash == "" {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(meta.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}
