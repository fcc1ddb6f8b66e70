package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"satchel/internal/server/archive"
	"satchel/internal/server/metadata"
	"satchel/internal/server/ratelimit"
	"satchel/internal/server/storage"
)

// DownloadRequest is one download as received from a client.
type DownloadRequest struct {
	Slug      string
	Selection archive.Selection
	Password  string
	ClientIP  string
	UserAgent string
}

// Download is an authorized, planned download ready to be served.
type Download struct {
	Request DownloadRequest
	Meta    *metadata.UploadMetadata
	Plan    *archive.Plan
}

// Bytes is the total size of the files the download covers.
func (d *Download) Bytes() int64 {
	var n int64
	for _, f := range d.Plan.Files {
		n += f.Size
	}
	return n
}

// DownloadService authorizes download requests and produces their bodies.
type DownloadService struct {
	metas     *metadata.Store
	builder   *archive.Builder
	limiter   ratelimit.Limiter
	recorder  *Recorder
	retention time.Duration
	now       func() time.Time
}

// NewDownloadService creates a download service. A nil limiter disables
// rate limiting.
func NewDownloadService(metas *metadata.Store, builder *archive.Builder, limiter ratelimit.Limiter, recorder *Recorder, retention time.Duration) *DownloadService {
	return &DownloadService{
		metas:     metas,
		builder:   builder,
		limiter:   limiter,
		recorder:  recorder,
		retention: retention,
		now:       time.Now,
	}
}

// Prepare runs every check a download must pass, in order: slug, upload
// existence, expiry, password, rate limit, file selection. Nothing has
// been written to the client when it returns an error.
func (s *DownloadService) Prepare(ctx context.Context, req DownloadRequest) (*Download, error) {
	meta, err := loadActive(ctx, s.metas, req.Slug, s.now(), s.retention)
	if err != nil {
		return nil, err
	}
	if err := checkPassword(meta, req.Password); err != nil {
		return nil, err
	}

	if s.limiter != nil {
		decision, err := s.limiter.Check(ctx, req.ClientIP)
		if err != nil {
			slog.Error("rate limit check failed, allowing download", "slug", req.Slug, "error", err)
		} else if !decision.Allowed {
			slog.Warn("download rate limited",
				"slug", req.Slug,
				"ip", req.ClientIP,
				"count", decision.Count,
				"limit", decision.Limit,
			)
			return nil, &RateLimitError{RetryAfter: decision.RetryAfterSeconds()}
		}
	}

	plan, err := s.builder.Plan(ctx, meta, req.Selection)
	if err != nil {
		switch {
		case errors.Is(err, archive.ErrMissingParameter):
			return nil, ErrMissingParameter
		case errors.Is(err, archive.ErrNoMatchingFiles):
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	return &Download{Request: req, Meta: meta, Plan: plan}, nil
}

// Open returns the stored object behind an object plan.
func (s *DownloadService) Open(ctx context.Context, d *Download) (io.ReadCloser, *storage.ObjectInfo, error) {
	return s.builder.Open(ctx, d.Plan)
}

// Write streams the archive of an archive plan into w.
func (s *DownloadService) Write(ctx context.Context, w io.Writer, d *Download) error {
	return s.builder.Write(ctx, w, d.Plan)
}

// Committed records analytics for a download whose response has started.
// It returns immediately.
func (s *DownloadService) Committed(d *Download) {
	if s.recorder != nil {
		s.recorder.Record(d)
	}
}
