// Package lifecycle removes uploads once they expire.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"satchel/internal/server/metadata"
	"satchel/internal/server/storage"

	"golang.org/x/time/rate"
)

// Protected marks uploads the sweeper must never touch.
type Protected func(*metadata.UploadMetadata) bool

// Gallery protects permanent gallery uploads.
func Gallery(m *metadata.UploadMetadata) bool { return m.Gallery }

// EventCleaner drops the download history kept for a slug outside the
// blob store.
type EventCleaner interface {
	DeleteEventsForSlug(ctx context.Context, slug string) (int64, error)
}

// Options configures a Sweeper.
type Options struct {
	Retention   time.Duration
	Interval    time.Duration
	OrphanGrace time.Duration // zero disables orphan cleanup
	DeleteRate  float64       // deletions per second, zero for no limit
	Protected   []Protected   // defaults to Gallery
	Events      EventCleaner  // optional
	Now         func() time.Time
}

// SlugError is a failure while sweeping one slug.
type SlugError struct {
	Slug string
	Err  error
}

func (e SlugError) Error() string { return e.Slug + ": " + e.Err.Error() }

// Report summarizes one sweep.
type Report struct {
	Scanned        int
	Backfilled     int
	Deleted        int
	OrphansDeleted int
	Errors         []SlugError
}

// Orphan is an upload folder with no metadata document.
type Orphan struct {
	Slug    string
	Objects int
	Bytes   int64
	Newest  time.Time
}

// Sweeper deletes expired uploads and abandoned upload folders.
type Sweeper struct {
	blobs   storage.Store
	metas   *metadata.Store
	opts    Options
	limiter *rate.Limiter
	done    chan struct{}
}

// NewSweeper creates a sweeper over the given stores.
func NewSweeper(blobs storage.Store, metas *metadata.Store, opts Options) *Sweeper {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Protected == nil {
		opts.Protected = []Protected{Gallery}
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}

	s := &Sweeper{
		blobs: blobs,
		metas: metas,
		opts:  opts,
		done:  make(chan struct{}),
	}
	if opts.DeleteRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.DeleteRate), 1)
	}
	return s
}

// Start runs a sweep immediately and then on every interval until ctx is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("sweeper started", "interval", s.opts.Interval, "retention", s.opts.Retention)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		s.Run(ctx)

		for {
			select {
			case <-ticker.C:
				s.Run(ctx)
			case <-ctx.Done():
				slog.Info("sweeper stopping")
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

// Run performs one sweep. Failures are isolated per slug and collected in
// the report.
func (s *Sweeper) Run(ctx context.Context) Report {
	var report Report
	start := s.opts.Now()
	slog.Info("running sweep")

	slugs, err := s.metas.ListSlugs(ctx)
	if err != nil {
		slog.Error("failed to list uploads", "error", err)
		report.Errors = append(report.Errors, SlugError{Err: err})
		return report
	}

	for _, slug := range slugs {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++

		backfilled, deleted, err := s.sweepOne(ctx, slug)
		if backfilled {
			report.Backfilled++
		}
		if deleted {
			report.Deleted++
		}
		if err != nil {
			slog.Error("failed to sweep upload", "slug", slug, "error", err)
			report.Errors = append(report.Errors, SlugError{Slug: slug, Err: err})
		}
	}

	if s.opts.OrphanGrace > 0 && ctx.Err() == nil {
		s.sweepOrphans(ctx, &report)
	}

	slog.Info("sweep complete",
		"scanned", report.Scanned,
		"backfilled", report.Backfilled,
		"deleted", report.Deleted,
		"orphans_deleted", report.OrphansDeleted,
		"failed", len(report.Errors),
		"duration_ms", s.opts.Now().Sub(start).Milliseconds(),
	)
	return report
}

func (s *Sweeper) sweepOne(ctx context.Context, slug string) (backfilled, deleted bool, err error) {
	meta, err := s.metas.Get(ctx, slug)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}

	for _, protected := range s.opts.Protected {
		if protected(meta) {
			return false, false, nil
		}
	}

	now := s.opts.Now()
	if meta.ExpiresAt == nil {
		base := meta.CreatedAt
		if base.IsZero() {
			base = now
		}
		expiry := base.Add(s.opts.Retention).UTC()

		meta, err = s.metas.Update(ctx, slug, func(m *metadata.UploadMetadata) error {
			if m.ExpiresAt == nil {
				m.ExpiresAt = &expiry
			}
			return nil
		})
		if err != nil {
			return false, false, fmt.Errorf("failed to backfill expiry: %w", err)
		}
		backfilled = true
		slog.Info("backfilled expiry", "slug", slug, "expires_at", expiry)
	}

	if !now.After(*meta.ExpiresAt) {
		return backfilled, false, nil
	}

	if err := s.wait(ctx); err != nil {
		return backfilled, false, err
	}
	if err := Purge(ctx, s.blobs, s.metas, slug); err != nil {
		return backfilled, false, err
	}
	PurgeEvents(ctx, s.opts.Events, slug)

	slog.Info("deleted expired upload", "slug", slug, "expired_at", *meta.ExpiresAt, "files", len(meta.Files))
	return backfilled, true, nil
}

// Orphans lists upload folders without metadata along with their size and
// the time of their newest object.
func (s *Sweeper) Orphans(ctx context.Context) ([]Orphan, error) {
	slugs, err := s.metas.ListOrphanedUploadFolders(ctx)
	if err != nil {
		return nil, err
	}

	orphans := make([]Orphan, 0, len(slugs))
	for _, slug := range slugs {
		objects, err := s.blobs.List(ctx, metadata.UploadPrefix(slug))
		if err != nil {
			return nil, fmt.Errorf("failed to list orphan %s: %w", slug, err)
		}
		o := Orphan{Slug: slug, Objects: len(objects)}
		for _, obj := range objects {
			o.Bytes += obj.Size
			if obj.LastModified.After(o.Newest) {
				o.Newest = obj.LastModified
			}
		}
		orphans = append(orphans, o)
	}
	return orphans, nil
}

// DeleteOrphan removes an orphaned upload folder. It refuses if a metadata
// document appeared for the slug in the meantime.
func (s *Sweeper) DeleteOrphan(ctx context.Context, slug string) error {
	if _, err := s.metas.Get(ctx, slug); err == nil {
		return fmt.Errorf("%s has metadata, not an orphan", slug)
	} else if !errors.Is(err, metadata.ErrNotFound) {
		return err
	}

	if err := s.wait(ctx); err != nil {
		return err
	}
	if _, err := s.blobs.DeleteByPrefix(ctx, metadata.UploadPrefix(slug)); err != nil {
		return fmt.Errorf("failed to delete orphan %s: %w", slug, err)
	}
	return nil
}

func (s *Sweeper) sweepOrphans(ctx context.Context, report *Report) {
	orphans, err := s.Orphans(ctx)
	if err != nil {
		slog.Error("failed to list orphaned uploads", "error", err)
		report.Errors = append(report.Errors, SlugError{Err: err})
		return
	}

	cutoff := s.opts.Now().Add(-s.opts.OrphanGrace)
	for _, o := range orphans {
		if o.Newest.After(cutoff) {
			continue
		}
		if err := s.DeleteOrphan(ctx, o.Slug); err != nil {
			slog.Error("failed to delete orphaned upload", "slug", o.Slug, "error", err)
			report.Errors = append(report.Errors, SlugError{Slug: o.Slug, Err: err})
			continue
		}
		report.OrphansDeleted++
		slog.Info("deleted orphaned upload", "slug", o.Slug, "objects", o.Objects, "bytes", o.Bytes)
	}
}

func (s *Sweeper) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// Purge deletes everything stored for slug: its files, then the cached
// archive, then the metadata document. The document goes last so a
// failed purge can be retried by the next sweep.
func Purge(ctx context.Context, blobs storage.Store, metas *metadata.Store, slug string) error {
	if _, err := blobs.DeleteByPrefix(ctx, metadata.UploadPrefix(slug)); err != nil {
		return fmt.Errorf("failed to delete files of %s: %w", slug, err)
	}
	if err := blobs.Delete(ctx, metadata.ArchiveKey(slug)); err != nil {
		return fmt.Errorf("failed to delete archive of %s: %w", slug, err)
	}
	if err := metas.Delete(ctx, slug); err != nil {
		return err
	}
	return nil
}

// PurgeEvents removes the download history of a purged slug. Failures are
// logged only, the upload itself is already gone.
func PurgeEvents(ctx context.Context, events EventCleaner, slug string) {
	if events == nil {
		return
	}
	if _, err := events.DeleteEventsForSlug(ctx, slug); err != nil {
		slog.Error("failed to delete download events", "slug", slug, "error", err)
	}
}
