package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"satchel/internal/server/archive"
	"satchel/internal/server/database"
	"satchel/internal/server/metadata"
	"satchel/internal/server/notify"

	"github.com/google/uuid"
)

const recordTimeout = 30 * time.Second

// Recorder writes download analytics in the background. Every sink is
// best effort: failures are logged and never reach the client.
type Recorder struct {
	metas    *metadata.Store
	events   EventLog
	notifier notify.Notifier
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewRecorder creates a recorder. events and notifier may be nil.
func NewRecorder(metas *metadata.Store, events EventLog, notifier notify.Notifier) *Recorder {
	return &Recorder{
		metas:    metas,
		events:   events,
		notifier: notifier,
		now:      time.Now,
	}
}

// Record schedules the analytics of d and returns immediately.
func (r *Recorder) Record(d *Download) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		r.record(ctx, d)
	}()
}

// Wait blocks until every scheduled record has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) record(ctx context.Context, d *Download) {
	at := r.now().UTC()
	kind, keys := historyOf(d)
	slug := d.Meta.Slug

	_, err := r.metas.Update(ctx, slug, func(m *metadata.UploadMetadata) error {
		m.RecordDownload(metadata.DownloadEvent{
			Timestamp: at,
			Type:      kind,
			Files:     keys,
			IP:        d.Request.ClientIP,
			UserAgent: d.Request.UserAgent,
		})
		return nil
	})
	if err != nil {
		slog.Error("failed to record download in metadata", "slug", slug, "error", err)
	}

	id := uuid.NewString()
	if r.events != nil {
		ev := &database.DownloadEvent{
			ID:        id,
			Slug:      slug,
			Type:      string(kind),
			FileCount: len(d.Plan.Files),
			Bytes:     d.Bytes(),
			Cached:    d.Plan.Cached,
			IP:        d.Request.ClientIP,
			UserAgent: d.Request.UserAgent,
			CreatedAt: at,
		}
		if err := r.events.RecordDownload(ctx, ev); err != nil {
			slog.Error("failed to log download event", "slug", slug, "error", err)
		}
	}

	if r.notifier != nil {
		notice := notify.DownloadNotice{
			EventID: id,
			Slug:    slug,
			Title:   d.Meta.Title,
			Type:    string(kind),
			Files:   len(d.Plan.Files),
			Bytes:   d.Bytes(),
			IP:      d.Request.ClientIP,
			At:      at,
		}
		if err := r.notifier.NotifyDownload(ctx, notice); err != nil {
			slog.Error("failed to send download notification", "slug", slug, "error", err)
		}
	}
}

// historyOf classifies d for the download history. Folder downloads are
// recorded as selections of the files they covered.
func historyOf(d *Download) (metadata.DownloadType, []string) {
	switch d.Request.Selection.Mode {
	case archive.ModeAll:
		return metadata.DownloadAll, nil
	case archive.ModeSingle:
		return metadata.DownloadSingle, []string{d.Plan.Files[0].Key}
	}
	keys := make([]string, len(d.Plan.Files))
	for i, f := range d.Plan.Files {
		keys[i] = f.Key
	}
	return metadata.DownloadSelected, keys
}
