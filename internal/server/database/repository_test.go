package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	values []int64
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		*(d.(*int64)) = r.values[i]
	}
	return nil
}

type fakeQuerier struct {
	execSQL  string
	execArgs []any
	execErr  error
	row      fakeRow
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.NewCommandTag("DELETE 2"), f.execErr
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func TestRepository_RecordDownload(t *testing.T) {
	t.Run("assigns id and timestamp", func(t *testing.T) {
		q := &fakeQuerier{}
		repo := &Repository{q: q}

		ev := &DownloadEvent{Slug: "abcd", Type: "all", FileCount: 3}
		if err := repo.RecordDownload(context.Background(), ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := uuid.Parse(ev.ID); err != nil {
			t.Errorf("expected a uuid, got %q", ev.ID)
		}
		if ev.CreatedAt.IsZero() {
			t.Error("expected a timestamp")
		}
		if !strings.Contains(q.execSQL, "INSERT INTO download_events") {
			t.Errorf("unexpected sql: %s", q.execSQL)
		}
		if len(q.execArgs) != 9 || q.execArgs[1] != "abcd" {
			t.Errorf("unexpected args: %v", q.execArgs)
		}
	})

	t.Run("keeps a preset id", func(t *testing.T) {
		repo := &Repository{q: &fakeQuerier{}}

		ev := &DownloadEvent{ID: "fixed", Slug: "abcd"}
		repo.RecordDownload(context.Background(), ev)
		if ev.ID != "fixed" {
			t.Errorf("expected id to be kept, got %s", ev.ID)
		}
	})

	t.Run("wraps errors", func(t *testing.T) {
		dbErr := errors.New("connection lost")
		repo := &Repository{q: &fakeQuerier{execErr: dbErr}}

		if err := repo.RecordDownload(context.Background(), &DownloadEvent{}); !errors.Is(err, dbErr) {
			t.Errorf("expected wrapped error, got %v", err)
		}
	})
}

func TestRepository_GetStats(t *testing.T) {
	repo := &Repository{q: &fakeQuerier{row: fakeRow{values: []int64{10, 4, 2048, 3, 1}}}}

	stats, err := repo.GetStats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalDownloads != 10 || stats.UniqueUploads != 4 || stats.BytesServed != 2048 ||
		stats.CachedDownloads != 3 || stats.Last24h != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRepository_DeleteEventsForSlug(t *testing.T) {
	q := &fakeQuerier{}
	repo := &Repository{q: q}

	n, err := repo.DeleteEventsForSlug(context.Background(), "abcd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
}
