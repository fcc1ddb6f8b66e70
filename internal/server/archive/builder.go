// Package archive turns download requests into one of three responses: a
// stored object passed through as is, a redirect to a cached archive, or
// a zip built on the fly.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
	"unicode"

	"satchel/internal/server/metadata"
	"satchel/internal/server/storage"

	"golang.org/x/sync/singleflight"
)

// Kind is the way a planned download is delivered.
type Kind int

const (
	// KindObject streams one stored object unchanged.
	KindObject Kind = iota
	// KindRedirect sends the client to a signed URL of the cached archive.
	KindRedirect
	// KindArchive builds a zip while streaming it.
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindRedirect:
		return "redirect"
	case KindArchive:
		return "archive"
	}
	return "unknown"
}

// Plan describes how to answer one download request.
type Plan struct {
	Kind        Kind
	Filename    string
	ContentType string
	Key         string // KindObject
	URL         string // KindRedirect
	Passthrough bool   // KindObject serving a stored zip as the whole download
	Cached      bool   // served from the archive cache
	Files       []metadata.FileEntry
	Entries     []Entry // KindArchive
}

// Options configures a Builder.
type Options struct {
	CacheArchives bool
	SignedURLTTL  time.Duration
	BuildTimeout  time.Duration
}

// Builder plans downloads and produces their bodies.
type Builder struct {
	store  storage.Store
	opts   Options
	group  singleflight.Group
	builds sync.WaitGroup
	logger *slog.Logger
}

// NewBuilder creates a builder reading from store.
func NewBuilder(store storage.Store, opts Options, logger *slog.Logger) *Builder {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 15 * time.Minute
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "archive"),
	}
}

var zipContentTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/x-zip":            true,
}

// Plan resolves sel against meta and decides how to deliver it.
func (b *Builder) Plan(ctx context.Context, meta *metadata.UploadMetadata, sel Selection) (*Plan, error) {
	files, err := Resolve(meta, sel)
	if err != nil {
		return nil, err
	}

	if sel.Mode == ModeSingle {
		f := files[0]
		return &Plan{
			Kind:        KindObject,
			Key:         f.Key,
			Filename:    path.Base(entryName(f.Name, f.Key)),
			ContentType: f.Type,
			Files:       files,
		}, nil
	}

	if len(files) == 1 {
		isZip, err := b.isStoredZip(ctx, files[0])
		if err != nil {
			return nil, err
		}
		if isZip {
			f := files[0]
			return &Plan{
				Kind:        KindObject,
				Key:         f.Key,
				Filename:    path.Base(entryName(f.Name, f.Key)),
				ContentType: "application/zip",
				Passthrough: true,
				Files:       files,
			}, nil
		}
	}

	filename := archiveName(meta, sel)
	if sel.Mode == ModeAll && b.opts.CacheArchives {
		plan, err := b.planCached(ctx, meta, files, filename)
		if err != nil {
			return nil, err
		}
		if plan != nil {
			return plan, nil
		}
	}

	return &Plan{
		Kind:        KindArchive,
		Filename:    filename,
		ContentType: "application/zip",
		Files:       files,
		Entries:     Entries(files, sel.Mode == ModeFolder, meta.CreatedAt),
	}, nil
}

// planCached returns a plan serving the cached archive. On a miss it
// starts building the cache in the background and returns a nil plan so
// the caller streams right away.
func (b *Builder) planCached(ctx context.Context, meta *metadata.UploadMetadata, files []metadata.FileEntry, filename string) (*Plan, error) {
	fp := Fingerprint(files)

	plan, err := b.cachedPlan(ctx, meta.Slug, fp, filename, files)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, errCacheMiss) {
		b.logger.Warn("archive cache lookup failed", "slug", meta.Slug, "error", err)
		return nil, nil
	}

	b.startBuild(ctx, meta.Slug, fp, Entries(files, false, meta.CreatedAt))
	return nil, nil
}

// startBuild caches the archive of entries without blocking. Misses for
// the same slug and file set share one build.
func (b *Builder) startBuild(ctx context.Context, slug, fp string, entries []Entry) {
	ch := b.group.DoChan(slug+"@"+fp, func() (any, error) {
		err := b.build(ctx, slug, fp, entries)
		if err != nil {
			b.logger.Error("archive build failed", "slug", slug, "error", err)
		}
		return nil, err
	})

	b.builds.Add(1)
	go func() {
		defer b.builds.Done()
		<-ch
	}()
}

// Wait blocks until every background archive build has finished.
func (b *Builder) Wait() {
	b.builds.Wait()
}

var errCacheMiss = errors.New("archive cache miss")

func (b *Builder) cachedPlan(ctx context.Context, slug, fp, filename string, files []metadata.FileEntry) (*Plan, error) {
	key := metadata.ArchiveKey(slug)

	info, err := b.store.Head(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errCacheMiss
		}
		return nil, err
	}
	if info.Metadata[FingerprintMetaKey] != fp {
		b.logger.Debug("cached archive is stale", "slug", slug)
		return nil, errCacheMiss
	}

	url, err := b.store.SignedURL(ctx, key, b.opts.SignedURLTTL)
	if errors.Is(err, storage.ErrSignedURLUnsupported) {
		return &Plan{
			Kind:        KindObject,
			Key:         key,
			Filename:    filename,
			ContentType: "application/zip",
			Cached:      true,
			Files:       files,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Plan{
		Kind:        KindRedirect,
		URL:         url,
		Filename:    filename,
		ContentType: "application/zip",
		Cached:      true,
		Files:       files,
	}, nil
}

// build writes the archive of entries to the cache. It outlives the
// request that started it and is bounded by the build timeout instead.
func (b *Builder) build(ctx context.Context, slug, fp string, entries []Entry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.BuildTimeout)
	defer cancel()

	start := time.Now()
	r := OpenZip(ctx, b.store, entries)
	defer r.Close()

	err := b.store.Upload(ctx, metadata.ArchiveKey(slug), r, storage.PutOptions{
		ContentType: "application/zip",
		Metadata:    map[string]string{FingerprintMetaKey: fp},
	})
	if err != nil {
		return fmt.Errorf("failed to build archive for %s: %w", slug, err)
	}

	b.logger.Info("archive cached",
		"slug", slug,
		"files", len(entries),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Open returns the body of a KindObject plan.
func (b *Builder) Open(ctx context.Context, plan *Plan) (io.ReadCloser, *storage.ObjectInfo, error) {
	if plan.Kind != KindObject {
		return nil, nil, fmt.Errorf("open: plan kind %s has no stored object", plan.Kind)
	}
	return b.store.GetStream(ctx, plan.Key)
}

// Write streams the zip of a KindArchive plan into w.
func (b *Builder) Write(ctx context.Context, w io.Writer, plan *Plan) error {
	if plan.Kind != KindArchive {
		return fmt.Errorf("write: plan kind %s is not an archive", plan.Kind)
	}
	return WriteZip(ctx, w, b.store, plan.Entries)
}

// Invalidate drops the cached archive of slug. Call it whenever the file
// set changes.
func (b *Builder) Invalidate(ctx context.Context, slug string) error {
	if err := b.store.Delete(ctx, metadata.ArchiveKey(slug)); err != nil {
		return fmt.Errorf("failed to invalidate archive for %s: %w", slug, err)
	}
	return nil
}

func (b *Builder) isStoredZip(ctx context.Context, f metadata.FileEntry) (bool, error) {
	if strings.ToLower(path.Ext(f.Name)) != ".zip" && !zipContentTypes[strings.ToLower(f.Type)] {
		return false, nil
	}
	head, err := b.store.GetRange(ctx, f.Key, 0, 4)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", f.Key, err)
	}
	return HasZipSignature(head), nil
}

// HasZipSignature reports whether data starts with a zip local file header
// (PK\x03\x04) or the end record of an empty archive (PK\x05\x06).
func HasZipSignature(data []byte) bool {
	if len(data) < 4 || data[0] != 0x50 || data[1] != 0x4B {
		return false
	}
	return (data[2] == 0x03 && data[3] == 0x04) || (data[2] == 0x05 && data[3] == 0x06)
}

func archiveName(meta *metadata.UploadMetadata, sel Selection) string {
	base := safeName(meta.Title)
	if base == "" {
		base = meta.Slug
	}
	if sel.Mode == ModeFolder {
		if folder := safeName(path.Base(normalizeFolder(sel.Folder))); folder != "" {
			base += "-" + folder
		}
	}
	return base + ".zip"
}

func safeName(s string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.':
			sb.WriteRune(r)
			dash = false
		case !dash && sb.Len() > 0:
			sb.WriteRune('-')
			dash = true
		}
	}
	name := strings.Trim(sb.String(), "-.")
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	return name
}
