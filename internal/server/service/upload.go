package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"satchel/internal/server/archive"
	"satchel/internal/server/config"
	"satchel/internal/server/metadata"
	"satchel/internal/server/storage"

	"github.com/gabriel-vasile/mimetype"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const (
	ingestConcurrency = 4
	sniffLen          = 3072
	maxSegmentLen     = 255
)

// IncomingFile is one file of an upload request. Open is called once.
type IncomingFile struct {
	Path    string
	Size    int64
	TakenAt *time.Time
	Open    func() (io.ReadCloser, error)
}

// UploadRequest describes a new upload.
type UploadRequest struct {
	Title          string
	ExpiresIn      time.Duration // zero uses the configured default
	Gallery        bool
	RatingsEnabled bool
	Password       string
	Files          []IncomingFile
}

// UploadResult is returned after a successful upload.
type UploadResult struct {
	Slug        string     `json:"slug"`
	URL         string     `json:"url"`
	DownloadURL string     `json:"downloadUrl"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Files       int        `json:"files"`
	Skipped     int        `json:"skipped"`
	Size        int64      `json:"size"`
}

// FileInfo is one file as shown to recipients.
type FileInfo struct {
	Key     string     `json:"key"`
	Name    string     `json:"name"`
	Size    int64      `json:"size"`
	Type    string     `json:"type"`
	TakenAt *time.Time `json:"takenAt,omitempty"`
	Rated   bool       `json:"rated,omitempty"`
}

// UploadInfo is returned for metadata queries. Files is empty while the
// upload is locked behind a password.
type UploadInfo struct {
	Slug               string     `json:"slug"`
	Title              string     `json:"title,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	Downloads          int        `json:"downloads"`
	Gallery            bool       `json:"gallery"`
	RatingsEnabled     bool       `json:"ratingsEnabled"`
	HasPassword        bool       `json:"hasPassword"`
	Locked             bool       `json:"locked"`
	PreviewImageKey    string     `json:"previewImageKey,omitempty"`
	BackgroundImageKey string     `json:"backgroundImageKey,omitempty"`
	TotalSize          int64      `json:"totalSize"`
	Files              []FileInfo `json:"files"`
}

// UploadService contains the business logic for uploads and their
// management.
type UploadService struct {
	blobs   storage.Store
	metas   *metadata.Store
	builder *archive.Builder
	events  EventLog
	cfg     *config.Config
	now     func() time.Time
}

// NewUploadService creates a new upload service. events may be nil.
func NewUploadService(blobs storage.Store, metas *metadata.Store, builder *archive.Builder, events EventLog, cfg *config.Config) *UploadService {
	return &UploadService{
		blobs:   blobs,
		metas:   metas,
		builder: builder,
		events:  events,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ProcessUpload stores every file of req under a fresh slug and then
// writes the metadata document. Files are written first so the upload
// only becomes visible once it is complete; on failure everything stored
// so far is removed again.
func (s *UploadService) ProcessUpload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if len(req.Files) == 0 {
		return nil, ErrNoFiles
	}
	var declared int64
	for _, f := range req.Files {
		declared += f.Size
	}
	if s.cfg.MaxUploadSize > 0 && declared > s.cfg.MaxUploadSize {
		return nil, ErrFileTooLarge
	}

	var passwordHash string
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		passwordHash = string(hash)
	}

	slug := shortuuid.New()
	prefix := metadata.UploadPrefix(slug)

	seen := make(map[string]bool, len(req.Files))
	var (
		entries []metadata.FileEntry
		sources []IncomingFile
		skipped int
	)
	for _, f := range req.Files {
		name := sanitizePath(f.Path)
		if archive.IsJunk(name) {
			skipped++
			continue
		}
		name = archive.UniqueName(name, seen)
		entries = append(entries, metadata.FileEntry{
			Key:     prefix + name,
			Name:    name,
			Size:    f.Size,
			TakenAt: f.TakenAt,
		})
		sources = append(sources, f)
	}
	if len(entries) == 0 {
		return nil, ErrNoFiles
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestConcurrency)
	for i := range entries {
		g.Go(func() error {
			contentType, size, err := s.storeFile(gctx, entries[i].Key, sources[i])
			if err != nil {
				return fmt.Errorf("%s: %w", entries[i].Name, err)
			}
			entries[i].Type = contentType
			entries[i].Size = size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.discard(ctx, slug)
		return nil, fmt.Errorf("failed to store files: %w", err)
	}

	now := s.now().UTC()
	meta := &metadata.UploadMetadata{
		Slug:           slug,
		Title:          strings.TrimSpace(req.Title),
		CreatedAt:      now,
		Files:          entries,
		Gallery:        req.Gallery,
		RatingsEnabled: req.RatingsEnabled,
		PasswordHash:   passwordHash,
	}
	if !req.Gallery {
		expiresIn := req.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = s.cfg.DefaultExpiry
		}
		expiry := now.Add(expiresIn)
		meta.ExpiresAt = &expiry
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Type, "image/") {
			meta.PreviewImageKey = e.Key
			break
		}
	}

	if err := s.metas.Create(ctx, meta); err != nil {
		s.discard(ctx, slug)
		return nil, fmt.Errorf("failed to create upload record: %w", err)
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	slog.Info("upload processed",
		"slug", slug,
		"files", len(entries),
		"skipped", skipped,
		"size", total,
		"gallery", req.Gallery,
	)

	return &UploadResult{
		Slug:        slug,
		URL:         fmt.Sprintf("%s/api/uploads/%s", s.cfg.BaseURL, slug),
		DownloadURL: fmt.Sprintf("%s/download/%s/all", s.cfg.BaseURL, slug),
		ExpiresAt:   meta.ExpiresAt,
		Files:       len(entries),
		Skipped:     skipped,
		Size:        total,
	}, nil
}

// storeFile streams f into key and returns its sniffed content type and
// actual size.
func (s *UploadService) storeFile(ctx context.Context, key string, f IncomingFile) (string, int64, error) {
	rc, err := f.Open()
	if err != nil {
		return "", 0, fmt.Errorf("failed to open: %w", err)
	}
	defer rc.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", 0, fmt.Errorf("failed to read: %w", err)
	}
	head = head[:n]
	contentType := mimetype.Detect(head).String()

	body := &countingReader{r: io.MultiReader(bytes.NewReader(head), rc)}
	if err := s.blobs.Upload(ctx, key, body, storage.PutOptions{ContentType: contentType}); err != nil {
		return "", 0, err
	}
	return contentType, body.n, nil
}

// discard removes whatever a failed upload left behind. It runs even when
// ctx was cancelled.
func (s *UploadService) discard(ctx context.Context, slug string) {
	ctx = context.WithoutCancel(ctx)
	if n, err := s.blobs.DeleteByPrefix(ctx, metadata.UploadPrefix(slug)); err != nil {
		slog.Error("failed to clean up partial upload", "slug", slug, "error", err)
	} else if n > 0 {
		slog.Info("cleaned up partial upload", "slug", slug, "objects", n)
	}
}

// GetInfo returns what recipients may see of an upload. Without the
// right password only the summary is returned.
func (s *UploadService) GetInfo(ctx context.Context, slug, password string) (*UploadInfo, error) {
	meta, err := loadActive(ctx, s.metas, slug, s.now(), s.cfg.DefaultExpiry)
	if err != nil {
		return nil, err
	}

	info := &UploadInfo{
		Slug:           meta.Slug,
		Title:          meta.Title,
		CreatedAt:      meta.CreatedAt,
		Downloads:      meta.Downloads,
		Gallery:        meta.Gallery,
		RatingsEnabled: meta.RatingsEnabled,
		HasPassword:    meta.PasswordHash != "",
		Files:          []FileInfo{},
	}
	if !meta.Gallery {
		if expiry, ok := meta.EffectiveExpiry(s.cfg.DefaultExpiry); ok {
			info.ExpiresAt = &expiry
		}
	}

	files := archive.Visible(meta)
	for _, f := range files {
		info.TotalSize += f.Size
	}

	if err := checkPassword(meta, password); err != nil {
		if errors.Is(err, ErrPasswordRequired) {
			info.Locked = true
			return info, nil
		}
		return nil, err
	}

	info.PreviewImageKey = meta.PreviewImageKey
	info.BackgroundImageKey = meta.BackgroundImageKey
	archive.SortFiles(files)
	for _, f := range files {
		info.Files = append(info.Files, FileInfo{
			Key:     f.Key,
			Name:    f.Name,
			Size:    f.Size,
			Type:    f.Type,
			TakenAt: f.TakenAt,
			Rated:   meta.Ratings[f.Key],
		})
	}
	return info, nil
}

// ToggleRating flips the rating of one file and returns the new state.
func (s *UploadService) ToggleRating(ctx context.Context, slug, key, password string) (bool, error) {
	meta, err := loadActive(ctx, s.metas, slug, s.now(), s.cfg.DefaultExpiry)
	if err != nil {
		return false, err
	}
	if err := checkPassword(meta, password); err != nil {
		return false, err
	}
	if !meta.RatingsEnabled {
		return false, ErrRatingsDisabled
	}
	if key == "" {
		return false, ErrMissingParameter
	}

	var rated bool
	_, err = s.metas.Update(ctx, slug, func(m *metadata.UploadMetadata) error {
		if !m.RatingsEnabled {
			return ErrRatingsDisabled
		}
		if _, ok := m.File(key); !ok {
			return ErrFileNotFound
		}
		rated = m.ToggleRating(key)
		return nil
	})
	if err != nil {
		return false, mapMetadataError(err)
	}

	slog.Info("rating toggled", "slug", slug, "key", key, "rated", rated)
	return rated, nil
}

// --- Helpers ---

// sanitizePath normalizes a client supplied relative path: backslashes
// become slashes, empty, "." and ".." segments are dropped and every
// segment is limited in length.
func sanitizePath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")

	var parts []string
	for _, seg := range strings.Split(name, "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		if len(seg) > maxSegmentLen {
			ext := path.Ext(seg)
			if len(ext) > 16 {
				ext = ""
			}
			seg = strings.ToValidUTF8(seg[:maxSegmentLen-len(ext)], "") + ext
		}
		parts = append(parts, seg)
	}

	if len(parts) == 0 {
		return "file"
	}
	return strings.Join(parts, "/")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
