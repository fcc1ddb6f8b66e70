package metadata

import (
	"regexp"
	"strings"
	"time"
)

// DownloadType classifies an entry in the download history.
type DownloadType string

const (
	DownloadAll      DownloadType = "all"
	DownloadSingle   DownloadType = "single"
	DownloadSelected DownloadType = "selected"
)

// FileEntry describes one stored file of an upload. Key is the absolute
// storage key, Name the display path which may contain folders.
type FileEntry struct {
	Key     string     `json:"key"`
	Name    string     `json:"name"`
	Size    int64      `json:"size"`
	Type    string     `json:"type"`
	TakenAt *time.Time `json:"takenAt,omitempty"`
}

// DownloadEvent is one best-effort history record.
type DownloadEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	Type      DownloadType `json:"type"`
	Files     []string     `json:"files,omitempty"`
	IP        string       `json:"ip,omitempty"`
	UserAgent string       `json:"userAgent,omitempty"`
}

// UploadMetadata is the JSON document stored per slug.
type UploadMetadata struct {
	Slug               string          `json:"slug"`
	Title              string          `json:"title,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	ExpiresAt          *time.Time      `json:"expiresAt,omitempty"`
	Files              []FileEntry     `json:"files"`
	Downloads          int             `json:"downloads"`
	DownloadHistory    []DownloadEvent `json:"downloadHistory,omitempty"`
	PreviewImageKey    string          `json:"previewImageKey,omitempty"`
	BackgroundImageKey string          `json:"backgroundImageKey,omitempty"`
	Ratings            map[string]bool `json:"ratings,omitempty"`
	RatingsEnabled     bool            `json:"ratingsEnabled,omitempty"`
	Gallery            bool            `json:"gallery,omitempty"`
	PasswordHash       string          `json:"passwordHash,omitempty"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

const (
	uploadsPrefix  = "uploads/"
	metadataPrefix = "metadata/"
	archivesPrefix = "zips/"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

// ValidSlug reports whether slug is safe to use as a storage namespace.
func ValidSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

// UploadPrefix is the storage folder holding the files of slug.
func UploadPrefix(slug string) string {
	return uploadsPrefix + slug + "/"
}

// UploadsRoot is the prefix under which every upload folder lives.
func UploadsRoot() string {
	return uploadsPrefix
}

// MetadataKey is the storage key of the metadata document of slug.
func MetadataKey(slug string) string {
	return metadataPrefix + slug + ".json"
}

// ArchiveKey is the storage key of the cached archive of slug.
func ArchiveKey(slug string) string {
	return archivesPrefix + slug + ".zip"
}

// EffectiveExpiry returns when the upload expires. Documents without an
// explicit expiry fall back to createdAt plus retention. The second result
// is false when neither timestamp is known.
func (m *UploadMetadata) EffectiveExpiry(retention time.Duration) (time.Time, bool) {
	if m.ExpiresAt != nil {
		return *m.ExpiresAt, true
	}
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt.Add(retention), true
	}
	return time.Time{}, false
}

// IsExpired reports whether the upload is past its effective expiry at now.
// Gallery uploads never expire.
func (m *UploadMetadata) IsExpired(now time.Time, retention time.Duration) bool {
	if m.Gallery {
		return false
	}
	expiry, ok := m.EffectiveExpiry(retention)
	return ok && now.After(expiry)
}

// File returns the entry with the given key.
func (m *UploadMetadata) File(key string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Key == key {
			return f, true
		}
	}
	return FileEntry{}, false
}

// RemoveFile drops the file with key along with its rating and any
// preview or background reference to it. It reports whether the file
// was present.
func (m *UploadMetadata) RemoveFile(key string) bool {
	idx := -1
	for i, f := range m.Files {
		if f.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	m.Files = append(m.Files[:idx], m.Files[idx+1:]...)
	delete(m.Ratings, key)
	if m.PreviewImageKey == key {
		m.PreviewImageKey = ""
	}
	if m.BackgroundImageKey == key {
		m.BackgroundImageKey = ""
	}
	return true
}

// RecordDownload bumps the counter and appends to the history.
func (m *UploadMetadata) RecordDownload(ev DownloadEvent) {
	m.Downloads++
	m.DownloadHistory = append(m.DownloadHistory, ev)
}

// ToggleRating flips the rating flag of key and returns the new value.
func (m *UploadMetadata) ToggleRating(key string) bool {
	if m.Ratings == nil {
		m.Ratings = make(map[string]bool)
	}
	if m.Ratings[key] {
		delete(m.Ratings, key)
		return false
	}
	m.Ratings[key] = true
	return true
}

// validateKeys checks that every file lives under the slug's namespace.
func (m *UploadMetadata) validateKeys() error {
	prefix := UploadPrefix(m.Slug)
	for _, f := range m.Files {
		if !strings.HasPrefix(f.Key, prefix) || len(f.Key) == len(prefix) {
			return &InvalidFileKeyError{Slug: m.Slug, Key: f.Key}
		}
	}
	return nil
}

// InvalidFileKeyError reports a file key outside the upload's namespace.
type InvalidFileKeyError struct {
	Slug string
	Key  string
}

func (e *InvalidFileKeyError) Error() string {
	return "file key " + e.Key + " is outside " + UploadPrefix(e.Slug)
}
