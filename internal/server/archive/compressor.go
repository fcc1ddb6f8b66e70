package archive

import (
	"archive/zip"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"satchel/internal/server/metadata"
	"satchel/internal/server/storage"
)

// Entry is one file of an archive: the object to read and the name it
// gets inside the zip.
type Entry struct {
	Key      string
	Name     string
	Modified time.Time
}

// storedExts are formats that are already compressed; deflating them again
// costs CPU for no gain.
var storedExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".heic": true, ".heif": true, ".avif": true,
	".mp4": true, ".mov": true, ".m4v": true, ".mkv": true, ".webm": true, ".avi": true,
	".mp3": true, ".m4a": true, ".aac": true, ".ogg": true, ".flac": true, ".opus": true,
	".zip": true, ".gz": true, ".tgz": true, ".bz2": true, ".xz": true, ".7z": true, ".rar": true, ".zst": true,
	".pdf": true, ".docx": true, ".xlsx": true, ".pptx": true,
}

// Entries maps resolved files to archive entries. With flatten set every
// entry is named by its basename (folder downloads). Names that collide
// get a numeric suffix. Files without a capture time are stamped with
// modified.
func Entries(files []metadata.FileEntry, flatten bool, modified time.Time) []Entry {
	seen := make(map[string]bool, len(files))
	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		name := entryName(f.Name, f.Key)
		if flatten {
			name = path.Base(name)
		}
		name = UniqueName(name, seen)

		e := Entry{Key: f.Key, Name: name, Modified: modified}
		if f.TakenAt != nil {
			e.Modified = *f.TakenAt
		}
		entries = append(entries, e)
	}
	return entries
}

func entryName(name, key string) string {
	if name == "" {
		name = path.Base(key)
	}
	clean := cleanName(name)
	parts := strings.Split(clean, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" && p != "." && p != ".." {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return path.Base(key)
	}
	return strings.Join(kept, "/")
}

// UniqueName returns name, or name with a " (n)" suffix before its
// extension when a case-insensitive match is already in seen, and marks
// the result as seen.
func UniqueName(name string, seen map[string]bool) string {
	if !seen[strings.ToLower(name)] {
		seen[strings.ToLower(name)] = true
		return name
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := stem + " (" + strconv.Itoa(i) + ")" + ext
		if !seen[strings.ToLower(candidate)] {
			seen[strings.ToLower(candidate)] = true
			return candidate
		}
	}
}

// WriteZip streams a zip of entries into w. Each object is pulled from
// store only as fast as w accepts bytes, so a slow reader slows the store
// reads down instead of growing a buffer.
//
// If any entry fails the archive is abandoned without its central
// directory and the error is returned; the output is never a valid zip
// with files missing.
func WriteZip(ctx context.Context, w io.Writer, store storage.Store, entries []Entry) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addEntry(ctx, zw, store, e); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func addEntry(ctx context.Context, zw *zip.Writer, store storage.Store, e Entry) error {
	body, _, err := store.GetStream(ctx, e.Key)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", e.Name, err)
	}
	defer body.Close()

	method := zip.Deflate
	if storedExts[strings.ToLower(path.Ext(e.Name))] {
		method = zip.Store
	}

	header := &zip.FileHeader{
		Name:     e.Name,
		Method:   method,
		Modified: e.Modified,
	}
	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry %s: %w", e.Name, err)
	}

	if _, err := io.Copy(writer, body); err != nil {
		return fmt.Errorf("failed to write %s to zip: %w", e.Name, err)
	}
	return nil
}

// OpenZip runs WriteZip in a goroutine and returns its output as a reader.
// A failed build surfaces as the read error. Closing the reader early
// stops the build.
func OpenZip(ctx context.Context, store storage.Store, entries []Entry) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteZip(ctx, pw, store, entries))
	}()
	return pr
}
