package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	objectsDir = "objects"
	attrsDir   = "attrs"
)

// attrs is the sidecar document kept next to every object.
type attrs struct {
	ETag               string            `json:"etag,omitempty"`
	ContentType        string            `json:"content_type,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// FileSystemStore stores objects on the local filesystem. It is meant for
// development and tests; it cannot issue signed URLs.
type FileSystemStore struct {
	basePath string

	// mu serialises writes so conditional puts compare against a stable etag.
	mu sync.Mutex
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directories if they don't exist.
func (fs *FileSystemStore) EnsureDir() error {
	for _, dir := range []string{objectsDir, attrsDir} {
		p := filepath.Join(fs.basePath, dir)
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", p, err)
		}
	}
	return nil
}

func (fs *FileSystemStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if opts.IfMatch != "" || opts.IfNoneMatch {
		current, err := fs.etag(key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
		if opts.IfNoneMatch && exists {
			return "", fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
		}
		if opts.IfMatch != "" && (!exists || current != opts.IfMatch) {
			return "", fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
		}
	}

	return fs.write(key, bytes.NewReader(data), opts)
}

func (fs *FileSystemStore) Upload(ctx context.Context, key string, r io.Reader, opts PutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}

	// Stream into a temp file first so the lock is only held for the rename.
	tmp, etag, err := fs.spool(ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	defer os.Remove(tmp)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.commit(key, tmp, etag, opts)
}

func (fs *FileSystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (fs *FileSystemStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(fs.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("get range %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer f.Close()

	if length <= 0 {
		return []byte{}, nil
	}
	data, err := io.ReadAll(io.NewSectionReader(f, offset, length))
	if err != nil {
		return nil, fmt.Errorf("failed to read range of %s: %w", key, err)
	}
	return data, nil
}

func (fs *FileSystemStore) GetStream(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, nil, err
	}
	// Attributes are read before the object is opened. Writers rename the
	// object before replacing its attributes, so a stale etag can only be
	// paired with newer content, never the reverse.
	a := fs.readAttrs(key)
	f, err := os.Open(fs.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	etag, err := fs.etagFrom(key, a)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return readCloser{Reader: ctxReader{ctx: ctx, r: f}, Closer: f}, objectInfo(key, st, a, etag), nil
}

func (fs *FileSystemStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	a := fs.readAttrs(key)
	st, err := os.Stat(fs.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("head %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	etag, err := fs.etagFrom(key, a)
	if err != nil {
		return nil, err
	}
	return objectInfo(key, st, a, etag), nil
}

func objectInfo(key string, st os.FileInfo, a attrs, etag string) *ObjectInfo {
	return &ObjectInfo{
		Key:          key,
		Size:         st.Size(),
		ContentType:  a.ContentType,
		Disposition:  a.ContentDisposition,
		ETag:         etag,
		LastModified: st.ModTime().UTC(),
		Metadata:     a.Metadata,
	}
}

// List walks the object tree and returns every object under prefix in key order.
func (fs *FileSystemStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	root := filepath.Join(fs.basePath, objectsDir)
	var objects []ObjectInfo

	err := filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (fs *FileSystemStore) ListFolders(ctx context.Context, prefix string) ([]string, error) {
	objects, err := fs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var folders []string
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, prefix)
		i := strings.Index(rest, "/")
		if i <= 0 {
			continue
		}
		name := rest[:i]
		if !seen[name] {
			seen[name] = true
			folders = append(folders, name)
		}
	}
	return folders, nil
}

// Delete removes an object and its attributes. Missing objects are not an error.
func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	filePath := fs.objectPath(key)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	if err := os.Remove(fs.attrsPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete attributes of %s: %w", key, err)
	}
	fs.prune(filepath.Dir(filePath), filepath.Join(fs.basePath, objectsDir))
	fs.prune(filepath.Dir(fs.attrsPath(key)), filepath.Join(fs.basePath, attrsDir))
	return nil
}

func (fs *FileSystemStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" || !strings.HasSuffix(prefix, "/") {
		return 0, fmt.Errorf("delete prefix %q: %w", prefix, ErrInvalidKey)
	}

	objects, err := fs.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := fs.Delete(ctx, obj.Key); err != nil {
			return deleted, err
		}
		deleted++
	}

	remaining, err := fs.List(ctx, prefix)
	if err != nil {
		return deleted, fmt.Errorf("verify deletion of %s: %w", prefix, err)
	}
	if len(remaining) > 0 {
		return deleted, fmt.Errorf("%s (e.g. %s): %w", prefix, remaining[0].Key, ErrPrefixNotEmpty)
	}
	return deleted, nil
}

func (fs *FileSystemStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", ErrSignedURLUnsupported
}

func (fs *FileSystemStore) objectPath(key string) string {
	return filepath.Join(fs.basePath, objectsDir, filepath.FromSlash(key))
}

func (fs *FileSystemStore) attrsPath(key string) string {
	return filepath.Join(fs.basePath, attrsDir, filepath.FromSlash(key)+".json")
}

// etag returns the recorded etag of key. It must be called with mu held.
func (fs *FileSystemStore) etag(key string) (string, error) {
	a := fs.readAttrs(key)
	if _, err := os.Stat(fs.objectPath(key)); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("etag %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return fs.etagFrom(key, a)
}

// etagFrom returns the etag recorded in a, hashing the object only when
// its attributes predate recorded etags or were lost.
func (fs *FileSystemStore) etagFrom(key string, a attrs) (string, error) {
	if a.ETag != "" {
		return a.ETag, nil
	}
	f, err := os.Open(fs.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("etag %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", key, err)
	}
	return formatETag(h.Sum(nil)), nil
}

func (fs *FileSystemStore) readAttrs(key string) attrs {
	var a attrs
	data, err := os.ReadFile(fs.attrsPath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read object attributes", "key", key, "error", err)
		}
		return a
	}
	if err := json.Unmarshal(data, &a); err != nil {
		slog.Warn("ignoring corrupt object attributes", "key", key, "error", err)
		return attrs{}
	}
	return a
}

// write must be called with mu held.
func (fs *FileSystemStore) write(key string, r io.Reader, opts PutOptions) (string, error) {
	tmp, etag, err := fs.spool(r)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	defer os.Remove(tmp)
	if err := fs.commit(key, tmp, etag, opts); err != nil {
		return "", err
	}
	return etag, nil
}

// spool copies r into a temp file and returns its path and etag.
func (fs *FileSystemStore) spool(r io.Reader) (string, string, error) {
	dir := filepath.Join(fs.basePath, objectsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", "", err
	}
	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", err
	}
	return f.Name(), formatETag(h.Sum(nil)), nil
}

// commit must be called with mu held. The object is renamed into place
// before its attributes are written.
func (fs *FileSystemStore) commit(key, tmp, etag string, opts PutOptions) error {
	dst := fs.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	a := attrs{
		ETag:               etag,
		ContentType:        opts.ContentType,
		ContentDisposition: opts.ContentDisposition,
		Metadata:           opts.Metadata,
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	ap := fs.attrsPath(key)
	if err := os.MkdirAll(filepath.Dir(ap), 0755); err != nil {
		return fmt.Errorf("failed to create attributes directory for %s: %w", key, err)
	}
	if err := os.WriteFile(ap, data, 0644); err != nil {
		return fmt.Errorf("failed to write attributes of %s: %w", key, err)
	}
	return nil
}

// prune removes empty directories from dir up to (not including) root, so
// folders disappear with their last object the way prefixes do in S3.
func (fs *FileSystemStore) prune(dir, root string) {
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func formatETag(sum []byte) string {
	return `"` + hex.EncodeToString(sum) + `"`
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type readCloser struct {
	io.Reader
	io.Closer
}
