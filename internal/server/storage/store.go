package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound             = errors.New("object not found")
	ErrPreconditionFailed   = errors.New("object precondition failed")
	ErrPrefixNotEmpty       = errors.New("objects remain under prefix after delete")
	ErrSignedURLUnsupported = errors.New("backend cannot issue signed urls")
	ErrInvalidKey           = errors.New("invalid object key")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	Disposition  string
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// PutOptions controls how an object is written.
//
// IfMatch makes the write conditional on the current etag of the object,
// IfNoneMatch on the object not existing yet. Either failing returns
// ErrPreconditionFailed. Upload ignores both.
type PutOptions struct {
	ContentType        string
	ContentDisposition string
	Metadata           map[string]string
	IfMatch            string
	IfNoneMatch        bool
}

// Store defines the interface for blob storage backends.
// Keys are slash separated and never start with a slash.
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error)
	Upload(ctx context.Context, key string, r io.Reader, opts PutOptions) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	ListFolders(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// sliceRange cuts [offset, offset+length) out of a full object body. It is
// used when a backend answers a range request with the whole object.
func sliceRange(data []byte, offset, length int64) []byte {
	size := int64(len(data))
	if offset >= size {
		return []byte{}
	}
	end := offset + length
	if length < 0 || end > size {
		end = size
	}
	return data[offset:end]
}

var (
	_ Store = (*S3Store)(nil)
	_ Store = (*FileSystemStore)(nil)
)
