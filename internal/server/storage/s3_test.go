package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data     []byte
	etag     string
	metadata map[string]string
	ctype    string
}

// fakeS3 is an in-memory bucket speaking the s3API interface. Listing pages
// hold pageSize keys so pagination is exercised with a handful of objects.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]*fakeObject
	pageSize int
	version  int

	ignoreRange      bool
	rangeUnsupported bool
	stickyKeys       map[string]bool
	listCalls        int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]*fakeObject), pageSize: 2, stickyKeys: map[string]bool{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := aws.ToString(in.Key)
	cur, exists := f.objects[key]
	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	if in.IfMatch != nil && (!exists || cur.etag != aws.ToString(in.IfMatch)) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}

	f.version++
	etag := fmt.Sprintf(`"v%d"`, f.version)
	f.objects[key] = &fakeObject{data: data, etag: etag, metadata: in.Metadata, ctype: aws.ToString(in.ContentType)}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	out := &s3.GetObjectOutput{
		ContentType:   aws.String(obj.ctype),
		ETag:          aws.String(obj.etag),
		Metadata:      obj.metadata,
		ContentLength: aws.Int64(int64(len(obj.data))),
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
	}
	if in.Range == nil || f.ignoreRange {
		return out, nil
	}
	if f.rangeUnsupported {
		return nil, &smithy.GenericAPIError{Code: "NotImplemented"}
	}

	var start, end int64
	fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &start, &end)
	if start >= int64(len(obj.data)) {
		return nil, &smithy.GenericAPIError{Code: "InvalidRange"}
	}
	if end >= int64(len(obj.data)) {
		end = int64(len(obj.data)) - 1
	}
	part := obj.data[start : end+1]
	out.Body = io.NopCloser(bytes.NewReader(part))
	out.ContentLength = aws.Int64(int64(len(part)))
	out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(obj.data)))
	return out, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.ctype),
		ETag:          aws.String(obj.etag),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		key := aws.ToString(id.Key)
		if f.stickyKeys[key] {
			continue
		}
		delete(f.objects, key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)

	seenPrefixes := map[string]bool{}
	var entries []string
	for k := range f.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if delimiter != "" {
			if i := strings.Index(k[len(prefix):], delimiter); i >= 0 {
				cp := k[:len(prefix)+i+1]
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					entries = append(entries, cp)
				}
				continue
			}
		}
		entries = append(entries, k)
	}
	sort.Strings(entries)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		for start < len(entries) && entries[start] <= tok {
			start++
		}
	}
	limit := f.pageSize
	if in.MaxKeys != nil && int(*in.MaxKeys) < limit {
		limit = int(*in.MaxKeys)
	}
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(entries))}
	for _, e := range entries[start:end] {
		if seenPrefixes[e] {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e)})
			continue
		}
		obj := f.objects[e]
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(e),
			Size: aws.Int64(int64(len(obj.data))),
			ETag: aws.String(obj.etag),
		})
	}
	if end < len(entries) {
		out.NextContinuationToken = aws.String(entries[end-1])
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://bucket.example/%s?X-Amz-Expires=%d", aws.ToString(in.Key), int(opts.Expires.Seconds())),
		Method: "GET",
	}, nil
}

func newFakeStore(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	return newS3Store(fake, fakePresigner{}, "test-bucket", nil), fake
}

func TestS3Store_PutAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeStore(t)

	etag, err := store.Put(ctx, "metadata/a.json", []byte(`{"slug":"a"}`), PutOptions{ContentType: "application/json"})
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	data, err := store.Get(ctx, "metadata/a.json")
	require.NoError(t, err)
	assert.Equal(t, `{"slug":"a"}`, string(data))

	_, err = store.Get(ctx, "metadata/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Head(ctx, "metadata/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_ConditionalPut(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeStore(t)

	etag, err := store.Put(ctx, "metadata/a.json", []byte("1"), PutOptions{IfNoneMatch: true})
	require.NoError(t, err)

	_, err = store.Put(ctx, "metadata/a.json", []byte("2"), PutOptions{IfNoneMatch: true})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = store.Put(ctx, "metadata/a.json", []byte("2"), PutOptions{IfMatch: etag})
	require.NoError(t, err)

	_, err = store.Put(ctx, "metadata/a.json", []byte("3"), PutOptions{IfMatch: etag})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestS3Store_Upload(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeStore(t)

	err := store.Upload(ctx, "zips/a.zip", strings.NewReader("PK\x03\x04zip"), PutOptions{
		ContentType: "application/zip",
		Metadata:    map[string]string{"fileset-fingerprint": "abc"},
	})
	require.NoError(t, err)

	info, err := store.Head(ctx, "zips/a.zip")
	require.NoError(t, err)
	assert.Equal(t, "abc", info.Metadata["fileset-fingerprint"])
	assert.Equal(t, "application/zip", fake.objects["zips/a.zip"].ctype)
}

func TestS3Store_GetRange(t *testing.T) {
	ctx := context.Background()

	t.Run("uses range requests", func(t *testing.T) {
		store, _ := newFakeStore(t)
		store.Put(ctx, "k", []byte("0123456789"), PutOptions{})

		data, err := store.GetRange(ctx, "k", 2, 3)
		require.NoError(t, err)
		assert.Equal(t, "234", string(data))
	})

	t.Run("degrades when range is ignored", func(t *testing.T) {
		store, fake := newFakeStore(t)
		fake.ignoreRange = true
		store.Put(ctx, "k", []byte("0123456789"), PutOptions{})

		data, err := store.GetRange(ctx, "k", 2, 3)
		require.NoError(t, err)
		assert.Equal(t, "234", string(data))
	})

	t.Run("degrades when range is unsupported", func(t *testing.T) {
		store, fake := newFakeStore(t)
		fake.rangeUnsupported = true
		store.Put(ctx, "k", []byte("0123456789"), PutOptions{})

		data, err := store.GetRange(ctx, "k", 0, 4)
		require.NoError(t, err)
		assert.Equal(t, "0123", string(data))
	})

	t.Run("range past the end is empty", func(t *testing.T) {
		store, _ := newFakeStore(t)
		store.Put(ctx, "k", []byte("01"), PutOptions{})

		data, err := store.GetRange(ctx, "k", 10, 4)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("missing object", func(t *testing.T) {
		store, _ := newFakeStore(t)

		_, err := store.GetRange(ctx, "nope", 0, 4)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestS3Store_ListPaginates(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeStore(t)

	for i := 0; i < 7; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("uploads/x/%02d.jpg", i), []byte("x"), PutOptions{})
		require.NoError(t, err)
	}
	store.Put(ctx, "uploads/y/other.jpg", []byte("y"), PutOptions{})

	objects, err := store.List(ctx, "uploads/x/")
	require.NoError(t, err)
	require.Len(t, objects, 7)
	assert.Equal(t, "uploads/x/00.jpg", objects[0].Key)
	assert.Equal(t, "uploads/x/06.jpg", objects[6].Key)
	assert.GreaterOrEqual(t, fake.listCalls, 4)
}

func TestS3Store_ListFolders(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeStore(t)

	for _, key := range []string{"uploads/a/1", "uploads/a/2", "uploads/b/1", "uploads/c/d/1", "uploads/loose"} {
		store.Put(ctx, key, []byte("x"), PutOptions{})
	}

	folders, err := store.ListFolders(ctx, "uploads/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, folders)
}

func TestS3Store_DeleteByPrefix(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes every page", func(t *testing.T) {
		store, _ := newFakeStore(t)
		for i := 0; i < 5; i++ {
			store.Put(ctx, fmt.Sprintf("uploads/x/%d", i), []byte("x"), PutOptions{})
		}
		store.Put(ctx, "uploads/xy/keep", []byte("x"), PutOptions{})

		n, err := store.DeleteByPrefix(ctx, "uploads/x/")
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		left, err := store.List(ctx, "uploads/x/")
		require.NoError(t, err)
		assert.Empty(t, left)

		_, err = store.Head(ctx, "uploads/xy/keep")
		assert.NoError(t, err)
	})

	t.Run("fails loudly when objects remain", func(t *testing.T) {
		store, fake := newFakeStore(t)
		store.Put(ctx, "uploads/x/a", []byte("x"), PutOptions{})
		store.Put(ctx, "uploads/x/b", []byte("x"), PutOptions{})
		fake.stickyKeys["uploads/x/b"] = true

		_, err := store.DeleteByPrefix(ctx, "uploads/x/")
		assert.ErrorIs(t, err, ErrPrefixNotEmpty)
	})

	t.Run("rejects empty prefix", func(t *testing.T) {
		store, _ := newFakeStore(t)

		_, err := store.DeleteByPrefix(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestS3Store_SignedURL(t *testing.T) {
	store, _ := newFakeStore(t)

	url, err := store.SignedURL(context.Background(), "zips/a.zip", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.example/zips/a.zip?X-Amz-Expires=300", url)
}
