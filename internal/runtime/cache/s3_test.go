package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket implementing the calls the storage makes.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	failGet  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 2}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	payload, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(append([]byte(nil), payload...)))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	payload, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = payload
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 pages through keys using the last returned key as the
// continuation token so the paginator is exercised.
func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	after := aws.ToString(in.ContinuationToken)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) && key > after {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestS3StorageLayout(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	storage := newS3Storage(fake, "site-cache", "/offline/")

	store, err := storage.Open(ctx, "pwa-cache-v1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, RequestKey(http.MethodGet, "/"), testSnapshot("home")))

	prefix := "offline/" + encodeName("pwa-cache-v1") + "/"
	_, ok := fake.objects[prefix+".store"]
	require.True(t, ok, "expected creation marker")
	_, ok = fake.objects[prefix+"entries/"+hashKey("GET /")]
	require.True(t, ok, "expected entry object")
}

func TestS3StorageListsAcrossPages(t *testing.T) {
	ctx := context.Background()
	storage := newS3Storage(newFakeS3(), "site-cache", "")
	store, err := storage.Open(ctx, "pwa-cache-v1")
	require.NoError(t, err)

	paths := []string{"/", "/offline.html", "/app.css", "/app.js", "/logo.svg"}
	for _, p := range paths {
		require.NoError(t, store.Put(ctx, RequestKey(http.MethodGet, p), testSnapshot(p)))
	}
	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, len(paths))

	removed, err := storage.Delete(ctx, "pwa-cache-v1")
	require.NoError(t, err)
	require.True(t, removed)
	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestS3StoragePropagatesErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.failGet = errors.New("connection reset")
	storage := newS3Storage(fake, "site-cache", "")

	_, err := storage.Has(ctx, "pwa-cache-v1")
	require.ErrorContains(t, err, "connection reset")
}
