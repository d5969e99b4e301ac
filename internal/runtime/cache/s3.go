package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// s3API is the subset of the S3 client the storage needs.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3Storage mirrors the disk layout in a bucket:
//
//	<prefix>/<hex name>/.store           creation marker (unix nanos)
//	<prefix>/<hex name>/entries/<sha256> msgpack record
type s3Storage struct {
	client s3API
	bucket string
	prefix string
}

type s3Store struct {
	storage *s3Storage
	name    string
}

// NewS3 builds an S3-backed storage using the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (Storage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("cache: s3 bucket required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cache: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Storage(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Storage(client s3API, bucket, prefix string) *s3Storage {
	return &s3Storage{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *s3Storage) storePrefix(name string) string {
	return path.Join(s.prefix, encodeName(name)) + "/"
}

func (s *s3Storage) markerKey(name string) string {
	return s.storePrefix(name) + diskMarkerFile
}

func (s *s3Storage) entryKey(name, key string) string {
	return s.storePrefix(name) + "entries/" + hashKey(key)
}

func (s *s3Storage) get(ctx context.Context, objectKey string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: s3 get %s: %w", objectKey, err)
	}
	defer out.Body.Close()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("cache: s3 read %s: %w", objectKey, err)
	}
	return payload, true, nil
}

func (s *s3Storage) put(ctx context.Context, objectKey string, payload []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("cache: s3 put %s: %w", objectKey, err)
	}
	return nil
}

func (s *s3Storage) del(ctx context.Context, objectKey string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("cache: s3 delete %s: %w", objectKey, err)
	}
	return nil
}

func (s *s3Storage) list(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("cache: s3 list %s: %w", prefix, err)
		}
		for _, object := range page.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
	}
	return keys, nil
}

func (s *s3Storage) Open(ctx context.Context, name string) (Store, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		created := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := s.put(ctx, s.markerKey(name), []byte(created)); err != nil {
			return nil, err
		}
	}
	return &s3Store{storage: s, name: name}, nil
}

func (s *s3Storage) Has(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.get(ctx, s.markerKey(name))
	return ok, err
}

func (s *s3Storage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := s.del(ctx, s.markerKey(name)); err != nil {
		return false, err
	}
	objects, err := s.list(ctx, s.storePrefix(name))
	if err != nil {
		return true, err
	}
	var errs []error
	for _, objectKey := range objects {
		if err := s.del(ctx, objectKey); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

func (s *s3Storage) Keys(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	objects, err := s.list(ctx, listPrefix)
	if err != nil {
		return nil, err
	}
	type named struct {
		name    string
		created int64
	}
	var ordered []named
	for _, objectKey := range objects {
		rel := strings.TrimPrefix(objectKey, listPrefix)
		encoded, rest, found := strings.Cut(rel, "/")
		if !found || rest != diskMarkerFile {
			continue
		}
		name, err := decodeName(encoded)
		if err != nil {
			continue
		}
		raw, ok, err := s.get(ctx, objectKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		created, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cache: store %s has corrupt marker %q", name, raw)
		}
		ordered = append(ordered, named{name: name, created: created})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].created == ordered[j].created {
			return ordered[i].name < ordered[j].name
		}
		return ordered[i].created < ordered[j].created
	})
	names := make([]string, len(ordered))
	for i, entry := range ordered {
		names[i] = entry.name
	}
	return names, nil
}

func (s *s3Storage) Match(ctx context.Context, key string) (Snapshot, string, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return Snapshot{}, "", false, err
	}
	return matchInOrder(ctx, names, func(_ context.Context, name string) (Store, bool, error) {
		return &s3Store{storage: s, name: name}, true, nil
	}, key)
}

func (s *s3Storage) Close(context.Context) error {
	return nil
}

func (c *s3Store) Name() string { return c.name }

func (c *s3Store) Match(ctx context.Context, key string) (Snapshot, bool, error) {
	payload, ok, err := c.storage.get(ctx, c.storage.entryKey(c.name, key))
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return Snapshot{}, false, err
	}
	if rec.Key != key {
		return Snapshot{}, false, nil
	}
	return rec.Snapshot, true, nil
}

func (c *s3Store) Put(ctx context.Context, key string, snapshot Snapshot) error {
	ok, err := c.storage.Has(ctx, c.name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoreNotFound
	}
	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now().UTC()
	}
	payload, err := encodeRecord(key, snapshot)
	if err != nil {
		return err
	}
	return c.storage.put(ctx, c.storage.entryKey(c.name, key), payload)
}

func (c *s3Store) Delete(ctx context.Context, key string) (bool, error) {
	objectKey := c.storage.entryKey(c.name, key)
	_, ok, err := c.storage.get(ctx, objectKey)
	if err != nil || !ok {
		return false, err
	}
	if err := c.storage.del(ctx, objectKey); err != nil {
		return false, err
	}
	return true, nil
}

func (c *s3Store) Keys(ctx context.Context) ([]string, error) {
	objects, err := c.storage.list(ctx, c.storage.storePrefix(c.name)+"entries/")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, objectKey := range objects {
		payload, ok, err := c.storage.get(ctx, objectKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			continue
		}
		keys = append(keys, rec.Key)
	}
	sort.Strings(keys)
	return keys, nil
}
