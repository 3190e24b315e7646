// Package gcs serves terraform state from a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/internal/source"
)

func init() {
	source.Register(func(cfg config.Storage) (source.Source, error) {
		return New(cfg)
	}, config.ProviderGCS)
}

// bucketHandle abstracts a GCS bucket handle for testability.
type bucketHandle interface {
	Objects(ctx context.Context, q *storage.Query) objectIterator
	Object(name string) objectHandle
}

// objectIterator abstracts a GCS object iterator.
type objectIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

// objectHandle abstracts a GCS object handle.
type objectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
}

// realBucketHandle wraps *storage.BucketHandle to satisfy bucketHandle.
type realBucketHandle struct{ bh *storage.BucketHandle }

func (r *realBucketHandle) Objects(ctx context.Context, q *storage.Query) objectIterator {
	return r.bh.Objects(ctx, q)
}

func (r *realBucketHandle) Object(name string) objectHandle {
	return &realObjectHandle{r.bh.Object(name)}
}

type realObjectHandle struct{ oh *storage.ObjectHandle }

func (r *realObjectHandle) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return r.oh.NewReader(ctx)
}

// Source lists and fetches state objects under bucket/prefix.
type Source struct {
	bucket          string
	prefix          string
	credentialsFile string

	mu     sync.Mutex
	client *storage.Client
	handle bucketHandle
}

var _ io.Closer = (*Source)(nil)

// New creates a GCS source. The client is created on first use.
func New(cfg config.Storage) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs source: bucket is required")
	}
	return &Source{
		bucket:          cfg.Bucket,
		prefix:          cfg.Prefix,
		credentialsFile: cfg.CredentialsFile,
	}, nil
}

func (s *Source) Name() string { return "gcs" }

func (s *Source) getBucket(ctx context.Context) (bucketHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return s.handle, nil
	}

	var opts []option.ClientOption
	if s.credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, s.credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s.client = client
	s.handle = &realBucketHandle{client.Bucket(s.bucket)}
	return s.handle, nil
}

// List iterates every object under the prefix.
func (s *Source) List(ctx context.Context) ([]string, error) {
	bucket, err := s.getBucket(ctx)
	if err != nil {
		return nil, err
	}

	it := bucket.Objects(ctx, &storage.Query{Prefix: source.NormalizePrefix(s.prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", s.bucket, s.prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return source.Workspaces(s.prefix, keys), nil
}

// Fetch downloads <prefix>/<workspace>.tfstate.
func (s *Source) Fetch(ctx context.Context, workspace string) (*source.State, error) {
	bucket, err := s.getBucket(ctx)
	if err != nil {
		return nil, err
	}

	key := source.Key(s.prefix, workspace)
	r, err := bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("fetch gs://%s/%s: %w", s.bucket, key, source.ErrNotFound)
		}
		return nil, fmt.Errorf("fetch gs://%s/%s: %w", s.bucket, key, err)
	}
	defer func() { _ = r.Close() }()

	st, err := source.Materialize(workspace, r)
	if err != nil {
		return nil, fmt.Errorf("fetch gs://%s/%s: %w", s.bucket, key, err)
	}
	return st, nil
}

// Close releases the client if one was created.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client, s.handle = nil, nil
	return err
}
