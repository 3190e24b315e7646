// Package s3 serves terraform state from an S3 (or S3-compatible) bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	s3svc "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/internal/source"
)

func init() {
	source.Register(func(cfg config.Storage) (source.Source, error) {
		return New(cfg)
	}, config.ProviderS3)
}

// API defines the S3 operations used by the source.
type API interface {
	ListObjectsV2(ctx context.Context, params *s3svc.ListObjectsV2Input, optFns ...func(*s3svc.Options)) (*s3svc.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3svc.GetObjectInput, optFns ...func(*s3svc.Options)) (*s3svc.GetObjectOutput, error)
}

// Source lists and fetches state objects under bucket/prefix.
type Source struct {
	bucket       string
	prefix       string
	region       string
	endpoint     string
	usePathStyle bool

	mu     sync.Mutex
	client API
}

// New creates an S3 source. AWS configuration and credentials are loaded on
// first use.
func New(cfg config.Storage) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 source: bucket is required")
	}
	return &Source{
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		region:       cfg.Region,
		endpoint:     cfg.Endpoint,
		usePathStyle: cfg.UsePathStyle,
	}, nil
}

// NewWithClient creates an S3 source using the given client.
func NewWithClient(client API, bucket, prefix string) *Source {
	return &Source{bucket: bucket, prefix: prefix, client: client}
}

func (s *Source) Name() string { return "s3" }

func (s *Source) getClient(ctx context.Context) (API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s.client = s3svc.NewFromConfig(awsCfg, func(o *s3svc.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
		}
		o.UsePathStyle = s.usePathStyle
	})
	return s.client, nil
}

// List follows every continuation token under the prefix.
func (s *Source) List(ctx context.Context) ([]string, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	input := &s3svc.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if prefix := source.NormalizePrefix(s.prefix); prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var keys []string
	paginator := s3svc.NewListObjectsV2Paginator(client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return source.Workspaces(s.prefix, keys), nil
}

// Fetch downloads <prefix>/<workspace>.tfstate.
func (s *Source) Fetch(ctx context.Context, workspace string) (*source.State, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	key := source.Key(s.prefix, workspace)
	out, err := client.GetObject(ctx, &s3svc.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("fetch s3://%s/%s: %w", s.bucket, key, source.ErrNotFound)
		}
		return nil, fmt.Errorf("fetch s3://%s/%s: %w", s.bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	st, err := source.Materialize(workspace, out.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch s3://%s/%s: %w", s.bucket, key, err)
	}
	return st, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
