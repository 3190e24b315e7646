// Package azure serves terraform state from an Azure Blob Storage container.
package azure

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/internal/source"
)

// EnvConnectionString names the variable holding the storage account
// connection string.
const EnvConnectionString = "AZURE_STORAGE_CONNECTION_STRING"

func init() {
	source.Register(func(cfg config.Storage) (source.Source, error) {
		return New(cfg)
	}, config.ProviderAzure)
}

// API defines the blob operations used by the source.
type API interface {
	NewListBlobsFlatPager(containerName string, o *azblob.ListBlobsFlatOptions) *runtime.Pager[azblob.ListBlobsFlatResponse]
	DownloadStream(ctx context.Context, containerName string, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

// Source lists and fetches state blobs under container/prefix.
type Source struct {
	container string
	prefix    string

	mu     sync.Mutex
	client API
}

// New creates an Azure source. The connection string is read from the
// environment on first use.
func New(cfg config.Storage) (*Source, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure source: container is required")
	}
	return &Source{container: cfg.Container, prefix: cfg.Prefix}, nil
}

// NewWithClient creates an Azure source using the given client.
func NewWithClient(client API, container, prefix string) *Source {
	return &Source{container: container, prefix: prefix, client: client}
}

func (s *Source) Name() string { return "azure" }

func (s *Source) getClient() (API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	conn := os.Getenv(EnvConnectionString)
	if conn == "" {
		return nil, fmt.Errorf("azure source: %s is not set", EnvConnectionString)
	}
	client, err := azblob.NewClientFromConnectionString(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	s.client = client
	return s.client, nil
}

// List walks every page of the flat blob listing under the prefix.
func (s *Source) List(ctx context.Context) ([]string, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	opts := &azblob.ListBlobsFlatOptions{}
	if prefix := source.NormalizePrefix(s.prefix); prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}

	var keys []string
	pager := client.NewListBlobsFlatPager(s.container, opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", s.container, s.prefix, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	return source.Workspaces(s.prefix, keys), nil
}

// Fetch downloads <prefix>/<workspace>.tfstate.
func (s *Source) Fetch(ctx context.Context, workspace string) (*source.State, error) {
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	key := source.Key(s.prefix, workspace)
	resp, err := client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("fetch %s/%s: %w", s.container, key, source.ErrNotFound)
		}
		return nil, fmt.Errorf("fetch %s/%s: %w", s.container, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	st, err := source.Materialize(workspace, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", s.container, key, err)
	}
	return st, nil
}
