// Package local serves terraform state from a directory of .tfstate files.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/yairfalse/terradrift/internal/config"
	"github.com/yairfalse/terradrift/internal/source"
)

func init() {
	source.Register(func(cfg config.Storage) (source.Source, error) {
		return New(cfg.Path)
	}, config.ProviderLocal, config.ProviderMock)
}

// Source reads state files below a root directory.
type Source struct {
	root string
}

// New creates a local source rooted at dir. The directory is not checked
// until the first List or Fetch.
func New(dir string) (*Source, error) {
	if dir == "" {
		return nil, fmt.Errorf("local source: path is required")
	}
	return &Source{root: dir}, nil
}

func (s *Source) Name() string { return "local" }

// List walks the root and returns every *.tfstate file as a workspace.
func (s *Source) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.root, err)
	}
	return source.Workspaces("", keys), nil
}

// Fetch copies the workspace's state file into a fresh temp file, so closing
// the handle never touches the source directory.
func (s *Source) Fetch(ctx context.Context, workspace string) (*source.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.root, filepath.FromSlash(source.Key("", workspace)))
	f, err := os.Open(path) // #nosec G304 -- path is built from the configured root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("fetch %s: %w", workspace, source.ErrNotFound)
		}
		return nil, fmt.Errorf("fetch %s: %w", workspace, err)
	}
	defer func() { _ = f.Close() }()

	st, err := source.Materialize(workspace, f)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", workspace, err)
	}
	return st, nil
}
