// Package source defines the State Source interface that enumerates
// workspaces and materializes their terraform state as local files.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Suffix marks state objects in every backend.
const Suffix = ".tfstate"

// ErrNotFound is wrapped by Fetch when the workspace has no state object.
var ErrNotFound = errors.New("state not found")

// IsNotFound reports whether err means the state object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Source is the interface all state backends must implement.
type Source interface {
	// Name returns the backend identifier (e.g., "s3", "gcs", "local")
	Name() string

	// List returns the workspaces under the configured prefix, sorted.
	List(ctx context.Context) ([]string, error)

	// Fetch downloads the workspace state into a fresh local file owned by
	// the caller, who must Close it.
	Fetch(ctx context.Context, workspace string) (*State, error)
}

// State is a materialized state file. Close removes it.
type State struct {
	Workspace string
	Path      string

	once sync.Once
	err  error
}

// Close removes the local file. Safe to call more than once.
func (s *State) Close() error {
	s.once.Do(func() {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			s.err = fmt.Errorf("remove state file: %w", err)
		}
	})
	return s.err
}

// Materialize copies r into a new temp file named
// terradrift-<workspace>-<uuid>.tfstate.
func Materialize(workspace string, r io.Reader) (*State, error) {
	name := fmt.Sprintf("terradrift-%s-%s%s", fileSafe(workspace), uuid.NewString(), Suffix)
	path := filepath.Join(os.TempDir(), name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create state file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write state file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close state file: %w", err)
	}
	return &State{Workspace: workspace, Path: path}, nil
}

func fileSafe(workspace string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(workspace)
}

// NormalizePrefix returns prefix with exactly one trailing slash, or "" for
// an empty prefix.
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// Key returns the object key of a workspace's state under prefix.
func Key(prefix, workspace string) string {
	return NormalizePrefix(prefix) + workspace + Suffix
}

// Workspaces turns object keys into sorted, unique workspace names. Keys
// outside prefix or without the state suffix are ignored.
func Workspaces(prefix string, keys []string) []string {
	prefix = NormalizePrefix(prefix)
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, Suffix) {
			continue
		}
		ws := strings.TrimSuffix(strings.TrimPrefix(key, prefix), Suffix)
		if ws == "" {
			continue
		}
		if _, dup := seen[ws]; dup {
			continue
		}
		seen[ws] = struct{}{}
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}
