// Package history persists scan outcomes in bbolt and keeps an in-memory
// index of the latest known status of every workspace.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/terradrift/pkg/drift"
)

// Bucket names in bbolt
var (
	bucketScans = []byte("scans")
	bucketMeta  = []byte("meta")

	keyRevision = []byte("current_revision")
)

// ErrNotFound is returned when a profile or workspace has no history.
var ErrNotFound = errors.New("no history")

// Store is revisioned scan history. Every recorded Outcome gets a new,
// strictly increasing revision.
type Store struct {
	mu sync.RWMutex

	// In-memory index for fast lookups
	index *btree.BTreeG[*WorkspaceState]

	// On-disk storage
	db *bbolt.DB

	// Current revision number
	currentRev int64
}

// WorkspaceState tracks a workspace's most recent status in the index
type WorkspaceState struct {
	Profile          string    `json:"profile"`
	Workspace        string    `json:"workspace"`
	LastRev          int64     `json:"last_revision"`
	LastScannedAt    time.Time `json:"last_scanned_at"`
	Drift            bool      `json:"drift"`
	ChangedResources int       `json:"changed_resources"`
	Failed           bool      `json:"failed"`
	// DriftSinceRev is the revision that started the current drift streak,
	// zero while the workspace is clean.
	DriftSinceRev int64 `json:"drift_since_revision,omitempty"`
}

func lessState(a, b *WorkspaceState) bool {
	if a.Profile != b.Profile {
		return a.Profile < b.Profile
	}
	return a.Workspace < b.Workspace
}

// Entry is one recorded outcome.
type Entry struct {
	Revision int64         `json:"revision"`
	Outcome  drift.Outcome `json:"outcome"`
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketScans, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history buckets: %w", err)
	}

	s := &Store{
		index: btree.NewG[*WorkspaceState](32, lessState),
		db:    db,
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores outcome under a new revision and updates the index.
func (s *Store) Record(outcome *drift.Outcome) (int64, error) {
	if outcome == nil {
		return 0, fmt.Errorf("record history: nil outcome")
	}
	value, err := json.Marshal(outcome)
	if err != nil {
		return 0, fmt.Errorf("encode outcome: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	err = s.db.Update(func(tx *bbolt.Tx) error {
		profile, err := tx.Bucket(bucketScans).CreateBucketIfNotExists([]byte(outcome.Profile))
		if err != nil {
			return err
		}
		if err := profile.Put(revisionKey(rev), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, []byte(strconv.FormatInt(rev, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("record history: %w", err)
	}

	s.currentRev = rev
	s.updateIndex(outcome, rev)
	return rev, nil
}

// Recent returns up to n outcomes of profile, newest first. n <= 0 means all.
func (s *Store) Recent(profile string, n int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketScans).Bucket([]byte(profile))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(entries) >= n {
				break
			}
			entry := Entry{Revision: parseRevisionKey(k)}
			if err := json.Unmarshal(v, &entry.Outcome); err != nil {
				return fmt.Errorf("decode revision %d: %w", entry.Revision, err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Workspace returns the indexed status of one workspace.
func (s *Store) Workspace(profile, workspace string) (*WorkspaceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, found := s.index.Get(&WorkspaceState{Profile: profile, Workspace: workspace})
	if !found {
		return nil, fmt.Errorf("workspace %s/%s: %w", profile, workspace, ErrNotFound)
	}
	cp := *state
	return &cp, nil
}

// Workspaces returns the indexed status of every workspace of profile,
// ordered by name.
func (s *Store) Workspaces(profile string) []WorkspaceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []WorkspaceState
	s.index.AscendGreaterOrEqual(&WorkspaceState{Profile: profile}, func(state *WorkspaceState) bool {
		if state.Profile != profile {
			return false
		}
		out = append(out, *state)
		return true
	})
	return out
}

// CurrentRevision returns the current revision number
func (s *Store) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Compact removes all but the newest keep outcomes of every profile.
// The index is unaffected.
func (s *Store) Compact(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		scans := tx.Bucket(bucketScans)
		return scans.ForEachBucket(func(name []byte) error {
			b := scans.Bucket(name)
			var toDelete [][]byte
			seen := 0
			c := b.Cursor()
			for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
				seen++
				if seen > keep {
					toDelete = append(toDelete, append([]byte(nil), k...))
				}
			}
			for _, key := range toDelete {
				if err := b.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Store) updateIndex(outcome *drift.Outcome, rev int64) {
	scannedAt := outcome.StartedAt.Add(outcome.Duration)

	for _, r := range outcome.Reports {
		state := s.stateFor(outcome.Profile, r.Workspace)
		state.LastRev = rev
		state.LastScannedAt = scannedAt
		state.Failed = false
		state.ChangedResources = r.ChangedResources
		switch {
		case r.Drift && !state.Drift:
			state.DriftSinceRev = rev
		case !r.Drift:
			state.DriftSinceRev = 0
		}
		state.Drift = r.Drift
		s.index.ReplaceOrInsert(state)
	}

	// a failed scan says nothing about drift, keep the last known verdict
	for _, f := range outcome.Failures {
		state := s.stateFor(outcome.Profile, f.Workspace)
		state.LastRev = rev
		state.LastScannedAt = scannedAt
		state.Failed = true
		s.index.ReplaceOrInsert(state)
	}
}

func (s *Store) stateFor(profile, workspace string) *WorkspaceState {
	key := &WorkspaceState{Profile: profile, Workspace: workspace}
	if existing, found := s.index.Get(key); found {
		return existing
	}
	return key
}

// load restores the revision counter and replays every stored outcome into
// the index in revision order.
func (s *Store) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			rev, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("parse current revision: %w", err)
			}
			s.currentRev = rev
		}

		scans := tx.Bucket(bucketScans)
		return scans.ForEachBucket(func(name []byte) error {
			return scans.Bucket(name).ForEach(func(k, v []byte) error {
				var outcome drift.Outcome
				if err := json.Unmarshal(v, &outcome); err != nil {
					return fmt.Errorf("decode revision %d: %w", parseRevisionKey(k), err)
				}
				s.updateIndex(&outcome, parseRevisionKey(k))
				return nil
			})
		})
	})
}

func revisionKey(rev int64) []byte {
	return []byte(fmt.Sprintf("%016d", rev))
}

func parseRevisionKey(key []byte) int64 {
	rev, _ := strconv.ParseInt(string(key), 10, 64)
	return rev
}
