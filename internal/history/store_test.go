package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/terradrift/pkg/drift"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func outcome(profile string, started time.Time, drifted map[string]bool, failed ...string) *drift.Outcome {
	o := &drift.Outcome{Profile: profile, StartedAt: started, Duration: 3 * time.Second}
	for ws, d := range drifted {
		changed := 0
		if d {
			changed = 1
		}
		o.Reports = append(o.Reports, drift.Report{Workspace: ws, Drift: d, ChangedResources: changed})
	}
	for _, ws := range failed {
		o.Failures = append(o.Failures, drift.WorkspaceError{Workspace: ws, Err: errors.New("plan failed")})
	}
	o.Sort()
	return o
}

func TestStore_RecordAssignsRevisions(t *testing.T) {
	s, _ := openTestStore(t)
	assert.Equal(t, int64(0), s.CurrentRevision())

	now := time.Now().UTC().Truncate(time.Millisecond)
	rev1, err := s.Record(outcome("prod", now, map[string]bool{"a": false}))
	require.NoError(t, err)
	rev2, err := s.Record(outcome("staging", now, map[string]bool{"b": true}))
	require.NoError(t, err)

	assert.Equal(t, int64(1), rev1)
	assert.Equal(t, int64(2), rev2)
	assert.Equal(t, int64(2), s.CurrentRevision())
}

func TestStore_RecordNil(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Record(nil)
	assert.Error(t, err)
}

func TestStore_RecentNewestFirst(t *testing.T) {
	s, _ := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.Record(outcome("prod", base.Add(time.Duration(i)*time.Hour), map[string]bool{"a": i%2 == 1}))
		require.NoError(t, err)
	}
	_, err := s.Record(outcome("other", base, map[string]bool{"x": false}))
	require.NoError(t, err)

	all, err := s.Recent("prod", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(5), all[0].Revision)
	assert.Equal(t, int64(1), all[4].Revision)
	assert.True(t, all[0].Outcome.StartedAt.Equal(base.Add(4*time.Hour)))
	assert.Equal(t, 3*time.Second, all[0].Outcome.Duration)

	limited, err := s.Recent("prod", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(5), limited[0].Revision)
	assert.Equal(t, int64(4), limited[1].Revision)

	none, err := s.Recent("unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_RecentKeepsFailures(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Record(outcome("prod", time.Now(), map[string]bool{"a": false}, "b"))
	require.NoError(t, err)

	entries, err := s.Recent("prod", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Outcome.Failures, 1)
	assert.Equal(t, "b", entries[0].Outcome.Failures[0].Workspace)
	assert.EqualError(t, entries[0].Outcome.Failures[0].Err, "plan failed")
}

func TestStore_WorkspaceDriftStreak(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now()

	_, err := s.Record(outcome("prod", now, map[string]bool{"a": false}))
	require.NoError(t, err)
	_, err = s.Record(outcome("prod", now, map[string]bool{"a": true}))
	require.NoError(t, err)
	_, err = s.Record(outcome("prod", now, map[string]bool{"a": true}))
	require.NoError(t, err)

	st, err := s.Workspace("prod", "a")
	require.NoError(t, err)
	assert.True(t, st.Drift)
	assert.Equal(t, int64(2), st.DriftSinceRev)
	assert.Equal(t, int64(3), st.LastRev)
	assert.Equal(t, 1, st.ChangedResources)

	// a failed scan keeps the last verdict
	_, err = s.Record(outcome("prod", now, nil, "a"))
	require.NoError(t, err)
	st, err = s.Workspace("prod", "a")
	require.NoError(t, err)
	assert.True(t, st.Failed)
	assert.True(t, st.Drift)
	assert.Equal(t, int64(2), st.DriftSinceRev)

	_, err = s.Record(outcome("prod", now, map[string]bool{"a": false}))
	require.NoError(t, err)
	st, err = s.Workspace("prod", "a")
	require.NoError(t, err)
	assert.False(t, st.Failed)
	assert.False(t, st.Drift)
	assert.Zero(t, st.DriftSinceRev)
}

func TestStore_WorkspaceNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Workspace("prod", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_WorkspacesScopedToProfile(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now()
	_, err := s.Record(outcome("prod", now, map[string]bool{"b": true, "a": false}))
	require.NoError(t, err)
	_, err = s.Record(outcome("prod-eu", now, map[string]bool{"c": false}))
	require.NoError(t, err)

	states := s.Workspaces("prod")
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].Workspace)
	assert.Equal(t, "b", states[1].Workspace)

	assert.Len(t, s.Workspaces("prod-eu"), 1)
	assert.Empty(t, s.Workspaces("dev"))
}

func TestStore_ReopenRebuildsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)

	now := time.Now()
	_, err = s.Record(outcome("prod", now, map[string]bool{"a": false}))
	require.NoError(t, err)
	_, err = s.Record(outcome("prod", now, map[string]bool{"a": true}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, int64(2), s.CurrentRevision())
	st, err := s.Workspace("prod", "a")
	require.NoError(t, err)
	assert.True(t, st.Drift)
	assert.Equal(t, int64(2), st.DriftSinceRev)

	rev, err := s.Record(outcome("prod", now, map[string]bool{"a": true}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), rev)
}

func TestStore_Compact(t *testing.T) {
	s, _ := openTestStore(t)
	now := time.Now()
	for i := 0; i < 6; i++ {
		_, err := s.Record(outcome("prod", now, map[string]bool{"a": false}))
		require.NoError(t, err)
	}
	_, err := s.Record(outcome("dev", now, map[string]bool{"x": false}))
	require.NoError(t, err)

	require.NoError(t, s.Compact(2))

	entries, err := s.Recent("prod", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(6), entries[0].Revision)
	assert.Equal(t, int64(5), entries[1].Revision)

	dev, err := s.Recent("dev", 0)
	require.NoError(t, err)
	assert.Len(t, dev, 1)

	// index and revision counter survive compaction
	assert.Equal(t, int64(7), s.CurrentRevision())
	_, err = s.Workspace("prod", "a")
	assert.NoError(t, err)
}
