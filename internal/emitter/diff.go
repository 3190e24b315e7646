package emitter

import (
	"sort"
	"sync"

	"github.com/yairfalse/terradrift/pkg/drift"
)

// TransitionType classifies how a workspace changed between two scans.
type TransitionType string

const (
	// TransitionAdded is a workspace seen for the first time.
	TransitionAdded TransitionType = "added"
	// TransitionRemoved is a workspace no longer listed by the source.
	TransitionRemoved TransitionType = "removed"
	// TransitionDrifted is a clean workspace that now drifts.
	TransitionDrifted TransitionType = "drifted"
	// TransitionResolved is a drifted workspace that is clean again.
	TransitionResolved TransitionType = "resolved"
)

// Transition is one workspace status change.
type Transition struct {
	Type             TransitionType
	Workspace        string
	Drift            bool
	ChangedResources int
}

// DiffTracker tracks workspace drift between scans and detects transitions.
type DiffTracker struct {
	mu          sync.RWMutex
	previous    map[string]drift.Report
	initialized bool
}

// NewDiffTracker creates a new diff tracker.
func NewDiffTracker() *DiffTracker {
	return &DiffTracker{
		previous: make(map[string]drift.Report),
	}
}

// ComputeDiff compares an outcome against the previous one.
// Returns nil on first scan (baseline establishment).
// Returns empty slice if no changes detected.
//
// Failed workspaces are neither removed nor changed: a failed plan says
// nothing about drift.
func (d *DiffTracker) ComputeDiff(outcome *drift.Outcome) []Transition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil
	}

	current := indexReports(outcome.Reports)
	failed := make(map[string]bool, len(outcome.Failures))
	for _, f := range outcome.Failures {
		failed[f.Workspace] = true
	}

	transitions := make([]Transition, 0)
	for ws, prev := range d.previous {
		curr, exists := current[ws]
		switch {
		case !exists && !failed[ws]:
			transitions = append(transitions, Transition{Type: TransitionRemoved, Workspace: ws, Drift: prev.Drift})
		case !exists:
		case curr.Drift && !prev.Drift:
			transitions = append(transitions, transition(TransitionDrifted, curr))
		case !curr.Drift && prev.Drift:
			transitions = append(transitions, transition(TransitionResolved, curr))
		}
	}
	for ws, curr := range current {
		if _, exists := d.previous[ws]; !exists {
			transitions = append(transitions, transition(TransitionAdded, curr))
		}
	}

	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].Workspace < transitions[j].Workspace
	})
	return transitions
}

// Update stores the outcome as the new baseline. Failed workspaces keep
// their previous report.
func (d *DiffTracker) Update(outcome *drift.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := indexReports(outcome.Reports)
	for _, f := range outcome.Failures {
		if prev, ok := d.previous[f.Workspace]; ok {
			next[f.Workspace] = prev
		}
	}
	d.previous = next
	d.initialized = true
}

func indexReports(reports []drift.Report) map[string]drift.Report {
	m := make(map[string]drift.Report, len(reports))
	for _, r := range reports {
		m[r.Workspace] = r
	}
	return m
}

func transition(t TransitionType, r drift.Report) Transition {
	return Transition{
		Type:             t,
		Workspace:        r.Workspace,
		Drift:            r.Drift,
		ChangedResources: r.ChangedResources,
	}
}
