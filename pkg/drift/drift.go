// Package drift defines the result model produced by a drift scan.
package drift

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Process exit codes derived from an Outcome.
const (
	ExitClean = 0
	ExitError = 1
	ExitDrift = 2
)

// Report is the result of planning a single workspace.
type Report struct {
	Workspace        string        `json:"workspace"`
	Drift            bool          `json:"drift"`
	ChangedResources int           `json:"changed_resources"`
	Duration         time.Duration `json:"-"`
	TerraformVersion string        `json:"terraform_version"`
	ExitCode         int           `json:"exit_code"`
	EarlyExit        bool          `json:"early_exit"`
}

// MarshalJSON renders Duration as whole milliseconds.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(struct {
		alias
		DurationMS int64 `json:"duration_ms"`
	}{alias(r), r.Duration.Milliseconds()})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Report) UnmarshalJSON(data []byte) error {
	type alias Report
	aux := struct {
		*alias
		DurationMS int64 `json:"duration_ms"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Duration = time.Duration(aux.DurationMS) * time.Millisecond
	return nil
}

// WorkspaceError records a workspace whose scan task failed.
type WorkspaceError struct {
	Workspace string
	NotFound  bool
	Err       error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s: %v", e.Workspace, e.Err)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}

// MarshalJSON flattens the wrapped error to its message.
func (e WorkspaceError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Workspace string `json:"workspace"`
		NotFound  bool   `json:"not_found"`
		Error     string `json:"error"`
	}{e.Workspace, e.NotFound, msg})
}

// UnmarshalJSON restores the error message as an opaque error.
func (e *WorkspaceError) UnmarshalJSON(data []byte) error {
	var aux struct {
		Workspace string `json:"workspace"`
		NotFound  bool   `json:"not_found"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Workspace = aux.Workspace
	e.NotFound = aux.NotFound
	if aux.Error != "" {
		e.Err = errors.New(aux.Error)
	}
	return nil
}

// Outcome aggregates every workspace report of one profile scan.
type Outcome struct {
	Profile   string           `json:"profile"`
	Reports   []Report         `json:"results"`
	Failures  []WorkspaceError `json:"failures,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"-"`
}

// Sort orders reports and failures by workspace name.
func (o *Outcome) Sort() {
	sort.Slice(o.Reports, func(i, j int) bool {
		return o.Reports[i].Workspace < o.Reports[j].Workspace
	})
	sort.Slice(o.Failures, func(i, j int) bool {
		return o.Failures[i].Workspace < o.Failures[j].Workspace
	})
}

// Drifted returns the reports that detected drift.
func (o *Outcome) Drifted() []Report {
	var out []Report
	for _, r := range o.Reports {
		if r.Drift {
			out = append(out, r)
		}
	}
	return out
}

// HasDrift reports whether any workspace drifted.
func (o *Outcome) HasDrift() bool {
	for _, r := range o.Reports {
		if r.Drift {
			return true
		}
	}
	return false
}

// Workspaces returns the names of every workspace accounted for,
// whether it succeeded or failed.
func (o *Outcome) Workspaces() []string {
	names := make([]string, 0, len(o.Reports)+len(o.Failures))
	for _, r := range o.Reports {
		names = append(names, r.Workspace)
	}
	for _, f := range o.Failures {
		names = append(names, f.Workspace)
	}
	sort.Strings(names)
	return names
}

// Err joins all task failures, or returns nil when every workspace succeeded.
func (o *Outcome) Err() error {
	if len(o.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(o.Failures))
	for i := range o.Failures {
		errs = append(errs, &o.Failures[i])
	}
	return errors.Join(errs...)
}

// ExitCode maps the outcome to the process exit convention.
// An operational failure takes precedence over detected drift.
func (o *Outcome) ExitCode() int {
	switch {
	case o == nil || len(o.Failures) > 0:
		return ExitError
	case o.HasDrift():
		return ExitDrift
	default:
		return ExitClean
	}
}

// MarshalJSON adds duration_ms alongside the regular fields.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type alias Outcome
	return json.Marshal(struct {
		alias
		DurationMS int64 `json:"duration_ms"`
		Drifted    int   `json:"drifted"`
	}{alias(o), o.Duration.Milliseconds(), len(o.Drifted())})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	type alias Outcome
	aux := struct {
		*alias
		DurationMS int64 `json:"duration_ms"`
	}{alias: (*alias)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.Duration = time.Duration(aux.DurationMS) * time.Millisecond
	return nil
}
