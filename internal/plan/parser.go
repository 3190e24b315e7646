package plan

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errEmptyLine = errors.New("empty line")

// record covers the shapes of `terraform plan -json` lines that carry changes.
type record struct {
	Type   string `json:"type"`
	Change *struct {
		Action string `json:"action"`
	} `json:"change"`
	ResourceChanges []struct {
		Change struct {
			Actions []string `json:"actions"`
		} `json:"change"`
	} `json:"resource_changes"`
}

// CountChanges decodes one line of plan output and returns how many change
// records it carries. Lines that are not a JSON object return an error and
// must be skipped by the caller.
func CountChanges(line []byte) (int, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, errEmptyLine
	}

	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, err
	}

	changes := 0
	for _, rc := range rec.ResourceChanges {
		if !isNoopActions(rc.Change.Actions) {
			changes++
		}
	}

	switch rec.Type {
	case "planned_change", "resource_drift":
		if rec.Change != nil && !isNoopAction(rec.Change.Action) {
			changes++
		}
	}

	return changes, nil
}

func isNoopActions(actions []string) bool {
	return len(actions) == 1 && actions[0] == "no-op"
}

func isNoopAction(action string) bool {
	return action == "noop" || action == "no-op"
}
