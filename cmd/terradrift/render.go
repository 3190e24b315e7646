package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/yairfalse/terradrift/internal/history"
	"github.com/yairfalse/terradrift/pkg/drift"
)

// Output formats.
const (
	outputTable = "table"
	outputJSON  = "json"
)

func validateOutput(format string) error {
	switch format {
	case outputTable, outputJSON:
		return nil
	default:
		return fmt.Errorf("invalid output format: %s (must be one of: table, json)", format)
	}
}

// theme holds the status colors. Styles come from a renderer bound to the
// output so colors are dropped when it is not a terminal.
type theme struct {
	clean  lipgloss.Style
	drift  lipgloss.Style
	failed lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
}

func newTheme(w io.Writer) theme {
	r := lipgloss.NewRenderer(w)
	return theme{
		clean:  r.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		drift:  r.NewStyle().Foreground(lipgloss.Color("#E5C07B")).Bold(true),
		failed: r.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		cell:   r.NewStyle(),
	}
}

func (t theme) status(s string) lipgloss.Style {
	switch s {
	case "DRIFT":
		return t.drift
	case "ERROR":
		return t.failed
	default:
		return t.clean
	}
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderOutcome writes the per-workspace results followed by a summary line.
func renderOutcome(w io.Writer, outcome *drift.Outcome, format string) error {
	if format == outputJSON {
		return renderJSON(w, outcome)
	}

	th := newTheme(w)
	rows := make([][]string, 0, len(outcome.Reports)+len(outcome.Failures))
	for _, r := range outcome.Reports {
		status := "CLEAN"
		if r.Drift {
			status = "DRIFT"
		}
		version := r.TerraformVersion
		if version == "" {
			version = "unknown"
		}
		rows = append(rows, []string{
			r.Workspace,
			status,
			strconv.Itoa(r.ChangedResources),
			version,
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	for _, f := range outcome.Failures {
		reason := "error"
		if f.NotFound {
			reason = "state not found"
		}
		rows = append(rows, []string{f.Workspace, "ERROR", "-", reason, "-"})
	}

	if len(rows) == 0 {
		_, err := fmt.Fprintf(w, "No workspaces matched in profile %s.\n", outcome.Profile)
		return err
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("WORKSPACE", "STATUS", "CHANGED", "TERRAFORM", "DURATION").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return th.header.Padding(0, 1)
			case col == 1:
				return th.status(rows[row][1]).Padding(0, 1)
			default:
				return th.cell.Padding(0, 1)
			}
		})

	if _, err := fmt.Fprintln(w, tbl.String()); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "%s: %d workspace(s), %d drifted, %d failed in %s\n",
		outcome.Profile,
		len(rows),
		len(outcome.Drifted()),
		len(outcome.Failures),
		outcome.Duration.Round(time.Millisecond))
	return err
}

// historyView is the JSON shape of the history command.
type historyView struct {
	Scans      []history.Entry          `json:"scans"`
	Workspaces []history.WorkspaceState `json:"workspaces"`
}

func renderHistory(w io.Writer, profile string, view historyView, format string) error {
	if format == outputJSON {
		return renderJSON(w, view)
	}

	if len(view.Scans) == 0 {
		_, err := fmt.Fprintf(w, "No scan history for profile %s.\n", profile)
		return err
	}

	th := newTheme(w)
	scans := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("REV", "STARTED", "DURATION", "WORKSPACES", "DRIFTED", "FAILED").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return th.header.Padding(0, 1)
			}
			return th.cell.Padding(0, 1)
		})
	for _, e := range view.Scans {
		o := e.Outcome
		scans.Row(
			strconv.FormatInt(e.Revision, 10),
			o.StartedAt.Local().Format(time.DateTime),
			o.Duration.Round(time.Millisecond).String(),
			strconv.Itoa(len(o.Reports)+len(o.Failures)),
			strconv.Itoa(len(o.Drifted())),
			strconv.Itoa(len(o.Failures)),
		)
	}
	if _, err := fmt.Fprintln(w, scans.String()); err != nil {
		return err
	}

	statuses := make([]string, 0, len(view.Workspaces))
	workspaces := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("WORKSPACE", "STATUS", "DRIFT SINCE", "LAST REV", "LAST SCANNED")
	for _, st := range view.Workspaces {
		status, since := "CLEAN", "-"
		if st.Drift {
			status = "DRIFT"
			since = "rev " + strconv.FormatInt(st.DriftSinceRev, 10)
		}
		if st.Failed {
			status = "ERROR"
		}
		statuses = append(statuses, status)
		workspaces.Row(
			st.Workspace,
			status,
			since,
			strconv.FormatInt(st.LastRev, 10),
			st.LastScannedAt.Local().Format(time.DateTime),
		)
	}
	workspaces.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return th.header.Padding(0, 1)
		case col == 1:
			return th.status(statuses[row]).Padding(0, 1)
		default:
			return th.cell.Padding(0, 1)
		}
	})
	_, err := fmt.Fprintln(w, workspaces.String())
	return err
}
