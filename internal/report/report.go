package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/ledger"
	"github.com/mattjoyce/procpool/internal/pool"
	"github.com/mattjoyce/procpool/internal/tracker"
)

const maxCell = 48

// row is one table line; status drives the color of its status column.
type row struct {
	status tracker.Status
	cells  []string
}

// RenderRun renders one line per handle followed by the pool counters.
func RenderRun(title string, handles []*tracker.Handle, st pool.Stats, theme Theme) string {
	rows := make([]row, 0, len(handles))
	for _, h := range handles {
		_, started, completed := h.Times()
		var dur time.Duration
		if !started.IsZero() && !completed.IsZero() {
			dur = completed.Sub(started)
		}
		rows = append(rows, row{
			status: h.Status(),
			cells: []string{
				h.JobID(),
				string(h.Status()),
				pidText(h.WorkerPID()),
				durationText(dur),
				strconv.FormatInt(sinkRecords(h), 10),
				outcome(h),
			},
		})
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render(strings.ToUpper(title)),
		renderTable([]string{"JOB", "STATUS", "PID", "TIME", "RECORDS", "OUTCOME"}, rows, 1, theme),
		"",
		statsLine(st, theme),
	)
	return theme.Border.Render(content)
}

// RenderHistory renders ledger runs, newest first.
func RenderHistory(runs []ledger.Run, theme Theme) string {
	if len(runs) == 0 {
		return theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("HISTORY"),
			theme.Dim.Render("  No recorded runs."),
		))
	}

	rows := make([]row, 0, len(runs))
	for _, r := range runs {
		var out string
		switch {
		case r.LastError != nil:
			out = *r.LastError
		case len(r.Result) > 0:
			out = resultText(r.Result)
		}
		var records int64
		for _, s := range r.Sinks {
			records += s.Records
		}
		rows = append(rows, row{
			status: r.Status,
			cells: []string{
				r.CompletedAt.Local().Format("2006-01-02 15:04:05"),
				r.Builder,
				r.JobID,
				string(r.Status),
				pidText(r.WorkerPID),
				durationText(r.Duration()),
				strconv.FormatInt(records, 10),
				out,
			},
		})
	}

	header := []string{"COMPLETED", "BUILDER", "JOB", "STATUS", "PID", "TIME", "RECORDS", "OUTCOME"}
	return theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("HISTORY"),
		renderTable(header, rows, 3, theme),
	))
}

// FormatEvent renders one lifecycle event as a single line.
func FormatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.JobSettled:
		var je events.JobEvent
		_ = e.Decode(&je)
		typeStyle = theme.Status(tracker.Status(je.Status))
	case events.JobStarted:
		typeStyle = theme.StatusRunning
	case events.WorkerSpawned, events.WorkerExited:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-16s", e.Type)), describe(e))
}

func describe(e events.Event) string {
	switch e.Type {
	case events.WorkerSpawned, events.WorkerExited:
		var we events.WorkerEvent
		if err := e.Decode(&we); err != nil {
			return ""
		}
		desc := fmt.Sprintf("slot=%d pid=%d", we.Slot, we.PID)
		if we.Reason != "" {
			desc += " reason=" + we.Reason
		}
		return desc
	default:
		var je events.JobEvent
		if err := e.Decode(&je); err != nil {
			return ""
		}
		desc := fmt.Sprintf("[%s] %s", je.JobID, je.Status)
		if je.PID != 0 {
			desc += fmt.Sprintf(" pid=%d", je.PID)
		}
		if je.Error != "" {
			desc += " " + truncate(je.Error, maxCell)
		}
		return desc
	}
}

// renderTable pads every column to its widest cell. statusCol is colored
// by the row's status.
func renderTable(header []string, rows []row, statusCol int, theme Theme) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for i := range rows {
		for c, cell := range rows[i].cells {
			cell = truncate(cell, maxCell)
			rows[i].cells[c] = cell
			if w := lipgloss.Width(cell); w > widths[c] {
				widths[c] = w
			}
		}
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, joinCells(header, widths, func(int) lipgloss.Style { return theme.Header }))
	for _, r := range rows {
		r := r
		lines = append(lines, joinCells(r.cells, widths, func(c int) lipgloss.Style {
			if c == statusCol {
				return theme.Status(r.status)
			}
			return lipgloss.NewStyle()
		}))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func joinCells(cells []string, widths []int, style func(int) lipgloss.Style) string {
	parts := make([]string, len(cells))
	for c, cell := range cells {
		s := style(c).Width(widths[c])
		if c < len(cells)-1 {
			s = s.MarginRight(2)
		}
		parts[c] = s.Render(cell)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func statsLine(st pool.Stats, theme Theme) string {
	label := theme.Dim.Render
	return fmt.Sprintf(" %s %d  %s %s  %s %s  %s %s  %s %d  %s %d  %s %d",
		label("workers"), st.Workers,
		label("succeeded"), theme.StatusOK.Render(strconv.FormatUint(st.Succeeded, 10)),
		label("failed"), theme.StatusFailed.Render(strconv.FormatUint(st.Failed, 10)),
		label("timed out"), theme.StatusFailed.Render(strconv.FormatUint(st.TimedOut, 10)),
		label("cancelled"), st.Cancelled,
		label("crashed"), st.Crashed,
		label("respawned"), st.Respawned,
	)
}

func outcome(h *tracker.Handle) string {
	if raw, err := h.Result(); err == nil {
		return resultText(raw)
	}
	if err := h.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// resultText unquotes string results so they read naturally.
func resultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func sinkRecords(h *tracker.Handle) int64 {
	var n int64
	for _, s := range h.Sinks() {
		n += s.Records
	}
	return n
}

func pidText(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func durationText(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
