package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/netly/fleetwatch/internal/domain"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	mutedStyle     = lipgloss.NewStyle().Faint(true)
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	idColumn       = lipgloss.NewStyle().Width(38)
	typeColumn     = lipgloss.NewStyle().Width(26)
	stateColumn    = lipgloss.NewStyle().Width(11)
)

// StateStyle colours a task state.
func StateStyle(s domain.TaskState) lipgloss.Style {
	switch s {
	case domain.TaskStatePending:
		return pendingStyle
	case domain.TaskStateRunning:
		return runningStyle
	case domain.TaskStateCompleted:
		return completedStyle
	case domain.TaskStateFailed:
		return failedStyle
	}
	return mutedStyle
}

// Formatter renders tasks for the terminal.
type Formatter struct {
	writer io.Writer
	now    func() time.Time
}

func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{writer: writer, now: time.Now}
}

// FormatJSON writes v as indented JSON.
func (f *Formatter) FormatJSON(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// FormatTasks writes one page of the task list as a table.
func (f *Formatter) FormatTasks(tasks []domain.ShortTask, page, pageSize, total int) error {
	var b strings.Builder
	b.WriteString(headerStyle.Render(
		idColumn.Render("ID") + typeColumn.Render("TYPE") + stateColumn.Render("STATE") + "STARTED"))
	b.WriteString("\n")

	for _, t := range tasks {
		state := stateColumn.Render(StateStyle(t.State).Render(string(t.State)))
		b.WriteString(idColumn.Render(t.ID) + typeColumn.Render(t.TaskType) + state + f.started(t))
		if t.NixStatus != nil && t.NixStatus.Expected > 0 {
			b.WriteString(mutedStyle.Render(fmt.Sprintf("  %d/%d", t.NixStatus.Done, t.NixStatus.Expected)))
		}
		b.WriteString("\n")
	}

	pages := 1
	if pageSize > 0 && total > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	b.WriteString(mutedStyle.Render(fmt.Sprintf("page %d of %d, %d tasks", page, pages, total)))
	b.WriteString("\n")

	_, err := io.WriteString(f.writer, b.String())
	return err
}

// FormatTask writes the header and full output of one task.
func (f *Formatter) FormatTask(t domain.DetailedTask) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Task"), t.ID)
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Type"), t.TaskType)
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("State"), StateStyle(t.State).Render(string(t.State)))
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Started"), f.started(t.ShortTask))
	if t.EndTime != nil {
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Took"), duration(t.StartTime, *t.EndTime))
	}
	if t.Exception != nil {
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Error"), failedStyle.Render(*t.Exception))
	}
	if t.ProcessStdout != "" {
		b.WriteString("\n" + t.ProcessStdout)
		if !strings.HasSuffix(t.ProcessStdout, "\n") {
			b.WriteString("\n")
		}
	}
	if t.ProcessStderr != "" {
		b.WriteString("\n" + t.ProcessStderr)
		if !strings.HasSuffix(t.ProcessStderr, "\n") {
			b.WriteString("\n")
		}
	}
	for _, line := range t.NixErrorLogs {
		b.WriteString(failedStyle.Render(line) + "\n")
	}

	_, err := io.WriteString(f.writer, b.String())
	return err
}

func (f *Formatter) started(t domain.ShortTask) string {
	if t.StartTime <= 0 {
		return "-"
	}
	return humanize.RelTime(fromUnix(t.StartTime), f.now(), "ago", "from now")
}

func fromUnix(ts float64) time.Time {
	return time.Unix(0, int64(ts*1e9))
}

func duration(start, end float64) string {
	d := fromUnix(end).Sub(fromUnix(start)).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

// Follower prints the output a task gains between updates.
type Follower struct {
	writer io.Writer

	mu     sync.Mutex
	taskID string
	stdout string
	stderr string
	state  domain.TaskState
}

func NewFollower(writer io.Writer) *Follower {
	return &Follower{writer: writer}
}

// Update writes whatever t carries beyond the previous update. A different
// task or a replaced snapshot starts over.
func (f *Follower) Update(t domain.DetailedTask) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.ID != f.taskID {
		f.taskID, f.stdout, f.stderr, f.state = t.ID, "", "", ""
	}

	f.stdout = f.emit(f.stdout, t.ProcessStdout)
	f.stderr = f.emit(f.stderr, t.ProcessStderr)

	if t.State != f.state {
		f.state = t.State
		if t.State.Terminal() {
			fmt.Fprintf(f.writer, "%s %s\n", mutedStyle.Render("task "+t.ID), StateStyle(t.State).Render(string(t.State)))
		}
	}
}

func (f *Follower) emit(printed, current string) string {
	if !strings.HasPrefix(current, printed) {
		printed = ""
	}
	if delta := current[len(printed):]; delta != "" {
		io.WriteString(f.writer, delta)
	}
	return current
}
