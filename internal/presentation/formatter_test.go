package presentation

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func TestFormatTasks(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)
	f.now = func() time.Time { return now }

	tasks := []domain.ShortTask{
		{ID: "t2", TaskType: "build_device_image_task", State: domain.TaskStateRunning,
			StartTime: unix(now.Add(-3 * time.Minute)), NixStatus: &domain.NixStatus{Done: 1, Expected: 4}},
		{ID: "t1", TaskType: "deploy_devices_task", State: domain.TaskStateFailed,
			StartTime: unix(now.Add(-2 * time.Hour))},
	}
	require.NoError(t, f.FormatTasks(tasks, 2, 2, 5))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "t2")
	assert.Contains(t, lines[1], "running")
	assert.Contains(t, lines[1], "3 minutes ago")
	assert.Contains(t, lines[1], "1/4")
	assert.Contains(t, lines[2], "failed")
	assert.Contains(t, lines[2], "2 hours ago")
	assert.Equal(t, "page 2 of 3, 5 tasks", lines[3])
}

func TestFormatTask(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)
	f.now = func() time.Time { return now }

	end := unix(now.Add(-time.Minute))
	exc := "boom"
	require.NoError(t, f.FormatTask(domain.DetailedTask{
		ShortTask: domain.ShortTask{
			ID: "t1", TaskType: "deploy_devices_task", State: domain.TaskStateFailed,
			StartTime: unix(now.Add(-2 * time.Minute)), EndTime: &end, Exception: &exc,
		},
		ProcessStdout: "line one\nline two",
	}))

	out := buf.String()
	assert.Contains(t, out, "Task t1")
	assert.Contains(t, out, "State failed")
	assert.Contains(t, out, "Took 1m0s")
	assert.Contains(t, out, "Error boom")
	assert.True(t, strings.HasSuffix(out, "line one\nline two\n"))
}

func TestFollower_PrintsOnlyNewOutput(t *testing.T) {
	var buf bytes.Buffer
	fl := NewFollower(&buf)

	task := domain.DetailedTask{ShortTask: domain.ShortTask{ID: "t1", State: domain.TaskStateRunning}}
	task.ProcessStdout = "a\n"
	fl.Update(task)
	task.ProcessStdout = "a\nb\n"
	fl.Update(task)
	fl.Update(task)
	task.State = domain.TaskStateCompleted
	fl.Update(task)

	assert.Equal(t, "a\nb\ntask t1 completed\n", buf.String())
}

func TestFollower_RestartsOnNewTask(t *testing.T) {
	var buf bytes.Buffer
	fl := NewFollower(&buf)

	fl.Update(domain.DetailedTask{ShortTask: domain.ShortTask{ID: "t1"}, ProcessStdout: "one\n"})
	fl.Update(domain.DetailedTask{ShortTask: domain.ShortTask{ID: "t2"}, ProcessStdout: "one\n"})

	assert.Equal(t, "one\none\n", buf.String())
}
