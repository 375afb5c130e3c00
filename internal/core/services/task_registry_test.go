package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/netly/fleetwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recordingObserver struct {
	seen []observation
}

func (o *recordingObserver) ObserveTask(prev *domain.ShortTask, next domain.ShortTask) {
	o.seen = append(o.seen, observation{prev: prev, next: next})
}

func ids(tasks []domain.ShortTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func seededAPI(n int) *fakeTaskAPI {
	api := &fakeTaskAPI{total: n}
	for i := n; i >= 1; i-- {
		api.tasks = append(api.tasks, shortTask(fmt.Sprintf("t%d", i), domain.TaskStateCompleted))
	}
	return api
}

func TestTaskRegistry_ListReplacesViewAndRecordsPage(t *testing.T) {
	api := seededAPI(25)
	r := NewTaskRegistry(TaskRegistryConfig{API: api, PageSize: 10})

	tasks, total, err := r.List(context.Background(), 10, 10)
	require.NoError(t, err)
	require.Equal(t, 25, total)
	require.Len(t, tasks, 10)
	require.Equal(t, "t15", tasks[0].ID)
	require.Equal(t, 2, r.Page())
	require.Equal(t, 25, r.Total())
	require.Equal(t, ids(tasks), ids(r.Tasks()))

	require.NoError(t, r.LoadPage(context.Background(), 3))
	require.Equal(t, []string{"t5", "t4", "t3", "t2", "t1"}, ids(r.Tasks()))
	require.Equal(t, 3, r.Page())
}

func TestTaskRegistry_ListFailureKeepsView(t *testing.T) {
	api := seededAPI(3)
	r := NewTaskRegistry(TaskRegistryConfig{API: api})
	require.NoError(t, r.LoadPage(context.Background(), 1))

	api.err = domain.ErrControllerStatus
	err := r.LoadPage(context.Background(), 1)
	require.True(t, errors.Is(err, domain.ErrControllerStatus))
	require.Len(t, r.Tasks(), 3)
}

func TestTaskRegistry_LoadPageCountsAsNavigation(t *testing.T) {
	nav := NewNavigationTracker()
	api := seededAPI(1)
	var during bool
	api.onList = func() { during = nav.InFlight() }
	r := NewTaskRegistry(TaskRegistryConfig{API: api, Navigation: nav})

	require.NoError(t, r.LoadPage(context.Background(), 1))
	require.True(t, during)
	require.False(t, nav.InFlight())

	require.ErrorIs(t, r.LoadPage(context.Background(), 0), ErrInvalidPage)
}

func TestTaskRegistry_NewTaskOnlyOnFirstPage(t *testing.T) {
	api := seededAPI(30)
	r := NewTaskRegistry(TaskRegistryConfig{API: api, PageSize: 10})

	require.NoError(t, r.LoadPage(context.Background(), 2))
	r.ApplyShortTaskEvent(domain.ShortTaskNew, shortTask("t31", domain.TaskStatePending))
	_, shown := r.Lookup("t31")
	assert.False(t, shown, "a new task belongs on page 1 only")
	assert.Equal(t, 31, r.Total())

	require.NoError(t, r.LoadPage(context.Background(), 1))
	r.ApplyShortTaskEvent(domain.ShortTaskNew, shortTask("t32", domain.TaskStatePending))
	view := r.Tasks()
	require.Len(t, view, 10)
	assert.Equal(t, "t32", view[0].ID)
	assert.Equal(t, "t22", view[9].ID)
}

func TestTaskRegistry_UpdateAlwaysUpserts(t *testing.T) {
	api := seededAPI(30)
	r := NewTaskRegistry(TaskRegistryConfig{API: api, PageSize: 10})
	require.NoError(t, r.LoadPage(context.Background(), 2))

	r.ApplyShortTaskEvent(domain.ShortTaskUpdate, shortTask("t15", domain.TaskStateFailed))
	got, ok := r.Lookup("t15")
	require.True(t, ok)
	require.Equal(t, domain.TaskStateFailed, got.State)

	r.ApplyShortTaskEvent(domain.ShortTaskUpdate, shortTask("t99", domain.TaskStateRunning))
	_, ok = r.Lookup("t99")
	require.True(t, ok)
	require.Len(t, r.Tasks(), 10)
}

func TestTaskRegistry_ObserversSeePreviousSnapshot(t *testing.T) {
	r := NewTaskRegistry(TaskRegistryConfig{API: seededAPI(0)})
	obs := &recordingObserver{}
	r.AddObserver(obs)

	r.ApplyShortTaskEvent(domain.ShortTaskNew, shortTask("t1", domain.TaskStatePending))
	r.ApplyShortTaskEvent(domain.ShortTaskUpdate, shortTask("t1", domain.TaskStateRunning))

	require.Len(t, obs.seen, 2)
	require.Nil(t, obs.seen[0].prev)
	require.NotNil(t, obs.seen[1].prev)
	require.Equal(t, domain.TaskStatePending, obs.seen[1].prev.State)
	require.Equal(t, domain.TaskStateRunning, obs.seen[1].next.State)
}

func TestTaskRegistry_ObserverSeesEventsOutsideVisiblePage(t *testing.T) {
	r := NewTaskRegistry(TaskRegistryConfig{API: seededAPI(30), PageSize: 10})
	require.NoError(t, r.LoadPage(context.Background(), 3))
	obs := &recordingObserver{}
	r.AddObserver(obs)

	r.ApplyShortTaskEvent(domain.ShortTaskNew, shortTask("t31", domain.TaskStatePending))
	require.Len(t, obs.seen, 1)
	require.Equal(t, "t31", obs.seen[0].next.ID)
}

func TestTaskRegistry_CommandsDoNotMutateView(t *testing.T) {
	api := seededAPI(2)
	r := NewTaskRegistry(TaskRegistryConfig{API: api})
	require.NoError(t, r.LoadPage(context.Background(), 1))
	before := r.Tasks()

	require.NoError(t, r.Cancel(context.Background(), "t1"))
	require.NoError(t, r.Retry(context.Background(), "t2"))
	require.ErrorIs(t, r.Cancel(context.Background(), ""), ErrTaskIDRequired)

	require.Equal(t, before, r.Tasks())
	require.Equal(t, []string{"t1"}, api.cancelled)
	require.Equal(t, []string{"t2"}, api.retried)
}

// Any sequence of updates for one id leaves the view equal to the last one.
func TestProperty_UpdateSequenceEqualsLastUpdate(t *testing.T) {
	states := []domain.TaskState{
		domain.TaskStatePending, domain.TaskStateRunning,
		domain.TaskStateCompleted, domain.TaskStateFailed,
	}
	rapid.Check(t, func(t *rapid.T) {
		r := NewTaskRegistry(TaskRegistryConfig{API: seededAPI(0)})
		n := rapid.IntRange(1, 30).Draw(t, "n")

		var last domain.ShortTask
		for i := 0; i < n; i++ {
			last = shortTask("t1", rapid.SampledFrom(states).Draw(t, "state"))
			last.StartTime = rapid.Float64Range(0, 1e9).Draw(t, "start")
			r.ApplyShortTaskEvent(domain.ShortTaskUpdate, last)
		}

		got, ok := r.Lookup("t1")
		require.True(t, ok)
		require.Equal(t, last, got)
		require.Len(t, r.Tasks(), 1)
	})
}
