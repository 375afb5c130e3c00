package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/netly/fleetwatch/internal/core/ports"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
)

const DefaultPageSize = 20

// TaskObserver sees every short task the registry learns about, whether or
// not it lands in the visible page. prev is the last snapshot known for the
// same id, nil the first time the id is seen.
type TaskObserver interface {
	ObserveTask(prev *domain.ShortTask, next domain.ShortTask)
}

// TaskRegistry holds the paged, newest-first list view of background jobs
// and keeps it current from REST pages and pushed short task events.
type TaskRegistry struct {
	api        ports.TaskAPI
	navigation *NavigationTracker
	logger     *logger.Logger

	mu        sync.RWMutex
	order     []string
	byID      map[string]domain.ShortTask
	known     map[string]domain.ShortTask
	page      int
	pageSize  int
	total     int
	observers []TaskObserver
	listeners []func()
}

type TaskRegistryConfig struct {
	API        ports.TaskAPI
	Navigation *NavigationTracker
	Logger     *logger.Logger
	PageSize   int
}

func NewTaskRegistry(cfg TaskRegistryConfig) *TaskRegistry {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &TaskRegistry{
		api:        cfg.API,
		navigation: cfg.Navigation,
		logger:     cfg.Logger,
		byID:       make(map[string]domain.ShortTask),
		known:      make(map[string]domain.ShortTask),
		page:       1,
		pageSize:   cfg.PageSize,
	}
}

func (r *TaskRegistry) AddObserver(o TaskObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// OnChange registers fn to run after every change of the visible view.
func (r *TaskRegistry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// ==================== Queries ====================

// List fetches one page from the controller and makes it the visible view.
func (r *TaskRegistry) List(ctx context.Context, limit, offset int) ([]domain.ShortTask, int, error) {
	if limit <= 0 || offset < 0 {
		return nil, 0, ErrInvalidPage
	}

	tasks, total, err := r.api.ListTasks(ctx, limit, offset)
	if err != nil {
		r.logger.Warnw("task_list_failed", "limit", limit, "offset", offset, "error", err)
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}

	r.mu.Lock()
	r.order = r.order[:0]
	r.byID = make(map[string]domain.ShortTask, len(tasks))
	var transitions []observation
	for _, t := range tasks {
		if _, dup := r.byID[t.ID]; !dup {
			r.order = append(r.order, t.ID)
		}
		r.byID[t.ID] = t.Clone()
		transitions = append(transitions, r.rememberLocked(t))
	}
	r.page = offset/limit + 1
	r.pageSize = limit
	r.total = total
	observers, listeners := r.callbacksLocked()
	r.mu.Unlock()

	r.logger.Debugw("task_list_loaded", "page", offset/limit+1, "count", len(tasks), "total", total)
	notify(observers, transitions)
	for _, fn := range listeners {
		fn()
	}
	return cloneTasks(tasks), total, nil
}

// LoadPage loads the 1-based page using the configured page size. The load
// counts as a navigation for pending invalidations.
func (r *TaskRegistry) LoadPage(ctx context.Context, page int) error {
	if page < 1 {
		return ErrInvalidPage
	}
	if r.navigation != nil {
		r.navigation.Begin()
		defer r.navigation.End()
	}

	r.mu.RLock()
	size := r.pageSize
	r.mu.RUnlock()

	_, _, err := r.List(ctx, size, (page-1)*size)
	return err
}

// Refresh reloads the page currently shown.
func (r *TaskRegistry) Refresh(ctx context.Context) error {
	return r.LoadPage(ctx, r.Page())
}

func (r *TaskRegistry) Get(ctx context.Context, id string) (*domain.DetailedTask, error) {
	if id == "" {
		return nil, ErrTaskIDRequired
	}
	task, err := r.api.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// Tasks returns the visible view, newest first.
func (r *TaskRegistry) Tasks() []domain.ShortTask {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ShortTask, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

func (r *TaskRegistry) Lookup(id string) (domain.ShortTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return domain.ShortTask{}, false
	}
	return t.Clone(), true
}

func (r *TaskRegistry) Page() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.page
}

func (r *TaskRegistry) PageSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pageSize
}

func (r *TaskRegistry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// ==================== Events ====================

// ApplyShortTaskEvent folds one pushed short task into the view. Updates
// always upsert. A new task is inserted only when it is already shown or
// the first page is visible, since that is the only page it can appear on.
func (r *TaskRegistry) ApplyShortTaskEvent(kind domain.ShortTaskEventKind, task domain.ShortTask) {
	if task.ID == "" {
		r.logger.Warnw("task_event_without_id", "kind", kind)
		return
	}

	r.mu.Lock()
	_, present := r.byID[task.ID]
	apply := kind == domain.ShortTaskUpdate || present || r.page == 1
	if apply {
		if !present {
			r.order = append([]string{task.ID}, r.order...)
			if kind == domain.ShortTaskNew {
				r.total++
			}
			if len(r.order) > r.pageSize {
				for _, dropped := range r.order[r.pageSize:] {
					delete(r.byID, dropped)
				}
				r.order = r.order[:r.pageSize]
			}
		}
		r.byID[task.ID] = task.Clone()
	} else if kind == domain.ShortTaskNew {
		r.total++
	}
	transition := r.rememberLocked(task)
	observers, listeners := r.callbacksLocked()
	r.mu.Unlock()

	r.logger.Debugw("task_event_applied", "kind", kind, "task_id", task.ID, "state", task.State, "applied", apply)
	notify(observers, []observation{transition})
	if apply {
		for _, fn := range listeners {
			fn()
		}
	}
}

// ==================== Commands ====================

// Cancel asks the controller to cancel a job. The view is not touched; the
// resulting state change arrives as a pushed update.
func (r *TaskRegistry) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return ErrTaskIDRequired
	}
	if err := r.api.CancelTask(ctx, id); err != nil {
		r.logger.Warnw("task_cancel_failed", "task_id", id, "error", err)
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	r.logger.Infow("task_cancel_requested", "task_id", id)
	return nil
}

func (r *TaskRegistry) Retry(ctx context.Context, id string) error {
	if id == "" {
		return ErrTaskIDRequired
	}
	if err := r.api.RetryTask(ctx, id); err != nil {
		r.logger.Warnw("task_retry_failed", "task_id", id, "error", err)
		return fmt.Errorf("retry task %s: %w", id, err)
	}
	r.logger.Infow("task_retry_requested", "task_id", id)
	return nil
}

type observation struct {
	prev *domain.ShortTask
	next domain.ShortTask
}

func (r *TaskRegistry) rememberLocked(task domain.ShortTask) observation {
	obs := observation{next: task.Clone()}
	if prev, ok := r.known[task.ID]; ok {
		obs.prev = &prev
	}
	r.known[task.ID] = task.Clone()
	return obs
}

func (r *TaskRegistry) callbacksLocked() ([]TaskObserver, []func()) {
	return append([]TaskObserver(nil), r.observers...), append([]func(){}, r.listeners...)
}

func notify(observers []TaskObserver, transitions []observation) {
	for _, obs := range transitions {
		for _, o := range observers {
			o.ObserveTask(obs.prev, obs.next)
		}
	}
}

func cloneTasks(tasks []domain.ShortTask) []domain.ShortTask {
	out := make([]domain.ShortTask, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
