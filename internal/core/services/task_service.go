package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netly/fleetwatch/internal/core/ports"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"github.com/netly/fleetwatch/pkg/clock"
)

// TaskService is the in-memory job store of the development controller.
// Every mutation is pushed to connected sessions while the store lock is
// held, so a snapshot taken through WithTask is never overtaken by output
// it already contains.
type TaskService struct {
	broadcaster   ports.EventBroadcaster
	clock         clock.Clock
	logger        *logger.Logger
	artifactBytes int

	mu        sync.RWMutex
	tasks     map[string]*domain.DetailedTask
	order     []string
	artifacts map[string][]byte
}

type TaskServiceConfig struct {
	Broadcaster   ports.EventBroadcaster
	Clock         clock.Clock
	Logger        *logger.Logger
	ArtifactBytes int
}

func NewTaskService(cfg TaskServiceConfig) *TaskService {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.ArtifactBytes <= 0 {
		cfg.ArtifactBytes = 4096
	}
	return &TaskService{
		broadcaster:   cfg.Broadcaster,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		artifactBytes: cfg.ArtifactBytes,
		tasks:         make(map[string]*domain.DetailedTask),
		artifacts:     make(map[string][]byte),
	}
}

func (s *TaskService) timestamp() float64 {
	return float64(s.clock.Now().UnixNano()) / 1e9
}

// ==================== Task Management ====================

func (s *TaskService) CreateTask(taskType string, submission domain.JSONB) domain.ShortTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	task := &domain.DetailedTask{
		ShortTask: domain.ShortTask{
			ID:                 id,
			TaskType:           taskType,
			State:              domain.TaskStatePending,
			StartTime:          s.timestamp(),
			TaskSubmissionData: submission.Clone(),
		},
	}
	s.tasks[id] = task
	s.order = append([]string{id}, s.order...)

	s.logger.Infow("task_created", "task_id", id, "type", taskType)
	s.publishLocked(domain.ShortTaskNew, task)
	return task.ShortTask.Clone()
}

func (s *TaskService) StartTask(id string) error {
	return s.transition(id, domain.TaskStateRunning, nil)
}

func (s *TaskService) CompleteTask(id string) error {
	return s.transition(id, domain.TaskStateCompleted, nil)
}

func (s *TaskService) FailTask(id string, errStr string) error {
	return s.transition(id, domain.TaskStateFailed, &errStr)
}

func (s *TaskService) transition(id string, state domain.TaskState, exception *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	if task.State.Terminal() {
		return ErrTaskFinished
	}

	task.State = state
	fragment := domain.TaskFragment{State: &state}
	if state.Terminal() {
		end := s.timestamp()
		task.EndTime = &end
		fragment.EndTime = &end
	}
	if exception != nil {
		v := *exception
		task.Exception = &v
		fragment.Exception = &v
	}

	s.logger.Infow("task_transition", "task_id", id, "state", state)
	s.publishLocked(domain.ShortTaskUpdate, task)
	s.publishOutputLocked(id, fragment)
	return nil
}

// AppendOutput merges a fragment into the job and streams it to subscribers.
func (s *TaskService) AppendOutput(id string, fragment domain.TaskFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	fragment.MergeInto(task)
	if fragment.NixStatus != nil {
		s.publishLocked(domain.ShortTaskUpdate, task)
	}
	s.publishOutputLocked(id, fragment)
	return nil
}

func (s *TaskService) CancelTask(id string) error {
	return s.FailTask(id, "cancelled by user")
}

// RetryTask resubmits a failed job as a new one.
func (s *TaskService) RetryTask(id string) (domain.ShortTask, error) {
	s.mu.RLock()
	task, exists := s.tasks[id]
	var taskType string
	var submission domain.JSONB
	var state domain.TaskState
	if exists {
		taskType, submission, state = task.TaskType, task.TaskSubmissionData.Clone(), task.State
	}
	s.mu.RUnlock()

	if !exists {
		return domain.ShortTask{}, ErrTaskNotFound
	}
	if state != domain.TaskStateFailed {
		return domain.ShortTask{}, ErrTaskNotRetryable
	}
	return s.CreateTask(taskType, submission), nil
}

// ==================== Queries ====================

func (s *TaskService) GetTask(id string) (*domain.DetailedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	taskCopy := task.Clone()
	return &taskCopy, nil
}

// ListTasks returns one page, newest first, and the total number of jobs.
func (s *TaskService) ListTasks(limit, offset int) ([]domain.ShortTask, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.order)
	if offset >= total || limit <= 0 {
		return []domain.ShortTask{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]domain.ShortTask, 0, end-offset)
	for _, id := range s.order[offset:end] {
		out = append(out, s.tasks[id].ShortTask.Clone())
	}
	return out, total
}

// WithTask calls fn with a copy of the job while no mutation can run.
func (s *TaskService) WithTask(id string, fn func(domain.DetailedTask)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	fn(task.Clone())
	return nil
}

func (s *TaskService) Artifact(identifier string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.artifacts[identifier]
	return data, ok
}

// Notify pushes a notification to every session.
func (s *TaskService) Notify(n domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(n)
	}
}

// ==================== Simulation ====================

// SimulateBuild runs a fake image build for device in the background and
// returns the created job.
func (s *TaskService) SimulateBuild(ctx context.Context, device, format string, step time.Duration) domain.ShortTask {
	task := s.CreateTask(DefaultImageTaskType, domain.JSONB{
		"device_identifier": device,
		"image_format":      format,
	})
	go func() {
		if err := s.runBuild(ctx, task.ID, device, format, step); err != nil {
			s.logger.Warnw("simulated_build_aborted", "task_id", task.ID, "error", err)
		}
	}()
	return task
}

func (s *TaskService) runBuild(ctx context.Context, id, device, format string, step time.Duration) error {
	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(step):
			return nil
		}
	}

	s.Notify(domain.FrontendToast{Message: fmt.Sprintf("Building %s for %s", format, device)})
	if err := wait(); err != nil {
		return err
	}
	if err := s.StartTask(id); err != nil {
		return err
	}

	const derivations = 3
	for i := 1; i <= derivations; i++ {
		if err := wait(); err != nil {
			return err
		}
		line := fmt.Sprintf("building '/nix/store/%s-%s-step%d.drv'...\n", uuid.NewString()[:8], device, i)
		info := fmt.Sprintf("step %d/%d", i, derivations)
		err := s.AppendOutput(id, domain.TaskFragment{
			ProcessStdout: &line,
			NixInfoLogs:   []string{info},
			NixStatus:     &domain.NixStatus{Done: i, Expected: derivations},
		})
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.artifacts[device] = fakeImage(device, s.artifactBytes)
	s.mu.Unlock()

	if err := s.CompleteTask(id); err != nil {
		return err
	}
	s.Notify(domain.ImageBuilt{ConfigurationID: device, ImageFormat: format})
	s.Notify(domain.ShouldInvalidate{Paths: []string{"/api/tasks"}})
	return nil
}

func fakeImage(device string, size int) []byte {
	if device == "" {
		device = "image"
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = device[i%len(device)]
	}
	return data
}

func (s *TaskService) publishLocked(kind domain.ShortTaskEventKind, task *domain.DetailedTask) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(domain.ShortTaskEvent{Kind: kind, TaskID: task.ID, Task: task.ShortTask.Clone()})
}

func (s *TaskService) publishOutputLocked(id string, fragment domain.TaskFragment) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastTask(id, domain.TaskOutputEvent{TaskID: id, Fragment: fragment})
}
