package services

import (
	"sync"

	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
)

type SubscriptionState int

const (
	SubscriptionIdle SubscriptionState = iota
	SubscriptionPending
	SubscriptionActive
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "subscribing"
	case SubscriptionActive:
		return "subscribed"
	default:
		return "idle"
	}
}

// ControlSender delivers outbound control messages, dropping them while the
// channel is down.
type ControlSender interface {
	Send(msg domain.ControlMessage) bool
}

// TaskDetailSubscription follows the full output of at most one job. It
// owns the detailed record: the snapshot replaces it, output fragments are
// merged onto it, and messages for any other id are ignored.
type TaskDetailSubscription struct {
	sender ControlSender
	logger *logger.Logger

	mu        sync.Mutex
	state     SubscriptionState
	desired   string
	task      *domain.DetailedTask
	listeners []func(domain.DetailedTask)
}

func NewTaskDetailSubscription(sender ControlSender, log *logger.Logger) *TaskDetailSubscription {
	if log == nil {
		log = logger.NewNop()
	}
	return &TaskDetailSubscription{sender: sender, logger: log}
}

// Subscribe switches to id. Subscribing to the id already followed is a no-op.
func (s *TaskDetailSubscription) Subscribe(id string) error {
	if id == "" {
		return ErrTaskIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SubscriptionIdle && s.desired == id {
		return nil
	}
	s.desired = id
	s.task = nil
	s.state = SubscriptionPending
	sent := s.sender.Send(domain.ControlMessage{Type: domain.ControlSubscribeTask, TaskID: id})
	s.logger.Infow("task_subscribe", "task_id", id, "sent", sent)
	return nil
}

// Unsubscribe stops following the current job and clears the record.
func (s *TaskDetailSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SubscriptionIdle {
		return ErrNotSubscribed
	}
	id := s.desired
	s.sender.Send(domain.ControlMessage{Type: domain.ControlUnsubscribeTask, TaskID: id})
	s.desired = ""
	s.task = nil
	s.state = SubscriptionIdle
	s.logger.Infow("task_unsubscribe", "task_id", id)
	return nil
}

// HandleOpen re-announces the followed id after the channel (re)opens.
func (s *TaskDetailSubscription) HandleOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SubscriptionIdle {
		return
	}
	s.state = SubscriptionPending
	s.sender.Send(domain.ControlMessage{Type: domain.ControlSubscribeTask, TaskID: s.desired})
	s.logger.Debugw("task_resubscribe", "task_id", s.desired)
}

func (s *TaskDetailSubscription) HandleSnapshot(ev domain.SubscribedTaskEvent) {
	s.mu.Lock()
	if s.state == SubscriptionIdle || ev.TaskID != s.desired {
		s.mu.Unlock()
		s.logger.Debugw("task_snapshot_ignored", "task_id", ev.TaskID)
		return
	}
	task := ev.Task.Clone()
	if task.ID == "" {
		task.ID = ev.TaskID
	}
	s.task = &task
	s.state = SubscriptionActive
	snapshot, listeners := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// HandleOutput merges a fragment for the followed job. Fragments that arrive
// before the snapshot are dropped; the snapshot already contains them.
func (s *TaskDetailSubscription) HandleOutput(ev domain.TaskOutputEvent) {
	s.mu.Lock()
	if s.task == nil || ev.TaskID != s.desired {
		s.mu.Unlock()
		s.logger.Debugw("task_output_ignored", "task_id", ev.TaskID)
		return
	}
	ev.Fragment.MergeInto(s.task)
	snapshot, listeners := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Current returns a copy of the followed job, false before the first snapshot.
func (s *TaskDetailSubscription) Current() (domain.DetailedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return domain.DetailedTask{}, false
	}
	return s.task.Clone(), true
}

func (s *TaskDetailSubscription) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired
}

func (s *TaskDetailSubscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen registers fn to receive a copy of the record after every change.
func (s *TaskDetailSubscription) Listen(fn func(domain.DetailedTask)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *TaskDetailSubscription) snapshotLocked() (domain.DetailedTask, []func(domain.DetailedTask)) {
	return s.task.Clone(), append([]func(domain.DetailedTask){}, s.listeners...)
}
