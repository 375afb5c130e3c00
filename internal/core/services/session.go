package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/netly/fleetwatch/internal/core/ports"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"github.com/netly/fleetwatch/pkg/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type SessionConfig struct {
	Dialer      ports.Dialer
	Tasks       ports.TaskAPI
	Artifacts   ports.ArtifactAPI
	Toaster     ports.Toaster
	Invalidator ports.Invalidator
	Leader      ports.LeaderLock

	Clock  clock.Clock
	Logger *logger.Logger
	Tracer trace.Tracer

	RetryDelay             time.Duration
	PageSize               int
	NavigationPollInterval time.Duration

	DownloadDir   string
	AutoFormats   []string
	ImageTaskType string
	Trigger       DownloadTrigger
}

// Session is one client instance: a single channel to the controller and
// the components fed by it.
type Session struct {
	ID string

	Connection    *ConnectionManager
	Tasks         *TaskRegistry
	Detail        *TaskDetailSubscription
	Notifications *NotificationRouter
	Downloads     *DownloadDispatcher
	Navigation    *NavigationTracker

	leader ports.LeaderLock
	tracer trace.Tracer
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	opens  atomic.Int64

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("fleetwatch")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	id := uuid.NewString()
	log := cfg.Logger.With("session", id)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		Navigation: NewNavigationTracker(),
		leader:     cfg.Leader,
		tracer:     cfg.Tracer,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.Connection = NewConnectionManager(ConnectionManagerConfig{
		Dialer:     cfg.Dialer,
		Clock:      cfg.Clock,
		Logger:     log.Named("connection"),
		RetryDelay: cfg.RetryDelay,
		Handler:    s.Dispatch,
	})
	s.Tasks = NewTaskRegistry(TaskRegistryConfig{
		API:        cfg.Tasks,
		Navigation: s.Navigation,
		Logger:     log.Named("tasks"),
		PageSize:   cfg.PageSize,
	})
	s.Detail = NewTaskDetailSubscription(s.Connection, log.Named("detail"))
	s.Downloads = NewDownloadDispatcher(DownloadDispatcherConfig{
		Artifacts:     cfg.Artifacts,
		Leader:        cfg.Leader,
		Toaster:       cfg.Toaster,
		Dir:           cfg.DownloadDir,
		AutoFormats:   cfg.AutoFormats,
		ImageTaskType: cfg.ImageTaskType,
		Trigger:       cfg.Trigger,
		Logger:        log.Named("downloads"),
	})
	s.Notifications = NewNotificationRouter(NotificationRouterConfig{
		Toaster:      cfg.Toaster,
		Invalidator:  cfg.Invalidator,
		Navigation:   s.Navigation,
		Images:       s.Downloads,
		Clock:        cfg.Clock,
		PollInterval: cfg.NavigationPollInterval,
		Logger:       log.Named("notifications"),
	})

	s.Tasks.AddObserver(s.Downloads)
	s.Connection.OnOpen(s.Detail.HandleOpen)
	s.Connection.OnOpen(s.handleReopen)
	return s
}

// handleReopen reloads the shown page after every open but the first;
// updates sent while the channel was down are lost.
func (s *Session) handleReopen() {
	if s.opens.Add(1) == 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Tasks.Refresh(s.ctx); err != nil {
			s.logger.Warnw("task_refresh_failed", "page", s.Tasks.Page(), "error", err)
			return
		}
		s.logger.Debugw("task_refresh_after_reopen", "page", s.Tasks.Page())
	}()
}

// Dispatch routes one inbound event to the component that owns it.
func (s *Session) Dispatch(ev domain.Event) {
	_, span := s.tracer.Start(context.Background(), "fleetwatch.dispatch",
		trace.WithAttributes(attribute.String("event.type", string(ev.Type()))))
	defer span.End()

	switch e := ev.(type) {
	case domain.ShortTaskEvent:
		span.SetAttributes(attribute.String("task.id", e.TaskID))
		s.Tasks.ApplyShortTaskEvent(e.Kind, e.Task)
	case domain.SubscribedTaskEvent:
		span.SetAttributes(attribute.String("task.id", e.TaskID))
		s.Detail.HandleSnapshot(e)
	case domain.TaskOutputEvent:
		s.Detail.HandleOutput(e)
	case domain.Notification:
		s.Notifications.Route(e)
	default:
		s.logger.Debugw("event_unrouted", "type", ev.Type())
	}
}

// Start contends for leadership in the background and opens the channel.
func (s *Session) Start(ctx context.Context) {
	if s.leader != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.leader.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warnw("leader_election_failed", "error", err)
			}
		}()
	}
	s.Connection.Connect()
	s.logger.Infow("session_started")
}

// Run starts the session and blocks until ctx ends, then tears it down.
func (s *Session) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Close()
	return nil
}

// Close stops reconnecting, abandons pending invalidations and downloads
// and releases leadership.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.Connection.Close()
		s.Notifications.Close()
		s.Downloads.Close()
		if s.leader != nil {
			if err := s.leader.Close(); err != nil {
				s.logger.Warnw("leader_release_failed", "error", err)
			}
		}
		s.wg.Wait()
		s.logger.Infow("session_closed")
	})
}
