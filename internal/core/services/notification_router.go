package services

import (
	"context"
	"sync"
	"time"

	"github.com/netly/fleetwatch/internal/core/ports"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"github.com/netly/fleetwatch/pkg/clock"
)

const DefaultNavigationPollInterval = 100 * time.Millisecond

// ImageBuiltHandler decides whether a finished image is fetched.
type ImageBuiltHandler interface {
	HandleImageBuilt(n domain.ImageBuilt)
}

// NotificationRouter turns server notifications into local side effects.
type NotificationRouter struct {
	toaster      ports.Toaster
	invalidator  ports.Invalidator
	navigation   ports.NavigationState
	images       ImageBuiltHandler
	clock        clock.Clock
	pollInterval time.Duration
	logger       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type NotificationRouterConfig struct {
	Toaster      ports.Toaster
	Invalidator  ports.Invalidator
	Navigation   ports.NavigationState
	Images       ImageBuiltHandler
	Clock        clock.Clock
	PollInterval time.Duration
	Logger       *logger.Logger
}

func NewNotificationRouter(cfg NotificationRouterConfig) *NotificationRouter {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultNavigationPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NotificationRouter{
		toaster:      cfg.Toaster,
		invalidator:  cfg.Invalidator,
		navigation:   cfg.Navigation,
		images:       cfg.Images,
		clock:        cfg.Clock,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (r *NotificationRouter) Route(n domain.Notification) {
	switch ev := n.(type) {
	case domain.FrontendToast:
		r.logger.Debugw("notification_toast", "message", ev.Message)
		if r.toaster != nil {
			r.toaster.Toast(ev.Message)
		}

	case domain.ShouldInvalidate:
		if r.invalidator == nil {
			return
		}
		r.wg.Add(1)
		go r.invalidateWhenIdle(ev.Paths)

	case domain.ImageBuilt:
		r.logger.Infow("notification_image_built", "configuration_id", ev.ConfigurationID, "format", ev.ImageFormat)
		if r.images != nil {
			r.images.HandleImageBuilt(ev)
		}

	default:
		r.logger.Debugw("notification_unhandled", "type", n.Type())
	}
}

// invalidateWhenIdle polls until no navigation is in flight, then
// invalidates once.
func (r *NotificationRouter) invalidateWhenIdle(paths []string) {
	defer r.wg.Done()

	for r.navigation != nil && r.navigation.InFlight() {
		select {
		case <-r.ctx.Done():
			r.logger.Debugw("invalidation_abandoned", "paths", paths)
			return
		case <-r.clock.After(r.pollInterval):
		}
	}

	select {
	case <-r.ctx.Done():
		return
	default:
	}
	dropped := r.invalidator.Invalidate(paths)
	r.logger.Debugw("invalidation_applied", "paths", paths, "dropped", dropped)
}

// Close abandons pending invalidations and waits for their goroutines.
func (r *NotificationRouter) Close() {
	r.cancel()
	r.wg.Wait()
}
