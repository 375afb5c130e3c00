package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/netly/fleetwatch/internal/core/ports"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
)

// DownloadTrigger selects which signal starts an automatic download.
type DownloadTrigger string

const (
	// TriggerOnNotification waits for image_built after an observed completion.
	TriggerOnNotification DownloadTrigger = "notification"
	// TriggerOnTask fires on the observed completion alone.
	TriggerOnTask DownloadTrigger = "task"
)

const (
	DefaultImageTaskType = "build_device_image_task"
	DefaultImageFormat   = "sd-card-image"
)

// DownloadDispatcher fetches freshly built images at most once per
// completed build, and only in the session holding leadership.
type DownloadDispatcher struct {
	artifacts     ports.ArtifactAPI
	leader        ports.LeaderElector
	toaster       ports.Toaster
	dir           string
	formats       map[string]struct{}
	imageTaskType string
	trigger       DownloadTrigger
	logger        *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// All keyed by configuration id. building holds image tasks last seen
	// pending or running; parked only ever holds notifications for those.
	mu        sync.Mutex
	building  map[string]string
	completed map[string]observedBuild
	parked    map[string]domain.ImageBuilt
}

type observedBuild struct {
	taskID string
	format string
}

type DownloadDispatcherConfig struct {
	Artifacts     ports.ArtifactAPI
	Leader        ports.LeaderElector
	Toaster       ports.Toaster
	Dir           string
	AutoFormats   []string
	ImageTaskType string
	Trigger       DownloadTrigger
	Logger        *logger.Logger
}

func NewDownloadDispatcher(cfg DownloadDispatcherConfig) *DownloadDispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.ImageTaskType == "" {
		cfg.ImageTaskType = DefaultImageTaskType
	}
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerOnNotification
	}
	if cfg.AutoFormats == nil {
		cfg.AutoFormats = []string{DefaultImageFormat}
	}
	formats := make(map[string]struct{}, len(cfg.AutoFormats))
	for _, f := range cfg.AutoFormats {
		formats[f] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DownloadDispatcher{
		artifacts:     cfg.Artifacts,
		leader:        cfg.Leader,
		toaster:       cfg.Toaster,
		dir:           cfg.Dir,
		formats:       formats,
		imageTaskType: cfg.ImageTaskType,
		trigger:       cfg.Trigger,
		logger:        cfg.Logger,
		ctx:           ctx,
		cancel:        cancel,
		building:      make(map[string]string),
		completed:     make(map[string]observedBuild),
		parked:        make(map[string]domain.ImageBuilt),
	}
}

// ObserveTask tracks image builds per configuration. Only a move into
// completed from an observed non-completed snapshot qualifies; a task whose
// first known snapshot is already completed finished before this session
// was watching.
func (d *DownloadDispatcher) ObserveTask(prev *domain.ShortTask, next domain.ShortTask) {
	if next.TaskType != d.imageTaskType {
		return
	}
	finished := next.State == domain.TaskStateCompleted && prev != nil && prev.State != domain.TaskStateCompleted

	device, ok := next.TaskSubmissionData.String("device_identifier")
	if !ok || device == "" {
		if finished {
			d.logger.Warnw("download_completion_ignored", "task_id", next.ID, "error", ErrNoDeviceIdentifier)
		}
		return
	}
	format, _ := next.TaskSubmissionData.String("image_format")

	if !next.State.Terminal() {
		d.mu.Lock()
		d.building[device] = next.ID
		d.mu.Unlock()
		return
	}
	if !finished {
		d.settle(device, next.ID)
		return
	}
	d.logger.Debugw("download_completion_observed", "task_id", next.ID, "configuration_id", device)

	if d.trigger == TriggerOnTask {
		d.settle(device, next.ID)
		if d.allowed(device, format) {
			d.start(device)
		}
		return
	}

	d.mu.Lock()
	if d.building[device] == next.ID {
		delete(d.building, device)
	}
	n, waiting := d.parked[device]
	if waiting {
		delete(d.parked, device)
	} else {
		d.completed[device] = observedBuild{taskID: next.ID, format: format}
	}
	d.mu.Unlock()

	if !waiting {
		return
	}
	d.logger.Debugw("download_parked_released", "configuration_id", device, "task_id", next.ID)
	if !formatMatches(format, n.ImageFormat) {
		d.logger.Debugw("download_skipped_format_mismatch", "configuration_id", device, "task_format", format, "notified_format", n.ImageFormat)
		return
	}
	if d.allowed(device, n.ImageFormat) {
		d.start(device)
	}
}

// settle forgets taskID's in-flight build and any notification parked for
// it once the task ends without a usable completion.
func (d *DownloadDispatcher) settle(device, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.building[device] != taskID {
		return
	}
	delete(d.building, device)
	if _, ok := d.parked[device]; ok {
		delete(d.parked, device)
		d.logger.Debugw("download_parked_dropped", "configuration_id", device, "task_id", taskID)
	}
}

// HandleImageBuilt starts a download when this session leads, the format
// auto-downloads and a completion of the configuration was observed and not
// yet used. A notification that overtakes its completing update is parked
// while a build of the configuration is still in flight; any other
// unmatched notification is dropped.
func (d *DownloadDispatcher) HandleImageBuilt(n domain.ImageBuilt) {
	if d.trigger != TriggerOnNotification {
		return
	}

	d.mu.Lock()
	done, ok := d.completed[n.ConfigurationID]
	if ok {
		delete(d.completed, n.ConfigurationID)
	}
	_, inFlight := d.building[n.ConfigurationID]
	if !ok && inFlight {
		d.parked[n.ConfigurationID] = n
	}
	d.mu.Unlock()

	switch {
	case ok:
		d.logger.Debugw("download_completion_consumed", "configuration_id", n.ConfigurationID, "task_id", done.taskID)
		if !formatMatches(done.format, n.ImageFormat) {
			d.logger.Debugw("download_skipped_format_mismatch", "configuration_id", n.ConfigurationID, "task_format", done.format, "notified_format", n.ImageFormat)
			return
		}
		if d.allowed(n.ConfigurationID, n.ImageFormat) {
			d.start(n.ConfigurationID)
		}
	case inFlight:
		d.logger.Debugw("download_parked", "configuration_id", n.ConfigurationID)
	default:
		d.logger.Debugw("download_notification_unmatched", "configuration_id", n.ConfigurationID)
	}
}

// formatMatches treats a task without an image_format as matching anything.
func formatMatches(taskFormat, notified string) bool {
	return taskFormat == "" || taskFormat == notified
}

func (d *DownloadDispatcher) allowed(configurationID, format string) bool {
	if d.leader == nil || !d.leader.IsLeader() {
		d.logger.Debugw("download_skipped_not_leader", "configuration_id", configurationID)
		return false
	}
	if _, ok := d.formats[format]; !ok {
		d.logger.Debugw("download_skipped_format", "configuration_id", configurationID, "format", format)
		return false
	}
	return true
}

func (d *DownloadDispatcher) start(identifier string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.download(identifier); err != nil {
			d.logger.Errorw("download_failed", "configuration_id", identifier, "error", err)
			d.toast(fmt.Sprintf("Image download for %s failed: %v", identifier, err))
		}
	}()
}

func (d *DownloadDispatcher) download(identifier string) error {
	if err := d.artifacts.HeadArtifact(d.ctx, identifier); err != nil {
		return fmt.Errorf("head: %w", err)
	}
	path, err := d.artifacts.DownloadArtifact(d.ctx, identifier, d.dir)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	d.logger.Infow("download_completed", "configuration_id", identifier, "path", path)
	d.toast(fmt.Sprintf("Image for %s saved to %s", identifier, path))
	return nil
}

func (d *DownloadDispatcher) toast(msg string) {
	if d.toaster != nil {
		d.toaster.Toast(msg)
	}
}

// Wait blocks until every started download has finished.
func (d *DownloadDispatcher) Wait() {
	d.wg.Wait()
}

// Close aborts running downloads and waits for them.
func (d *DownloadDispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
