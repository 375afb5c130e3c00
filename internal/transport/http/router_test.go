package http

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleetwatch/internal/config"
	"github.com/netly/fleetwatch/internal/core/services"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/cache"
	"github.com/netly/fleetwatch/internal/infrastructure/controller"
	"github.com/netly/fleetwatch/internal/infrastructure/lock"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "secret"

type toastLog struct {
	mu       sync.Mutex
	messages []string
}

func (l *toastLog) Toast(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, message)
}

func (l *toastLog) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func startController(t *testing.T) (*config.Config, *services.TaskService) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Controller.BaseURL = "http://" + ln.Addr().String()
	cfg.Controller.Token = testToken
	cfg.Mock.StepDelay = 5 * time.Millisecond
	cfg.Mock.ArtifactBytes = 32

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	svc := SetupRoutes(app, RouterConfig{Context: ctx, Logger: logger.NewNop(), Config: &cfg})

	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return &cfg, svc
}

type clientSession struct {
	session *services.Session
	elector *lock.FileElector
	toasts  *toastLog
	dir     string
}

func startSession(t *testing.T, cfg *config.Config, lockDir string) *clientSession {
	t.Helper()

	elector, err := lock.NewFileElector(lock.ElectorConfig{
		Dir:           lockDir,
		BaseURL:       cfg.Controller.BaseURL,
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	resources := cache.New(time.Minute, nil)
	client := controller.NewClient(controller.ClientConfig{
		BaseURL:   cfg.Controller.BaseURL,
		APIPrefix: cfg.Controller.APIPrefix,
		Token:     cfg.Controller.Token,
		Timeout:   5 * time.Second,
		Cache:     resources,
	})
	dialer := controller.NewSocketDialer(controller.SocketDialerConfig{
		URL:   cfg.Controller.SocketURL(),
		Token: cfg.Controller.Token,
	})

	cs := &clientSession{elector: elector, toasts: &toastLog{}, dir: t.TempDir()}
	cs.session = services.NewSession(services.SessionConfig{
		Dialer:                 dialer,
		Tasks:                  client,
		Artifacts:              client,
		Toaster:                cs.toasts,
		Invalidator:            resources,
		Leader:                 elector,
		RetryDelay:             20 * time.Millisecond,
		NavigationPollInterval: 5 * time.Millisecond,
		DownloadDir:            cs.dir,
		AutoFormats:            cfg.Downloads.AutoFormats,
		ImageTaskType:          cfg.Downloads.ImageTaskType,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		cs.session.Close()
	})
	cs.session.Start(ctx)

	require.Eventually(t, func() bool {
		return cs.session.Connection.State() == services.ConnOpen
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, cs.session.Tasks.LoadPage(ctx, 1))
	return cs
}

func TestLoopback_BuildIsDownloadedByLeaderOnly(t *testing.T) {
	cfg, svc := startController(t)
	lockDir := t.TempDir()

	leader := startSession(t, cfg, lockDir)
	require.Eventually(t, leader.elector.IsLeader, 5*time.Second, 10*time.Millisecond)
	follower := startSession(t, cfg, lockDir)
	require.False(t, follower.elector.IsLeader())

	task := svc.SimulateBuild(context.Background(), "d1", "sd-card-image", cfg.Mock.StepDelay)

	image := filepath.Join(leader.dir, "d1.img")
	require.Eventually(t, func() bool {
		info, err := os.Stat(image)
		return err == nil && info.Size() == 32
	}, 5*time.Second, 10*time.Millisecond)

	for _, cs := range []*clientSession{leader, follower} {
		require.Eventually(t, func() bool {
			got, ok := cs.session.Tasks.Lookup(task.ID)
			return ok && got.State == domain.TaskStateCompleted
		}, 5*time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool {
			return cs.toasts.contains("Building sd-card-image for d1")
		}, 5*time.Second, 10*time.Millisecond)
	}

	leader.session.Downloads.Wait()
	follower.session.Downloads.Wait()
	entries, err := os.ReadDir(follower.dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLoopback_DetailFollowsSubscribedTask(t *testing.T) {
	cfg, svc := startController(t)
	cs := startSession(t, cfg, t.TempDir())

	other := svc.CreateTask("deploy_devices_task", nil)
	task := svc.SimulateBuild(context.Background(), "d2", "sd-card-image", cfg.Mock.StepDelay)
	require.NoError(t, cs.session.Detail.Subscribe(task.ID))

	line := "not mine\n"
	require.NoError(t, svc.AppendOutput(other.ID, domain.TaskFragment{ProcessStdout: &line}))

	require.Eventually(t, func() bool {
		got, ok := cs.session.Detail.Current()
		return ok && got.State == domain.TaskStateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, _ := cs.session.Detail.Current()
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, 3, strings.Count(got.ProcessStdout, "building '/nix/store/"))
	assert.NotContains(t, got.ProcessStdout, "not mine")
	assert.Len(t, got.NixInfoLogs, 3)
}

func TestRoutes_RequireToken(t *testing.T) {
	cfg := config.Defaults()
	cfg.Controller.Token = testToken
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	svc := SetupRoutes(app, RouterConfig{Logger: logger.NewNop(), Config: &cfg})
	svc.CreateTask("project_commit_task", nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/tasks", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/api/tasks?limit=5", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(controller.TotalCountHeader))

	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	req = httptest.NewRequest("GET", "/api/tasks?limit=5", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("If-None-Match", etag)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotModified, resp.StatusCode)

	svc.CreateTask("project_commit_task", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get(controller.TotalCountHeader))

	req = httptest.NewRequest("GET", "/api/task_status", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestRoutes_DownloadImage(t *testing.T) {
	cfg := config.Defaults()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	SetupRoutes(app, RouterConfig{Logger: logger.NewNop(), Config: &cfg})

	resp, err := app.Test(httptest.NewRequest("HEAD", "/api/download-image?identifier=d9", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/download-image", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
