package http

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/etag"
	"github.com/netly/fleetwatch/internal/config"
	"github.com/netly/fleetwatch/internal/core/services"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"github.com/netly/fleetwatch/internal/transport/http/handlers"
	httpmw "github.com/netly/fleetwatch/internal/transport/http/middleware"
)

type RouterConfig struct {
	// Context bounds the simulated builds started through the API.
	Context context.Context
	Logger  *logger.Logger
	Config  *config.Config
}

// SetupRoutes mounts the development controller on app and returns its
// task store.
func SetupRoutes(app *fiber.App, cfg RouterConfig) *services.TaskService {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	ctrl := cfg.Config.Controller

	hub := handlers.NewSocketHub(cfg.Logger.Named("hub"))
	taskService := services.NewTaskService(services.TaskServiceConfig{
		Broadcaster:   hub,
		Logger:        cfg.Logger.Named("tasks"),
		ArtifactBytes: cfg.Config.Mock.ArtifactBytes,
	})

	taskHandler := handlers.NewTaskHandler(cfg.Context, taskService, cfg.Config.Mock.StepDelay, cfg.Logger)
	socketHandler := handlers.NewSocketHandler(hub, taskService, cfg.Logger)

	auth := httpmw.TokenAuth(ctrl.Token)

	// Task status socket
	app.Use(ctrl.SocketPath, auth, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get(ctrl.SocketPath, websocket.New(socketHandler.Handle))

	api := app.Group(ctrl.APIPrefix, auth)

	tasks := api.Group("/tasks", etag.New())
	tasks.Get("/", taskHandler.ListTasks)
	tasks.Post("/simulate_build", taskHandler.SimulateBuild)
	tasks.Get("/:id", taskHandler.GetTask)
	tasks.Post("/:id/cancel", taskHandler.CancelTask)
	tasks.Post("/:id/retry", taskHandler.RetryTask)

	// Get also answers HEAD.
	api.Get("/download-image", taskHandler.DownloadImage)

	return taskService
}
