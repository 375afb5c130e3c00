package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleetwatch/internal/core/services"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"github.com/netly/fleetwatch/internal/transport/http/dto"
)

type TaskHandler struct {
	ctx       context.Context
	service   *services.TaskService
	stepDelay time.Duration
	logger    *logger.Logger
}

// NewTaskHandler serves the task REST surface. Simulated builds run until
// ctx ends.
func NewTaskHandler(ctx context.Context, service *services.TaskService, stepDelay time.Duration, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{ctx: ctx, service: service, stepDelay: stepDelay, logger: logger}
}

func (h *TaskHandler) ListTasks(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)
	if limit <= 0 || offset < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "limit must be positive and offset non-negative",
		})
	}

	tasks, total := h.service.ListTasks(limit, offset)
	h.logger.Debugw("tasks_list_request", "limit", limit, "offset", offset, "total", total)
	c.Set("total-count", strconv.Itoa(total))
	return c.JSON(tasks)
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	id := c.Params("id")
	task, err := h.service.GetTask(id)
	if err != nil {
		return h.taskError(c, "task_get", id, err)
	}
	return c.JSON(task)
}

func (h *TaskHandler) CancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	h.logger.Infow("task_cancel_request", "task_id", id)
	if err := h.service.CancelTask(id); err != nil {
		return h.taskError(c, "task_cancel", id, err)
	}
	return c.JSON(dto.SuccessResponse{Message: "task cancelled"})
}

func (h *TaskHandler) RetryTask(c *fiber.Ctx) error {
	id := c.Params("id")
	h.logger.Infow("task_retry_request", "task_id", id)
	task, err := h.service.RetryTask(id)
	if err != nil {
		return h.taskError(c, "task_retry", id, err)
	}
	return c.Status(fiber.StatusCreated).JSON(task)
}

func (h *TaskHandler) SimulateBuild(c *fiber.Ctx) error {
	var req dto.SimulateBuildRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("simulate_build_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}
	if errors := req.Validate(); len(errors) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errors,
		})
	}

	task := h.service.SimulateBuild(h.ctx, req.DeviceIdentifier, req.GetImageFormat(), h.stepDelay)
	h.logger.Infow("simulate_build_started", "task_id", task.ID, "device", req.DeviceIdentifier)
	return c.Status(fiber.StatusAccepted).JSON(task)
}

// DownloadImage serves GET and HEAD for a built image.
func (h *TaskHandler) DownloadImage(c *fiber.Ctx) error {
	identifier := c.Query("identifier")
	if identifier == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "identifier is required"})
	}

	data, ok := h.service.Artifact(identifier)
	if !ok {
		h.logger.Warnw("download_image_not_found", "identifier", identifier)
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "image not built"})
	}

	c.Set(fiber.HeaderContentType, "application/octet-stream")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s.img"`, identifier))
	return c.Send(data)
}

func (h *TaskHandler) taskError(c *fiber.Ctx, op, id string, err error) error {
	switch {
	case errors.Is(err, services.ErrTaskNotFound):
		h.logger.Warnw(op+"_not_found", "task_id", id)
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrTaskFinished), errors.Is(err, services.ErrTaskNotRetryable):
		h.logger.Warnw(op+"_conflict", "task_id", id, "error", err)
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	h.logger.Errorw(op+"_failed", "task_id", id, "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
}
