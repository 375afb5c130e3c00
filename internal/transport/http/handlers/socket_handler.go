package handlers

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
)

const clientSendBuffer = 256

// TaskSnapshots gives the socket handler atomic access to one job.
type TaskSnapshots interface {
	WithTask(id string, fn func(domain.DetailedTask)) error
}

type socketClient struct {
	send       chan []byte
	subscribed string
}

// SocketHub tracks the open task status sockets and fans events out to them.
// Sends never block: a client whose buffer is full loses the frame.
type SocketHub struct {
	logger *logger.Logger

	mu      sync.Mutex
	clients map[*socketClient]struct{}
}

func NewSocketHub(logger *logger.Logger) *SocketHub {
	return &SocketHub{logger: logger, clients: make(map[*socketClient]struct{})}
}

func (h *SocketHub) Broadcast(ev domain.Event) {
	data, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.deliverLocked(c, data)
	}
}

func (h *SocketHub) BroadcastTask(taskID string, ev domain.Event) {
	data, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.subscribed == taskID {
			h.deliverLocked(c, data)
		}
	}
}

func (h *SocketHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *SocketHub) encode(ev domain.Event) ([]byte, bool) {
	data, err := domain.EncodeEvent(ev)
	if err != nil {
		h.logger.Errorw("socket_encode_failed", "type", ev.Type(), "error", err)
		return nil, false
	}
	return data, true
}

func (h *SocketHub) deliverLocked(c *socketClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warnw("socket_client_slow", "dropped_bytes", len(data))
	}
}

func (h *SocketHub) register() *socketClient {
	c := &socketClient{send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Infow("socket_client_connected", "clients", n)
	return c
}

func (h *SocketHub) unregister(c *socketClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Infow("socket_client_disconnected", "clients", n)
}

func (h *SocketHub) setSubscription(c *socketClient, taskID string) {
	h.mu.Lock()
	c.subscribed = taskID
	h.mu.Unlock()
}

// SocketHandler serves /api/task_status.
type SocketHandler struct {
	hub    *SocketHub
	tasks  TaskSnapshots
	logger *logger.Logger
}

func NewSocketHandler(hub *SocketHub, tasks TaskSnapshots, logger *logger.Logger) *SocketHandler {
	return &SocketHandler{hub: hub, tasks: tasks, logger: logger}
}

func (h *SocketHandler) Handle(conn *websocket.Conn) {
	client := h.hub.register()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debugw("socket_write_failed", "error", err)
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debugw("socket_read_closed", "error", err)
			break
		}

		var msg domain.ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warnw("socket_control_invalid", "error", err)
			continue
		}

		switch msg.Type {
		case domain.ControlSubscribeTask:
			h.subscribe(client, msg.TaskID)
		case domain.ControlUnsubscribeTask:
			h.hub.setSubscription(client, "")
			h.logger.Debugw("socket_unsubscribed", "task_id", msg.TaskID)
		default:
			h.logger.Debugw("socket_control_unknown", "type", msg.Type)
		}
	}

	h.hub.unregister(client)
	<-done
	conn.Close()
}

// subscribe switches the client to taskID and queues the snapshot in the
// same critical section, so later output for the job follows it.
func (h *SocketHandler) subscribe(client *socketClient, taskID string) {
	err := h.tasks.WithTask(taskID, func(task domain.DetailedTask) {
		h.hub.mu.Lock()
		defer h.hub.mu.Unlock()
		client.subscribed = taskID
		if data, ok := h.hub.encode(domain.SubscribedTaskEvent{TaskID: taskID, Task: task}); ok {
			h.hub.deliverLocked(client, data)
		}
	})
	if err != nil {
		h.hub.setSubscription(client, taskID)
		h.logger.Warnw("socket_subscribe_unknown_task", "task_id", taskID, "error", err)
		return
	}
	h.logger.Debugw("socket_subscribed", "task_id", taskID)
}
