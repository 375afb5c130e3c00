package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/netly/fleetwatch/internal/core/ports"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"github.com/netly/fleetwatch/pkg/clock"
)

type ConnState int

const (
	ConnClosed ConnState = iota
	ConnConnecting
	ConnOpen
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	default:
		return "closed"
	}
}

// DefaultRetryDelay is the pause between a close and the next connect.
const DefaultRetryDelay = time.Second

// EventHandler receives every decoded frame, one at a time, on the read loop.
type EventHandler func(domain.Event)

// ConnectionManager owns the task status channel: connect, read and
// dispatch, close detection and reconnect after a fixed delay. There is no
// retry limit and no heartbeat; a close from the server is the only failure
// it detects.
type ConnectionManager struct {
	dialer     ports.Dialer
	clock      clock.Clock
	logger     *logger.Logger
	retryDelay time.Duration
	handler    EventHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	writeMu sync.Mutex
	state   ConnState
	conn    ports.Conn
	retry   *clock.Timer
	onOpen  []func()
	stopped bool
}

type ConnectionManagerConfig struct {
	Dialer     ports.Dialer
	Clock      clock.Clock
	Logger     *logger.Logger
	RetryDelay time.Duration
	Handler    EventHandler
}

func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Handler == nil {
		cfg.Handler = func(domain.Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		dialer:     cfg.Dialer,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		retryDelay: cfg.RetryDelay,
		handler:    cfg.Handler,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnOpen registers fn to run on the read loop every time the channel opens,
// before the first frame of that connection is dispatched.
func (m *ConnectionManager) OnOpen(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = append(m.onOpen, fn)
}

func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the channel unless it is already open or being opened.
func (m *ConnectionManager) Connect() {
	m.mu.Lock()
	if m.stopped || m.state != ConnClosed {
		m.mu.Unlock()
		return
	}
	m.state = ConnConnecting
	m.retry = nil
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Debugw("socket_connecting")
	go m.run()
}

func (m *ConnectionManager) run() {
	defer m.wg.Done()

	conn, err := m.dialer.Dial(m.ctx)
	if err != nil {
		m.logger.Warnw("socket_dial_failed", "error", err)
		m.closed(nil)
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = ConnOpen
	listeners := append([]func(){}, m.onOpen...)
	m.mu.Unlock()

	m.logger.Infow("socket_open")
	for _, fn := range listeners {
		fn()
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.logger.Infow("socket_closed", "error", err)
			break
		}
		m.dispatch(data)
	}
	m.closed(conn)
}

func (m *ConnectionManager) dispatch(data []byte) {
	ev, err := domain.DecodeEvent(data)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEvent) {
			m.logger.Debugw("socket_frame_unknown", "error", err)
		} else {
			m.logger.Warnw("socket_frame_invalid", "error", err, "bytes", len(data))
		}
		return
	}
	m.handler(ev)
}

func (m *ConnectionManager) closed(conn ports.Conn) {
	if conn != nil {
		conn.Close()
	}

	m.mu.Lock()
	if conn != nil && m.conn == conn {
		m.conn = nil
	}
	m.state = ConnClosed
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Debugw("socket_retry_scheduled", "delay", m.retryDelay)
	timer := m.clock.AfterFunc(m.retryDelay, m.Connect)

	m.mu.Lock()
	if m.stopped {
		timer.Stop()
	} else if m.state == ConnClosed {
		m.retry = timer
	}
	m.mu.Unlock()
}

// Send writes a control message when the channel is open. Messages issued
// while closed or connecting are dropped; it reports whether it was sent.
func (m *ConnectionManager) Send(msg domain.ControlMessage) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == ConnOpen
	m.mu.Unlock()

	if !open || conn == nil {
		m.logger.Debugw("socket_send_dropped", "type", msg.Type, "task_id", msg.TaskID)
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Errorw("socket_send_encode_failed", "error", err)
		return false
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warnw("socket_send_failed", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// Close tears the manager down. No reconnect is attempted afterwards.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.conn
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	m.logger.Debugw("socket_manager_stopped")
	return nil
}
