package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/netly/fleetwatch/internal/core/ports"
	"github.com/netly/fleetwatch/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []domain.ControlMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	var msg domain.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []domain.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ControlMessage(nil), c.written...)
}

func (c *fakeConn) push(t *testing.T, e domain.Event) {
	t.Helper()
	raw, err := domain.EncodeEvent(e)
	require.NoError(t, err)
	c.in <- raw
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failures int
	opened   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (ports.Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()

	c := newFakeConn()
	d.opened <- c
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.opened:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection was dialed")
		return nil
	}
}

type fakeTaskAPI struct {
	mu        sync.Mutex
	tasks     []domain.ShortTask
	total     int
	detail    map[string]domain.DetailedTask
	cancelled []string
	retried   []string
	listCalls int
	onList    func()
	err       error
}

func (f *fakeTaskAPI) ListTasks(ctx context.Context, limit, offset int) ([]domain.ShortTask, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.onList != nil {
		f.onList()
	}
	if f.err != nil {
		return nil, 0, f.err
	}
	if offset >= len(f.tasks) {
		return nil, f.total, nil
	}
	end := offset + limit
	if end > len(f.tasks) {
		end = len(f.tasks)
	}
	return append([]domain.ShortTask(nil), f.tasks[offset:end]...), f.total, nil
}

func (f *fakeTaskAPI) GetTask(ctx context.Context, id string) (*domain.DetailedTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.detail[id]
	if !ok {
		return nil, domain.ErrControllerStatus
	}
	return &t, nil
}

func (f *fakeTaskAPI) CancelTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return f.err
}

func (f *fakeTaskAPI) RetryTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, id)
	return f.err
}

type fakeArtifacts struct {
	mu        sync.Mutex
	heads     []string
	downloads []string
	headErr   error
	getErr    error
}

func (f *fakeArtifacts) HeadArtifact(ctx context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads = append(f.heads, identifier)
	return f.headErr
}

func (f *fakeArtifacts) DownloadArtifact(ctx context.Context, identifier, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, identifier)
	if f.getErr != nil {
		return "", f.getErr
	}
	return dir + "/" + identifier + ".img", nil
}

func (f *fakeArtifacts) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heads), len(f.downloads)
}

type fakeToaster struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeToaster) Toast(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeToaster) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeInvalidator) Invalidate(prefixes []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), prefixes...))
	return len(prefixes)
}

func (f *fakeInvalidator) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

func shortTask(id string, state domain.TaskState) domain.ShortTask {
	return domain.ShortTask{ID: id, TaskType: "project_commit_task", State: state}
}

func imageTask(id, device string, state domain.TaskState) domain.ShortTask {
	return domain.ShortTask{
		ID:       id,
		TaskType: "build_device_image_task",
		State:    state,
		TaskSubmissionData: domain.JSONB{
			"device_identifier": device,
			"image_format":      "sd-card-image",
		},
	}
}
