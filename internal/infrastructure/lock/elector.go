package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/netly/fleetwatch/internal/infrastructure/logger"
	"github.com/zeebo/blake3"
)

var ErrElectorClosed = errors.New("leader: elector closed")

const DefaultRetryInterval = 500 * time.Millisecond

// LockPath names the lock file shared by every session watching baseURL.
func LockPath(dir, baseURL string) string {
	sum := blake3.Sum256([]byte(baseURL))
	return filepath.Join(dir, fmt.Sprintf("fleetwatch-%x.lock", sum[:8]))
}

// FileElector holds leadership through an advisory lock on a file. The
// kernel drops the lock when the process exits, so a crashed leader never
// blocks the others.
type FileElector struct {
	file   *flock.Flock
	retry  time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	leading bool
	closed  bool
	cancel  context.CancelFunc
}

type ElectorConfig struct {
	// Dir holds the lock file. Empty means the user cache directory.
	Dir           string
	BaseURL       string
	RetryInterval time.Duration
	Logger        *logger.Logger
}

func NewFileElector(cfg ElectorConfig) (*FileElector, error) {
	dir := cfg.Dir
	if dir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve lock dir: %w", err)
		}
		dir = filepath.Join(cacheDir, "fleetwatch")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	path := LockPath(dir, cfg.BaseURL)
	return &FileElector{
		file:   flock.New(path),
		retry:  cfg.RetryInterval,
		logger: cfg.Logger.With("lock", path),
	}, nil
}

// Start blocks until leadership is acquired, ctx ends or the elector is
// closed. Once acquired it is kept until Close.
func (e *FileElector) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrElectorClosed
	}
	e.cancel = cancel
	e.mu.Unlock()

	e.logger.Debugw("leader_contending")
	ok, err := e.file.TryLockContext(ctx, e.retry)
	if err != nil {
		return err
	}
	if !ok {
		return ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Join(ErrElectorClosed, e.file.Unlock())
	}
	e.leading = true
	e.logger.Infow("leader_acquired")
	return nil
}

func (e *FileElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// Close stops contending and releases leadership if held.
func (e *FileElector) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.cancel != nil {
		e.cancel()
	}
	if !e.leading {
		return e.file.Close()
	}
	e.leading = false
	e.logger.Infow("leader_released")
	return e.file.Unlock()
}
