package notify

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/netly/fleetwatch/internal/infrastructure/logger"
)

// ConsoleToaster prints toasts as single lines on a terminal.
type ConsoleToaster struct {
	mu     sync.Mutex
	out    io.Writer
	now    func() time.Time
	logger *logger.Logger
}

func NewConsoleToaster(out io.Writer, log *logger.Logger) *ConsoleToaster {
	if log == nil {
		log = logger.NewNop()
	}
	return &ConsoleToaster{out: out, now: time.Now, logger: log}
}

func (t *ConsoleToaster) Toast(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprintf(t.out, "%s  ▸ %s\n", t.now().Format("15:04:05"), message); err != nil {
		t.logger.Warnw("toast_write_failed", "error", err)
	}
}
