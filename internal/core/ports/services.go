package ports

import (
	"context"

	"github.com/netly/fleetwatch/internal/domain"
)

// Conn is one open duplex channel to the controller.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens the task status channel.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// TaskAPI is the controller's task REST surface.
type TaskAPI interface {
	ListTasks(ctx context.Context, limit, offset int) ([]domain.ShortTask, int, error)
	GetTask(ctx context.Context, id string) (*domain.DetailedTask, error)
	CancelTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string) error
}

// ArtifactAPI checks for and fetches built images.
type ArtifactAPI interface {
	HeadArtifact(ctx context.Context, identifier string) error
	DownloadArtifact(ctx context.Context, identifier, dir string) (string, error)
}

// Toaster shows an ephemeral, dismissible message to the user.
type Toaster interface {
	Toast(message string)
}

// Invalidator discards cached data whose path starts with one of the prefixes.
type Invalidator interface {
	Invalidate(prefixes []string) int
}

// NavigationState reports whether a page load is currently in flight.
type NavigationState interface {
	InFlight() bool
}

// LeaderElector gates singleton side effects across sessions.
type LeaderElector interface {
	IsLeader() bool
}

// LeaderLock is a LeaderElector that contends for leadership until it wins
// or ctx ends, and holds it until Close.
type LeaderLock interface {
	LeaderElector
	Start(ctx context.Context) error
	Close() error
}

// EventBroadcaster fans controller events out to connected sessions.
// Implementations must not block.
type EventBroadcaster interface {
	// Broadcast sends ev to every session.
	Broadcast(ev domain.Event)
	// BroadcastTask sends ev to sessions subscribed to taskID.
	BroadcastTask(taskID string, ev domain.Event)
}
