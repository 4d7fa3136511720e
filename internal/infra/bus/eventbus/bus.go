// Package eventbus implements the in-process publish/subscribe dispatcher that decouples
// data loading, analysis, UI and report generation.
package eventbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/aarbus/internal/domain/schema"
)

const (
	// DefaultQueueSize bounds the publish queue.
	DefaultQueueSize = 1000
	// DefaultWorkers sizes the asynchronous handler pool.
	DefaultWorkers = 4
	// DefaultWorkerQueueSize bounds tasks waiting for a pool worker.
	DefaultWorkerQueueSize = 256
	// DefaultHistorySize bounds the recently dispatched event ring.
	DefaultHistorySize = 1000
	// DefaultFailureHistorySize bounds the recent handler failure ring.
	DefaultFailureHistorySize = 100
	// DefaultPublishTimeout is how long Publish waits for queue space.
	DefaultPublishTimeout = time.Second
	// DefaultStopTimeout is how long Stop waits for the consumer goroutine.
	DefaultStopTimeout = 5 * time.Second
	// DefaultDrainTimeout is how long Stop waits for in-flight async handlers.
	DefaultDrainTimeout = 30 * time.Second
	// DefaultDropLogInterval spaces queue-full log lines once the burst is spent.
	DefaultDropLogInterval = time.Second
	// DefaultDropLogBurst is the number of queue-full log lines allowed back to back.
	DefaultDropLogBurst = 5
)

// Handler reacts to a dispatched event. A returned error or panic is isolated to this
// handler and counted; it never reaches the publisher or other handlers.
type Handler func(ctx context.Context, evt *schema.Event) error

// Logger is the narrow logging surface the bus writes to. *zap.Logger satisfies it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// Bus is the contract collaborators publish and subscribe through.
type Bus interface {
	Publish(ctx context.Context, evt *schema.Event)
	PublishSync(ctx context.Context, evt *schema.Event)
	Subscribe(typ schema.EventType, handler Handler, opts ...SubscribeOption) (string, error)
	Unsubscribe(typ schema.EventType, id string) bool
}

// State is the dispatcher lifecycle state.
type State int32

const (
	// StateStopped is the initial state; Publish drops events.
	StateStopped State = iota
	// StateRunning means the consumer goroutine drains the queue.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config sizes the bus. Zero values fall back to the defaults above.
type Config struct {
	QueueSize          int
	Workers            int
	WorkerQueueSize    int
	HistorySize        int
	FailureHistorySize int
	PublishTimeout     time.Duration
	StopTimeout        time.Duration
	DrainTimeout       time.Duration
	DropLogInterval    time.Duration
	DropLogBurst       int
	Logger             Logger
	Meter              metric.Meter
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.WorkerQueueSize <= 0 {
		c.WorkerQueueSize = DefaultWorkerQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.FailureHistorySize <= 0 {
		c.FailureHistorySize = DefaultFailureHistorySize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.DropLogInterval <= 0 {
		c.DropLogInterval = DefaultDropLogInterval
	}
	if c.DropLogBurst <= 0 {
		c.DropLogBurst = DefaultDropLogBurst
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
