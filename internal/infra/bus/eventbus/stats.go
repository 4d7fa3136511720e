package eventbus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/aarbus/internal/domain/schema"
)

// counters are monotonic for the lifetime of a bus; Stop/Start never resets them.
type counters struct {
	published        atomic.Uint64
	processed        atomic.Uint64
	failed           atomic.Uint64
	dropped          atomic.Uint64
	filtered         atomic.Uint64
	handlersCalled   atomic.Uint64
	shutdownTimeouts atomic.Uint64
	drainTimeouts    atomic.Uint64
}

// typeCounts counts dispatched events per type, including filtered ones.
type typeCounts struct {
	mu     sync.Mutex
	counts map[schema.EventType]uint64
}

func (c *typeCounts) inc(typ schema.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[schema.EventType]uint64)
	}
	c.counts[typ]++
}

func (c *typeCounts) snapshot() map[schema.EventType]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[schema.EventType]uint64, len(c.counts))
	for typ, n := range c.counts {
		out[typ] = n
	}
	return out
}

// HandlerFailure is one failed handler invocation.
type HandlerFailure struct {
	SubscriptionID string           `json:"subscription_id"`
	EventType      schema.EventType `json:"event_type"`
	EventID        string           `json:"event_id"`
	Error          string           `json:"error"`
	Panicked       bool             `json:"panicked,omitempty"`
	At             time.Time        `json:"at"`
}

// HandlerSummary describes one subscription.
type HandlerSummary struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Async    bool   `json:"async"`
	Calls    uint64 `json:"calls"`
	Errors   uint64 `json:"errors"`
}

// TypeSummary describes the subscribers of one event type in dispatch order.
type TypeSummary struct {
	EventType    schema.EventType `json:"event_type"`
	HandlerCount int              `json:"handler_count"`
	Handlers     []HandlerSummary `json:"handlers"`
}

// Stats is a point-in-time snapshot of the bus.
type Stats struct {
	Running          bool                        `json:"running"`
	State            string                      `json:"state"`
	QueueDepth       int                         `json:"queue_depth"`
	QueueCapacity    int                         `json:"queue_capacity"`
	EventsPublished  uint64                      `json:"events_published"`
	EventsProcessed  uint64                      `json:"events_processed"`
	EventsFailed     uint64                      `json:"events_failed"`
	EventsDropped    uint64                      `json:"events_dropped"`
	EventsFiltered   uint64                      `json:"events_filtered"`
	HandlersCalled   uint64                      `json:"handlers_called"`
	ShutdownTimeouts uint64                      `json:"shutdown_timeouts"`
	DrainTimeouts    uint64                      `json:"drain_timeouts"`
	EventsByType     map[schema.EventType]uint64 `json:"events_by_type"`
	Subscribers      []TypeSummary               `json:"subscribers"`
	HistorySize      int                         `json:"history_size"`
	HistoryCapacity  int                         `json:"history_capacity"`
	RecentFailures   []HandlerFailure            `json:"recent_failures"`
}

// Subscriber returns the summary for one type, if it has subscribers.
func (s Stats) Subscriber(typ schema.EventType) (TypeSummary, bool) {
	for _, summary := range s.Subscribers {
		if summary.EventType == typ {
			return summary, true
		}
	}
	return TypeSummary{}, false
}

func summarizeSubscribers(table map[schema.EventType][]*subscription) []TypeSummary {
	out := make([]TypeSummary, 0, len(table))
	for typ, subs := range table {
		handlers := make([]HandlerSummary, 0, len(subs))
		for _, sub := range subs {
			handlers = append(handlers, sub.summary())
		}
		out = append(out, TypeSummary{EventType: typ, HandlerCount: len(subs), Handlers: handlers})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}
