package eventbus

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coachpo/aarbus/internal/domain/schema"
)

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscription)

// WithPriority orders the handler; higher values are dispatched first.
func WithPriority(priority int) SubscribeOption {
	return func(s *subscription) {
		s.priority = priority
	}
}

// Async runs the handler on the worker pool instead of the dispatching goroutine.
func Async() SubscribeOption {
	return func(s *subscription) {
		s.async = true
	}
}

// WithID sets the identifier used for Unsubscribe. By default it is derived from the
// handler's function name.
func WithID(id string) SubscribeOption {
	trimmed := strings.TrimSpace(id)
	return func(s *subscription) {
		if trimmed != "" {
			s.id = trimmed
		}
	}
}

// WithMetricName sets the handler.id metric attribute. Subscriptions with generated ids
// should share a fixed name so each subscription does not open new metric series.
func WithMetricName(name string) SubscribeOption {
	trimmed := strings.TrimSpace(name)
	return func(s *subscription) {
		if trimmed != "" {
			s.metricName = trimmed
		}
	}
}

type subscription struct {
	id         string
	metricName string
	handler    Handler
	priority   int
	async      bool

	calls  atomic.Uint64
	errors atomic.Uint64
}

func (s *subscription) metricID() string {
	if s.metricName != "" {
		return s.metricName
	}
	return s.id
}

func (s *subscription) summary() HandlerSummary {
	return HandlerSummary{
		ID:       s.id,
		Priority: s.priority,
		Async:    s.async,
		Calls:    s.calls.Load(),
		Errors:   s.errors.Load(),
	}
}

// handlerID names a handler after its function, e.g. "pkg.(*Reporter).OnLoaded-fm".
func handlerID(h Handler) string {
	pc := reflect.ValueOf(h).Pointer()
	if fn := runtime.FuncForPC(pc); fn != nil && fn.Name() != "" {
		return fn.Name()
	}
	return fmt.Sprintf("handler-%x", pc)
}

// subscriptionTable maps event types to priority-ordered subscriber lists.
// Lists are copy-on-write: readers keep a snapshot that is never mutated.
type subscriptionTable struct {
	mu     sync.RWMutex
	byType map[schema.EventType][]*subscription
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{byType: make(map[schema.EventType][]*subscription)}
}

// insert places sub before the first entry of strictly lower priority, so equal
// priorities keep subscription order.
func (t *subscriptionTable) insert(typ schema.EventType, sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.byType[typ]
	pos := len(current)
	for i, existing := range current {
		if sub.priority > existing.priority {
			pos = i
			break
		}
	}
	next := make([]*subscription, 0, len(current)+1)
	next = append(next, current[:pos]...)
	next = append(next, sub)
	next = append(next, current[pos:]...)
	t.byType[typ] = next
}

// remove drops the first subscription with the id and reports whether one was found.
func (t *subscriptionTable) remove(typ schema.EventType, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.byType[typ]
	for i, sub := range current {
		if sub.id != id {
			continue
		}
		if len(current) == 1 {
			delete(t.byType, typ)
			return true
		}
		next := make([]*subscription, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		t.byType[typ] = next
		return true
	}
	return false
}

func (t *subscriptionTable) snapshot(typ schema.EventType) []*subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byType[typ]
}

func (t *subscriptionTable) all() map[schema.EventType][]*subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[schema.EventType][]*subscription, len(t.byType))
	for typ, subs := range t.byType {
		out[typ] = subs
	}
	return out
}
