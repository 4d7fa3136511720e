package eventbus

import (
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/coachpo/aarbus/internal/domain/schema"
)

// Interceptor runs before subscriber lookup on every dispatched event. It may return the
// event unchanged, a derived copy, or nil to block delivery.
type Interceptor func(evt *schema.Event) *schema.Event

// Filter decides whether an event of the type it is registered for reaches subscribers.
type Filter func(evt *schema.Event) bool

// CorrelationKey is the metadata key set by CorrelationInterceptor.
const CorrelationKey = "correlation_id"

// CorrelationInterceptor tags events that carry no correlation id with a short random one.
func CorrelationInterceptor() Interceptor {
	return func(evt *schema.Event) *schema.Event {
		if _, ok := evt.MetadataValue(CorrelationKey); ok {
			return evt
		}
		return evt.WithMetadata(CorrelationKey, uuid.NewString()[:8])
	}
}

// LoggingInterceptor logs every event that reaches it at debug level and passes it on.
func LoggingInterceptor(logger Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(evt *schema.Event) *schema.Event {
		fields := []zap.Field{
			zap.String("event_type", string(evt.Type())),
			zap.String("source", evt.Source()),
			zap.String("event_id", evt.ID()),
		}
		if id, ok := evt.MetadataValue(CorrelationKey); ok {
			fields = append(fields, zap.String(CorrelationKey, id))
		}
		logger.Debug("event", fields...)
		return evt
	}
}

// AddInterceptor appends an interceptor; interceptors run in registration order.
func (b *EventBus) AddInterceptor(interceptor Interceptor) {
	if interceptor == nil {
		return
	}
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	next := make([]Interceptor, 0, len(b.interceptors)+1)
	next = append(next, b.interceptors...)
	b.interceptors = append(next, interceptor)
}

// AddFilter appends a filter for typ. An event must pass every filter of its type.
func (b *EventBus) AddFilter(typ schema.EventType, filter Filter) {
	if filter == nil {
		return
	}
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	current := b.filters[typ]
	next := make([]Filter, 0, len(current)+1)
	next = append(next, current...)
	b.filters[typ] = append(next, filter)
}

// applyHooks runs interceptors then the filters of the resulting event's type. On block it
// returns the event as it entered and false.
func (b *EventBus) applyHooks(evt *schema.Event) (*schema.Event, bool) {
	b.hooksMu.RLock()
	interceptors := b.interceptors
	b.hooksMu.RUnlock()

	current := evt
	for _, interceptor := range interceptors {
		next := current
		if recovered := panics.Try(func() { next = interceptor(current) }); recovered != nil {
			b.log.Error("event interceptor panicked",
				zap.String("event_type", string(current.Type())),
				zap.Any("panic", recovered.Value))
			continue
		}
		if next == nil {
			b.log.Debug("event blocked by interceptor",
				zap.String("event_type", string(evt.Type())),
				zap.String("event_id", evt.ID()))
			return evt, false
		}
		current = next
	}

	b.hooksMu.RLock()
	filters := b.filters[current.Type()]
	b.hooksMu.RUnlock()

	for _, filter := range filters {
		pass := true
		if recovered := panics.Try(func() { pass = filter(current) }); recovered != nil {
			b.log.Error("event filter panicked",
				zap.String("event_type", string(current.Type())),
				zap.Any("panic", recovered.Value))
			continue
		}
		if !pass {
			b.log.Debug("event blocked by filter",
				zap.String("event_type", string(current.Type())),
				zap.String("event_id", current.ID()))
			return evt, false
		}
	}
	return current, true
}
