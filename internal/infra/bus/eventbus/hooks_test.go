package eventbus

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachpo/aarbus/errs"
	"github.com/coachpo/aarbus/internal/domain/schema"
	"github.com/coachpo/aarbus/internal/infra/telemetry"
)

func TestCorrelationInterceptorTagsEvents(t *testing.T) {
	bus := newTestBus(t, Config{})
	bus.AddInterceptor(CorrelationInterceptor())

	seen := make(chan *schema.Event, 2)
	_, err := bus.Subscribe(schema.EventTypeStatusUpdate, func(_ context.Context, evt *schema.Event) error {
		seen <- evt
		return nil
	})
	require.NoError(t, err)

	original := statusEvent(t, "tag me")
	bus.PublishSync(context.Background(), original)
	tagged := <-seen
	id, ok := tagged.MetadataValue(CorrelationKey)
	require.True(t, ok)
	assert.Len(t, id, 8)
	_, ok = original.MetadataValue(CorrelationKey)
	assert.False(t, ok, "published event must not be mutated")

	preset, err := schema.NewStatusUpdate("keep", "info", schema.WithMetadata(CorrelationKey, "abc"))
	require.NoError(t, err)
	bus.PublishSync(context.Background(), preset)
	kept, _ := (<-seen).MetadataValue(CorrelationKey)
	assert.Equal(t, "abc", kept)
}

func TestInterceptorCanBlock(t *testing.T) {
	bus := newTestBus(t, Config{})
	bus.AddInterceptor(func(evt *schema.Event) *schema.Event {
		if evt.Source() == "noisy" {
			return nil
		}
		return evt
	})
	var calls atomic.Int32
	_, _ = bus.Subscribe(schema.EventTypeStatusUpdate, func(context.Context, *schema.Event) error {
		calls.Add(1)
		return nil
	})

	blocked, _ := schema.NewStatusUpdate("drop", "info", schema.WithSource("noisy"))
	bus.PublishSync(context.Background(), blocked)
	bus.PublishSync(context.Background(), statusEvent(t, "pass"))

	stats := bus.Stats()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(2), stats.EventsProcessed)
	assert.Equal(t, uint64(1), stats.EventsFiltered)
	assert.Equal(t, 2, stats.HistorySize)
}

func TestFiltersApplyPerType(t *testing.T) {
	bus := newTestBus(t, Config{})
	bus.AddFilter(schema.EventTypeStatusUpdate, func(evt *schema.Event) bool {
		payload, _ := schema.PayloadAs[schema.StatusUpdate](evt)
		return payload.Level != "debug"
	})
	bus.AddFilter(schema.EventTypeStatusUpdate, func(*schema.Event) bool {
		panic("broken filter")
	})

	var statusCalls, fileCalls atomic.Int32
	_, _ = bus.Subscribe(schema.EventTypeStatusUpdate, func(context.Context, *schema.Event) error {
		statusCalls.Add(1)
		return nil
	})
	_, _ = bus.Subscribe(schema.EventTypeFileSelected, func(context.Context, *schema.Event) error {
		fileCalls.Add(1)
		return nil
	})

	debug, _ := schema.NewStatusUpdate("verbose", "debug")
	info, _ := schema.NewStatusUpdate("useful", "info")
	file, _ := schema.NewFileSelected("/data/roster.csv")
	bus.PublishSync(context.Background(), debug)
	bus.PublishSync(context.Background(), info)
	bus.PublishSync(context.Background(), file)

	assert.Equal(t, int32(1), statusCalls.Load())
	assert.Equal(t, int32(1), fileCalls.Load())
	assert.Equal(t, uint64(1), bus.Stats().EventsFiltered)
}

func TestScriptFilter(t *testing.T) {
	filter, err := NewScriptFilter(`event.payload.level !== "debug" && event.source === "loader"`, nil)
	require.NoError(t, err)

	pass, _ := schema.NewStatusUpdate("loaded", "info", schema.WithSource("loader"))
	debug, _ := schema.NewStatusUpdate("trace", "debug", schema.WithSource("loader"))
	other, _ := schema.NewStatusUpdate("loaded", "info", schema.WithSource("ui"))
	assert.True(t, filter(pass))
	assert.False(t, filter(debug))
	assert.False(t, filter(other))
}

func TestScriptFilterReadsMetadata(t *testing.T) {
	filter, err := NewScriptFilter(`event.metadata.tenant === "alpha"`, nil)
	require.NoError(t, err)
	alpha, _ := schema.NewStatusUpdate("x", "info", schema.WithMetadata("tenant", "alpha"))
	beta, _ := schema.NewStatusUpdate("x", "info", schema.WithMetadata("tenant", "beta"))
	assert.True(t, filter(alpha))
	assert.False(t, filter(beta))
}

func TestScriptFilterFailsOpen(t *testing.T) {
	_, err := NewScriptFilter("", nil)
	assert.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = NewScriptFilter("event.type ===", nil)
	assert.True(t, errs.Is(err, errs.CodeInvalid))

	throwing, err := NewScriptFilter("event.payload.missing.deeper === 1", nil)
	require.NoError(t, err)
	assert.True(t, throwing(statusEvent(t, "runtime error")))

	notBool, err := NewScriptFilter(`"yes"`, nil)
	require.NoError(t, err)
	assert.True(t, notBool(statusEvent(t, "non boolean")))
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	handler := Retry(func(context.Context, *schema.Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})

	bus := newTestBus(t, Config{})
	_, _ = bus.Subscribe(schema.EventTypeStatusUpdate, handler, WithID("retrying"))
	bus.PublishSync(context.Background(), statusEvent(t, "retry"))

	stats := bus.Stats()
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(0), stats.EventsFailed)
	assert.Equal(t, uint64(1), stats.HandlersCalled)
}

func TestRetryExhaustedCountsOnce(t *testing.T) {
	var attempts atomic.Int32
	handler := Retry(func(context.Context, *schema.Event) error {
		attempts.Add(1)
		return errors.New("still broken")
	}, RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})

	bus := newTestBus(t, Config{})
	_, _ = bus.Subscribe(schema.EventTypeStatusUpdate, handler)
	bus.PublishSync(context.Background(), statusEvent(t, "retry"))

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(1), bus.Stats().EventsFailed)
	require.Len(t, bus.Stats().RecentFailures, 1)
	assert.Contains(t, bus.Stats().RecentFailures[0].Error, "after 3 attempts")
}

func TestRetryStopsOnPermanentAndCancellation(t *testing.T) {
	var attempts atomic.Int32
	permanent := Retry(func(context.Context, *schema.Event) error {
		attempts.Add(1)
		return Permanent(errors.New("bad input"))
	}, RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond})
	err := permanent(context.Background(), statusEvent(t, "x"))
	require.EqualError(t, err, "bad input")
	assert.Equal(t, int32(1), attempts.Load())
	assert.NoError(t, Permanent(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled := Retry(func(context.Context, *schema.Event) error {
		return errors.New("flaky")
	}, RetryPolicy{MaxAttempts: 5, InitialInterval: time.Second})
	err = cancelled(ctx, statusEvent(t, "x"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestExportHistory(t *testing.T) {
	bus := newTestBus(t, Config{})
	bus.PublishSync(context.Background(), statusEvent(t, "first"))
	file, _ := schema.NewFileSelected("/data/roster.csv", schema.WithSource("ui"))
	bus.PublishSync(context.Background(), file)

	var all bytes.Buffer
	require.NoError(t, bus.ExportHistory(&all, ""))
	var exported []map[string]any
	require.NoError(t, json.Unmarshal(all.Bytes(), &exported))
	require.Len(t, exported, 2)
	assert.Equal(t, "status_update", exported[0]["type"])
	assert.Equal(t, "file_selected", exported[1]["type"])

	var onlyFiles bytes.Buffer
	require.NoError(t, bus.ExportHistory(&onlyFiles, schema.EventTypeFileSelected))
	exported = nil
	require.NoError(t, json.Unmarshal(onlyFiles.Bytes(), &exported))
	require.Len(t, exported, 1)
	assert.Equal(t, "ui", exported[0]["source"])

	bus.ClearHistory()
	var empty bytes.Buffer
	require.NoError(t, bus.ExportHistory(&empty, ""))
	assert.JSONEq(t, "[]", empty.String())
}

func TestRingEvictsOldestFirst(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.last(10))
	assert.Equal(t, []int{4, 5}, r.last(2))
	assert.Nil(t, r.last(0))
	assert.Equal(t, []int{3, 5}, r.lastMatching(5, func(v int) bool { return v%2 == 1 }))
	assert.Equal(t, []int{5}, r.lastMatching(1, func(v int) bool { return v%2 == 1 }))
	assert.Equal(t, 3, r.len())
	r.clear()
	assert.Equal(t, 0, r.len())
	assert.Equal(t, 3, r.capacity())
}

func TestHandlerFailureLogsContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bus := newTestBus(t, Config{Logger: zap.New(core)})
	_, _ = bus.Subscribe(schema.EventTypeStatusUpdate, func(context.Context, *schema.Event) error {
		return errors.New("render failed")
	}, WithID("report-writer"))

	evt := statusEvent(t, "log me")
	bus.PublishSync(context.Background(), evt)

	entries := logs.FilterMessage("error in event handler").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "report-writer", fields["handler_id"])
	assert.Equal(t, "status_update", fields["event_type"])
	assert.Equal(t, evt.ID(), fields["event_id"])
	assert.Equal(t, "render failed", fields["error"])
}

func TestQueueFullLogsAreSampled(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bus := newTestBus(t, Config{
		Logger:          zap.New(core),
		QueueSize:       1,
		PublishTimeout:  time.Millisecond,
		DropLogBurst:    2,
		DropLogInterval: time.Hour,
	})
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	_, _ = bus.Subscribe(schema.EventTypeStatusUpdate, func(context.Context, *schema.Event) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	bus.Start()
	defer close(release)

	bus.Publish(context.Background(), statusEvent(t, "in-flight"))
	<-entered
	bus.Publish(context.Background(), statusEvent(t, "queued"))
	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), statusEvent(t, "dropped"))
	}

	assert.Equal(t, uint64(5), bus.Stats().EventsDropped)
	assert.Len(t, logs.FilterMessage("event queue full, dropping event").All(), 2)
}

func TestEventsByTypeCountsEveryDispatch(t *testing.T) {
	bus := newTestBus(t, Config{})
	bus.AddFilter(schema.EventTypeStatusUpdate, func(evt *schema.Event) bool {
		payload, _ := schema.PayloadAs[schema.StatusUpdate](evt)
		return payload.Message != "drop"
	})

	bus.PublishSync(context.Background(), statusEvent(t, "one"))
	bus.PublishSync(context.Background(), statusEvent(t, "two"))
	bus.PublishSync(context.Background(), statusEvent(t, "drop"))
	file, err := schema.NewFileSelected("/data/roster.csv")
	require.NoError(t, err)
	bus.PublishSync(context.Background(), file)

	stats := bus.Stats()
	assert.Equal(t, map[schema.EventType]uint64{
		schema.EventTypeStatusUpdate: 3,
		schema.EventTypeFileSelected: 1,
	}, stats.EventsByType)
	assert.Equal(t, uint64(1), stats.EventsFiltered)

	stats.EventsByType[schema.EventTypeStatusUpdate] = 100
	assert.Equal(t, uint64(3), bus.Stats().EventsByType[schema.EventTypeStatusUpdate])

	bus.ClearHistory()
	assert.Equal(t, uint64(3), bus.Stats().EventsByType[schema.EventTypeStatusUpdate])

	raw, err := json.Marshal(bus.Stats())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"events_by_type":{`)
}

func TestLoggingInterceptorLogsEachEvent(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bus := newTestBus(t, Config{})
	bus.AddInterceptor(CorrelationInterceptor())
	bus.AddInterceptor(LoggingInterceptor(zap.New(core)))

	evt := statusEvent(t, "logged")
	bus.PublishSync(context.Background(), evt)

	entries := logs.FilterMessage("event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "status_update", fields["event_type"])
	assert.Equal(t, "test", fields["source"])
	assert.Equal(t, evt.ID(), fields["event_id"])
	assert.Len(t, fields[CorrelationKey], 8)

	quiet := newTestBus(t, Config{})
	quiet.AddInterceptor(LoggingInterceptor(nil))
	var calls atomic.Int32
	_, err := quiet.Subscribe(schema.EventTypeStatusUpdate, func(context.Context, *schema.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	quiet.PublishSync(context.Background(), statusEvent(t, "no logger"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMetricNameSharesHandlerSeries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	bus := newTestBus(t, Config{Meter: provider.Meter("eventbus")})

	for _, id := range []string{"tap-a", "tap-b", "tap-c"} {
		_, err := bus.Subscribe(schema.EventTypeStatusUpdate, namedHandler, WithID(id), WithMetricName(" tap "))
		require.NoError(t, err)
	}
	_, err := bus.Subscribe(schema.EventTypeStatusUpdate, namedHandler, WithID("status-bar"), WithMetricName("  "))
	require.NoError(t, err)
	bus.PublishSync(context.Background(), statusEvent(t, "measured"))

	summary, _ := bus.Stats().Subscriber(schema.EventTypeStatusUpdate)
	ids := make([]string, 0, len(summary.Handlers))
	for _, handler := range summary.Handlers {
		ids = append(ids, handler.ID)
	}
	assert.ElementsMatch(t, []string{"tap-a", "tap-b", "tap-c", "status-bar"}, ids)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	series := map[string]uint64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "eventbus.handler.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			for _, point := range hist.DataPoints {
				value, _ := point.Attributes.Value(telemetry.AttrHandlerID)
				series[value.AsString()] += point.Count
			}
		}
	}
	assert.Equal(t, map[string]uint64{"tap": 3, "status-bar": 1}, series)
}
