package main

import (
	"context"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachpo/aarbus/internal/domain/schema"
	"github.com/coachpo/aarbus/internal/infra/bus/eventbus"
	"github.com/coachpo/aarbus/internal/infra/config"
	"github.com/coachpo/aarbus/internal/infra/telemetry"
)

func newBusForTest(t *testing.T, cfg config.AppConfig) *eventbus.EventBus {
	t.Helper()
	provider, err := telemetry.NewProvider(context.Background(), telemetry.Config{})
	require.NoError(t, err)
	bus, err := newEventBus(cfg.Eventbus, zap.NewNop(), provider)
	require.NoError(t, err)
	return bus
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	assert.Equal(t, "config/app.yaml", resolveConfigPath(""))
}

func TestInstallHooksWiresCorrelationAndFilters(t *testing.T) {
	cfg := config.Default()
	cfg.Filters = map[schema.EventType][]string{
		schema.EventTypeStatusUpdate: {`event.payload.level !== "debug"`},
	}
	bus := newBusForTest(t, cfg)
	require.NoError(t, installHooks(bus, cfg, zap.NewNop()))

	seen := make(chan *schema.Event, 2)
	_, err := bus.Subscribe(schema.EventTypeStatusUpdate, func(_ context.Context, evt *schema.Event) error {
		seen <- evt
		return nil
	})
	require.NoError(t, err)

	debug, _ := schema.NewStatusUpdate("noise", "debug")
	info, _ := schema.NewStatusUpdate("signal", "info")
	bus.PublishSync(context.Background(), debug)
	bus.PublishSync(context.Background(), info)

	require.Len(t, seen, 1)
	evt := <-seen
	payload, _ := schema.PayloadAs[schema.StatusUpdate](evt)
	assert.Equal(t, "signal", payload.Message)
	_, tagged := evt.MetadataValue(eventbus.CorrelationKey)
	assert.True(t, tagged)
	assert.Equal(t, uint64(1), bus.Stats().EventsFiltered)
}

func TestInstallHooksLogsEventsWhenEnabled(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		cfg := config.Default()
		cfg.Eventbus.LogEvents = enabled
		bus := newBusForTest(t, cfg)
		core, logs := observer.New(zap.DebugLevel)
		require.NoError(t, installHooks(bus, cfg, zap.New(core)))

		evt, _ := schema.NewStatusUpdate("watched", "info")
		bus.PublishSync(context.Background(), evt)

		entries := logs.FilterMessage("event").Filter(func(entry observer.LoggedEntry) bool {
			return entry.LoggerName == "events"
		}).All()
		if !enabled {
			assert.Empty(t, entries)
			continue
		}
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, evt.ID(), fields["event_id"])
		assert.Contains(t, fields, eventbus.CorrelationKey)
	}
}

func TestInstallHooksRejectsBadScript(t *testing.T) {
	cfg := config.Default()
	cfg.Filters = map[schema.EventType][]string{
		schema.EventTypeFileSelected: {"event.path ==="},
	}
	bus := newBusForTest(t, cfg)
	err := installHooks(bus, cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_selected")
}

func TestGracefulShutdownStopsEverything(t *testing.T) {
	cfg := config.Default()
	bus := newBusForTest(t, cfg)
	shutdowns := make(chan *schema.Event, 1)
	_, err := bus.Subscribe(schema.EventTypeApplicationShutdown, func(_ context.Context, evt *schema.Event) error {
		shutdowns <- evt
		return nil
	})
	require.NoError(t, err)
	bus.Start()

	server := buildMonitorServer(config.MonitorConfig{Enabled: true, Addr: "127.0.0.1:0"}, cfg.Environment, bus, zap.NewNop())
	var lifecycle conc.WaitGroup
	startMonitorServer(&lifecycle, zap.NewNop(), server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mainCtx, mainCancel := context.WithCancel(context.Background())
	performGracefulShutdown(ctx, zap.NewNop(), gracefulShutdownConfig{
		server:      server,
		mainCancel:  mainCancel,
		lifecycle:   &lifecycle,
		bus:         bus,
		stopTimeout: time.Second,
	})

	assert.Error(t, mainCtx.Err())
	assert.False(t, bus.Running())
	require.Len(t, shutdowns, 1)
	evt := <-shutdowns
	assert.Equal(t, appSource, evt.Source())
	assert.Equal(t, uint64(0), bus.Stats().ShutdownTimeouts)
}
