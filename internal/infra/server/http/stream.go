package httpserver

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachpo/aarbus/internal/domain/schema"
	"github.com/coachpo/aarbus/internal/infra/bus/eventbus"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
	streamMetricName   = "monitor-stream"
)

// stream upgrades to a WebSocket and forwards events of the requested types as JSON text
// frames. The tap handlers are async and lowest priority; a slow client loses events
// rather than holding up a worker.
func (s *httpServer) stream(w http.ResponseWriter, r *http.Request) {
	types, err := parseStreamTypes(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	events := make(chan *schema.Event, streamBuffer)
	id := streamMetricName + "-" + uuid.NewString()
	tap := func(_ context.Context, evt *schema.Event) error {
		select {
		case events <- evt:
		default:
		}
		return nil
	}
	for _, typ := range types {
		if _, err := s.bus.Subscribe(typ, tap, eventbus.WithID(id), eventbus.WithMetricName(streamMetricName), eventbus.WithPriority(math.MinInt32), eventbus.Async()); err != nil {
			s.logger.Warn("stream subscribe failed", zap.String("event_type", string(typ)), zap.Error(err))
		}
	}
	defer func() {
		for _, typ := range types {
			s.bus.Unsubscribe(typ, id)
		}
	}()
	s.logger.Debug("event stream opened", zap.String("stream_id", id), zap.Int("types", len(types)))

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed", zap.String("stream_id", id))
			return
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("encode stream event failed", zap.Error(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("event stream write failed", zap.String("stream_id", id), zap.Error(err))
				return
			}
		}
	}
}

func parseStreamTypes(raw string) ([]schema.EventType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return schema.KnownTypes(), nil
	}
	seen := make(map[schema.EventType]struct{})
	var types []schema.EventType
	for _, part := range strings.Split(raw, ",") {
		typ := schema.EventType(strings.ToLower(strings.TrimSpace(part)))
		if typ == "" {
			continue
		}
		if !typ.Known() {
			return nil, fmt.Errorf("unknown event type %q", typ)
		}
		if _, dup := seen[typ]; dup {
			continue
		}
		seen[typ] = struct{}{}
		types = append(types, typ)
	}
	if len(types) == 0 {
		return schema.KnownTypes(), nil
	}
	return types, nil
}
