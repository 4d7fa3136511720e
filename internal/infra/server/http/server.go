// Package httpserver exposes a read-mostly HTTP monitor for the event bus.
package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/aarbus/internal/domain/schema"
	"github.com/coachpo/aarbus/internal/infra/bus/eventbus"
	"github.com/coachpo/aarbus/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 16 // 64 KiB

	defaultRecentCount = 50

	healthPath       = "/healthz"
	statsPath        = "/stats"
	recentEventsPath = "/events/recent"
	exportPath       = "/events/export"
	statusPath       = "/events/status"
	streamPath       = "/events/stream"
)

// EventSource is the bus surface the monitor observes.
type EventSource interface {
	eventbus.Bus
	Running() bool
	Stats() eventbus.Stats
	RecentEvents(count int) []*schema.Event
	RecentEventsOfType(typ schema.EventType, count int) []*schema.Event
	ExportHistory(w io.Writer, typ schema.EventType) error
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment    config.Environment
	bus            EventSource
	allowedOrigins []string
	logger         *zap.Logger
}

type statusPayload struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// NewHandler creates the monitor HTTP handler. Browser requests are accepted from the
// monitor's own host and from origins matching allowedOrigins; others get 403.
func NewHandler(environment config.Environment, bus EventSource, allowedOrigins []string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &httpServer{
		environment:    environment,
		bus:            bus,
		allowedOrigins: append([]string(nil), allowedOrigins...),
		logger:         logger,
	}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stats,
	}))
	mux.Handle(recentEventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.recentEvents,
	}))
	mux.Handle(exportPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.exportHistory,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.publishStatus,
	}))
	mux.Handle(streamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stream,
	}))

	return server.withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	running := s.bus.Running()
	status := http.StatusOK
	label := "ok"
	if !running {
		status = http.StatusServiceUnavailable
		label = "stopped"
	}
	writeJSON(w, status, map[string]any{
		"status":      label,
		"running":     running,
		"environment": s.environment,
	})
}

func (s *httpServer) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Stats())
}

func (s *httpServer) recentEvents(w http.ResponseWriter, r *http.Request) {
	count := defaultRecentCount
	if raw := strings.TrimSpace(r.URL.Query().Get("count")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid count %q", raw))
			return
		}
		count = parsed
	}
	typ, ok := parseEventType(w, r)
	if !ok {
		return
	}

	var events []*schema.Event
	if typ == "" {
		events = s.bus.RecentEvents(count)
	} else {
		events = s.bus.RecentEventsOfType(typ, count)
	}
	if events == nil {
		events = []*schema.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (s *httpServer) exportHistory(w http.ResponseWriter, r *http.Request) {
	typ, ok := parseEventType(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="event-history.json"`)
	w.WriteHeader(http.StatusOK)
	if err := s.bus.ExportHistory(w, typ); err != nil {
		s.logger.Warn("export history failed", zap.Error(err))
	}
}

func (s *httpServer) publishStatus(w http.ResponseWriter, r *http.Request) {
	if !s.bus.Running() {
		writeError(w, http.StatusServiceUnavailable, "event bus not running")
		return
	}
	limitRequestBody(w, r)
	var payload statusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}
	switch strings.ToLower(strings.TrimSpace(payload.Level)) {
	case "", "info", "warning", "error", "success":
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid level %q", payload.Level))
		return
	}

	evt, err := schema.NewStatusUpdate(payload.Message, payload.Level, schema.WithSource("monitor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.bus.Publish(r.Context(), evt)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"event_id": evt.ID(),
	})
}

func parseEventType(w http.ResponseWriter, r *http.Request) (schema.EventType, bool) {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type")))
	if raw == "" {
		return "", true
	}
	typ := schema.EventType(raw)
	if !typ.Known() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", raw))
		return "", false
	}
	return typ, true
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func (s *httpServer) withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.originAllowed(r.Host, origin) {
				s.logger.Warn("monitor request from disallowed origin",
					zap.String("origin", origin),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// originAllowed matches the Origin host against the request host and the configured
// patterns the same way the WebSocket handshake does.
func (s *httpServer) originAllowed(host, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(host, u.Host) {
		return true
	}
	for _, pattern := range s.allowedOrigins {
		if matched, err := path.Match(strings.ToLower(pattern), strings.ToLower(u.Host)); err == nil && matched {
			return true
		}
	}
	return false
}
