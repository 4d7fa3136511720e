// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/aarbus/internal/domain/schema"
	"github.com/coachpo/aarbus/internal/infra/bus/eventbus"
)

// EventbusConfig sets event bus sizing and shutdown characteristics.
type EventbusConfig struct {
	QueueSize       int           `yaml:"queueSize"`
	Workers         WorkerSetting `yaml:"workers"`
	WorkerQueueSize int           `yaml:"workerQueueSize"`
	HistorySize     int           `yaml:"historySize"`
	PublishTimeout  time.Duration `yaml:"publishTimeout"`
	StopTimeout     time.Duration `yaml:"stopTimeout"`
	DrainTimeout    time.Duration `yaml:"drainTimeout"`
	Correlation     bool          `yaml:"correlation"`
	LogEvents       bool          `yaml:"logEvents"`
}

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

// WorkerSetting encapsulates the worker pool size allowing both numeric and symbolic values.
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit worker setting.
func Workers(n int) WorkerSetting {
	if n <= 0 {
		return WorkerSetting{kind: workerDefault}
	}
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{kind: workerUnset}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = WorkerSetting{kind: workerUnset}
		return nil
	case "auto":
		*s = WorkerSetting{kind: workerAuto}
		return nil
	case "default":
		*s = WorkerSetting{kind: workerDefault}
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: workerExplicit, value: val}
	return nil
}

// MarshalYAML renders the setting back in its configured form.
func (s WorkerSetting) MarshalYAML() (any, error) {
	switch s.kind {
	case workerExplicit:
		return s.value, nil
	case workerAuto:
		return "auto", nil
	default:
		return "default", nil
	}
}

// Resolve returns the effective worker count.
func (s WorkerSetting) Resolve() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return eventbus.DefaultWorkers
	default:
		return eventbus.DefaultWorkers
	}
}

// BusConfig converts the YAML settings into the bus constructor configuration.
func (c EventbusConfig) BusConfig() eventbus.Config {
	return eventbus.Config{
		QueueSize:       c.QueueSize,
		Workers:         c.Workers.Resolve(),
		WorkerQueueSize: c.WorkerQueueSize,
		HistorySize:     c.HistorySize,
		PublishTimeout:  c.PublishTimeout,
		StopTimeout:     c.StopTimeout,
		DrainTimeout:    c.DrainTimeout,
	}
}

func (c *EventbusConfig) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = eventbus.DefaultQueueSize
	}
	if c.WorkerQueueSize == 0 {
		c.WorkerQueueSize = eventbus.DefaultWorkerQueueSize
	}
	if c.HistorySize == 0 {
		c.HistorySize = eventbus.DefaultHistorySize
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = eventbus.DefaultPublishTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = eventbus.DefaultStopTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = eventbus.DefaultDrainTimeout
	}
}

func (c EventbusConfig) validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queueSize must be >0")
	}
	if c.Workers.Resolve() <= 0 {
		return fmt.Errorf("workers must be >0")
	}
	if c.WorkerQueueSize < 0 {
		return fmt.Errorf("workerQueueSize must be >=0")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("historySize must be >0")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publishTimeout must be >0")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stopTimeout must be >0")
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drainTimeout must be >0")
	}
	return nil
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string    `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// MonitorConfig configures the HTTP monitor. AllowedOrigins are host patterns (path.Match
// syntax, e.g. "localhost:*") of browser origins allowed besides the monitor's own host.
type MonitorConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// AppConfig is the unified aarbus configuration sourced from YAML.
type AppConfig struct {
	Environment Environment                   `yaml:"environment"`
	Eventbus    EventbusConfig                `yaml:"eventbus"`
	Filters     map[schema.EventType][]string `yaml:"filters"`
	Logging     LoggingConfig                 `yaml:"logging"`
	Telemetry   TelemetryConfig               `yaml:"telemetry"`
	Monitor     MonitorConfig                 `yaml:"monitor"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Eventbus:    EventbusConfig{Workers: WorkerSetting{kind: workerDefault}, Correlation: true},
		Monitor:     MonitorConfig{Enabled: true, Addr: "127.0.0.1:8880"},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads, normalises and validates an AppConfig from the provided YAML file.
// Environment variables override file values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes)
}

// LoadOrDefault behaves like Load but falls back to Default when configPath is empty or
// does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return defaultWithEnv()
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultWithEnv()
	}
	return cfg, err
}

func defaultWithEnv() (AppConfig, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func parse(bytes []byte) (AppConfig, error) {
	cfg := AppConfig{
		Eventbus: EventbusConfig{Correlation: true},
		Monitor:  MonitorConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if env := strings.TrimSpace(os.Getenv("AARBUS_ENV")); env != "" {
		c.Environment = Environment(env)
	}
	if level := strings.TrimSpace(os.Getenv("AARBUS_LOG_LEVEL")); level != "" {
		c.Logging.Level = level
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		c.Telemetry.OTLPEndpoint = endpoint
		c.Telemetry.EnableMetrics = true
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = normalizeEnvironment(string(c.Environment))
	c.Eventbus.applyDefaults()

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = LogFormat(strings.ToLower(strings.TrimSpace(string(c.Logging.Format))))
	if c.Logging.Format == "" {
		if c.Environment == EnvDev {
			c.Logging.Format = LogFormatConsole
		} else {
			c.Logging.Format = LogFormatJSON
		}
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "aarbus"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}

	c.Monitor.Addr = strings.TrimSpace(c.Monitor.Addr)
	if c.Monitor.Addr == "" {
		c.Monitor.Addr = "127.0.0.1:8880"
	}
	if len(c.Monitor.AllowedOrigins) > 0 {
		origins := make([]string, 0, len(c.Monitor.AllowedOrigins))
		for _, origin := range c.Monitor.AllowedOrigins {
			if trimmed := strings.ToLower(strings.TrimSpace(origin)); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		c.Monitor.AllowedOrigins = origins
	}

	if len(c.Filters) > 0 {
		normalised := make(map[schema.EventType][]string, len(c.Filters))
		for typ, exprs := range c.Filters {
			key := schema.EventType(strings.ToLower(strings.TrimSpace(string(typ))))
			if _, exists := normalised[key]; exists {
				return fmt.Errorf("duplicate filter event type %q", key)
			}
			kept := make([]string, 0, len(exprs))
			for _, expr := range exprs {
				if trimmed := strings.TrimSpace(expr); trimmed != "" {
					kept = append(kept, trimmed)
				}
			}
			normalised[key] = kept
		}
		c.Filters = normalised
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Eventbus.validate(); err != nil {
		return fmt.Errorf("eventbus: %w", err)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case LogFormatJSON, LogFormatConsole:
	default:
		return fmt.Errorf("logging format must be json or console")
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics are enabled")
	}
	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		return fmt.Errorf("monitor addr required")
	}
	for _, origin := range c.Monitor.AllowedOrigins {
		if _, err := path.Match(origin, ""); err != nil {
			return fmt.Errorf("monitor allowedOrigins: invalid pattern %q", origin)
		}
	}
	for _, typ := range c.FilterTypes() {
		if !typ.Known() {
			return fmt.Errorf("filters: unknown event type %q", typ)
		}
	}
	return nil
}

// FilterTypes returns the event types with configured filters in sorted order.
func (c AppConfig) FilterTypes() []schema.EventType {
	types := make([]schema.EventType, 0, len(c.Filters))
	for typ := range c.Filters {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
