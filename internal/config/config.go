// Package config loads the simulator configuration from YAML, an optional
// .env file and HANDOVER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/imdario/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/observability"
	"github.com/signalsfoundry/handover-simulator/model"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full simulator configuration.
type Config struct {
	// Stations are provisioned in list order. The first one receives newly
	// registered devices and list order breaks signal ties.
	Stations []model.StationDefinition `yaml:"stations"`
	// InitialLocation is where registered devices start.
	InitialLocation *model.Location `yaml:"initial_location"`

	Server   ServerConfig                `yaml:"server"`
	Logging  logging.Config              `yaml:"logging"`
	Tracing  observability.TracingConfig `yaml:"tracing"`
	Redis    RedisConfig                 `yaml:"redis"`
	Ledger   LedgerConfig                `yaml:"ledger"`
	Consul   ConsulConfig                `yaml:"consul"`
	Scenario ScenarioConfig              `yaml:"scenario"`
}

type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowOrigin is the CORS origin the HTTP API answers to.
	AllowOrigin string `yaml:"allow_origin"`
	// EventBuffer is how many recent events the HTTP API can return.
	EventBuffer int `yaml:"event_buffer"`
}

// RedisConfig enables event publishing when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver"` // sqlite3 | pgx
	DSN    string `yaml:"dsn"`
}

// ConsulConfig enables service registration when Addr is set.
type ConsulConfig struct {
	Addr        string        `yaml:"addr"`
	ServiceName string        `yaml:"service_name"`
	CheckTTL    time.Duration `yaml:"check_ttl"`
	Tags        []string      `yaml:"tags"`
}

// ScenarioConfig drives the headless simulator.
type ScenarioConfig struct {
	Start        time.Time        `yaml:"start"`
	TickInterval time.Duration    `yaml:"tick_interval"`
	SimStep      time.Duration    `yaml:"sim_step"`
	Ticks        int              `yaml:"ticks"`
	SendEvery    int              `yaml:"send_every"`
	Devices      []ScenarioDevice `yaml:"devices"`
}

// ScenarioDevice is a device registered by the simulator together with the
// path it follows. An empty path keeps it at the initial location.
type ScenarioDevice struct {
	ID        string           `yaml:"id"`
	Kind      model.DeviceKind `yaml:"kind"`
	Waypoints []model.Location `yaml:"waypoints"`
	Speed     float64          `yaml:"speed"`
	Loop      bool             `yaml:"loop"`
}

// Default returns the built-in configuration.
func Default() Config {
	loc := model.DefaultInitialLocation
	return Config{
		Stations:        model.DefaultStations(),
		InitialLocation: &loc,
		Server: ServerConfig{
			GRPCAddr:        ":50051",
			HTTPAddr:        ":8080",
			ShutdownTimeout: 10 * time.Second,
			AllowOrigin:     "*",
			EventBuffer:     1024,
		},
		Logging: logging.Config{Level: "info", Format: "text"},
		Tracing: observability.TracingConfig{
			ServiceName: "handover-simulator",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
		Redis:  RedisConfig{Channel: "handover.events"},
		Ledger: LedgerConfig{Driver: "sqlite3", DSN: "file:handover?mode=memory&cache=shared"},
		Consul: ConsulConfig{ServiceName: "handover-simulator", CheckTTL: 15 * time.Second},
		Scenario: ScenarioConfig{
			Start:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			TickInterval: 100 * time.Millisecond,
			SimStep:      time.Second,
			Ticks:        120,
			SendEvery:    10,
			Devices: []ScenarioDevice{
				{ID: "phone-1", Kind: model.KindSmartPhone, Waypoints: []model.Location{{X: 90, Y: 90}}, Speed: 1},
				{ID: "sensor-1", Kind: model.KindIoT},
				{ID: "drone-1", Kind: model.KindDrone, Waypoints: []model.Location{{X: 80, Y: 0}, {X: 80, Y: 80}}, Speed: 2, Loop: true},
			},
		},
	}
}

// Load builds the configuration. path falls back to HANDOVER_CONFIG; when
// both are empty only defaults and the environment apply. A .env file in the
// working directory is loaded first without overriding variables that are
// already set.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	if path == "" {
		path = os.Getenv("HANDOVER_CONFIG")
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.withDefaults(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML without applying defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// withDefaults fills every unset field from Default. Scalars set to their
// zero value in YAML count as unset.
func (c *Config) withDefaults() error {
	def := Default()
	if err := mergo.Merge(c, def); err != nil {
		return fmt.Errorf("merge defaults: %w", err)
	}
	// mergo leaves structs without exported fields alone.
	if c.Scenario.Start.IsZero() {
		c.Scenario.Start = def.Scenario.Start
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.GRPCAddr, "HANDOVER_GRPC_ADDR")
	setString(&c.Server.HTTPAddr, "HANDOVER_HTTP_ADDR")
	setString(&c.Redis.Addr, "HANDOVER_REDIS_ADDR")
	setString(&c.Redis.Password, "HANDOVER_REDIS_PASSWORD")
	setString(&c.Redis.Channel, "HANDOVER_REDIS_CHANNEL")
	setString(&c.Ledger.Driver, "HANDOVER_LEDGER_DRIVER")
	setString(&c.Ledger.DSN, "HANDOVER_LEDGER_DSN")
	setString(&c.Consul.Addr, "HANDOVER_CONSUL_ADDR")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")

	if v := os.Getenv("HANDOVER_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: HANDOVER_REDIS_DB: %v", ErrInvalidConfig, err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("HANDOVER_STATIONS"); v != "" {
		stations, err := ParseStations(v)
		if err != nil {
			return err
		}
		c.Stations = stations
	}
	c.Tracing = c.Tracing.ApplyEnv()
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// ParseStations reads a compact station list of the form
// "BS1:0:0:3,BS2:80:80:2" (id:x:y:capacity).
func ParseStations(s string) ([]model.StationDefinition, error) {
	var out []model.StationDefinition
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("%w: station %q: want id:x:y:capacity", ErrInvalidConfig, item)
		}
		x, errX := strconv.ParseFloat(parts[1], 64)
		y, errY := strconv.ParseFloat(parts[2], 64)
		capacity, errC := strconv.Atoi(parts[3])
		if err := errors.Join(errX, errY, errC); err != nil {
			return nil, fmt.Errorf("%w: station %q: %v", ErrInvalidConfig, item, err)
		}
		out = append(out, model.StationDefinition{
			ID:       parts[0],
			Location: model.Location{X: x, Y: y},
			Capacity: capacity,
		})
	}
	return out, nil
}

// Validate rejects configurations the network state cannot provision.
func (c Config) Validate() error {
	if len(c.Stations) == 0 {
		return fmt.Errorf("%w: at least one station is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Stations))
	for i, st := range c.Stations {
		if st.ID == "" {
			return fmt.Errorf("%w: station %d has empty id", ErrInvalidConfig, i)
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("%w: duplicate station id %q", ErrInvalidConfig, st.ID)
		}
		seen[st.ID] = struct{}{}
		if st.Capacity <= 0 {
			return fmt.Errorf("%w: station %q capacity must be positive, got %d", ErrInvalidConfig, st.ID, st.Capacity)
		}
	}
	switch c.Ledger.Driver {
	case "", "sqlite3", "pgx":
	default:
		return fmt.Errorf("%w: unsupported ledger driver %q", ErrInvalidConfig, c.Ledger.Driver)
	}
	if err := c.Scenario.validate(); err != nil {
		return err
	}
	devices := make(map[string]struct{}, len(c.Scenario.Devices))
	for _, d := range c.Scenario.Devices {
		if d.ID == "" {
			return fmt.Errorf("%w: scenario device has empty id", ErrInvalidConfig)
		}
		if _, dup := devices[d.ID]; dup {
			return fmt.Errorf("%w: duplicate scenario device %q", ErrInvalidConfig, d.ID)
		}
		devices[d.ID] = struct{}{}
		if !d.Kind.Valid() {
			return fmt.Errorf("%w: scenario device %q: %v", ErrInvalidConfig, d.ID, model.ErrUnknownKind)
		}
		if d.Speed < 0 {
			return fmt.Errorf("%w: scenario device %q has negative speed", ErrInvalidConfig, d.ID)
		}
	}
	return nil
}

func (s ScenarioConfig) validate() error {
	switch {
	case s.SimStep <= 0:
		return fmt.Errorf("%w: scenario sim_step must be positive, got %s", ErrInvalidConfig, s.SimStep)
	case s.TickInterval <= 0:
		return fmt.Errorf("%w: scenario tick_interval must be positive, got %s", ErrInvalidConfig, s.TickInterval)
	case s.Ticks <= 0:
		return fmt.Errorf("%w: scenario ticks must be positive, got %d", ErrInvalidConfig, s.Ticks)
	case s.SendEvery < 0:
		return fmt.Errorf("%w: scenario send_every must not be negative, got %d", ErrInvalidConfig, s.SendEvery)
	}
	return nil
}

// StartLocation returns the configured initial device location.
func (c Config) StartLocation() model.Location {
	if c.InitialLocation == nil {
		return model.DefaultInitialLocation
	}
	return *c.InitialLocation
}
