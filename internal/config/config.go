// Package config loads gesturelink settings: defaults, then an optional
// TOML file, then GESTURELINK_* environment variables. Command-line flags
// are applied last by the binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gesturelink/internal/portalloc"
	"gesturelink/internal/session"

	"github.com/BurntSushi/toml"
)

const envPrefix = "GESTURELINK_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Backend describes how the supervisor launches the backend.
type Backend struct {
	Command   string
	Args      []string
	WorkDir   string
	StopGrace time.Duration
}

// Config holds the settings shared by the supervisor and the control side.
type Config struct {
	DataRange   portalloc.Range
	FramesRange portalloc.Range

	Scheme            string
	Host              string
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	Reconnect         session.ReconnectPolicy

	Backend Backend

	PortsFile  string
	BridgeAddr string // empty disables the HTTP bridge

	LogLevel string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataRange:         portalloc.Range{Start: 8000, End: 8200},
		FramesRange:       portalloc.Range{Start: 8201, End: 8400},
		Scheme:            "ws",
		Host:              "127.0.0.1",
		HeartbeatInterval: 10 * time.Second,
		ConnectTimeout:    5 * time.Second,
		Reconnect:         session.DefaultReconnectPolicy(),
		Backend: Backend{
			Command:   "python",
			Args:      []string{filepath.Join("src", "main", "main.py")},
			StopGrace: 5 * time.Second,
		},
		PortsFile: filepath.Join(os.TempDir(), "gesturelink", "ports.json"),
		LogLevel:  "info",
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path, cfg); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type fileConfig struct {
	DataRange            string   `toml:"data_range"`
	FramesRange          string   `toml:"frames_range"`
	Scheme               string   `toml:"scheme"`
	Host                 string   `toml:"host"`
	HeartbeatInterval    string   `toml:"heartbeat_interval"`
	ConnectTimeout       string   `toml:"connect_timeout"`
	Reconnect            bool     `toml:"reconnect"`
	ReconnectMaxAttempts int      `toml:"reconnect_max_attempts"`
	ReconnectBaseDelay   string   `toml:"reconnect_base_delay"`
	BackendCommand       string   `toml:"backend_command"`
	BackendArgs          []string `toml:"backend_args"`
	BackendWorkDir       string   `toml:"backend_workdir"`
	BackendStopGrace     string   `toml:"backend_stop_grace"`
	PortsFile            string   `toml:"ports_file"`
	BridgeAddr           string   `toml:"bridge_addr"`
	LogLevel             string   `toml:"log_level"`
}

// LoadFile overlays the keys defined in the TOML file at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	cfg := base

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("data_range") {
		if cfg.DataRange, err = ParseRange(raw.DataRange); err != nil {
			return Config{}, fmt.Errorf("parse data_range: %w", err)
		}
	}
	if meta.IsDefined("frames_range") {
		if cfg.FramesRange, err = ParseRange(raw.FramesRange); err != nil {
			return Config{}, fmt.Errorf("parse frames_range: %w", err)
		}
	}
	if meta.IsDefined("scheme") {
		cfg.Scheme = strings.TrimSpace(raw.Scheme)
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("heartbeat_interval") {
		if cfg.HeartbeatInterval, err = parseDuration(raw.HeartbeatInterval); err != nil {
			return Config{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
	}
	if meta.IsDefined("connect_timeout") {
		if cfg.ConnectTimeout, err = parseDuration(raw.ConnectTimeout); err != nil {
			return Config{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect.Enabled = raw.Reconnect
	}
	if meta.IsDefined("reconnect_max_attempts") {
		cfg.Reconnect.MaxAttempts = raw.ReconnectMaxAttempts
	}
	if meta.IsDefined("reconnect_base_delay") {
		if cfg.Reconnect.BaseDelay, err = parseDuration(raw.ReconnectBaseDelay); err != nil {
			return Config{}, fmt.Errorf("parse reconnect_base_delay: %w", err)
		}
	}
	if meta.IsDefined("backend_command") {
		cfg.Backend.Command = strings.TrimSpace(raw.BackendCommand)
	}
	if meta.IsDefined("backend_args") {
		cfg.Backend.Args = append([]string{}, raw.BackendArgs...)
	}
	if meta.IsDefined("backend_workdir") {
		cfg.Backend.WorkDir = strings.TrimSpace(raw.BackendWorkDir)
	}
	if meta.IsDefined("backend_stop_grace") {
		if cfg.Backend.StopGrace, err = parseDuration(raw.BackendStopGrace); err != nil {
			return Config{}, fmt.Errorf("parse backend_stop_grace: %w", err)
		}
	}
	if meta.IsDefined("ports_file") {
		cfg.PortsFile = strings.TrimSpace(raw.PortsFile)
	}
	if meta.IsDefined("bridge_addr") {
		cfg.BridgeAddr = strings.TrimSpace(raw.BridgeAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}

// ApplyEnv overlays GESTURELINK_* variables read through getenv.
// Unparseable values are ignored and the previous value kept.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	env := func(key string) string { return strings.TrimSpace(getenv(envPrefix + key)) }

	if v := env("DATA_RANGE"); v != "" {
		if r, err := ParseRange(v); err == nil {
			cfg.DataRange = r
		}
	}
	if v := env("FRAMES_RANGE"); v != "" {
		if r, err := ParseRange(v); err == nil {
			cfg.FramesRange = r
		}
	}
	if v := env("HOST"); v != "" {
		cfg.Host = v
	}
	if v := env("SCHEME"); v != "" {
		cfg.Scheme = v
	}
	if v := env("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := env("CONNECT_TIMEOUT"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.ConnectTimeout = d
		}
	}
	if v := env("RECONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Reconnect.Enabled = b
		}
	}
	if v := env("BACKEND_COMMAND"); v != "" {
		cfg.Backend.Command = v
	}
	if v := env("PORTS_FILE"); v != "" {
		cfg.PortsFile = v
	}
	if v := env("BRIDGE_ADDR"); v != "" {
		cfg.BridgeAddr = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks ranges, durations and required fields.
func (c Config) Validate() error {
	if err := c.DataRange.Validate(); err != nil {
		return fmt.Errorf("%w: data range: %v", ErrInvalid, err)
	}
	if err := c.FramesRange.Validate(); err != nil {
		return fmt.Errorf("%w: frames range: %v", ErrInvalid, err)
	}
	if c.DataRange.Overlaps(c.FramesRange) {
		return fmt.Errorf("%w: data range %s overlaps frames range %s", ErrInvalid, c.DataRange, c.FramesRange)
	}
	if c.Scheme != "ws" && c.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q", ErrInvalid, c.Scheme)
	}
	if c.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalid)
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: negative heartbeat interval", ErrInvalid)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect timeout must be positive", ErrInvalid)
	}
	if c.Reconnect.Enabled && (c.Reconnect.MaxAttempts < 1 || c.Reconnect.BaseDelay <= 0) {
		return fmt.Errorf("%w: reconnect needs max attempts >= 1 and a positive base delay", ErrInvalid)
	}
	if c.PortsFile == "" && c.BridgeAddr == "" {
		return fmt.Errorf("%w: no port bridge configured", ErrInvalid)
	}
	return nil
}

// ParseRange parses "start-end" into a port range.
func ParseRange(s string) (portalloc.Range, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return portalloc.Range{}, fmt.Errorf("range %q: want start-end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return portalloc.Range{}, fmt.Errorf("range %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return portalloc.Range{}, fmt.Errorf("range %q: %w", s, err)
	}
	r := portalloc.Range{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return portalloc.Range{}, err
	}
	return r, nil
}

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(s))
}
