package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete fabric configuration.
type Config struct {
	UDP       UDPConfig       `yaml:"udp"`
	Audio     AudioConfig     `yaml:"audio"`
	Device    DeviceConfig    `yaml:"device"`
	Routing   RoutingConfig   `yaml:"routing"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HTTPConfig controls the diagnostics-only HTTP listener.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// UDPConfig controls the datagram socket.
type UDPConfig struct {
	ServerPort      int `yaml:"serverPort"`
	DevicePortStart int `yaml:"devicePortStart"`
	MaxPacketSize   int `yaml:"maxPacketSize"`
}

// AudioConfig carries parameters advertised to clients; only FrameDuration
// is interpreted by the core (for jitter accounting).
type AudioConfig struct {
	SampleRate    int `yaml:"sampleRate"`
	FrameDuration int `yaml:"frameDuration"` // milliseconds
	Channels      int `yaml:"channels"`
	OpusBitrate   int `yaml:"opusBitrate"`
}

// DeviceConfig controls registry capacity and liveness.
type DeviceConfig struct {
	MaxDevices        int `yaml:"maxDevices"`
	TimeoutSeconds    int `yaml:"timeoutSeconds"`
	HeartbeatInterval int `yaml:"heartbeatInterval"` // advisory hint to clients
	GCSeconds         int `yaml:"gcSeconds"`
}

// RoutingConfig carries the routing mode label and the conference size
// bound. MaxGroupSize is passed to the routing engine; DefaultMode is
// validated and logged but not applied as a scenario.
type RoutingConfig struct {
	DefaultMode  string `yaml:"defaultMode"`
	MaxGroupSize int    `yaml:"maxGroupSize"`
}

// WebSocketConfig controls the control-plane and bridge listeners.
type WebSocketConfig struct {
	Port         int `yaml:"port"`
	PingInterval int `yaml:"pingInterval"` // seconds
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate runs every section's Validate in turn.
func (c *Config) Validate() error {
	if err := c.UDP.Validate(); err != nil {
		return fmt.Errorf("udp config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing config: %w", err)
	}
	if err := c.WebSocket.Validate(); err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates the UDP section.
func (u *UDPConfig) Validate() error {
	if u.ServerPort < 1 || u.ServerPort > 65535 {
		return fmt.Errorf("serverPort must be between 1 and 65535, got %d", u.ServerPort)
	}
	if u.DevicePortStart < 0 || u.DevicePortStart > 65535 {
		return fmt.Errorf("devicePortStart must be between 0 and 65535, got %d", u.DevicePortStart)
	}
	if u.MaxPacketSize < 9 {
		return fmt.Errorf("maxPacketSize must be at least 9 bytes (header plus one byte of payload), got %d", u.MaxPacketSize)
	}
	return nil
}

// Validate validates the audio section. These values are advertised to
// clients, not enforced on the wire, but must still be sane.
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 1 {
		return fmt.Errorf("sampleRate must be positive, got %d", a.SampleRate)
	}
	if a.FrameDuration < 1 {
		return fmt.Errorf("frameDuration must be positive, got %d", a.FrameDuration)
	}
	if a.Channels < 1 {
		return fmt.Errorf("channels must be at least 1, got %d", a.Channels)
	}
	if a.OpusBitrate < 0 {
		return fmt.Errorf("opusBitrate cannot be negative, got %d", a.OpusBitrate)
	}
	return nil
}

// Validate validates the device section.
func (d *DeviceConfig) Validate() error {
	if d.MaxDevices < 0 {
		return fmt.Errorf("maxDevices cannot be negative, got %d", d.MaxDevices)
	}
	if d.TimeoutSeconds < 1 {
		return fmt.Errorf("timeoutSeconds must be at least 1, got %d", d.TimeoutSeconds)
	}
	if d.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeatInterval cannot be negative, got %d", d.HeartbeatInterval)
	}
	if d.GCSeconds < d.TimeoutSeconds {
		return fmt.Errorf("gcSeconds (%d) must be at least timeoutSeconds (%d)", d.GCSeconds, d.TimeoutSeconds)
	}
	return nil
}

// Validate validates the routing section.
func (r *RoutingConfig) Validate() error {
	validModes := map[string]bool{"": true, "none": true, "all-to-all": true, "pairs": true, "chain": true, "hub": true}
	if !validModes[r.DefaultMode] {
		return fmt.Errorf("defaultMode %q is not a recognized scenario", r.DefaultMode)
	}
	if r.MaxGroupSize < 0 {
		return fmt.Errorf("maxGroupSize cannot be negative, got %d", r.MaxGroupSize)
	}
	return nil
}

// Validate validates the websocket section.
func (w *WebSocketConfig) Validate() error {
	if w.Port < 1 || w.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", w.Port)
	}
	if w.PingInterval < 1 {
		return fmt.Errorf("pingInterval must be at least 1 second, got %d", w.PingInterval)
	}
	return nil
}

// Validate validates the diagnostics HTTP section. A disabled listener
// skips the port check entirely.
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}
	return nil
}

// Validate validates the logging section.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// FrameDurationValue returns the audio frame duration as a time.Duration.
func (a *AudioConfig) FrameDurationValue() time.Duration {
	return time.Duration(a.FrameDuration) * time.Millisecond
}

// TimeoutValue returns the device timeout as a time.Duration.
func (d *DeviceConfig) TimeoutValue() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// GCValue returns the device GC window as a time.Duration.
func (d *DeviceConfig) GCValue() time.Duration {
	return time.Duration(d.GCSeconds) * time.Second
}

// PingIntervalValue returns the websocket ping interval as a time.Duration.
func (w *WebSocketConfig) PingIntervalValue() time.Duration {
	return time.Duration(w.PingInterval) * time.Second
}
