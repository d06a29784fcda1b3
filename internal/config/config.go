// Package config loads the syncer configuration from JSON. Optional
// fields are pointer-typed so a partial file keeps defaults; the Get*
// accessors are the single source of fallback values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/carla-syncer/internal/ingest"
	"github.com/banshee-data/carla-syncer/internal/sensor"
	"github.com/banshee-data/carla-syncer/internal/syncer"
	"github.com/banshee-data/carla-syncer/internal/units"
)

// SensorSpec declares one sensor for mock and live runs.
type SensorSpec struct {
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Hz   float64 `json:"hz,omitempty"`

	// Camera geometry.
	ImageWidth  uint32 `json:"image_width,omitempty"`
	ImageHeight uint32 `json:"image_height,omitempty"`
	// LiDAR point count per sweep.
	LidarPoints uint32 `json:"lidar_points,omitempty"`

	// Serial device path for hardware-in-the-loop sensors; empty means
	// the sensor comes from the simulator/mock layer.
	SerialDevice string `json:"serial_device,omitempty"`
}

// SinkSpec declares one frame sink.
type SinkSpec struct {
	Name string `json:"name"`
	// Type is log, file, network or db.
	Type string `json:"type"`
	// Dir/Prefix/MaxBytes for file sinks.
	Dir      string `json:"dir,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
	// Addr for network sinks.
	Addr string `json:"addr,omitempty"`
	// QueueCapacity is parsed but not applied: every sink queue uses the
	// dispatcher capacity the orchestrator passes to dispatch.New (32).
	QueueCapacity int `json:"queue_capacity,omitempty"`
}

// Config is the root configuration. Field names follow the JSON keys of
// the configuration file.
type Config struct {
	ReferenceSensorID *string  `json:"reference_sensor_id,omitempty"`
	RequiredSensors   []string `json:"required_sensors,omitempty"`
	IMUSensorID       *string  `json:"imu_sensor_id,omitempty"`

	WindowMinMs *float64 `json:"window_min_ms,omitempty"`
	WindowMaxMs *float64 `json:"window_max_ms,omitempty"`

	BufferMaxSize  *int     `json:"buffer_max_size,omitempty"`
	BufferTimeoutS *float64 `json:"buffer_timeout_s,omitempty"`

	AdaKFProcessNoise     *float64 `json:"adakf_process_noise,omitempty"`
	AdaKFMeasurementNoise *float64 `json:"adakf_measurement_noise,omitempty"`
	AdaKFResidualWindow   *int     `json:"adakf_residual_window,omitempty"`
	AdaKFInitialOffset    *float64 `json:"adakf_initial_offset,omitempty"`

	MissingStrategy *string `json:"missing_strategy,omitempty"`

	// QualityGating enables adaptive candidate-quality scoring in the
	// engine. Off by default: selection is then pure closest-in-window.
	QualityGating *bool `json:"quality_gating,omitempty"`

	// SensorIntervals maps sensor IDs to nominal periods in seconds.
	// Entries missing here are derived from the declared Hz.
	SensorIntervals map[string]float64 `json:"sensor_intervals,omitempty"`

	ChannelCapacity *int    `json:"channel_capacity,omitempty"`
	DropPolicy      *string `json:"drop_policy,omitempty"`

	Sensors []SensorSpec `json:"sensors,omitempty"`
	Sinks   []SinkSpec   `json:"sinks,omitempty"`

	Listen *string `json:"listen,omitempty"`
	DBPath *string `json:"db_path,omitempty"`

	// GraceS bounds the shutdown drain in seconds.
	GraceS *float64 `json:"grace_s,omitempty"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency. Engine-level validation runs
// again at construction; this catches file-level mistakes early.
func (c *Config) Validate() error {
	if c.ReferenceSensorID == nil || *c.ReferenceSensorID == "" {
		return fmt.Errorf("reference_sensor_id is required")
	}
	if len(c.RequiredSensors) == 0 {
		return fmt.Errorf("required_sensors must not be empty")
	}
	if c.WindowMinMs != nil && c.WindowMaxMs != nil && *c.WindowMinMs > *c.WindowMaxMs {
		return fmt.Errorf("window_min_ms %v exceeds window_max_ms %v", *c.WindowMinMs, *c.WindowMaxMs)
	}

	declared := map[string]bool{}
	for _, s := range c.Sensors {
		if s.ID == "" {
			return fmt.Errorf("sensor entry with empty id")
		}
		if declared[s.ID] {
			return fmt.Errorf("sensor %q declared twice", s.ID)
		}
		declared[s.ID] = true
		if _, err := sensor.ParseType(s.Type); err != nil {
			return fmt.Errorf("sensor %q: %w", s.ID, err)
		}
	}
	// Requirements may only name declared sensors when a sensor list is
	// present.
	if len(c.Sensors) > 0 {
		for _, id := range c.RequiredSensors {
			if !declared[id] {
				return fmt.Errorf("required sensor %q not declared in sensors", id)
			}
		}
		if !declared[*c.ReferenceSensorID] {
			return fmt.Errorf("reference sensor %q not declared in sensors", *c.ReferenceSensorID)
		}
	}

	if c.MissingStrategy != nil {
		switch syncer.MissingPolicy(*c.MissingStrategy) {
		case syncer.MissingDrop, syncer.MissingEmpty, syncer.MissingInterpolate:
		default:
			return fmt.Errorf("unknown missing_strategy %q", *c.MissingStrategy)
		}
	}
	if c.DropPolicy != nil {
		switch ingest.DropPolicy(*c.DropPolicy) {
		case ingest.DropNewest, ingest.DropOldest:
		case ingest.Block:
			return fmt.Errorf("drop_policy %q is test-only: a blocking callback stalls the simulator", *c.DropPolicy)
		default:
			return fmt.Errorf("unknown drop_policy %q", *c.DropPolicy)
		}
	}
	for _, sink := range c.Sinks {
		switch sink.Type {
		case "log", "file", "db":
		case "network":
			if sink.Addr == "" {
				return fmt.Errorf("network sink %q requires addr", sink.Name)
			}
		default:
			return fmt.Errorf("unknown sink type %q", sink.Type)
		}
	}
	return nil
}

// GetReferenceSensorID returns the reference sensor.
func (c *Config) GetReferenceSensorID() string {
	if c.ReferenceSensorID == nil {
		return ""
	}
	return *c.ReferenceSensorID
}

// GetIMUSensorID returns the configured IMU sensor, else the first declared
// sensor of type imu, else empty (the engine then auto-detects at runtime).
func (c *Config) GetIMUSensorID() string {
	if c.IMUSensorID != nil {
		return *c.IMUSensorID
	}
	// Auto-detect from the declared sensor types.
	for _, s := range c.Sensors {
		if s.Type == string(sensor.TypeIMU) {
			return s.ID
		}
	}
	return ""
}

// GetWindowMinMs returns the minimum window in milliseconds.
func (c *Config) GetWindowMinMs() float64 {
	if c.WindowMinMs == nil {
		return 20
	}
	return *c.WindowMinMs
}

// GetWindowMaxMs returns the maximum window in milliseconds.
func (c *Config) GetWindowMaxMs() float64 {
	if c.WindowMaxMs == nil {
		return 100
	}
	return *c.WindowMaxMs
}

// GetBufferMaxSize returns the per-sensor buffer bound.
func (c *Config) GetBufferMaxSize() int {
	if c.BufferMaxSize == nil {
		return 1000
	}
	return *c.BufferMaxSize
}

// GetBufferTimeoutS returns the buffer expiry horizon in seconds.
func (c *Config) GetBufferTimeoutS() float64 {
	if c.BufferTimeoutS == nil {
		return 1.0
	}
	return *c.BufferTimeoutS
}

// GetMissingStrategy returns the missing-data policy.
func (c *Config) GetMissingStrategy() syncer.MissingPolicy {
	if c.MissingStrategy == nil {
		return syncer.MissingDrop
	}
	return syncer.MissingPolicy(*c.MissingStrategy)
}

// GetQualityGating reports whether adaptive quality gating is enabled.
func (c *Config) GetQualityGating() bool {
	if c.QualityGating == nil {
		return false
	}
	return *c.QualityGating
}

// GetChannelCapacity returns the per-sensor channel bound.
func (c *Config) GetChannelCapacity() int {
	if c.ChannelCapacity == nil {
		return 100
	}
	return *c.ChannelCapacity
}

// GetDropPolicy returns the adapter backpressure policy.
func (c *Config) GetDropPolicy() ingest.DropPolicy {
	if c.DropPolicy == nil {
		return ingest.DropNewest
	}
	return ingest.DropPolicy(*c.DropPolicy)
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	if c.Listen == nil {
		return ":8080"
	}
	return *c.Listen
}

// GetDBPath returns the frame DB path, empty when recording is disabled.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetGraceS returns the shutdown drain budget in seconds.
func (c *Config) GetGraceS() float64 {
	if c.GraceS == nil {
		return 2.0
	}
	return *c.GraceS
}

// GetSensorIntervals returns the per-sensor nominal periods, combining
// explicit entries with periods derived from declared rates.
func (c *Config) GetSensorIntervals() map[string]float64 {
	intervals := map[string]float64{}
	for _, s := range c.Sensors {
		if interval := units.HzToIntervalSeconds(s.Hz); interval > 0 {
			intervals[s.ID] = interval
		}
	}
	for id, interval := range c.SensorIntervals {
		intervals[id] = interval
	}
	return intervals
}

// EngineConfig assembles the sync engine configuration.
func (c *Config) EngineConfig() syncer.Config {
	adakf := syncer.DefaultAdaKFConfig()
	if c.AdaKFProcessNoise != nil {
		adakf.ProcessNoise = *c.AdaKFProcessNoise
	}
	if c.AdaKFMeasurementNoise != nil {
		adakf.MeasurementNoise = *c.AdaKFMeasurementNoise
	}
	if c.AdaKFResidualWindow != nil {
		adakf.ResidualWindow = *c.AdaKFResidualWindow
	}
	if c.AdaKFInitialOffset != nil {
		adakf.InitialOffset = *c.AdaKFInitialOffset
	}

	return syncer.Config{
		ReferenceSensorID: c.GetReferenceSensorID(),
		RequiredSensors:   append([]string(nil), c.RequiredSensors...),
		IMUSensorID:       c.GetIMUSensorID(),
		Window: syncer.WindowConfig{
			MinMs: c.GetWindowMinMs(),
			MaxMs: c.GetWindowMaxMs(),
		},
		Buffer: syncer.BufferConfig{
			MaxSize:    c.GetBufferMaxSize(),
			TimeoutS:   c.GetBufferTimeoutS(),
			DropPolicy: syncer.DropOldest,
		},
		AdaKF:           adakf,
		MissingPolicy:   c.GetMissingStrategy(),
		SensorIntervals: c.GetSensorIntervals(),
		QualityGating:   c.GetQualityGating(),
	}
}

// BackpressureConfig assembles the adapter backpressure configuration.
func (c *Config) BackpressureConfig() ingest.BackpressureConfig {
	return ingest.BackpressureConfig{
		ChannelCapacity: c.GetChannelCapacity(),
		DropPolicy:      c.GetDropPolicy(),
	}
}
