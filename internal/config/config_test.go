package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/carla-syncer/internal/ingest"
	"github.com/banshee-data/carla-syncer/internal/syncer"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncer.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `{
	"reference_sensor_id": "cam_front",
	"required_sensors": ["cam_front", "lidar_top"]
}`

func TestLoadMinimalConfigUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.GetWindowMinMs() != 20 || cfg.GetWindowMaxMs() != 100 {
		t.Errorf("window defaults = %v/%v", cfg.GetWindowMinMs(), cfg.GetWindowMaxMs())
	}
	if cfg.GetBufferMaxSize() != 1000 || cfg.GetBufferTimeoutS() != 1.0 {
		t.Errorf("buffer defaults = %v/%v", cfg.GetBufferMaxSize(), cfg.GetBufferTimeoutS())
	}
	if cfg.GetMissingStrategy() != syncer.MissingDrop {
		t.Errorf("missing strategy default = %v", cfg.GetMissingStrategy())
	}
	if cfg.GetDropPolicy() != ingest.DropNewest {
		t.Errorf("drop policy default = %v", cfg.GetDropPolicy())
	}
	if cfg.GetQualityGating() {
		t.Error("quality gating should default off")
	}
	if cfg.GetListen() != ":8080" {
		t.Errorf("listen default = %v", cfg.GetListen())
	}

	ec := cfg.EngineConfig()
	if ec.ReferenceSensorID != "cam_front" || len(ec.RequiredSensors) != 2 {
		t.Errorf("engine config = %+v", ec)
	}
	if ec.AdaKF.ProcessNoise != 1e-4 || ec.AdaKF.MeasurementNoise != 1e-3 || ec.AdaKF.ResidualWindow != 20 {
		t.Errorf("adakf defaults = %+v", ec.AdaKF)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"reference_sensor_id": "cam",
		"required_sensors": ["cam", "lidar"],
		"imu_sensor_id": "imu",
		"window_min_ms": 10,
		"window_max_ms": 50,
		"buffer_max_size": 200,
		"buffer_timeout_s": 0.5,
		"adakf_process_noise": 0.001,
		"missing_strategy": "empty",
		"quality_gating": true,
		"channel_capacity": 64,
		"drop_policy": "drop_oldest",
		"sensors": [
			{"id": "cam", "type": "camera", "hz": 20},
			{"id": "lidar", "type": "lidar", "hz": 10},
			{"id": "imu", "type": "imu", "hz": 100}
		],
		"sinks": [{"name": "out", "type": "file", "dir": "/tmp/frames"}]
	}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ec := cfg.EngineConfig()
	if ec.Window.MinMs != 10 || ec.Window.MaxMs != 50 {
		t.Errorf("window = %+v", ec.Window)
	}
	if ec.AdaKF.ProcessNoise != 0.001 {
		t.Errorf("process noise = %v", ec.AdaKF.ProcessNoise)
	}
	if ec.MissingPolicy != syncer.MissingEmpty {
		t.Errorf("missing policy = %v", ec.MissingPolicy)
	}
	if !ec.QualityGating {
		t.Error("quality gating not carried into engine config")
	}

	// Intervals derived from declared Hz.
	intervals := cfg.GetSensorIntervals()
	if intervals["cam"] != 0.05 || intervals["lidar"] != 0.1 || intervals["imu"] != 0.01 {
		t.Errorf("intervals = %v", intervals)
	}
}

func TestExplicitIntervalOverridesHz(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"reference_sensor_id": "cam",
		"required_sensors": ["cam"],
		"sensors": [{"id": "cam", "type": "camera", "hz": 20}],
		"sensor_intervals": {"cam": 0.04}
	}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.GetSensorIntervals()["cam"]; got != 0.04 {
		t.Errorf("interval = %v, want explicit 0.04", got)
	}
}

func TestIMUSensorAutoDetected(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"reference_sensor_id": "cam",
		"required_sensors": ["cam"],
		"sensors": [
			{"id": "cam", "type": "camera"},
			{"id": "imu_main", "type": "imu"}
		]
	}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.GetIMUSensorID(); got != "imu_main" {
		t.Errorf("auto-detected IMU = %q, want imu_main", got)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing reference", `{"required_sensors": ["cam"]}`},
		{"empty required", `{"reference_sensor_id": "cam"}`},
		{"window inverted", `{
			"reference_sensor_id": "cam", "required_sensors": ["cam"],
			"window_min_ms": 100, "window_max_ms": 20
		}`},
		{"unknown strategy", `{
			"reference_sensor_id": "cam", "required_sensors": ["cam"],
			"missing_strategy": "guess"
		}`},
		{"block policy in production", `{
			"reference_sensor_id": "cam", "required_sensors": ["cam"],
			"drop_policy": "block"
		}`},
		{"undeclared requirement", `{
			"reference_sensor_id": "cam", "required_sensors": ["cam", "lidar"],
			"sensors": [{"id": "cam", "type": "camera"}]
		}`},
		{"unknown sensor type", `{
			"reference_sensor_id": "cam", "required_sensors": ["cam"],
			"sensors": [{"id": "cam", "type": "sonar"}]
		}`},
		{"network sink without addr", `{
			"reference_sensor_id": "cam", "required_sensors": ["cam"],
			"sinks": [{"name": "net", "type": "network"}]
		}`},
		{"not json", `reference_sensor_id: cam`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Error("Load accepted invalid config")
			}
		})
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	if _, err := Load("config.yaml"); err == nil {
		t.Error("non-JSON extension accepted")
	}
}
