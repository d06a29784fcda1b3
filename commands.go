package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/banshee-data/carla-syncer/internal/config"
	"github.com/banshee-data/carla-syncer/internal/ingest"
	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/syncer"
)

// mockConfig is the built-in sensor set used by `run -mock`: a 20 Hz
// camera reference, a 10 Hz LiDAR and a 100 Hz IMU.
func mockConfig() *config.Config {
	ref := "cam_front"
	imu := "imu_main"
	return &config.Config{
		ReferenceSensorID: &ref,
		RequiredSensors:   []string{"cam_front", "lidar_top"},
		IMUSensorID:       &imu,
		Sensors: []config.SensorSpec{
			{ID: "cam_front", Type: "camera", Hz: 20, ImageWidth: 320, ImageHeight: 240},
			{ID: "lidar_top", Type: "lidar", Hz: 10, LidarPoints: 1000},
			{ID: "imu_main", Type: "imu", Hz: 100},
		},
		Sinks: []config.SinkSpec{{Name: "log", Type: "log"}},
	}
}

func loadConfig(path string, allowMock bool, mock bool) (*config.Config, error) {
	if mock {
		return mockConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		if allowMock && errors.Is(err, fs.ErrNotExist) {
			monitoring.Logf("no config at %s; using built-in mock sensors", path)
			return mockConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func cmdRun(args []string) error {
	fs, configPath := newFlagSet("run")
	mock := fs.Bool("mock", false, "Use built-in mock sensors regardless of config")
	debug := fs.Bool("debug", false, "Enable debug logging")
	duration := fs.Duration("duration", 0, "Stop after this long (0 = run until signal)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	monitoring.SetDebug(*debug)

	cfg, err := loadConfig(*configPath, true, *mock)
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}
	return orch.run(*duration)
}

func cmdReplay(args []string) error {
	fs, configPath := newFlagSet("replay")
	in := fs.String("in", "", "Replay packet list (JSON, required)")
	out := fs.String("out", "", "Write the emitted frame list to this JSON file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	monitoring.SetDebug(*debug)

	if *in == "" {
		return fmt.Errorf("replay requires -in <file.json>")
	}
	doc, err := ingest.LoadReplay(*in)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath, true, false)
	if err != nil {
		return err
	}

	engine, err := syncer.New(cfg.EngineConfig())
	if err != nil {
		return err
	}
	packets, err := doc.ToPackets()
	if err != nil {
		return err
	}

	expected := &ingest.ExpectedDoc{}
	for _, p := range packets {
		frame := engine.Push(p)
		if frame == nil {
			continue
		}
		ef := ingest.ExpectedFrame{
			TSync:   frame.TSync,
			FrameID: frame.FrameID,
			Missing: frame.Meta.MissingSensors,
		}
		for _, id := range doc.SensorIDs() {
			if _, ok := frame.Sensors[id]; ok {
				ef.Sensors = append(ef.Sensors, id)
			}
		}
		expected.Frames = append(expected.Frames, ef)
		monitoring.Logf("frame %d t_sync=%.6f sensors=%d missing=%d",
			frame.FrameID, frame.TSync, len(frame.Sensors), len(frame.Meta.MissingSensors))
	}

	monitoring.Logf("replayed %d packets -> %d frames (dropped=%d out_of_order=%d)",
		len(packets), engine.FramesEmitted(), engine.DroppedTotal(), engine.OutOfOrderTotal())

	if *out != "" {
		if err := expected.Save(*out); err != nil {
			return fmt.Errorf("failed to write expected frames: %w", err)
		}
		monitoring.Logf("wrote expected frames to %s", *out)
	}
	return nil
}

func cmdValidate(args []string) error {
	fs, configPath := newFlagSet("validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Engine construction re-checks the cross-field invariants.
	if _, err := syncer.New(cfg.EngineConfig()); err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d sensors, %d sinks, reference %s)\n",
		*configPath, len(cfg.Sensors), len(cfg.Sinks), cfg.GetReferenceSensorID())
	return nil
}

func cmdInfo(args []string) error {
	fs, configPath := newFlagSet("info")
	mock := fs.Bool("mock", false, "Show the built-in mock configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, true, *mock)
	if err != nil {
		return err
	}

	effective := map[string]interface{}{
		"reference_sensor_id": cfg.GetReferenceSensorID(),
		"required_sensors":    cfg.RequiredSensors,
		"imu_sensor_id":       cfg.GetIMUSensorID(),
		"window_min_ms":       cfg.GetWindowMinMs(),
		"window_max_ms":       cfg.GetWindowMaxMs(),
		"buffer_max_size":     cfg.GetBufferMaxSize(),
		"buffer_timeout_s":    cfg.GetBufferTimeoutS(),
		"missing_strategy":    cfg.GetMissingStrategy(),
		"channel_capacity":    cfg.GetChannelCapacity(),
		"drop_policy":         cfg.GetDropPolicy(),
		"sensor_intervals":    cfg.GetSensorIntervals(),
		"listen":              cfg.GetListen(),
		"db_path":             cfg.GetDBPath(),
		"grace_s":             cfg.GetGraceS(),
		"sensors":             cfg.Sensors,
		"sinks":               cfg.Sinks,
	}
	data, err := json.MarshalIndent(effective, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
