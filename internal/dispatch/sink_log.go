package dispatch

import (
	"strings"

	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/syncer"
)

// LogSink writes one summary line per frame through the package logger.
type LogSink struct {
	name string
}

// NewLogSink creates a log sink with the given name.
func NewLogSink(name string) *LogSink {
	if name == "" {
		name = "log"
	}
	return &LogSink{name: name}
}

func (s *LogSink) Name() string { return s.name }

func (s *LogSink) Deliver(frame *syncer.SyncedFrame) error {
	missing := ""
	if len(frame.Meta.MissingSensors) > 0 {
		missing = " missing=" + strings.Join(frame.Meta.MissingSensors, ",")
	}
	monitoring.Logf("[frame %d] t_sync=%.6f sensors=%d window=%.1fms intensity=%.3f%s",
		frame.FrameID, frame.TSync, len(frame.Sensors),
		frame.Meta.WindowSizeS*1000, frame.Meta.MotionIntensity, missing)
	return nil
}

func (s *LogSink) Close() error { return nil }
