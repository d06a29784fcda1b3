// Package monitor exposes the pipeline's runtime diagnostics: expvar
// metrics served through tsweb's /debug/varz, a periodic stats logger and
// an HTTP server with chart endpoints.
package monitor

import (
	"expvar"
	"fmt"

	"github.com/banshee-data/carla-syncer/internal/dispatch"
	"github.com/banshee-data/carla-syncer/internal/ingest"
	"github.com/banshee-data/carla-syncer/internal/syncer"
)

// Metric names carry the carla_syncer_ prefix so every exporter scraping
// /debug/varz sees one namespace.
var (
	packetsReceived = expvar.NewMap("carla_syncer_packets_received_total")
	packetsDropped  = expvar.NewMap("carla_syncer_packets_dropped_total")
	parseErrors     = expvar.NewMap("carla_syncer_parse_errors_total")
	queueSize       = expvar.NewMap("carla_syncer_queue_size")
	bufferDepth     = expvar.NewMap("carla_syncer_buffer_depth")
	outOfOrder      = expvar.NewInt("carla_syncer_out_of_order_total")

	framesTotal        = expvar.NewMap("carla_syncer_frames_total")
	framesMissing      = expvar.NewInt("carla_syncer_frames_with_missing_sensors_total")
	sensorsMissing     = expvar.NewInt("carla_syncer_sensors_missing")
	windowSizeMs       = expvar.NewFloat("carla_syncer_window_size_ms")
	motionIntensity    = expvar.NewFloat("carla_syncer_motion_intensity")
	syncLatencySeconds = expvar.NewFloat("carla_syncer_sync_latency_seconds")

	timeOffsetMs = expvar.NewMap("carla_syncer_time_offset_ms")
	kfResidual   = expvar.NewMap("carla_syncer_kf_residual")

	framesDispatched = expvar.NewMap("carla_syncer_frames_dispatched_total")
	framesSinkDrops  = expvar.NewMap("carla_syncer_frames_sink_dropped_total")

	qualityRejected = expvar.NewInt("carla_syncer_quality_rejected_total")
	jitterExceeded  = expvar.NewInt("carla_syncer_sensor_jitter_exceeded_total")
)

func setMapFloat(m *expvar.Map, key string, v float64) {
	f := new(expvar.Float)
	f.Set(v)
	m.Set(key, f)
}

func setMapInt(m *expvar.Map, key string, v int64) {
	i := new(expvar.Int)
	i.Set(v)
	m.Set(key, i)
}

// RecordFrame publishes the per-frame gauges and counters.
func RecordFrame(f *syncer.SyncedFrame) {
	status := "ok"
	if len(f.Meta.MissingSensors) > 0 {
		status = "partial"
		framesMissing.Add(1)
	}
	framesTotal.Add(status, 1)

	windowSizeMs.Set(f.Meta.WindowSizeS * 1000)
	motionIntensity.Set(f.Meta.MotionIntensity)
	sensorsMissing.Set(int64(len(f.Meta.MissingSensors)))

	for sensorID, offset := range f.Meta.TimeOffsets {
		setMapFloat(timeOffsetMs, sensorID, offset*1000)
	}
	for sensorID, residual := range f.Meta.KFResiduals {
		setMapFloat(kfResidual, sensorID, residual)
	}
}

// RecordAdapterStats publishes the adapter counters. Cumulative counters
// are stored as absolute values, so repeated publication is idempotent.
func RecordAdapterStats(stats []ingest.AdapterStats) {
	for _, s := range stats {
		setMapInt(packetsReceived, s.SensorID, int64(s.Received))
		setMapInt(packetsDropped, s.SensorID+",stage=adapter", int64(s.Dropped))
		setMapInt(parseErrors, s.SensorID, int64(s.ParseErrors))
	}
}

// RecordSinkStats publishes dispatcher counters per sink.
func RecordSinkStats(stats []dispatch.SinkStats) {
	for _, s := range stats {
		setMapInt(framesDispatched, s.Name, int64(s.Dispatched))
		setMapInt(framesSinkDrops, s.Name, int64(s.Dropped))
	}
}

// RecordQueueDepths publishes per-sensor channel occupancy.
func RecordQueueDepths(depths map[string]int) {
	for sensorID, depth := range depths {
		setMapInt(queueSize, sensorID, int64(depth))
	}
}

// EngineStats is the sync worker's published view of the engine counters
// (the engine itself is single-owner).
type EngineStats struct {
	BufferDepths    map[string]int
	Dropped         uint64
	OutOfOrder      uint64
	QualityRejected uint64
	JitterExceeded  uint64
	LatencySeconds  float64
}

// RecordEngineStats publishes the engine-level gauges and totals.
func RecordEngineStats(s EngineStats) {
	for sensorID, depth := range s.BufferDepths {
		setMapInt(bufferDepth, sensorID, int64(depth))
	}
	setMapInt(packetsDropped, "stage=engine", int64(s.Dropped))
	outOfOrder.Set(int64(s.OutOfOrder))
	qualityRejected.Set(int64(s.QualityRejected))
	jitterExceeded.Set(int64(s.JitterExceeded))
	syncLatencySeconds.Set(s.LatencySeconds)
}

// MetricsKeys returns the exported metric names, for the index page.
func MetricsKeys() []string {
	keys := []string{}
	expvar.Do(func(kv expvar.KeyValue) {
		if len(kv.Key) > 13 && kv.Key[:13] == "carla_syncer_" {
			keys = append(keys, kv.Key)
		}
	})
	return keys
}

// Handler-friendly description of a sink counter, used in status pages.
func describeSink(s dispatch.SinkStats) string {
	return fmt.Sprintf("%s: dispatched=%d dropped=%d errors=%d", s.Name, s.Dispatched, s.Dropped, s.Errors)
}
