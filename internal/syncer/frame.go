package syncer

import "github.com/banshee-data/carla-syncer/internal/sensor"

// SyncedPacket is one sensor's contribution to an aligned frame.
type SyncedPacket struct {
	Packet *sensor.Packet `json:"packet"`
	// CorrectedTimestamp is the packet timestamp with the estimated clock
	// offset removed.
	CorrectedTimestamp float64 `json:"corrected_timestamp"`
	// TimeDelta is the distance from the window centre,
	// timestamp − (t_sync + offset).
	TimeDelta float64 `json:"time_delta"`
	// Interpolated marks packets synthesised from bracketing samples
	// rather than selected from the buffer.
	Interpolated bool `json:"interpolated"`
}

// SyncMeta carries the per-frame diagnostics the engine derives while
// selecting.
type SyncMeta struct {
	ReferenceSensorID string             `json:"reference_sensor_id"`
	WindowSizeS       float64            `json:"window_size_s"`
	MotionIntensity   float64            `json:"motion_intensity"`
	TimeOffsets       map[string]float64 `json:"time_offsets"`
	KFResiduals       map[string]float64 `json:"kf_residuals"`
	MissingSensors    []string           `json:"missing_sensors"`
	// DroppedCount and OutOfOrderCount are cumulative engine totals at
	// emission time.
	DroppedCount    uint64 `json:"dropped_count"`
	OutOfOrderCount uint64 `json:"out_of_order_count"`
}

// SyncedFrame is the engine's output: one temporally aligned multi-sensor
// snapshot. Ownership passes to the consumer on emission; the engine
// retains only counters.
type SyncedFrame struct {
	TSync   float64                 `json:"t_sync"`
	FrameID uint64                  `json:"frame_id"`
	Sensors map[string]SyncedPacket `json:"sensors"`
	Meta    SyncMeta                `json:"meta"`
}
