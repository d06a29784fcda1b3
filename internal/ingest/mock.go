package ingest

import (
	"sync/atomic"
	"time"

	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/sensor"
	"github.com/banshee-data/carla-syncer/internal/timeutil"
	"github.com/banshee-data/carla-syncer/internal/units"
)

// MockSource replays a fixed packet list with a programmable inter-arrival
// interval. Out-of-order delivery is expressed by the order of the list
// itself, making arrival races reproducible in tests.
type MockSource struct {
	sensorID string
	typ      sensor.Type
	packets  []*sensor.Packet
	interval time.Duration
	clock    timeutil.Clock
	running  atomic.Bool
	done     chan struct{}
}

// NewMockSource creates a source that delivers packets in order, sleeping
// interval between deliveries (zero means back-to-back). A nil clock uses
// wall time.
func NewMockSource(sensorID string, typ sensor.Type, packets []*sensor.Packet, interval time.Duration, clock timeutil.Clock) *MockSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MockSource{
		sensorID: sensorID,
		typ:      typ,
		packets:  packets,
		interval: interval,
		clock:    clock,
	}
}

func (m *MockSource) SensorID() string        { return m.sensorID }
func (m *MockSource) SensorType() sensor.Type { return m.typ }

// Listen delivers the packet list from a fresh goroutine and returns.
func (m *MockSource) Listen(cb Callback) {
	if m.running.Swap(true) {
		return
	}
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		for _, p := range m.packets {
			if !m.running.Load() {
				return
			}
			cb(p)
			if m.interval > 0 {
				m.clock.Sleep(m.interval)
			}
		}
		m.running.Store(false)
	}()
}

// Stop halts delivery and waits for the delivery goroutine to exit.
func (m *MockSource) Stop() {
	if m.done == nil {
		return
	}
	m.running.Store(false)
	<-m.done
}

// Done reports delivery completion for sources that exhaust their list.
func (m *MockSource) Done() <-chan struct{} { return m.done }

// GeneratorConfig parameterises a synthetic rate-based source for smoke
// runs without a simulator.
type GeneratorConfig struct {
	SensorID    string
	Type        sensor.Type
	FrequencyHz float64
	// Camera geometry.
	ImageWidth  uint32
	ImageHeight uint32
	// LiDAR point count.
	LidarPoints uint32
	// RadarDetections per sample.
	RadarDetections uint32
	// MaxPackets stops the generator after that many samples; zero means
	// run until Stop.
	MaxPackets uint64
}

// Generator produces synthetic packets of one type at a fixed rate, with
// timestamps counted from its start.
type Generator struct {
	cfg     GeneratorConfig
	clock   timeutil.Clock
	running atomic.Bool
	done    chan struct{}
}

// NewGenerator creates a synthetic source. A nil clock uses wall time.
func NewGenerator(cfg GeneratorConfig, clock timeutil.Clock) *Generator {
	if cfg.FrequencyHz <= 0 {
		cfg.FrequencyHz = 10
	}
	if cfg.ImageWidth == 0 {
		cfg.ImageWidth = 320
	}
	if cfg.ImageHeight == 0 {
		cfg.ImageHeight = 240
	}
	if cfg.LidarPoints == 0 {
		cfg.LidarPoints = 1000
	}
	if cfg.RadarDetections == 0 {
		cfg.RadarDetections = 8
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Generator{cfg: cfg, clock: clock}
}

func (g *Generator) SensorID() string        { return g.cfg.SensorID }
func (g *Generator) SensorType() sensor.Type { return g.cfg.Type }

func (g *Generator) Listen(cb Callback) {
	if g.running.Swap(true) {
		return
	}
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		interval := units.HzToInterval(g.cfg.FrequencyHz)
		start := g.clock.Now()
		var frameID uint64

		monitoring.Debugf("[mock %s] generating %s at %.1f Hz", g.cfg.SensorID, g.cfg.Type, g.cfg.FrequencyHz)
		for g.running.Load() {
			frameID++
			ts := g.clock.Since(start).Seconds()
			cb(g.packet(ts, frameID))
			if g.cfg.MaxPackets > 0 && frameID >= g.cfg.MaxPackets {
				g.running.Store(false)
				return
			}
			g.clock.Sleep(interval)
		}
	}()
}

func (g *Generator) packet(ts float64, frameID uint64) *sensor.Packet {
	p := &sensor.Packet{
		SensorID:  g.cfg.SensorID,
		Type:      g.cfg.Type,
		Timestamp: ts,
		FrameID:   &frameID,
	}
	switch g.cfg.Type {
	case sensor.TypeCamera:
		size := int(g.cfg.ImageWidth) * int(g.cfg.ImageHeight) * 4
		p.Payload.Image = &sensor.Image{
			Width:  g.cfg.ImageWidth,
			Height: g.cfg.ImageHeight,
			Format: sensor.FormatBGRA8,
			Data:   make([]byte, size),
		}
	case sensor.TypeLidar:
		p.Payload.PointCloud = &sensor.PointCloud{
			NumPoints: g.cfg.LidarPoints,
			Stride:    sensor.LidarPointStride,
			Data:      make([]byte, int(g.cfg.LidarPoints)*sensor.LidarPointStride),
		}
	case sensor.TypeIMU:
		p.Payload.IMU = &sensor.IMU{Accel: sensor.Vector3{Z: 9.8}}
	case sensor.TypeGNSS:
		p.Payload.GNSS = &sensor.GNSS{
			Latitude:  40.0 + ts*1e-4,
			Longitude: -74.0 + ts*1e-4,
			Altitude:  100,
		}
	case sensor.TypeRadar:
		p.Payload.Radar = &sensor.Radar{
			NumDetections: g.cfg.RadarDetections,
			Data:          make([]byte, int(g.cfg.RadarDetections)*sensor.RadarDetectionStride),
		}
	}
	return p
}

func (g *Generator) Stop() {
	if g.done == nil {
		return
	}
	g.running.Store(false)
	<-g.done
}
