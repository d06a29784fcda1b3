package serialsource

import (
	"bufio"
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/banshee-data/carla-syncer/internal/ingest"
	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/sensor"
)

// sampleLine is one JSON line from the device. GNSS fields for a fix,
// radar fields for a detection sweep.
type sampleLine struct {
	Timestamp float64 `json:"timestamp"`

	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
	Altitude  *float64 `json:"alt,omitempty"`

	// Radar detections as flat float32 quads {velocity, azimuth,
	// altitude, depth}, hex-free JSON numbers.
	Detections [][4]float64 `json:"detections,omitempty"`
}

// Source reads newline-delimited JSON samples from a serial port and
// delivers parsed packets. It implements ingest.Source.
type Source struct {
	sensorID string
	typ      sensor.Type
	port     SerialPorter

	running atomic.Bool
	done    chan struct{}

	parseErrors atomic.Uint64
}

// New creates a serial source for the given sensor identity. typ must be
// gnss or radar.
func New(sensorID string, typ sensor.Type, port SerialPorter) *Source {
	return &Source{sensorID: sensorID, typ: typ, port: port}
}

func (s *Source) SensorID() string        { return s.sensorID }
func (s *Source) SensorType() sensor.Type { return s.typ }

// Listen starts the read loop on its own goroutine. It terminates when
// the port reaches EOF or Stop closes it.
func (s *Source) Listen(cb ingest.Callback) {
	if s.running.Swap(true) {
		return
	}
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			if !s.running.Load() {
				return
			}
			line := strings.TrimSpace(scan.Text())
			if line == "" {
				continue
			}
			p, err := s.parseLine(line)
			if err != nil {
				s.parseErrors.Add(1)
				monitoring.Debugf("[serial %s] bad line: %v", s.sensorID, err)
				continue
			}
			cb(p)
		}
		if err := scan.Err(); err != nil {
			monitoring.Logf("[serial %s] read loop ended: %v", s.sensorID, err)
		}
		s.running.Store(false)
	}()
}

func (s *Source) parseLine(line string) (*sensor.Packet, error) {
	var sample sampleLine
	if err := json.Unmarshal([]byte(line), &sample); err != nil {
		return nil, err
	}

	p := &sensor.Packet{
		SensorID:  s.sensorID,
		Type:      s.typ,
		Timestamp: sample.Timestamp,
	}

	switch s.typ {
	case sensor.TypeGNSS:
		lat, lon, alt := 0.0, 0.0, 0.0
		if sample.Latitude != nil {
			lat = *sample.Latitude
		}
		if sample.Longitude != nil {
			lon = *sample.Longitude
		}
		if sample.Altitude != nil {
			alt = *sample.Altitude
		}
		gnss, err := sensor.ParseGNSS(lat, lon, alt)
		if err != nil {
			return nil, err
		}
		p.Payload.GNSS = gnss
	case sensor.TypeRadar:
		points := make([]sensor.LidarPoint, len(sample.Detections))
		for i, d := range sample.Detections {
			points[i] = sensor.LidarPoint{
				X: float32(d[0]), Y: float32(d[1]), Z: float32(d[2]), Intensity: float32(d[3]),
			}
		}
		radar, err := sensor.ParseRadar(sensor.EncodeLidarPoints(points))
		if err != nil {
			return nil, err
		}
		p.Payload.Radar = radar
	default:
		p.Payload.Raw = []byte(line)
	}
	return p, nil
}

// Stop closes the port and waits for the read loop to exit.
func (s *Source) Stop() {
	if s.done == nil {
		return
	}
	s.running.Store(false)
	s.port.Close()
	<-s.done
}

// ParseErrors returns how many lines failed to parse.
func (s *Source) ParseErrors() uint64 { return s.parseErrors.Load() }
