package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/carla-syncer/internal/sensor"
	"github.com/banshee-data/carla-syncer/internal/timeutil"
)

// The replay format seeds golden tests: a packet list on the input side
// and an expected frame list on the output side. Payload bytes are not
// serialised; byte-carrying packets are reconstructed with synthetic
// payloads of the declared geometry, which is all the sync path observes.

// ReplayPacket is one packet in a replay document.
type ReplayPacket struct {
	SensorID  string  `json:"sensor_id"`
	Timestamp float64 `json:"timestamp"`
	Type      string  `json:"type"`

	IMU  *sensor.IMU  `json:"imu,omitempty"`
	GNSS *sensor.GNSS `json:"gnss,omitempty"`

	// Geometry for byte-carrying payloads.
	ImageWidth  uint32 `json:"image_width,omitempty"`
	ImageHeight uint32 `json:"image_height,omitempty"`
	LidarPoints uint32 `json:"lidar_points,omitempty"`
	Detections  uint32 `json:"detections,omitempty"`
}

// ReplayDoc is the input side of a golden fixture.
type ReplayDoc struct {
	Packets []ReplayPacket `json:"packets"`
}

// ExpectedFrame is one frame in the expected output list.
type ExpectedFrame struct {
	TSync   float64  `json:"t_sync"`
	FrameID uint64   `json:"frame_id"`
	Sensors []string `json:"sensors"`
	Missing []string `json:"missing,omitempty"`
}

// ExpectedDoc is the output side of a golden fixture.
type ExpectedDoc struct {
	Frames []ExpectedFrame `json:"frames"`
}

// LoadReplay reads a replay document from a JSON file.
func LoadReplay(path string) (*ReplayDoc, error) {
	if ext := filepath.Ext(path); ext != ".json" {
		return nil, fmt.Errorf("replay file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay file: %w", err)
	}
	var doc ReplayDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse replay JSON: %w", err)
	}
	return &doc, nil
}

// Save writes the document as indented JSON.
func (d *ReplayDoc) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// LoadExpected reads an expected-frames document from a JSON file.
func LoadExpected(path string) (*ExpectedDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read expected file: %w", err)
	}
	var doc ExpectedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse expected JSON: %w", err)
	}
	return &doc, nil
}

// Save writes the expected document as indented JSON.
func (d *ExpectedDoc) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Packet materialises one replay entry into a full packet.
func (rp *ReplayPacket) Packet() (*sensor.Packet, error) {
	typ, err := sensor.ParseType(rp.Type)
	if err != nil {
		return nil, fmt.Errorf("replay packet %s@%v: %w", rp.SensorID, rp.Timestamp, err)
	}
	p := &sensor.Packet{SensorID: rp.SensorID, Type: typ, Timestamp: rp.Timestamp}

	switch typ {
	case sensor.TypeIMU:
		imu := rp.IMU
		if imu == nil {
			imu = &sensor.IMU{Accel: sensor.Vector3{Z: 9.8}}
		}
		p.Payload.IMU = imu
	case sensor.TypeGNSS:
		gnss := rp.GNSS
		if gnss == nil {
			gnss = &sensor.GNSS{}
		}
		p.Payload.GNSS = gnss
	case sensor.TypeCamera:
		w, h := rp.ImageWidth, rp.ImageHeight
		if w == 0 {
			w = 4
		}
		if h == 0 {
			h = 4
		}
		p.Payload.Image = &sensor.Image{
			Width: w, Height: h, Format: sensor.FormatBGRA8,
			Data: make([]byte, int(w)*int(h)*4),
		}
	case sensor.TypeLidar:
		n := rp.LidarPoints
		if n == 0 {
			n = 8
		}
		p.Payload.PointCloud = &sensor.PointCloud{
			NumPoints: n, Stride: sensor.LidarPointStride,
			Data: make([]byte, int(n)*sensor.LidarPointStride),
		}
	case sensor.TypeRadar:
		n := rp.Detections
		if n == 0 {
			n = 4
		}
		p.Payload.Radar = &sensor.Radar{
			NumDetections: n,
			Data:          make([]byte, int(n)*sensor.RadarDetectionStride),
		}
	}
	return p, nil
}

// ToPackets materialises the whole document in list order (the list order
// IS the arrival order; out-of-order fixtures encode it directly).
func (d *ReplayDoc) ToPackets() ([]*sensor.Packet, error) {
	out := make([]*sensor.Packet, 0, len(d.Packets))
	for i := range d.Packets {
		p, err := d.Packets[i].Packet()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// SensorIDs returns the distinct sensor IDs in the document, sorted.
func (d *ReplayDoc) SensorIDs() []string {
	seen := map[string]bool{}
	for _, p := range d.Packets {
		seen[p.SensorID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReplaySources builds one MockSource per sensor in the document,
// preserving each sensor's arrival order, paced at interval.
func (d *ReplayDoc) ReplaySources(interval time.Duration, clock timeutil.Clock) ([]*MockSource, error) {
	bySensor := map[string][]*sensor.Packet{}
	types := map[string]sensor.Type{}
	var order []string
	for i := range d.Packets {
		p, err := d.Packets[i].Packet()
		if err != nil {
			return nil, err
		}
		if _, ok := bySensor[p.SensorID]; !ok {
			order = append(order, p.SensorID)
		}
		bySensor[p.SensorID] = append(bySensor[p.SensorID], p)
		types[p.SensorID] = p.Type
	}
	out := make([]*MockSource, 0, len(order))
	for _, id := range order {
		out = append(out, NewMockSource(id, types[id], bySensor[id], interval, clock))
	}
	return out, nil
}
