// Package sensor defines the owned data model for packets flowing from
// simulator callbacks into the sync engine. Payload byte blocks are copied
// out of foreign memory exactly once and shared immutably afterwards.
package sensor

import (
	"fmt"
	"math"
)

// Type identifies the kind of sensor that produced a packet.
type Type string

const (
	TypeCamera Type = "camera"
	TypeLidar  Type = "lidar"
	TypeRadar  Type = "radar"
	TypeIMU    Type = "imu"
	TypeGNSS   Type = "gnss"
)

// ParseType converts a configuration string into a Type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeCamera, TypeLidar, TypeRadar, TypeIMU, TypeGNSS:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown sensor type %q", s)
}

// PixelFormat describes the layout of camera payload bytes.
type PixelFormat string

const (
	FormatRGB8        PixelFormat = "rgb8"
	FormatRGBA8       PixelFormat = "rgba8"
	FormatBGRA8       PixelFormat = "bgra8"
	FormatDepth       PixelFormat = "depth"
	FormatSemanticSeg PixelFormat = "semantic_seg"
)

// BytesPerPixel returns the stride of a single pixel for the format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGB8:
		return 3
	case FormatRGBA8, FormatBGRA8, FormatDepth, FormatSemanticSeg:
		return 4
	}
	return 0
}

// LidarPointStride is the byte stride of one LiDAR point: x, y, z,
// intensity as float32.
const LidarPointStride = 16

// RadarDetectionStride is the byte stride of one radar detection:
// velocity, azimuth, altitude, depth as float32.
const RadarDetectionStride = 16

// Vector3 is a 3-component vector (m/s² for accelerometers, rad/s for
// gyroscopes).
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Norm returns the Euclidean magnitude of the vector.
func (v Vector3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Image is a camera payload. Data is immutable after construction.
type Image struct {
	Width  uint32      `json:"width"`
	Height uint32      `json:"height"`
	Format PixelFormat `json:"format"`
	Data   []byte      `json:"-"`
}

// PointCloud is a LiDAR payload: NumPoints points of Stride bytes each.
type PointCloud struct {
	NumPoints uint32 `json:"num_points"`
	Stride    uint32 `json:"stride"`
	Data      []byte `json:"-"`
}

// IMU is an inertial sample.
type IMU struct {
	Accel   Vector3 `json:"accel"`
	Gyro    Vector3 `json:"gyro"`
	Compass float64 `json:"compass"`
}

// GNSS is a geodetic fix.
type GNSS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// Radar is a radar payload: NumDetections detections of
// RadarDetectionStride bytes each.
type Radar struct {
	NumDetections uint32 `json:"num_detections"`
	Data          []byte `json:"-"`
}

// Payload is the tagged union of per-type sensor data. Exactly one field
// is non-nil (Raw acts as the fallback arm).
type Payload struct {
	Image      *Image      `json:"image,omitempty"`
	PointCloud *PointCloud `json:"point_cloud,omitempty"`
	IMU        *IMU        `json:"imu,omitempty"`
	GNSS       *GNSS       `json:"gnss,omitempty"`
	Radar      *Radar      `json:"radar,omitempty"`
	Raw        []byte      `json:"-"`
}

// Packet is one time-stamped sample from one sensor. Payload byte blocks
// are shared by reference between the adapter goroutine, the sync worker
// and any sinks; nothing mutates them after construction.
type Packet struct {
	SensorID  string  `json:"sensor_id"`
	Type      Type    `json:"type"`
	Timestamp float64 `json:"timestamp"`
	// FrameID is the per-sensor monotonic sequence reported by the
	// simulator, when available. Diagnostic only.
	FrameID *uint64 `json:"frame_id,omitempty"`
	Payload Payload `json:"payload"`
}

// Validate checks the packet invariants: a finite non-negative timestamp
// and payload byte lengths that agree with the declared geometry.
func (p *Packet) Validate() error {
	if math.IsNaN(p.Timestamp) || math.IsInf(p.Timestamp, 0) || p.Timestamp < 0 {
		return fmt.Errorf("sensor %s: invalid timestamp %v", p.SensorID, p.Timestamp)
	}
	switch {
	case p.Payload.Image != nil:
		img := p.Payload.Image
		want := int(img.Width) * int(img.Height) * img.Format.BytesPerPixel()
		if img.Format.BytesPerPixel() == 0 {
			return fmt.Errorf("sensor %s: unknown pixel format %q", p.SensorID, img.Format)
		}
		if len(img.Data) != want {
			return fmt.Errorf("sensor %s: image data %d bytes, want %d (%dx%d %s)",
				p.SensorID, len(img.Data), want, img.Width, img.Height, img.Format)
		}
	case p.Payload.PointCloud != nil:
		pc := p.Payload.PointCloud
		if pc.Stride == 0 {
			return fmt.Errorf("sensor %s: point cloud stride is zero", p.SensorID)
		}
		want := int(pc.NumPoints) * int(pc.Stride)
		if len(pc.Data) != want {
			return fmt.Errorf("sensor %s: point cloud data %d bytes, want %d (%d points, stride %d)",
				p.SensorID, len(pc.Data), want, pc.NumPoints, pc.Stride)
		}
	case p.Payload.Radar != nil:
		r := p.Payload.Radar
		want := int(r.NumDetections) * RadarDetectionStride
		if len(r.Data) != want {
			return fmt.Errorf("sensor %s: radar data %d bytes, want %d (%d detections)",
				p.SensorID, len(r.Data), want, r.NumDetections)
		}
	}
	return nil
}

// PayloadBytes returns the size of the packet's byte block, if any.
func (p *Packet) PayloadBytes() int {
	switch {
	case p.Payload.Image != nil:
		return len(p.Payload.Image.Data)
	case p.Payload.PointCloud != nil:
		return len(p.Payload.PointCloud.Data)
	case p.Payload.Radar != nil:
		return len(p.Payload.Radar.Data)
	case p.Payload.Raw != nil:
		return len(p.Payload.Raw)
	}
	return 0
}
