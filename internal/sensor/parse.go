package sensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// The simulator delivers payload buffers that are only valid for the
// duration of the callback. Every parser here copies the foreign bytes
// into freshly allocated Go memory before returning; holding a reference
// into the source buffer past the callback is a defect.

// ParseImage copies a foreign pixel buffer into an owned Image payload.
func ParseImage(width, height uint32, format PixelFormat, foreign []byte) (*Image, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("unknown pixel format %q", format)
	}
	want := int(width) * int(height) * bpp
	if len(foreign) != want {
		return nil, fmt.Errorf("image buffer %d bytes, want %d (%dx%d %s)",
			len(foreign), want, width, height, format)
	}
	data := make([]byte, len(foreign))
	copy(data, foreign)
	return &Image{Width: width, Height: height, Format: format, Data: data}, nil
}

// ParsePointCloud copies a foreign interleaved {x,y,z,intensity} float32
// buffer into an owned PointCloud payload.
func ParsePointCloud(foreign []byte) (*PointCloud, error) {
	if len(foreign)%LidarPointStride != 0 {
		return nil, fmt.Errorf("point cloud buffer %d bytes not a multiple of stride %d",
			len(foreign), LidarPointStride)
	}
	data := make([]byte, len(foreign))
	copy(data, foreign)
	return &PointCloud{
		NumPoints: uint32(len(foreign) / LidarPointStride),
		Stride:    LidarPointStride,
		Data:      data,
	}, nil
}

// ParseRadar copies a foreign detection buffer (16 bytes per detection)
// into an owned Radar payload.
func ParseRadar(foreign []byte) (*Radar, error) {
	if len(foreign)%RadarDetectionStride != 0 {
		return nil, fmt.Errorf("radar buffer %d bytes not a multiple of stride %d",
			len(foreign), RadarDetectionStride)
	}
	data := make([]byte, len(foreign))
	copy(data, foreign)
	return &Radar{
		NumDetections: uint32(len(foreign) / RadarDetectionStride),
		Data:          data,
	}, nil
}

// ParseIMU copies the fixed-size IMU fields out of a foreign sample.
func ParseIMU(accel, gyro Vector3, compass float64) (*IMU, error) {
	for _, v := range []float64{accel.X, accel.Y, accel.Z, gyro.X, gyro.Y, gyro.Z, compass} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("imu sample contains non-finite value")
		}
	}
	return &IMU{Accel: accel, Gyro: gyro, Compass: compass}, nil
}

// ParseGNSS copies the fixed-size GNSS fields out of a foreign fix.
func ParseGNSS(lat, lon, alt float64) (*GNSS, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsNaN(alt) {
		return nil, fmt.Errorf("gnss fix contains NaN")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("gnss fix out of range: lat=%v lon=%v", lat, lon)
	}
	return &GNSS{Latitude: lat, Longitude: lon, Altitude: alt}, nil
}

// LidarPoint is one decoded point from a PointCloud payload.
type LidarPoint struct {
	X, Y, Z   float32
	Intensity float32
}

// Point decodes the i-th point of the cloud.
func (pc *PointCloud) Point(i int) LidarPoint {
	off := i * int(pc.Stride)
	return LidarPoint{
		X:         math.Float32frombits(binary.LittleEndian.Uint32(pc.Data[off:])),
		Y:         math.Float32frombits(binary.LittleEndian.Uint32(pc.Data[off+4:])),
		Z:         math.Float32frombits(binary.LittleEndian.Uint32(pc.Data[off+8:])),
		Intensity: math.Float32frombits(binary.LittleEndian.Uint32(pc.Data[off+12:])),
	}
}

// EncodeLidarPoints packs points into the interleaved wire layout. Used by
// mock sources and tests to fabricate payloads.
func EncodeLidarPoints(points []LidarPoint) []byte {
	data := make([]byte, len(points)*LidarPointStride)
	for i, p := range points {
		off := i * LidarPointStride
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(p.X))
		binary.LittleEndian.PutUint32(data[off+4:], math.Float32bits(p.Y))
		binary.LittleEndian.PutUint32(data[off+8:], math.Float32bits(p.Z))
		binary.LittleEndian.PutUint32(data[off+12:], math.Float32bits(p.Intensity))
	}
	return data
}
