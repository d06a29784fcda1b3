// Package testutil provides shared test fixtures: canned sensor packets
// and small assertion helpers.
//
// This package centralises common test helpers to reduce code duplication
// across test files.
package testutil

import (
	"testing"

	"github.com/banshee-data/carla-syncer/internal/sensor"
)

// Camera returns a valid small camera packet.
func Camera(id string, ts float64) *sensor.Packet {
	return &sensor.Packet{
		SensorID:  id,
		Type:      sensor.TypeCamera,
		Timestamp: ts,
		Payload: sensor.Payload{Image: &sensor.Image{
			Width: 8, Height: 8, Format: sensor.FormatBGRA8,
			Data: make([]byte, 8*8*4),
		}},
	}
}

// Lidar returns a valid small point cloud packet.
func Lidar(id string, ts float64) *sensor.Packet {
	return &sensor.Packet{
		SensorID:  id,
		Type:      sensor.TypeLidar,
		Timestamp: ts,
		Payload: sensor.Payload{PointCloud: &sensor.PointCloud{
			NumPoints: 16, Stride: sensor.LidarPointStride,
			Data: make([]byte, 16*sensor.LidarPointStride),
		}},
	}
}

// IMU returns an IMU packet with the given motion state.
func IMU(id string, ts float64, accel, gyro sensor.Vector3) *sensor.Packet {
	return &sensor.Packet{
		SensorID:  id,
		Type:      sensor.TypeIMU,
		Timestamp: ts,
		Payload:   sensor.Payload{IMU: &sensor.IMU{Accel: accel, Gyro: gyro}},
	}
}

// StationaryIMU returns an IMU packet reading gravity only.
func StationaryIMU(id string, ts float64) *sensor.Packet {
	return IMU(id, ts, sensor.Vector3{Z: 9.8}, sensor.Vector3{})
}

// GNSS returns a GNSS fix packet.
func GNSS(id string, ts float64) *sensor.Packet {
	return &sensor.Packet{
		SensorID:  id,
		Type:      sensor.TypeGNSS,
		Timestamp: ts,
		Payload:   sensor.Payload{GNSS: &sensor.GNSS{Latitude: 48.8, Longitude: 2.3, Altitude: 30}},
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
