package syncer

import "github.com/banshee-data/carla-syncer/internal/sensor"

// Motion normalisation constants. Gravity is removed from the linear
// magnitude; the remainder saturates at 5 m/s². Angular velocity
// saturates at 1 rad/s (hard cornering in a road vehicle).
const (
	gravityMS2        = 9.8
	linearSaturation  = 5.0
	angularSaturation = 1.0
)

// Weights blending IMU-derived intensity with buffer pressure into the
// single knob that drives the window.
const (
	imuWeight      = 0.7
	pressureWeight = 0.3
)

// WindowConfig bounds the synchronisation window.
type WindowConfig struct {
	MinMs float64
	MaxMs float64
}

// DefaultWindowConfig returns the stock 20–100 ms window range.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{MinMs: 20, MaxMs: 100}
}

// MotionIntensity maps an IMU sample to a dimensionless [0,1] scalar.
// Zero means stationary (accelerometer reads gravity only, gyro quiet);
// one means the vehicle is manoeuvring hard enough that sensors must be
// matched tightly.
func MotionIntensity(imu *sensor.IMU) float64 {
	linearMag := imu.Accel.Norm()
	linearNorm := (linearMag - gravityMS2) / linearSaturation
	if linearNorm < 0 {
		linearNorm = -linearNorm
	}
	angularNorm := imu.Gyro.Norm() / angularSaturation
	return clamp01(linearNorm + angularNorm)
}

// FuseIntensity blends IMU intensity with buffer pressure (both 0-1) so
// queue growth also tightens the window.
func FuseIntensity(imuIntensity, bufferPressure float64) float64 {
	return clamp01(imuWeight*clamp01(imuIntensity) + pressureWeight*clamp01(bufferPressure))
}

// WindowSeconds maps intensity to a window size in seconds: intensity 0
// yields the maximum window, intensity 1 the minimum.
func (c WindowConfig) WindowSeconds(intensity float64) float64 {
	intensity = clamp01(intensity)
	windowMs := c.MaxMs - intensity*(c.MaxMs-c.MinMs)
	return windowMs / 1000.0
}

// InterpolateIMU linearly interpolates an IMU sample at target from two
// bracketing samples. The bracketing packets remain owned by the caller.
func InterpolateIMU(before, after *sensor.IMU, tBefore, tAfter, target float64) *sensor.IMU {
	if tAfter == tBefore {
		out := *before
		return &out
	}
	f := (target - tBefore) / (tAfter - tBefore)
	return &sensor.IMU{
		Accel:   lerpVec(before.Accel, after.Accel, f),
		Gyro:    lerpVec(before.Gyro, after.Gyro, f),
		Compass: before.Compass + f*(after.Compass-before.Compass),
	}
}

func lerpVec(a, b sensor.Vector3, f float64) sensor.Vector3 {
	return sensor.Vector3{
		X: a.X + f*(b.X-a.X),
		Y: a.Y + f*(b.Y-a.Y),
		Z: a.Z + f*(b.Z-a.Z),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
