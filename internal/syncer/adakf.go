package syncer

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// AdaKF adaptation bounds. The residual-variance driven R adjustment is
// clamped to [0.1, 10]× the configured base so a burst of outliers cannot
// push the filter somewhere it never recovers from. Q is inflated for a
// single update after a jump is detected, then restored.
const (
	rClampLow        = 0.1
	rClampHigh       = 10.0
	jumpSigmaGate    = 5.0
	jumpQInflation   = 100.0
	minResidualCount = 2 // adaptation waits for residualWindow/2, never below this
)

// AdaKFConfig parameterises one offset estimator.
type AdaKFConfig struct {
	InitialOffset    float64
	ProcessNoise     float64 // Q₀
	MeasurementNoise float64 // R₀
	ResidualWindow   int
}

// DefaultAdaKFConfig returns the stock estimator tuning.
func DefaultAdaKFConfig() AdaKFConfig {
	return AdaKFConfig{
		InitialOffset:    0,
		ProcessNoise:     1e-4,
		MeasurementNoise: 1e-3,
		ResidualWindow:   20,
	}
}

// AdaKF is a one-dimensional adaptive Kalman filter tracking a sensor's
// clock offset against the reference clock. The observation fed to Update
// is z = t_selected − t_reference. Measurement noise R adapts to the
// variance of recent innovations; process noise Q is transiently inflated
// when an innovation jump suggests the offset stepped.
type AdaKF struct {
	x float64 // offset estimate (seconds)
	p float64 // estimate covariance, always > 0

	q0 float64
	r0 float64
	r  float64

	// Ring of recent innovations for the adaptation window.
	residuals []float64
	next      int
	filled    bool

	jumpPending bool
	updates     uint64
}

// NewAdaKF creates an estimator with P₀ = R₀ so the first observations
// correct quickly.
func NewAdaKF(cfg AdaKFConfig) *AdaKF {
	if cfg.ProcessNoise <= 0 {
		cfg.ProcessNoise = 1e-4
	}
	if cfg.MeasurementNoise <= 0 {
		cfg.MeasurementNoise = 1e-3
	}
	if cfg.ResidualWindow < minResidualCount {
		cfg.ResidualWindow = minResidualCount
	}
	return &AdaKF{
		x:         cfg.InitialOffset,
		p:         cfg.MeasurementNoise,
		q0:        cfg.ProcessNoise,
		r0:        cfg.MeasurementNoise,
		r:         cfg.MeasurementNoise,
		residuals: make([]float64, 0, cfg.ResidualWindow),
	}
}

// Update feeds one observation z = t_selected − t_reference and returns
// the new offset estimate and the raw innovation.
func (kf *AdaKF) Update(z float64) (offset, residual float64) {
	q := kf.q0
	if kf.jumpPending {
		q = kf.q0 * jumpQInflation
		kf.jumpPending = false
	}

	// Predict (F = 1).
	xPred := kf.x
	pPred := kf.p + q

	// Innovation.
	y := z - xPred
	s := pPred + kf.r
	k := pPred / s

	// Update.
	kf.x = xPred + k*y
	kf.p = (1 - k) * pPred
	kf.updates++

	// Jump detection: an innovation far outside the predicted spread means
	// the offset stepped; widen Q for the next update to re-acquire.
	if math.Abs(y) > jumpSigmaGate*math.Sqrt(s) {
		kf.jumpPending = true
	}

	kf.recordResidual(y)
	kf.adaptR()

	return kf.x, y
}

func (kf *AdaKF) recordResidual(y float64) {
	if len(kf.residuals) < cap(kf.residuals) {
		kf.residuals = append(kf.residuals, y)
		return
	}
	kf.residuals[kf.next] = y
	kf.next = (kf.next + 1) % len(kf.residuals)
	kf.filled = true
}

// adaptR sets R to the innovation variance over the sliding window,
// clamped to [0.1·R₀, 10·R₀]. Adaptation only starts once the window is
// half full.
func (kf *AdaKF) adaptR() {
	if n := len(kf.residuals); n < cap(kf.residuals)/2 || n < minResidualCount {
		return
	}
	variance := stat.Variance(kf.residuals, nil)
	kf.r = clampFloat(variance, rClampLow*kf.r0, rClampHigh*kf.r0)
}

// Offset returns the current offset estimate in seconds.
func (kf *AdaKF) Offset() float64 { return kf.x }

// Covariance returns the current estimate covariance.
func (kf *AdaKF) Covariance() float64 { return kf.p }

// MeasurementNoise returns the current adapted R.
func (kf *AdaKF) MeasurementNoise() float64 { return kf.r }

// Updates returns how many observations the filter has consumed.
func (kf *AdaKF) Updates() uint64 { return kf.updates }

// ResidualRMS returns the root-mean-square of the windowed innovations,
// or zero before any update.
func (kf *AdaKF) ResidualRMS() float64 {
	if len(kf.residuals) == 0 {
		return 0
	}
	var sum float64
	for _, r := range kf.residuals {
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(kf.residuals)))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
