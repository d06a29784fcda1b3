package syncer

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/sensor"
)

// MissingPolicy decides what happens when a required sensor has no
// candidate inside the window.
type MissingPolicy string

const (
	// MissingDrop abandons the attempt and emits nothing.
	MissingDrop MissingPolicy = "drop"
	// MissingEmpty emits the frame with the absent sensors recorded in
	// SyncMeta.MissingSensors.
	MissingEmpty MissingPolicy = "empty"
	// MissingInterpolate synthesises IMU samples from bracketing packets;
	// non-IMU sensors fall back to MissingEmpty behaviour.
	MissingInterpolate MissingPolicy = "interpolate"
)

// State is the engine's coarse lifecycle position, exposed for
// diagnostics.
type State string

const (
	StateIdle      State = "idle"
	StateBuffering State = "buffering"
	StateSelecting State = "selecting"
	StateEmitting  State = "emitting"
)

// BufferConfig parameterises the per-sensor buffers.
type BufferConfig struct {
	MaxSize    int
	TimeoutS   float64
	DropPolicy DropPolicy
}

// DefaultBufferConfig returns the stock buffer tuning.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{MaxSize: 1000, TimeoutS: 1.0, DropPolicy: DropOldest}
}

// Config configures an Engine.
type Config struct {
	ReferenceSensorID string
	RequiredSensors   []string
	// IMUSensorID names the motion source for window sizing. Empty means
	// auto-detect: the first IMU-typed sensor observed.
	IMUSensorID string

	Window WindowConfig
	Buffer BufferConfig
	AdaKF  AdaKFConfig

	MissingPolicy MissingPolicy
	// SensorIntervals maps sensor IDs to their nominal sample period in
	// seconds, used for the derived window floor and diagnostics.
	SensorIntervals map[string]float64

	// QualityGating enables the adaptive candidate-quality layer: each
	// in-window candidate is scored on time distance, innovation and
	// buffer load, and rejected below a per-type threshold that adapts
	// toward a target accept rate. Off by default, which reduces
	// selection to pure closest-in-window matching.
	QualityGating bool
}

// Validate reports construction-time configuration errors. These are
// fatal: an engine cannot run without a reference or required set.
func (c *Config) Validate() error {
	if c.ReferenceSensorID == "" {
		return fmt.Errorf("reference_sensor_id is required")
	}
	if len(c.RequiredSensors) == 0 {
		return fmt.Errorf("required_sensors must not be empty")
	}
	seen := map[string]bool{}
	for _, id := range c.RequiredSensors {
		if id == "" {
			return fmt.Errorf("required_sensors contains an empty sensor id")
		}
		if seen[id] {
			return fmt.Errorf("required_sensors lists %q twice", id)
		}
		seen[id] = true
	}
	if c.Window.MinMs <= 0 || c.Window.MaxMs <= 0 {
		return fmt.Errorf("window bounds must be positive (min=%v max=%v)", c.Window.MinMs, c.Window.MaxMs)
	}
	if c.Window.MinMs > c.Window.MaxMs {
		return fmt.Errorf("window min %vms exceeds max %vms", c.Window.MinMs, c.Window.MaxMs)
	}
	for id, interval := range c.SensorIntervals {
		if interval <= 0 {
			return fmt.Errorf("sensor_intervals[%s] must be positive, got %v", id, interval)
		}
	}
	switch c.MissingPolicy {
	case MissingDrop, MissingEmpty, MissingInterpolate:
	default:
		return fmt.Errorf("unknown missing policy %q", c.MissingPolicy)
	}
	return nil
}

// Quality-gating tuning. The adaptive multiplier chases a fixed accept
// rate with EMA smoothing so one noisy frame cannot swing the threshold.
const (
	defaultSensorInterval = 0.05
	minWindowFloorS       = 0.005

	targetAcceptRate    = 0.95
	acceptRateSmoothing = 0.98
	qualityLoadPenalty  = 0.25
)

// sensorState aggregates one sensor's buffer and estimator. Created
// lazily on the first packet observed from that sensor.
type sensorState struct {
	id        string
	typ       sensor.Type
	buffer    *Buffer
	estimator *AdaKF
	// lastEmitTime is the timestamp of this sensor's previous emitted
	// packet, for jitter-budget tracking. Zero means not yet emitted.
	lastEmitTime float64
}

// Engine is the synchronisation state machine. It is single-owner: one
// goroutine calls Push and reads the accessors; no internal locking.
type Engine struct {
	cfg Config

	sensors  map[string]*sensorState
	required []string
	state    State

	imuSensorID string
	latestIMU   *sensor.IMU
	imuSeen     bool

	nextFrameID uint64
	lastTSync   float64
	hasEmitted  bool

	maxArrival float64
	hasArrival bool

	received         uint64
	staleDropped     uint64
	monotonicDropped uint64
	outOfOrder       uint64
	framesEmitted    uint64
	framesMissing    uint64

	// Adaptive quality-gating state (see Config.QualityGating).
	qualityMultiplier float64
	acceptRate        float64
	qualityRejected   uint64
	jitterExceeded    uint64
}

// New creates an Engine. Configuration errors are fatal here, never
// later: a running engine absorbs all per-sample problems into counters.
func New(cfg Config) (*Engine, error) {
	if cfg.Window == (WindowConfig{}) {
		cfg.Window = DefaultWindowConfig()
	}
	if cfg.Buffer == (BufferConfig{}) {
		cfg.Buffer = DefaultBufferConfig()
	}
	if cfg.AdaKF == (AdaKFConfig{}) {
		cfg.AdaKF = DefaultAdaKFConfig()
	}
	if cfg.MissingPolicy == "" {
		cfg.MissingPolicy = MissingDrop
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	required := append([]string(nil), cfg.RequiredSensors...)
	inRequired := false
	for _, id := range required {
		if id == cfg.ReferenceSensorID {
			inRequired = true
		}
	}
	if !inRequired {
		// The reference always participates in assembly.
		required = append(required, cfg.ReferenceSensorID)
	}

	return &Engine{
		cfg:               cfg,
		sensors:           make(map[string]*sensorState),
		required:          required,
		state:             StateIdle,
		imuSensorID:       cfg.IMUSensorID,
		qualityMultiplier: 1.0,
		acceptRate:        1.0,
	}, nil
}

// Push is the single public entry point: one packet in, zero or one
// aligned frame out.
func (e *Engine) Push(p *sensor.Packet) *SyncedFrame {
	e.received++

	// Packets older than the last emission minus the buffer timeout can
	// never join a future frame; drop on arrival.
	if e.hasEmitted && p.Timestamp < e.lastTSync-e.cfg.Buffer.TimeoutS {
		e.staleDropped++
		monitoring.Debugf("[engine] dropped stale packet sensor=%s ts=%.6f t_sync=%.6f",
			p.SensorID, p.Timestamp, e.lastTSync)
		return nil
	}

	if e.hasArrival && p.Timestamp < e.maxArrival {
		e.outOfOrder++
	}
	if !e.hasArrival || p.Timestamp > e.maxArrival {
		e.maxArrival = p.Timestamp
	}
	e.hasArrival = true

	e.observeMotion(p)

	st := e.sensorFor(p.SensorID, p.Type)
	st.buffer.Push(p)

	e.updateState()
	frame := e.trySelect()
	e.updateState()
	return frame
}

func (e *Engine) observeMotion(p *sensor.Packet) {
	if e.imuSensorID == "" && p.Type == sensor.TypeIMU {
		e.imuSensorID = p.SensorID
		monitoring.Logf("[engine] auto-detected IMU sensor %s for window sizing", p.SensorID)
	}
	if p.SensorID == e.imuSensorID && p.Payload.IMU != nil {
		e.latestIMU = p.Payload.IMU
		e.imuSeen = true
	}
}

func (e *Engine) sensorFor(id string, typ sensor.Type) *sensorState {
	if st, ok := e.sensors[id]; ok {
		return st
	}
	st := &sensorState{
		id:        id,
		typ:       typ,
		buffer:    NewBuffer(e.cfg.Buffer.MaxSize, e.cfg.Buffer.TimeoutS, e.cfg.Buffer.DropPolicy),
		estimator: NewAdaKF(e.cfg.AdaKF),
	}
	e.sensors[id] = st
	return st
}

func (e *Engine) updateState() {
	if e.allEmpty() {
		e.state = StateIdle
	} else if e.allRequiredPresent() {
		e.state = StateSelecting
	} else {
		e.state = StateBuffering
	}
}

func (e *Engine) allEmpty() bool {
	for _, st := range e.sensors {
		if !st.buffer.Empty() {
			return false
		}
	}
	return true
}

func (e *Engine) allRequiredPresent() bool {
	for _, id := range e.required {
		st := e.sensors[id]
		if st == nil || st.buffer.Empty() {
			return false
		}
	}
	return true
}

// bufferPressure averages the fill ratio of all buffers, feeding the
// window fusing so queue growth tightens alignment.
func (e *Engine) bufferPressure() float64 {
	if len(e.sensors) == 0 {
		return 0
	}
	capacity := float64(e.cfg.Buffer.MaxSize)
	var total float64
	for _, st := range e.sensors {
		total += float64(st.buffer.Len()) / capacity
	}
	return clamp01(total / float64(len(e.sensors)))
}

// sensorExpectedInterval returns a sensor's nominal sample period.
func (e *Engine) sensorExpectedInterval(sensorID string) float64 {
	if interval, ok := e.cfg.SensorIntervals[sensorID]; ok && interval > 0 {
		return interval
	}
	return defaultSensorInterval
}

// derivedMinWindowSeconds derives a dynamic window floor from the slowest
// required sensor: half its period, capped at the configured maximum and
// floored at minWindowFloorS. It sets the innovation scale the quality
// score judges residuals against.
func (e *Engine) derivedMinWindowSeconds() float64 {
	maxPeriod := 0.0
	for _, id := range e.required {
		if interval := e.sensorExpectedInterval(id); interval > maxPeriod {
			maxPeriod = interval
		}
	}
	base := maxPeriod / 2
	if base == 0 {
		base = defaultSensorInterval / 2
	}
	if capS := e.cfg.Window.MaxMs / 1000; base > capS {
		base = capS
	}
	if base < minWindowFloorS {
		base = minWindowFloorS
	}
	return base
}

// sensorLoad estimates one buffer's pressure: fill ratio plus a penalty
// for drops and out-of-order arrivals.
func (e *Engine) sensorLoad(st *sensorState) float64 {
	capacity := float64(e.cfg.Buffer.MaxSize)
	if capacity < 1 {
		capacity = 1
	}
	depth := float64(st.buffer.Len()) / capacity
	penalty := qualityLoadPenalty *
		(float64(st.buffer.DroppedCount()) + float64(st.buffer.OutOfOrderCount())) / capacity
	return clamp01(depth + penalty)
}

// qualityScore rates a candidate in [0,1]: Gaussian kernels over its time
// distance and innovation, discounted by buffer load and a per-type bias.
func (e *Engine) qualityScore(typ sensor.Type, timeDelta, residual, window, minWindowS, load float64) float64 {
	sigmaT := window / 2
	if sigmaT < 1e-3 {
		sigmaT = 1e-3
	}
	sigmaR := minWindowS
	if sigmaR < 1e-3 {
		sigmaR = 1e-3
	}
	timeTerm := math.Exp(-(timeDelta / sigmaT) * (timeDelta / sigmaT))
	residualTerm := math.Exp(-(residual / sigmaR) * (residual / sigmaR))
	loadTerm := 1 - 0.5*clamp01(load)

	bias := 0.95
	switch typ {
	case sensor.TypeCamera:
		bias = 1.0
	case sensor.TypeLidar:
		bias = 0.9
	case sensor.TypeIMU:
		bias = 0.8
	}
	return clamp01(timeTerm * residualTerm * loadTerm * bias)
}

// qualityThreshold returns the per-type acceptance threshold scaled by
// the adaptive multiplier.
func (e *Engine) qualityThreshold(typ sensor.Type) float64 {
	base := 0.03
	switch typ {
	case sensor.TypeCamera:
		base = 0.05
	case sensor.TypeLidar:
		base = 0.04
	case sensor.TypeIMU:
		base = 0.02
	}
	return clampFloat(base*e.qualityMultiplier, 0.001, 1.0)
}

// updateAdaptiveThreshold nudges the multiplier so the smoothed accept
// rate converges on the target: too many rejections lower the bar, an
// accept rate comfortably above target raises it.
func (e *Engine) updateAdaptiveThreshold(accepted, total int) {
	if total == 0 {
		return
	}
	current := float64(accepted) / float64(total)
	e.acceptRate = acceptRateSmoothing*e.acceptRate + (1-acceptRateSmoothing)*current

	adjustment := 1.0
	if e.acceptRate < targetAcceptRate-0.05 {
		adjustment = 0.995
	} else if e.acceptRate > targetAcceptRate+0.02 {
		adjustment = 1.002
	}
	e.qualityMultiplier = clampFloat(e.qualityMultiplier*adjustment, 0.1, 2.0)
}

// jitterBudget is the largest acceptable gap between a sensor's
// consecutive emitted timestamps.
func jitterBudget(typ sensor.Type) float64 {
	switch typ {
	case sensor.TypeCamera:
		return 0.265
	case sensor.TypeLidar:
		return 0.4
	case sensor.TypeIMU:
		return 0.12
	case sensor.TypeGNSS:
		return 0.5
	}
	return 0.3
}

// checkSensorJitter flags emitted packets whose gap from the sensor's
// previous emission exceeds its budget. Diagnostic only.
func (e *Engine) checkSensorJitter(frames map[string]SyncedPacket) {
	for sensorID, sp := range frames {
		if sp.Interpolated {
			continue
		}
		st := e.sensors[sensorID]
		if st == nil {
			continue
		}
		interval := math.Abs(sp.Packet.Timestamp - st.lastEmitTime)
		if budget := jitterBudget(st.typ); st.lastEmitTime > 0 && interval > budget {
			e.jitterExceeded++
			monitoring.Logf("[engine] sensor %s jitter budget exceeded: gap=%.3fs budget=%.3fs",
				sensorID, interval, budget)
		}
		st.lastEmitTime = sp.Packet.Timestamp
	}
}

// currentWindow computes (window seconds, effective intensity). Without
// any IMU sample the maximum window applies.
func (e *Engine) currentWindow() (float64, float64) {
	if !e.imuSeen {
		return e.cfg.Window.WindowSeconds(0), 0
	}
	fused := FuseIntensity(MotionIntensity(e.latestIMU), e.bufferPressure())
	return e.cfg.Window.WindowSeconds(fused), fused
}

// selection holds one sensor's pick during an attempt.
type selection struct {
	st           *sensorState
	candidate    *Candidate
	offsetUsed   float64
	interpolated *sensor.Packet
}

func (e *Engine) trySelect() *SyncedFrame {
	ref := e.sensors[e.cfg.ReferenceSensorID]
	if ref == nil || ref.buffer.Empty() {
		return nil
	}

	// Reference packets at or before the last emission would break t_sync
	// monotonicity; they can never anchor a frame.
	for !ref.buffer.Empty() && e.hasEmitted && ref.buffer.Peek().Timestamp <= e.lastTSync {
		ref.buffer.Pop()
		e.monotonicDropped++
	}
	if ref.buffer.Empty() {
		return nil
	}

	// Under the drop policy an attempt without every required sensor
	// buffered cannot succeed; wait for more data.
	if e.cfg.MissingPolicy == MissingDrop && !e.allRequiredPresent() {
		return nil
	}

	window, intensity := e.currentWindow()

	// Try successive reference packets, earliest first. Under drop policy
	// a failed anchor is left in place and a later one may complete; under
	// empty/interpolate the earliest anchor always emits.
	for i := 0; i < ref.buffer.Len(); i++ {
		refCand := ref.buffer.At(i)
		tRef := refCand.Packet.Timestamp

		selections, missing := e.collect(ref, tRef, window)

		if len(missing) > 0 && e.cfg.MissingPolicy == MissingDrop {
			continue
		}
		if e.cfg.MissingPolicy == MissingInterpolate {
			selections, missing = e.interpolateMissing(selections, missing, tRef)
		}
		return e.emit(ref, refCand, tRef, window, intensity, selections, missing)
	}
	return nil
}

// collect gathers the closest candidate for every required non-reference
// sensor around tRef, offset-corrected per sensor. With quality gating
// enabled, an in-window candidate must additionally clear its type's
// adaptive quality threshold or the sensor counts as missing.
func (e *Engine) collect(ref *sensorState, tRef, window float64) ([]selection, []string) {
	var selections []selection
	var missing []string
	minWindowS := e.derivedMinWindowSeconds()

	for _, id := range e.required {
		if id == e.cfg.ReferenceSensorID {
			continue
		}
		st := e.sensors[id]
		if st == nil {
			missing = append(missing, id)
			continue
		}
		offset := st.estimator.Offset()
		target := tRef + offset
		cand := st.buffer.FindClosestInWindow(target, window)
		if cand == nil {
			missing = append(missing, id)
			continue
		}

		if e.cfg.QualityGating {
			timeDelta := cand.Packet.Timestamp - target
			// The pre-update innovation: observation minus the current
			// offset estimate, which is exactly timeDelta. Scoring uses
			// it without feeding the estimator, so rejected candidates
			// leave the filter untouched.
			score := e.qualityScore(st.typ, timeDelta, timeDelta, window, minWindowS, e.sensorLoad(st))
			if score < e.qualityThreshold(st.typ) {
				e.qualityRejected++
				monitoring.Debugf("[engine] sensor %s candidate at %.6f rejected: quality %.4f below threshold %.4f",
					id, cand.Packet.Timestamp, score, e.qualityThreshold(st.typ))
				missing = append(missing, id)
				continue
			}
		}

		selections = append(selections, selection{st: st, candidate: cand, offsetUsed: offset})
	}

	if e.cfg.QualityGating {
		// The reference always accepts itself.
		e.updateAdaptiveThreshold(len(selections)+1, len(e.required))
	}
	return selections, missing
}

// interpolateMissing synthesises IMU samples for missing IMU-typed
// sensors from their bracketing packets. Bracketing packets stay in the
// buffer: they may bracket subsequent frames. Sensors that cannot be
// interpolated remain missing.
func (e *Engine) interpolateMissing(selections []selection, missing []string, tRef float64) ([]selection, []string) {
	var stillMissing []string
	for _, id := range missing {
		st := e.sensors[id]
		if st == nil || st.typ != sensor.TypeIMU {
			stillMissing = append(stillMissing, id)
			continue
		}
		target := tRef + st.estimator.Offset()
		before, after := st.buffer.Bracket(target)
		if before == nil || after == nil || before.Payload.IMU == nil || after.Payload.IMU == nil {
			stillMissing = append(stillMissing, id)
			continue
		}
		imu := InterpolateIMU(before.Payload.IMU, after.Payload.IMU, before.Timestamp, after.Timestamp, target)
		synth := &sensor.Packet{
			SensorID:  id,
			Type:      sensor.TypeIMU,
			Timestamp: target,
			Payload:   sensor.Payload{IMU: imu},
		}
		selections = append(selections, selection{st: st, interpolated: synth, offsetUsed: st.estimator.Offset()})
	}
	return selections, stillMissing
}

func (e *Engine) emit(ref *sensorState, refCand Candidate, tRef, window, intensity float64, selections []selection, missing []string) *SyncedFrame {
	e.state = StateEmitting

	frames := make(map[string]SyncedPacket, len(selections)+1)
	timeOffsets := make(map[string]float64, len(selections))
	kfResiduals := make(map[string]float64, len(selections))

	frames[ref.id] = SyncedPacket{
		Packet:             refCand.Packet,
		CorrectedTimestamp: tRef,
		TimeDelta:          0,
		Interpolated:       false,
	}

	for _, sel := range selections {
		if sel.interpolated != nil {
			frames[sel.st.id] = SyncedPacket{
				Packet:             sel.interpolated,
				CorrectedTimestamp: sel.interpolated.Timestamp - sel.offsetUsed,
				TimeDelta:          0,
				Interpolated:       true,
			}
			continue
		}
		pkt := sel.candidate.Packet
		frames[sel.st.id] = SyncedPacket{
			Packet:             pkt,
			CorrectedTimestamp: pkt.Timestamp - sel.offsetUsed,
			TimeDelta:          pkt.Timestamp - (tRef + sel.offsetUsed),
			Interpolated:       false,
		}

		// Feed the estimator only with real observations.
		newOffset, residual := sel.st.estimator.Update(pkt.Timestamp - tRef)
		timeOffsets[sel.st.id] = newOffset
		kfResiduals[sel.st.id] = residual
	}

	e.checkSensorJitter(frames)

	// Consume the reference and the selected real candidates.
	ref.buffer.Remove(refCand.Seq)
	for _, sel := range selections {
		if sel.candidate != nil {
			sel.st.buffer.Remove(sel.candidate.Seq)
		}
	}

	for _, st := range e.sensors {
		st.buffer.EvictExpired(tRef)
	}

	sort.Strings(missing)

	frame := &SyncedFrame{
		TSync:   tRef,
		FrameID: e.nextFrameID,
		Sensors: frames,
		Meta: SyncMeta{
			ReferenceSensorID: ref.id,
			WindowSizeS:       window,
			MotionIntensity:   intensity,
			TimeOffsets:       timeOffsets,
			KFResiduals:       kfResiduals,
			MissingSensors:    missing,
			DroppedCount:      e.DroppedTotal(),
			OutOfOrderCount:   e.outOfOrder,
		},
	}

	e.nextFrameID++
	e.framesEmitted++
	if len(missing) > 0 {
		e.framesMissing++
	}
	e.lastTSync = tRef
	e.hasEmitted = true

	monitoring.Debugf("[engine] emitted frame id=%d t_sync=%.6f sensors=%d missing=%d window=%.1fms",
		frame.FrameID, tRef, len(frames), len(missing), window*1000)
	return frame
}

// DroppedTotal returns the cumulative drop count across buffers and
// engine-level rejections.
func (e *Engine) DroppedTotal() uint64 {
	total := e.staleDropped + e.monotonicDropped
	for _, st := range e.sensors {
		total += st.buffer.DroppedCount()
	}
	return total
}

// OutOfOrderTotal returns the cumulative count of arrivals whose
// timestamp regressed against the newest seen.
func (e *Engine) OutOfOrderTotal() uint64 { return e.outOfOrder }

// FramesEmitted returns how many frames the engine has produced.
func (e *Engine) FramesEmitted() uint64 { return e.framesEmitted }

// FramesWithMissing returns how many emitted frames lacked at least one
// required sensor.
func (e *Engine) FramesWithMissing() uint64 { return e.framesMissing }

// PacketsReceived returns how many packets have been pushed.
func (e *Engine) PacketsReceived() uint64 { return e.received }

// QualityMultiplier returns the adaptive threshold multiplier; 1.0 until
// quality gating has adjusted it.
func (e *Engine) QualityMultiplier() float64 { return e.qualityMultiplier }

// QualityRejectedTotal returns how many in-window candidates quality
// gating has rejected.
func (e *Engine) QualityRejectedTotal() uint64 { return e.qualityRejected }

// JitterExceededTotal returns how many emitted packets broke their
// sensor's jitter budget.
func (e *Engine) JitterExceededTotal() uint64 { return e.jitterExceeded }

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// MotionIntensity returns the effective (fused) intensity the next
// selection will use.
func (e *Engine) MotionIntensity() float64 {
	_, intensity := e.currentWindow()
	return intensity
}

// WindowSeconds returns the window the next selection will use.
func (e *Engine) WindowSeconds() float64 {
	window, _ := e.currentWindow()
	return window
}

// Offset returns the current offset estimate for a sensor, zero if the
// sensor has not been observed.
func (e *Engine) Offset(sensorID string) float64 {
	if st, ok := e.sensors[sensorID]; ok {
		return st.estimator.Offset()
	}
	return 0
}

// BufferDepths returns the per-sensor buffer occupancy.
func (e *Engine) BufferDepths() map[string]int {
	depths := make(map[string]int, len(e.sensors))
	for id, st := range e.sensors {
		depths[id] = st.buffer.Len()
	}
	return depths
}

// EstimatedLatency returns the spread between now and the oldest buffered
// timestamp, an upper bound on how far emission lags ingestion.
func (e *Engine) EstimatedLatency(now float64) float64 {
	oldest := now
	found := false
	for _, st := range e.sensors {
		if ts, ok := st.buffer.OldestTimestamp(); ok && (!found || ts < oldest) {
			oldest = ts
			found = true
		}
	}
	if !found {
		return 0
	}
	return now - oldest
}
