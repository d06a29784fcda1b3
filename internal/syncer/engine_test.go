package syncer

import (
	"math"
	"testing"

	"github.com/banshee-data/carla-syncer/internal/sensor"
)

func camPacket(id string, ts float64) *sensor.Packet {
	data := make([]byte, 4*4*3)
	return &sensor.Packet{
		SensorID:  id,
		Type:      sensor.TypeCamera,
		Timestamp: ts,
		Payload: sensor.Payload{Image: &sensor.Image{
			Width: 4, Height: 4, Format: sensor.FormatRGB8, Data: data,
		}},
	}
}

func lidarPacket(id string, ts float64) *sensor.Packet {
	return &sensor.Packet{
		SensorID:  id,
		Type:      sensor.TypeLidar,
		Timestamp: ts,
		Payload: sensor.Payload{PointCloud: &sensor.PointCloud{
			NumPoints: 2, Stride: sensor.LidarPointStride,
			Data: make([]byte, 2*sensor.LidarPointStride),
		}},
	}
}

func imuPacket(id string, ts float64, accel, gyro sensor.Vector3) *sensor.Packet {
	return &sensor.Packet{
		SensorID:  id,
		Type:      sensor.TypeIMU,
		Timestamp: ts,
		Payload:   sensor.Payload{IMU: &sensor.IMU{Accel: accel, Gyro: gyro}},
	}
}

func stationaryIMU(id string, ts float64) *sensor.Packet {
	return imuPacket(id, ts, sensor.Vector3{Z: 9.8}, sensor.Vector3{})
}

func testConfig(policy MissingPolicy) Config {
	return Config{
		ReferenceSensorID: "cam",
		RequiredSensors:   []string{"cam", "lidar"},
		IMUSensorID:       "imu",
		MissingPolicy:     policy,
	}
}

// s1Packets returns the 200 ms normal-run arrival sequence: cam at 20 Hz,
// lidar at 10 Hz, IMU at 100 Hz, all in order; within one tick the lidar
// arrives before the camera.
func s1Packets() []*sensor.Packet {
	var packets []*sensor.Packet
	for tick := 0; tick <= 20; tick++ {
		ts := float64(tick) * 0.01
		packets = append(packets, stationaryIMU("imu", ts))
		if tick%10 == 0 {
			packets = append(packets, lidarPacket("lidar", ts))
		}
		if tick%5 == 0 {
			packets = append(packets, camPacket("cam", ts))
		}
	}
	return packets
}

func runEngine(t *testing.T, cfg Config, packets []*sensor.Packet) []*SyncedFrame {
	t.Helper()
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var frames []*SyncedFrame
	for _, p := range packets {
		if f := engine.Push(p); f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}

func tSyncs(frames []*SyncedFrame) []float64 {
	out := make([]float64, len(frames))
	for i, f := range frames {
		out[i] = f.TSync
	}
	return out
}

func assertTSyncs(t *testing.T, frames []*SyncedFrame, want []float64) {
	t.Helper()
	got := tSyncs(frames)
	if len(got) != len(want) {
		t.Fatalf("emissions at %v, want %v", got, want)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("emission %d at %v, want %v (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestScenarioNormalDrop(t *testing.T) {
	frames := runEngine(t, testConfig(MissingDrop), s1Packets())

	// Odd camera ticks have no lidar partner, so only the even ticks emit.
	assertTSyncs(t, frames, []float64{0.0, 0.1, 0.2})

	for _, f := range frames {
		if len(f.Meta.MissingSensors) != 0 {
			t.Errorf("frame %d has missing sensors %v under drop policy", f.FrameID, f.Meta.MissingSensors)
		}
		if _, ok := f.Sensors["cam"]; !ok {
			t.Errorf("frame %d lacks reference sensor", f.FrameID)
		}
		if _, ok := f.Sensors["lidar"]; !ok {
			t.Errorf("frame %d lacks lidar", f.FrameID)
		}
	}
}

func TestScenarioNormalEmpty(t *testing.T) {
	frames := runEngine(t, testConfig(MissingEmpty), s1Packets())

	assertTSyncs(t, frames, []float64{0.0, 0.05, 0.1, 0.15, 0.2})

	for _, f := range frames {
		odd := math.Mod(math.Round(f.TSync*1000), 100) != 0
		if odd {
			if len(f.Meta.MissingSensors) != 1 || f.Meta.MissingSensors[0] != "lidar" {
				t.Errorf("frame at %v missing = %v, want [lidar]", f.TSync, f.Meta.MissingSensors)
			}
			if _, ok := f.Sensors["lidar"]; ok {
				t.Errorf("frame at %v contains lidar despite missing mark", f.TSync)
			}
		} else if len(f.Meta.MissingSensors) != 0 {
			t.Errorf("frame at %v unexpectedly missing %v", f.TSync, f.Meta.MissingSensors)
		}
	}
}

func TestScenarioOutOfOrder(t *testing.T) {
	packets := []*sensor.Packet{
		lidarPacket("lidar", 0.100),
		camPacket("cam", 0.050),
		camPacket("cam", 0.000),
		camPacket("cam", 0.100),
	}
	engine, err := New(testConfig(MissingDrop))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var frames []*SyncedFrame
	for _, p := range packets {
		if f := engine.Push(p); f != nil {
			frames = append(frames, f)
		}
	}

	assertTSyncs(t, frames, []float64{0.100})
	f := frames[0]
	if f.Sensors["cam"].Packet.Timestamp != 0.100 || f.Sensors["lidar"].Packet.Timestamp != 0.100 {
		t.Errorf("frame matched cam@%v lidar@%v, want both 0.100",
			f.Sensors["cam"].Packet.Timestamp, f.Sensors["lidar"].Packet.Timestamp)
	}
	if engine.OutOfOrderTotal() < 2 {
		t.Errorf("OutOfOrderTotal() = %d, want >= 2", engine.OutOfOrderTotal())
	}

	// Accounting: nothing vanishes silently.
	total := engine.DroppedTotal() + engine.OutOfOrderTotal() +
		engine.FramesEmitted()*uint64(len(engine.cfg.RequiredSensors))
	if total > engine.PacketsReceived() {
		t.Errorf("accounting: dropped(%d) + ooo(%d) + emitted·required(%d) > received(%d)",
			engine.DroppedTotal(), engine.OutOfOrderTotal(),
			engine.FramesEmitted()*2, engine.PacketsReceived())
	}
}

func TestScenarioMissingDropSkipsTick(t *testing.T) {
	packets := []*sensor.Packet{
		lidarPacket("lidar", 0.1),
		camPacket("cam", 0.1),
		camPacket("cam", 0.2),
		camPacket("cam", 0.3),
		lidarPacket("lidar", 0.3),
	}
	frames := runEngine(t, testConfig(MissingDrop), packets)
	assertTSyncs(t, frames, []float64{0.1, 0.3})
}

func TestScenarioMissingEmptyMarksSensor(t *testing.T) {
	packets := []*sensor.Packet{
		lidarPacket("lidar", 0.1),
		camPacket("cam", 0.1),
		camPacket("cam", 0.2),
		lidarPacket("lidar", 0.3),
		camPacket("cam", 0.3),
	}
	frames := runEngine(t, testConfig(MissingEmpty), packets)
	assertTSyncs(t, frames, []float64{0.1, 0.2, 0.3})

	mid := frames[1]
	if len(mid.Meta.MissingSensors) != 1 || mid.Meta.MissingSensors[0] != "lidar" {
		t.Errorf("frame at 0.2 missing = %v, want [lidar]", mid.Meta.MissingSensors)
	}
	if _, ok := mid.Sensors["lidar"]; ok {
		t.Error("frame at 0.2 should not contain lidar")
	}
	if len(frames[0].Meta.MissingSensors) != 0 || len(frames[2].Meta.MissingSensors) != 0 {
		t.Error("frames at 0.1 / 0.3 should be complete")
	}
}

func TestInterpolatePolicySynthesisesIMU(t *testing.T) {
	cfg := Config{
		ReferenceSensorID: "cam",
		RequiredSensors:   []string{"cam", "imu"},
		IMUSensorID:       "imu",
		MissingPolicy:     MissingInterpolate,
	}
	packets := []*sensor.Packet{
		imuPacket("imu", 0.0, sensor.Vector3{Z: 9.8}, sensor.Vector3{}),
		imuPacket("imu", 0.2, sensor.Vector3{X: 2, Z: 9.8}, sensor.Vector3{}),
		camPacket("cam", 0.1),
	}
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var frames []*SyncedFrame
	for _, p := range packets {
		if f := engine.Push(p); f != nil {
			frames = append(frames, f)
		}
	}
	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(frames))
	}

	f := frames[0]
	sp, ok := f.Sensors["imu"]
	if !ok {
		t.Fatal("frame lacks interpolated imu")
	}
	if !sp.Interpolated {
		t.Error("imu entry not flagged interpolated")
	}
	if math.Abs(sp.Packet.Payload.IMU.Accel.X-1.0) > 1e-9 {
		t.Errorf("interpolated accel.X = %v, want 1.0 (midpoint)", sp.Packet.Payload.IMU.Accel.X)
	}
	if len(f.Meta.MissingSensors) != 0 {
		t.Errorf("missing = %v, want none", f.Meta.MissingSensors)
	}

	// Bracketing packets stay buffered for subsequent frames.
	if depth := engine.BufferDepths()["imu"]; depth != 2 {
		t.Errorf("imu buffer depth after interpolation = %d, want 2", depth)
	}
}

func TestFrameIDsAndTSyncMonotonic(t *testing.T) {
	frames := runEngine(t, testConfig(MissingEmpty), s1Packets())
	if len(frames) == 0 {
		t.Fatal("no frames emitted")
	}
	if frames[0].FrameID != 0 {
		t.Errorf("first frame id = %d, want 0", frames[0].FrameID)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].FrameID != frames[i-1].FrameID+1 {
			t.Errorf("frame id %d after %d", frames[i].FrameID, frames[i-1].FrameID)
		}
		if frames[i].TSync <= frames[i-1].TSync {
			t.Errorf("t_sync %v after %v not strictly increasing", frames[i].TSync, frames[i-1].TSync)
		}
	}
}

func TestTimeDeltaWithinHalfWindow(t *testing.T) {
	frames := runEngine(t, testConfig(MissingEmpty), s1Packets())
	for _, f := range frames {
		for id, sp := range f.Sensors {
			if sp.Interpolated {
				continue
			}
			if math.Abs(sp.TimeDelta) > f.Meta.WindowSizeS/2 {
				t.Errorf("frame %d sensor %s: |time_delta| %v > window/2 %v",
					f.FrameID, id, math.Abs(sp.TimeDelta), f.Meta.WindowSizeS/2)
			}
		}
	}
}

func TestStalePacketDroppedOnArrival(t *testing.T) {
	engine, err := New(Config{
		ReferenceSensorID: "cam",
		RequiredSensors:   []string{"cam", "lidar"},
		Buffer:            BufferConfig{MaxSize: 100, TimeoutS: 0.5, DropPolicy: DropOldest},
		MissingPolicy:     MissingDrop,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine.Push(lidarPacket("lidar", 2.0))
	if f := engine.Push(camPacket("cam", 2.0)); f == nil {
		t.Fatal("expected emission at 2.0")
	}

	dropped := engine.DroppedTotal()
	engine.Push(lidarPacket("lidar", 1.0)) // older than t_sync - timeout
	if engine.DroppedTotal() != dropped+1 {
		t.Errorf("stale packet not counted dropped")
	}
	if depth := engine.BufferDepths()["lidar"]; depth != 0 {
		t.Errorf("stale packet buffered, depth = %d", depth)
	}
}

func TestOffsetEstimatePopulatesMeta(t *testing.T) {
	cfg := testConfig(MissingDrop)
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Lidar consistently 10 ms behind the camera tick.
	var last *SyncedFrame
	for i := 0; i < 50; i++ {
		ts := float64(i) * 0.1
		engine.Push(lidarPacket("lidar", ts+0.01))
		if f := engine.Push(camPacket("cam", ts)); f != nil {
			last = f
		}
	}
	if last == nil {
		t.Fatal("no frames emitted")
	}
	offset, ok := last.Meta.TimeOffsets["lidar"]
	if !ok {
		t.Fatal("meta lacks lidar offset")
	}
	if math.Abs(offset-0.01) > 0.002 {
		t.Errorf("lidar offset estimate = %v, want ~0.01", offset)
	}
	if _, ok := last.Meta.KFResiduals["lidar"]; !ok {
		t.Error("meta lacks lidar residual")
	}
	if got := engine.Offset("lidar"); math.Abs(got-offset) > 1e-12 {
		t.Errorf("Offset(lidar) = %v, meta says %v", got, offset)
	}
}

func TestHighMotionShrinksWindow(t *testing.T) {
	engine, err := New(testConfig(MissingDrop))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// No IMU yet: maximum window.
	if w := engine.WindowSeconds(); w != 0.1 {
		t.Errorf("window before IMU = %v, want 0.1", w)
	}

	engine.Push(imuPacket("imu", 0.0, sensor.Vector3{Z: 14.8}, sensor.Vector3{X: 1}))
	w := engine.WindowSeconds()
	// Intensity 1 fused with near-zero pressure: 0.7 weight puts the
	// window at 0.1 − 0.7·0.08 = 0.044 (± the pressure contribution).
	if w > 0.045 || w < 0.02 {
		t.Errorf("window under high motion = %v, want within [0.02, 0.045]", w)
	}
	if engine.MotionIntensity() < 0.69 {
		t.Errorf("fused intensity = %v, want >= 0.69", engine.MotionIntensity())
	}
}

func TestEngineStateTransitions(t *testing.T) {
	engine, err := New(testConfig(MissingDrop))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if engine.State() != StateIdle {
		t.Errorf("initial state = %v, want idle", engine.State())
	}

	engine.Push(camPacket("cam", 0.1))
	if engine.State() != StateBuffering {
		t.Errorf("state after partial data = %v, want buffering", engine.State())
	}

	f := engine.Push(lidarPacket("lidar", 0.1))
	if f == nil {
		t.Fatal("expected emission")
	}
	// Both required buffers drained by the emission.
	if engine.State() == StateSelecting {
		t.Errorf("state after emission = %v", engine.State())
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing reference", Config{RequiredSensors: []string{"cam"}}},
		{"empty required", Config{ReferenceSensorID: "cam"}},
		{"min above max", Config{
			ReferenceSensorID: "cam",
			RequiredSensors:   []string{"cam"},
			Window:            WindowConfig{MinMs: 200, MaxMs: 100},
		}},
		{"duplicate required", Config{
			ReferenceSensorID: "cam",
			RequiredSensors:   []string{"cam", "cam"},
		}},
		{"bad interval", Config{
			ReferenceSensorID: "cam",
			RequiredSensors:   []string{"cam"},
			SensorIntervals:   map[string]float64{"cam": -1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Error("New accepted invalid config")
			}
		})
	}
}

func TestReferenceImplicitlyRequired(t *testing.T) {
	engine, err := New(Config{
		ReferenceSensorID: "cam",
		RequiredSensors:   []string{"lidar"},
		MissingPolicy:     MissingDrop,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	engine.Push(lidarPacket("lidar", 0.1))
	f := engine.Push(camPacket("cam", 0.1))
	if f == nil {
		t.Fatal("expected emission with implicit reference requirement")
	}
	if _, ok := f.Sensors["cam"]; !ok {
		t.Error("frame lacks reference sensor")
	}
}

func TestQualityGatingRejectsMarginalCandidate(t *testing.T) {
	cfg := testConfig(MissingDrop)
	cfg.QualityGating = true
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// In-window but marginal: 45 ms from target with a 100 ms window and
	// a 25 ms derived floor scores far below the lidar threshold.
	engine.Push(lidarPacket("lidar", 0.145))
	if f := engine.Push(camPacket("cam", 0.1)); f != nil {
		t.Fatalf("marginal candidate emitted a frame at %v", f.TSync)
	}
	if engine.QualityRejectedTotal() == 0 {
		t.Error("rejection not counted")
	}

	// Without gating the same candidate is accepted.
	plain, err := New(testConfig(MissingDrop))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plain.Push(lidarPacket("lidar", 0.145))
	if f := plain.Push(camPacket("cam", 0.1)); f == nil {
		t.Fatal("closest-in-window candidate rejected with gating off")
	}
}

func TestQualityGatingAcceptsCleanCandidate(t *testing.T) {
	cfg := testConfig(MissingDrop)
	cfg.QualityGating = true
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine.Push(lidarPacket("lidar", 0.1))
	f := engine.Push(camPacket("cam", 0.1))
	if f == nil {
		t.Fatal("aligned candidate rejected by quality gate")
	}
	if engine.QualityRejectedTotal() != 0 {
		t.Errorf("QualityRejectedTotal = %d, want 0", engine.QualityRejectedTotal())
	}
}

func TestAdaptiveThresholdLoosensUnderRejections(t *testing.T) {
	cfg := testConfig(MissingEmpty)
	cfg.QualityGating = true
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if engine.QualityMultiplier() != 1.0 {
		t.Fatalf("initial multiplier = %v, want 1.0", engine.QualityMultiplier())
	}

	// Every tick the lidar lands at the marginal edge and is rejected,
	// so the smoothed accept rate sinks and the threshold follows.
	for i := 0; i < 50; i++ {
		ts := float64(i) * 0.1
		engine.Push(lidarPacket("lidar", ts+0.045))
		f := engine.Push(camPacket("cam", ts))
		if f == nil {
			t.Fatalf("empty policy did not emit at %v", ts)
		}
		if len(f.Meta.MissingSensors) != 1 || f.Meta.MissingSensors[0] != "lidar" {
			t.Fatalf("frame at %v missing = %v", ts, f.Meta.MissingSensors)
		}
	}

	if got := engine.QualityMultiplier(); got >= 1.0 {
		t.Errorf("multiplier = %v, want < 1.0 after sustained rejections", got)
	}
	if got := engine.QualityMultiplier(); got < 0.1 {
		t.Errorf("multiplier = %v fell below its clamp", got)
	}
}

func TestDerivedMinWindowSeconds(t *testing.T) {
	cases := []struct {
		name      string
		intervals map[string]float64
		required  []string
		want      float64
	}{
		// Slowest required sensor at 5 Hz: half its period.
		{"slow sensor", map[string]float64{"cam": 0.05, "lidar": 0.2}, []string{"cam", "lidar"}, 0.1},
		// Nothing declared: half the default interval.
		{"defaults", nil, []string{"cam", "lidar"}, 0.025},
		// Very fast sensor: floored.
		{"floored", map[string]float64{"cam": 0.004}, []string{"cam"}, 0.005},
		// Slower than the window allows: capped at max window.
		{"capped", map[string]float64{"cam": 0.05, "lidar": 0.5}, []string{"cam", "lidar"}, 0.1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, err := New(Config{
				ReferenceSensorID: "cam",
				RequiredSensors:   tc.required,
				SensorIntervals:   tc.intervals,
				MissingPolicy:     MissingDrop,
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := engine.derivedMinWindowSeconds(); math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("derivedMinWindowSeconds() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestJitterBudgetCounter(t *testing.T) {
	engine, err := New(testConfig(MissingDrop))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Three emissions; the second camera gap (0.1 -> 0.5) breaks the
	// 265 ms camera budget while the lidar gap sits exactly on its own
	// budget, which does not count.
	engine.Push(lidarPacket("lidar", 0.1))
	if engine.Push(camPacket("cam", 0.1)) == nil {
		t.Fatal("no frame at 0.1")
	}
	engine.Push(lidarPacket("lidar", 0.5))
	if engine.Push(camPacket("cam", 0.5)) == nil {
		t.Fatal("no frame at 0.5")
	}

	if got := engine.JitterExceededTotal(); got != 1 {
		t.Errorf("JitterExceededTotal = %d, want 1 (camera only)", got)
	}
}

func TestDeterministicReplay(t *testing.T) {
	run := func() []*SyncedFrame {
		return runEngine(t, testConfig(MissingEmpty), s1Packets())
	}
	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("run lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].TSync != b[i].TSync || a[i].FrameID != b[i].FrameID {
			t.Errorf("frame %d differs between runs", i)
		}
		for id, sp := range a[i].Sensors {
			if b[i].Sensors[id].CorrectedTimestamp != sp.CorrectedTimestamp {
				t.Errorf("frame %d sensor %s corrected timestamp differs", i, id)
			}
		}
	}
}
