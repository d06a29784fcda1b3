// gen-replay generates golden replay fixtures: a packet list for a
// cam/lidar/imu run and, optionally, the expected frame list produced by
// running the list through a sync engine with fixed initial conditions.
package main

import (
	"flag"
	"log"

	"github.com/banshee-data/carla-syncer/internal/ingest"
	"github.com/banshee-data/carla-syncer/internal/sensor"
	"github.com/banshee-data/carla-syncer/internal/syncer"
)

var (
	out      = flag.String("out", "replay.json", "Output packet list path")
	expected = flag.String("expected", "", "Also write the expected frame list to this path")
	seconds  = flag.Float64("seconds", 0.2, "Run length in simulation seconds")
	camHz    = flag.Float64("cam-hz", 20, "Camera rate")
	lidarHz  = flag.Float64("lidar-hz", 10, "LiDAR rate")
	imuHz    = flag.Float64("imu-hz", 100, "IMU rate")
	policy   = flag.String("policy", "drop", "Missing-data policy for the expected list (drop|empty|interpolate)")
)

func main() {
	flag.Parse()

	doc := generate(*seconds, *camHz, *lidarHz, *imuHz)
	if err := doc.Save(*out); err != nil {
		log.Fatalf("failed to write %s: %v", *out, err)
	}
	log.Printf("wrote %d packets to %s", len(doc.Packets), *out)

	if *expected == "" {
		return
	}

	engine, err := syncer.New(syncer.Config{
		ReferenceSensorID: "cam",
		RequiredSensors:   []string{"cam", "lidar"},
		IMUSensorID:       "imu",
		MissingPolicy:     syncer.MissingPolicy(*policy),
	})
	if err != nil {
		log.Fatalf("engine config: %v", err)
	}

	packets, err := doc.ToPackets()
	if err != nil {
		log.Fatalf("materialise packets: %v", err)
	}

	exp := &ingest.ExpectedDoc{}
	for _, p := range packets {
		frame := engine.Push(p)
		if frame == nil {
			continue
		}
		ef := ingest.ExpectedFrame{
			TSync:   frame.TSync,
			FrameID: frame.FrameID,
			Missing: frame.Meta.MissingSensors,
		}
		for _, id := range doc.SensorIDs() {
			if _, ok := frame.Sensors[id]; ok {
				ef.Sensors = append(ef.Sensors, id)
			}
		}
		exp.Frames = append(exp.Frames, ef)
	}
	if err := exp.Save(*expected); err != nil {
		log.Fatalf("failed to write %s: %v", *expected, err)
	}
	log.Printf("wrote %d expected frames to %s", len(exp.Frames), *expected)
}

// generate emits samples tick by tick; within a tick slower sensors
// precede the camera so same-tick frames are complete on camera arrival.
func generate(seconds, camHz, lidarHz, imuHz float64) *ingest.ReplayDoc {
	doc := &ingest.ReplayDoc{}
	step := 1.0 / imuHz
	ticks := int(seconds/step + 0.5)
	camEvery := int(imuHz/camHz + 0.5)
	lidarEvery := int(imuHz/lidarHz + 0.5)

	for tick := 0; tick <= ticks; tick++ {
		ts := float64(tick) * step
		doc.Packets = append(doc.Packets, ingest.ReplayPacket{
			SensorID: "imu", Timestamp: ts, Type: "imu",
			IMU: &sensor.IMU{Accel: sensor.Vector3{Z: 9.8}},
		})
		if tick%lidarEvery == 0 {
			doc.Packets = append(doc.Packets, ingest.ReplayPacket{
				SensorID: "lidar", Timestamp: ts, Type: "lidar", LidarPoints: 8,
			})
		}
		if tick%camEvery == 0 {
			doc.Packets = append(doc.Packets, ingest.ReplayPacket{
				SensorID: "cam", Timestamp: ts, Type: "camera", ImageWidth: 4, ImageHeight: 4,
			})
		}
	}
	return doc
}
