package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/banshee-data/carla-syncer/internal/config"
	"github.com/banshee-data/carla-syncer/internal/dispatch"
	"github.com/banshee-data/carla-syncer/internal/framedb"
	"github.com/banshee-data/carla-syncer/internal/ingest"
	"github.com/banshee-data/carla-syncer/internal/monitor"
	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/sensor"
	"github.com/banshee-data/carla-syncer/internal/serialsource"
	"github.com/banshee-data/carla-syncer/internal/syncer"
	"github.com/banshee-data/carla-syncer/internal/timeutil"
)

// engineView is the sync worker's published mirror of the engine's
// diagnostics. The engine itself is owned exclusively by the worker; the
// webserver and metrics ticker only ever read this snapshot.
type engineView struct {
	state           string
	framesEmitted   uint64
	framesMissing   uint64
	packetsReceived uint64
	droppedTotal    uint64
	outOfOrder      uint64
	windowMs        float64
	motionIntensity float64
	bufferDepths    map[string]int
	qualityRejected uint64
	jitterExceeded  uint64
	latencySeconds  float64
}

// orchestrator wires sources -> pipeline -> engine -> dispatcher and the
// monitoring surfaces, and owns the shutdown sequence.
type orchestrator struct {
	cfg      *config.Config
	pipeline *ingest.Pipeline
	engine   *syncer.Engine
	disp     *dispatch.Dispatcher
	db       *framedb.DB
	stats    *monitor.PipelineStats
	clock    timeutil.Clock

	frames          chan *syncer.SyncedFrame
	outboundDropped atomic.Uint64
	view            atomic.Pointer[engineView]
}

func newOrchestrator(cfg *config.Config) (*orchestrator, error) {
	engine, err := syncer.New(cfg.EngineConfig())
	if err != nil {
		return nil, err
	}

	o := &orchestrator{
		cfg:      cfg,
		pipeline: ingest.NewPipeline(cfg.GetChannelCapacity() * 2),
		engine:   engine,
		stats:    monitor.NewPipelineStats(),
		clock:    timeutil.RealClock{},
		frames:   make(chan *syncer.SyncedFrame, 64),
	}
	o.view.Store(&engineView{state: string(syncer.StateIdle), bufferDepths: map[string]int{}})

	if path := cfg.GetDBPath(); path != "" {
		db, err := framedb.Open(path)
		if err != nil {
			return nil, err
		}
		if _, err := db.BeginRun(cfg.GetReferenceSensorID()); err != nil {
			db.Close()
			return nil, err
		}
		o.db = db
	}

	if err := o.registerSources(); err != nil {
		return nil, err
	}

	sinks, err := o.buildSinks()
	if err != nil {
		return nil, err
	}
	o.disp = dispatch.New(sinks, 32)
	return o, nil
}

func (o *orchestrator) registerSources() error {
	bp := o.cfg.BackpressureConfig()
	for _, spec := range o.cfg.Sensors {
		typ, err := sensor.ParseType(spec.Type)
		if err != nil {
			return err
		}

		var src ingest.Source
		if spec.SerialDevice != "" {
			port, err := serialsource.OpenPort(spec.SerialDevice, serialsource.DefaultPortOptions())
			if err != nil {
				return fmt.Errorf("sensor %s: %w", spec.ID, err)
			}
			src = serialsource.New(spec.ID, typ, port)
		} else {
			src = ingest.NewGenerator(ingest.GeneratorConfig{
				SensorID:    spec.ID,
				Type:        typ,
				FrequencyHz: spec.Hz,
				ImageWidth:  spec.ImageWidth,
				ImageHeight: spec.ImageHeight,
				LidarPoints: spec.LidarPoints,
			}, o.clock)
		}
		if err := o.pipeline.Register(src, &bp); err != nil {
			return err
		}
	}
	if o.pipeline.SensorCount() == 0 {
		return fmt.Errorf("no sensors configured")
	}
	return nil
}

func (o *orchestrator) buildSinks() ([]dispatch.Sink, error) {
	specs := o.cfg.Sinks
	if len(specs) == 0 {
		specs = []config.SinkSpec{{Name: "log", Type: "log"}}
	}

	var sinks []dispatch.Sink
	for _, spec := range specs {
		switch spec.Type {
		case "log":
			sinks = append(sinks, dispatch.NewLogSink(spec.Name))
		case "file":
			fsink, err := dispatch.NewFileSink(dispatch.FileSinkConfig{
				Name: spec.Name, Dir: spec.Dir, Prefix: spec.Prefix, MaxBytes: spec.MaxBytes,
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, fsink)
		case "network":
			nsink, err := dispatch.NewNetworkSink(dispatch.NetworkSinkConfig{
				Name: spec.Name, Addr: spec.Addr,
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, nsink)
		case "db":
			if o.db == nil {
				return nil, fmt.Errorf("sink %q needs db_path in the config", spec.Name)
			}
			sinks = append(sinks, dispatch.NewDBSink(o.db))
		default:
			return nil, fmt.Errorf("unknown sink type %q", spec.Type)
		}
	}
	return sinks, nil
}

// publishView refreshes the read-only engine mirror. Called from the sync
// worker only.
func (o *orchestrator) publishView(lastPacketTS float64) {
	o.view.Store(&engineView{
		state:           string(o.engine.State()),
		framesEmitted:   o.engine.FramesEmitted(),
		framesMissing:   o.engine.FramesWithMissing(),
		packetsReceived: o.engine.PacketsReceived(),
		droppedTotal:    o.engine.DroppedTotal(),
		outOfOrder:      o.engine.OutOfOrderTotal(),
		windowMs:        o.engine.WindowSeconds() * 1000,
		motionIntensity: o.engine.MotionIntensity(),
		bufferDepths:    o.engine.BufferDepths(),
		qualityRejected: o.engine.QualityRejectedTotal(),
		jitterExceeded:  o.engine.JitterExceededTotal(),
		latencySeconds:  o.engine.EstimatedLatency(lastPacketTS),
	})
}

func (o *orchestrator) snapshot() monitor.Snapshot {
	v := o.view.Load()
	return monitor.Snapshot{
		State:           v.state,
		FramesEmitted:   v.framesEmitted,
		FramesMissing:   v.framesMissing,
		PacketsReceived: v.packetsReceived,
		DroppedTotal:    v.droppedTotal + o.outboundDropped.Load(),
		OutOfOrderTotal: v.outOfOrder,
		WindowMs:        v.windowMs,
		MotionIntensity: v.motionIntensity,
		BufferDepths:    v.bufferDepths,
		QueueDepths:     o.pipeline.QueueDepths(),
		Adapters:        o.pipeline.Stats(),
		Sinks:           o.disp.Stats(),
	}
}

// emit offers a frame downstream; when the outbound channel is full the
// oldest queued frame is dropped with a counter bump.
func (o *orchestrator) emit(frame *syncer.SyncedFrame) {
	select {
	case o.frames <- frame:
		return
	default:
	}
	select {
	case <-o.frames:
		o.outboundDropped.Add(1)
	default:
	}
	select {
	case o.frames <- frame:
	default:
		o.outboundDropped.Add(1)
	}
}

func (o *orchestrator) run(duration time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	// Monitoring webserver.
	ws := monitor.NewWebServer(o.snapshot, o.db)
	server := &http.Server{Addr: o.cfg.GetListen(), Handler: ws.ServeMux()}
	go func() {
		monitoring.Logf("monitor listening on %s", o.cfg.GetListen())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("monitor server: %v", err)
		}
	}()

	// Dispatcher drains the outbound channel.
	dispDone := make(chan struct{})
	go func() {
		o.disp.Run(o.frames)
		close(dispDone)
	}()

	// The sync worker is the single owner of the engine.
	merged := o.pipeline.Start()
	workerDone := make(chan struct{})
	var graceExpired atomic.Bool
	go func() {
		defer close(workerDone)
		var count uint64
		for pkt := range merged {
			if graceExpired.Load() {
				// Past the shutdown grace period: discard, counted.
				o.stats.AddDropped(1)
				continue
			}
			o.stats.AddPacket()
			count++
			frame := o.engine.Push(pkt)
			if frame != nil {
				o.stats.AddFrame()
				monitor.RecordFrame(frame)
				o.emit(frame)
			}
			if frame != nil || count%256 == 0 {
				o.publishView(pkt.Timestamp)
			}
		}
	}()

	// Periodic stats line and metric publication.
	ticker := o.clock.NewTicker(5 * time.Second)
	defer ticker.Stop()

	running := true
	for running {
		select {
		case <-ctx.Done():
			running = false
		case <-ticker.C():
			o.stats.LogStats()
			monitor.RecordAdapterStats(o.pipeline.Stats())
			monitor.RecordSinkStats(o.disp.Stats())
			monitor.RecordQueueDepths(o.pipeline.QueueDepths())
			v := o.view.Load()
			monitor.RecordEngineStats(monitor.EngineStats{
				BufferDepths:    v.bufferDepths,
				Dropped:         v.droppedTotal,
				OutOfOrder:      v.outOfOrder,
				QualityRejected: v.qualityRejected,
				JitterExceeded:  v.jitterExceeded,
				LatencySeconds:  v.latencySeconds,
			})
		}
	}

	// Shutdown: stop sources, drain up to the grace period, then close
	// the outbound side and wait for sinks.
	monitoring.Logf("shutting down: draining up to %.1fs", o.cfg.GetGraceS())
	pipelineStopped := make(chan struct{})
	go func() {
		o.pipeline.Stop()
		close(pipelineStopped)
	}()

	grace := time.Duration(o.cfg.GetGraceS() * float64(time.Second))
	select {
	case <-workerDone:
	case <-o.clock.After(grace):
		graceExpired.Store(true)
		monitoring.Logf("grace period expired; discarding packets still in flight")
	}
	<-pipelineStopped
	// The merged channel is closed now, so the worker finishes: after the
	// grace period it only discards what is left.
	<-workerDone

	close(o.frames)
	<-dispDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if o.db != nil {
		o.db.Close()
	}
	v := o.view.Load()
	monitoring.Logf("pipeline stopped: %d frames emitted, %d packets received",
		v.framesEmitted, v.packetsReceived)
	return nil
}
