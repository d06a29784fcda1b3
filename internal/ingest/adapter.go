// Package ingest lifts sensor callbacks onto bounded channels and merges
// them into the single stream the sync engine consumes. Adapters run on
// foreign callback threads and never block on downstream readiness.
package ingest

import (
	"sync/atomic"

	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/sensor"
)

// Callback receives one parsed, owned packet per source sample.
type Callback func(*sensor.Packet)

// Source is an external packet producer: the simulator client, a mock
// generator, a replay file or a serial device. Listen registers the
// callback and returns immediately; the source invokes it from its own
// goroutine or foreign thread. The packet handed to the callback must
// already own its payload bytes. Stop must not return while a callback
// invocation is in flight; after Stop returns the source never calls the
// callback again.
type Source interface {
	SensorID() string
	SensorType() sensor.Type
	Listen(cb Callback)
	Stop()
}

// DropPolicy selects the behaviour when a sensor's channel is full.
type DropPolicy string

const (
	// DropNewest discards the incoming packet. The default.
	DropNewest DropPolicy = "drop_newest"
	// DropOldest discards the oldest queued packet to make room.
	DropOldest DropPolicy = "drop_oldest"
	// Block waits for channel space. Only for tests: a blocking callback
	// stalls the simulator.
	Block DropPolicy = "block"
)

// BackpressureConfig bounds one sensor's channel.
type BackpressureConfig struct {
	ChannelCapacity int
	DropPolicy      DropPolicy
}

// DefaultBackpressureConfig returns the stock per-sensor bound.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{ChannelCapacity: 100, DropPolicy: DropNewest}
}

// AdapterStats is a snapshot of one adapter's counters.
type AdapterStats struct {
	SensorID    string
	Received    uint64
	Dropped     uint64
	ParseErrors uint64
}

// Adapter bridges one Source onto a bounded channel. The callback path is
// the only code that runs on the foreign thread: validate, then
// non-blocking enqueue. Counters are atomic; everything else is owned by
// the starting goroutine.
type Adapter struct {
	sensorID string
	source   Source
	cfg      BackpressureConfig

	out       chan *sensor.Packet
	listening atomic.Bool

	received    atomic.Uint64
	dropped     atomic.Uint64
	parseErrors atomic.Uint64
}

// NewAdapter wraps a source. Start must be called before packets flow.
func NewAdapter(source Source, cfg BackpressureConfig) *Adapter {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = DefaultBackpressureConfig().ChannelCapacity
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropNewest
	}
	return &Adapter{
		sensorID: source.SensorID(),
		source:   source,
		cfg:      cfg,
		out:      make(chan *sensor.Packet, cfg.ChannelCapacity),
	}
}

// SensorID returns the adapted sensor's identity.
func (a *Adapter) SensorID() string { return a.sensorID }

// Start registers the callback with the source and returns the receive
// side of the adapter's channel. Calling Start twice returns the same
// channel.
func (a *Adapter) Start() <-chan *sensor.Packet {
	if a.listening.Swap(true) {
		return a.out
	}
	a.source.Listen(a.handle)
	return a.out
}

// handle runs on the source's thread: it must complete synchronously and
// never block.
func (a *Adapter) handle(p *sensor.Packet) {
	if !a.listening.Load() {
		return
	}
	a.received.Add(1)

	if err := p.Validate(); err != nil {
		a.parseErrors.Add(1)
		monitoring.Debugf("[adapter %s] discarding sample: %v", a.sensorID, err)
		return
	}

	switch a.cfg.DropPolicy {
	case Block:
		a.out <- p
	case DropOldest:
		select {
		case a.out <- p:
		default:
			// Make room by discarding the oldest queued packet, then
			// retry once. A concurrent reader may have drained the
			// channel in between, so both selects stay non-blocking.
			select {
			case <-a.out:
				a.dropped.Add(1)
			default:
			}
			select {
			case a.out <- p:
			default:
				a.dropped.Add(1)
			}
		}
	default: // DropNewest
		select {
		case a.out <- p:
		default:
			a.dropped.Add(1)
		}
	}
}

// Stop unregisters from the source and closes the channel. No packets
// are enqueued after Stop returns.
func (a *Adapter) Stop() {
	if !a.listening.Swap(false) {
		return
	}
	a.source.Stop()
	close(a.out)
}

// Stats returns a snapshot of the adapter's counters.
func (a *Adapter) Stats() AdapterStats {
	return AdapterStats{
		SensorID:    a.sensorID,
		Received:    a.received.Load(),
		Dropped:     a.dropped.Load(),
		ParseErrors: a.parseErrors.Load(),
	}
}

// QueueDepth returns the number of packets waiting in the channel.
func (a *Adapter) QueueDepth() int { return len(a.out) }
