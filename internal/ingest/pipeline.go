package ingest

import (
	"fmt"
	"sync"

	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/sensor"
)

// Pipeline merges the per-sensor adapter channels into one stream.
// Per-sensor FIFO order is preserved by the dedicated forwarder
// goroutines; no ordering is promised across sensors — the sync engine
// reconstructs temporal alignment.
type Pipeline struct {
	mu       sync.Mutex
	adapters map[string]*Adapter
	order    []string
	out      chan *sensor.Packet
	wg       sync.WaitGroup
	started  bool
	stopped  bool

	defaultCfg BackpressureConfig
}

// NewPipeline creates a pipeline whose merged channel holds up to
// capacity packets.
func NewPipeline(capacity int) *Pipeline {
	if capacity <= 0 {
		capacity = 256
	}
	return &Pipeline{
		adapters:   make(map[string]*Adapter),
		out:        make(chan *sensor.Packet, capacity),
		defaultCfg: DefaultBackpressureConfig(),
	}
}

// Register adds a sensor source. A nil config uses the pipeline default.
// Registration after Start is an error, as is a duplicate sensor ID.
func (p *Pipeline) Register(source Source, cfg *BackpressureConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("cannot register %q: pipeline already started", source.SensorID())
	}
	id := source.SensorID()
	if id == "" {
		return fmt.Errorf("source has empty sensor id")
	}
	if _, dup := p.adapters[id]; dup {
		return fmt.Errorf("sensor %q already registered", id)
	}

	c := p.defaultCfg
	if cfg != nil {
		c = *cfg
	}
	p.adapters[id] = NewAdapter(source, c)
	p.order = append(p.order, id)
	return nil
}

// Start begins all adapters and returns the merged channel. The channel
// closes after Stop once every adapter has drained.
func (p *Pipeline) Start() <-chan *sensor.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return p.out
	}
	p.started = true

	monitoring.Logf("[ingest] starting %d sensor adapters", len(p.adapters))
	for _, id := range p.order {
		a := p.adapters[id]
		ch := a.Start()
		p.wg.Add(1)
		go func(id string, ch <-chan *sensor.Packet) {
			defer p.wg.Done()
			for pkt := range ch {
				p.out <- pkt
			}
			monitoring.Debugf("[ingest] forwarder for %s drained", id)
		}(id, ch)
	}
	return p.out
}

// Stop shuts down every adapter, waits for the forwarders to drain their
// channels, then closes the merged channel.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	adapters := make([]*Adapter, 0, len(p.adapters))
	for _, id := range p.order {
		adapters = append(adapters, p.adapters[id])
	}
	p.mu.Unlock()

	for _, a := range adapters {
		a.Stop()
	}
	p.wg.Wait()
	close(p.out)
	monitoring.Logf("[ingest] pipeline stopped")
}

// Stats returns a snapshot per registered adapter, in registration order.
func (p *Pipeline) Stats() []AdapterStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AdapterStats, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.adapters[id].Stats())
	}
	return out
}

// QueueDepths returns the per-sensor channel occupancy.
func (p *Pipeline) QueueDepths() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	depths := make(map[string]int, len(p.adapters))
	for id, a := range p.adapters {
		depths[id] = a.QueueDepth()
	}
	return depths
}

// SensorCount returns the number of registered sensors.
func (p *Pipeline) SensorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.adapters)
}
