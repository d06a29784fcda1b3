// Package dispatch fans synchronized frames out to sinks. Each sink gets
// its own bounded queue and worker; a slow sink drops its own oldest
// frames instead of stalling the engine or its peers.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/syncer"
)

// Sink consumes synchronized frames. Deliver is called from the sink's
// worker goroutine only.
type Sink interface {
	Name() string
	Deliver(frame *syncer.SyncedFrame) error
	Close() error
}

// SinkStats is a snapshot of one sink worker's counters.
type SinkStats struct {
	Name       string
	Dispatched uint64
	Dropped    uint64
	Errors     uint64
}

type sinkWorker struct {
	sink  Sink
	queue chan *syncer.SyncedFrame
	done  chan struct{}

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	errors     atomic.Uint64
}

func (w *sinkWorker) run() {
	defer close(w.done)
	for frame := range w.queue {
		if err := w.sink.Deliver(frame); err != nil {
			w.errors.Add(1)
			monitoring.Logf("[dispatch %s] deliver failed: %v", w.sink.Name(), err)
			continue
		}
		w.dispatched.Add(1)
	}
	if err := w.sink.Close(); err != nil {
		monitoring.Logf("[dispatch %s] close failed: %v", w.sink.Name(), err)
	}
}

// enqueue offers a frame, evicting the oldest queued frame when full.
func (w *sinkWorker) enqueue(frame *syncer.SyncedFrame) {
	select {
	case w.queue <- frame:
		return
	default:
	}
	select {
	case <-w.queue:
		w.dropped.Add(1)
	default:
	}
	select {
	case w.queue <- frame:
	default:
		w.dropped.Add(1)
	}
}

// Dispatcher owns the sink workers and the fan-out loop.
type Dispatcher struct {
	workers []*sinkWorker
	wg      sync.WaitGroup
}

// New creates a dispatcher with one worker per sink, each with a queue of
// queueCapacity frames.
func New(sinks []Sink, queueCapacity int) *Dispatcher {
	if queueCapacity <= 0 {
		queueCapacity = 32
	}
	d := &Dispatcher{}
	for _, s := range sinks {
		d.workers = append(d.workers, &sinkWorker{
			sink:  s,
			queue: make(chan *syncer.SyncedFrame, queueCapacity),
			done:  make(chan struct{}),
		})
	}
	return d
}

// Run consumes frames until the channel closes, fanning each frame out to
// every sink queue. It returns after all sinks have drained and closed.
func (d *Dispatcher) Run(in <-chan *syncer.SyncedFrame) {
	for _, w := range d.workers {
		d.wg.Add(1)
		go func(w *sinkWorker) {
			defer d.wg.Done()
			w.run()
		}(w)
	}

	for frame := range in {
		for _, w := range d.workers {
			w.enqueue(frame)
		}
	}

	for _, w := range d.workers {
		close(w.queue)
	}
	d.wg.Wait()
	monitoring.Logf("[dispatch] all sinks drained")
}

// Stats returns a snapshot per sink.
func (d *Dispatcher) Stats() []SinkStats {
	out := make([]SinkStats, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, SinkStats{
			Name:       w.sink.Name(),
			Dispatched: w.dispatched.Load(),
			Dropped:    w.dropped.Load(),
			Errors:     w.errors.Load(),
		})
	}
	return out
}
