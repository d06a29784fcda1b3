package dispatch

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/carla-syncer/internal/syncer"
)

type recordSink struct {
	name   string
	mu     sync.Mutex
	frames []uint64
	delay  time.Duration
	closed bool
}

func (s *recordSink) Name() string { return s.name }

func (s *recordSink) Deliver(frame *syncer.SyncedFrame) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame.FrameID)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordSink) ids() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.frames))
	copy(out, s.frames)
	return out
}

func frame(id uint64) *syncer.SyncedFrame {
	return &syncer.SyncedFrame{
		TSync:   float64(id) * 0.1,
		FrameID: id,
		Sensors: map[string]syncer.SyncedPacket{},
	}
}

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	a := &recordSink{name: "a"}
	b := &recordSink{name: "b"}
	d := New([]Sink{a, b}, 8)

	in := make(chan *syncer.SyncedFrame)
	done := make(chan struct{})
	go func() {
		d.Run(in)
		close(done)
	}()

	for i := uint64(0); i < 5; i++ {
		in <- frame(i)
	}
	close(in)
	<-done

	for _, s := range []*recordSink{a, b} {
		got := s.ids()
		if len(got) != 5 {
			t.Errorf("sink %s got %d frames, want 5", s.name, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i] != got[i-1]+1 {
				t.Errorf("sink %s frame order broken: %v", s.name, got)
			}
		}
		if !s.closed {
			t.Errorf("sink %s not closed after drain", s.name)
		}
	}

	stats := d.Stats()
	if stats[0].Dispatched != 5 || stats[1].Dispatched != 5 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestDispatcherSlowSinkDropsOldest(t *testing.T) {
	slow := &recordSink{name: "slow", delay: 20 * time.Millisecond}
	d := New([]Sink{slow}, 2)

	in := make(chan *syncer.SyncedFrame)
	done := make(chan struct{})
	go func() {
		d.Run(in)
		close(done)
	}()

	for i := uint64(0); i < 20; i++ {
		in <- frame(i)
	}
	close(in)
	<-done

	stats := d.Stats()[0]
	if stats.Dropped == 0 {
		t.Error("slow sink never dropped despite a full queue")
	}
	if stats.Dispatched+stats.Dropped > 20 {
		t.Errorf("dispatched %d + dropped %d > 20 offered", stats.Dispatched, stats.Dropped)
	}

	// The newest frame survives drop_oldest.
	got := slow.ids()
	if len(got) == 0 || got[len(got)-1] != 19 {
		t.Errorf("last delivered = %v, want 19", got)
	}
}

type failingSink struct{ recordSink }

func (s *failingSink) Deliver(*syncer.SyncedFrame) error {
	return os.ErrClosed
}

func TestDispatcherCountsSinkErrors(t *testing.T) {
	s := &failingSink{recordSink{name: "bad"}}
	d := New([]Sink{s}, 4)

	in := make(chan *syncer.SyncedFrame)
	done := make(chan struct{})
	go func() {
		d.Run(in)
		close(done)
	}()

	in <- frame(0)
	in <- frame(1)
	close(in)
	<-done

	stats := d.Stats()[0]
	if stats.Errors != 2 || stats.Dispatched != 0 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestFileSinkWritesJSONLAndRotates(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(FileSinkConfig{Dir: dir, Prefix: "test", MaxBytes: 200})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	first := sink.Path()
	for i := uint64(0); i < 4; i++ {
		if err := sink.Deliver(frame(i)); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if sink.Path() == first {
		t.Error("sink never rotated past MaxBytes")
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The first file holds valid JSON lines.
	f, err := os.Open(first)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	scan := bufio.NewScanner(f)
	lines := 0
	for scan.Scan() {
		var decoded syncer.SyncedFrame
		if err := json.Unmarshal(scan.Bytes(), &decoded); err != nil {
			t.Errorf("line %d not valid frame JSON: %v", lines, err)
		}
		lines++
	}
	if lines == 0 {
		t.Error("first file empty")
	}
}

func TestNetworkSinkSendsDatagram(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	sink, err := NewNetworkSink(NetworkSinkConfig{Addr: pc.LocalAddr().String()})
	if err != nil {
		t.Fatalf("NewNetworkSink: %v", err)
	}
	defer sink.Close()

	if err := sink.Deliver(frame(7)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65536)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	var decoded syncer.SyncedFrame
	if err := json.Unmarshal(buf[:n], &decoded); err != nil {
		t.Fatalf("datagram not frame JSON: %v", err)
	}
	if decoded.FrameID != 7 {
		t.Errorf("FrameID = %d, want 7", decoded.FrameID)
	}
}

func TestNetworkSinkSkipsOversizedFrames(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	sink, err := NewNetworkSink(NetworkSinkConfig{Addr: pc.LocalAddr().String(), MaxPacketSize: 10})
	if err != nil {
		t.Fatalf("NewNetworkSink: %v", err)
	}
	defer sink.Close()

	if err := sink.Deliver(frame(1)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sink.Oversized() != 1 {
		t.Errorf("Oversized = %d, want 1", sink.Oversized())
	}
}
