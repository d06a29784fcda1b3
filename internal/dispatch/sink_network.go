package dispatch

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/syncer"
)

// NetworkSink streams frames as JSON datagrams over UDP, fire-and-forget.
// Frames whose serialised form exceeds the datagram budget are skipped
// with a counter bump rather than fragmented.
type NetworkSink struct {
	name    string
	addr    string
	maxSize int
	conn    net.Conn

	oversized uint64
}

// NetworkSinkConfig configures a NetworkSink.
type NetworkSinkConfig struct {
	Name string
	// Addr is the host:port UDP target.
	Addr string
	// MaxPacketSize bounds a datagram; zero means 65000.
	MaxPacketSize int
}

// NewNetworkSink resolves and connects the UDP socket eagerly so a bad
// address fails at startup.
func NewNetworkSink(cfg NetworkSinkConfig) (*NetworkSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("network sink requires an address")
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 65000
	}
	if cfg.Name == "" {
		cfg.Name = "network"
	}
	conn, err := net.Dial("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Addr, err)
	}
	monitoring.Debugf("[sink %s] streaming to udp://%s", cfg.Name, cfg.Addr)
	return &NetworkSink{
		name:    cfg.Name,
		addr:    cfg.Addr,
		maxSize: cfg.MaxPacketSize,
		conn:    conn,
	}, nil
}

func (s *NetworkSink) Name() string { return s.name }

func (s *NetworkSink) Deliver(frame *syncer.SyncedFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame %d: %w", frame.FrameID, err)
	}
	if len(payload) > s.maxSize {
		s.oversized++
		monitoring.Debugf("[sink %s] frame %d skipped: %d bytes exceeds datagram budget %d",
			s.name, frame.FrameID, len(payload), s.maxSize)
		return nil
	}
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("failed to send frame %d to %s: %w", frame.FrameID, s.addr, err)
	}
	return nil
}

func (s *NetworkSink) Close() error { return s.conn.Close() }

// Oversized returns how many frames were skipped for size.
func (s *NetworkSink) Oversized() uint64 { return s.oversized }
