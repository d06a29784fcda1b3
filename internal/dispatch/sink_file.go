package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/carla-syncer/internal/monitoring"
	"github.com/banshee-data/carla-syncer/internal/syncer"
)

// FileSink appends one JSON line per frame. When the current file grows
// past MaxBytes it is closed and a fresh file with a timestamp suffix is
// opened. Payload byte blocks are not serialised, only packet metadata.
type FileSink struct {
	name     string
	dir      string
	prefix   string
	maxBytes int64

	file    *os.File
	written int64
}

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	Name   string
	Dir    string
	Prefix string
	// MaxBytes triggers rotation; zero means 64 MiB.
	MaxBytes int64
}

// NewFileSink opens the first output file eagerly so configuration
// problems surface at startup, not mid-run.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "frames"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	if cfg.Name == "" {
		cfg.Name = "file"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}
	s := &FileSink{
		name:     cfg.Name,
		dir:      cfg.Dir,
		prefix:   cfg.Prefix,
		maxBytes: cfg.MaxBytes,
	}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) Name() string { return s.name }

func (s *FileSink) rotate() error {
	if s.file != nil {
		s.file.Close()
		monitoring.Debugf("[sink %s] rotated %s after %d bytes", s.name, s.file.Name(), s.written)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%d.jsonl", s.prefix, time.Now().UnixNano()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open sink file: %w", err)
	}
	s.file = f
	s.written = 0
	return nil
}

func (s *FileSink) Deliver(frame *syncer.SyncedFrame) error {
	line, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame %d: %w", frame.FrameID, err)
	}
	line = append(line, '\n')
	n, err := s.file.Write(line)
	if err != nil {
		return fmt.Errorf("failed to write frame %d: %w", frame.FrameID, err)
	}
	s.written += int64(n)
	if s.written >= s.maxBytes {
		return s.rotate()
	}
	return nil
}

func (s *FileSink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Path returns the current output file path.
func (s *FileSink) Path() string {
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}
