package dispatch

import (
	"github.com/banshee-data/carla-syncer/internal/framedb"
	"github.com/banshee-data/carla-syncer/internal/syncer"
)

// DBSink records frame metadata into the frame DB. The DB handle is owned
// by the orchestrator (the webserver shares it), so Close here is a no-op.
type DBSink struct {
	db *framedb.DB
}

// NewDBSink wraps an opened frame DB with an active run.
func NewDBSink(db *framedb.DB) *DBSink {
	return &DBSink{db: db}
}

func (s *DBSink) Name() string { return "db" }

func (s *DBSink) Deliver(frame *syncer.SyncedFrame) error {
	return s.db.RecordFrame(frame)
}

func (s *DBSink) Close() error { return nil }
