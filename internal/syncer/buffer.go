package syncer

import (
	"sort"

	"github.com/banshee-data/carla-syncer/internal/sensor"
)

// DropPolicy selects which packet loses when a bounded container is full.
type DropPolicy string

const (
	// DropOldest evicts the earliest retained packet to make room.
	DropOldest DropPolicy = "drop_oldest"
	// DropNewest rejects the incoming packet.
	DropNewest DropPolicy = "drop_newest"
)

type bufferEntry struct {
	packet *sensor.Packet
	// seq is the arrival sequence, the tie-break key for identical
	// timestamps and the handle used to remove a selected packet.
	seq uint64
}

// Buffer is a per-sensor container ordered by (timestamp, arrival
// sequence). It accepts out-of-order arrivals and keeps them sorted so
// selection can scan a time window in order. The sync worker is the only
// goroutine that touches a Buffer.
type Buffer struct {
	entries    []bufferEntry
	maxSize    int
	timeoutS   float64
	dropPolicy DropPolicy

	seqCounter uint64

	droppedCount    uint64
	outOfOrderCount uint64
}

// NewBuffer creates a buffer holding at most maxSize packets; packets
// older than timeoutS behind the eviction clock are expired.
func NewBuffer(maxSize int, timeoutS float64, policy DropPolicy) *Buffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	if policy == "" {
		policy = DropOldest
	}
	return &Buffer{
		entries:    make([]bufferEntry, 0, maxSize),
		maxSize:    maxSize,
		timeoutS:   timeoutS,
		dropPolicy: policy,
	}
}

// Push inserts a packet in timestamp order. Returns false when the packet
// was rejected (DropNewest at capacity).
func (b *Buffer) Push(p *sensor.Packet) bool {
	if n := len(b.entries); n > 0 && p.Timestamp < b.entries[n-1].packet.Timestamp {
		b.outOfOrderCount++
	}

	if len(b.entries) >= b.maxSize {
		if b.dropPolicy == DropNewest {
			b.droppedCount++
			return false
		}
		// DropOldest: evict the earliest before inserting.
		b.entries = b.entries[1:]
		b.droppedCount++
	}

	b.seqCounter++
	e := bufferEntry{packet: p, seq: b.seqCounter}

	// Binary search for the insertion point keeping (timestamp, seq) order.
	// New arrivals always carry the highest seq, so among equal timestamps
	// the insertion point is after the last equal entry.
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].packet.Timestamp > p.Timestamp
	})
	b.entries = append(b.entries, bufferEntry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
	return true
}

// Len returns the number of retained packets.
func (b *Buffer) Len() int { return len(b.entries) }

// Empty reports whether the buffer holds no packets.
func (b *Buffer) Empty() bool { return len(b.entries) == 0 }

// Peek returns the earliest retained packet without removing it.
func (b *Buffer) Peek() *sensor.Packet {
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[0].packet
}

// Pop removes and returns the earliest retained packet.
func (b *Buffer) Pop() *sensor.Packet {
	if len(b.entries) == 0 {
		return nil
	}
	p := b.entries[0].packet
	b.entries[0] = bufferEntry{}
	b.entries = b.entries[1:]
	return p
}

// Candidate is a packet selected from a window scan, addressed by its
// arrival sequence so the selector can remove exactly this packet later.
type Candidate struct {
	Packet *sensor.Packet
	Seq    uint64
}

// FindClosestInWindow returns the retained packet minimising
// |timestamp − target| among those strictly inside the open window
// (|timestamp − target| < window/2). Ties prefer the earlier timestamp,
// then the earlier arrival. Returns nil when nothing qualifies.
func (b *Buffer) FindClosestInWindow(target, window float64) *Candidate {
	half := window / 2
	lo := target - half
	// First entry with timestamp > lo; everything before is out of window.
	start := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].packet.Timestamp > lo
	})

	var best *Candidate
	var bestDist float64
	for i := start; i < len(b.entries); i++ {
		ts := b.entries[i].packet.Timestamp
		if ts-target >= half {
			break
		}
		dist := ts - target
		if dist < 0 {
			dist = -dist
		}
		// Entries scan in (timestamp, seq) order, so strict < keeps the
		// earliest on equidistant ties.
		if best == nil || dist < bestDist {
			best = &Candidate{Packet: b.entries[i].packet, Seq: b.entries[i].seq}
			bestDist = dist
		}
	}
	return best
}

// Bracket returns the retained packets immediately at-or-before and
// at-or-after target, for interpolation. Either may be nil.
func (b *Buffer) Bracket(target float64) (before, after *sensor.Packet) {
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].packet.Timestamp >= target
	})
	if i < len(b.entries) {
		after = b.entries[i].packet
	}
	if after != nil && after.Timestamp == target {
		// Exact hit brackets itself.
		return after, after
	}
	if i > 0 {
		before = b.entries[i-1].packet
	}
	return before, after
}

// At returns the i-th retained packet in (timestamp, arrival) order.
func (b *Buffer) At(i int) Candidate {
	return Candidate{Packet: b.entries[i].packet, Seq: b.entries[i].seq}
}

// Remove deletes the entry with the given arrival sequence. Returns false
// if it is no longer retained.
func (b *Buffer) Remove(seq uint64) bool {
	for i := range b.entries {
		if b.entries[i].seq == seq {
			copy(b.entries[i:], b.entries[i+1:])
			b.entries[len(b.entries)-1] = bufferEntry{}
			b.entries = b.entries[:len(b.entries)-1]
			return true
		}
	}
	return false
}

// EvictExpired removes every packet with timestamp < now − timeout and
// returns how many were evicted. Evictions count as drops.
func (b *Buffer) EvictExpired(now float64) int {
	cutoff := now - b.timeoutS
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].packet.Timestamp >= cutoff
	})
	if i == 0 {
		return 0
	}
	for j := 0; j < i; j++ {
		b.entries[j] = bufferEntry{}
	}
	b.entries = b.entries[i:]
	b.droppedCount += uint64(i)
	return i
}

// DroppedCount returns the cumulative count of overflow and expiry drops.
func (b *Buffer) DroppedCount() uint64 { return b.droppedCount }

// OutOfOrderCount returns the cumulative count of out-of-order arrivals.
func (b *Buffer) OutOfOrderCount() uint64 { return b.outOfOrderCount }

// OldestTimestamp returns the earliest retained timestamp, or false when
// empty.
func (b *Buffer) OldestTimestamp() (float64, bool) {
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[0].packet.Timestamp, true
}
