// Package journal keeps a bounded, sequenced history of registry events.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/sla-escrow/x/sla"
)

// DefaultCapacity is used when a non-positive capacity is configured.
const DefaultCapacity = 4096

var _ sla.Observer = (*Journal)(nil)

// Entry is one journaled event. Seq starts at 1 and never repeats.
type Entry struct {
	Seq   uint64    `json:"seq"`
	Name  string    `json:"name"`
	SLAID uint64    `json:"sla_id"`
	Time  time.Time `json:"time"`
	Event sla.Event `json:"event"`
}

// Journal records registry events as an sla.Observer. Once capacity is reached the
// oldest entry is evicted for every new one.
type Journal struct {
	mu       sync.RWMutex
	entries  []Entry
	bySLA    map[uint64][]uint64
	capacity int
	seq      uint64
	clock    func() time.Time
	log      zerolog.Logger
	metrics  *Metrics
}

// New creates a journal retaining at most capacity entries.
func New(log zerolog.Logger, capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		entries:  make([]Entry, 0, min(capacity, 1024)),
		bySLA:    make(map[uint64][]uint64),
		capacity: capacity,
		clock:    time.Now,
		log:      log.With().Str("component", "journal").Logger(),
	}
}

// WithMetrics attaches journal metrics and returns j.
func (j *Journal) WithMetrics(m *Metrics) *Journal {
	j.metrics = m
	return j
}

// OnEvent appends ev. It is called by the registry with its lock held.
func (j *Journal) OnEvent(_ context.Context, ev sla.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry := Entry{
		Seq:   j.seq,
		Name:  ev.Name(),
		SLAID: ev.SLA(),
		Time:  j.clock(),
		Event: ev,
	}

	if len(j.entries) == j.capacity {
		j.evictOldestLocked()
	}
	j.entries = append(j.entries, entry)
	j.bySLA[entry.SLAID] = append(j.bySLA[entry.SLAID], entry.Seq)

	j.metrics.recordAppend(len(j.entries))

	j.log.Debug().
		Uint64("seq", entry.Seq).
		Str("event", entry.Name).
		Uint64("sla_id", entry.SLAID).
		Msg("Journaled event")
}

func (j *Journal) evictOldestLocked() {
	oldest := j.entries[0]
	j.entries[0] = Entry{}
	j.entries = j.entries[1:]

	// entries are appended in seq order, so the evicted seq heads its SLA's list
	seqs := j.bySLA[oldest.SLAID]
	if len(seqs) <= 1 {
		delete(j.bySLA, oldest.SLAID)
	} else {
		j.bySLA[oldest.SLAID] = seqs[1:]
	}

	j.metrics.recordEviction()
}

// Since returns retained entries with Seq > after, oldest first. A zero limit means no limit.
func (j *Journal) Since(after uint64, limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	start := j.indexOfLocked(after + 1)
	out := make([]Entry, 0)
	for _, e := range j.entries[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e)
	}
	return out
}

// ForSLA returns the retained timeline of one SLA, oldest first.
func (j *Journal) ForSLA(id uint64) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	seqs := j.bySLA[id]
	out := make([]Entry, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, j.entries[j.indexOfLocked(seq)])
	}
	return out
}

// Latest returns the last assigned sequence number, or zero before the first event.
func (j *Journal) Latest() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.seq
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// indexOfLocked maps a sequence number onto the entries slice. Retained seqs are contiguous.
func (j *Journal) indexOfLocked(seq uint64) int {
	if len(j.entries) == 0 {
		return 0
	}
	first := j.entries[0].Seq
	switch {
	case seq <= first:
		return 0
	case seq-first >= uint64(len(j.entries)):
		return len(j.entries)
	default:
		return int(seq - first)
	}
}
