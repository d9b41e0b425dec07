// Package store holds the last-known value, quality and timestamp for
// every raw and derived point. It is the single source of truth the
// rest of the engine reads from and writes to.
package store

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	points "telemetry-core/internal/points/domain"
)

const defaultShards = 32

// Clock provides time for staleness checks.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Change describes one committed value-store mutation.
type Change struct {
	PointID   string
	Value     points.Value
	Quality   points.Quality
	Timestamp time.Time
	Seq       uint64
}

type entry struct {
	current points.CurrentValue
	seq     uint64
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is a sharded value store. Unrelated points never contend: each
// point maps to one shard by hash, and a shard holds its own lock.
type Store struct {
	shards []*shard
	seq    atomic.Uint64
	clock  Clock
}

// Option customizes the store.
type Option func(*Store)

// WithShards overrides the shard count.
func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

// WithClock assigns the staleness clock.
func WithClock(clock Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs a value store.
func New(opts ...Option) *Store {
	s := &Store{shards: make([]*shard, defaultShards), clock: systemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(pointID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pointID))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

// Get returns the current value of a point. An unknown point reports
// quality bad rather than erroring, so evaluators treat missing inputs
// uniformly. A good value past its stale threshold reads as stale; the
// stored quality is untouched so a fresh write reports good again.
func (s *Store) Get(pointID string) points.CurrentValue {
	sh := s.shardFor(pointID)
	sh.mu.RLock()
	e, ok := sh.entries[pointID]
	if !ok {
		sh.mu.RUnlock()
		return points.CurrentValue{PointID: pointID, Value: points.Null(), Quality: points.QualityBad}
	}
	cv := e.current
	sh.mu.RUnlock()
	if cv.Quality == points.QualityGood && cv.StaleAt(s.clock.Now()) {
		cv.Quality = points.QualityStale
	}
	return cv
}

// Set commits a value. It is a no-op when the new value equals the
// stored one (no timestamp bump, no cascade) unless quality changed;
// quality transitions always count as changes. The returned bool
// reports whether the write changed observable state, and the sequence
// is the one assigned to this commit, so callers publish the exact
// position of their own write rather than whatever the global cursor
// has moved on to.
func (s *Store) Set(pointID string, value points.Value, quality points.Quality, ts time.Time) (uint64, bool) {
	sh := s.shardFor(pointID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[pointID]
	if !ok {
		e = &entry{}
		sh.entries[pointID] = e
	} else if e.current.Value.Equal(value) && e.current.Quality == quality {
		return 0, false
	}
	e.current.PointID = pointID
	e.current.Value = value
	e.current.Quality = quality
	e.current.Timestamp = ts.UTC()
	e.seq = s.seq.Add(1)
	return e.seq, true
}

// SetQuality rewrites quality only, keeping the stored value. Used by
// the return_previous policy to mark a point stale without losing the
// last good value. Returns the committed sequence like Set.
func (s *Store) SetQuality(pointID string, quality points.Quality) (uint64, bool) {
	sh := s.shardFor(pointID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[pointID]
	if !ok || e.current.Quality == quality {
		return 0, false
	}
	e.current.Quality = quality
	e.seq = s.seq.Add(1)
	return e.seq, true
}

// SetStaleThreshold configures the staleness window of a point.
func (s *Store) SetStaleThreshold(pointID string, threshold time.Duration) {
	sh := s.shardFor(pointID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[pointID]
	if !ok {
		e = &entry{current: points.CurrentValue{PointID: pointID, Value: points.Null(), Quality: points.QualityBad}}
		sh.entries[pointID] = e
	}
	e.current.StaleThreshold = threshold
}

// RecordEvaluation updates a derived point's health counters. Every
// evaluation attempt is counted regardless of outcome.
func (s *Store) RecordEvaluation(pointID string, duration time.Duration, evalErr string) {
	sh := s.shardFor(pointID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[pointID]
	if !ok {
		e = &entry{current: points.CurrentValue{PointID: pointID, Value: points.Null(), Quality: points.QualityBad}}
		sh.entries[pointID] = e
	}
	c := &e.current
	c.EvalCount++
	c.LastDuration = duration
	if c.AvgDuration == 0 {
		c.AvgDuration = duration
	} else {
		// Exponential rolling average, weight 1/8.
		c.AvgDuration += (duration - c.AvgDuration) / 8
	}
	if evalErr != "" {
		c.ErrorCount++
		c.LastError = evalErr
	}
}

// Snapshot copies the current values of the requested points. The
// copy is what formula evaluation reads, never live store references.
func (s *Store) Snapshot(pointIDs []string) map[string]points.CurrentValue {
	out := make(map[string]points.CurrentValue, len(pointIDs))
	for _, id := range pointIDs {
		out[id] = s.Get(id)
	}
	return out
}

// Cursor returns the current change sequence position.
func (s *Store) Cursor() uint64 { return s.seq.Load() }

// ChangedSince returns changes committed after the cursor, ordered by
// commit sequence, plus the new cursor position.
func (s *Store) ChangedSince(cursor uint64) ([]Change, uint64) {
	var changes []Change
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, e := range sh.entries {
			if e.seq > cursor {
				changes = append(changes, Change{
					PointID:   id,
					Value:     e.current.Value,
					Quality:   e.current.Quality,
					Timestamp: e.current.Timestamp,
					Seq:       e.seq,
				})
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })
	next := cursor
	if n := len(changes); n > 0 {
		next = changes[n-1].Seq
	}
	return changes, next
}
