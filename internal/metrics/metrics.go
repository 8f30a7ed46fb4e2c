// Package metrics records per-operation latencies and outcomes in a fixed
// ring buffer. Recording is lock-free; snapshots walk the ring and compute
// percentiles on demand.
package metrics

import (
	"sort"
	"sync/atomic"
	"time"
)

const ringCapacity = 10000

type opRecord struct {
	op       string
	duration time.Duration
	errKind  string
	at       time.Time
}

// Sink collects operation records.
type Sink struct {
	ring [ringCapacity]atomic.Pointer[opRecord]
	head atomic.Uint64
}

// NewSink creates an empty sink.
func NewSink() *Sink {
	return &Sink{}
}

// Record stores one operation outcome. errKind is empty on success.
func (s *Sink) Record(op string, duration time.Duration, errKind string) {
	rec := &opRecord{op: op, duration: duration, errKind: errKind, at: time.Now()}
	slot := (s.head.Add(1) - 1) % ringCapacity
	s.ring[slot].Store(rec)
}

// Observe times fn and records it under op, passing through its error.
func (s *Sink) Observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	kind := ""
	if err != nil {
		kind = "error"
	}
	s.Record(op, time.Since(start), kind)
	return err
}

// OpStats summarizes one operation's recorded history.
type OpStats struct {
	Op         string        `json:"op"`
	Count      int           `json:"count"`
	Errors     int           `json:"errors"`
	Mean       time.Duration `json:"mean"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	Max        time.Duration `json:"max"`
	RatePerSec float64       `json:"rate_per_sec"`
}

// Snapshot aggregates per-operation stats over the given window, sorted by
// operation name. A zero window covers everything the ring still holds,
// with rates computed over the span since the oldest retained record.
func (s *Sink) Snapshot(window time.Duration) []OpStats {
	now := time.Now()
	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
	}

	byOp := make(map[string][]time.Duration)
	errsByOp := make(map[string]int)
	oldest := now

	n := s.head.Load()
	limit := uint64(ringCapacity)
	if n < limit {
		limit = n
	}
	for i := uint64(0); i < limit; i++ {
		rec := s.ring[i].Load()
		if rec == nil {
			continue
		}
		if window > 0 && rec.at.Before(cutoff) {
			continue
		}
		if rec.at.Before(oldest) {
			oldest = rec.at
		}
		byOp[rec.op] = append(byOp[rec.op], rec.duration)
		if rec.errKind != "" {
			errsByOp[rec.op]++
		}
	}

	span := window.Seconds()
	if window <= 0 {
		span = now.Sub(oldest).Seconds()
	}

	stats := make([]OpStats, 0, len(byOp))
	for op, durations := range byOp {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		var sum time.Duration
		for _, d := range durations {
			sum += d
		}
		st := OpStats{
			Op:     op,
			Count:  len(durations),
			Errors: errsByOp[op],
			Mean:   sum / time.Duration(len(durations)),
			P50:    percentile(durations, 0.50),
			P95:    percentile(durations, 0.95),
			P99:    percentile(durations, 0.99),
			Max:    durations[len(durations)-1],
		}
		if span > 0 {
			st.RatePerSec = float64(st.Count) / span
		}
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Op < stats[j].Op })
	return stats
}

// percentile reads the nearest-rank percentile from a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
