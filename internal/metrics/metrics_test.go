package metrics

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func TestSnapshotPercentiles(t *testing.T) {
	s := NewSink()
	for i := 1; i <= 100; i++ {
		s.Record("store.Get", time.Duration(i)*time.Millisecond, "")
	}

	stats := s.Snapshot(0)
	if len(stats) != 1 {
		t.Fatalf("Snapshot returned %d ops, want 1", len(stats))
	}
	st := stats[0]
	if st.Op != "store.Get" || st.Count != 100 || st.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.P50 != 50*time.Millisecond {
		t.Errorf("P50 = %v, want 50ms", st.P50)
	}
	if st.P95 != 95*time.Millisecond {
		t.Errorf("P95 = %v, want 95ms", st.P95)
	}
	if st.P99 != 99*time.Millisecond {
		t.Errorf("P99 = %v, want 99ms", st.P99)
	}
	if st.Max != 100*time.Millisecond {
		t.Errorf("Max = %v, want 100ms", st.Max)
	}
}

func TestSnapshotGroupsAndSorts(t *testing.T) {
	s := NewSink()
	s.Record("engine.Retrieve", time.Millisecond, "")
	s.Record("engine.Add", time.Millisecond, "unavailable")
	s.Record("engine.Add", 2*time.Millisecond, "")

	stats := s.Snapshot(0)
	if len(stats) != 2 {
		t.Fatalf("Snapshot returned %d ops, want 2", len(stats))
	}
	if stats[0].Op != "engine.Add" || stats[1].Op != "engine.Retrieve" {
		t.Errorf("ops not sorted: %s, %s", stats[0].Op, stats[1].Op)
	}
	if stats[0].Count != 2 || stats[0].Errors != 1 {
		t.Errorf("engine.Add stats = %+v, want count 2 errors 1", stats[0])
	}
}

func TestRingWrapsAround(t *testing.T) {
	s := NewSink()
	for i := 0; i < ringCapacity+500; i++ {
		s.Record("op", time.Microsecond, "")
	}
	stats := s.Snapshot(0)
	if len(stats) != 1 {
		t.Fatalf("Snapshot returned %d ops, want 1", len(stats))
	}
	if stats[0].Count != ringCapacity {
		t.Errorf("Count = %d, want ring capacity %d", stats[0].Count, ringCapacity)
	}
}

func TestObserve(t *testing.T) {
	s := NewSink()
	sentinel := errors.New("boom")

	if err := s.Observe("ok", func() error { return nil }); err != nil {
		t.Fatalf("Observe passed through unexpected error: %v", err)
	}
	if err := s.Observe("bad", func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("Observe swallowed the error: %v", err)
	}

	for _, st := range s.Snapshot(0) {
		switch st.Op {
		case "ok":
			if st.Errors != 0 {
				t.Errorf("ok recorded %d errors", st.Errors)
			}
		case "bad":
			if st.Errors != 1 {
				t.Errorf("bad recorded %d errors, want 1", st.Errors)
			}
		}
	}
}

func TestSnapshotMeanAndRate(t *testing.T) {
	s := NewSink()
	s.Record("op", 10*time.Millisecond, "")
	s.Record("op", 30*time.Millisecond, "")

	stats := s.Snapshot(time.Minute)
	if len(stats) != 1 {
		t.Fatalf("Snapshot returned %d ops, want 1", len(stats))
	}
	st := stats[0]
	if st.Mean != 20*time.Millisecond {
		t.Errorf("Mean = %v, want 20ms", st.Mean)
	}
	if math.Abs(st.RatePerSec-2.0/60.0) > 1e-9 {
		t.Errorf("RatePerSec = %v, want %v", st.RatePerSec, 2.0/60.0)
	}
}

func TestSnapshotWindowExcludesOldRecords(t *testing.T) {
	s := NewSink()
	s.Record("op", time.Millisecond, "")
	time.Sleep(30 * time.Millisecond)
	s.Record("op", 3*time.Millisecond, "")

	stats := s.Snapshot(10 * time.Millisecond)
	if len(stats) != 1 {
		t.Fatalf("Snapshot returned %d ops, want 1", len(stats))
	}
	if stats[0].Count != 1 {
		t.Errorf("Count = %d, want only the record inside the window", stats[0].Count)
	}
	if stats[0].Mean != 3*time.Millisecond {
		t.Errorf("Mean = %v, want the recent record's duration", stats[0].Mean)
	}
}

func TestRecordConcurrent(t *testing.T) {
	s := NewSink()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s.Record("concurrent", time.Microsecond, "")
			}
		}()
	}
	wg.Wait()

	stats := s.Snapshot(0)
	if len(stats) != 1 || stats[0].Count != 8000 {
		t.Fatalf("expected 8000 records, got %+v", stats)
	}
}
