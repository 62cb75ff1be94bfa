package logsink

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"justserve/internal/domain"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestAppendNewestFirst(t *testing.T) {
	s := New(WithClock(fixedClock()))
	s.Append(domain.LogSystem, "first")
	s.Append(domain.LogSuccess, "second")

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Message != "second" || entries[1].Message != "first" {
		t.Fatalf("unexpected order: %+v", entries)
	}
	if !entries[0].Timestamp.After(entries[1].Timestamp) {
		t.Fatalf("newest entry should carry the later timestamp")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := New()
	for i := 0; i < DefaultCapacity+1; i++ {
		s.Append(domain.LogInfo, fmt.Sprintf("entry-%d", i))
	}

	entries := s.Entries()
	if len(entries) != DefaultCapacity {
		t.Fatalf("len = %d, want %d", len(entries), DefaultCapacity)
	}
	if entries[0].Message != "entry-100" {
		t.Fatalf("newest = %q, want entry-100", entries[0].Message)
	}
	for _, e := range entries {
		if e.Message == "entry-0" {
			t.Fatalf("oldest entry should have been evicted")
		}
	}
	if entries[len(entries)-1].Message != "entry-1" {
		t.Fatalf("oldest retained = %q, want entry-1", entries[len(entries)-1].Message)
	}
}

func TestCustomCapacity(t *testing.T) {
	s := New(WithCapacity(3))
	for i := 0; i < 10; i++ {
		s.Append(domain.LogInfo, fmt.Sprintf("%d", i))
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	if got := s.Entries()[2].Message; got != "7" {
		t.Fatalf("oldest = %q, want 7", got)
	}
}

func TestClear(t *testing.T) {
	s := New()
	s.Append(domain.LogError, "boom")
	s.Clear()
	if s.Len() != 0 || len(s.Entries()) != 0 {
		t.Fatalf("expected empty sink after Clear")
	}
	s.Append(domain.LogInfo, "after")
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	s := New()
	s.Append(domain.LogInfo, "a")
	entries := s.Entries()
	entries[0].Message = "mutated"
	if s.Entries()[0].Message != "a" {
		t.Fatalf("Entries must not expose internal state")
	}
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	s := New()
	var got [][]domain.LogEntry
	s.OnChange(func(entries []domain.LogEntry) {
		got = append(got, entries)
	})

	s.Append(domain.LogP2P, "connected")
	s.Clear()

	if len(got) != 2 {
		t.Fatalf("notifications = %d, want 2", len(got))
	}
	if len(got[0]) != 1 || got[0][0].Category != domain.LogP2P {
		t.Fatalf("unexpected first snapshot: %+v", got[0])
	}
	if len(got[1]) != 0 {
		t.Fatalf("clear should notify with empty list")
	}
}

func TestConcurrentAppend(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Append(domain.LogInfo, "x")
			}
		}()
	}
	wg.Wait()
	if s.Len() != DefaultCapacity {
		t.Fatalf("Len = %d, want %d", s.Len(), DefaultCapacity)
	}
}
