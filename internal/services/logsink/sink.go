package logsink

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"justserve/internal/domain"
)

// DefaultCapacity is the number of entries retained before the oldest is
// evicted.
const DefaultCapacity = 100

// Sink is the bounded user-facing operational log. Entries are kept oldest
// first in a ring queue and returned newest first.
type Sink struct {
	mu        sync.Mutex
	entries   *queue.Queue
	capacity  int
	now       func() time.Time
	logger    *slog.Logger
	listeners []func([]domain.LogEntry)
}

type Option func(*Sink)

func WithCapacity(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(opts ...Option) *Sink {
	s := &Sink{
		entries:  queue.New(),
		capacity: DefaultCapacity,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records a new entry, evicting the oldest once capacity is exceeded.
func (s *Sink) Append(category domain.LogCategory, message string) domain.LogEntry {
	entry := domain.LogEntry{Timestamp: s.now(), Category: category, Message: message}

	s.mu.Lock()
	s.entries.Add(entry)
	for s.entries.Length() > s.capacity {
		s.entries.Remove()
	}
	snapshot := s.snapshotLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Debug("log sink append", slog.String("category", string(category)), slog.String("message", message))
	notify(listeners, snapshot)
	return entry
}

func (s *Sink) Clear() {
	s.mu.Lock()
	s.entries = queue.New()
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, []domain.LogEntry{})
}

// Entries returns a copy of the buffer, newest first.
func (s *Sink) Entries() []domain.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Length()
}

// OnChange registers fn to receive the full entry list after every mutation.
// fn runs on the mutating goroutine and must not call back into the sink.
func (s *Sink) OnChange(fn func([]domain.LogEntry)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Sink) snapshotLocked() []domain.LogEntry {
	n := s.entries.Length()
	out := make([]domain.LogEntry, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, s.entries.Get(i).(domain.LogEntry))
	}
	return out
}

func notify(listeners []func([]domain.LogEntry), entries []domain.LogEntry) {
	for _, fn := range listeners {
		fn(entries)
	}
}
