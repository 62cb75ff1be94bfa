package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"justserve/internal/domain"
	"justserve/internal/domain/ports"
	"justserve/internal/metrics"
)

const defaultInboxSize = 256

var (
	ErrAlreadyStarted = errors.New("event bridge already started")
	ErrClosed         = errors.New("event bridge closed")
)

// Handler receives every push event exactly once.
type Handler interface {
	HandleEvent(ev domain.PushEvent) bool
}

type LogSink interface {
	Append(category domain.LogCategory, message string) domain.LogEntry
}

// Bridge holds one subscription per push category for the lifetime of the
// process. All categories feed a single inbox drained by one goroutine, so
// events reach the handler in arrival order and are never handled twice.
type Bridge struct {
	source  ports.EventSource
	handler Handler
	logs    LogSink
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	inbox   chan domain.PushEvent
	unsubs  []func()
	started bool
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewBridge(source ports.EventSource, handler Handler, logs LogSink, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		source:  source,
		handler: handler,
		logs:    logs,
		logger:  logger,
		now:     time.Now,
		inbox:   make(chan domain.PushEvent, defaultInboxSize),
		stop:    make(chan struct{}),
	}
}

// Start subscribes to every category. If any subscription fails the ones
// already made are released and the bridge stays unstarted.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return ErrAlreadyStarted
	}

	unsubs := make([]func(), 0, len(domain.EventCategories()))
	for _, category := range domain.EventCategories() {
		unsub, err := b.source.Subscribe(category, b.inbox)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return fmt.Errorf("subscribe %s: %w", category, err)
		}
		unsubs = append(unsubs, unsub)
	}
	b.unsubs = unsubs
	b.started = true

	b.wg.Add(1)
	go b.dispatchLoop()
	b.logger.Info("event bridge started", slog.Int("categories", len(unsubs)))
	return nil
}

// Run starts the bridge and tears it down when ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	b.Close()
	return nil
}

// Close releases every subscription, dispatches whatever was already queued
// and waits for the dispatcher to exit. Safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubs := b.unsubs
	b.unsubs = nil
	started := b.started
	for _, unsub := range unsubs {
		unsub()
	}
	b.mu.Unlock()

	if !started {
		return
	}
	close(b.stop)
	b.wg.Wait()
	b.logger.Info("event bridge stopped")
}

func (b *Bridge) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.inbox:
			b.dispatch(ev)
		case <-b.stop:
			for {
				select {
				case ev := <-b.inbox:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) dispatch(ev domain.PushEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = b.now()
	}
	metrics.PushEventsTotal.WithLabelValues(string(ev.Category)).Inc()

	applied := b.handler.HandleEvent(ev)
	category, message := describe(ev)
	b.logs.Append(category, message)
	b.logger.Debug("push event dispatched",
		slog.String("category", string(ev.Category)),
		slog.Bool("applied", applied),
	)
}

func describe(ev domain.PushEvent) (domain.LogCategory, string) {
	switch ev.Category {
	case domain.EventServiceFault:
		return domain.LogError, "Server error: " + ev.Message
	case domain.EventP2PFault:
		return domain.LogP2PError, ev.Message
	case domain.EventP2PStatus:
		return domain.LogP2P, "Transfer status: " + string(ev.Status)
	case domain.EventP2PProgress:
		return domain.LogP2P, "Transferred " + formatBytes(ev.Bytes)
	default:
		return domain.LogInfo, fmt.Sprintf("Event %s: %s", ev.Category, ev.Message)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
