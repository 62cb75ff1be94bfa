package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"justserve/internal/domain"
)

var ErrEventSourceClosed = errors.New("event source closed")

const (
	eventsPath          = "/events"
	reconnectMinDelay   = 500 * time.Millisecond
	reconnectMaxDelay   = 30 * time.Second
	eventReadLimit      = 64 * 1024
	eventPongWait       = 60 * time.Second
	eventHandshakeLimit = 10 * time.Second
)

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscription struct {
	sink chan<- domain.PushEvent
	done chan struct{}

	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// deliver blocks until the event is taken or the subscription is closed.
func (s *subscription) deliver(ev domain.PushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.sink <- ev:
	case <-s.done:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
}

// EventSource streams backend push notifications from {base}/events. The
// connection is opened with the first subscription, re-dialled with backoff
// while any subscription exists, and dropped when the last one is removed.
type EventSource struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[domain.EventCategory]map[*subscription]struct{}
	count  int
	cancel context.CancelFunc
	loop   chan struct{}
	closed bool
}

func NewEventSource(baseURL string, logger *slog.Logger) *EventSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSource{
		url: wsURL(baseURL) + eventsPath,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: eventHandshakeLimit,
		},
		logger: logger,
		subs:   make(map[domain.EventCategory]map[*subscription]struct{}),
	}
}

func (s *EventSource) Subscribe(category domain.EventCategory, sink chan<- domain.PushEvent) (func(), error) {
	if !category.Valid() {
		return nil, domain.Validationf("unknown event category %q", category)
	}
	if sink == nil {
		return nil, domain.Validationf("nil event sink")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrEventSourceClosed
	}
	sub := &subscription{sink: sink, done: make(chan struct{})}
	set, ok := s.subs[category]
	if !ok {
		set = make(map[*subscription]struct{})
		s.subs[category] = set
	}
	set[sub] = struct{}{}
	s.count++
	if s.cancel == nil {
		s.startLocked()
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(category, sub) })
	}, nil
}

func (s *EventSource) unsubscribe(category domain.EventCategory, sub *subscription) {
	sub.close()

	s.mu.Lock()
	if _, ok := s.subs[category][sub]; ok {
		delete(s.subs[category], sub)
		s.count--
	}
	var (
		cancel context.CancelFunc
		loop   chan struct{}
	)
	if s.count == 0 && s.cancel != nil {
		cancel, loop = s.cancel, s.loop
		s.cancel, s.loop = nil, nil
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loop
	}
}

// Close drops every subscription and stops the connection loop.
func (s *EventSource) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var all []*subscription
	for _, set := range s.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	s.subs = make(map[domain.EventCategory]map[*subscription]struct{})
	s.count = 0
	cancel, loop := s.cancel, s.loop
	s.cancel, s.loop = nil, nil
	s.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
	if cancel != nil {
		cancel()
		<-loop
	}
}

func (s *EventSource) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	loop := make(chan struct{})
	s.cancel, s.loop = cancel, loop
	go func() {
		defer close(loop)
		s.run(ctx)
	}()
}

func (s *EventSource) run(ctx context.Context) {
	delay := reconnectMinDelay
	for {
		connected, err := s.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = reconnectMinDelay
		}
		if err != nil {
			s.logger.Warn("backend event stream error, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (s *EventSource) stream(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	s.logger.Debug("backend event stream connected", slog.String("url", s.url))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadLimit(eventReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))

		ev, err := decodeEvent(msg)
		if err != nil {
			s.logger.Debug("dropping backend event", slog.String("type", msg.Type), slog.String("error", err.Error()))
			continue
		}
		s.dispatch(ev)
	}
}

func (s *EventSource) dispatch(ev domain.PushEvent) {
	s.mu.Lock()
	targets := make([]*subscription, 0, len(s.subs[ev.Category]))
	for sub := range s.subs[ev.Category] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

// decodeEvent accepts both the bare payload form ("msg", 1024, "completed")
// and the object form the backend uses for transfer snapshots.
func decodeEvent(msg wsMessage) (domain.PushEvent, error) {
	category := domain.EventCategory(msg.Type)
	if !category.Valid() {
		return domain.PushEvent{}, fmt.Errorf("unknown event type %q", msg.Type)
	}
	ev := domain.PushEvent{Category: category, ReceivedAt: time.Now()}

	var obj struct {
		Message          string                `json:"message"`
		Error            string                `json:"error"`
		Status           domain.TransferStatus `json:"status"`
		BytesTransferred *int64                `json:"bytesTransferred"`
	}
	isObject := len(msg.Data) > 0 && msg.Data[0] == '{'
	if isObject {
		if err := json.Unmarshal(msg.Data, &obj); err != nil {
			return domain.PushEvent{}, err
		}
	}

	switch category {
	case domain.EventServiceFault, domain.EventP2PFault:
		if isObject {
			ev.Message = firstNonEmpty(obj.Message, obj.Error)
		} else if err := json.Unmarshal(msg.Data, &ev.Message); err != nil {
			return domain.PushEvent{}, err
		}
	case domain.EventP2PStatus:
		if isObject {
			ev.Status = obj.Status
		} else {
			var status string
			if err := json.Unmarshal(msg.Data, &status); err != nil {
				return domain.PushEvent{}, err
			}
			ev.Status = domain.TransferStatus(status)
		}
		if !ev.Status.Valid() {
			return domain.PushEvent{}, fmt.Errorf("unknown transfer status %q", ev.Status)
		}
	case domain.EventP2PProgress:
		if isObject {
			if obj.BytesTransferred == nil {
				return domain.PushEvent{}, errors.New("progress without bytesTransferred")
			}
			ev.Bytes = *obj.BytesTransferred
		} else if err := json.Unmarshal(msg.Data, &ev.Bytes); err != nil {
			return domain.PushEvent{}, err
		}
	}
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func wsURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
